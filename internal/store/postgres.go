package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/diagramforge/broker/internal/job"
)

// PostgresStore implements Store against PostgreSQL: jobs and usage tables
// indexed per spec §6.5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a connection pool and pings it before returning.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

type resultRow struct {
	Raster           []byte
	Source           string
	ExchangeDocument string
	TokensConsumed   int
}

func (s *PostgresStore) CreateJob(ctx context.Context, j *job.Job) error {
	query := `
		INSERT INTO jobs (id, subject, tier, submitted_at, admitted_at, prompt, template_id, style,
			quality, diagram_type, output_format, state, attempts, priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := s.pool.Exec(ctx, query,
		j.ID, j.Subject, string(j.Tier), j.SubmittedAt, j.AdmittedAt,
		j.Spec.Prompt, j.Spec.TemplateID, j.Spec.Style, string(j.Spec.Quality),
		string(j.Spec.DiagramType), j.Spec.OutputFormat, string(j.State), j.Attempts, j.Priority,
	)
	return err
}

func (s *PostgresStore) UpdateJob(ctx context.Context, j *job.Job) error {
	var resultJSON, errorJSON []byte
	if j.Result != nil {
		var err error
		resultJSON, err = json.Marshal(resultRow{
			Raster: j.Result.Raster, Source: j.Result.Source,
			ExchangeDocument: j.Result.ExchangeDocument, TokensConsumed: j.Result.TokensConsumed,
		})
		if err != nil {
			return err
		}
	}
	if j.Error != nil {
		var err error
		errorJSON, err = json.Marshal(j.Error)
		if err != nil {
			return err
		}
	}

	query := `
		UPDATE jobs SET state = $2, attempts = $3, result = $4, error = $5
		WHERE id = $1
	`
	_, err := s.pool.Exec(ctx, query, j.ID, string(j.State), j.Attempts, resultJSON, errorJSON)
	return err
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*job.Job, error) {
	query := `
		SELECT id, subject, tier, submitted_at, admitted_at, prompt, template_id, style,
			quality, diagram_type, output_format, state, attempts, priority, result, error
		FROM jobs WHERE id = $1
	`
	return s.scanJob(s.pool.QueryRow(ctx, query, id))
}

func (s *PostgresStore) scanJob(row pgx.Row) (*job.Job, error) {
	var j job.Job
	var tier, quality, diagramType, state string
	var resultJSON, errorJSON []byte

	err := row.Scan(
		&j.ID, &j.Subject, &tier, &j.SubmittedAt, &j.AdmittedAt,
		&j.Spec.Prompt, &j.Spec.TemplateID, &j.Spec.Style, &quality,
		&diagramType, &j.Spec.OutputFormat, &state, &j.Attempts, &j.Priority,
		&resultJSON, &errorJSON,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	j.Tier = job.Tier(tier)
	j.Spec.Quality = job.Quality(quality)
	j.Spec.DiagramType = job.DiagramType(diagramType)
	j.State = job.State(state)

	if len(resultJSON) > 0 {
		var rr resultRow
		if err := json.Unmarshal(resultJSON, &rr); err != nil {
			return nil, err
		}
		j.Result = &job.Result{
			Raster: rr.Raster, Source: rr.Source,
			ExchangeDocument: rr.ExchangeDocument, TokensConsumed: rr.TokensConsumed,
		}
	}
	if len(errorJSON) > 0 {
		var je job.Error
		if err := json.Unmarshal(errorJSON, &je); err != nil {
			return nil, err
		}
		j.Error = &je
	}
	return &j, nil
}

func (s *PostgresStore) listJobsByState(ctx context.Context, states []string) ([]*job.Job, error) {
	query := `
		SELECT id, subject, tier, submitted_at, admitted_at, prompt, template_id, style,
			quality, diagram_type, output_format, state, attempts, priority, result, error
		FROM jobs WHERE state = ANY($1) ORDER BY priority DESC, admitted_at ASC
	`
	rows, err := s.pool.Query(ctx, query, states)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListNonTerminalJobs(ctx context.Context) ([]*job.Job, error) {
	return s.listJobsByState(ctx, []string{
		string(job.StateQueued), string(job.StateDispatched), string(job.StateInProgress),
	})
}

func (s *PostgresStore) ListRetryScheduledJobs(ctx context.Context) ([]*job.Job, error) {
	query := `
		SELECT id, subject, tier, submitted_at, admitted_at, prompt, template_id, style,
			quality, diagram_type, output_format, state, attempts, priority, result, error
		FROM jobs WHERE state = $1 AND attempts > 0 ORDER BY priority DESC, admitted_at ASC
	`
	rows, err := s.pool.Query(ctx, query, string(job.StateQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendUsage(ctx context.Context, rec job.UsageRecord) error {
	query := `
		INSERT INTO usage_records (subject, timestamp, tokens_in, tokens_out, success, error_kind, estimated_cost)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, query,
		rec.Subject, rec.Timestamp, rec.TokensIn, rec.TokensOut, rec.Success,
		string(rec.ErrorKind), rec.EstimatedCost,
	)
	return err
}

func (s *PostgresStore) AggregateUsage(ctx context.Context, subject string, w UsageWindow) (UsageAggregate, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(tokens_in + tokens_out), 0)
		FROM usage_records
		WHERE subject = $1 AND timestamp >= $2 AND timestamp < $3
	`
	var agg UsageAggregate
	err := s.pool.QueryRow(ctx, query, subject, w.Start, w.End).Scan(&agg.Count, &agg.Tokens)
	return agg, err
}

func (s *PostgresStore) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	query := `
		INSERT INTO leader_epochs (resource_id, epoch)
		VALUES ($1, 1)
		ON CONFLICT (resource_id) DO UPDATE SET epoch = leader_epochs.epoch + 1
		RETURNING epoch
	`
	var epoch int64
	err := s.pool.QueryRow(ctx, query, resourceID).Scan(&epoch)
	return epoch, err
}

// GetDurableEpoch reads the current epoch for resourceID without advancing
// it, returning 0 if the resource has no row yet.
func (s *PostgresStore) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	query := `SELECT epoch FROM leader_epochs WHERE resource_id = $1`
	var epoch int64
	err := s.pool.QueryRow(ctx, query, resourceID).Scan(&epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return epoch, err
}
