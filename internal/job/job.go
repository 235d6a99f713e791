// Package job defines the core data model of the broker: subjects, jobs, their
// lifecycle, and usage records (spec §3).
package job

import (
	"errors"
	"time"
)

// Tier is a subject's service class. Ordered lowest to highest: T0 < T1 < T2 < T3.
type Tier string

const (
	TierT0 Tier = "T0"
	TierT1 Tier = "T1"
	TierT2 Tier = "T2"
	TierT3 Tier = "T3"
)

// Rank returns the tier's ordinal, used to compare tiers.
func (t Tier) Rank() int {
	switch t {
	case TierT0:
		return 0
	case TierT1:
		return 1
	case TierT2:
		return 2
	case TierT3:
		return 3
	default:
		return -1
	}
}

// Subject is the principal identity a job is billed and rate-limited against.
type Subject struct {
	Key  string
	Tier Tier
}

// State is a job's lifecycle state (spec §3).
type State string

const (
	StateQueued      State = "queued"
	StateDispatched  State = "dispatched"
	StateInProgress  State = "in_progress"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// Terminal reports whether a state is one of the three terminal states (I1).
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// ErrorKind classifies a terminal or retryable failure (spec §7).
type ErrorKind string

const (
	ErrorKindAdmissionDenied   ErrorKind = "AdmissionDenied"
	ErrorKindUpstreamTransient ErrorKind = "UpstreamTransient"
	ErrorKindUpstreamPermanent ErrorKind = "UpstreamPermanent"
	ErrorKindRenderFailure     ErrorKind = "RenderFailure"
	ErrorKindTimeout           ErrorKind = "Timeout"
	ErrorKindStalenessExpired  ErrorKind = "StalenessExpired"
	ErrorKindCancelled         ErrorKind = "Cancelled"
	ErrorKindInternal          ErrorKind = "Internal"
)

// Retryable reports whether this kind of failure is retried by the executor.
func (k ErrorKind) Retryable() bool {
	return k == ErrorKindUpstreamTransient
}

// Quality is the requested diagram complexity (spec §6.1).
type Quality string

const (
	QualitySimple     Quality = "simple"
	QualityStandard   Quality = "standard"
	QualityEnterprise Quality = "enterprise"
)

// DiagramType selects which renderer output the request emphasizes.
type DiagramType string

const (
	DiagramTypeRaster           DiagramType = "raster"
	DiagramTypeExchangeDocument DiagramType = "exchange-document"
)

// Spec is the free-form submit payload recognized fields (spec §6.1). Unknown
// fields are never represented here at all — callers ignore them by
// construction, since this struct only has named fields for the recognized
// set.
type Spec struct {
	Prompt       string
	TemplateID   string
	Style        string
	Quality      Quality
	DiagramType  DiagramType
	OutputFormat string
}

const maxPromptBytes = 8 * 1024

var (
	ErrPromptTooLarge    = errors.New("job: prompt exceeds 8KiB limit")
	ErrPromptOrTemplateRequired = errors.New("job: prompt is required unless templateId is present")
)

// Normalize fills in documented defaults and validates required fields.
func (s *Spec) Normalize() error {
	if len(s.Prompt) > maxPromptBytes {
		return ErrPromptTooLarge
	}
	if s.Prompt == "" && s.TemplateID == "" {
		return ErrPromptOrTemplateRequired
	}
	if s.Style == "" {
		s.Style = "azure"
	}
	if s.Quality == "" {
		s.Quality = QualityStandard
	}
	if s.DiagramType == "" {
		s.DiagramType = DiagramTypeRaster
	}
	if s.OutputFormat == "" {
		s.OutputFormat = "png"
	}
	return nil
}

// Result is the artifact bundle recorded on a Completed job.
type Result struct {
	Raster           []byte
	Source           string
	ExchangeDocument string
	TokensConsumed   int
}

// Error is the failure recorded on a Failed job.
type Error struct {
	Kind    ErrorKind
	Message string
}

// Job is the unit of work (spec §3).
type Job struct {
	ID          string
	Subject     string
	Tier        Tier
	SubmittedAt time.Time
	AdmittedAt  time.Time
	Spec        Spec
	State       State
	Attempts    int
	Priority    int
	Result      *Result
	Error       *Error
}

// UsageRecord is an immutable append-only ledger entry (spec §3).
type UsageRecord struct {
	Subject       string
	Timestamp     time.Time
	TokensIn      int
	TokensOut     int
	Success       bool
	ErrorKind     ErrorKind
	EstimatedCost float64
}

// View is the externally visible projection of a Job returned by query().
type View struct {
	ID       string
	State    State
	Attempts int
	Result   *Result
	Error    *Error
}

// ToView projects a Job into its public view.
func (j *Job) ToView() View {
	return View{
		ID:       j.ID,
		State:    j.State,
		Attempts: j.Attempts,
		Result:   j.Result,
		Error:    j.Error,
	}
}
