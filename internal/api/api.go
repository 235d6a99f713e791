// Package api implements C10, the HTTP/WebSocket transport over the broker:
// submit/cancel/query endpoints, the per-job event stream, and the ambient
// /metrics and /healthz routes. Grounded on the teacher's api.go handler
// style (stdlib net/http, responseRecorder-based idempotency wrapper).
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/diagramforge/broker/internal/broker"
	"github.com/diagramforge/broker/internal/idempotency"
	"github.com/diagramforge/broker/internal/job"
	"github.com/diagramforge/broker/internal/middleware"
	"github.com/diagramforge/broker/internal/statusbus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// API wires HTTP handlers to the broker.
type API struct {
	broker      *broker.Broker
	bus         *statusbus.Bus
	idempotency *idempotency.Store
}

// New builds an API.
func New(b *broker.Broker, bus *statusbus.Bus, idem *idempotency.Store) *API {
	return &API{broker: b, bus: bus, idempotency: idem}
}

// responseRecorder captures a handler's response so withIdempotency can
// cache it, mirroring the teacher's api.go wrapper.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// withIdempotency replays a cached response for a repeated Idempotency-Key,
// and otherwise records the fresh response for future repeats (spec §6.4).
func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}

		if resp, found := a.idempotency.Get(r.Context(), key); found {
			for k, vs := range resp.Headers {
				for _, v := range vs {
					w.Header().Add(k, v)
				}
			}
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		won, err := a.idempotency.Claim(r.Context(), key, 24*time.Hour)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if !won {
			// Lost the race: poll briefly for the winner's cached response.
			for i := 0; i < 20; i++ {
				time.Sleep(50 * time.Millisecond)
				if resp, found := a.idempotency.Get(r.Context(), key); found {
					for k, vs := range resp.Headers {
						for _, v := range vs {
							w.Header().Add(k, v)
						}
					}
					w.WriteHeader(resp.StatusCode)
					w.Write(resp.Body)
					return
				}
			}
			http.Error(w, "request in progress, retry later", http.StatusConflict)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		a.idempotency.Set(r.Context(), key, idempotency.Response{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			Headers:    rec.Header(),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

// submitRequest is the §6.1 payload; unknown fields are ignored by
// construction since this struct only names the recognized set.
type submitRequest struct {
	Prompt       string `json:"prompt"`
	TemplateID   string `json:"templateId"`
	Style        string `json:"style"`
	Quality      string `json:"quality"`
	DiagramType  string `json:"diagramType"`
	OutputFormat string `json:"outputFormat"`
}

// HandleSubmit implements POST /v1/jobs.
func (a *API) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	subject, err := middleware.SubjectFromContext(r.Context())
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var body submitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	spec := job.Spec{
		Prompt:       body.Prompt,
		TemplateID:   body.TemplateID,
		Style:        body.Style,
		Quality:      job.Quality(body.Quality),
		DiagramType:  job.DiagramType(body.DiagramType),
		OutputFormat: body.OutputFormat,
	}

	result, err := a.broker.Submit(r.Context(), subject, spec)
	if err != nil {
		var admErr *broker.AdmissionError
		if errors.As(err, &admErr) {
			resp := map[string]any{
				"error":      "AdmissionDenied",
				"reason":     admErr.Reason,
				"retryAfter": admErr.RetryAfter.Seconds(),
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(admErr.RetryAfter)))
			writeJSON(w, http.StatusTooManyRequests, resp)
			return
		}
		if errors.Is(err, job.ErrPromptTooLarge) || errors.Is(err, job.ErrPromptOrTemplateRequired) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"jobId":         result.JobID,
		"position":      result.Position,
		"estimatedWait": result.EstimatedWait.Seconds(),
	})
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

// HandleCancel implements DELETE /v1/jobs/{id}.
func (a *API) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	subject, err := middleware.SubjectFromContext(r.Context())
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	jobID := jobIDFromPath(r.URL.Path, "/v1/jobs/")

	cancelled, err := a.broker.Cancel(r.Context(), subject, jobID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// HandleQuery implements GET /v1/jobs/{id}.
func (a *API) HandleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	subject, err := middleware.SubjectFromContext(r.Context())
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	jobID := jobIDFromPath(r.URL.Path, "/v1/jobs/")

	view, err := a.broker.Query(r.Context(), subject, jobID)
	if err != nil {
		if errors.Is(err, broker.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func jobIDFromPath(path, prefix string) string {
	trimmed := strings.TrimPrefix(path, prefix)
	trimmed = strings.TrimSuffix(trimmed, "/stream")
	return trimmed
}

// Healthz implements GET /healthz.
func Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// MetricsHandler exposes Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
