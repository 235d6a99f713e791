package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/diagramforge/broker/internal/broker"
	"github.com/diagramforge/broker/internal/clock"
	"github.com/diagramforge/broker/internal/executor"
	"github.com/diagramforge/broker/internal/idempotency"
	"github.com/diagramforge/broker/internal/job"
	"github.com/diagramforge/broker/internal/llm"
	"github.com/diagramforge/broker/internal/middleware"
	"github.com/diagramforge/broker/internal/queue"
	"github.com/diagramforge/broker/internal/quota"
	"github.com/diagramforge/broker/internal/render"
	"github.com/diagramforge/broker/internal/statusbus"
	"github.com/diagramforge/broker/internal/store"
	"github.com/stretchr/testify/require"
)

type noopProvider struct{}

func (noopProvider) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	return llm.ChatResponse{}, nil
}

type noopPrompts struct{}

func (noopPrompts) Build(j *job.Job) llm.ChatRequest { return llm.ChatRequest{} }

func newTestAPI(t *testing.T) *API {
	t.Helper()
	st := store.NewMemoryStore()
	q := queue.New(10)
	rq := queue.NewRetry()
	bus := statusbus.New()
	ev := quota.NewEvaluator(quota.DefaultConfig(), st, clock.Real{}, q)

	dir := t.TempDir()
	binPath := filepath.Join(dir, "noop.sh")
	require.NoError(t, os.WriteFile(binPath, []byte("#!/bin/sh\necho '{}'\n"), 0o755))
	inv := render.NewInvoker(binPath, dir, "cred", "/usr/bin:/bin", time.Second)

	exec := executor.New(executor.DefaultConfig(), st, clock.Real{}, q, rq, ev, bus, noopProvider{}, inv, noopPrompts{})
	ids := clock.NewIDSource(clock.Real{})
	b := broker.New(st, ids, clock.Real{}, ev, quota.DefaultConfig(), q, rq, bus, exec)
	idem := idempotency.NewStore(nil)
	return New(b, bus, idem)
}

func withSubject(req *http.Request, subject job.Subject) *http.Request {
	ctx := context.WithValue(req.Context(), middleware.SubjectKey, subject)
	return req.WithContext(ctx)
}

func TestHandleSubmitAdmits(t *testing.T) {
	a := newTestAPI(t)
	body, _ := json.Marshal(map[string]string{"prompt": "draw a network diagram"})
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader(body))
	req = withSubject(req, job.Subject{Key: "sub-1", Tier: job.TierT1})
	rec := httptest.NewRecorder()

	a.HandleSubmit(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["jobId"])
}

func TestHandleSubmitRejectsEmptyPrompt(t *testing.T) {
	a := newTestAPI(t)
	body, _ := json.Marshal(map[string]string{})
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader(body))
	req = withSubject(req, job.Subject{Key: "sub-1", Tier: job.TierT1})
	rec := httptest.NewRecorder()

	a.HandleSubmit(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSubmitUnauthorizedWithoutSubject(t *testing.T) {
	a := newTestAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()

	a.HandleSubmit(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleQueryAndCancelRoundTrip(t *testing.T) {
	a := newTestAPI(t)
	subject := job.Subject{Key: "sub-1", Tier: job.TierT1}

	body, _ := json.Marshal(map[string]string{"prompt": "draw something"})
	submitReq := withSubject(httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader(body)), subject)
	submitRec := httptest.NewRecorder()
	a.HandleSubmit(submitRec, submitReq)
	require.Equal(t, http.StatusAccepted, submitRec.Code)

	var submitResp map[string]any
	require.NoError(t, json.Unmarshal(submitRec.Body.Bytes(), &submitResp))
	jobID := submitResp["jobId"].(string)

	queryReq := withSubject(httptest.NewRequest(http.MethodGet, "/v1/jobs/"+jobID, nil), subject)
	queryRec := httptest.NewRecorder()
	a.HandleQuery(queryRec, queryReq)
	require.Equal(t, http.StatusOK, queryRec.Code)

	cancelReq := withSubject(httptest.NewRequest(http.MethodDelete, "/v1/jobs/"+jobID, nil), subject)
	cancelRec := httptest.NewRecorder()
	a.HandleCancel(cancelRec, cancelReq)
	require.Equal(t, http.StatusOK, cancelRec.Code)

	var cancelResp map[string]bool
	require.NoError(t, json.Unmarshal(cancelRec.Body.Bytes(), &cancelResp))
	require.True(t, cancelResp["cancelled"])
}

func TestHandleQueryNotFoundForForeignSubject(t *testing.T) {
	a := newTestAPI(t)
	subject := job.Subject{Key: "sub-1", Tier: job.TierT1}
	body, _ := json.Marshal(map[string]string{"prompt": "x"})
	submitReq := withSubject(httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader(body)), subject)
	submitRec := httptest.NewRecorder()
	a.HandleSubmit(submitRec, submitReq)

	var submitResp map[string]any
	require.NoError(t, json.Unmarshal(submitRec.Body.Bytes(), &submitResp))
	jobID := submitResp["jobId"].(string)

	other := job.Subject{Key: "sub-2", Tier: job.TierT1}
	queryReq := withSubject(httptest.NewRequest(http.MethodGet, "/v1/jobs/"+jobID, nil), other)
	queryRec := httptest.NewRecorder()
	a.HandleQuery(queryRec, queryReq)

	require.Equal(t, http.StatusNotFound, queryRec.Code)
}

func TestWithIdempotencyReplaysSecondRequest(t *testing.T) {
	a := newTestAPI(t)
	subject := job.Subject{Key: "sub-1", Tier: job.TierT1}
	handler := a.withIdempotency(a.HandleSubmit)

	body, _ := json.Marshal(map[string]string{"prompt": "draw a diagram"})

	req1 := withSubject(httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader(body)), subject)
	req1.Header.Set("Idempotency-Key", "key-1")
	rec1 := httptest.NewRecorder()
	handler(rec1, req1)
	require.Equal(t, http.StatusAccepted, rec1.Code)

	req2 := withSubject(httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader(body)), subject)
	req2.Header.Set("Idempotency-Key", "key-1")
	rec2 := httptest.NewRecorder()
	handler(rec2, req2)
	require.Equal(t, http.StatusAccepted, rec2.Code)
	require.Equal(t, rec1.Body.String(), rec2.Body.String(), "repeated idempotency key must replay the cached response")
}
