package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/diagramforge/broker/internal/job"
	"github.com/diagramforge/broker/internal/llm"
	"github.com/diagramforge/broker/internal/queue"
	"github.com/diagramforge/broker/internal/quota"
	"github.com/diagramforge/broker/internal/render"
	"github.com/diagramforge/broker/internal/statusbus"
	"github.com/diagramforge/broker/internal/store"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type fakeProvider struct {
	resp llm.ChatResponse
	err  error
}

func (f *fakeProvider) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	return f.resp, f.err
}

type fakePrompts struct{}

func (fakePrompts) Build(j *job.Job) llm.ChatRequest {
	return llm.ChatRequest{Model: "m", Messages: []llm.Message{{Role: "user", Content: j.Spec.Prompt}}}
}

func writeFakeRenderer(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-renderer.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path
}

func newTestExecutor(t *testing.T, provider llm.Provider, rendererScript string) (*Executor, *queue.Queue, *queue.RetryQueue, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	q := queue.New(0)
	rq := queue.NewRetry()
	bus := statusbus.New()
	ev := quota.NewEvaluator(quota.DefaultConfig(), st, &fakeClock{now: time.Now()}, q)
	bin := writeFakeRenderer(t, rendererScript)
	inv := render.NewInvoker(bin, t.TempDir(), "cred", "/usr/bin:/bin", 5*time.Second)

	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 10 * time.Millisecond

	exec := New(cfg, st, &fakeClock{now: time.Now()}, q, rq, ev, bus, provider, inv, fakePrompts{})
	return exec, q, rq, st
}

func testJob(id string) *job.Job {
	return &job.Job{
		ID:      id,
		Subject: "sub-1",
		Tier:    job.TierT0,
		Spec:    job.Spec{Prompt: "draw a diagram", Style: "azure", Quality: job.QualityStandard, OutputFormat: "png"},
		State:   job.StateQueued,
	}
}

func TestDispatchSuccess(t *testing.T) {
	provider := &fakeProvider{resp: llm.ChatResponse{
		Segments: []string{"```\ndigraph{}\n```"},
		Usage:    llm.Usage{PromptTokens: 10, CompletionTokens: 20},
	}}
	exec, _, _, st := newTestExecutor(t, provider, `cat <<'EOF'
{"status":"success","raster_base64":"aGVsbG8=","source":"digraph{}"}
EOF`)

	j := testJob("job-1")
	require.NoError(t, st.CreateJob(context.Background(), j))
	exec.dispatch(context.Background(), j)

	if j.State != job.StateCompleted {
		t.Fatalf("expected Completed, got %s", j.State)
	}
	require.NotNil(t, j.Result)
	require.Equal(t, "hello", string(j.Result.Raster))
}

func TestDispatchPermanentLLMFailureSkipsRetry(t *testing.T) {
	provider := &fakeProvider{err: &llm.StatusError{StatusCode: 401, Body: "bad credential"}}
	exec, _, rq, st := newTestExecutor(t, provider, `echo should-not-run`)

	j := testJob("job-2")
	require.NoError(t, st.CreateJob(context.Background(), j))
	exec.dispatch(context.Background(), j)

	if j.State != job.StateFailed {
		t.Fatalf("expected Failed, got %s", j.State)
	}
	require.Equal(t, job.ErrorKindUpstreamPermanent, j.Error.Kind)
	require.Equal(t, 0, rq.Len())
}

func TestDispatchRetryableLLMFailureSchedulesRetry(t *testing.T) {
	provider := &fakeProvider{err: &llm.StatusError{StatusCode: 503, Body: "overloaded"}}
	exec, _, rq, st := newTestExecutor(t, provider, `echo should-not-run`)

	j := testJob("job-3")
	require.NoError(t, st.CreateJob(context.Background(), j))
	exec.dispatch(context.Background(), j)

	if j.State != job.StateQueued {
		t.Fatalf("expected Queued (retry-scheduled), got %s", j.State)
	}
	require.Equal(t, 1, j.Attempts)
	require.Equal(t, 1, rq.Len())
}

func TestDispatchExhaustsRetriesThenFails(t *testing.T) {
	provider := &fakeProvider{err: &llm.StatusError{StatusCode: 503, Body: "overloaded"}}
	exec, _, rq, st := newTestExecutor(t, provider, `echo should-not-run`)

	j := testJob("job-4")
	require.NoError(t, st.CreateJob(context.Background(), j))

	for i := 0; i < exec.cfg.MaxAttempts; i++ {
		exec.dispatch(context.Background(), j)
	}

	if j.State != job.StateFailed {
		t.Fatalf("expected Failed after exhausting attempts, got %s", j.State)
	}
	require.Equal(t, job.ErrorKindUpstreamTransient, j.Error.Kind)
	require.Equal(t, 0, rq.Len())
}

func TestDispatchRenderFailure(t *testing.T) {
	provider := &fakeProvider{resp: llm.ChatResponse{Segments: []string{"source"}}}
	exec, _, _, st := newTestExecutor(t, provider, `echo "bad" 1>&2; exit 1`)

	j := testJob("job-5")
	require.NoError(t, st.CreateJob(context.Background(), j))
	exec.dispatch(context.Background(), j)

	if j.State != job.StateFailed {
		t.Fatalf("expected Failed, got %s", j.State)
	}
	require.Equal(t, job.ErrorKindRenderFailure, j.Error.Kind)
}

func TestCancelBeforeDispatchMarksCancelled(t *testing.T) {
	provider := &fakeProvider{resp: llm.ChatResponse{Segments: []string{"source"}}}
	exec, _, _, st := newTestExecutor(t, provider, `echo should-not-run`)

	j := testJob("job-6")
	require.NoError(t, st.CreateJob(context.Background(), j))
	exec.Cancel(j.ID)
	exec.dispatch(context.Background(), j)

	if j.State != job.StateCancelled {
		t.Fatalf("expected Cancelled, got %s", j.State)
	}
}
