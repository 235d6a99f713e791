package render

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeFakeRenderer writes an executable shell script standing in for the
// renderer binary, echoing a fixed status object to stdout regardless of
// its stdin (the contract is "one JSON object to stdout", not "a read of
// stdin", so the script can ignore its input entirely for these cases).
func writeFakeRenderer(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-renderer.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("write fake renderer: %v", err)
	}
	return path
}

func TestRenderSuccess(t *testing.T) {
	bin := writeFakeRenderer(t, `cat <<'EOF'
{"status":"success","raster_base64":"aGVsbG8=","source":"digraph{}","exchange_document":""}
EOF`)
	inv := NewInvoker(bin, t.TempDir(), "cred", "/usr/bin:/bin", 5*time.Second)

	result, err := inv.Render(context.Background(), Request{RequestID: "r1", Source: "x", Style: "azure", Quality: "standard", OutputFormat: "png"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result.Raster) != "hello" {
		t.Fatalf("unexpected raster: %q", result.Raster)
	}
	if result.Source != "digraph{}" {
		t.Fatalf("unexpected source: %q", result.Source)
	}
}

func TestRenderReportedFailure(t *testing.T) {
	bin := writeFakeRenderer(t, `cat <<'EOF'
{"status":"failure","message":"unsupported diagram type"}
EOF`)
	inv := NewInvoker(bin, t.TempDir(), "cred", "/usr/bin:/bin", 5*time.Second)

	_, err := inv.Render(context.Background(), Request{RequestID: "r2"})
	if err == nil {
		t.Fatalf("expected an error")
	}
	failed, ok := err.(*Failed)
	if !ok {
		t.Fatalf("expected *Failed, got %T", err)
	}
	if failed.Message != "unsupported diagram type" {
		t.Fatalf("unexpected message: %q", failed.Message)
	}
}

func TestRenderNonZeroExit(t *testing.T) {
	bin := writeFakeRenderer(t, `echo "boom" 1>&2; exit 3`)
	inv := NewInvoker(bin, t.TempDir(), "cred", "/usr/bin:/bin", 5*time.Second)

	_, err := inv.Render(context.Background(), Request{RequestID: "r3"})
	if err == nil {
		t.Fatalf("expected an error")
	}
	failed, ok := err.(*Failed)
	if !ok {
		t.Fatalf("expected *Failed, got %T", err)
	}
	if failed.Message != "boom\n" {
		t.Fatalf("unexpected message: %q", failed.Message)
	}
}

func TestRenderTimeout(t *testing.T) {
	bin := writeFakeRenderer(t, `sleep 2`)
	inv := NewInvoker(bin, t.TempDir(), "cred", "/usr/bin:/bin", 50*time.Millisecond)

	_, err := inv.Render(context.Background(), Request{RequestID: "r4"})
	if err == nil {
		t.Fatalf("expected a timeout error")
	}
	failed, ok := err.(*Failed)
	if !ok || failed.Message != "render timed out" {
		t.Fatalf("expected timeout failure, got %v", err)
	}
}

func TestRenderMalformedOutput(t *testing.T) {
	bin := writeFakeRenderer(t, `echo "not json"`)
	inv := NewInvoker(bin, t.TempDir(), "cred", "/usr/bin:/bin", 5*time.Second)

	_, err := inv.Render(context.Background(), Request{RequestID: "r5"})
	if err == nil {
		t.Fatalf("expected an error")
	}
}
