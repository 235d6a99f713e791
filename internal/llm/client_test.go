package llm

import (
	"context"
	"errors"
	"net"
	"testing"
)

func TestIsRetryableStatusCodes(t *testing.T) {
	cases := []struct {
		code      int
		retryable bool
	}{
		{408, true},
		{425, true},
		{429, true},
		{500, true},
		{502, true},
		{503, true},
		{504, true},
		{400, false},
		{401, false},
		{403, false},
		{404, false},
	}
	for _, c := range cases {
		err := &StatusError{StatusCode: c.code, Body: "x"}
		if got := IsRetryable(err); got != c.retryable {
			t.Errorf("status %d: IsRetryable = %v, want %v", c.code, got, c.retryable)
		}
	}
}

func TestIsRetryableContextDeadline(t *testing.T) {
	if !IsRetryable(context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded to be retryable")
	}
}

func TestIsRetryableNetError(t *testing.T) {
	err := &net.DNSError{Err: "timeout", IsTimeout: true}
	if !IsRetryable(err) {
		t.Fatalf("expected net.Error to be retryable")
	}
}

func TestIsRetryableNilAndOther(t *testing.T) {
	if IsRetryable(nil) {
		t.Fatalf("nil error should not be retryable")
	}
	if IsRetryable(errors.New("some unrelated error")) {
		t.Fatalf("plain error should not be retryable")
	}
}

func TestStatusErrorMessage(t *testing.T) {
	err := &StatusError{StatusCode: 503, Body: "overloaded"}
	if err.Error() == "" {
		t.Fatalf("expected non-empty error message")
	}
}
