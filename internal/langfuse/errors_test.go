package langfuse

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ErrorClassUnknown},
		{"retryable 503", &APIError{Status: 503}, ErrorClassServer},
		{"retryable 502", &APIError{Status: 502}, ErrorClassServer},
		{"retryable 500", &APIError{Status: 500}, ErrorClassServer},
		{"terminal 404", &APIError{Status: 404}, ErrorClassClient},
		{"terminal 429", &APIError{Status: 429}, ErrorClassClient},
		{"attempt timeout", &TimeoutError{After: time.Minute}, ErrorClassTimeout},
		{"deadline exceeded", context.DeadlineExceeded, ErrorClassTimeout},
		{"wrapped deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), ErrorClassTimeout},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, ErrorClassConnection},
		{"econnrefused", syscall.ECONNREFUSED, ErrorClassConnection},
		{"string connection refused", errors.New("dial tcp 127.0.0.1:3000: connection refused"), ErrorClassConnection},
		{"string no such host", errors.New("lookup backend: no such host"), ErrorClassConnection},
		{"opaque", errors.New("something else"), ErrorClassUnknown},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%v)=%q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestRetryableCoversTransientClassesOnly(t *testing.T) {
	t.Parallel()

	if !retryable(&APIError{Status: 503}) {
		t.Fatal("503 must be retryable")
	}
	if !retryable(&TimeoutError{After: time.Second}) {
		t.Fatal("timeouts must be retryable")
	}
	if !retryable(errors.New("read: connection reset by peer")) {
		t.Fatal("connection failures must be retryable")
	}
	if retryable(&APIError{Status: 400}) {
		t.Fatal("client errors must not be retried")
	}
	if retryable(errors.New("decode langfuse response: invalid character")) {
		t.Fatal("malformed responses must not be retried")
	}
}

func TestAPIErrorMessageCarriesStatusAndExcerpt(t *testing.T) {
	t.Parallel()

	err := &APIError{Status: 404, Body: "trace not found"}
	if got := err.Error(); got != "langfuse api error (404): trace not found" {
		t.Fatalf("Error()=%q", got)
	}

	bare := &APIError{Status: 502}
	if got := bare.Error(); got != "langfuse api error (502)" {
		t.Fatalf("Error()=%q", got)
	}
}

func TestTimeoutErrorSuggestsSmallerRequests(t *testing.T) {
	t.Parallel()

	err := &TimeoutError{After: 60 * time.Second}
	if !strings.Contains(err.Error(), "60s") || !strings.Contains(err.Error(), "page size") {
		t.Fatalf("timeout message should name the duration and suggest a smaller request, got %q", err.Error())
	}
	if !err.Timeout() {
		t.Fatal("Timeout() must report true")
	}
}
