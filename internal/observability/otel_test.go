package observability

import (
	"context"
	"net/http"
	"testing"

	"github.com/fuseview/fuseview/internal/config"
)

func TestSetupDisabledReturnsInertRuntime(t *testing.T) {
	t.Parallel()

	runtime, err := Setup(context.Background(), config.OTelConfig{Enabled: false}, "test", nil)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if runtime.Enabled() {
		t.Fatal("disabled config must produce a disabled runtime")
	}

	// All hooks must be safe no-ops when disabled.
	runtime.RecordAPIRetry(context.Background(), "/api/public/traces")
	runtime.RecordAPIRetryExhausted(context.Background(), "/api/public/traces")
	if err := runtime.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestNilRuntimeIsSafe(t *testing.T) {
	t.Parallel()

	var runtime *Runtime
	if runtime.Enabled() {
		t.Fatal("nil runtime must report disabled")
	}
	runtime.RecordAPIRetry(context.Background(), "/api/public/traces")
	runtime.RecordAPIRetryExhausted(context.Background(), "/api/public/traces")
	if err := runtime.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown on nil runtime: %v", err)
	}
}

func TestWrapHTTPTransportDisabledReturnsBase(t *testing.T) {
	t.Parallel()

	runtime := &Runtime{}
	base := http.DefaultTransport
	if got := runtime.WrapHTTPTransport(base); got != base {
		t.Fatal("disabled runtime must return the base transport unchanged")
	}
	if got := runtime.WrapHTTPTransport(nil); got != http.DefaultTransport {
		t.Fatal("nil base must fall back to http.DefaultTransport")
	}
}

func TestNormalizeOTLPEndpoint(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name         string
		in           string
		wantEndpoint string
		wantInsecure bool
		wantErr      bool
	}{
		{"host port", "collector:4318", "collector:4318", false, false},
		{"http url", "http://collector:4318", "collector:4318", true, false},
		{"https url", "https://collector:4318", "collector:4318", false, false},
		{"empty", "   ", "", false, true},
		{"bad scheme", "grpc://collector:4317", "", false, true},
		{"missing host", "http://", "", false, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			endpoint, insecure, err := normalizeOTLPEndpoint(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalizeOTLPEndpoint(%q): %v", tc.in, err)
			}
			if endpoint != tc.wantEndpoint || insecure != tc.wantInsecure {
				t.Fatalf("got (%q, %v), want (%q, %v)", endpoint, insecure, tc.wantEndpoint, tc.wantInsecure)
			}
		})
	}
}

func TestEndpointPatternForPath(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"/api/public/traces", "/api/public/traces"},
		{"/api/public/traces/abc-123", "/api/public/traces/{id}"},
		{"/api/public/observations", "/api/public/observations"},
		{"/api/public/observations/obs-9", "/api/public/observations/{id}"},
		{"/api/public/projects", "/api/public/projects"},
		{"/api/public/health", "/api/public/health"},
		{"/something/else", "/other"},
	}
	for _, tc := range cases {
		if got := endpointPatternForPath(tc.in); got != tc.want {
			t.Fatalf("endpointPatternForPath(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}
