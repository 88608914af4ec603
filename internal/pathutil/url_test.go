package pathutil

import "testing"

func TestNormalizeBaseURLTrimsTrailingSlashes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"https://cloud.langfuse.com", "https://cloud.langfuse.com"},
		{"https://cloud.langfuse.com/", "https://cloud.langfuse.com"},
		{"https://cloud.langfuse.com//", "https://cloud.langfuse.com"},
		{"  https://host:3000/ ", "https://host:3000"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeBaseURL(tc.in); got != tc.want {
			t.Errorf("NormalizeBaseURL(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestValidateBaseURL(t *testing.T) {
	t.Parallel()

	if err := ValidateBaseURL("https://cloud.langfuse.com/"); err != nil {
		t.Fatalf("valid url rejected: %v", err)
	}
	for _, bad := range []string{"", "cloud.langfuse.com", "https://", "://nope"} {
		if err := ValidateBaseURL(bad); err == nil {
			t.Errorf("ValidateBaseURL(%q) accepted, want error", bad)
		}
	}
}

func TestJoinPath(t *testing.T) {
	t.Parallel()

	if got := JoinPath("https://host/", "/api/public/health"); got != "https://host/api/public/health" {
		t.Fatalf("JoinPath=%q", got)
	}
	if got := JoinPath("https://host", "api/public/health"); got != "https://host/api/public/health" {
		t.Fatalf("JoinPath without leading slash=%q", got)
	}
}
