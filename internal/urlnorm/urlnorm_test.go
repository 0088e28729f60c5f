package urlnorm

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases host", "HTTPS://Docs.Example.COM/Path", "https://docs.example.com/Path"},
		{"drops default https port", "https://docs.example.com:443/path", "https://docs.example.com/path"},
		{"keeps non-default port", "https://docs.example.com:8443/path", "https://docs.example.com:8443/path"},
		{"drops default http port", "http://docs.example.com:80/path", "http://docs.example.com/path"},
		{"drops fragment", "https://docs.example.com/path#section", "https://docs.example.com/path"},
		{"collapses trailing slash", "https://docs.example.com/path/", "https://docs.example.com/path"},
		{"keeps root slash", "https://docs.example.com/", "https://docs.example.com/"},
		{"collapses duplicate slashes", "https://docs.example.com/a//b", "https://docs.example.com/a/b"},
		{"strips utm params", "https://docs.example.com/p?utm_source=x&a=1", "https://docs.example.com/p?a=1"},
		{"strips fbclid", "https://docs.example.com/p?fbclid=abc&a=1", "https://docs.example.com/p?a=1"},
		{"sorts remaining params", "https://docs.example.com/p?b=2&a=1", "https://docs.example.com/p?a=1&b=2"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Normalize(tc.in)
			if err != nil {
				t.Fatalf("Normalize(%q) error: %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizeRejectsMissingSchemeOrHost(t *testing.T) {
	for _, in := range []string{"/just/a/path", "docs.example.com/path", ""} {
		if _, err := Normalize(in); err == nil {
			t.Errorf("Normalize(%q) expected error, got nil", in)
		}
	}
}

// TestNormalizeIdempotent checks that normalizing an already-normalized
// URL is a no-op, which dedup relies on.
func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"HTTPS://Docs.Example.COM:443/a//b/?utm_source=x&z=1&a=2#frag",
		"http://example.com",
		"https://example.com/",
	}
	for _, in := range inputs {
		once, err := Normalize(in)
		if err != nil {
			t.Fatalf("Normalize(%q) error: %v", in, err)
		}
		twice, err := Normalize(once)
		if err != nil {
			t.Fatalf("Normalize(%q) error: %v", once, err)
		}
		if once != twice {
			t.Errorf("Normalize not idempotent: Normalize(%q)=%q, Normalize(that)=%q", in, once, twice)
		}
	}
}

func TestHost(t *testing.T) {
	h, err := Host("https://Docs.Example.com:443/guide")
	if err != nil {
		t.Fatalf("Host() error: %v", err)
	}
	if h != "docs.example.com" {
		t.Errorf("Host() = %q, want docs.example.com", h)
	}

	h, err = Host("https://docs.example.com:8443/guide")
	if err != nil {
		t.Fatalf("Host() error: %v", err)
	}
	if h != "docs.example.com:8443" {
		t.Errorf("Host() = %q, want docs.example.com:8443", h)
	}
}
