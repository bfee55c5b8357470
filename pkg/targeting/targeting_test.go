package targeting

import (
	"errors"
	"testing"
)

func TestParseFullDirective(t *testing.T) {
	d, err := Parse("abc123-country-us-city-New_York-session-s1-rotate-5")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d.APIKey != "abc123" || d.Country != "US" || d.City != "new york" || d.Session != "s1" || d.Rotate != 5 {
		t.Fatalf("unexpected directive: %+v", d)
	}
}

func TestParseKeyOnly(t *testing.T) {
	d, err := Parse("onlykey")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d.APIKey != "onlykey" || d.HasLocation() || d.Session != "" || d.Rotate != 0 {
		t.Fatalf("expected bare key directive, got %+v", d)
	}
}

func TestRoundTripCanonical(t *testing.T) {
	canonical := []string{
		"k",
		"k-country-US",
		"k-city-berlin",
		"k-session-abc123",
		"k-country-US-session-abc123",
		"k-country-GB-city-london-session-x_1-rotate-3",
		"k-country-US-city-new_york",
		"k-rotate-10",
	}
	for _, s := range canonical {
		d, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		if got := Encode(d); got != s {
			t.Fatalf("round trip mismatch: %q -> %q", s, got)
		}
	}
}

func TestRoundTripNormalizesOrderAndCase(t *testing.T) {
	d, err := Parse("k-SESSION-abc-Country-de")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := Encode(d); got != "k-country-DE-session-abc" {
		t.Fatalf("expected canonical encoding, got %q", got)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	bad := []string{
		"",
		"-country-US",
		"k-country",
		"k-country-USA",
		"k-country-1a",
		"k-region-eu",
		"k-country-US-country-DE",
		"k-session-",
		"k-session-a.b",
		"k-rotate-0",
		"k-rotate-x",
		"k-country-US-extra",
	}
	for _, s := range bad {
		if _, err := Parse(s); !errors.Is(err, ErrMalformedCredential) {
			t.Fatalf("expected ErrMalformedCredential for %q, got %v", s, err)
		}
	}
}

func TestProxyAuthorization(t *testing.T) {
	header := BasicAuth("alice", "key1-country-US-session-abc123")
	user, pass, err := ParseProxyAuthorization(header)
	if err != nil {
		t.Fatalf("ParseProxyAuthorization: %v", err)
	}
	if user != "alice" {
		t.Fatalf("expected username alice, got %q", user)
	}
	d, err := FromUserPassword(user, pass)
	if err != nil {
		t.Fatalf("FromUserPassword: %v", err)
	}
	if d.APIKey != "key1" || d.Country != "US" || d.Session != "abc123" {
		t.Fatalf("unexpected directive: %+v", d)
	}

	if _, _, err := ParseProxyAuthorization("Bearer abc"); !errors.Is(err, ErrMalformedCredential) {
		t.Fatalf("expected bearer scheme to be rejected, got %v", err)
	}
	if _, _, err := ParseProxyAuthorization("Basic !!!"); !errors.Is(err, ErrMalformedCredential) {
		t.Fatalf("expected invalid base64 to be rejected, got %v", err)
	}
	if _, _, err := ParseProxyAuthorization(""); !errors.Is(err, ErrMalformedCredential) {
		t.Fatalf("expected missing header to be rejected, got %v", err)
	}
}

func TestFromUserPasswordUsernameFallback(t *testing.T) {
	d, err := FromUserPassword("key9-country-FR", "")
	if err != nil {
		t.Fatalf("FromUserPassword: %v", err)
	}
	if d.APIKey != "key9" || d.Country != "FR" {
		t.Fatalf("unexpected directive: %+v", d)
	}
}
