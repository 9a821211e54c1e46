package logging

import (
	"net/http"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	if _, err := New("debug"); err != nil {
		t.Fatalf("New(debug) error = %v", err)
	}
	if _, err := New("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestSafeHeadersRedactsCredentials(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer secret")
	h.Set("X-Postage-Stamp", "batch")
	h.Set("X-Feed-Address", "0xabc")
	got := SafeHeaders(h)
	if strings.Contains(got, "secret") || strings.Contains(got, "batch") {
		t.Fatalf("credentials leaked: %s", got)
	}
	if !strings.Contains(got, "X-Feed-Address=0xabc") {
		t.Fatalf("plain header missing: %s", got)
	}
}
