package providers

import (
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestCheckAPIKey(t *testing.T) {
	t.Parallel()

	if err := CheckAPIKey("OpenAI", "sk-abc123"); err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}
	for _, key := range []string{"", "   ", "YOUR_OPENAI_API_KEY_HERE", "sk-abc 123", "sk-abc\x00"} {
		if err := CheckAPIKey("OpenAI", key); err == nil {
			t.Fatalf("expected %q to be rejected", key)
		}
	}
}

func TestErrorMessage(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		`{"error":{"message":"Invalid file format."}}`: "Invalid file format.",
		`{"err_msg":"Bad Request: no audio"}`:           "Bad Request: no audio",
		`{"error":"quota exceeded"}`:                    "quota exceeded",
		"  upstream timed out\n":                        "upstream timed out",
	}
	for body, want := range tests {
		if got := errorMessage([]byte(body)); got != want {
			t.Fatalf("body %q: got %q, want %q", body, got, want)
		}
	}
}

func TestResponseError(t *testing.T) {
	t.Parallel()

	resp := &http.Response{StatusCode: 404, Body: io.NopCloser(strings.NewReader(`{"error":{"message":"model not found"}}`))}
	err := ResponseError(resp)
	if err.Retryable() {
		t.Fatalf("404 must be terminal")
	}
	if err.Message != "model not found" {
		t.Fatalf("unexpected message: %q", err.Message)
	}
}
