// Package providers holds the checks shared by the transcription backends.
package providers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"unicode"

	"audioscribe/internal/domain"
)

// MaxUploadBytes is the largest artifact a provider accepts.
const MaxUploadBytes int64 = 25 * 1024 * 1024

const maxErrorBody = 4096

// CheckAPIKey rejects a blank, placeholder or malformed credential.
func CheckAPIKey(provider, key string) *domain.TranscriptionError {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return domain.TerminalError(provider+" API key is not configured", nil)
	}
	if strings.HasPrefix(strings.ToUpper(trimmed), "YOUR_") {
		return domain.TerminalError(provider+" API key is a placeholder", nil)
	}
	if strings.IndexFunc(trimmed, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0 {
		return domain.TerminalError(provider+" API key is malformed", nil)
	}
	return nil
}

// CheckArtifact verifies the file exists, is non-empty and fits the upload limit.
// It returns the file size.
func CheckArtifact(path string, maxBytes int64) (int64, *domain.TranscriptionError) {
	if maxBytes <= 0 {
		maxBytes = MaxUploadBytes
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, domain.TerminalError("audio artifact not found", err)
		}
		return 0, domain.TerminalError("audio artifact not readable", err)
	}
	if info.IsDir() {
		return 0, domain.TerminalError("audio artifact is a directory", nil)
	}
	if info.Size() == 0 {
		return 0, domain.TerminalError("audio artifact is empty", nil)
	}
	if info.Size() > maxBytes {
		return 0, domain.TerminalError(fmt.Sprintf("audio artifact too large: %d bytes exceeds %d", info.Size(), maxBytes), nil)
	}
	return info.Size(), nil
}

// ResponseError classifies a non-2xx response, pulling a readable message from the body.
func ResponseError(resp *http.Response) *domain.TranscriptionError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return domain.HTTPStatusError(resp.StatusCode, errorMessage(body))
}

// TransportError wraps a failure to reach the provider.
func TransportError(err error) *domain.TranscriptionError {
	return domain.RetryableError("transport", err)
}

// errorMessage understands {"error":{"message":...}}, {"err_msg":...} and plain text.
func errorMessage(body []byte) string {
	var payload struct {
		Error json.RawMessage `json:"error"`
		Msg   string          `json:"err_msg"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Msg != "" {
			return payload.Msg
		}
		var nested struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(payload.Error, &nested) == nil && nested.Message != "" {
			return nested.Message
		}
		var flat string
		if json.Unmarshal(payload.Error, &flat) == nil && flat != "" {
			return flat
		}
	}
	return strings.TrimSpace(string(body))
}
