package openai

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"audioscribe/internal/domain"
	"audioscribe/internal/providers"
)

// Config controls the Whisper transcription endpoint.
type Config struct {
	APIKey         string
	APIBaseURL     string
	Model          string
	MaxUploadBytes int64
	HTTPClient     *http.Client
}

// Transcriber uploads WAV artifacts to the audio transcriptions endpoint.
type Transcriber struct {
	cfg    Config
	client *http.Client
}

func NewTranscriber(cfg Config) *Transcriber {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://api.openai.com/v1"
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = "whisper-1"
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = providers.MaxUploadBytes
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Transcriber{cfg: cfg, client: client}
}

func (t *Transcriber) Name() string {
	return "openai"
}

// Transcribe sends one artifact and returns its plain-text transcription.
func (t *Transcriber) Transcribe(ctx context.Context, artifactPath string, language string) (domain.Transcript, error) {
	if err := providers.CheckAPIKey("OpenAI", t.cfg.APIKey); err != nil {
		return domain.Transcript{}, err
	}
	if _, err := providers.CheckArtifact(artifactPath, t.cfg.MaxUploadBytes); err != nil {
		return domain.Transcript{}, err
	}

	body, contentType, err := t.buildForm(artifactPath, language)
	if err != nil {
		return domain.Transcript{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.APIBaseURL+"/audio/transcriptions", body)
	if err != nil {
		return domain.Transcript{}, domain.TerminalError("build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(t.cfg.APIKey))
	req.Header.Set("Content-Type", contentType)

	resp, err := t.client.Do(req)
	if err != nil {
		return domain.Transcript{}, providers.TransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return domain.Transcript{}, providers.ResponseError(resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Transcript{}, providers.TransportError(fmt.Errorf("read response: %w", err))
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return domain.Transcript{}, domain.RetryableError("empty transcription", nil)
	}
	// response_format=text carries no detected language.
	return domain.Transcript{Text: text}, nil
}

func (t *Transcriber) buildForm(artifactPath string, language string) (*bytes.Buffer, string, error) {
	f, err := os.Open(artifactPath)
	if err != nil {
		return nil, "", domain.ClassifyError(err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filepath.Base(artifactPath))
	if err != nil {
		return nil, "", domain.TerminalError("build multipart body", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return nil, "", domain.RetryableError("read audio artifact", err)
	}
	fields := map[string]string{
		"model":           t.cfg.Model,
		"response_format": "text",
	}
	if lang := strings.TrimSpace(language); lang != "" {
		fields["language"] = lang
	}
	for _, name := range []string{"model", "language", "response_format"} {
		value, ok := fields[name]
		if !ok {
			continue
		}
		if err := mw.WriteField(name, value); err != nil {
			return nil, "", domain.TerminalError("build multipart body", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", domain.TerminalError("build multipart body", err)
	}
	return &body, mw.FormDataContentType(), nil
}
