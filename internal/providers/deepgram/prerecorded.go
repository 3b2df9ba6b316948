package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"audioscribe/internal/domain"
	"audioscribe/internal/providers"
)

// Config controls the Deepgram pre-recorded listen endpoint.
type Config struct {
	APIKey         string
	APIBaseURL     string
	Model          string
	SmartFormat    bool
	MaxUploadBytes int64
	HTTPClient     *http.Client
}

// Transcriber posts whole WAV artifacts to Deepgram.
type Transcriber struct {
	cfg    Config
	client *http.Client
}

func NewTranscriber(cfg Config) *Transcriber {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://api.deepgram.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
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
	return "deepgram"
}

func (t *Transcriber) Transcribe(ctx context.Context, artifactPath string, language string) (domain.Transcript, error) {
	if err := providers.CheckAPIKey("Deepgram", t.cfg.APIKey); err != nil {
		return domain.Transcript{}, err
	}
	size, terr := providers.CheckArtifact(artifactPath, t.cfg.MaxUploadBytes)
	if terr != nil {
		return domain.Transcript{}, terr
	}

	listenURL, err := buildListenURL(t.cfg, language)
	if err != nil {
		return domain.Transcript{}, domain.TerminalError("build listen url", err)
	}

	f, err := os.Open(artifactPath)
	if err != nil {
		return domain.Transcript{}, domain.ClassifyError(err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, listenURL, f)
	if err != nil {
		return domain.Transcript{}, domain.TerminalError("build request", err)
	}
	req.ContentLength = size
	req.Header.Set("Authorization", "Token "+strings.TrimSpace(t.cfg.APIKey))
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := t.client.Do(req)
	if err != nil {
		return domain.Transcript{}, providers.TransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return domain.Transcript{}, providers.ResponseError(resp)
	}

	var payload listenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return domain.Transcript{}, domain.RetryableError("decode response", err)
	}

	transcript := extractTranscript(payload)
	if transcript.Text == "" {
		return domain.Transcript{}, domain.RetryableError("empty transcription", nil)
	}
	if transcript.Language == "" {
		transcript.Language = language
	}
	return transcript, nil
}

type listenResponse struct {
	Results struct {
		Channels []struct {
			DetectedLanguage string `json:"detected_language"`
			Alternatives     []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func extractTranscript(response listenResponse) domain.Transcript {
	if len(response.Results.Channels) == 0 {
		return domain.Transcript{}
	}
	channel := response.Results.Channels[0]
	if len(channel.Alternatives) == 0 {
		return domain.Transcript{}
	}
	best := channel.Alternatives[0]
	confidence := best.Confidence
	return domain.Transcript{
		Text:       strings.TrimSpace(best.Transcript),
		Confidence: &confidence,
		Language:   channel.DetectedLanguage,
	}
}

func buildListenURL(cfg Config, language string) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	listenURL, err := url.Parse(base + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid Deepgram API base URL: %w", err)
	}

	query := listenURL.Query()
	query.Set("model", cfg.Model)
	query.Set("smart_format", fmt.Sprintf("%t", cfg.SmartFormat))
	if lang := strings.TrimSpace(language); lang != "" {
		query.Set("language", lang)
	} else {
		query.Set("detect_language", "true")
	}
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}
