package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	ProviderOpenAI   = "openai"
	ProviderDeepgram = "deepgram"
)

// Config stores runtime configuration for the recorder and its services.
type Config struct {
	Provider string
	Language string
	OpenAI   OpenAIConfig
	Deepgram DeepgramConfig
	Audio    AudioConfig
	Session  SessionConfig
	Retry    RetryConfig
	Device   DeviceConfig
	Storage  StorageConfig
	Cleanup  CleanupConfig
	HTTP     HTTPConfig
	Log      LogConfig
}

type OpenAIConfig struct {
	APIKey     string
	APIBaseURL string
	Model      string
}

type DeepgramConfig struct {
	APIKey      string
	APIBaseURL  string
	Model       string
	SmartFormat bool
}

type AudioConfig struct {
	RecorderCommand string
	InputFormat     string
	InputDevice     string
	SampleRate      int
	Channels        int
}

type SessionConfig struct {
	ChunkSeconds int
	ReadSize     int
}

type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AdmissionRetry time.Duration
	AttemptTimeout time.Duration
}

type DeviceConfig struct {
	Checks          bool
	MinBattery      int
	BatteryPath     string
	ConnectivityURL string
}

type StorageConfig struct {
	DataDir     string
	DBPath      string
	ArtifactDir string
}

type CleanupConfig struct {
	ArtifactMaxAge       time.Duration
	FailedArtifactMaxAge time.Duration
	Retention            time.Duration
	Interval             time.Duration
}

type HTTPConfig struct {
	Addr string
}

type LogConfig struct {
	Level  string
	Format string
}

// LoadEnvFiles loads AUDIOSCRIBE_ENV (when set) and then ./.env. Variables
// already present in the environment win.
func LoadEnvFiles() error {
	if explicit := strings.TrimSpace(os.Getenv("AUDIOSCRIBE_ENV")); explicit != "" {
		if err := godotenv.Load(explicit); err != nil {
			return fmt.Errorf("load env file %s: %w", explicit, err)
		}
	}
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}
	return nil
}

// Load resolves configuration from environment variables and sensible defaults.
func Load() (Config, error) {
	dataDir := strings.TrimSpace(os.Getenv("AUDIOSCRIBE_DATA_DIR"))
	if dataDir == "" {
		base := strings.TrimSpace(os.Getenv("XDG_DATA_HOME"))
		if base == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return Config{}, errors.New("could not determine home directory")
			}
			base = filepath.Join(home, ".local", "share")
		}
		dataDir = filepath.Join(base, "audioscribe")
	}

	cfg := Config{
		Provider: strings.ToLower(envOrDefault("AUDIOSCRIBE_PROVIDER", ProviderOpenAI)),
		Language: strings.TrimSpace(os.Getenv("AUDIOSCRIBE_LANGUAGE")),
		OpenAI: OpenAIConfig{
			APIKey:     strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
			APIBaseURL: envOrDefault("OPENAI_API_BASE", "https://api.openai.com/v1"),
			Model:      envOrDefault("OPENAI_MODEL", "whisper-1"),
		},
		Deepgram: DeepgramConfig{
			APIKey:      strings.TrimSpace(os.Getenv("DEEPGRAM_API_KEY")),
			APIBaseURL:  envOrDefault("DEEPGRAM_API_BASE", "https://api.deepgram.com/v1"),
			Model:       envOrDefault("DEEPGRAM_MODEL", "nova-2"),
			SmartFormat: envOrDefaultBool("DEEPGRAM_SMART_FORMAT", true),
		},
		Audio: AudioConfig{
			RecorderCommand: envOrDefault("AUDIOSCRIBE_FFMPEG_COMMAND", "ffmpeg"),
			InputFormat:     envOrDefault("AUDIOSCRIBE_AUDIO_INPUT_FORMAT", "pulse"),
			InputDevice:     envOrDefault("AUDIOSCRIBE_AUDIO_INPUT_DEVICE", "default"),
			SampleRate:      envOrDefaultInt("AUDIOSCRIBE_SAMPLE_RATE", 44100),
			Channels:        envOrDefaultInt("AUDIOSCRIBE_CHANNELS", 2),
		},
		Session: SessionConfig{
			ChunkSeconds: envOrDefaultInt("AUDIOSCRIBE_CHUNK_SECONDS", 30),
			ReadSize:     envOrDefaultInt("AUDIOSCRIBE_READ_SIZE", 4096),
		},
		Retry: RetryConfig{
			MaxAttempts:    envOrDefaultInt("AUDIOSCRIBE_MAX_ATTEMPTS", 3),
			InitialBackoff: envOrDefaultMillis("AUDIOSCRIBE_BACKOFF_INITIAL_MS", 15*time.Second),
			MaxBackoff:     envOrDefaultMillis("AUDIOSCRIBE_BACKOFF_MAX_MS", 5*time.Minute),
			AdmissionRetry: envOrDefaultMillis("AUDIOSCRIBE_ADMISSION_RETRY_MS", 30*time.Second),
			AttemptTimeout: envOrDefaultMillis("AUDIOSCRIBE_REQUEST_TIMEOUT_MS", 60*time.Second),
		},
		Device: DeviceConfig{
			Checks:          envOrDefaultBool("AUDIOSCRIBE_DEVICE_CHECKS", true),
			MinBattery:      envOrDefaultInt("AUDIOSCRIBE_MIN_BATTERY", 15),
			BatteryPath:     strings.TrimSpace(os.Getenv("AUDIOSCRIBE_BATTERY_PATH")),
			ConnectivityURL: strings.TrimSpace(os.Getenv("AUDIOSCRIBE_CONNECTIVITY_URL")),
		},
		Storage: StorageConfig{
			DataDir:     dataDir,
			DBPath:      envOrDefault("AUDIOSCRIBE_DB_PATH", filepath.Join(dataDir, "audioscribe.sqlite")),
			ArtifactDir: envOrDefault("AUDIOSCRIBE_ARTIFACT_DIR", filepath.Join(dataDir, "audio")),
		},
		Cleanup: CleanupConfig{
			ArtifactMaxAge:       time.Duration(envOrDefaultInt("AUDIOSCRIBE_ARTIFACT_MAX_AGE_H", 24)) * time.Hour,
			FailedArtifactMaxAge: time.Duration(envOrDefaultInt("AUDIOSCRIBE_FAILED_ARTIFACT_MAX_AGE_H", 1)) * time.Hour,
			Retention:            time.Duration(envOrDefaultInt("AUDIOSCRIBE_RETENTION_DAYS", 30)) * 24 * time.Hour,
			Interval:             time.Duration(envOrDefaultInt("AUDIOSCRIBE_CLEANUP_INTERVAL_M", 30)) * time.Minute,
		},
		HTTP: HTTPConfig{
			Addr: envOrDefault("AUDIOSCRIBE_HTTP_ADDR", ":8080"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(envOrDefault("AUDIOSCRIBE_LOG_LEVEL", "info")),
			Format: strings.ToLower(envOrDefault("AUDIOSCRIBE_LOG_FORMAT", "json")),
		},
	}

	if cfg.Provider != ProviderOpenAI && cfg.Provider != ProviderDeepgram {
		return Config{}, fmt.Errorf("unknown transcription provider %q", cfg.Provider)
	}
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = 44100
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = 2
	}
	if cfg.Session.ChunkSeconds <= 0 {
		cfg.Session.ChunkSeconds = 30
	}
	if cfg.Session.ReadSize < 256 {
		cfg.Session.ReadSize = 4096
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Device.MinBattery < 0 || cfg.Device.MinBattery > 100 {
		cfg.Device.MinBattery = 15
	}
	if cfg.Cleanup.ArtifactMaxAge <= 0 {
		cfg.Cleanup.ArtifactMaxAge = 24 * time.Hour
	}
	if cfg.Cleanup.FailedArtifactMaxAge <= 0 {
		cfg.Cleanup.FailedArtifactMaxAge = time.Hour
	}

	return cfg, nil
}

// APIKey returns the credential of the selected provider.
func (c Config) APIKey() string {
	if c.Provider == ProviderDeepgram {
		return c.Deepgram.APIKey
	}
	return c.OpenAI.APIKey
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultMillis(key string, fallback time.Duration) time.Duration {
	ms := envOrDefaultInt(key, -1)
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func envOrDefaultBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
