package bootstrap

import (
	"errors"
	"fmt"
	"log/slog"

	"audioscribe/internal/artifacts"
	"audioscribe/internal/audio"
	"audioscribe/internal/config"
	"audioscribe/internal/device"
	"audioscribe/internal/ports"
	"audioscribe/internal/providers"
	"audioscribe/internal/providers/deepgram"
	"audioscribe/internal/providers/openai"
	"audioscribe/internal/scheduler"
	"audioscribe/internal/storage"
	"audioscribe/internal/usecase"
)

// Services is the assembled runtime graph.
type Services struct {
	Config     config.Config
	Store      *storage.Store
	Scheduler  *scheduler.Scheduler
	Controller *usecase.SessionController
	Janitor    *artifacts.Janitor
}

// Build wires all backend dependencies for the current runtime.
func Build(cfg config.Config, eventSink ports.EventSink, logger *slog.Logger) (Services, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		return Services{}, err
	}

	transcriber, err := NewTranscriber(cfg)
	if err != nil {
		_ = store.Close()
		return Services{}, err
	}
	if keyErr := providers.CheckAPIKey(transcriber.Name(), cfg.APIKey()); keyErr != nil {
		logger.Warn("transcription credentials look invalid; chunks will fail until fixed", "provider", transcriber.Name(), "error", keyErr)
	}

	sched := scheduler.New(transcriber, NewDeviceProbe(cfg), scheduler.Policy{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
		AdmissionRetry: cfg.Retry.AdmissionRetry,
		AttemptTimeout: cfg.Retry.AttemptTimeout,
		MinBattery:     cfg.Device.MinBattery,
	}, logger)

	controller := usecase.NewSessionController(
		audio.NewFFMPEGCapture(cfg.Audio.RecorderCommand),
		store,
		sched,
		artifacts.Remover{},
		eventSink,
		logger,
		usecase.Config{
			Audio: ports.AudioConfig{
				SampleRate:  cfg.Audio.SampleRate,
				Channels:    cfg.Audio.Channels,
				InputFormat: cfg.Audio.InputFormat,
				InputDevice: cfg.Audio.InputDevice,
			},
			ChunkSeconds: cfg.Session.ChunkSeconds,
			ReadSize:     cfg.Session.ReadSize,
			ArtifactDir:  cfg.Storage.ArtifactDir,
			Language:     cfg.Language,
		},
	)

	return Services{
		Config:     cfg,
		Store:      store,
		Scheduler:  sched,
		Controller: controller,
		Janitor:    NewJanitor(cfg, store, sched, logger),
	}, nil
}

// NewTranscriber returns the client for the configured provider.
func NewTranscriber(cfg config.Config) (ports.Transcriber, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return openai.NewTranscriber(openai.Config{
			APIKey:     cfg.OpenAI.APIKey,
			APIBaseURL: cfg.OpenAI.APIBaseURL,
			Model:      cfg.OpenAI.Model,
		}), nil
	case config.ProviderDeepgram:
		return deepgram.NewTranscriber(deepgram.Config{
			APIKey:      cfg.Deepgram.APIKey,
			APIBaseURL:  cfg.Deepgram.APIBaseURL,
			Model:       cfg.Deepgram.Model,
			SmartFormat: cfg.Deepgram.SmartFormat,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transcription provider %q", cfg.Provider)
	}
}

// NewDeviceProbe returns nil when device checks are disabled, which admits every attempt.
func NewDeviceProbe(cfg config.Config) ports.DeviceProbe {
	if !cfg.Device.Checks {
		return nil
	}
	return device.Probe{
		Battery: device.SysfsBattery{Path: cfg.Device.BatteryPath},
		Network: device.HTTPConnectivity{URL: cfg.Device.ConnectivityURL},
	}
}

// NewJanitor builds the cleanup loop. A nil sched protects nothing.
func NewJanitor(cfg config.Config, store artifacts.RetentionStore, sched *scheduler.Scheduler, logger *slog.Logger) *artifacts.Janitor {
	policy := artifacts.Policy{
		MaxAge:       cfg.Cleanup.ArtifactMaxAge,
		FailedMaxAge: cfg.Cleanup.FailedArtifactMaxAge,
	}
	if sched != nil {
		policy.Protect = sched.ActiveArtifact
	}
	return artifacts.NewJanitor(cfg.Storage.ArtifactDir, policy, store, cfg.Cleanup.Retention, logger)
}

// Close stops the scheduler and closes the store.
func (s Services) Close() error {
	var errs []error
	if s.Scheduler != nil {
		s.Scheduler.Close()
	}
	if s.Store != nil {
		errs = append(errs, s.Store.Close())
	}
	return errors.Join(errs...)
}
