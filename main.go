package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"audioscribe/internal/artifacts"
	"audioscribe/internal/bootstrap"
	"audioscribe/internal/config"
	"audioscribe/internal/httpapi"
	"audioscribe/internal/mcpserver"
	"audioscribe/internal/storage"
	"audioscribe/internal/usecase"
)

const version = "0.1.0"

const (
	drainTimeout    = 2 * time.Minute
	shutdownTimeout = 15 * time.Second
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: audioscribe <command> [flags]\n\n")
		fmt.Fprintf(os.Stderr, "commands:\n")
		fmt.Fprintf(os.Stderr, "  record    capture from the microphone until interrupted\n")
		fmt.Fprintf(os.Stderr, "  serve     run the HTTP API and websocket event stream\n")
		fmt.Fprintf(os.Stderr, "  mcp       serve stored transcripts as MCP tools on stdio\n")
		fmt.Fprintf(os.Stderr, "  cleanup   sweep artifacts and expired sessions once\n")
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintf(os.Stderr, "audioscribe: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "audioscribe: %v\n", err)
		os.Exit(1)
	}

	// stdout belongs to the MCP transport, so logs always go to stderr.
	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	command, args := flag.Arg(0), flag.Args()[1:]
	switch command {
	case "record":
		err = runRecord(ctx, cfg, logger)
	case "serve":
		err = runServe(ctx, cfg, logger, args)
	case "mcp":
		err = runMCP(cfg, logger)
	case "cleanup":
		err = runCleanup(ctx, cfg, logger)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error("command failed", "command", command, "error", err)
		os.Exit(1)
	}
}

func runRecord(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	services, err := bootstrap.Build(cfg, NewApp(logger, nil), logger)
	if err != nil {
		return err
	}
	defer services.Close()

	if _, err := services.Controller.Recover(ctx); err != nil {
		logger.Warn("recovery failed", "error", err)
	}
	services.Janitor.Start(ctx, cfg.Cleanup.Interval)

	sessionID, err := services.Controller.Start(ctx)
	if err != nil {
		return err
	}
	logger.Info("recording; press Ctrl+C to stop", "session_id", sessionID)
	<-ctx.Done()

	return stopCapture(services.Controller, logger)
}

func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", cfg.HTTP.Addr, "listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	hub := httpapi.NewHub(logger)
	defer hub.Close()

	services, err := bootstrap.Build(cfg, NewApp(logger, hub), logger)
	if err != nil {
		return err
	}
	defer services.Close()

	if _, err := services.Controller.Recover(ctx); err != nil {
		logger.Warn("recovery failed", "error", err)
	}
	services.Janitor.Start(ctx, cfg.Cleanup.Interval)

	api := httpapi.NewServer(services.Store, services.Controller, artifacts.Remover{}, hub, logger,
		httpapi.WithJobs(services.Scheduler),
		httpapi.WithArtifactDir(cfg.Storage.ArtifactDir),
	)
	srv := &http.Server{
		Addr:              *addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		// capture/stop may hold a request for up to 90 seconds.
		WriteTimeout: 150 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server started", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		_ = srv.Close()
	}

	if err := stopCapture(services.Controller, logger); err != nil {
		logger.Error("capture did not stop cleanly", "error", err)
	}
	logger.Info("server stopped")
	return nil
}

func runMCP(cfg config.Config, logger *slog.Logger) error {
	store, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	return mcpserver.New(store, version, logger).ServeStdio()
}

func runCleanup(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	store, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	report, err := bootstrap.NewJanitor(cfg, store, nil, logger).RunOnce(ctx)
	fmt.Printf("deleted %d artifacts (%d bytes), %d sessions, %d chunks\n",
		report.Sweep.Deleted, report.Sweep.BytesFreed, report.SessionsDeleted, report.ChunksDeleted)
	return err
}

// stopCapture stops the active session and waits for outstanding chunks.
// A second interrupt while draining aborts the session; chunks still queued
// at exit are left for Recover on the next run.
func stopCapture(controller *usecase.SessionController, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	interrupt, stopInterrupt := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopInterrupt()

	logger.Info("draining; interrupt again to abort")
	summary, err := controller.Stop(interrupt)
	switch {
	case err == nil:
		logger.Info("session finished",
			"session_id", summary.SessionID,
			"status", summary.Status,
			"chunks", summary.ChunkCount,
			"transcribed", summary.TranscribedChunkCount,
		)
		if summary.Text != "" {
			fmt.Println(summary.Text)
		}
		return nil
	case errors.Is(err, usecase.ErrNoActiveSession):
		// ffmpeg shares the terminal's process group, so capture may already
		// have ended on the same interrupt and be draining.
		if err := controller.Wait(interrupt); err != nil {
			return abortCapture(controller, logger, err)
		}
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return abortCapture(controller, logger, err)
	default:
		return err
	}
}

func abortCapture(controller *usecase.SessionController, logger *slog.Logger, cause error) error {
	logger.Warn("aborting session with outstanding chunks", "error", cause)
	if err := controller.Abort(); err != nil && !errors.Is(err, usecase.ErrNoActiveSession) {
		return err
	}
	return nil
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
