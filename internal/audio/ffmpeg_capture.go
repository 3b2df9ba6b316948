package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"audioscribe/internal/ports"
)

const (
	DefaultSampleRate = 44100
	DefaultChannels   = 2
	BitsPerSample     = 16

	startupGrace = 250 * time.Millisecond
	stopGrace    = 1200 * time.Millisecond
)

// FFMPEGCapture records PCM s16le audio by running ffmpeg and reading its stdout.
type FFMPEGCapture struct {
	command string
}

func NewFFMPEGCapture(command string) *FFMPEGCapture {
	if command == "" {
		command = "ffmpeg"
	}
	return &FFMPEGCapture{command: command}
}

// Start launches ffmpeg. An InputFormat of "file" replays InputDevice in real time.
func (c *FFMPEGCapture) Start(ctx context.Context, cfg ports.AudioConfig) (ports.AudioSession, error) {
	cfg = withCaptureDefaults(cfg)

	cmd := exec.CommandContext(ctx, c.command, buildArgs(cfg)...)
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr
	// Children that inherit stderr must not hold Wait open.
	cmd.WaitDelay = stopGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	session := &captureSession{
		stdout:  stdout,
		stderr:  stderr,
		process: cmd.Process,
	}
	reader, writer := io.Pipe()
	session.reader = reader
	exited := make(chan error, 1)
	session.exited = exited

	// cmd.Wait closes stdout, so it only runs once the pipe has been drained.
	go func() {
		_, copyErr := io.Copy(writer, stdout)
		if copyErr != nil {
			_ = stdout.Close()
		}
		waitErr := cmd.Wait()
		if waitErr != nil && !session.stopping.Load() {
			writer.CloseWithError(fmt.Errorf("ffmpeg exited: %w: %s", waitErr, trimOutput(stderr.String())))
		} else {
			writer.Close()
		}
		exited <- waitErr
		close(exited)
	}()

	// A capture that dies within the grace window never produced audio.
	select {
	case err := <-exited:
		if err != nil {
			return nil, fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, trimOutput(stderr.String()))
		}
		return nil, errors.New("ffmpeg exited before capture started")
	case <-time.After(startupGrace):
	}

	return session, nil
}

func withCaptureDefaults(cfg ports.AudioConfig) ports.AudioConfig {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = DefaultChannels
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}
	return cfg
}

func buildArgs(cfg ports.AudioConfig) []string {
	args := []string{"-nostdin", "-hide_banner", "-loglevel", "warning"}
	if strings.EqualFold(cfg.InputFormat, "file") {
		args = append(args, "-re", "-i", cfg.InputDevice)
	} else {
		args = append(args, "-f", cfg.InputFormat, "-i", cfg.InputDevice)
	}
	return append(args,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-",
	)
}

type captureSession struct {
	// reader yields stdout until ffmpeg has exited and the pipe is empty.
	reader *io.PipeReader
	stdout io.ReadCloser
	stderr *lockedBuffer

	process  *os.Process
	exited   <-chan error
	stopping atomic.Bool

	stopOnce sync.Once
	stopErr  error
}

func (s *captureSession) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

func (s *captureSession) Close() error {
	return s.Stop()
}

// Stop interrupts ffmpeg and waits for the reader to drain what it flushed.
// If that takes longer than stopGrace the process is killed and the pipe closed.
func (s *captureSession) Stop() error {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		var waitErr error
		select {
		case err := <-s.exited:
			waitErr = err
		case <-time.After(stopGrace):
			if s.process != nil {
				_ = s.process.Kill()
			}
			// Unblock the copy whether it waits on ffmpeg or on the consumer.
			_ = s.stdout.Close()
			_ = s.reader.CloseWithError(os.ErrClosed)
			waitErr = <-s.exited
		}
		s.stopErr = ignoreExitStatus(waitErr)
		if s.stopErr != nil {
			if detail := trimOutput(s.stderr.String()); detail != "" {
				s.stopErr = fmt.Errorf("%w: %s", s.stopErr, detail)
			}
		}
	})
	return s.stopErr
}

// ignoreExitStatus drops the non-zero exit caused by our own interrupt
// and stray children that kept stderr open.
func ignoreExitStatus(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) || errors.Is(err, exec.ErrWaitDelay) {
		return nil
	}
	return err
}

func trimOutput(input string) string {
	return strings.TrimSpace(input)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
