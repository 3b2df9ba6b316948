package artifacts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultMaxAge          = 24 * time.Hour
	DefaultFailedMaxAge    = time.Hour
	DefaultFailedSizeBelow = 1024
)

// Remove deletes an artifact. A file that is already gone is not an error.
func Remove(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove artifact %s: %w", path, err)
	}
	return nil
}

// Remover adapts Remove to ports.ArtifactRemover.
type Remover struct{}

func (Remover) Remove(path string) error {
	return Remove(path)
}

// Policy decides which artifacts a sweep may delete.
type Policy struct {
	// MaxAge applies to every artifact.
	MaxAge time.Duration
	// FailedMaxAge applies to artifacts smaller than FailedSizeBelow, which
	// are assumed to come from an aborted capture.
	FailedMaxAge    time.Duration
	FailedSizeBelow int64
	// Protect reports paths still owned by a running task.
	Protect func(path string) bool
}

// DefaultPolicy keeps artifacts for a day and tiny leftovers for an hour.
func DefaultPolicy() Policy {
	return Policy{
		MaxAge:          DefaultMaxAge,
		FailedMaxAge:    DefaultFailedMaxAge,
		FailedSizeBelow: DefaultFailedSizeBelow,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAge <= 0 {
		p.MaxAge = d.MaxAge
	}
	if p.FailedMaxAge <= 0 {
		p.FailedMaxAge = d.FailedMaxAge
	}
	if p.FailedSizeBelow <= 0 {
		p.FailedSizeBelow = d.FailedSizeBelow
	}
	return p
}

// SweepResult counts what a sweep removed.
type SweepResult struct {
	Deleted    int   `json:"deleted"`
	Failed     int   `json:"failed"`
	BytesFreed int64 `json:"bytesFreed"`
}

// Sweep deletes expired WAV artifacts directly under dir. A missing dir is empty.
func Sweep(dir string, policy Policy, now time.Time) (SweepResult, error) {
	policy = policy.withDefaults()
	var result SweepResult

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("read artifact dir: %w", err)
	}

	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !isArtifact(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if policy.Protect != nil && policy.Protect(path) {
			continue
		}

		age := now.Sub(info.ModTime())
		suspect := info.Size() < policy.FailedSizeBelow
		switch {
		case suspect && age > policy.FailedMaxAge:
			if err := Remove(path); err != nil {
				errs = append(errs, err)
				continue
			}
			result.Failed++
		case age > policy.MaxAge:
			if err := Remove(path); err != nil {
				errs = append(errs, err)
				continue
			}
			result.Deleted++
		default:
			continue
		}
		result.BytesFreed += info.Size()
	}
	return result, errors.Join(errs...)
}

// Usage describes the artifacts currently on disk.
type Usage struct {
	Files  int       `json:"files"`
	Bytes  int64     `json:"bytes"`
	Oldest time.Time `json:"oldest,omitempty"`
	Newest time.Time `json:"newest,omitempty"`
}

// DiskUsage reports the WAV artifacts directly under dir.
func DiskUsage(dir string) (Usage, error) {
	var usage Usage
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return usage, nil
	}
	if err != nil {
		return usage, fmt.Errorf("read artifact dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isArtifact(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		usage.Files++
		usage.Bytes += info.Size()
		mod := info.ModTime()
		if usage.Oldest.IsZero() || mod.Before(usage.Oldest) {
			usage.Oldest = mod
		}
		if mod.After(usage.Newest) {
			usage.Newest = mod
		}
	}
	return usage, nil
}

func isArtifact(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".wav")
}
