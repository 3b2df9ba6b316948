package scheduler

import (
	"context"
	"time"

	"audioscribe/internal/ports"
)

const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 15 * time.Second
	DefaultMaxBackoff     = 5 * time.Minute
	DefaultAdmissionRetry = 30 * time.Second
	DefaultAttemptTimeout = 60 * time.Second
	DefaultMinBattery     = 15
)

// Policy bounds how a job is admitted and retried.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AdmissionRetry time.Duration
	AttemptTimeout time.Duration
	MinBattery     int
}

// DefaultPolicy returns three attempts with exponential backoff from 15s capped at 5m.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    DefaultMaxAttempts,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		AdmissionRetry: DefaultAdmissionRetry,
		AttemptTimeout: DefaultAttemptTimeout,
		MinBattery:     DefaultMinBattery,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.AdmissionRetry <= 0 {
		p.AdmissionRetry = d.AdmissionRetry
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = d.AttemptTimeout
	}
	if p.MinBattery < 0 {
		p.MinBattery = 0
	}
	return p
}

// Backoff returns the delay after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if delay > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay
}

// Gate decides whether an attempt may be dispatched now.
type Gate struct {
	probe      ports.DeviceProbe
	minBattery int
}

func NewGate(probe ports.DeviceProbe, minBattery int) Gate {
	return Gate{probe: probe, minBattery: minBattery}
}

// Admit reports whether the device is fit to transcribe, and why not.
// An unreadable battery level does not block admission.
func (g Gate) Admit(ctx context.Context) (bool, string) {
	if g.probe == nil {
		return true, ""
	}
	if level, err := g.probe.BatteryPercent(ctx); err == nil && level < g.minBattery {
		return false, "battery low"
	}
	if !g.probe.InternetValidated(ctx) {
		return false, "no validated internet connection"
	}
	return true, ""
}
