package device

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBatteryGlob     = "/sys/class/power_supply/BAT*/capacity"
	DefaultConnectivityURL = "https://www.google.com/generate_204"
	defaultProbeTimeout    = 3 * time.Second
)

// Static reports fixed conditions.
type Static struct {
	Battery int
	Online  bool
}

func (s Static) BatteryPercent(context.Context) (int, error) {
	return s.Battery, nil
}

func (s Static) InternetValidated(context.Context) bool {
	return s.Online
}

// SysfsBattery reads the battery level from the Linux power supply class.
// Hosts without a battery report 100.
type SysfsBattery struct {
	// Path is a capacity file or a glob; empty uses DefaultBatteryGlob.
	Path string
}

func (b SysfsBattery) BatteryPercent(context.Context) (int, error) {
	pattern := strings.TrimSpace(b.Path)
	if pattern == "" {
		pattern = DefaultBatteryGlob
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return 0, fmt.Errorf("battery glob: %w", err)
	}
	if len(matches) == 0 {
		return 100, nil
	}

	raw, err := os.ReadFile(matches[0])
	if err != nil {
		return 0, fmt.Errorf("read battery capacity: %w", err)
	}
	level, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("parse battery capacity %q: %w", strings.TrimSpace(string(raw)), err)
	}
	if level < 0 || level > 100 {
		return 0, fmt.Errorf("battery capacity out of range: %d", level)
	}
	return level, nil
}

// HTTPConnectivity treats the internet as validated when URL answers 200 or 204.
type HTTPConnectivity struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

func (c HTTPConnectivity) InternetValidated(ctx context.Context) bool {
	url := strings.TrimSpace(c.URL)
	if url == "" {
		url = DefaultConnectivityURL
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK
}

// Probe combines a battery reader and a connectivity check into a ports.DeviceProbe.
type Probe struct {
	Battery interface {
		BatteryPercent(ctx context.Context) (int, error)
	}
	Network interface {
		InternetValidated(ctx context.Context) bool
	}
}

func (p Probe) BatteryPercent(ctx context.Context) (int, error) {
	if p.Battery == nil {
		return 0, errors.New("no battery reader")
	}
	return p.Battery.BatteryPercent(ctx)
}

func (p Probe) InternetValidated(ctx context.Context) bool {
	if p.Network == nil {
		return true
	}
	return p.Network.InternetValidated(ctx)
}
