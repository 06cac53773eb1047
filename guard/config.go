package guard

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config holds every tunable of the abuse-protection core. The ratio and
// ramp constants are empirical calibration values, not part of the
// algorithm's identity, so they all live here and can be hot-reloaded.
type Config struct {
	// Connection guard
	BaselineConnections int     `json:"baseline_connections"` // allowed concurrency for a brand-new client
	HardCapConnections  int     `json:"hard_cap_connections"` // absolute per-client concurrency ceiling
	RampWindowSec       int     `json:"ramp_window_sec"`      // threshold grows by one per window of session age
	GracePeriodSec      int     `json:"grace_period_sec"`     // min session age before ratio-based blocking
	TimeoutRatio        float64 `json:"timeout_ratio"`        // timeouts/requests above this marks abuse
	PenaltyRatio        float64 `json:"penalty_ratio"`        // stricter ratio for immediate blocks on timeout
	MinTimeoutSamples   int     `json:"min_timeout_samples"`  // timeouts needed before the penalty ratio applies
	BlockDurationSec    int     `json:"block_duration_sec"`

	// Download guard
	MaxConcurrentDownloads int `json:"max_concurrent_downloads"`  // hard cap, no ramp
	SlowRateBytesPerSec    int `json:"slow_rate_bytes_per_sec"`   // sample windows below this count as slow
	MinTransferRate        int `json:"min_transfer_rate"`         // watchdog verdict threshold, bytes/sec
	MaxDownloadDurationSec int `json:"max_download_duration_sec"` // watchdog delay

	// Outgoing stream throttling
	ThrottleBytesPerSec int `json:"throttle_bytes_per_sec"` // 0 disables throttling
	ThrottleBurstBytes  int `json:"throttle_burst_bytes"`

	// Tracker expiry
	ReaperIntervalSec   int `json:"reaper_interval_sec"`
	InactivityWindowSec int `json:"inactivity_window_sec"`

	// Boundary timeouts
	RequestTimeoutSec  int `json:"request_timeout_sec"`
	ResponseTimeoutSec int `json:"response_timeout_sec"`
}

// DefaultConfig returns sensible defaults for most deployments.
func DefaultConfig() *Config {
	return &Config{
		BaselineConnections: 10,
		HardCapConnections:  100,
		RampWindowSec:       30,
		GracePeriodSec:      10,
		TimeoutRatio:        0.5,
		PenaltyRatio:        0.8,
		MinTimeoutSamples:   5,
		BlockDurationSec:    120,

		MaxConcurrentDownloads: 5,
		SlowRateBytesPerSec:    1024,
		MinTransferRate:        512,
		MaxDownloadDurationSec: 300,

		ThrottleBytesPerSec: 4 * 1024 * 1024, // 4 MiB/s per download
		ThrottleBurstBytes:  256 * 1024,

		ReaperIntervalSec:   30,
		InactivityWindowSec: 600,

		RequestTimeoutSec:  15,
		ResponseTimeoutSec: 30,
	}
}

// StrictConfig returns more aggressive protection for hosts under pressure.
func StrictConfig() *Config {
	return &Config{
		BaselineConnections: 5,
		HardCapConnections:  40,
		RampWindowSec:       60,
		GracePeriodSec:      5,
		TimeoutRatio:        0.3,
		PenaltyRatio:        0.6,
		MinTimeoutSamples:   3,
		BlockDurationSec:    300,

		MaxConcurrentDownloads: 2,
		SlowRateBytesPerSec:    4096,
		MinTransferRate:        2048,
		MaxDownloadDurationSec: 120,

		ThrottleBytesPerSec: 1024 * 1024,
		ThrottleBurstBytes:  64 * 1024,

		ReaperIntervalSec:   30,
		InactivityWindowSec: 300,

		RequestTimeoutSec:  10,
		ResponseTimeoutSec: 20,
	}
}

// LoadConfig reads a tuning file, filling unset fields from the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tuning file: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid JSON in tuning file: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

// normalize clamps nonsensical values back to the defaults so a bad
// tuning file degrades to safe behavior instead of zero limits.
func (c *Config) normalize() {
	def := DefaultConfig()

	if c.BaselineConnections <= 0 {
		c.BaselineConnections = def.BaselineConnections
	}
	if c.HardCapConnections < c.BaselineConnections {
		c.HardCapConnections = def.HardCapConnections
	}
	if c.RampWindowSec <= 0 {
		c.RampWindowSec = def.RampWindowSec
	}
	if c.TimeoutRatio <= 0 || c.TimeoutRatio > 1 {
		c.TimeoutRatio = def.TimeoutRatio
	}
	if c.PenaltyRatio <= 0 || c.PenaltyRatio > 1 {
		c.PenaltyRatio = def.PenaltyRatio
	}
	if c.MinTimeoutSamples <= 0 {
		c.MinTimeoutSamples = def.MinTimeoutSamples
	}
	if c.BlockDurationSec <= 0 {
		c.BlockDurationSec = def.BlockDurationSec
	}
	if c.MaxConcurrentDownloads <= 0 {
		c.MaxConcurrentDownloads = def.MaxConcurrentDownloads
	}
	if c.MaxDownloadDurationSec <= 0 {
		c.MaxDownloadDurationSec = def.MaxDownloadDurationSec
	}
	if c.ReaperIntervalSec <= 0 {
		c.ReaperIntervalSec = def.ReaperIntervalSec
	}
	if c.InactivityWindowSec <= 0 {
		c.InactivityWindowSec = def.InactivityWindowSec
	}
}

func (c *Config) rampWindow() time.Duration {
	return time.Duration(c.RampWindowSec) * time.Second
}

func (c *Config) gracePeriod() time.Duration {
	return time.Duration(c.GracePeriodSec) * time.Second
}

// BlockDuration is exposed for the boundary layer's retry hints.
func (c *Config) BlockDuration() time.Duration {
	return time.Duration(c.BlockDurationSec) * time.Second
}

// MaxDownloadDuration is the slow-download watchdog delay.
func (c *Config) MaxDownloadDuration() time.Duration {
	return time.Duration(c.MaxDownloadDurationSec) * time.Second
}

// ResponseTimeout bounds how long a non-download response may take.
func (c *Config) ResponseTimeout() time.Duration {
	return time.Duration(c.ResponseTimeoutSec) * time.Second
}

// RequestTimeout bounds how long a client may take to deliver a request.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

func (c *Config) reaperInterval() time.Duration {
	return time.Duration(c.ReaperIntervalSec) * time.Second
}

func (c *Config) inactivityWindow() time.Duration {
	return time.Duration(c.InactivityWindowSec) * time.Second
}
