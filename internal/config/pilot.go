// Package config loads and validates the pilot tuning parameters.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// PilotConfig represents the tuning parameters for the obstacle-avoidance
// controller. All fields are optional in the JSON file; fields omitted from
// the file retain their defaults, so partial configs are safe.
//
// Duration fields are strings like "500ms" parsed with time.ParseDuration.
type PilotConfig struct {
	// Range thresholds (centimeters). Ordering invariant:
	// stop_cm < slow_end_cm < slow_start_cm.
	StopCM      *int `json:"stop_cm,omitempty"`
	SlowEndCM   *int `json:"slow_end_cm,omitempty"`
	SlowStartCM *int `json:"slow_start_cm,omitempty"`

	// SlowFloor is the speed multiplier reached at the bottom of the slow
	// band, before the hard stop threshold takes it to zero.
	SlowFloor *float64 `json:"slow_floor,omitempty"`

	// Debounce counters.
	DebounceStopCount *int `json:"debounce_stop_count,omitempty"`
	DebounceGoCount   *int `json:"debounce_go_count,omitempty"`

	// Link timing.
	LinkTimeout      *string `json:"link_timeout,omitempty"`
	StaleGrace       *string `json:"stale_grace,omitempty"`
	FailsafeHold     *string `json:"failsafe_hold,omitempty"`
	ReconnectInitial *string `json:"reconnect_initial,omitempty"`
	ReconnectMax     *string `json:"reconnect_max,omitempty"`

	// Occupancy history.
	HistoryCapacity *int     `json:"history_capacity,omitempty"`
	DecayFactor     *float64 `json:"decay_factor,omitempty"`
	CenterBlocked   *float64 `json:"center_blocked,omitempty"`
	TurnDwell       *string  `json:"turn_dwell,omitempty"`
	VisionStale     *string  `json:"vision_stale,omitempty"`

	// Command shaping.
	BaseSpeedPct        *float64 `json:"base_speed_pct,omitempty"`
	FallbackSpeedCapPct *float64 `json:"fallback_speed_cap_pct,omitempty"`
	TurnSteeringDeg     *float64 `json:"turn_steering_deg,omitempty"`
	MaxSteeringDeg      *float64 `json:"max_steering_deg,omitempty"`

	// Control cadence.
	TickPeriod *string `json:"tick_period,omitempty"`
}

// DefaultPilotConfig returns a PilotConfig populated with the stock tuning.
func DefaultPilotConfig() *PilotConfig {
	return &PilotConfig{
		StopCM:              ptrInt(30),
		SlowEndCM:           ptrInt(40),
		SlowStartCM:         ptrInt(70),
		SlowFloor:           ptrFloat64(0),
		DebounceStopCount:   ptrInt(2),
		DebounceGoCount:     ptrInt(4),
		LinkTimeout:         ptrString("500ms"),
		StaleGrace:          ptrString("1s"),
		FailsafeHold:        ptrString("1500ms"),
		ReconnectInitial:    ptrString("250ms"),
		ReconnectMax:        ptrString("5s"),
		HistoryCapacity:     ptrInt(8),
		DecayFactor:         ptrFloat64(0.6),
		CenterBlocked:       ptrFloat64(0.5),
		TurnDwell:           ptrString("800ms"),
		VisionStale:         ptrString("700ms"),
		BaseSpeedPct:        ptrFloat64(100),
		FallbackSpeedCapPct: ptrFloat64(30),
		TurnSteeringDeg:     ptrFloat64(25),
		MaxSteeringDeg:      ptrFloat64(35),
		TickPeriod:          ptrString("100ms"),
	}
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// LoadPilotConfig loads a PilotConfig from a JSON file. Omitted fields keep
// their defaults via the Get* accessors. The file must have a .json extension
// and stay under the max file size.
func LoadPilotConfig(path string) (*PilotConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &PilotConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are self-consistent. It is
// called once at startup; a failure here must reject the config before the
// control loop starts.
func (c *PilotConfig) Validate() error {
	stop, slowEnd, slowStart := c.GetStopCM(), c.GetSlowEndCM(), c.GetSlowStartCM()
	if stop <= 0 {
		return fmt.Errorf("stop_cm must be positive, got %d", stop)
	}
	if !(stop < slowEnd && slowEnd < slowStart) {
		return fmt.Errorf("threshold ordering must be stop_cm < slow_end_cm < slow_start_cm, got %d, %d, %d",
			stop, slowEnd, slowStart)
	}

	if f := c.GetSlowFloor(); f < 0 || f >= 1 {
		return fmt.Errorf("slow_floor must be in [0, 1), got %f", f)
	}
	if n := c.GetDebounceStopCount(); n < 1 {
		return fmt.Errorf("debounce_stop_count must be at least 1, got %d", n)
	}
	if n := c.GetDebounceGoCount(); n < 1 {
		return fmt.Errorf("debounce_go_count must be at least 1, got %d", n)
	}
	if n := c.GetHistoryCapacity(); n < 1 {
		return fmt.Errorf("history_capacity must be at least 1, got %d", n)
	}
	if d := c.GetDecayFactor(); d <= 0 || d > 1 {
		return fmt.Errorf("decay_factor must be in (0, 1], got %f", d)
	}
	if b := c.GetCenterBlocked(); b <= 0 || b >= 1 {
		return fmt.Errorf("center_blocked must be in (0, 1), got %f", b)
	}
	if s := c.GetBaseSpeedPct(); s <= 0 || s > 100 {
		return fmt.Errorf("base_speed_pct must be in (0, 100], got %f", s)
	}
	if s := c.GetFallbackSpeedCapPct(); s < 0 || s > c.GetBaseSpeedPct() {
		return fmt.Errorf("fallback_speed_cap_pct must be in [0, base_speed_pct], got %f", s)
	}
	if d := c.GetTurnSteeringDeg(); d <= 0 || d > c.GetMaxSteeringDeg() {
		return fmt.Errorf("turn_steering_deg must be in (0, max_steering_deg], got %f", d)
	}

	for name, v := range map[string]*string{
		"link_timeout":      c.LinkTimeout,
		"stale_grace":       c.StaleGrace,
		"failsafe_hold":     c.FailsafeHold,
		"reconnect_initial": c.ReconnectInitial,
		"reconnect_max":     c.ReconnectMax,
		"turn_dwell":        c.TurnDwell,
		"vision_stale":      c.VisionStale,
		"tick_period":       c.TickPeriod,
	} {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
		}
	}

	return nil
}

func (c *PilotConfig) GetStopCM() int {
	if c.StopCM == nil {
		return 30
	}
	return *c.StopCM
}

func (c *PilotConfig) GetSlowEndCM() int {
	if c.SlowEndCM == nil {
		return 40
	}
	return *c.SlowEndCM
}

func (c *PilotConfig) GetSlowStartCM() int {
	if c.SlowStartCM == nil {
		return 70
	}
	return *c.SlowStartCM
}

func (c *PilotConfig) GetSlowFloor() float64 {
	if c.SlowFloor == nil {
		return 0
	}
	return *c.SlowFloor
}

func (c *PilotConfig) GetDebounceStopCount() int {
	if c.DebounceStopCount == nil {
		return 2
	}
	return *c.DebounceStopCount
}

func (c *PilotConfig) GetDebounceGoCount() int {
	if c.DebounceGoCount == nil {
		return 4
	}
	return *c.DebounceGoCount
}

func (c *PilotConfig) GetHistoryCapacity() int {
	if c.HistoryCapacity == nil {
		return 8
	}
	return *c.HistoryCapacity
}

func (c *PilotConfig) GetDecayFactor() float64 {
	if c.DecayFactor == nil {
		return 0.6
	}
	return *c.DecayFactor
}

func (c *PilotConfig) GetCenterBlocked() float64 {
	if c.CenterBlocked == nil {
		return 0.5
	}
	return *c.CenterBlocked
}

func (c *PilotConfig) GetBaseSpeedPct() float64 {
	if c.BaseSpeedPct == nil {
		return 100
	}
	return *c.BaseSpeedPct
}

func (c *PilotConfig) GetFallbackSpeedCapPct() float64 {
	if c.FallbackSpeedCapPct == nil {
		return 30
	}
	return *c.FallbackSpeedCapPct
}

func (c *PilotConfig) GetTurnSteeringDeg() float64 {
	if c.TurnSteeringDeg == nil {
		return 25
	}
	return *c.TurnSteeringDeg
}

func (c *PilotConfig) GetMaxSteeringDeg() float64 {
	if c.MaxSteeringDeg == nil {
		return 35
	}
	return *c.MaxSteeringDeg
}

func (c *PilotConfig) GetLinkTimeout() time.Duration {
	return c.duration(c.LinkTimeout, 500*time.Millisecond)
}

func (c *PilotConfig) GetStaleGrace() time.Duration {
	return c.duration(c.StaleGrace, time.Second)
}

func (c *PilotConfig) GetFailsafeHold() time.Duration {
	return c.duration(c.FailsafeHold, 1500*time.Millisecond)
}

func (c *PilotConfig) GetReconnectInitial() time.Duration {
	return c.duration(c.ReconnectInitial, 250*time.Millisecond)
}

func (c *PilotConfig) GetReconnectMax() time.Duration {
	return c.duration(c.ReconnectMax, 5*time.Second)
}

func (c *PilotConfig) GetTurnDwell() time.Duration {
	return c.duration(c.TurnDwell, 800*time.Millisecond)
}

func (c *PilotConfig) GetVisionStale() time.Duration {
	return c.duration(c.VisionStale, 700*time.Millisecond)
}

func (c *PilotConfig) GetTickPeriod() time.Duration {
	return c.duration(c.TickPeriod, 100*time.Millisecond)
}

func (c *PilotConfig) duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}
