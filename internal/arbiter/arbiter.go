// Package arbiter combines the debounced range state and the vision turn
// decision under strict priority rules and produces the final drive command.
package arbiter

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/rover.pilot/internal/occupancy"
	"github.com/banshee-data/rover.pilot/internal/rangefilter"
)

// Mode identifies which policy produced a command. Failsafe always dominates
// range-governed, which dominates the vision fallback.
type Mode int

const (
	ModeFailsafe Mode = iota
	ModeRangeGoverned
	ModeVisionFallback
)

func (m Mode) String() string {
	switch m {
	case ModeFailsafe:
		return "FAILSAFE"
	case ModeRangeGoverned:
		return "RANGE_GOVERNED"
	case ModeVisionFallback:
		return "VISION_FALLBACK"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// MarshalJSON emits the mode name for the telemetry surface.
func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// Reason records why a command carries the speed it does.
type Reason int

const (
	ReasonFailsafe Reason = iota
	ReasonRangeStop
	ReasonRangeSlow
	ReasonRangeCruise
	ReasonVisionOnly
	ReasonVisionBlind
	ReasonShutdown
)

func (r Reason) String() string {
	switch r {
	case ReasonFailsafe:
		return "FAILSAFE"
	case ReasonRangeStop:
		return "RANGE_STOP"
	case ReasonRangeSlow:
		return "RANGE_SLOW"
	case ReasonRangeCruise:
		return "RANGE_CRUISE"
	case ReasonVisionOnly:
		return "VISION_ONLY"
	case ReasonVisionBlind:
		return "VISION_BLIND"
	case ReasonShutdown:
		return "SHUTDOWN"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// MarshalJSON emits the reason name for the telemetry surface.
func (r Reason) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// Command is the sole externally observable output, one per control tick.
// Commands are immutable once issued; the next tick supersedes rather than
// mutates.
type Command struct {
	SpeedPct    float64   `json:"speed_pct"`
	SteeringDeg float64   `json:"steering_deg"`
	Reason      Reason    `json:"reason"`
	Mode        Mode      `json:"mode"`
	IssuedAt    time.Time `json:"issued_at"`
}

// Config carries the command shaping parameters.
type Config struct {
	BaseSpeedPct float64
	// FallbackSpeedCapPct is the conservative ceiling when driving on vision
	// alone; it must not exceed BaseSpeedPct.
	FallbackSpeedCapPct float64
	TurnSteeringDeg     float64
	MaxSteeringDeg      float64
}

// Engine is a stateless decision point; all its inputs arrive per tick.
type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	if cfg.BaseSpeedPct <= 0 {
		cfg.BaseSpeedPct = 100
	}
	if cfg.MaxSteeringDeg <= 0 {
		cfg.MaxSteeringDeg = 35
	}
	if cfg.TurnSteeringDeg <= 0 || cfg.TurnSteeringDeg > cfg.MaxSteeringDeg {
		cfg.TurnSteeringDeg = cfg.MaxSteeringDeg
	}
	return &Engine{cfg: cfg}
}

// classify maps the tick inputs onto the mode machine.
func classify(state rangefilter.State, linkUp bool) Mode {
	switch {
	case state == rangefilter.Failsafe:
		return ModeFailsafe
	case linkUp:
		return ModeRangeGoverned
	default:
		return ModeVisionFallback
	}
}

// Arbitrate produces the command for one tick.
//
// Invariant: while the link is up and the range state is not failsafe, vision
// input decides steering only — it can neither raise the speed beyond what
// range debouncing allows nor reduce a range-approved speed.
func (e *Engine) Arbitrate(a rangefilter.Assessment, dec occupancy.Decision, linkUp, visionFresh bool, now time.Time) Command {
	switch classify(a.State, linkUp) {
	case ModeFailsafe:
		// Vision input is ignored entirely.
		return Command{
			SpeedPct: 0, SteeringDeg: 0,
			Reason: ReasonFailsafe, Mode: ModeFailsafe, IssuedAt: now,
		}

	case ModeRangeGoverned:
		cmd := Command{
			SpeedPct:    e.cfg.BaseSpeedPct * a.SpeedScale,
			SteeringDeg: e.steering(dec.Turn, visionFresh),
			Mode:        ModeRangeGoverned,
			IssuedAt:    now,
		}
		switch {
		case a.SpeedScale == 0:
			cmd.Reason = ReasonRangeStop
		case a.SpeedScale < 1:
			cmd.Reason = ReasonRangeSlow
		default:
			cmd.Reason = ReasonRangeCruise
		}
		return cmd

	default: // ModeVisionFallback
		if !visionFresh {
			// No range link and no recent vision: the safe default is the
			// only thing left to emit.
			return Command{
				SpeedPct: 0, SteeringDeg: 0,
				Reason: ReasonVisionBlind, Mode: ModeVisionFallback, IssuedAt: now,
			}
		}
		speed := e.cfg.FallbackSpeedCapPct
		if dec.CenterBlocked {
			// The sole mode where vision affects speed: ease off while
			// steering around a blocked center.
			speed /= 2
		}
		return Command{
			SpeedPct:    speed,
			SteeringDeg: e.steering(dec.Turn, true),
			Reason:      ReasonVisionOnly,
			Mode:        ModeVisionFallback,
			IssuedAt:    now,
		}
	}
}

// ZeroCommand is the explicit stop emitted as the loop's final action on
// shutdown.
func ZeroCommand(now time.Time) Command {
	return Command{SpeedPct: 0, SteeringDeg: 0, Reason: ReasonShutdown, Mode: ModeRangeGoverned, IssuedAt: now}
}

// steering maps a turn decision to a steering angle, clamped to the limit.
// Left steers negative, right positive. Without a recent vision frame the
// default is straight.
func (e *Engine) steering(turn occupancy.Turn, visionFresh bool) float64 {
	if !visionFresh {
		return 0
	}
	deg := 0.0
	switch turn {
	case occupancy.Left:
		deg = -e.cfg.TurnSteeringDeg
	case occupancy.Right:
		deg = e.cfg.TurnSteeringDeg
	}
	if deg > e.cfg.MaxSteeringDeg {
		deg = e.cfg.MaxSteeringDeg
	}
	if deg < -e.cfg.MaxSteeringDeg {
		deg = -e.cfg.MaxSteeringDeg
	}
	return deg
}
