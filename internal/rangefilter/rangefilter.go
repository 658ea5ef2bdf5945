// Package rangefilter turns the raw distance stream into a stable drive state
// with progressive speed shaping and fail-safe escalation.
package rangefilter

import (
	"fmt"
	"time"

	"github.com/banshee-data/rover.pilot/internal/rangelink"
)

// State is the debounced range state derived each tick.
type State int

const (
	// Unknown means range sensing is absent (link disconnected); downstream
	// falls back to the vision-only policy.
	Unknown State = iota
	Go
	Slow
	Stop
	// Failsafe means the link looks alive but no valid echo has arrived
	// within the hold window. It overrides everything else.
	Failsafe
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "UNKNOWN"
	case Go:
		return "GO"
	case Slow:
		return "SLOW"
	case Stop:
		return "STOP"
	case Failsafe:
		return "FAILSAFE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Assessment is the per-tick output of the debouncer.
type Assessment struct {
	State State
	// SpeedScale multiplies the base speed downstream. Forced to 0 whenever
	// State is Stop, Failsafe or Unknown.
	SpeedScale float64
	// DistanceCM is the last good distance, for shaping and event records.
	DistanceCM int
}

// Config holds the debounce thresholds. Ordering invariant:
// StopCM < SlowEndCM < SlowStartCM (validated at startup by the config
// package).
type Config struct {
	StopCM      int
	SlowEndCM   int
	SlowStartCM int
	// SlowFloor is the multiplier reached at the bottom of the slow band.
	SlowFloor float64
	// StopCount qualifying samples latch a stop; GoCount release it. Entry
	// is fast and release slow to avoid oscillation at the boundary.
	StopCount int
	GoCount   int
	// FailsafeHold is the maximum time without a valid echo before the state
	// escalates to Failsafe.
	FailsafeHold time.Duration
}

// Debouncer is a pure state transformer invoked once per control tick. It
// keeps the raw sample history as two run counters and one last-good
// distance; nothing else is retained tick to tick.
type Debouncer struct {
	cfg Config

	stopStreak int
	goStreak   int
	stopped    bool

	haveGood    bool
	lastGoodCM  int
	lastValidAt time.Time
	watching    bool
}

func New(cfg Config) *Debouncer {
	if cfg.StopCount < 1 {
		cfg.StopCount = 1
	}
	if cfg.GoCount < 1 {
		cfg.GoCount = 1
	}
	if cfg.FailsafeHold <= 0 {
		cfg.FailsafeHold = 1500 * time.Millisecond
	}
	return &Debouncer{cfg: cfg}
}

// Update folds one tick of input into the state machine. sample is nil when
// no new reading arrived since the last tick; that absence is meaningful and
// drives the fail-safe clock rather than being an error.
func (d *Debouncer) Update(sample *rangelink.Sample, conn rangelink.ConnectionState, now time.Time) Assessment {
	if conn == rangelink.Disconnected {
		// Range sensing is absent, not faulty. Counters and the fail-safe
		// clock restart when the link comes back.
		d.stopStreak, d.goStreak = 0, 0
		d.watching = false
		return Assessment{State: Unknown, SpeedScale: 0, DistanceCM: d.lastGoodCM}
	}

	if !d.watching {
		// Link (re)appeared: the hold window starts now.
		d.watching = true
		d.lastValidAt = now
	}

	var curCM int
	curValid := false
	if sample != nil {
		if sample.Valid {
			curValid = true
			curCM = sample.DistanceCM
			d.lastValidAt = now
			d.haveGood = true
			d.lastGoodCM = curCM
		} else {
			// No echo. Interrupts both debounce runs; shaping holds the last
			// good distance until the fail-safe window expires.
			d.stopStreak, d.goStreak = 0, 0
		}
	}

	if now.Sub(d.lastValidAt) > d.cfg.FailsafeHold {
		d.stopStreak, d.goStreak = 0, 0
		return Assessment{State: Failsafe, SpeedScale: 0, DistanceCM: d.lastGoodCM}
	}

	if curValid {
		if curCM < d.cfg.StopCM {
			d.stopStreak++
			d.goStreak = 0
		} else {
			d.goStreak++
			d.stopStreak = 0
		}
		if !d.stopped && d.stopStreak >= d.cfg.StopCount {
			d.stopped = true
			d.stopStreak, d.goStreak = 0, 0
		} else if d.stopped && d.goStreak >= d.cfg.GoCount {
			d.stopped = false
			d.stopStreak, d.goStreak = 0, 0
		}
	}

	if !d.haveGood {
		// Connected but nothing usable yet; hold at stop until data arrives.
		return Assessment{State: Stop, SpeedScale: 0}
	}

	effective := d.lastGoodCM
	switch {
	case d.stopped || effective < d.cfg.StopCM:
		// A reading below the stop threshold stops immediately; the latch
		// only slows the way back out.
		return Assessment{State: Stop, SpeedScale: 0, DistanceCM: effective}
	case effective < d.cfg.SlowStartCM:
		return Assessment{State: Slow, SpeedScale: d.shape(effective), DistanceCM: effective}
	default:
		return Assessment{State: Go, SpeedScale: 1, DistanceCM: effective}
	}
}

// shape maps a distance to the speed multiplier: 1.0 at or beyond the slow
// band, linear down to the floor across the band, the floor between the band
// and the stop threshold, and 0 below it.
func (d *Debouncer) shape(cm int) float64 {
	switch {
	case cm >= d.cfg.SlowStartCM:
		return 1
	case cm < d.cfg.StopCM:
		return 0
	case cm < d.cfg.SlowEndCM:
		return d.cfg.SlowFloor
	default:
		frac := float64(cm-d.cfg.SlowEndCM) / float64(d.cfg.SlowStartCM-d.cfg.SlowEndCM)
		return d.cfg.SlowFloor + (1-d.cfg.SlowFloor)*frac
	}
}
