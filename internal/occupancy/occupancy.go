// Package occupancy maintains a bounded, decay-weighted history of vision
// occupancy frames and derives a stable turn decision from it.
package occupancy

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/floats"
)

// Frame is one vision-derived occupancy report. Scores are normalized
// densities in [0, 1] per image column.
type Frame struct {
	At     time.Time `json:"at"`
	Left   float64   `json:"left"`
	Center float64   `json:"center"`
	Right  float64   `json:"right"`
}

// Turn is the direction the tracker proposes around a blocked center.
type Turn int

const (
	Straight Turn = iota
	Left
	Right
)

func (t Turn) String() string {
	switch t {
	case Straight:
		return "STRAIGHT"
	case Left:
		return "LEFT"
	case Right:
		return "RIGHT"
	default:
		return fmt.Sprintf("Turn(%d)", int(t))
	}
}

// Weights is the decayed weighted average occupancy per column, exposed for
// the telemetry surface.
type Weights struct {
	Left   float64 `json:"left"`
	Center float64 `json:"center"`
	Right  float64 `json:"right"`
}

// Config tunes the tracker.
type Config struct {
	// Capacity bounds the frame history; pushing past it evicts the oldest.
	Capacity int
	// Decay weights frame i (newest-first) by Decay^i.
	Decay float64
	// CenterBlocked is the weighted center occupancy above which the tracker
	// proposes a turn.
	CenterBlocked float64
	// Dwell is the minimum time a non-straight decision holds before the
	// opposite direction may be issued.
	Dwell time.Duration
	// FrameStale bounds how old the newest frame may be before the history
	// no longer counts as fresh.
	FrameStale time.Duration
}

// Tracker owns the occupancy ring buffer. It is invoked only from the control
// loop, so it needs no locking of its own.
type Tracker struct {
	cfg Config

	frames []Frame // ring buffer
	head   int     // next write position
	size   int

	current        Turn
	committedUntil time.Time
	lastFrameAt    time.Time
}

func New(cfg Config) *Tracker {
	if cfg.Capacity < 1 {
		cfg.Capacity = 8
	}
	if cfg.Decay <= 0 || cfg.Decay > 1 {
		cfg.Decay = 0.6
	}
	if cfg.CenterBlocked <= 0 {
		cfg.CenterBlocked = 0.5
	}
	if cfg.FrameStale <= 0 {
		cfg.FrameStale = 700 * time.Millisecond
	}
	return &Tracker{
		cfg:    cfg,
		frames: make([]Frame, cfg.Capacity),
	}
}

// Push appends a frame, evicting the oldest when the buffer is full.
func (tr *Tracker) Push(f Frame) {
	tr.frames[tr.head] = f
	tr.head = (tr.head + 1) % len(tr.frames)
	if tr.size < len(tr.frames) {
		tr.size++
	}
	if f.At.After(tr.lastFrameAt) {
		tr.lastFrameAt = f.At
	}
}

// Len reports how many frames the history currently holds.
func (tr *Tracker) Len() int { return tr.size }

// Fresh reports whether a frame arrived within the staleness window.
func (tr *Tracker) Fresh(now time.Time) bool {
	if tr.lastFrameAt.IsZero() {
		return false
	}
	return now.Sub(tr.lastFrameAt) <= tr.cfg.FrameStale
}

// Weighted returns the decayed weighted average occupancy per column,
// newest-first, so single-frame noise is smoothed while recent frames
// dominate.
func (tr *Tracker) Weighted() Weights {
	if tr.size == 0 {
		return Weights{}
	}

	weights := make([]float64, tr.size)
	left := make([]float64, tr.size)
	center := make([]float64, tr.size)
	right := make([]float64, tr.size)

	w := 1.0
	for i := 0; i < tr.size; i++ {
		// Index back from the most recent write.
		idx := (tr.head - 1 - i + len(tr.frames)) % len(tr.frames)
		weights[i] = w
		left[i] = tr.frames[idx].Left
		center[i] = tr.frames[idx].Center
		right[i] = tr.frames[idx].Right
		w *= tr.cfg.Decay
	}

	total := floats.Sum(weights)
	return Weights{
		Left:   floats.Dot(weights, left) / total,
		Center: floats.Dot(weights, center) / total,
		Right:  floats.Dot(weights, right) / total,
	}
}

// Decision is the tracker's per-tick output.
type Decision struct {
	Turn Turn
	// CenterBlocked reports whether the weighted center occupancy exceeded
	// the threshold this tick; the fallback policy slows down while it holds.
	CenterBlocked bool
}

// Decide derives the turn decision for this tick. A non-straight decision is
// committed for at least the dwell period before the opposite direction may
// be issued; straight is allowed at any time once the center clears.
func (tr *Tracker) Decide(now time.Time) Decision {
	if tr.size == 0 || !tr.Fresh(now) {
		tr.current = Straight
		return Decision{Turn: Straight}
	}

	w := tr.Weighted()
	blocked := w.Center > tr.cfg.CenterBlocked

	proposed := Straight
	if blocked {
		if w.Left <= w.Right {
			proposed = Left
		} else {
			proposed = Right
		}
	}

	switch {
	case proposed == tr.current:
		// No change; the commitment clock keeps running.
	case proposed == Straight:
		// The center cleared: straight is never held back by the dwell.
		tr.current = Straight
	case tr.current != Straight && now.Before(tr.committedUntil):
		// Flipping to the opposite turn is suppressed until the dwell ends.
	default:
		tr.current = proposed
		tr.committedUntil = now.Add(tr.cfg.Dwell)
	}

	return Decision{Turn: tr.current, CenterBlocked: blocked}
}
