// Package pilot runs the fixed-cadence control loop. Each tick drains the
// input mailboxes, folds the freshest readings into the range and vision
// state machines, arbitrates one command and hands it to the actuator. The
// loop never blocks on I/O; producers overwrite mailbox slots at their own
// pace and a missed tick input is itself a meaningful signal.
package pilot

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/rover.pilot/internal/arbiter"
	"github.com/banshee-data/rover.pilot/internal/db"
	"github.com/banshee-data/rover.pilot/internal/mailbox"
	"github.com/banshee-data/rover.pilot/internal/monitoring"
	"github.com/banshee-data/rover.pilot/internal/occupancy"
	"github.com/banshee-data/rover.pilot/internal/rangefilter"
	"github.com/banshee-data/rover.pilot/internal/rangelink"
)

// Actuator receives the per-tick command. Implementations must be fast; the
// loop calls Apply synchronously on its own goroutine.
type Actuator interface {
	Apply(cmd arbiter.Command) error
}

// LogActuator logs each command instead of driving hardware. It is the
// default in dev mode and in tests.
type LogActuator struct{}

func (LogActuator) Apply(cmd arbiter.Command) error {
	monitoring.Logf("actuate: speed=%.0f%% steering=%.0fdeg mode=%s reason=%s",
		cmd.SpeedPct, cmd.SteeringDeg, cmd.Mode, cmd.Reason)
	return nil
}

// EventSink persists control transitions. *db.DB satisfies it; tests use an
// in-memory recorder.
type EventSink interface {
	RecordTransition(tr db.Transition) error
}

// LinkStater reports the current serial link state. *rangelink.Manager
// satisfies it.
type LinkStater interface {
	State() rangelink.ConnectionState
}

// Config wires one Loop.
type Config struct {
	SessionID string
	Tick      time.Duration

	Samples *mailbox.Mailbox[rangelink.Sample]
	Frames  *mailbox.Mailbox[occupancy.Frame]
	Link    LinkStater

	Debouncer *rangefilter.Debouncer
	Tracker   *occupancy.Tracker
	Engine    *arbiter.Engine

	Actuator Actuator
	Events   EventSink

	// Now is the clock; nil means time.Now. Tests inject a fake.
	Now func() time.Time
}

// Snapshot is the loop's externally visible state, taken at the end of a
// tick. The telemetry surface serves it as JSON.
type Snapshot struct {
	SessionID   string            `json:"session_id"`
	At          time.Time         `json:"at"`
	LinkState   string            `json:"link_state"`
	RangeState  string            `json:"range_state"`
	SpeedScale  float64           `json:"speed_scale"`
	DistanceCM  int               `json:"distance_cm"`
	VisionFresh bool              `json:"vision_fresh"`
	Vision      occupancy.Weights `json:"vision"`
	Turn        string            `json:"turn"`
	LastCommand arbiter.Command   `json:"last_command"`
}

type Loop struct {
	cfg Config
	now func() time.Time

	mu          sync.Mutex
	snapshot    Snapshot
	subscribers map[string]chan arbiter.Command

	// previous tick outputs, for transition detection
	prevState rangefilter.State
	prevTurn  occupancy.Turn
	prevMode  arbiter.Mode
	havePrev  bool
}

func NewLoop(cfg Config) *Loop {
	if cfg.Tick <= 0 {
		cfg.Tick = 100 * time.Millisecond
	}
	if cfg.Actuator == nil {
		cfg.Actuator = LogActuator{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Loop{
		cfg:         cfg,
		now:         now,
		subscribers: make(map[string]chan arbiter.Command),
	}
}

// Subscribe registers a named command channel. Slow subscribers drop
// commands rather than stalling the loop.
func (l *Loop) Subscribe(name string) chan arbiter.Command {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan arbiter.Command, 16)
	l.subscribers[name] = ch
	return ch
}

func (l *Loop) Unsubscribe(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ch, ok := l.subscribers[name]; ok {
		delete(l.subscribers, name)
		close(ch)
	}
}

// Snapshot returns the state recorded at the end of the most recent tick.
func (l *Loop) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot
}

// Run ticks the loop until ctx is cancelled, then issues a final zero
// command so the platform never keeps driving on a stale order.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.Tick)
	defer ticker.Stop()

	monitoring.Logf("control loop started (session %s, tick %s)", l.cfg.SessionID, l.cfg.Tick)
	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return nil
		case <-ticker.C:
			l.step(l.now())
		}
	}
}

func (l *Loop) shutdown() {
	now := l.now()
	cmd := arbiter.ZeroCommand(now)
	if err := l.cfg.Actuator.Apply(cmd); err != nil {
		monitoring.Logf("actuator error on shutdown: %v", err)
	}
	l.record(db.Transition{
		SessionID:  l.cfg.SessionID,
		At:         now,
		Cause:      "shutdown",
		RangeState: l.prevState.String(),
		Turn:       l.prevTurn.String(),
		Mode:       cmd.Mode.String(),
	})
	l.publish(cmd)
	monitoring.Logf("control loop stopped, zero command issued")
}

// step runs one control tick. Split out from Run so tests can drive the loop
// with an injected clock instead of a real ticker.
func (l *Loop) step(now time.Time) arbiter.Command {
	var sample *rangelink.Sample
	if s, ok := l.cfg.Samples.Take(); ok {
		sample = &s
	}
	if f, ok := l.cfg.Frames.Take(); ok {
		l.cfg.Tracker.Push(f)
	}

	conn := l.cfg.Link.State()
	assessment := l.cfg.Debouncer.Update(sample, conn, now)
	decision := l.cfg.Tracker.Decide(now)
	visionFresh := l.cfg.Tracker.Fresh(now)
	linkUp := conn == rangelink.Connected || conn == rangelink.Stale

	cmd := l.cfg.Engine.Arbitrate(assessment, decision, linkUp, visionFresh, now)

	l.noteTransitions(assessment, decision, cmd, now)

	if err := l.cfg.Actuator.Apply(cmd); err != nil {
		monitoring.Logf("actuator error: %v", err)
	}
	l.publish(cmd)

	snap := Snapshot{
		SessionID:   l.cfg.SessionID,
		At:          now,
		LinkState:   conn.String(),
		RangeState:  assessment.State.String(),
		SpeedScale:  assessment.SpeedScale,
		DistanceCM:  assessment.DistanceCM,
		VisionFresh: visionFresh,
		Turn:        decision.Turn.String(),
		LastCommand: cmd,
	}
	if l.cfg.Tracker.Len() > 0 {
		snap.Vision = l.cfg.Tracker.Weighted()
	}
	l.mu.Lock()
	l.snapshot = snap
	l.mu.Unlock()

	return cmd
}

// noteTransitions records state, turn and mode edges to the event sink.
// Steady-state ticks write nothing; the log stays proportional to how
// eventful the drive is.
func (l *Loop) noteTransitions(a rangefilter.Assessment, dec occupancy.Decision, cmd arbiter.Command, now time.Time) {
	if !l.havePrev {
		l.prevState = a.State
		l.prevTurn = dec.Turn
		l.prevMode = cmd.Mode
		l.havePrev = true
		return
	}

	base := db.Transition{
		SessionID:  l.cfg.SessionID,
		At:         now,
		RangeState: a.State.String(),
		DistanceCM: a.DistanceCM,
		Turn:       dec.Turn.String(),
		Mode:       cmd.Mode.String(),
	}
	if a.State != l.prevState {
		tr := base
		tr.Cause = "range_" + strings.ToLower(a.State.String())
		l.record(tr)
	}
	if dec.Turn != l.prevTurn {
		tr := base
		tr.Cause = "turn_change"
		l.record(tr)
	}
	if cmd.Mode != l.prevMode {
		tr := base
		tr.Cause = "mode_change"
		l.record(tr)
	}
	l.prevState = a.State
	l.prevTurn = dec.Turn
	l.prevMode = cmd.Mode
}

func (l *Loop) record(tr db.Transition) {
	if l.cfg.Events == nil {
		return
	}
	if err := l.cfg.Events.RecordTransition(tr); err != nil {
		monitoring.Logf("failed to record transition (%s): %v", tr.Cause, err)
	}
}

func (l *Loop) publish(cmd arbiter.Command) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for name, ch := range l.subscribers {
		select {
		case ch <- cmd:
		default:
			monitoring.Logf("dropping command for slow subscriber %s", name)
		}
	}
}
