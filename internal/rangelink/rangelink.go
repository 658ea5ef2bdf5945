// Package rangelink owns the serial connection to the range-sensing firmware.
//
// The firmware emits one non-negative integer of centimeters per line. A zero
// reading is a valid protocol message meaning "no echo" (out of range or a
// timeout at the sensor), distinct from a stale link where no message arrives
// at all. The manager parses lines into samples, tracks connection health and
// reconnects with bounded exponential backoff when the link drops.
package rangelink

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/rover.pilot/internal/mailbox"
	"github.com/banshee-data/rover.pilot/internal/monitoring"
)

// ConnectionState describes the health of the serial link. It is owned solely
// by the Manager; the control loop reads it through State().
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	// Stale means the port is open but no line has arrived within the link
	// timeout. The connection is not torn down until a further grace period
	// elapses.
	Stale
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Stale:
		return "STALE"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// Sample is a single parsed distance report from the firmware.
type Sample struct {
	At         time.Time
	DistanceCM int
	// Valid is false when the firmware reported 0 (no echo).
	Valid bool
}

// errStale forces a reconnect after the stale grace period expires.
var errStale = errors.New("no serial line within timeout plus grace")

// ParseLine parses one firmware line into a Sample. Non-parsable lines return
// an error; the caller discards them without producing a sample.
func ParseLine(line string, at time.Time) (Sample, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Sample{}, errors.New("empty line")
	}
	v, err := strconv.Atoi(trimmed)
	if err != nil {
		return Sample{}, fmt.Errorf("not an integer: %w", err)
	}
	if v < 0 {
		return Sample{}, fmt.Errorf("negative distance %d", v)
	}
	if v == 0 {
		// No echo. A real protocol message, so it still counts against the
		// stale timer, but carries no usable distance.
		return Sample{At: at, Valid: false}, nil
	}
	return Sample{At: at, DistanceCM: v, Valid: true}, nil
}

// Config carries the tuning and collaborators for a Manager.
type Config struct {
	// Open opens the underlying port. Injection point for the real serial
	// opener, the dev-mode replay port and test doubles.
	Open Opener

	LinkTimeout      time.Duration
	StaleGrace       time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	// Out receives every parsed sample; overwrite semantics keep only the
	// freshest one for the control loop.
	Out *mailbox.Mailbox[Sample]

	// Now defaults to time.Now; tests substitute a fake clock.
	Now func() time.Time
}

// Manager runs the serial I/O path. Its only mutable shared state is the
// connection state, guarded by a mutex and read via State().
type Manager struct {
	cfg Config

	mu    sync.Mutex
	state ConnectionState
}

// NewManager creates a Manager. Zero durations get conservative defaults.
func NewManager(cfg Config) *Manager {
	if cfg.LinkTimeout <= 0 {
		cfg.LinkTimeout = 500 * time.Millisecond
	}
	if cfg.StaleGrace <= 0 {
		cfg.StaleGrace = time.Second
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = 250 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 5 * time.Second
	}
	if cfg.Out == nil {
		cfg.Out = mailbox.New[Sample]()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{cfg: cfg, state: Disconnected}
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Samples returns the mailbox the manager delivers into.
func (m *Manager) Samples() *mailbox.Mailbox[Sample] {
	return m.cfg.Out
}

func (m *Manager) setState(s ConnectionState) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev != s {
		monitoring.Logf("range link: %s -> %s", prev, s)
	}
}

// nextBackoff doubles the retry delay up to the configured cap.
func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

// Run owns the connect/read/reconnect cycle until the context is cancelled.
// Open failures are retried forever with bounded exponential backoff; they
// are never surfaced as fatal. The retry loop observes cancellation between
// attempts so backoff can never stall shutdown.
func (m *Manager) Run(ctx context.Context) error {
	backoff := m.cfg.ReconnectInitial

	for {
		if err := ctx.Err(); err != nil {
			m.setState(Disconnected)
			return err
		}

		m.setState(Connecting)
		port, err := m.cfg.Open()
		if err != nil {
			m.setState(Disconnected)
			monitoring.Logf("range link: open failed: %v (retry in %s)", err, backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = nextBackoff(backoff, m.cfg.ReconnectMax)
			continue
		}
		backoff = m.cfg.ReconnectInitial

		err = m.serve(ctx, port)
		port.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			m.setState(Disconnected)
			return ctxErr
		}
		m.setState(Disconnected)
		if err != nil && !errors.Is(err, errStale) {
			monitoring.Logf("range link: read loop ended: %v", err)
		}
	}
}

// serve reads lines from an open port until the context is cancelled, the
// stream ends, or staleness forces a reconnect.
func (m *Manager) serve(ctx context.Context, port Porter) error {
	scan := bufio.NewScanner(port)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// The blocking scan.Scan runs in its own goroutine so the outer loop can
	// watch the stale timer and context cancellation. Closing the port
	// unblocks the pending read.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	lastLine := m.cfg.Now()
	poll := m.cfg.LinkTimeout / 5
	if poll < 10*time.Millisecond {
		poll = 10 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case line, ok := <-lineChan:
			if !ok {
				return errors.New("serial stream ended")
			}
			sample, err := ParseLine(line, m.cfg.Now())
			if err != nil {
				monitoring.Logf("range link: discarding line %q: %v", line, err)
				continue
			}
			lastLine = m.cfg.Now()
			m.setState(Connected)
			m.cfg.Out.Put(sample)

		case <-ticker.C:
			idle := m.cfg.Now().Sub(lastLine)
			if idle > m.cfg.LinkTimeout+m.cfg.StaleGrace {
				return errStale
			}
			if idle > m.cfg.LinkTimeout {
				m.setState(Stale)
			}
		}
	}
}
