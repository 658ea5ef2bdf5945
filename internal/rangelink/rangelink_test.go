package rangelink

import (
	"bufio"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/rover.pilot/internal/mailbox"
	"github.com/banshee-data/rover.pilot/internal/monitoring"
)

func init() {
	// Keep test output quiet; individual tests re-enable logging if useful.
	monitoring.SetLogger(nil)
}

func TestParseLine(t *testing.T) {
	at := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		line     string
		wantErr  bool
		wantCM   int
		wantGood bool
	}{
		{name: "plain distance", line: "85", wantCM: 85, wantGood: true},
		{name: "whitespace padded", line: "  42 ", wantCM: 42, wantGood: true},
		{name: "zero means no echo", line: "0", wantCM: 0, wantGood: false},
		{name: "empty line", line: "", wantErr: true},
		{name: "garbage", line: "boot v1.2", wantErr: true},
		{name: "negative", line: "-3", wantErr: true},
		{name: "float", line: "12.5", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := ParseLine(tt.line, at)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseLine(%q) = %+v, want error", tt.line, s)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseLine(%q) error: %v", tt.line, err)
			}
			if s.DistanceCM != tt.wantCM {
				t.Errorf("DistanceCM = %d, want %d", s.DistanceCM, tt.wantCM)
			}
			if s.Valid != tt.wantGood {
				t.Errorf("Valid = %v, want %v", s.Valid, tt.wantGood)
			}
			if !s.At.Equal(at) {
				t.Errorf("At = %v, want %v", s.At, at)
			}
		})
	}
}

func TestNextBackoff(t *testing.T) {
	max := 2 * time.Second
	cur := 250 * time.Millisecond

	want := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 2 * time.Second}
	for i, w := range want {
		cur = nextBackoff(cur, max)
		if cur != w {
			t.Errorf("step %d: nextBackoff = %v, want %v", i, cur, w)
		}
	}
}

// pipePort adapts io.Pipe to the Porter interface for tests.
type pipePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	closeOnce sync.Once
	closed    chan struct{}
}

func newPipePort() *pipePort {
	r, w := io.Pipe()
	return &pipePort{r: r, w: w, closed: make(chan struct{})}
}

func (p *pipePort) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipePort) Write(b []byte) (int, error) { return len(b), nil }

func (p *pipePort) Close() error {
	p.closeOnce.Do(func() {
		p.w.Close()
		p.r.Close()
		close(p.closed)
	})
	return nil
}

// feed writes newline-terminated firmware lines into the port.
func (p *pipePort) feed(t *testing.T, lines ...string) {
	t.Helper()
	for _, l := range lines {
		if _, err := p.w.Write([]byte(l + "\n")); err != nil {
			t.Fatalf("feed %q: %v", l, err)
		}
	}
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, d time.Duration, cond func() bool, desc string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestManagerDeliversSamples(t *testing.T) {
	port := newPipePort()
	out := mailbox.New[Sample]()
	m := NewManager(Config{
		Open:        func() (Porter, error) { return port, nil },
		LinkTimeout: time.Second,
		StaleGrace:  time.Second,
		Out:         out,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	port.feed(t, "80")
	waitFor(t, time.Second, func() bool { return m.State() == Connected }, "connected state")

	waitFor(t, time.Second, func() bool {
		s, ok := out.Peek()
		return ok && s.Valid && s.DistanceCM == 80
	}, "first sample")
	out.Take()

	// Garbage lines are discarded, never delivered as samples; a zero reading
	// is delivered with Valid=false.
	port.feed(t, "!!noise!!", "0")
	waitFor(t, time.Second, func() bool {
		s, ok := out.Peek()
		return ok && !s.Valid
	}, "no-echo sample")

	// A later good reading overwrites the unread one.
	port.feed(t, "55")
	waitFor(t, time.Second, func() bool {
		s, ok := out.Peek()
		return ok && s.Valid && s.DistanceCM == 55
	}, "overwritten sample")

	cancel()
	<-done
	if m.State() != Disconnected {
		t.Errorf("state after shutdown = %v, want DISCONNECTED", m.State())
	}
}

func TestReconnectBackoffIsBoundedAndOrdered(t *testing.T) {
	var mu sync.Mutex
	var attempts []time.Time
	port := newPipePort()

	open := func() (Porter, error) {
		mu.Lock()
		attempts = append(attempts, time.Now())
		n := len(attempts)
		mu.Unlock()
		if n <= 3 {
			return nil, io.ErrUnexpectedEOF
		}
		return port, nil
	}

	m := NewManager(Config{
		Open:             open,
		LinkTimeout:      time.Second,
		StaleGrace:       time.Second,
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	// The link must come up after the scripted failures and a live line.
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) >= 4
	}, "fourth open attempt")
	port.feed(t, "100")
	waitFor(t, time.Second, func() bool { return m.State() == Connected }, "connected after retries")

	mu.Lock()
	gap1 := attempts[1].Sub(attempts[0])
	gap2 := attempts[2].Sub(attempts[1])
	gap3 := attempts[3].Sub(attempts[2])
	mu.Unlock()

	// Delays double from the initial value and stay at or under the cap
	// (loose upper bounds absorb scheduler jitter).
	if gap1 < 10*time.Millisecond {
		t.Errorf("first retry gap %v, want >= 10ms", gap1)
	}
	if gap2 < 20*time.Millisecond {
		t.Errorf("second retry gap %v, want >= 20ms (doubled)", gap2)
	}
	if gap3 < 20*time.Millisecond || gap3 > 500*time.Millisecond {
		t.Errorf("third retry gap %v, want capped near 20ms", gap3)
	}

	cancel()
	<-done
}

func TestStaleLinkForcesReconnect(t *testing.T) {
	var mu sync.Mutex
	var opens int
	ports := []*pipePort{newPipePort(), newPipePort()}

	open := func() (Porter, error) {
		mu.Lock()
		defer mu.Unlock()
		p := ports[0]
		if opens > 0 && opens < len(ports) {
			p = ports[opens]
		}
		opens++
		return p, nil
	}

	m := NewManager(Config{
		Open:             open,
		LinkTimeout:      50 * time.Millisecond,
		StaleGrace:       50 * time.Millisecond,
		ReconnectInitial: 5 * time.Millisecond,
		ReconnectMax:     10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	ports[0].feed(t, "90")
	waitFor(t, time.Second, func() bool { return m.State() == Connected }, "initial connect")

	// Silence: first Stale, then a forced reconnect once the grace elapses.
	waitFor(t, time.Second, func() bool { return m.State() == Stale }, "stale state")
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return opens >= 2
	}, "reconnect after grace")

	select {
	case <-ports[0].closed:
	case <-time.After(time.Second):
		t.Error("stale port was not closed on reconnect")
	}

	cancel()
	<-done
}

func TestReplayOpenerEmitsLines(t *testing.T) {
	open := ReplayOpener([]string{"120", "80"}, time.Millisecond)
	port, err := open()
	if err != nil {
		t.Fatalf("ReplayOpener: %v", err)
	}
	defer port.Close()

	scan := bufio.NewScanner(port)
	var lines []string
	for scan.Scan() {
		lines = append(lines, scan.Text())
		if len(lines) == 3 {
			break
		}
	}
	if len(lines) != 3 {
		t.Fatalf("read %d lines, want 3 (scan err %v)", len(lines), scan.Err())
	}
	if lines[0] != "120" || lines[1] != "80" || lines[2] != "120" {
		t.Errorf("lines = %v, want cycling [120 80 120]", lines)
	}
}
