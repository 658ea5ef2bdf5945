// Package visionlink receives occupancy frames from the vision pipeline.
//
// The pipeline runs at its own cadence and delivers one JSON datagram per
// frame over UDP: {"at": ..., "left": ..., "center": ..., "right": ...}.
// Frames land in a single-slot mailbox so the control loop always sees the
// freshest one and never blocks on the pipeline.
package visionlink

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/banshee-data/rover.pilot/internal/mailbox"
	"github.com/banshee-data/rover.pilot/internal/monitoring"
	"github.com/banshee-data/rover.pilot/internal/occupancy"
)

// Config contains the listener options.
type Config struct {
	Address string
	// RcvBuf sizes the socket receive buffer; 0 keeps the OS default.
	RcvBuf int
	// Out receives every decoded frame.
	Out *mailbox.Mailbox[occupancy.Frame]
	// Now defaults to time.Now; used when a frame carries no timestamp.
	Now func() time.Time
}

// Listener handles receiving and decoding occupancy frames from UDP.
type Listener struct {
	cfg  Config
	conn *net.UDPConn
}

func NewListener(cfg Config) *Listener {
	if cfg.Out == nil {
		cfg.Out = mailbox.New[occupancy.Frame]()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Listener{cfg: cfg}
}

// Frames returns the mailbox the listener delivers into.
func (l *Listener) Frames() *mailbox.Mailbox[occupancy.Frame] {
	return l.cfg.Out
}

// wireFrame is the datagram schema. The timestamp is optional UNIX
// milliseconds; absent means "now" at arrival.
type wireFrame struct {
	AtMillis int64    `json:"at,omitempty"`
	Left     *float64 `json:"left"`
	Center   *float64 `json:"center"`
	Right    *float64 `json:"right"`
}

// decodeFrame validates one datagram. Scores are clamped to [0, 1].
func decodeFrame(data []byte, now time.Time) (occupancy.Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return occupancy.Frame{}, fmt.Errorf("bad frame JSON: %w", err)
	}
	if w.Left == nil || w.Center == nil || w.Right == nil {
		return occupancy.Frame{}, fmt.Errorf("frame missing column scores")
	}

	at := now
	if w.AtMillis > 0 {
		at = time.UnixMilli(w.AtMillis)
	}
	return occupancy.Frame{
		At:     at,
		Left:   clamp01(*w.Left),
		Center: clamp01(*w.Center),
		Right:  clamp01(*w.Right),
	}, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Start listens for frames until the context is cancelled. Malformed
// datagrams are logged and dropped; they never stall the control loop.
func (l *Listener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	l.conn = conn
	defer conn.Close()

	if l.cfg.RcvBuf > 0 {
		if err := conn.SetReadBuffer(l.cfg.RcvBuf); err != nil {
			monitoring.Logf("vision link: failed to set receive buffer to %d: %v", l.cfg.RcvBuf, err)
		}
	}

	monitoring.Logf("vision link: listening on %s", conn.LocalAddr())

	buffer := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Read deadline keeps cancellation responsive.
			conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

			n, from, err := conn.ReadFromUDP(buffer)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				monitoring.Logf("vision link: read error: %v", err)
				continue
			}

			frame, err := decodeFrame(buffer[:n], l.cfg.Now())
			if err != nil {
				monitoring.Logf("vision link: dropping datagram from %v: %v", from, err)
				continue
			}
			l.cfg.Out.Put(frame)
		}
	}
}

// LocalAddr reports the bound address once Start has opened the socket.
func (l *Listener) LocalAddr() net.Addr {
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}
