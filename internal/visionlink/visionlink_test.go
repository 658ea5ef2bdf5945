package visionlink

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/banshee-data/rover.pilot/internal/monitoring"
	"github.com/banshee-data/rover.pilot/internal/occupancy"
)

func init() {
	monitoring.SetLogger(nil)
}

func TestDecodeFrame(t *testing.T) {
	now := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		data    string
		wantErr bool
		want    occupancy.Frame
	}{
		{
			name: "full frame",
			data: `{"at": 1772355600000, "left": 0.2, "center": 0.8, "right": 0.4}`,
			want: occupancy.Frame{At: time.UnixMilli(1772355600000), Left: 0.2, Center: 0.8, Right: 0.4},
		},
		{
			name: "no timestamp uses arrival time",
			data: `{"left": 0, "center": 0.5, "right": 1}`,
			want: occupancy.Frame{At: now, Left: 0, Center: 0.5, Right: 1},
		},
		{
			name: "scores clamped",
			data: `{"left": -0.5, "center": 1.7, "right": 0.3}`,
			want: occupancy.Frame{At: now, Left: 0, Center: 1, Right: 0.3},
		},
		{name: "not JSON", data: `hello`, wantErr: true},
		{name: "missing column", data: `{"left": 0.1, "center": 0.2}`, wantErr: true},
		{name: "empty object", data: `{}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := decodeFrame([]byte(tt.data), now)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("decodeFrame(%q) = %+v, want error", tt.data, f)
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeFrame(%q) error: %v", tt.data, err)
			}
			if !f.At.Equal(tt.want.At) || f.Left != tt.want.Left || f.Center != tt.want.Center || f.Right != tt.want.Right {
				t.Errorf("decodeFrame(%q) = %+v, want %+v", tt.data, f, tt.want)
			}
		})
	}
}

func TestListenerDeliversFrames(t *testing.T) {
	l := NewListener(Config{Address: "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Start(ctx)
	}()

	// Wait for the socket to bind.
	var addr net.Addr
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if addr = l.LocalAddr(); addr != nil {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if addr == nil {
		t.Fatal("listener never bound")
	}

	conn, err := net.Dial("udp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// A malformed datagram first: it must be dropped without killing the
	// listener.
	conn.Write([]byte("not json"))
	conn.Write([]byte(`{"left": 0.1, "center": 0.9, "right": 0.2}`))

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f, ok := l.Frames().Peek(); ok {
			if f.Center != 0.9 {
				t.Errorf("frame center = %f, want 0.9", f.Center)
			}
			cancel()
			<-done
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("no frame delivered")
}

func TestListenerOverwritesOldFrames(t *testing.T) {
	l := NewListener(Config{Address: "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Start(ctx)
	}()

	var addr net.Addr
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if addr = l.LocalAddr(); addr != nil {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if addr == nil {
		t.Fatal("listener never bound")
	}

	conn, err := net.Dial("udp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Burst of frames while nobody reads: the mailbox keeps only the
	// freshest one.
	conn.Write([]byte(`{"left": 0.1, "center": 0.1, "right": 0.1}`))
	conn.Write([]byte(`{"left": 0.2, "center": 0.2, "right": 0.2}`))
	conn.Write([]byte(`{"left": 0.3, "center": 0.3, "right": 0.3}`))

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f, ok := l.Frames().Peek(); ok && f.Center == 0.3 {
			cancel()
			<-done
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("latest frame never observed")
}
