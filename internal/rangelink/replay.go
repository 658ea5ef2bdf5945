package rangelink

import (
	"io"
	"time"
)

// replayPort feeds canned firmware lines through an in-process pipe at a
// fixed interval, looping forever. It backs the -dev mode so the daemon can
// run without sensor hardware.
type replayPort struct {
	r       *io.PipeReader
	w       *io.PipeWriter
	done    chan struct{}
	closing chan struct{}
}

// ReplayOpener returns an Opener whose ports emit the given lines, one per
// interval, cycling back to the start when exhausted.
func ReplayOpener(lines []string, interval time.Duration) Opener {
	return func() (Porter, error) {
		r, w := io.Pipe()
		p := &replayPort{
			r:       r,
			w:       w,
			done:    make(chan struct{}),
			closing: make(chan struct{}),
		}

		go func() {
			defer close(p.done)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			i := 0
			for {
				select {
				case <-p.closing:
					return
				case <-ticker.C:
					if len(lines) == 0 {
						continue
					}
					if _, err := w.Write([]byte(lines[i%len(lines)] + "\n")); err != nil {
						return
					}
					i++
				}
			}
		}()

		return p, nil
	}
}

func (p *replayPort) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *replayPort) Write(b []byte) (int, error) { return len(b), nil }

func (p *replayPort) Close() error {
	close(p.closing)
	p.w.Close()
	p.r.Close()
	<-p.done
	return nil
}
