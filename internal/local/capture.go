// Package local bridges the machine's own microphone and speaker, for
// screening a call held next to the computer or for trying a screener
// without a telephone line.
//
// Capture and playback run through ffmpeg and ffplay so that no cgo audio
// bindings are needed. The microphone is read in fixed frames of
// [FrameSamples] samples; remote audio is queued on a [playback.Scheduler]
// and written to the speaker at its scheduled time.
package local

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// FrameSamples is the number of samples in one captured microphone frame.
const FrameSamples = 4096

// Capture delivers fixed-size PCM frames read from a microphone source.
type Capture struct {
	frames chan []byte
	done   chan struct{}
	stop   chan struct{}

	mu  sync.Mutex
	err error

	stopOnce sync.Once
	kill     func()
}

// newCapture reads FrameSamples-sample frames from r until it ends. wait
// reports why the source ended; kill stops the source on Close.
func newCapture(r io.Reader, wait func() error, kill func()) *Capture {
	c := &Capture{
		frames: make(chan []byte, 8),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
		kill:   kill,
	}
	go c.readLoop(r, wait)
	return c
}

// Frames returns the captured frames. The channel is closed when capture
// stops.
func (c *Capture) Frames() <-chan []byte { return c.frames }

// Err returns the reason capture stopped on its own, or nil.
func (c *Capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close stops the source and waits for the reader to exit. Idempotent.
func (c *Capture) Close() error {
	c.stopOnce.Do(func() {
		close(c.stop)
		if c.kill != nil {
			c.kill()
		}
	})
	<-c.done
	return nil
}

func (c *Capture) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *Capture) readLoop(r io.Reader, wait func() error) {
	defer close(c.done)
	defer close(c.frames)

	for {
		buf := make([]byte, FrameSamples*2)
		if _, err := io.ReadFull(r, buf); err != nil {
			var werr error
			if wait != nil {
				werr = wait()
			}
			switch {
			case c.stopped():
			case werr != nil:
				c.setErr(fmt.Errorf("local: capture: %w", werr))
			case !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF):
				c.setErr(fmt.Errorf("local: capture: %w", err))
			}
			return
		}
		select {
		case c.frames <- buf:
		case <-c.stop:
			if wait != nil {
				_ = wait()
			}
			return
		}
	}
}

func (c *Capture) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}
