package local

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/callscreen/pkg/audio"
	"github.com/MrWong99/callscreen/pkg/audio/playback"
)

// defaultLead is how far ahead of its start time a frame is handed to the
// player, to cover the player's own pipe and device latency.
const defaultLead = 80 * time.Millisecond

// ErrSpeakerClosed is returned by Schedule after Close.
var ErrSpeakerClosed = errors.New("local: speaker closed")

var _ playback.Output = (*Speaker)(nil)

type scheduledFrame struct {
	data []byte
	at   time.Duration
}

// Speaker writes PCM to a player process at scheduled positions on a wall
// clock that starts when the speaker is created. It implements
// [playback.Output].
type Speaker struct {
	w      io.Writer
	closer func() error
	start  time.Time
	lead   time.Duration

	mu    sync.Mutex
	queue []*scheduledFrame
	err   error

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// newSpeaker starts the write loop. closer, if non-nil, releases w on Close.
func newSpeaker(w io.Writer, closer func() error) *Speaker {
	s := &Speaker{
		w:      w,
		closer: closer,
		start:  time.Now(),
		lead:   defaultLead,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// Now implements [playback.Output].
func (s *Speaker) Now() time.Duration { return time.Since(s.start) }

// Schedule implements [playback.Output].
func (s *Speaker) Schedule(frame audio.AudioFrame, at time.Duration) error {
	s.mu.Lock()
	switch {
	case s.err != nil:
		err := s.err
		s.mu.Unlock()
		return err
	case s.isStopped():
		s.mu.Unlock()
		return ErrSpeakerClosed
	}
	s.queue = append(s.queue, &scheduledFrame{data: frame.Data, at: at})
	s.mu.Unlock()
	s.signal()
	return nil
}

// Clear drops every frame that has not been written yet.
func (s *Speaker) Clear() {
	s.mu.Lock()
	s.queue = nil
	s.mu.Unlock()
	s.signal()
}

// Close stops writing and releases the player. Idempotent.
func (s *Speaker) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
		if s.closer != nil {
			err = s.closer()
		}
	})
	return err
}

func (s *Speaker) isStopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Speaker) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Speaker) writeLoop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.stop:
				return
			}
		}
		head := s.queue[0]
		s.mu.Unlock()

		if d := head.at - s.lead - s.Now(); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-t.C:
			case <-s.wake:
				// The queue changed; re-check the head.
				t.Stop()
				continue
			case <-s.stop:
				t.Stop()
				return
			}
		}

		s.mu.Lock()
		if len(s.queue) == 0 || s.queue[0] != head {
			s.mu.Unlock()
			continue
		}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if _, err := s.w.Write(head.data); err != nil {
			s.mu.Lock()
			s.err = fmt.Errorf("local: speaker write: %w", err)
			s.queue = nil
			s.mu.Unlock()
			return
		}
	}
}
