// Package playback schedules audio frames back-to-back on an output device
// whose clock runs independently of the bridge.
//
// The remote speech session delivers audio in bursts that are usually faster
// than real time. The [Scheduler] keeps a cursor at the end of everything it
// has queued so far and places each new frame at that cursor, or at the
// device's current time if the device has already caught up. Frames therefore
// play gaplessly while audio keeps arriving and without a pile-up of stale
// audio after a pause.
package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/callscreen/pkg/audio"
)

// Output is an audio sink that accepts frames with an explicit start time
// measured on its own clock.
type Output interface {
	// Now returns the output's current playback position.
	Now() time.Duration

	// Schedule queues frame to start playing at the given position.
	Schedule(frame audio.AudioFrame, at time.Duration) error
}

// Scheduler places frames on an [Output] without gaps or overlaps.
// All methods are safe for concurrent use.
type Scheduler struct {
	out Output

	mu   sync.Mutex
	next time.Duration
}

// NewScheduler returns a Scheduler for out with its cursor at zero.
func NewScheduler(out Output) *Scheduler {
	return &Scheduler{out: out}
}

// Enqueue schedules frame at max(cursor, out.Now()) and advances the cursor
// by the frame's duration. It returns the start position chosen for frame.
// Empty frames are accepted and do not move the cursor.
func (s *Scheduler) Enqueue(frame audio.AudioFrame) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := max(s.next, s.out.Now())
	if err := s.out.Schedule(frame, start); err != nil {
		return 0, fmt.Errorf("playback: schedule at %v: %w", start, err)
	}
	s.next = start + frame.Duration()
	return start, nil
}

// Next returns the position right after the last scheduled frame.
func (s *Scheduler) Next() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Reset moves the cursor back to zero. Call it when the session ends or the
// output is flushed.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.next = 0
	s.mu.Unlock()
}
