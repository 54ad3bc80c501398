// Package mock provides test doubles for the s2s interfaces.
//
// A Provider hands out a scripted Session and records how it was asked to
// connect. A Session lets a test play the model: Emit pushes events to the
// bridge, Hangup ends the session from the remote side, and the accessor
// methods report what the bridge sent.
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	// ... start the bridge with p ...
//	sess.Emit(s2s.Event{ToolCall: &s2s.ToolCall{ID: "1", Name: "report_verdict", Args: args}})
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/callscreen/pkg/audio"
	"github.com/MrWong99/callscreen/pkg/provider/s2s"
)

var (
	_ s2s.Provider      = (*Provider)(nil)
	_ s2s.SessionHandle = (*Session)(nil)
)

// ConnectCall is one recorded Provider.Connect.
type ConnectCall struct {
	Ctx context.Context
	Cfg s2s.SessionConfig
}

// Provider is a scripted [s2s.Provider]. Set the exported fields before use.
type Provider struct {
	// Session is returned by Connect. Nil means a fresh [NewSession] per call.
	Session s2s.SessionHandle

	// ConnectErr fails every Connect.
	ConnectErr error

	// Gate, when set, holds Connect until it is closed or the context ends.
	Gate chan struct{}

	ProviderCapabilities s2s.Capabilities

	mu    sync.Mutex
	calls []ConnectCall
}

// Connect implements [s2s.Provider].
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.calls = append(p.calls, ConnectCall{Ctx: ctx, Cfg: cfg})
	p.mu.Unlock()

	if p.Gate != nil {
		select {
		case <-p.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	switch {
	case p.ConnectErr != nil:
		return nil, p.ConnectErr
	case p.Session != nil:
		return p.Session, nil
	}
	return NewSession(), nil
}

// Capabilities implements [s2s.Provider].
func (p *Provider) Capabilities() s2s.Capabilities { return p.ProviderCapabilities }

// Calls returns the Connect calls so far.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.calls)
}

// InjectTextContextCall is one recorded InjectTextContext.
type InjectTextContextCall struct {
	Items []s2s.ContextItem
}

// Session is a scripted [s2s.SessionHandle].
//
// Close releases a blocked Emit but leaves the events channel open; only
// Hangup closes it, the way a real session ends when the remote side goes
// away.
type Session struct {
	// SendAudioErr fails every SendAudio. Set it before the session is used.
	SendAudioErr error

	events chan s2s.Event
	done   chan struct{}

	closeOnce  sync.Once
	hangupOnce sync.Once

	mu        sync.Mutex
	err       error
	frames    []audio.AudioFrame
	responses []s2s.ToolResponse
	injected  []InjectTextContextCall
	closes    int
}

// NewSession returns a Session whose events channel buffers 64 events.
func NewSession() *Session {
	return &Session{
		events: make(chan s2s.Event, 64),
		done:   make(chan struct{}),
	}
}

// Emit hands ev to the consumer. It reports false if the session was closed
// first. Do not call it after Hangup.
func (s *Session) Emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Hangup ends the session from the remote side with err as its Err.
func (s *Session) Hangup(err error) {
	s.hangupOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.events)
	})
}

// SendAudio implements [s2s.SessionHandle]. The frame data is copied.
func (s *Session) SendAudio(frame audio.AudioFrame) error {
	frame.Data = slices.Clone(frame.Data)
	s.mu.Lock()
	s.frames = append(s.frames, frame)
	s.mu.Unlock()
	return s.SendAudioErr
}

// SendToolResponse implements [s2s.SessionHandle].
func (s *Session) SendToolResponse(resp s2s.ToolResponse) error {
	s.mu.Lock()
	s.responses = append(s.responses, resp)
	s.mu.Unlock()
	return nil
}

// InjectTextContext implements [s2s.SessionHandle].
func (s *Session) InjectTextContext(items []s2s.ContextItem) error {
	s.mu.Lock()
	s.injected = append(s.injected, InjectTextContextCall{Items: slices.Clone(items)})
	s.mu.Unlock()
	return nil
}

// Events implements [s2s.SessionHandle].
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Err implements [s2s.SessionHandle].
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [s2s.SessionHandle].
func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	return nil
}

// SentFrames returns the frames passed to SendAudio.
func (s *Session) SentFrames() []audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.frames)
}

// ToolResponses returns the responses passed to SendToolResponse.
func (s *Session) ToolResponses() []s2s.ToolResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.responses)
}

// Injected returns the recorded InjectTextContext calls.
func (s *Session) Injected() []InjectTextContextCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.injected)
}

// Closes returns how often Close was called.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}
