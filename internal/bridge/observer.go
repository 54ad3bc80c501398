package bridge

import (
	"github.com/MrWong99/callscreen/pkg/audio"
	"github.com/MrWong99/callscreen/pkg/provider/s2s"
)

// Direction tells which way an audio frame travels through the bridge.
type Direction string

const (
	// Inbound audio comes from the caller and goes to the model.
	Inbound Direction = "inbound"

	// Outbound audio comes from the model and goes to the caller.
	Outbound Direction = "outbound"
)

// Observer receives lifecycle and audio notifications from bridge sessions,
// e.g. to feed a dashboard. Callbacks run on the session's pump goroutines and
// must not block.
type Observer interface {
	OnStateChange(sessionID string, state State)
	OnVerdict(sessionID string, v Verdict)
	OnTranscript(sessionID string, t s2s.Transcript)
	OnAudio(sessionID string, dir Direction, frame audio.AudioFrame)
	OnError(sessionID string, err error)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) OnStateChange(string, State) {}
func (NopObserver) OnVerdict(string, Verdict) {}
func (NopObserver) OnTranscript(string, s2s.Transcript) {}
func (NopObserver) OnAudio(string, Direction, audio.AudioFrame) {}
func (NopObserver) OnError(string, error) {}

// multiObserver fans notifications out to several observers in order.
type multiObserver []Observer

// Observers combines observers into one. Nil entries are skipped.
func Observers(obs ...Observer) Observer {
	var out multiObserver
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

func (m multiObserver) OnStateChange(id string, s State) {
	for _, o := range m {
		o.OnStateChange(id, s)
	}
}

func (m multiObserver) OnVerdict(id string, v Verdict) {
	for _, o := range m {
		o.OnVerdict(id, v)
	}
}

func (m multiObserver) OnTranscript(id string, t s2s.Transcript) {
	for _, o := range m {
		o.OnTranscript(id, t)
	}
}

func (m multiObserver) OnAudio(id string, dir Direction, frame audio.AudioFrame) {
	for _, o := range m {
		o.OnAudio(id, dir, frame)
	}
}

func (m multiObserver) OnError(id string, err error) {
	for _, o := range m {
		o.OnError(id, err)
	}
}
