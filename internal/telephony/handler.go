package telephony

import (
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
)

// MediaPath is where Twilio connects the media stream.
const MediaPath = "/media-stream"

type twiml struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL string `xml:"url,attr"`
}

// StreamURL returns the WebSocket URL of the media endpoint on host.
func StreamURL(host string) string {
	u := url.URL{Scheme: "wss", Host: host, Path: MediaPath}
	return u.String()
}

// TwiML renders the webhook response that connects the call's audio to the
// media endpoint on host.
func TwiML(host string) ([]byte, error) {
	body, err := xml.Marshal(twiml{Connect: twimlConnect{Stream: twimlStream{URL: StreamURL(host)}}})
	if err != nil {
		return nil, fmt.Errorf("telephony: render twiml: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// IncomingCallHandler answers Twilio's incoming-call webhook. publicHost is
// the externally reachable host name of this server; when empty the
// request's Host header is used.
func IncomingCallHandler(publicHost string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host := publicHost
		if host == "" {
			host = r.Host
		}
		body, err := TwiML(host)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := r.ParseForm(); err == nil {
			slog.Info("telephony: incoming call", "call_sid", r.PostForm.Get("CallSid"), "from", r.PostForm.Get("From"))
		}
		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write(body)
	}
}

// Accept upgrades a media-stream request and returns the running [Stream].
// On failure Accept has already written an HTTP error response. The stream
// is bound to the request's context, so the handler must not return before
// the call ends.
func Accept(w http.ResponseWriter, r *http.Request, opts ...Option) (*Stream, error) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("telephony: accept media socket: %w", err)
	}
	return NewStream(r.Context(), conn, opts...), nil
}
