// Package speech manages per-connection streaming speech recognition and
// normalises provider events into interim, final, error and closed.
package speech

import (
	"context"
)

type EventKind string

const (
	KindInterim EventKind = "interim"
	KindFinal   EventKind = "final"
	KindError   EventKind = "error"
	KindClosed  EventKind = "closed"
)

// Event is one normalised provider event. Err is set only for KindError.
type Event struct {
	Kind EventKind
	Text string
	Err  *ProviderError
}

// ProviderError is a provider-reported fault in the shape sent to clients.
type ProviderError struct {
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}

func (e *ProviderError) Error() string { return e.Message }

// Options configures a recognition stream.
type Options struct {
	Format     string
	SampleRate int
	Language   string
}

// DefaultOptions matches the browser capture pipeline: 16 kHz mono PCM.
func DefaultOptions() Options {
	return Options{Format: "pcm", SampleRate: 16000}
}

// Provider opens streaming recognition sessions.
type Provider interface {
	Name() string
	// Open blocks until the provider confirms the session started. A failure
	// to start should be reported as *ProviderError where possible.
	Open(ctx context.Context, opts Options) (Stream, error)
}

// Stream is one live recognition session. Events is closed when the session
// ends; Close is safe to call more than once.
type Stream interface {
	SendAudio(frame []byte) error
	Events() <-chan Event
	Close() error
}
