package transcribe

import (
	"context"
	"time"
)

// TranscriptEvent is one fragment of recognized speech, in provider-delivered
// order. Interim fragments may be superseded by a later final fragment that
// covers overlapping text.
type TranscriptEvent struct {
	Text        string
	IsFinal     bool
	ArrivalTime time.Time
}

// Listener receives provider callbacks. All callbacks fire on the provider's
// own goroutines; implementations must hand work back to the session's
// scheduler before touching session state.
type Listener struct {
	OnTranscript func(TranscriptEvent)
	OnError      func(error)
	OnClose      func()
}

// Provider is the minimal interface for a realtime STT stream.
// SendAudio accepts PCM 16-bit little-endian mono buffers.
type Provider interface {
	Start(ctx context.Context) error
	SendAudio(pcm []byte) error
	Stop() error
}
