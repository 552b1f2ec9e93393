package coach

// Event types pushed to the agent's screen over the session's push channel.
const (
	EventTranscript       = "transcript"
	EventGuidanceStart    = "guidance_start"
	EventGuidanceChunk    = "guidance_chunk"
	EventGuidanceComplete = "guidance_complete"
	EventPriceObjection   = "price_objection"
	EventError            = "error"
	EventReady            = "ready"
	EventStreamEnded      = "stream_ended"
)

// Event is the wire format for all client push messages. Fields are populated
// per Type; unused fields are omitted.
type Event struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	IsFinal  bool   `json:"is_final,omitempty"`
	Trigger  string `json:"trigger,omitempty"`
	Chunk    string `json:"chunk,omitempty"`
	FullText string `json:"full_text,omitempty"`
	Guidance string `json:"guidance,omitempty"`
	Message  string `json:"message,omitempty"`
}

// EventSink delivers events to the client. Send must be safe to call after the
// underlying channel has closed: it returns an error, it never panics.
type EventSink interface {
	Send(ev Event) error
}
