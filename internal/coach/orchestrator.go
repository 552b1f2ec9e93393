package coach

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"
)

// Generation timing. The timeout is measured from invocation; the batch
// interval paces chunk events for smooth client-side rendering.
const (
	GuidanceTimeout = 8 * time.Second
	BatchInterval   = 80 * time.Millisecond
)

// Orchestrator gate states. The gate is an explicit two-state machine with
// compare-and-set semantics so the single-flight invariant is verifiable.
const (
	gateIdle int32 = iota
	gateGenerating
)

// GuidanceRequest is what the generation backend receives. Snapshot is nil
// when no state machine exists yet; Legacy carries the minimal fallback
// context in that case.
type GuidanceRequest struct {
	Snapshot  *Snapshot
	Legacy    LegacyContext
	Trigger   string
	Agency    string
	SessionID string
}

// LegacyContext is the minimal pre-state-machine call context.
type LegacyContext struct {
	CallType         string
	CurrentProduct   string
	ClientAge        string
	ClientOccupation string
	ClientFamily     string
	RecentTranscript string
}

// GuidanceBackend produces streamed coaching text. Both channels close when
// the stream ends; retrieval is internal to the backend.
type GuidanceBackend interface {
	DetectPriceObjection(text string) bool
	StreamGuidance(ctx context.Context, req GuidanceRequest) (<-chan string, <-chan error)
}

// GenerateInput carries everything one generation needs, captured on the
// session loop at dispatch time.
type GenerateInput struct {
	Buffer string
	State  *CallStateMachine // nil until a call type arrives
	Legacy LegacyContext
	Agency string
	// OnFinished runs on the session loop after a non-empty completion,
	// typically to clear the transcript buffer.
	OnFinished func()
}

// GuidanceOrchestrator owns the single-flight invariant, timeout enforcement,
// token rebatching and completion bookkeeping for one session.
type GuidanceOrchestrator struct {
	sessionID string
	backend   GuidanceBackend
	sink      EventSink
	sched     *Scheduler

	timeout       time.Duration
	batchInterval time.Duration

	gate int32
}

// NewGuidanceOrchestrator wires an orchestrator for one session.
func NewGuidanceOrchestrator(sessionID string, backend GuidanceBackend, sink EventSink, sched *Scheduler) *GuidanceOrchestrator {
	return &GuidanceOrchestrator{
		sessionID:     sessionID,
		backend:       backend,
		sink:          sink,
		sched:         sched,
		timeout:       GuidanceTimeout,
		batchInterval: BatchInterval,
	}
}

// Generating reports whether a generation is in flight.
func (o *GuidanceOrchestrator) Generating() bool {
	return atomic.LoadInt32(&o.gate) == gateGenerating
}

// Generate starts guidance generation unless the buffer is empty or one is
// already in flight. A trigger arriving while generating is dropped, never
// queued; the next qualifying transcript event is the retry mechanism.
func (o *GuidanceOrchestrator) Generate(in GenerateInput) {
	buffer := strings.TrimSpace(in.Buffer)
	if buffer == "" {
		log.Printf("[%s] guidance: empty transcript buffer, skipping", o.sessionID)
		return
	}
	if o.backend == nil {
		log.Printf("[%s] guidance: no backend configured, skipping", o.sessionID)
		return
	}
	if !atomic.CompareAndSwapInt32(&o.gate, gateIdle, gateGenerating) {
		log.Printf("[%s] guidance: already generating, skipping", o.sessionID)
		return
	}
	log.Printf("[%s] guidance: starting for %q", o.sessionID, truncate(buffer, 60))
	go o.run(in, buffer)
}

func (o *GuidanceOrchestrator) run(in GenerateInput, buffer string) {
	// The gate must clear on every path or the session is permanently stuck.
	defer atomic.StoreInt32(&o.gate, gateIdle)

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	trigger := tail(buffer, 100)

	if o.backend.DetectPriceObjection(buffer) {
		log.Printf("[%s] guidance: price objection detected", o.sessionID)
		o.send(Event{Type: EventPriceObjection, Trigger: trigger})
		if in.State != nil {
			in.State.RecordObjection("price", tail(buffer, 200))
		}
	}

	req := GuidanceRequest{Trigger: buffer, Agency: in.Agency, SessionID: o.sessionID}
	if in.State != nil {
		snap := in.State.Snapshot()
		req.Snapshot = &snap
		log.Printf("[%s] guidance: using call state (phase=%s, down_close=%d)",
			o.sessionID, snap.Phase, snap.DownCloseLevel)
	} else {
		req.Legacy = in.Legacy
		log.Printf("[%s] guidance: using legacy context (no state machine)", o.sessionID)
	}

	fragments, errs := o.backend.StreamGuidance(ctx, req)

	var full, batch strings.Builder
	first := true
	lastFlush := time.Now()
	fragsOpen, errsOpen := true, true

	for fragsOpen || errsOpen {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				// Whatever already streamed stands; no completion event.
				log.Printf("[%s] guidance: generation timed out after %s", o.sessionID, o.timeout)
			} else {
				log.Printf("[%s] guidance: generation canceled", o.sessionID)
			}
			return
		case frag, ok := <-fragments:
			if !ok {
				fragsOpen = false
				continue
			}
			if frag == "" {
				continue
			}
			full.WriteString(frag)
			batch.WriteString(frag)
			now := time.Now()
			// First fragment goes out immediately to minimize perceived
			// latency; the rest flush on the batch interval.
			if first || now.Sub(lastFlush) >= o.batchInterval {
				evType := EventGuidanceChunk
				if first {
					evType = EventGuidanceStart
				}
				o.send(Event{Type: evType, Trigger: trigger, Chunk: batch.String(), FullText: full.String()})
				batch.Reset()
				lastFlush = now
				first = false
			}
		case err, ok := <-errs:
			if !ok {
				errsOpen = false
				continue
			}
			if err != nil {
				log.Printf("[%s] guidance: backend error: %v", o.sessionID, err)
				return
			}
		}
	}

	if batch.Len() > 0 {
		o.send(Event{Type: EventGuidanceChunk, Trigger: trigger, Chunk: batch.String(), FullText: full.String()})
	}

	if full.Len() == 0 {
		log.Printf("[%s] guidance: no guidance text generated", o.sessionID)
		return
	}

	log.Printf("[%s] guidance: complete (%d chars)", o.sessionID, full.Len())
	if in.State != nil {
		in.State.RecordGuidance(full.String(), trigger)
	}
	o.send(Event{Type: EventGuidanceComplete, Guidance: full.String(), Trigger: trigger})

	if in.OnFinished != nil {
		o.sched.Schedule(in.OnFinished)
	}
}

func (o *GuidanceOrchestrator) send(ev Event) {
	if o.sink == nil {
		return
	}
	if err := o.sink.Send(ev); err != nil {
		// Client already went away; output is simply discarded.
		log.Printf("[%s] guidance: push channel closed, dropping %s", o.sessionID, ev.Type)
	}
}

func tail(s string, n int) string {
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}
