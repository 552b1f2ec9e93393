package coach

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coachd/coachd/internal/transcribe"
)

// Audio format for duration derivation: 16-bit linear PCM mono.
const bytesPerSample = 2

// UsageCollector receives fire-and-forget usage records at session teardown.
type UsageCollector interface {
	LogTranscriptionUsage(durationSeconds float64, agency, sessionID string)
	LogTelephonyUsage(durationSeconds float64, agency, sessionID string)
}

// ProviderFactory builds the transcription provider for a session, wired to
// the session's listener. Kept as a seam so tests inject fakes.
type ProviderFactory func(listener transcribe.Listener) transcribe.Provider

// ContextUpdate carries client/call information pushed by the frontend at any
// point before or during the session.
type ContextUpdate struct {
	CallType         string `json:"call_type,omitempty"`
	CurrentProduct   string `json:"current_product,omitempty"`
	ClientAge        string `json:"client_age,omitempty"`
	ClientOccupation string `json:"client_occupation,omitempty"`
	ClientFamily     string `json:"client_family,omitempty"`
	Budget           string `json:"budget,omitempty"`
	Agency           string `json:"agency,omitempty"`
}

// SessionDeps are the collaborators a session needs.
type SessionDeps struct {
	Provider   ProviderFactory
	Backend    GuidanceBackend
	Sink       EventSink
	Policy     *TriggerPolicy
	Usage      UsageCollector
	SampleRate int // PCM sample rate of the inbound audio; 16000 default
}

// Session owns the coaching pipeline for one live call. All session state is
// touched only from the scheduler's loop; the audio path and control inputs
// cross through atomics or the state machine's own lock.
type Session struct {
	ID string

	sched    *Scheduler
	provider transcribe.Provider
	sink     EventSink
	detector *TriggerDetector
	orch     *GuidanceOrchestrator
	usage    UsageCollector

	// loop-owned state
	state  *CallStateMachine
	legacy LegacyContext
	agency string

	sampleRate int
	running    atomic.Bool
	audioBytes atomic.Int64
	startedAt  time.Time

	stateMu  sync.Mutex // guards the state pointer for cross-goroutine reads
	stopOnce sync.Once
}

// NewSession assembles a session; Start must be called before audio flows.
func NewSession(id string, deps SessionDeps) *Session {
	if deps.Policy == nil {
		deps.Policy = DefaultTriggerPolicy()
	}
	sampleRate := deps.SampleRate
	if sampleRate == 0 {
		sampleRate = 16000
	}
	s := &Session{
		ID:         id,
		sched:      NewScheduler(id),
		sink:       deps.Sink,
		usage:      deps.Usage,
		sampleRate: sampleRate,
	}
	s.orch = NewGuidanceOrchestrator(id, deps.Backend, deps.Sink, s.sched)
	s.detector = NewTriggerDetector(deps.Policy, s.orch.Generating)
	if deps.Provider != nil {
		s.provider = deps.Provider(transcribe.Listener{
			OnTranscript: s.onProviderTranscript,
			OnError:      s.onProviderError,
			OnClose:      s.onProviderClose,
		})
	}
	return s
}

// Start connects the transcription provider and marks the session running.
func (s *Session) Start(ctx context.Context) error {
	s.startedAt = time.Now()
	if s.provider != nil {
		if err := s.provider.Start(ctx); err != nil {
			s.sendEvent(Event{Type: EventError, Message: err.Error()})
			return fmt.Errorf("session %s: start provider: %w", s.ID, err)
		}
	}
	s.running.Store(true)
	s.sendEvent(Event{Type: EventReady, Message: "Live coaching active"})
	log.Printf("[%s] session started (rate=%d)", s.ID, s.sampleRate)
	return nil
}

// Running reports whether the session accepts audio.
func (s *Session) Running() bool { return s.running.Load() }

// SendAudio forwards PCM to the transcription provider and accounts bytes for
// usage derivation. A send timeout marks the session non-running; the error
// is not propagated to the audio source.
func (s *Session) SendAudio(pcm []byte) {
	if !s.running.Load() || s.provider == nil {
		return
	}
	s.audioBytes.Add(int64(len(pcm)))
	if err := s.provider.SendAudio(pcm); err != nil {
		log.Printf("[%s] audio send failed, marking session non-running: %v", s.ID, err)
		s.running.Store(false)
	}
}

// UpdateContext applies a context update on the session loop. First arrival
// of a call type lazily constructs the call state machine.
func (s *Session) UpdateContext(u ContextUpdate) {
	s.sched.Schedule(func() { s.applyContext(u) })
}

// ApplyDownClose raises the down-close level. It reports false at the cap or
// when no state machine exists yet.
func (s *Session) ApplyDownClose() bool {
	s.stateMu.Lock()
	state := s.state
	s.stateMu.Unlock()
	if state == nil {
		return false
	}
	ok := state.ApplyDownClose()
	log.Printf("[%s] down-close applied: level=%d, success=%v", s.ID, state.DownCloseLevel(), ok)
	return ok
}

// Stop tears the session down: provider close, usage emission, loop shutdown.
// Both explicit stop and provider-side close converge here exactly once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.running.Store(false)
		if s.provider != nil {
			_ = s.provider.Stop()
		}
		s.logSessionUsage()
		s.sendEvent(Event{Type: EventStreamEnded})
		s.sched.Stop()
		log.Printf("[%s] session stopped", s.ID)
	})
}

// onProviderTranscript fires on the provider's goroutine; all business logic
// re-enters through the scheduler.
func (s *Session) onProviderTranscript(ev transcribe.TranscriptEvent) {
	s.sched.Schedule(func() { s.ingest(ev) })
}

func (s *Session) onProviderError(err error) {
	s.sched.Schedule(func() {
		log.Printf("[%s] provider error: %v", s.ID, err)
		s.running.Store(false)
		s.sendEvent(Event{Type: EventError, Message: err.Error()})
	})
}

func (s *Session) onProviderClose() {
	// Provider-side close is a full teardown, same as an explicit stop.
	s.sched.Schedule(s.Stop)
}

// ingest normalizes and routes one transcript event: push to the client
// unconditionally, evaluate triggers, then append finals to the buffers.
func (s *Session) ingest(ev transcribe.TranscriptEvent) {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return
	}

	s.sendEvent(Event{Type: EventTranscript, Text: text, IsFinal: ev.IsFinal})

	if decision := s.detector.Evaluate(ev); decision.Fire {
		s.dispatchGuidance(decision)
	}

	if ev.IsFinal {
		s.detector.AppendFinal(text)
		if s.state != nil {
			s.state.AddTranscript(text, true)
		}
	}
}

func (s *Session) dispatchGuidance(decision Decision) {
	s.orch.Generate(GenerateInput{
		Buffer: decision.Buffer,
		State:  s.state,
		Legacy: s.legacyContext(),
		Agency: s.agency,
		OnFinished: func() {
			s.detector.ClearBuffer()
		},
	})
}

func (s *Session) applyContext(u ContextUpdate) {
	if u.CallType != "" {
		s.legacy.CallType = u.CallType
		log.Printf("[%s] call type set to: %s", s.ID, u.CallType)
	}
	if u.CurrentProduct != "" {
		s.legacy.CurrentProduct = u.CurrentProduct
	}
	if u.ClientAge != "" {
		s.legacy.ClientAge = u.ClientAge
	}
	if u.ClientOccupation != "" {
		s.legacy.ClientOccupation = u.ClientOccupation
	}
	if u.ClientFamily != "" {
		s.legacy.ClientFamily = u.ClientFamily
	}
	if u.Agency != "" {
		s.agency = u.Agency
		log.Printf("[%s] agency set to: %s", s.ID, u.Agency)
	}

	if u.CallType != "" && s.state == nil {
		isPhone := u.CallType == "phone" || u.CallType == "phone_call" || u.CallType == "appointment"
		state := NewCallStateMachine(s.ID, isPhone)
		s.stateMu.Lock()
		s.state = state
		s.stateMu.Unlock()
		log.Printf("[%s] state machine created", s.ID)
	}
	if s.state != nil {
		s.state.UpdateProfile(ClientProfile{
			Age:        u.ClientAge,
			Occupation: u.ClientOccupation,
			Family:     u.ClientFamily,
			Budget:     u.Budget,
		})
	}
}

func (s *Session) legacyContext() LegacyContext {
	legacy := s.legacy
	legacy.RecentTranscript = tail(s.detector.Buffer(), 500)
	return legacy
}

// logSessionUsage derives audio duration from accumulated bytes and emits a
// fire-and-forget usage record.
func (s *Session) logSessionUsage() {
	total := s.audioBytes.Load()
	if total == 0 || s.usage == nil {
		return
	}
	bytesPerSecond := float64(s.sampleRate * bytesPerSample)
	duration := float64(total) / bytesPerSecond
	wall := time.Since(s.startedAt)
	log.Printf("[%s] session usage: audio=%.1fs (%d bytes), wall=%.1fs, agency=%s",
		s.ID, duration, total, wall.Seconds(), s.agency)
	s.usage.LogTranscriptionUsage(duration, s.agency, s.ID)
}

func (s *Session) sendEvent(ev Event) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Send(ev); err != nil {
		log.Printf("[%s] push channel closed, dropping %s", s.ID, ev.Type)
	}
}
