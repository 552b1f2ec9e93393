package coach

import (
	"strings"
	"sync"
	"time"
)

// Phase is the coarse stage of a sales call. Transitions advance forward in
// the common path; SetPhase allows explicit correction from outside signals.
type Phase string

const (
	PhaseGreeting          Phase = "greeting"
	PhaseDiscovery         Phase = "discovery"
	PhasePresentation      Phase = "presentation"
	PhaseObjectionHandling Phase = "objection_handling"
	PhaseClosing           Phase = "closing"
)

var phaseOrder = map[Phase]int{
	PhaseGreeting:          0,
	PhaseDiscovery:         1,
	PhasePresentation:      2,
	PhaseObjectionHandling: 3,
	PhaseClosing:           4,
}

// DownCloseMax caps the concession ladder for one call.
const DownCloseMax = 3

// recentTranscriptLimit bounds the transcript slice carried in snapshots.
const recentTranscriptLimit = 20

// ClientProfile holds what is known about the prospect. Fields are set when
// context updates supply them.
type ClientProfile struct {
	Age        string `json:"age,omitempty"`
	Occupation string `json:"occupation,omitempty"`
	Family     string `json:"family,omitempty"`
	Budget     string `json:"budget,omitempty"`
}

// Objection is one logged objection occurrence.
type Objection struct {
	Kind    string    `json:"kind"`
	Excerpt string    `json:"excerpt"`
	At      time.Time `json:"at"`
}

// GuidanceRecord is one delivered guidance, kept so the generation backend
// does not repeat itself and for post-call audit.
type GuidanceRecord struct {
	Trigger string    `json:"trigger"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// Snapshot is an immutable view of call state handed to the generation
// backend. Slices are copies; the backend must never see live state.
type Snapshot struct {
	SessionID        string           `json:"session_id"`
	IsPhoneCall      bool             `json:"is_phone_call"`
	Phase            Phase            `json:"phase"`
	Profile          ClientProfile    `json:"profile"`
	Objections       []Objection      `json:"objections"`
	Guidance         []GuidanceRecord `json:"guidance"`
	RecentTranscript []string         `json:"recent_transcript"`
	DownCloseLevel   int              `json:"down_close_level"`
}

// CallStateMachine tracks the evolving state of one call.
type CallStateMachine struct {
	mu          sync.Mutex
	sessionID   string
	isPhoneCall bool
	phase       Phase
	profile     ClientProfile
	objections  []Objection
	guidance    []GuidanceRecord
	transcript  []string
	downClose   int
	now         func() time.Time
}

// NewCallStateMachine creates state tracking for one session.
func NewCallStateMachine(sessionID string, isPhoneCall bool) *CallStateMachine {
	return &CallStateMachine{
		sessionID:   sessionID,
		isPhoneCall: isPhoneCall,
		phase:       PhaseGreeting,
		now:         time.Now,
	}
}

// AddTranscript appends finalized text to the call history and advances the
// phase on simple keyword heuristics.
func (m *CallStateMachine) AddTranscript(text string, isFinal bool) {
	if !isFinal {
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transcript = append(m.transcript, text)
	if next := inferPhase(strings.ToLower(text)); next != "" {
		m.advanceLocked(next)
	}
}

// RecordObjection appends to the objection log. Kind is supplied by the
// caller's classifier.
func (m *CallStateMachine) RecordObjection(kind, excerpt string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objections = append(m.objections, Objection{Kind: kind, Excerpt: excerpt, At: m.now()})
	m.advanceLocked(PhaseObjectionHandling)
}

// RecordGuidance appends to the guidance history.
func (m *CallStateMachine) RecordGuidance(text, trigger string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guidance = append(m.guidance, GuidanceRecord{Trigger: trigger, Text: text, At: m.now()})
}

// ApplyDownClose raises the concession level by one. It reports false once
// the cap is reached; the level never decreases within a call.
func (m *CallStateMachine) ApplyDownClose() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.downClose >= DownCloseMax {
		return false
	}
	m.downClose++
	return true
}

// DownCloseLevel returns the current concession level.
func (m *CallStateMachine) DownCloseLevel() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.downClose
}

// SetPhase applies an explicit phase correction from an external signal.
func (m *CallStateMachine) SetPhase(p Phase) {
	if _, ok := phaseOrder[p]; !ok {
		return
	}
	m.mu.Lock()
	m.phase = p
	m.mu.Unlock()
}

// UpdateProfile sets any non-empty fields of the supplied profile.
func (m *CallStateMachine) UpdateProfile(p ClientProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Age != "" {
		m.profile.Age = p.Age
	}
	if p.Occupation != "" {
		m.profile.Occupation = p.Occupation
	}
	if p.Family != "" {
		m.profile.Family = p.Family
	}
	if p.Budget != "" {
		m.profile.Budget = p.Budget
	}
}

// Snapshot returns an immutable copy of the current state.
func (m *CallStateMachine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	recent := m.transcript
	if len(recent) > recentTranscriptLimit {
		recent = recent[len(recent)-recentTranscriptLimit:]
	}
	return Snapshot{
		SessionID:        m.sessionID,
		IsPhoneCall:      m.isPhoneCall,
		Phase:            m.phase,
		Profile:          m.profile,
		Objections:       append([]Objection(nil), m.objections...),
		Guidance:         append([]GuidanceRecord(nil), m.guidance...),
		RecentTranscript: append([]string(nil), recent...),
		DownCloseLevel:   m.downClose,
	}
}

// advanceLocked moves the phase forward only; corrections go through SetPhase.
func (m *CallStateMachine) advanceLocked(next Phase) {
	if phaseOrder[next] > phaseOrder[m.phase] {
		m.phase = next
	}
}

// inferPhase maps conversational cues to the earliest phase they imply.
func inferPhase(lower string) Phase {
	switch {
	case strings.Contains(lower, "sign") || strings.Contains(lower, "get you started") ||
		strings.Contains(lower, "application"):
		return PhaseClosing
	case strings.Contains(lower, "coverage") || strings.Contains(lower, "premium") ||
		strings.Contains(lower, "policy"):
		return PhasePresentation
	case strings.Contains(lower, "tell me about") || strings.Contains(lower, "family") ||
		strings.Contains(lower, "work"):
		return PhaseDiscovery
	}
	return ""
}
