package coach

import (
	"log"
	"sync"
)

// Manager is the process-wide session registry. Handlers register a session
// when its push channel opens and remove it on teardown; the telephony and
// WebRTC ingest paths look sessions up by call ID.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	agents   map[string]*AgentStream
}

// NewManager creates an empty registry.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		agents:   make(map[string]*AgentStream),
	}
}

// Register adds a session, replacing and stopping any previous session with
// the same ID (a reconnect supersedes the stale registration).
func (m *Manager) Register(s *Session) {
	m.mu.Lock()
	prev := m.sessions[s.ID]
	m.sessions[s.ID] = s
	m.mu.Unlock()
	if prev != nil && prev != s {
		log.Printf("[%s] replacing stale session registration", s.ID)
		prev.Stop()
	}
}

// Get returns the session for a call ID, if any.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Remove stops and unregisters a session. A different session already
// registered under the same ID is left alone.
func (m *Manager) Remove(s *Session) {
	m.mu.Lock()
	if m.sessions[s.ID] == s {
		delete(m.sessions, s.ID)
	}
	m.mu.Unlock()
	s.Stop()
}

// RegisterAgent adds the recording-only agent leg for a call.
func (m *Manager) RegisterAgent(a *AgentStream) {
	m.mu.Lock()
	m.agents[a.ID] = a
	m.mu.Unlock()
}

// RemoveAgent stops and unregisters an agent leg.
func (m *Manager) RemoveAgent(a *AgentStream) {
	m.mu.Lock()
	if m.agents[a.ID] == a {
		delete(m.agents, a.ID)
	}
	m.mu.Unlock()
	a.Stop()
}

// Shutdown stops every registered session and agent leg.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	agents := make([]*AgentStream, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.sessions = make(map[string]*Session)
	m.agents = make(map[string]*AgentStream)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
	for _, a := range agents {
		a.Stop()
	}
	log.Printf("manager: shut down %d sessions, %d agent streams", len(sessions), len(agents))
}
