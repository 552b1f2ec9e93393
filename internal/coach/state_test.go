package coach

import (
	"testing"
)

func TestDownCloseCapped(t *testing.T) {
	m := NewCallStateMachine("s1", true)
	for i := 1; i <= DownCloseMax; i++ {
		if !m.ApplyDownClose() {
			t.Fatalf("down-close %d should succeed", i)
		}
		if got := m.DownCloseLevel(); got != i {
			t.Fatalf("level = %d, want %d", got, i)
		}
	}
	if m.ApplyDownClose() {
		t.Error("down-close past the cap should fail")
	}
	if got := m.DownCloseLevel(); got != DownCloseMax {
		t.Errorf("level = %d, want %d after cap", got, DownCloseMax)
	}
}

func TestPhaseAdvancesForwardOnly(t *testing.T) {
	m := NewCallStateMachine("s1", true)
	if m.Snapshot().Phase != PhaseGreeting {
		t.Fatalf("initial phase = %s, want greeting", m.Snapshot().Phase)
	}

	m.AddTranscript("let me tell you about the coverage and the premium", true)
	if got := m.Snapshot().Phase; got != PhasePresentation {
		t.Fatalf("phase = %s, want presentation", got)
	}

	// A discovery cue after presentation must not move the phase backward.
	m.AddTranscript("tell me about your family", true)
	if got := m.Snapshot().Phase; got != PhasePresentation {
		t.Errorf("phase = %s, presentation should not regress to discovery", got)
	}
}

func TestSetPhaseAllowsCorrection(t *testing.T) {
	m := NewCallStateMachine("s1", false)
	m.AddTranscript("ready to sign the application today", true)
	if got := m.Snapshot().Phase; got != PhaseClosing {
		t.Fatalf("phase = %s, want closing", got)
	}
	m.SetPhase(PhaseDiscovery)
	if got := m.Snapshot().Phase; got != PhaseDiscovery {
		t.Errorf("phase = %s, explicit correction should apply", got)
	}
	m.SetPhase(Phase("bogus"))
	if got := m.Snapshot().Phase; got != PhaseDiscovery {
		t.Errorf("phase = %s, unknown phase must be ignored", got)
	}
}

func TestObjectionAdvancesPhase(t *testing.T) {
	m := NewCallStateMachine("s1", true)
	m.RecordObjection("price", "that is too expensive")
	snap := m.Snapshot()
	if snap.Phase != PhaseObjectionHandling {
		t.Errorf("phase = %s, want objection_handling", snap.Phase)
	}
	if len(snap.Objections) != 1 || snap.Objections[0].Kind != "price" {
		t.Errorf("objections = %+v, want one price objection", snap.Objections)
	}
}

func TestSnapshotIsIsolated(t *testing.T) {
	m := NewCallStateMachine("s1", true)
	m.AddTranscript("hello there", true)
	m.RecordGuidance("say this", "because of that")

	snap := m.Snapshot()
	snap.RecentTranscript[0] = "mutated"
	snap.Guidance[0].Text = "mutated"

	again := m.Snapshot()
	if again.RecentTranscript[0] != "hello there" {
		t.Error("mutating a snapshot transcript leaked into live state")
	}
	if again.Guidance[0].Text != "say this" {
		t.Error("mutating a snapshot guidance record leaked into live state")
	}
}

func TestSnapshotTranscriptBounded(t *testing.T) {
	m := NewCallStateMachine("s1", true)
	for i := 0; i < recentTranscriptLimit+10; i++ {
		m.AddTranscript("line", true)
	}
	if got := len(m.Snapshot().RecentTranscript); got != recentTranscriptLimit {
		t.Errorf("recent transcript length = %d, want %d", got, recentTranscriptLimit)
	}
}

func TestUpdateProfileKeepsExistingFields(t *testing.T) {
	m := NewCallStateMachine("s1", true)
	m.UpdateProfile(ClientProfile{Age: "45", Occupation: "nurse"})
	m.UpdateProfile(ClientProfile{Family: "two kids"})
	p := m.Snapshot().Profile
	if p.Age != "45" || p.Occupation != "nurse" || p.Family != "two kids" {
		t.Errorf("profile = %+v, partial updates should merge", p)
	}
}
