package coach

import (
	"log"
	"strings"
	"time"

	"github.com/coachd/coachd/internal/transcribe"
)

// Trigger timing. Hot triggers react mid-sentence and need only a short
// cooldown to absorb the interim/final race for the same utterance; word-count
// triggers wait for finalized text and cool down longer to avoid guidance spam
// on ordinary conversation.
const (
	HotTriggerCooldown  = 1500 * time.Millisecond
	StandardCooldown    = 3 * time.Second
	DedupWindow         = 3 * time.Second
	MinWordsForGuidance = 12
	prefixDedupLen      = 30
	wordOverlapDup      = 0.7
)

// Decision is the outcome of evaluating one transcript event.
type Decision struct {
	Fire     bool
	Hot      bool
	Category string
	// Buffer is the text generation should work from: the triggering utterance
	// for hot triggers, the accumulated final transcript otherwise.
	Buffer string
}

// TriggerDetector decides whether an incoming transcript fragment warrants
// guidance. All methods must be called from the session's owning context.
type TriggerDetector struct {
	policy *TriggerPolicy
	// busy reports whether a generation is already in flight; qualifying
	// triggers are dropped while it returns true, never queued.
	busy func() bool
	now  func() time.Time

	lastGuidanceAt  time.Time
	lastTriggerText string
	buffer          string
}

// NewTriggerDetector builds a detector over the given policy. busy may be nil.
func NewTriggerDetector(policy *TriggerPolicy, busy func() bool) *TriggerDetector {
	return &TriggerDetector{
		policy: policy,
		busy:   busy,
		now:    time.Now,
	}
}

// Evaluate classifies one transcript event against the trigger rules.
// On a firing hot trigger the cooldown timestamp and duplicate-tracking text
// are updated before returning, so a near-simultaneous second event cannot
// also pass the cooldown check.
func (d *TriggerDetector) Evaluate(ev transcribe.TranscriptEvent) Decision {
	if d.busy != nil && d.busy() {
		return Decision{}
	}
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return Decision{}
	}

	now := d.now()
	lower := strings.ToLower(text)

	if category, phrase, ok := d.policy.Match(lower); ok {
		if now.Sub(d.lastGuidanceAt) < HotTriggerCooldown {
			return Decision{}
		}
		if d.isSemanticDuplicate(text, now) {
			log.Printf("trigger: skipping duplicate: %q", truncate(text, 40))
			return Decision{}
		}
		d.lastGuidanceAt = now
		d.lastTriggerText = text
		// Replace, not append: guidance reacts to this utterance directly.
		d.buffer = text
		log.Printf("trigger: hot trigger (%s: %q): %q", category, phrase, truncate(text, 50))
		return Decision{Fire: true, Hot: true, Category: category, Buffer: text}
	}

	// Word-count mode applies only to finalized text.
	if !ev.IsFinal {
		return Decision{}
	}
	if now.Sub(d.lastGuidanceAt) < StandardCooldown {
		return Decision{}
	}
	if len(strings.Fields(d.buffer)) > MinWordsForGuidance {
		d.lastGuidanceAt = now
		return Decision{Fire: true, Buffer: d.buffer}
	}
	return Decision{}
}

// AppendFinal adds a finalized fragment to the rolling transcript buffer.
func (d *TriggerDetector) AppendFinal(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if d.buffer == "" {
		d.buffer = text
	} else {
		d.buffer += " " + text
	}
}

// Buffer returns the current accumulated transcript.
func (d *TriggerDetector) Buffer() string { return d.buffer }

// ClearBuffer resets the accumulated transcript after guidance consumed it.
func (d *TriggerDetector) ClearBuffer() { d.buffer = "" }

// isSemanticDuplicate reports whether text is the same utterance as the last
// trigger. After DedupWindow the tracking text is cleared: the same objection
// verbalized again after a real gap is a new trigger, not a repeat.
func (d *TriggerDetector) isSemanticDuplicate(text string, now time.Time) bool {
	if d.lastTriggerText == "" {
		return false
	}
	if since := now.Sub(d.lastGuidanceAt); since > DedupWindow {
		log.Printf("trigger: resetting duplicate tracking (%.1fs since last trigger)", since.Seconds())
		d.lastTriggerText = ""
		return false
	}

	newLower := strings.ToLower(strings.TrimSpace(text))
	lastLower := strings.ToLower(strings.TrimSpace(d.lastTriggerText))

	// Prefix overlap handles interim -> final growth of the same utterance.
	if strings.HasPrefix(newLower, head(lastLower, prefixDedupLen)) ||
		strings.HasPrefix(lastLower, head(newLower, prefixDedupLen)) {
		return true
	}

	newWords := wordSet(newLower)
	lastWords := wordSet(lastLower)
	if len(newWords) == 0 || len(lastWords) == 0 {
		return false
	}
	common := 0
	for w := range newWords {
		if _, ok := lastWords[w]; ok {
			common++
		}
	}
	denom := len(newWords)
	if len(lastWords) > denom {
		denom = len(lastWords)
	}
	return float64(common)/float64(denom) > wordOverlapDup
}

func wordSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(s) {
		out[w] = struct{}{}
	}
	return out
}

func head(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
