package coach

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// TriggerPolicy is the keyword table driving hot triggers. Phrases are grouped
// into named categories so the table can be tuned and reloaded without a
// rebuild. Reads are safe from any number of sessions concurrently.
type TriggerPolicy struct {
	mu         sync.RWMutex
	categories map[string][]string
	// flattened (category, phrase) pairs in deterministic order for matching
	entries []policyEntry
}

type policyEntry struct {
	category string
	phrase   string
}

// NewTriggerPolicy builds a policy from a category table. Phrases are
// lowercased; matching is substring containment against lowercased text.
func NewTriggerPolicy(categories map[string][]string) *TriggerPolicy {
	p := &TriggerPolicy{}
	p.replace(categories)
	return p
}

// DefaultTriggerPolicy returns the built-in life-insurance objection table.
func DefaultTriggerPolicy() *TriggerPolicy {
	return NewTriggerPolicy(map[string][]string{
		"price": {
			"afford", "expensive", "cost", "price", "money", "budget",
			"too much", "cheaper", "waste", "worth it", "tight",
		},
		"stalling": {
			"think about", "talk to", "spouse", "wife", "husband",
			"not sure", "don't know", "maybe", "later", "call me back",
			"let me think", "need time", "sleep on it", "pray about", "pray on",
		},
		"brush_off": {
			"send me information", "email me", "mail me", "send me something",
			"already have", "don't need", "not interested", "no thanks",
			"can't", "won't", "no way", "pass", "not for me",
		},
		"trust": {
			"scam", "pushy", "what's the catch", "fine print",
			"too good", "sounds fishy", "pyramid", "legit",
		},
		"health_age": {
			"too young", "too old", "healthy", "never get sick",
			"pre-existing", "health issues", "medical",
		},
		"timing": {
			"bad time", "busy", "call back", "not now", "swamped",
		},
		"existing_coverage": {
			"work insurance", "through my job", "employer", "through work",
			"social security", "government", "va ", "veteran",
		},
		"product": {
			"term", "whole life", "universal", "cash value",
			"investment", "stock market", "better return", "mutual fund",
			"dave ramsey", "ramsey", "suze orman",
		},
		"process": {
			"waiting period", "how long", "blood test", "exam",
		},
		"decision_maker": {
			"check with", "ask my", "run it by",
		},
	})
}

// Match reports the first category whose phrase is contained in lowerText.
func (p *TriggerPolicy) Match(lowerText string) (category, phrase string, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, e := range p.entries {
		if strings.Contains(lowerText, e.phrase) {
			return e.category, e.phrase, true
		}
	}
	return "", "", false
}

// Categories returns a copy of the current table.
func (p *TriggerPolicy) Categories() map[string][]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string][]string, len(p.categories))
	for k, v := range p.categories {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// LoadFile replaces the table with the contents of a JSON file of the form
// {"category": ["phrase", ...], ...}. The previous table is kept on error.
func (p *TriggerPolicy) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("policy: read %s: %w", path, err)
	}
	var categories map[string][]string
	if err := json.Unmarshal(data, &categories); err != nil {
		return fmt.Errorf("policy: parse %s: %w", path, err)
	}
	if len(categories) == 0 {
		return fmt.Errorf("policy: %s contains no categories", path)
	}
	p.replace(categories)
	return nil
}

func (p *TriggerPolicy) replace(categories map[string][]string) {
	normalized := make(map[string][]string, len(categories))
	var entries []policyEntry
	names := make([]string, 0, len(categories))
	for name := range categories {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, phrase := range categories[name] {
			phrase = strings.ToLower(phrase)
			if strings.TrimSpace(phrase) == "" {
				continue
			}
			normalized[name] = append(normalized[name], phrase)
			entries = append(entries, policyEntry{category: name, phrase: phrase})
		}
	}
	p.mu.Lock()
	p.categories = normalized
	p.entries = entries
	p.mu.Unlock()
}
