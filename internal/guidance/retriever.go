package guidance

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// playbookTTL bounds how stale a cached playbook can get before re-download.
const playbookTTL = 5 * time.Minute

// maxTips caps how much playbook material goes into one prompt.
const maxTips = 3

// Tip is one playbook entry: advice attached to the keywords that make it
// relevant. Priority breaks score ties, higher first.
type Tip struct {
	Category string   `json:"category"`
	Keywords []string `json:"keywords"`
	Advice   string   `json:"advice"`
	Priority int      `json:"priority"`
}

// Retriever selects playbook material relevant to a transcript fragment.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]Tip, error)
}

// Downloader fetches an object by path, typically Supabase storage.
type Downloader interface {
	Download(path string) ([]byte, error)
}

// PlaybookRetriever serves keyword-scored tips from a JSON playbook held in
// object storage, cached with a TTL so every generation does not re-download.
type PlaybookRetriever struct {
	source Downloader
	path   string
	ttl    time.Duration

	mu       sync.Mutex
	tips     []Tip
	loadedAt time.Time
}

// NewPlaybookRetriever builds a retriever over the playbook object at path.
func NewPlaybookRetriever(source Downloader, path string) *PlaybookRetriever {
	return &PlaybookRetriever{source: source, path: path, ttl: playbookTTL}
}

// Retrieve returns up to maxTips entries whose keywords appear in the query,
// best score first. A failed refresh falls back to the cached playbook when
// one exists.
func (r *PlaybookRetriever) Retrieve(ctx context.Context, query string) ([]Tip, error) {
	tips, err := r.load(ctx)
	if err != nil {
		return nil, err
	}

	lower := strings.ToLower(query)
	type scored struct {
		tip   Tip
		score int
	}
	var matches []scored
	for _, t := range tips {
		score := 0
		for _, kw := range t.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				score++
			}
		}
		if score > 0 {
			matches = append(matches, scored{tip: t, score: score})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].tip.Priority > matches[j].tip.Priority
	})

	if len(matches) > maxTips {
		matches = matches[:maxTips]
	}
	out := make([]Tip, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.tip)
	}
	return out, nil
}

func (r *PlaybookRetriever) load(ctx context.Context) ([]Tip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tips != nil && time.Since(r.loadedAt) < r.ttl {
		return r.tips, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := r.source.Download(r.path)
	if err != nil {
		if r.tips != nil {
			// Stale playbook beats no playbook.
			return r.tips, nil
		}
		return nil, fmt.Errorf("playbook: %w", err)
	}
	var tips []Tip
	if err := json.Unmarshal(data, &tips); err != nil {
		if r.tips != nil {
			return r.tips, nil
		}
		return nil, fmt.Errorf("playbook: parse %s: %w", r.path, err)
	}
	r.tips = tips
	r.loadedAt = time.Now()
	return r.tips, nil
}
