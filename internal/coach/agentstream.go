package coach

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// AgentStream is the recording-only leg of a dual-channel call. The agent's
// own audio is not coached; it is accounted for usage and otherwise dropped
// here while the telephony provider records the full call.
type AgentStream struct {
	ID string

	sampleRate int
	startedAt  time.Time
	audioBytes atomic.Int64
	usage      UsageCollector
	agency     string

	stopOnce sync.Once
}

// NewAgentStream starts byte accounting for one agent leg.
func NewAgentStream(id string, sampleRate int, agency string, usage UsageCollector) *AgentStream {
	if sampleRate == 0 {
		sampleRate = 8000
	}
	return &AgentStream{
		ID:         id,
		sampleRate: sampleRate,
		startedAt:  time.Now(),
		usage:      usage,
		agency:     agency,
	}
}

// SendAudio accounts one audio frame.
func (a *AgentStream) SendAudio(pcm []byte) {
	a.audioBytes.Add(int64(len(pcm)))
}

// Stop emits the usage record once.
func (a *AgentStream) Stop() {
	a.stopOnce.Do(func() {
		total := a.audioBytes.Load()
		if total == 0 {
			return
		}
		duration := float64(total) / float64(a.sampleRate*bytesPerSample)
		log.Printf("[%s] agent stream: %.1fs audio (%d bytes)", a.ID, duration, total)
		if a.usage != nil {
			// The agent leg is never transcribed; it bills as telephony only.
			a.usage.LogTelephonyUsage(duration, a.agency, a.ID)
		}
	})
}
