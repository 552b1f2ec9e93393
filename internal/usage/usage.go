package usage

import (
	"log"
	"math"
	"time"
)

// Per-minute rates: Deepgram nova-2 streaming and Twilio inbound voice.
const (
	transcriptionPerMinuteUSD = 0.0043
	telephonyPerMinuteUSD     = 0.0085
)

// Record is one row in the usage ledger.
type Record struct {
	SessionID       string  `json:"session_id"`
	Agency          string  `json:"agency,omitempty"`
	Service         string  `json:"service"`
	DurationSeconds float64 `json:"duration_seconds"`
	CostUSD         float64 `json:"cost_usd"`
	CreatedAt       string  `json:"created_at"`
}

// Inserter persists one ledger row; storage.Store satisfies it.
type Inserter interface {
	Insert(table string, record any) error
}

// TranscriptionCost converts transcribed audio seconds to dollars.
func TranscriptionCost(seconds float64) float64 {
	return roundCost(seconds / 60 * transcriptionPerMinuteUSD)
}

// TelephonyCost converts call-leg seconds to dollars.
func TelephonyCost(seconds float64) float64 {
	return roundCost(seconds / 60 * telephonyPerMinuteUSD)
}

func roundCost(cost float64) float64 {
	return math.Round(cost*1e6) / 1e6
}

// Collector writes usage records to a ledger table. Writes are asynchronous
// and best-effort: billing data must never slow down or fail call teardown.
type Collector struct {
	inserter Inserter
	table    string
	now      func() time.Time
}

// NewCollector builds a collector over a ledger table.
func NewCollector(inserter Inserter, table string) *Collector {
	return &Collector{inserter: inserter, table: table, now: time.Now}
}

// LogTranscriptionUsage records one session's transcription consumption.
func (c *Collector) LogTranscriptionUsage(durationSeconds float64, agency, sessionID string) {
	c.record("deepgram_transcription", durationSeconds, TranscriptionCost(durationSeconds), agency, sessionID)
}

// LogTelephonyUsage records one call leg's telephony consumption.
func (c *Collector) LogTelephonyUsage(durationSeconds float64, agency, sessionID string) {
	c.record("twilio_media", durationSeconds, TelephonyCost(durationSeconds), agency, sessionID)
}

func (c *Collector) record(service string, durationSeconds, cost float64, agency, sessionID string) {
	rec := Record{
		SessionID:       sessionID,
		Agency:          agency,
		Service:         service,
		DurationSeconds: math.Round(durationSeconds*100) / 100,
		CostUSD:         cost,
		CreatedAt:       c.now().UTC().Format(time.RFC3339),
	}
	go func() {
		if err := c.inserter.Insert(c.table, rec); err != nil {
			log.Printf("usage: failed to record %s for %s: %v", service, sessionID, err)
			return
		}
		log.Printf("usage: recorded %s %.2fs (%.6f USD) for %s", service, rec.DurationSeconds, rec.CostUSD, sessionID)
	}()
}

// LogCollector is the fallback when no ledger is configured; records go to the
// process log only.
type LogCollector struct{}

func (LogCollector) LogTranscriptionUsage(durationSeconds float64, agency, sessionID string) {
	log.Printf("usage: %.2fs (%.6f USD) transcription for %s agency=%s (ledger disabled)",
		durationSeconds, TranscriptionCost(durationSeconds), sessionID, agency)
}

func (LogCollector) LogTelephonyUsage(durationSeconds float64, agency, sessionID string) {
	log.Printf("usage: %.2fs (%.6f USD) telephony for %s agency=%s (ledger disabled)",
		durationSeconds, TelephonyCost(durationSeconds), sessionID, agency)
}
