package usage

import (
	"math"
	"sync"
	"testing"
	"time"
)

type captureInserter struct {
	mu      sync.Mutex
	table   string
	records []Record
	err     error
}

func (c *captureInserter) Insert(table string, record any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.table = table
	c.records = append(c.records, record.(Record))
	return c.err
}

func (c *captureInserter) snapshot() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Record(nil), c.records...)
}

func TestTranscriptionCost(t *testing.T) {
	if got := TranscriptionCost(60); math.Abs(got-0.0043) > 1e-9 {
		t.Errorf("cost for one minute = %f, want 0.0043", got)
	}
	if got := TranscriptionCost(0); got != 0 {
		t.Errorf("cost for zero audio = %f, want 0", got)
	}
	if got := TranscriptionCost(90); math.Abs(got-0.00645) > 1e-9 {
		t.Errorf("cost for 90s = %f, want 0.00645", got)
	}
}

func TestTelephonyCost(t *testing.T) {
	if got := TelephonyCost(60); math.Abs(got-0.0085) > 1e-9 {
		t.Errorf("cost for one minute = %f, want 0.0085", got)
	}
	if got := TelephonyCost(90); math.Abs(got-0.01275) > 1e-9 {
		t.Errorf("cost for 90s = %f, want 0.01275", got)
	}
}

func TestCollectorTelephonyService(t *testing.T) {
	ins := &captureInserter{}
	c := NewCollector(ins, "usage_ledger")

	c.LogTelephonyUsage(30, "acme", "agent-1")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(ins.snapshot()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	recs := ins.snapshot()
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if recs[0].Service != "twilio_media" {
		t.Errorf("service = %q", recs[0].Service)
	}
	if math.Abs(recs[0].CostUSD-0.00425) > 1e-9 {
		t.Errorf("cost = %f, want 0.00425", recs[0].CostUSD)
	}
}

func TestCollectorInsertsRecord(t *testing.T) {
	ins := &captureInserter{}
	c := NewCollector(ins, "usage_ledger")
	c.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

	c.LogTranscriptionUsage(90.456, "acme", "call-1")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(ins.snapshot()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	recs := ins.snapshot()
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if ins.table != "usage_ledger" {
		t.Errorf("table = %q", ins.table)
	}
	if rec.SessionID != "call-1" || rec.Agency != "acme" {
		t.Errorf("record identity = %+v", rec)
	}
	if rec.Service != "deepgram_transcription" {
		t.Errorf("service = %q", rec.Service)
	}
	if rec.DurationSeconds != 90.46 {
		t.Errorf("duration = %f, want rounded to 90.46", rec.DurationSeconds)
	}
	if rec.CreatedAt != "2025-06-01T12:00:00Z" {
		t.Errorf("created_at = %q", rec.CreatedAt)
	}
}
