package httpserver

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coachd/coachd/internal/coach"
	"github.com/coachd/coachd/internal/transcribe"
)

type recordingProvider struct {
	mu    sync.Mutex
	audio [][]byte
}

func (p *recordingProvider) Start(ctx context.Context) error { return nil }
func (p *recordingProvider) Stop() error                     { return nil }
func (p *recordingProvider) SendAudio(pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.audio = append(p.audio, append([]byte(nil), pcm...))
	return nil
}

func (p *recordingProvider) chunks() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.audio...)
}

type testUsage struct {
	mu      sync.Mutex
	records []float64
}

func (u *testUsage) LogTranscriptionUsage(duration float64, agency, sessionID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.records = append(u.records, duration)
}

func (u *testUsage) LogTelephonyUsage(duration float64, agency, sessionID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.records = append(u.records, duration)
}

func (u *testUsage) durations() []float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]float64(nil), u.records...)
}

type testHarness struct {
	server  *httptest.Server
	manager *coach.Manager
	usage   *testUsage

	mu        sync.Mutex
	providers []*recordingProvider
	rates     []int
}

func newHarness(t *testing.T, authPassword string) *testHarness {
	t.Helper()
	h := &testHarness{manager: coach.NewManager(), usage: &testUsage{}}
	factory := func(callID string, sink coach.EventSink, sampleRate int) *coach.Session {
		return coach.NewSession(callID, coach.SessionDeps{
			Provider: func(l transcribe.Listener) transcribe.Provider {
				p := &recordingProvider{}
				h.mu.Lock()
				h.providers = append(h.providers, p)
				h.rates = append(h.rates, sampleRate)
				h.mu.Unlock()
				return p
			},
			Sink:       sink,
			Usage:      h.usage,
			SampleRate: sampleRate,
		})
	}
	srv := New(Deps{
		Manager:      h.manager,
		Sessions:     factory,
		Usage:        h.usage,
		AuthPassword: authPassword,
	})
	h.server = httptest.NewServer(srv.Echo)
	t.Cleanup(h.server.Close)
	return h
}

func (h *testHarness) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http") + path
}

func (h *testHarness) provider(t *testing.T, i int) *recordingProvider {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		n := len(h.providers)
		h.mu.Unlock()
		if n > i {
			h.mu.Lock()
			defer h.mu.Unlock()
			return h.providers[i]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("provider never created")
	return nil
}

func readEvent(t *testing.T, conn *websocket.Conn) coach.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev coach.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, "")
	resp, err := http.Get(h.server.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestCallSocketBrowserFlow(t *testing.T) {
	h := newHarness(t, "")

	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL("/ws/call/browser-1"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	pcm := make([]byte, 3200)
	if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		t.Fatal(err)
	}

	if ev := readEvent(t, conn); ev.Type != coach.EventReady {
		t.Errorf("first event = %s, want ready", ev.Type)
	}

	provider := h.provider(t, 0)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(provider.chunks()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	chunks := provider.chunks()
	if len(chunks) != 1 || len(chunks[0]) != 3200 {
		t.Fatalf("provider audio = %d chunks, want one 3200-byte chunk", len(chunks))
	}

	h.mu.Lock()
	rate := h.rates[0]
	h.mu.Unlock()
	if rate != 16000 {
		t.Errorf("sample rate = %d, want 16000 for browser audio", rate)
	}

	if err := conn.WriteJSON(map[string]string{"type": "stop"}); err != nil {
		t.Fatal(err)
	}
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := h.manager.Get("browser-1"); !ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := h.manager.Get("browser-1"); ok {
		t.Error("session still registered after stop")
	}
	if got := h.usage.durations(); len(got) != 1 {
		t.Errorf("usage records = %d, want 1 after teardown", len(got))
	}
}

func TestCallSocketTwilioMedia(t *testing.T) {
	h := newHarness(t, "")

	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL("/ws/call/CA99"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	frames := []string{
		`{"event":"connected","protocol":"Call"}`,
		`{"event":"start","start":{"streamSid":"MZ1","callSid":"CA99"}}`,
		`{"event":"media","media":{"payload":"` + base64.StdEncoding.EncodeToString(make([]byte, 160)) + `"}}`,
	}
	for _, f := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			t.Fatal(err)
		}
	}

	provider := h.provider(t, 0)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(provider.chunks()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	chunks := provider.chunks()
	if len(chunks) != 1 || len(chunks[0]) != 320 {
		t.Fatalf("provider audio = %v chunks, want one 320-byte PCM chunk", len(chunks))
	}

	h.mu.Lock()
	rate := h.rates[0]
	h.mu.Unlock()
	if rate != 8000 {
		t.Errorf("sample rate = %d, want 8000 for a Twilio stream", rate)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"stop"}`)); err != nil {
		t.Fatal(err)
	}
}

func TestAgentSocketAccountsUsage(t *testing.T) {
	h := newHarness(t, "")

	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL("/ws/agent/CA99"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	// One second of 8kHz 16-bit audio.
	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 16000)); err != nil {
		t.Fatal(err)
	}
	conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(h.usage.durations()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	got := h.usage.durations()
	if len(got) != 1 || got[0] != 1.0 {
		t.Errorf("usage = %v, want one 1.0s record", got)
	}
}

func TestCallSocketRequiresPassword(t *testing.T) {
	h := newHarness(t, "hunter2")

	if _, resp, err := websocket.DefaultDialer.Dial(h.wsURL("/ws/call/x"), nil); err == nil {
		t.Error("dial without password should fail")
	} else if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}

	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL("/ws/call/x?password=hunter2"), nil)
	if err != nil {
		t.Fatalf("dial with password: %v", err)
	}
	conn.Close()
}

func TestPolicyReloadEndpoint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")
	if err := os.WriteFile(path, []byte(`{"custom":["magic phrase"]}`), 0o644); err != nil {
		t.Fatal(err)
	}

	policy := coach.DefaultTriggerPolicy()
	srv := New(Deps{
		Manager: coach.NewManager(),
		Sessions: func(callID string, sink coach.EventSink, sampleRate int) *coach.Session {
			return coach.NewSession(callID, coach.SessionDeps{Sink: sink})
		},
		Policy:     policy,
		PolicyPath: path,
	})
	ts := httptest.NewServer(srv.Echo)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/policy/reload", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if _, _, ok := policy.Match("say the magic phrase"); !ok {
		t.Error("policy not reloaded")
	}

	if err := os.WriteFile(path, []byte("broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	resp, err = http.Post(ts.URL+"/api/policy/reload", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422 for a broken policy file", resp.StatusCode)
	}
	if _, _, ok := policy.Match("say the magic phrase"); !ok {
		t.Error("previous policy should survive a failed reload")
	}
}

func TestMulawDecode(t *testing.T) {
	if got := mulawDecode(0xFF); got != 0 {
		t.Errorf("mulawDecode(0xFF) = %d, want 0", got)
	}
	if got := mulawDecode(0x00); got != -32124 {
		t.Errorf("mulawDecode(0x00) = %d, want -32124", got)
	}
	if got := mulawDecode(0x80); got != 32124 {
		t.Errorf("mulawDecode(0x80) = %d, want 32124", got)
	}
	if out := mulawToPCM(make([]byte, 160)); len(out) != 320 {
		t.Errorf("mulawToPCM length = %d, want 320", len(out))
	}
}
