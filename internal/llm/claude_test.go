package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func redirectTo(srv *httptest.Server) *http.Client {
	return &http.Client{Timeout: 2 * time.Second, Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		req.URL.Scheme = "http"
		req.URL.Host = srv.Listener.Addr().String()
		return http.DefaultTransport.RoundTrip(req)
	})}
}

func TestClaude_NoKey(t *testing.T) {
	c := NewClaudeClient("", "model")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Generate(ctx, "", "hi"); err == nil {
		t.Fatalf("expected error with missing key")
	}
}

func TestClaude_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "key" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != "2023-06-01" {
			t.Errorf("anthropic-version = %q", got)
		}
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":" hello there "}]}`))
	}))
	defer srv.Close()

	c := NewClaudeClient("key", "model")
	c.HTTPClient = redirectTo(srv)
	got, err := c.Generate(context.Background(), "sys", "hi")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "hello there" {
		t.Errorf("text = %q, want trimmed content", got)
	}
}

func TestClaude_GenerateFailures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status_non_2xx", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500); _, _ = w.Write([]byte("oops")) }},
		{"bad_json", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("not-json")) }},
		{"empty_content", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(200)
			_, _ = w.Write([]byte(`{"content":[]}`))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			c := NewClaudeClient("key", "model")
			c.HTTPClient = redirectTo(srv)
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if _, err := c.Generate(ctx, "", "hi"); err == nil {
				t.Fatalf("expected error; got nil")
			}
		})
	}
}

func TestClaude_Stream(t *testing.T) {
	sse := strings.Join([]string{
		`event: message_start`,
		`data: {"type":"message_start"}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Ask "}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"about family."}}`,
		``,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
		``,
	}, "\n")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(sse))
	}))
	defer srv.Close()

	c := NewClaudeClient("key", "model")
	c.HTTPClient = redirectTo(srv)

	fragments, errs := c.Stream(context.Background(), "sys", "hi")
	var got strings.Builder
	for f := range fragments {
		got.WriteString(f)
	}
	if err := <-errs; err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if got.String() != "Ask about family." {
		t.Errorf("streamed text = %q", got.String())
	}
}

func TestClaude_StreamError(t *testing.T) {
	sse := strings.Join([]string{
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"partial"}}`,
		`data: {"type":"error","error":{"type":"overloaded_error","message":"try later"}}`,
		``,
	}, "\n")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sse))
	}))
	defer srv.Close()

	c := NewClaudeClient("key", "model")
	c.HTTPClient = redirectTo(srv)

	fragments, errs := c.Stream(context.Background(), "", "hi")
	for range fragments {
	}
	err := <-errs
	if err == nil || !strings.Contains(err.Error(), "overloaded_error") {
		t.Fatalf("err = %v, want mid-stream error surfaced", err)
	}
}

func TestClaude_StreamRequestFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(429)
		_, _ = w.Write([]byte("rate limited"))
	}))
	defer srv.Close()

	c := NewClaudeClient("key", "model")
	c.HTTPClient = redirectTo(srv)

	fragments, errs := c.Stream(context.Background(), "", "hi")
	for range fragments {
	}
	if err := <-errs; err == nil {
		t.Fatal("expected request error")
	}
}
