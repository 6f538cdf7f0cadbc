package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.StreamTimeout = 5 * time.Second
	cfg.SummaryTimeout = 5 * time.Second
	return cfg
}

func TestStreamDecodesNDJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Stream {
			t.Error("expected stream=true")
		}
		if req.Prompt == "" {
			t.Error("expected non-empty prompt")
		}
		fmt.Fprintln(w, `{"response":"Hel","done":false}`)
		fmt.Fprintln(w, `{"response":"lo","done":false}`)
		fmt.Fprintln(w, `not json at all`)
		fmt.Fprintln(w, `{"response":"!","done":true}`)
		fmt.Fprintln(w, `{"response":"after done","done":false}`)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), nil)

	var got strings.Builder
	for fragment, err := range c.Stream(context.Background(), "User: hi\nAI:") {
		if err != nil {
			t.Fatalf("unexpected stream error: %v", err)
		}
		got.WriteString(fragment)
	}
	// Malformed lines are skipped and nothing past the done marker is read.
	if got.String() != "Hello!" {
		t.Errorf("streamed text = %q, want %q", got.String(), "Hello!")
	}
}

func TestStreamSurfacesHTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), nil)

	var streamErr error
	for _, err := range c.Stream(context.Background(), "prompt") {
		if err != nil {
			streamErr = err
			break
		}
	}
	if streamErr == nil {
		t.Fatal("expected error from 500 response")
	}
	if !strings.Contains(streamErr.Error(), "500") {
		t.Errorf("error should carry status code: %v", streamErr)
	}
}

func TestStreamUnreachableEndpoint(t *testing.T) {
	t.Parallel()

	c := NewClient(testConfig("http://127.0.0.1:1/api/generate"), nil)

	var streamErr error
	for _, err := range c.Stream(context.Background(), "prompt") {
		streamErr = err
		break
	}
	if streamErr == nil {
		t.Fatal("expected connection error")
	}
}

func TestGenerate(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Stream {
			t.Error("expected stream=false for Generate")
		}
		fmt.Fprintln(w, `{"response":"a short summary","done":true}`)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), nil)
	got, err := c.Generate(context.Background(), "summarize this")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "a short summary" {
		t.Errorf("Generate = %q", got)
	}
}

func TestStreamHonoursCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"first","done":false}`)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewClient(testConfig(srv.URL), nil)

	sawFirst := false
	for fragment, err := range c.Stream(ctx, "prompt") {
		if err != nil {
			break
		}
		if fragment == "first" {
			sawFirst = true
			cancel()
		}
	}
	if !sawFirst {
		t.Fatal("never received first fragment")
	}
}
