//go:build integration

package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/azpipe/internal/config"
	"github.com/kalambet/azpipe/internal/observability"
	"github.com/kalambet/azpipe/internal/relay"
)

func TestPassthroughRoundTrip(t *testing.T) {
	chunks := []string{
		`data: {"id":"c-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello"}}]}`,
		`data: {"id":"c-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":" world"}}]}`,
		`data: {"id":"c-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
	}

	// Simulate Azure AI returning a streaming response.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}

		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("upstream decode error: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req["model"] != "Phi-4" {
			t.Errorf("upstream model = %v, want %q", req["model"], "Phi-4")
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("upstream Authorization = %q", got)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, chunk := range chunks {
			fmt.Fprintf(w, "%s\n\n", chunk)
			w.(http.Flusher).Flush()
		}
	}))
	defer upstream.Close()

	rl, err := relay.New(config.AzureConfig{
		APIKey:      "test-key",
		Endpoint:    upstream.URL + "/chat/completions",
		Model:       "Phi-4",
		ModelInBody: true,
	})
	if err != nil {
		t.Fatalf("relay.New: %v", err)
	}
	handler := observability.MetricsMiddleware(NewOpenAIHandler(Deps{Relay: rl, Store: openTestStore(t)}))

	srv := httptest.NewServer(handler)
	defer srv.Close()

	body := `{"model":"azure.Phi-4","messages":[{"role":"user","content":"hi"}],"stream":true}`
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	want := strings.Join(chunks, "\n\n") + "\n\n"
	if string(got) != want {
		t.Errorf("body = %q, want %q", got, want)
	}
}
