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
	"github.com/kalambet/azpipe/internal/relay"
	"github.com/kalambet/azpipe/internal/storage"
)

// mockUpstream returns a relay pointed at an httptest.Server that mimics the
// Azure AI chat completions endpoint.
func mockUpstream(t *testing.T, cfg config.AzureConfig, handler http.HandlerFunc) *relay.Relay {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg.APIKey = "test-key"
	cfg.Endpoint = srv.URL + "/chat/completions"
	rl, err := relay.New(cfg)
	if err != nil {
		t.Fatalf("relay.New: %v", err)
	}
	return rl
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func noUpstream(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected upstream request to %s", r.URL.Path)
	}
}

func postChat(h http.Handler, body string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealth(t *testing.T) {
	rl := mockUpstream(t, config.AzureConfig{}, noUpstream(t))
	h := NewOpenAIHandler(Deps{Relay: rl})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	var body map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body = %v, want status=ok", body)
	}
}

func TestModels(t *testing.T) {
	tests := []struct {
		name  string
		model string
		want  []Model
	}{
		{
			name: "default",
			want: []Model{{ID: "Azure AI", Object: "model", Name: "Azure AI", OwnedBy: "azure"}},
		},
		{
			name:  "configured",
			model: "gpt-4o; Mistral-large",
			want: []Model{
				{ID: "gpt-4o", Object: "model", Name: "gpt-4o", OwnedBy: "azure"},
				{ID: "Mistral-large", Object: "model", Name: "Mistral-large", OwnedBy: "azure"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl := mockUpstream(t, config.AzureConfig{Model: tt.model}, noUpstream(t))
			h := NewOpenAIHandler(Deps{Relay: rl})

			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

			if rr.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
			}
			var list ModelList
			if err := json.NewDecoder(rr.Body).Decode(&list); err != nil {
				t.Fatalf("decoding: %v", err)
			}
			if list.Object != "list" {
				t.Errorf("object = %q, want %q", list.Object, "list")
			}
			if len(list.Data) != len(tt.want) {
				t.Fatalf("got %d models, want %d", len(list.Data), len(tt.want))
			}
			for i := range tt.want {
				if list.Data[i] != tt.want[i] {
					t.Errorf("models[%d] = %+v, want %+v", i, list.Data[i], tt.want[i])
				}
			}
		})
	}
}

func TestChatCompletions_NonStreaming(t *testing.T) {
	respJSON := `{"id":"cmpl-1","choices":[{"message":{"role":"assistant","content":"Hello!"}}]}`

	var gotHeader string
	var gotBody map[string]any
	rl := mockUpstream(t, config.AzureConfig{}, func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get(relay.ModelHeader)
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, respJSON)
	})
	h := NewOpenAIHandler(Deps{Relay: rl})

	rr := postChat(h, `{"model":"openwebui.gpt-4o","messages":[{"role":"user","content":"hi"}],"user":"x"}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}
	if rr.Body.String() != respJSON {
		t.Errorf("body = %q, want %q", rr.Body.String(), respJSON)
	}
	if rr.Header().Get(CallIDHeader) == "" {
		t.Errorf("%s header is empty", CallIDHeader)
	}
	if gotHeader != "gpt-4o" {
		t.Errorf("upstream %s = %q, want %q", relay.ModelHeader, gotHeader, "gpt-4o")
	}
	if gotBody["model"] != "gpt-4o" {
		t.Errorf("upstream model = %v, want %q", gotBody["model"], "gpt-4o")
	}
	if _, ok := gotBody["user"]; ok {
		t.Error("upstream body contains non-allowed key \"user\"")
	}
}

func TestChatCompletions_Streaming(t *testing.T) {
	sseData := "data: {\"id\":\"c-1\",\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\ndata: [DONE]\n\n"

	rl := mockUpstream(t, config.AzureConfig{}, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseData)
	})
	h := NewOpenAIHandler(Deps{Relay: rl})

	rr := postChat(h, `{"messages":[{"role":"user","content":"hi"}],"stream":true}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want %q", ct, "text/event-stream")
	}
	if rr.Body.String() != sseData {
		t.Errorf("body = %q, want %q", rr.Body.String(), sseData)
	}
	if !rr.Flushed {
		t.Error("expected response to be flushed")
	}
}

func TestChatCompletions_StreamingForwardsUpstreamHeaders(t *testing.T) {
	rl := mockUpstream(t, config.AzureConfig{}, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("X-Request-Id", "req-42")
		w.Header().Set("X-Ratelimit-Remaining-Tokens", "99")
		w.Header().Set("X-Upstream-Hop", "1")
		w.Header().Set("Connection", "X-Upstream-Hop")
		w.Header().Set("Content-Length", "10")
		fmt.Fprint(w, "data: {}\n\n")
	})
	h := NewOpenAIHandler(Deps{Relay: rl})

	rr := postChat(h, `{"messages":[],"stream":true}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	for k, want := range map[string]string{
		"X-Request-Id":                 "req-42",
		"X-Ratelimit-Remaining-Tokens": "99",
	} {
		if got := rr.Header().Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
	if got := rr.Header().Get("Content-Length"); got != "" {
		t.Errorf("Content-Length = %q, want it dropped", got)
	}
	if got := rr.Header().Get("X-Upstream-Hop"); got != "" {
		t.Errorf("X-Upstream-Hop = %q, want it dropped", got)
	}
}

func TestChatCompletions_StreamingErrorStatusPreserved(t *testing.T) {
	rl := mockUpstream(t, config.AzureConfig{}, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, "data: {}\n\n")
	})
	h := NewOpenAIHandler(Deps{Relay: rl})

	rr := postChat(h, `{"messages":[],"stream":true}`)

	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusTooManyRequests)
	}
}

func TestChatCompletions_UpstreamErrorAsText(t *testing.T) {
	rl := mockUpstream(t, config.AzureConfig{}, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
	})
	h := NewOpenAIHandler(Deps{Relay: rl})

	rr := postChat(h, `{"messages":[{"role":"user","content":"hi"}]}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
	if rr.Body.String() != "Error: bad key" {
		t.Errorf("body = %q, want %q", rr.Body.String(), "Error: bad key")
	}
}

func TestChatCompletions_TextBody(t *testing.T) {
	rl := mockUpstream(t, config.AzureConfig{}, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "plain answer")
	})
	h := NewOpenAIHandler(Deps{Relay: rl})

	rr := postChat(h, `{"messages":[{"role":"user","content":"hi"}]}`)

	if rr.Body.String() != "plain answer" {
		t.Errorf("body = %q, want %q", rr.Body.String(), "plain answer")
	}
}

func TestChatCompletions_InvalidBody(t *testing.T) {
	rl := mockUpstream(t, config.AzureConfig{}, noUpstream(t))
	h := NewOpenAIHandler(Deps{Relay: rl})

	rr := postChat(h, "{invalid")

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestChatCompletions_MissingMessages(t *testing.T) {
	rl := mockUpstream(t, config.AzureConfig{}, noUpstream(t))
	h := NewOpenAIHandler(Deps{Relay: rl})

	for _, body := range []string{`{"model":"test"}`, `{"messages":"hi"}`, `null`} {
		rr := postChat(h, body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want %d", body, rr.Code, http.StatusBadRequest)
			continue
		}
		var errBody struct {
			Error struct {
				Type string `json:"type"`
			} `json:"error"`
		}
		json.NewDecoder(rr.Body).Decode(&errBody)
		if errBody.Error.Type != "invalid_request_error" {
			t.Errorf("%s: error type = %q, want invalid_request_error", body, errBody.Error.Type)
		}
	}
}

func TestChatCompletions_Auth(t *testing.T) {
	rl := mockUpstream(t, config.AzureConfig{}, noUpstream(t))
	h := NewOpenAIHandler(Deps{Relay: rl, Token: "secret"})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}

	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer secret")
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("valid token: status = %d, want %d", rr.Code, http.StatusOK)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("health: status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestCalls_Journal(t *testing.T) {
	rl := mockUpstream(t, config.AzureConfig{}, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad model"}}`)
	})
	store := openTestStore(t)
	h := NewOpenAIHandler(Deps{Relay: rl, Store: store})

	rr := postChat(h, `{"model":"ns.gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	id := rr.Header().Get(CallIDHeader)
	if id == "" {
		t.Fatalf("%s header is empty", CallIDHeader)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/calls/"+id, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /v1/calls/{id} status = %d, want %d", rr.Code, http.StatusOK)
	}

	var detail CallDetail
	if err := json.NewDecoder(rr.Body).Decode(&detail); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if detail.Model != "gpt-4o" {
		t.Errorf("model = %q, want %q", detail.Model, "gpt-4o")
	}
	if detail.Outcome != "error" {
		t.Errorf("outcome = %q, want %q", detail.Outcome, "error")
	}
	if detail.Detail != "Error: bad model" {
		t.Errorf("detail = %q, want %q", detail.Detail, "Error: bad model")
	}
	if len(detail.Events) != 2 {
		t.Fatalf("got %d events, want 2", len(detail.Events))
	}
	if detail.Events[0].Description != relay.StatusSending {
		t.Errorf("events[0] = %q, want %q", detail.Events[0].Description, relay.StatusSending)
	}
	if !detail.Events[1].Done {
		t.Error("last event is not done")
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/calls?limit=5", nil))
	var calls []storage.Call
	json.NewDecoder(rr.Body).Decode(&calls)
	if len(calls) != 1 || calls[0].ID != id {
		t.Errorf("calls = %+v, want one call %s", calls, id)
	}
}

func TestCalls_StreamOutcome(t *testing.T) {
	rl := mockUpstream(t, config.AzureConfig{}, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	store := openTestStore(t)
	h := NewOpenAIHandler(Deps{Relay: rl, Store: store})

	rr := postChat(h, `{"messages":[],"stream":true}`)
	io.Copy(io.Discard, rr.Body)

	call, err := store.GetCall(rr.Header().Get(CallIDHeader))
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if !call.Stream {
		t.Error("stream = false, want true")
	}
	if call.Outcome != "stream" {
		t.Errorf("outcome = %q, want %q", call.Outcome, "stream")
	}

	events, err := store.CallEvents(call.ID)
	if err != nil {
		t.Fatalf("CallEvents: %v", err)
	}
	want := []string{relay.StatusSending, relay.StatusStreaming, relay.StatusStreamCompleted}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i, e := range events {
		if e.Description != want[i] {
			t.Errorf("events[%d] = %q, want %q", i, e.Description, want[i])
		}
	}
}

func TestCalls_NotFound(t *testing.T) {
	rl := mockUpstream(t, config.AzureConfig{}, noUpstream(t))
	h := NewOpenAIHandler(Deps{Relay: rl, Store: openTestStore(t)})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/calls/missing", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestCalls_NotMountedWithoutStore(t *testing.T) {
	rl := mockUpstream(t, config.AzureConfig{}, noUpstream(t))
	h := NewOpenAIHandler(Deps{Relay: rl})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/calls", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}
