package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/azpipe/internal/observability"
	"github.com/kalambet/azpipe/internal/relay"
	"github.com/kalambet/azpipe/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// CallIDHeader carries the id under which a chat completion was journaled.
const CallIDHeader = "X-Azpipe-Call-Id"

// Deps holds dependencies for the HTTP handler.
type Deps struct {
	Relay  *relay.Relay
	Store  *storage.Store // optional; if nil, calls are not journaled and /v1/calls is not mounted
	Token  string         // optional; if set, /v1 routes require it as a bearer token
	Logger *slog.Logger
}

// Model is one entry of the OpenAI-compatible model list.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Name    string `json:"name"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the /v1/models response body.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// NewOpenAIHandler returns an http.Handler implementing the OpenAI-compatible
// REST API on top of the relay.
func NewOpenAIHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Route("/v1", func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Get("/models", handleModels(deps))
		r.Post("/chat/completions", handleChatCompletions(deps))
		if deps.Store != nil {
			r.Get("/calls", handleListCalls(deps))
			r.Get("/calls/{id}", handleGetCall(deps))
		}
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func modelList(rl *relay.Relay) ModelList {
	pipes := rl.Pipes()
	data := make([]Model, len(pipes))
	for i, p := range pipes {
		data[i] = Model{ID: p.ID, Object: "model", Name: p.Name, OwnedBy: "azure"}
	}
	return ModelList{Object: "list", Data: data}
}

func handleModels(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(modelList(deps.Relay))
	}
}

func handleChatCompletions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		var payload map[string]any
		if err := dec.Decode(&payload); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if payload == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "request body must be a JSON object")
			return
		}

		model := relay.SelectedModel(payload)
		stream, _ := payload["stream"].(bool)

		call := startCall(deps, model, stream)
		w.Header().Set(CallIDHeader, call.id)
		log := deps.Logger.With("call_id", call.id)

		obs := relay.Observers(statusLogger(log), observability.StatusCounter(), call)

		start := time.Now()
		res, err := deps.Relay.Do(r.Context(), payload, obs)
		observability.ObserveCall(model, res, start)
		if err != nil {
			call.finish("invalid", err.Error())
			var ve *relay.ValidationError
			if errors.As(err, &ve) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", ve.Error())
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}

		switch res.Kind {
		case relay.KindStream:
			streamResponse(w, res, log)
			call.finishStream()
		case relay.KindJSON:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(res.StatusCode)
			w.Write(res.Raw)
			call.finish(res.Kind.String(), "")
		case relay.KindError:
			textResponse(w, res.Text)
			call.finish(res.Kind.String(), res.Text)
		default:
			textResponse(w, res.Text)
			call.finish(res.Kind.String(), "")
		}
	}
}

// streamResponse copies the upstream event stream to w, flushing after
// every chunk. Upstream status and content type are preserved.
func streamResponse(w http.ResponseWriter, res *relay.Result, log *slog.Logger) {
	defer res.Stream.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	copyEndToEndHeaders(w.Header(), res.Header)
	if w.Header().Get("Cache-Control") == "" {
		w.Header().Set("Cache-Control", "no-cache")
	}
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(res.StatusCode)
	flusher.Flush()

	buf := make([]byte, 32<<10)
	for {
		n, err := res.Stream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				log.Debug("client went away during stream", "error", werr)
				return
			}
			flusher.Flush()
		}
		if err != nil {
			return
		}
	}
}

// hopHeaders are never copied from an upstream response.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
	CallIDHeader,
}

// copyEndToEndHeaders copies upstream response headers to dst, skipping
// hop-by-hop headers and any named in the upstream Connection header.
func copyEndToEndHeaders(dst, src http.Header) {
	skip := make(map[string]bool, len(hopHeaders))
	for _, k := range hopHeaders {
		skip[k] = true
	}
	for _, v := range src.Values("Connection") {
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				skip[http.CanonicalHeaderKey(k)] = true
			}
		}
	}
	for k, vv := range src {
		if skip[http.CanonicalHeaderKey(k)] {
			continue
		}
		dst.Del(k)
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// textResponse writes a plain-text reply. Relay errors are reported to the
// host as replies, so the status is always 200.
func textResponse(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(text))
}

func statusLogger(log *slog.Logger) relay.Observer {
	return relay.ObserverFunc(func(ctx context.Context, s relay.Status) error {
		log.DebugContext(ctx, "status", "description", s.Description, "done", s.Done)
		return nil
	})
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
