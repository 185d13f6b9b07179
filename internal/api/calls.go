package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/azpipe/internal/relay"
	"github.com/kalambet/azpipe/internal/storage"
)

// callJournal records one relayed call and its status events. With a nil
// store it only hands out the call id.
type callJournal struct {
	id     string
	store  *storage.Store
	logger *slog.Logger

	mu       sync.Mutex
	terminal relay.Status
}

func startCall(deps Deps, model string, stream bool) *callJournal {
	c := &callJournal{
		id:     uuid.New().String(),
		store:  deps.Store,
		logger: deps.Logger,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.store == nil {
		return c
	}
	err := c.store.SaveCall(storage.Call{
		ID:        c.id,
		CreatedAt: time.Now().UTC(),
		Model:     model,
		Stream:    stream,
	})
	if err != nil {
		c.logger.Warn("journal: saving call", "call_id", c.id, "error", err)
		c.store = nil
	}
	return c
}

// Notify implements relay.Observer.
func (c *callJournal) Notify(_ context.Context, s relay.Status) error {
	if s.Done {
		c.mu.Lock()
		c.terminal = s
		c.mu.Unlock()
	}
	if c.store == nil {
		return nil
	}
	return c.store.SaveStatusEvent(storage.StatusEvent{
		CallID:      c.id,
		CreatedAt:   time.Now().UTC(),
		Description: s.Description,
		Done:        s.Done,
	})
}

func (c *callJournal) finish(outcome, detail string) {
	if c.store == nil {
		return
	}
	if err := c.store.FinishCall(c.id, outcome, detail); err != nil {
		c.logger.Warn("journal: finishing call", "call_id", c.id, "error", err)
	}
}

// finishStream records a stream by its terminal status: an "Error: ..."
// status marks the call failed.
func (c *callJournal) finishStream() {
	c.mu.Lock()
	terminal := c.terminal
	c.mu.Unlock()

	if strings.HasPrefix(terminal.Description, "Error: ") {
		c.finish(relay.KindError.String(), terminal.Description)
		return
	}
	c.finish(relay.KindStream.String(), "")
}

// CallDetail is a journaled call with its status events.
type CallDetail struct {
	storage.Call
	Events []storage.StatusEvent `json:"events"`
}

func handleListCalls(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		calls, err := deps.Store.RecentCalls(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list calls: %v", err)
			return
		}

		if calls == nil {
			calls = []storage.Call{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(calls)
	}
}

func handleGetCall(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		call, err := deps.Store.GetCall(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "call not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get call: %v", err)
			return
		}

		events, err := deps.Store.CallEvents(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get call events: %v", err)
			return
		}
		if events == nil {
			events = []storage.StatusEvent{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(CallDetail{Call: call, Events: events})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
