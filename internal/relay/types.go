package relay

import (
	"context"
	"encoding/json"
	"net/http"
)

// Lifecycle status descriptions.
const (
	StatusSending         = "Sending request to Azure AI..."
	StatusStreaming       = "Streaming response from Azure AI..."
	StatusStreamCompleted = "Streaming completed"
	StatusCompleted       = "Request completed"
)

// Status is a lifecycle notification sent to an Observer.
type Status struct {
	Description string
	Done        bool
}

// MarshalJSON encodes the status in the host event shape:
// {"type":"status","data":{"description":...,"done":...}}.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Data struct {
			Description string `json:"description"`
			Done        bool   `json:"done"`
		} `json:"data"`
	}{
		Type: "status",
		Data: struct {
			Description string `json:"description"`
			Done        bool   `json:"done"`
		}{s.Description, s.Done},
	})
}

// Observer receives status notifications for a single call. A failing
// observer never aborts the call.
type Observer interface {
	Notify(ctx context.Context, s Status) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, s Status) error

func (f ObserverFunc) Notify(ctx context.Context, s Status) error {
	return f(ctx, s)
}

// Observers fans a notification out to every non-nil observer. It returns
// nil when none are given.
func Observers(obs ...Observer) Observer {
	var list multiObserver
	for _, o := range obs {
		if o != nil {
			list = append(list, o)
		}
	}
	if len(list) == 0 {
		return nil
	}
	return list
}

type multiObserver []Observer

func (m multiObserver) Notify(ctx context.Context, s Status) error {
	var first error
	for _, o := range m {
		if err := o.Notify(ctx, s); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Pipe is a selectable model entry offered to the host.
type Pipe struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Kind classifies a Result.
type Kind int

const (
	KindJSON Kind = iota
	KindText
	KindStream
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindJSON:
		return "json"
	case KindText:
		return "text"
	case KindStream:
		return "stream"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Result is the outcome of Relay.Do.
//
// KindJSON carries the decoded body in JSON and the original bytes in Raw.
// KindText carries a body that was not valid JSON in Text.
// KindStream carries a live Stream that the caller must Close.
// KindError carries the host-facing "Error: <detail>" string in Text and the
// underlying *UpstreamTransportError or *UpstreamHTTPError in Err.
type Result struct {
	Kind       Kind
	StatusCode int
	Header     http.Header
	JSON       any
	Raw        []byte
	Text       string
	Stream     *Stream
	Err        error
}
