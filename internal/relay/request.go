package relay

import (
	"encoding/json"
	"net/http"
	"reflect"
	"strings"
)

// ModelHeader carries the model name when it is not sent in the body.
const ModelHeader = "x-ms-model-mesh-model-name"

// allowedParams are the request keys forwarded upstream. Everything else the
// host adds to the payload is dropped.
var allowedParams = map[string]bool{
	"model":             true,
	"messages":          true,
	"frequency_penalty": true,
	"max_tokens":        true,
	"presence_penalty":  true,
	"reasoning_effort":  true,
	"response_format":   true,
	"seed":              true,
	"stop":              true,
	"stream":            true,
	"temperature":       true,
	"tool_choice":       true,
	"tools":             true,
	"top_p":             true,
}

// StripNamespace removes a routing prefix the host adds in front of model
// names: everything up to and including the first dot.
func StripNamespace(model string) string {
	if _, after, ok := strings.Cut(model, "."); ok {
		return after
	}
	return model
}

// Headers returns the upstream request headers. model is the caller-selected
// model, already namespace-stripped, or "" when none was selected.
func (r *Relay) Headers(model string) http.Header {
	h := make(http.Header)
	h.Set("Authorization", "Bearer "+r.cfg.APIKey)
	h.Set("Content-Type", "application/json")

	if !r.cfg.ModelInBody {
		switch {
		case model != "":
			h.Set(ModelHeader, model)
		case isSingleModel(r.cfg.Model):
			h.Set(ModelHeader, r.cfg.Model)
		}
	}
	return h
}

// SelectedModel returns the caller's model from payload with its namespace
// stripped, or "" when the payload names no model.
func SelectedModel(payload map[string]any) string {
	m, ok := payload["model"].(string)
	if !ok || m == "" {
		return ""
	}
	return StripNamespace(m)
}

// BuildBody validates payload and returns the JSON body to send upstream
// along with the selected model.
func (r *Relay) BuildBody(payload map[string]any) ([]byte, string, error) {
	msgs, ok := payload["messages"]
	if !ok || !isList(msgs) {
		return nil, "", &ValidationError{Field: "messages", Reason: "is required and must be a list"}
	}

	selected := SelectedModel(payload)

	body := make(map[string]any, len(allowedParams))
	for k, v := range payload {
		if allowedParams[k] {
			body[k] = v
		}
	}

	if r.cfg.Model != "" && r.cfg.ModelInBody {
		switch models := ParseModels(r.cfg.Model); {
		case selected != "":
			body["model"] = selected
		case len(models) > 0:
			// Only the first configured model is sent when several are listed.
			body["model"] = models[0]
		default:
			body["model"] = r.cfg.Model
		}
	} else if m, ok := body["model"].(string); ok && m != "" {
		body["model"] = StripNamespace(m)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, "", &ValidationError{Field: "body", Reason: "cannot be encoded as JSON: " + err.Error()}
	}
	return data, selected, nil
}

// isList reports whether v is a JSON array or a Go slice/array other than
// raw bytes.
func isList(v any) bool {
	switch m := v.(type) {
	case nil:
		return false
	case []any:
		return m != nil
	case json.RawMessage:
		var arr []json.RawMessage
		return json.Unmarshal(m, &arr) == nil && arr != nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice:
		return !rv.IsNil() && rv.Type().Elem().Kind() != reflect.Uint8
	case reflect.Array:
		return true
	}
	return false
}
