package relay

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/kalambet/azpipe/internal/config"
)

func testPayload() map[string]any {
	return map[string]any{
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	}
}

func decodeBodyMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	return m
}

func TestStripNamespace(t *testing.T) {
	tests := map[string]string{
		"openwebui.gpt-4o":     "gpt-4o",
		"gpt-4o":               "gpt-4o",
		"azure.Phi-3.5-mini":   "Phi-3.5-mini",
		"":                     "",
		".leading":             "leading",
		"ns.Meta-Llama-3.1-8B": "Meta-Llama-3.1-8B",
	}
	for in, want := range tests {
		if got := StripNamespace(in); got != want {
			t.Errorf("StripNamespace(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHeaders(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.AzureConfig
		model     string
		wantModel string
	}{
		{"explicit model", config.AzureConfig{Model: "gpt-4o;o1"}, "Phi-4", "Phi-4"},
		{"single configured model", config.AzureConfig{Model: "gpt-4o"}, "", "gpt-4o"},
		{"ambiguous configured models", config.AzureConfig{Model: "gpt-4o;o1"}, "", ""},
		{"space separated", config.AzureConfig{Model: "gpt-4o o1"}, "", ""},
		{"no model", config.AzureConfig{}, "", ""},
		{"model in body", config.AzureConfig{Model: "gpt-4o", ModelInBody: true}, "Phi-4", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRelay(t, tt.cfg)
			h := r.Headers(tt.model)

			if got := h.Get("Authorization"); got != "Bearer test-key" {
				t.Errorf("Authorization = %q, want %q", got, "Bearer test-key")
			}
			if got := h.Get("Content-Type"); got != "application/json" {
				t.Errorf("Content-Type = %q, want %q", got, "application/json")
			}
			if got := h.Get(ModelHeader); got != tt.wantModel {
				t.Errorf("%s = %q, want %q", ModelHeader, got, tt.wantModel)
			}
		})
	}
}

func TestBuildBody_Validation(t *testing.T) {
	r := newTestRelay(t, config.AzureConfig{})

	bad := []map[string]any{
		{},
		{"messages": nil},
		{"messages": "hi"},
		{"messages": map[string]any{"role": "user"}},
		{"messages": json.RawMessage(`{"role":"user"}`)},
		{"messages": []byte("[]")},
	}
	for _, p := range bad {
		_, _, err := r.BuildBody(p)
		var vErr *ValidationError
		if !errors.As(err, &vErr) {
			t.Errorf("BuildBody(%v) error = %v, want *ValidationError", p, err)
		}
	}

	good := []map[string]any{
		testPayload(),
		{"messages": []any{}},
		{"messages": []map[string]string{{"role": "user", "content": "hi"}}},
		{"messages": json.RawMessage(`[{"role":"user","content":"hi"}]`)},
	}
	for _, p := range good {
		if _, _, err := r.BuildBody(p); err != nil {
			t.Errorf("BuildBody(%v) unexpected error: %v", p, err)
		}
	}
}

func TestBuildBody_FiltersParams(t *testing.T) {
	r := newTestRelay(t, config.AzureConfig{})

	p := testPayload()
	p["temperature"] = 0.2
	p["stream"] = true
	p["seed"] = json.Number("12345678901234567890")
	p["user"] = "someone"
	p["chat_id"] = "abc"
	p["metadata"] = map[string]any{"x": 1}

	body, _, err := r.BuildBody(p)
	if err != nil {
		t.Fatalf("BuildBody: %v", err)
	}
	m := decodeBodyMap(t, body)

	for _, k := range []string{"messages", "temperature", "stream", "seed"} {
		if _, ok := m[k]; !ok {
			t.Errorf("body is missing %q", k)
		}
	}
	for _, k := range []string{"user", "chat_id", "metadata"} {
		if _, ok := m[k]; ok {
			t.Errorf("body contains disallowed key %q", k)
		}
	}

	var raw map[string]json.RawMessage
	json.Unmarshal(body, &raw)
	if string(raw["seed"]) != "12345678901234567890" {
		t.Errorf("seed = %s, want 12345678901234567890", raw["seed"])
	}
}

func TestBuildBody_Model(t *testing.T) {
	tests := []struct {
		name         string
		cfg          config.AzureConfig
		model        any
		wantModel    any
		wantSelected string
	}{
		{"namespace stripped", config.AzureConfig{}, "openwebui.gpt-4o", "gpt-4o", "gpt-4o"},
		{"plain model", config.AzureConfig{}, "gpt-4o", "gpt-4o", "gpt-4o"},
		{"no model", config.AzureConfig{}, nil, nil, ""},
		{"in body caller wins", config.AzureConfig{Model: "o1;o3", ModelInBody: true}, "openwebui.Phi-4", "Phi-4", "Phi-4"},
		{"in body first configured", config.AzureConfig{Model: "o1;o3", ModelInBody: true}, nil, "o1", ""},
		{"in body raw fallback", config.AzureConfig{Model: ";", ModelInBody: true}, nil, ";", ""},
		{"in body without configured model", config.AzureConfig{ModelInBody: true}, "ns.gpt-4o", "gpt-4o", "gpt-4o"},
		{"header mode keeps caller model", config.AzureConfig{Model: "o1"}, "ns.o3-mini", "o3-mini", "o3-mini"},
		{"empty model untouched", config.AzureConfig{}, "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRelay(t, tt.cfg)
			p := testPayload()
			if tt.model != nil {
				p["model"] = tt.model
			}

			body, selected, err := r.BuildBody(p)
			if err != nil {
				t.Fatalf("BuildBody: %v", err)
			}
			if selected != tt.wantSelected {
				t.Errorf("selected = %q, want %q", selected, tt.wantSelected)
			}

			m := decodeBodyMap(t, body)
			got, ok := m["model"]
			if tt.wantModel == nil {
				if ok {
					t.Errorf("model = %v, want absent", got)
				}
				return
			}
			if got != tt.wantModel {
				t.Errorf("model = %v, want %v", got, tt.wantModel)
			}
		})
	}
}

func TestBuildBody_DoesNotMutatePayload(t *testing.T) {
	r := newTestRelay(t, config.AzureConfig{})
	p := testPayload()
	p["model"] = "openwebui.gpt-4o"
	p["user"] = "x"

	if _, _, err := r.BuildBody(p); err != nil {
		t.Fatalf("BuildBody: %v", err)
	}
	if p["model"] != "openwebui.gpt-4o" {
		t.Errorf("payload model = %v, want unchanged", p["model"])
	}
	if _, ok := p["user"]; !ok {
		t.Error("payload user key was removed")
	}
}
