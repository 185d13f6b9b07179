package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpproxy"

	"github.com/kalambet/azpipe/internal/config"
)

// Relay forwards chat completion requests to an Azure AI inference endpoint.
// A Relay is safe for concurrent use; its configuration never changes after New.
type Relay struct {
	cfg        config.AzureConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Relay.
type Option func(*Relay)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Relay) { r.httpClient = c }
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) { r.logger = l }
}

// New validates cfg and returns a Relay. It fails with *ConfigurationError
// when the API key or the endpoint is empty.
func New(cfg config.AzureConfig, opts ...Option) (*Relay, error) {
	if cfg.APIKey == "" {
		return nil, &ConfigurationError{Key: "azure.api_key", EnvVar: "AZURE_AI_API_KEY", Reason: "AZURE_AI_API_KEY is not set"}
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, &ConfigurationError{Key: "azure.endpoint", EnvVar: "AZURE_AI_ENDPOINT", Reason: "AZURE_AI_ENDPOINT is not set"}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.DefaultTimeout
	}

	r := &Relay{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.httpClient == nil {
		r.httpClient = newHTTPClient()
	}
	return r, nil
}

// newHTTPClient builds a client that honours HTTP_PROXY, HTTPS_PROXY and
// NO_PROXY. There is no client-wide timeout: each call is bounded by its own
// context so streaming bodies can outlive the response headers.
func newHTTPClient() *http.Client {
	proxyFunc := httpproxy.FromEnvironment().ProxyFunc()
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = func(req *http.Request) (*url.URL, error) {
		return proxyFunc(req.URL)
	}
	return &http.Client{Transport: transport}
}

// Do relays one chat completion request.
//
// The only error Do returns is *ValidationError, before any network call.
// Transport and upstream HTTP failures are reported as a Result of
// KindError whose Text is "Error: <detail>", after a final status has been
// sent to obs. obs may be nil.
//
// For KindStream results the caller owns Result.Stream and must Close it.
func (r *Relay) Do(ctx context.Context, payload map[string]any, obs Observer) (*Result, error) {
	body, selected, err := r.BuildBody(payload)
	if err != nil {
		return nil, err
	}
	headers := r.Headers(selected)

	log := r.logger.With("model", selected)
	r.notify(ctx, obs, Status{Description: StatusSending})

	reqCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, r.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		cancel()
		return r.fail(ctx, obs, log, nil, &UpstreamTransportError{Err: fmt.Errorf("creating request: %w", err)}), nil
	}
	httpReq.Header = headers

	log.Debug("sending request to azure ai", "endpoint", r.cfg.Endpoint, "bytes", len(body))
	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return r.fail(ctx, obs, log, nil, &UpstreamTransportError{Err: err}), nil
	}

	if isEventStream(resp.Header.Get("Content-Type")) {
		r.notify(ctx, obs, Status{Description: StatusStreaming})
		log.Debug("streaming response from azure ai", "status", resp.StatusCode)
		return &Result{
			Kind:       KindStream,
			StatusCode: resp.StatusCode,
			Header:     resp.Header.Clone(),
			Stream: &Stream{
				body:   resp.Body,
				cancel: cancel,
				notify: func(s Status) { r.notify(ctx, obs, s) },
				logger: log,
			},
		}, nil
	}

	defer func() {
		resp.Body.Close()
		cancel()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return r.fail(ctx, obs, log, nil, &UpstreamTransportError{Err: fmt.Errorf("reading response: %w", err)}), nil
	}

	captured := decodeBody(raw)
	if captured.Kind == KindText && len(raw) > 0 {
		log.Warn("azure ai response is not JSON, returning text", "status", resp.StatusCode)
	}
	captured.StatusCode = resp.StatusCode
	captured.Header = resp.Header.Clone()

	if resp.StatusCode >= http.StatusBadRequest {
		return r.fail(ctx, obs, log, captured, &UpstreamHTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       raw,
		}), nil
	}

	r.notify(ctx, obs, Status{Description: StatusCompleted, Done: true})
	return captured, nil
}

// decodeBody parses raw as JSON, falling back to text.
func decodeBody(raw []byte) *Result {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.Decode(new(json.RawMessage)) != io.EOF {
		return &Result{Kind: KindText, Text: string(raw)}
	}
	return &Result{Kind: KindJSON, JSON: v, Raw: raw}
}

func (r *Relay) fail(ctx context.Context, obs Observer, log *slog.Logger, captured *Result, cause error) *Result {
	detail := errorDetail(captured, cause)
	log.Error("error in azure ai request", "error", cause, "detail", detail)

	msg := "Error: " + detail
	r.notify(ctx, obs, Status{Description: msg, Done: true})

	res := &Result{Kind: KindError, Text: msg, Err: cause}
	if captured != nil {
		res.StatusCode = captured.StatusCode
		res.Header = captured.Header
	}
	return res
}

// errorDetail extracts a human-readable message from a failed call. It
// prefers error.message from a JSON body, then a plain-text body, then the
// error itself.
func errorDetail(captured *Result, cause error) string {
	if captured != nil {
		switch captured.Kind {
		case KindJSON:
			switch v := captured.JSON.(type) {
			case map[string]any:
				if e, ok := v["error"]; ok {
					if em, ok := e.(map[string]any); ok {
						if msg, ok := em["message"]; ok {
							return stringify(msg)
						}
					}
					return stringify(e)
				}
			case string:
				return v
			}
		case KindText:
			return captured.Text
		}
	}
	return cause.Error()
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func (r *Relay) notify(ctx context.Context, obs Observer, s Status) {
	if obs == nil {
		return
	}
	if err := obs.Notify(ctx, s); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn("status observer failed", "status", s.Description, "error", err)
	}
}

func isEventStream(contentType string) bool {
	return strings.Contains(contentType, "text/event-stream")
}
