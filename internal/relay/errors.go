package relay

import (
	"fmt"

	"github.com/kalambet/azpipe/internal/config"
)

// ConfigurationError is returned by New when a required setting is missing.
type ConfigurationError = config.ConfigurationError

// ValidationError reports a malformed request payload. It is returned
// before any network activity.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s %s", e.Field, e.Reason)
}

// UpstreamTransportError wraps a connection, timeout, or body read failure.
type UpstreamTransportError struct {
	Err error
}

func (e *UpstreamTransportError) Error() string {
	return fmt.Sprintf("upstream request failed: %v", e.Err)
}

func (e *UpstreamTransportError) Unwrap() error {
	return e.Err
}

// UpstreamHTTPError reports a non-success status from the upstream.
type UpstreamHTTPError struct {
	StatusCode int
	Status     string
	Body       []byte
}

func (e *UpstreamHTTPError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("upstream returned HTTP %s", e.Status)
	}
	return fmt.Sprintf("upstream returned HTTP %d", e.StatusCode)
}
