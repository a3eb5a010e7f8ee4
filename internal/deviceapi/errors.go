package deviceapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/tidwall/gjson"
)

// Messages recorded as the last auth error.
const (
	MsgProtectedBlocked = "API token required for protected device routes."
	MsgTokenRejected    = "Stored API token was rejected by device. Update the token and retry."
	MsgTokenMissing     = "API token required by selected device."
)

// DefaultFallbackMessage prefixes the status code when a failed response
// carries no usable body.
const DefaultFallbackMessage = "Request failed"

// NetworkError reports a request that never produced an HTTP response:
// connection refused, DNS failure or timeout.
type NetworkError struct {
	Host string
	Path string
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("request to %s%s failed: %v", e.Host, e.Path, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the request was cut off by its deadline.
func (e *NetworkError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// ProtocolError reports a non-2xx response or an unreadable body.
type ProtocolError struct {
	Status  int
	Message string
}

func (e *ProtocolError) Error() string {
	return e.Message
}

// AuthError reports a 401 from the device, or a protected call refused
// locally because the device is known to need a token that is not set.
type AuthError struct {
	Message string
	// Blocked is true when no request was sent.
	Blocked bool
}

func (e *AuthError) Error() string {
	return e.Message
}

// ErrorMessage extracts a human-readable message from a failed response
// body: the JSON "error" string, else "<fallback> (<status>)".
func ErrorMessage(body []byte, status int, fallback string) string {
	if fallback == "" {
		fallback = DefaultFallbackMessage
	}
	if v := gjson.GetBytes(body, "error"); v.Type == gjson.String && strings.TrimSpace(v.Str) != "" {
		return v.Str
	}
	return fmt.Sprintf("%s (%d)", fallback, status)
}

func authMessage(tokenSent bool) string {
	if tokenSent {
		return MsgTokenRejected
	}
	return MsgTokenMissing
}
