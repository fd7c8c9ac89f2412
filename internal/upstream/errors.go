package upstream

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Kind buckets upstream failures for the retry policy.
type Kind int

const (
	// KindNetwork covers transport failures: DNS, connect, TLS, timeouts.
	KindNetwork Kind = iota
	// KindServer covers 5xx responses and 429 throttling.
	KindServer
	// KindAuthRejected covers 401/403 responses and permanent refresh
	// failures. Not retryable; re-authentication is required.
	KindAuthRejected
	// KindProtocol covers unexpected status codes and malformed payloads.
	KindProtocol
	// KindConfiguration covers local misconfiguration (bad proxy URL etc).
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	case KindAuthRejected:
		return "auth_rejected"
	case KindProtocol:
		return "protocol"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Error is the classified form every provider call returns on failure.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	RetryAfter time.Duration // server-suggested wait, 0 when absent
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error around an optional cause.
func NewError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// FromResponse classifies a non-2xx response. The body may be consumed
// to extract a server-suggested retry delay.
func FromResponse(resp *http.Response, message string) *Error {
	e := &Error{StatusCode: resp.StatusCode, Message: message}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		e.Kind = KindAuthRejected
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Kind = KindServer
		e.RetryAfter = ParseRetryDelay(resp)
	case resp.StatusCode >= 500:
		e.Kind = KindServer
	default:
		e.Kind = KindProtocol
	}
	return e
}

// WrapTransport classifies a failed round trip. Context cancellation
// passes through unwrapped so callers can detect a user-initiated stop.
func WrapTransport(err error, message string) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &Error{Kind: KindNetwork, Message: message, Err: err}
}

// Retryable reports whether the retry policy should attempt again:
// transient network and server-side failures only.
func Retryable(err error) bool {
	k, ok := KindOf(err)
	return ok && (k == KindNetwork || k == KindServer)
}

// IsAuthRejected reports whether the failure means the credential is no
// longer accepted and polling must stop until re-login.
func IsAuthRejected(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindAuthRejected
}

// KindOf extracts the classification from anywhere in the error chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// permanentRefreshMarkers are substrings the token endpoint uses when a
// refresh token is dead rather than the request merely failing.
var permanentRefreshMarkers = []string{
	"invalid_grant",
	"invalid_client",
	"unauthorized_client",
	"token has been expired or revoked",
	"revoked",
}

// ClassifyRefreshError maps a token-refresh failure onto the taxonomy:
// permanent rejections become KindAuthRejected, anything else is treated
// as transient network trouble.
func ClassifyRefreshError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range permanentRefreshMarkers {
		if strings.Contains(msg, marker) {
			return &Error{Kind: KindAuthRejected, Message: "token refresh rejected", Err: err}
		}
	}
	return &Error{Kind: KindNetwork, Message: "token refresh failed", Err: err}
}
