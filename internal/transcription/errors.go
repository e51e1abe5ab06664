package transcription

import (
	"context"
	"errors"
	"fmt"
	"net"

	openai "github.com/sashabaranov/go-openai"
)

// Kind classifies a transcription failure. The retry and fallback
// policies branch on kinds, never on error message contents.
type Kind int

const (
	// KindPayloadTooSmall rejects chunks below the minimum WAV size
	// before any network call.
	KindPayloadTooSmall Kind = iota

	// KindPayloadTooLarge rejects chunks above the service's upload
	// limit before any network call.
	KindPayloadTooLarge

	// KindNetwork covers connection failures and timeouts. Retryable.
	KindNetwork

	// KindServer covers 5xx and rate-limit responses. Retryable.
	KindServer

	// KindAuth covers missing or rejected credentials. Not retryable.
	KindAuth

	// KindMalformed covers payloads the service rejected outright and
	// responses that could not be decoded. Not retryable.
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindPayloadTooSmall:
		return "payload_too_small"
	case KindPayloadTooLarge:
		return "payload_too_large"
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	case KindAuth:
		return "auth"
	case KindMalformed:
		return "malformed"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Error is a classified transcription failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transcription failed (%s): %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("transcription failed (%s): %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt against the primary
// service may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindServer
}

// FallbackEligible reports whether the local fallback engine should be
// tried. Payload validation failures would fail there too, so they are
// the only kinds excluded.
func (e *Error) FallbackEligible() bool {
	return e.Kind != KindPayloadTooSmall && e.Kind != KindPayloadTooLarge
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// classify maps an error from the primary client into a kinded Error.
func classify(err error) *Error {
	var terr *Error
	if errors.As(err, &terr) {
		return terr
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.HTTPStatusCode, err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == 0 {
			return wrapError(KindNetwork, err, "request failed before a response arrived")
		}
		return classifyStatus(reqErr.HTTPStatusCode, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return wrapError(KindNetwork, err, "request timed out")
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return wrapError(KindNetwork, err, "network failure")
	}

	// Undecodable responses and anything else unexpected: do not burn
	// retries on a failure that will repeat.
	return wrapError(KindMalformed, err, "unexpected response from transcription service")
}

func classifyStatus(status int, err error) *Error {
	switch {
	case status == 401 || status == 403:
		return wrapError(KindAuth, err, "transcription service rejected credentials")
	case status == 429:
		return wrapError(KindServer, err, "transcription service rate limited the request")
	case status >= 500:
		return wrapError(KindServer, err, fmt.Sprintf("transcription service returned HTTP %d", status))
	default:
		return wrapError(KindMalformed, err, fmt.Sprintf("transcription service rejected the request with HTTP %d", status))
	}
}
