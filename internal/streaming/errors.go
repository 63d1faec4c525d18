package streaming

import "fmt"

// ErrorKind tags the Model Streaming Client's error taxonomy (spec §4.2, §7).
type ErrorKind string

const (
	ErrUsageLimitReached ErrorKind = "usage_limit_reached"
	ErrUsageNotIncluded  ErrorKind = "usage_not_included"
	ErrRetryLimit        ErrorKind = "retry_limit"
	ErrServerError       ErrorKind = "server_error"
	ErrStream            ErrorKind = "stream"
	ErrUnexpectedStatus  ErrorKind = "unexpected_status"
)

// StreamClientError is the typed error value returned by Client.Stream,
// mirroring the provider's wrapError/ProviderError pattern in
// internal/agent/providers/anthropic.go and the error taxonomy in
// code-rs/core/src/client.rs (UsageLimitReachedError, UnexpectedResponseError).
type StreamClientError struct {
	Kind    ErrorKind
	Message string

	Status    int
	RequestID string
	Body      string // truncated to 600 chars per spec §7

	PlanType        string
	ResetsInSeconds *uint64

	RetryAfterMs *int64
}

func (e *StreamClientError) Error() string {
	switch e.Kind {
	case ErrUnexpectedStatus:
		return fmt.Sprintf("unexpected status %d (request_id=%s): %s", e.Status, e.RequestID, e.Body)
	case ErrServerError:
		return fmt.Sprintf("server error (status=%d request_id=%s): %s", e.Status, e.RequestID, e.Body)
	default:
		return e.Message
	}
}

func truncateBody(body string) string {
	const maxBodyExcerpt = 600
	if len(body) <= maxBodyExcerpt {
		return body
	}
	return body[:maxBodyExcerpt]
}
