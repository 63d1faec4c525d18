// Package streaming is the Model Streaming Client (L2): it shapes a
// request from a Prompt, performs a retried HTTPS POST, parses rate-limit
// headers, and hands SSE events to the Turn Engine as a lazy channel.
//
// Grounded on internal/agent/providers/anthropic.go's Complete/retry loop
// (goroutine-based streaming, exponential backoff, isRetryableError/
// wrapError/ProviderError) and on code-rs/core/src/client.rs's
// try_parse_retry_after/parse_rate_limit_snapshot for the exact rate-limit
// header contract and 429-body fallback parsing order.
package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/nexus-turnengine/internal/streaming/sse"
	"github.com/haasonsaas/nexus-turnengine/pkg/protocol"
)

// WireAPI selects the Responses or Chat-Completions wire variant (spec §4.2).
type WireAPI string

const (
	WireResponses WireAPI = "responses"
	WireChat      WireAPI = "chat"
)

// ResponseEventKind tags the ResponseEvent surface the Turn Engine consumes.
type ResponseEventKind string

const (
	RECreated                ResponseEventKind = "created"
	REOutputItemDone         ResponseEventKind = "output_item_done"
	REOutputTextDelta        ResponseEventKind = "output_text_delta"
	REReasoningSummaryDelta  ResponseEventKind = "reasoning_summary_delta"
	REReasoningContentDelta  ResponseEventKind = "reasoning_content_delta"
	REReasoningSummaryAdded  ResponseEventKind = "reasoning_summary_part_added"
	REWebSearchCallBegin     ResponseEventKind = "web_search_call_begin"
	REWebSearchCallCompleted ResponseEventKind = "web_search_call_completed"
	RERateLimits             ResponseEventKind = "rate_limits"
	RECompleted              ResponseEventKind = "completed"
)

// ResponseEvent is one item of the lazy sequence returned by Client.Stream.
type ResponseEvent struct {
	Kind ResponseEventKind

	Item           *protocol.ResponseItem
	Delta          string
	ItemID         string
	SequenceNumber *uint64
	OutputIndex    *uint32

	CallID string
	Query  string

	RateLimits *protocol.RateLimitSnapshot

	ResponseID string
	Usage      *protocol.TokenUsage
}

// ProviderCapabilities describes backend-specific behavior the client must
// honor; see DESIGN.md's Open-Question #1 resolution (Azure workaround keyed
// on a capability bit, not a provider-name string match).
type ProviderCapabilities struct {
	RequiresIDReattachment bool
	SupportsTextVerbosity  bool
	IsChatGPTAuth          bool
}

// Config tunes retry/backoff/timeout behavior (defaults mirror the
// teacher's AnthropicConfig/ExecutorConfig numeric defaults).
type Config struct {
	WireAPI         WireAPI
	MaxRetries      int
	RetryDelay      time.Duration
	MaxRetryDelay   time.Duration
	StreamIdleTimeout time.Duration
	Capabilities    ProviderCapabilities
}

func DefaultConfig() *Config {
	return &Config{
		WireAPI:           WireResponses,
		MaxRetries:        5,
		RetryDelay:        1 * time.Second,
		MaxRetryDelay:     30 * time.Second,
		StreamIdleTimeout: 5 * time.Minute,
	}
}

// Transport performs the single HTTP round trip; implementations wrap a
// concrete SDK (anthropic-sdk-go, go-openai, AWS bedrockruntime,
// google.golang.org/genai) per internal/providers/*.
type Transport interface {
	Post(ctx context.Context, prompt *protocol.Prompt) (*http.Response, error)
}

// Client is the Model Streaming Client (L2).
type Client struct {
	transport Transport
	config    *Config
	logger    *slog.Logger
}

func NewClient(transport Transport, config *Config, logger *slog.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{transport: transport, config: config, logger: logger.With("component", "streaming-client")}
}

// Stream opens a retried request and returns a channel of ResponseEvents.
// The channel is closed when the stream completes, errors terminally, or
// ctx is cancelled.
func (c *Client) Stream(ctx context.Context, prompt *protocol.Prompt) (<-chan ResponseEvent, <-chan error) {
	events := make(chan ResponseEvent, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		var lastErr error
		for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
			resp, err := c.transport.Post(ctx, prompt)
			if err != nil {
				lastErr = err
				if !c.isRetryableTransportError(err) || ctx.Err() != nil {
					errs <- err
					return
				}
				c.sleepBackoff(ctx, attempt, 0)
				continue
			}

			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				if snap := parseRateLimitSnapshot(resp.Header); snap != nil {
					events <- ResponseEvent{Kind: RERateLimits, RateLimits: snap}
				}
				err := c.consumeStream(ctx, resp.Body, events)
				resp.Body.Close()
				if err == nil {
					return
				}
				lastErr = err
				errs <- err
				return
			}

			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			requestID := resp.Header.Get("x-request-id")

			if resp.StatusCode != http.StatusTooManyRequests &&
				resp.StatusCode != http.StatusUnauthorized &&
				resp.StatusCode < 500 {
				errs <- &StreamClientError{
					Kind:      ErrUnexpectedStatus,
					Status:    resp.StatusCode,
					RequestID: requestID,
					Body:      truncateBody(string(body)),
				}
				return
			}

			if resp.StatusCode == http.StatusTooManyRequests {
				typedErr := classify429(body)
				if typedErr != nil {
					if typedErr.Kind == ErrUsageLimitReached || typedErr.Kind == ErrUsageNotIncluded {
						errs <- typedErr
						return
					}
				}
			}

			if attempt >= c.config.MaxRetries {
				if resp.StatusCode >= 500 {
					errs <- &StreamClientError{
						Kind:      ErrServerError,
						Status:    resp.StatusCode,
						RequestID: requestID,
						Body:      truncateBody(string(body)),
						Message:   fmt.Sprintf("server error after %d retries", attempt),
					}
					return
				}
				errs <- &StreamClientError{Kind: ErrRetryLimit, Message: "retry limit exceeded"}
				return
			}

			retryAfter := retryAfterFromResponse(resp.Header, body)
			c.sleepBackoff(ctx, attempt, retryAfter)
			lastErr = fmt.Errorf("retrying after status %d", resp.StatusCode)
		}
		if lastErr != nil {
			errs <- lastErr
		}
	}()

	return events, errs
}

func (c *Client) isRetryableTransportError(err error) bool {
	// Connection refused / TLS / DNS / timeout are all retried per spec §7.
	return err != nil
}

// sleepBackoff implements exponential backoff with jitter, honoring a
// rate-limit hint when present (spec §4.2: "rate-limit hints override
// backoff").
func (c *Client) sleepBackoff(ctx context.Context, attempt int, hint time.Duration) {
	delay := hint
	if delay == 0 {
		backoff := time.Duration(float64(c.config.RetryDelay) * math.Pow(2, float64(attempt)))
		if backoff > c.config.MaxRetryDelay {
			backoff = c.config.MaxRetryDelay
		}
		jitter := time.Duration(rand.Int63n(int64(backoff/4 + 1)))
		delay = backoff + jitter
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}

// consumeStream drives the SSE Decoder (L1) and translates RawEvents into
// the ResponseEvent surface, stopping after Completed.
func (c *Client) consumeStream(ctx context.Context, body io.Reader, out chan<- ResponseEvent) error {
	dec := sse.NewDecoder(body, c.config.StreamIdleTimeout)
	for {
		raw, err := dec.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if se, ok := err.(*sse.StreamError); ok {
				return &StreamClientError{Kind: ErrStream, Message: se.Message}
			}
			return err
		}
		ev, ok := translateRawEvent(raw)
		if !ok {
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
		if ev.Kind == RECompleted {
			return nil
		}
	}
}

func translateRawEvent(raw *sse.RawEvent) (ResponseEvent, bool) {
	switch raw.Kind {
	case sse.KindCreated:
		return ResponseEvent{Kind: RECreated}, true
	case sse.KindOutputTextDelta:
		return ResponseEvent{Kind: REOutputTextDelta, Delta: raw.Text, ItemID: raw.ItemID, SequenceNumber: raw.SequenceNumber, OutputIndex: raw.OutputIndex}, true
	case sse.KindReasoningSummaryDelta:
		return ResponseEvent{Kind: REReasoningSummaryDelta, Delta: raw.Text, ItemID: raw.ItemID, SequenceNumber: raw.SequenceNumber, OutputIndex: raw.OutputIndex}, true
	case sse.KindReasoningTextDelta:
		return ResponseEvent{Kind: REReasoningContentDelta, Delta: raw.Text, ItemID: raw.ItemID, SequenceNumber: raw.SequenceNumber, OutputIndex: raw.OutputIndex}, true
	case sse.KindReasoningSummaryPartAdded:
		return ResponseEvent{Kind: REReasoningSummaryAdded, ItemID: raw.ItemID}, true
	case sse.KindOutputItemDone:
		var payload struct {
			Item protocol.ResponseItem `json:"item"`
		}
		_ = json.Unmarshal(raw.Data, &payload)
		return ResponseEvent{Kind: REOutputItemDone, Item: &payload.Item, SequenceNumber: raw.SequenceNumber, OutputIndex: raw.OutputIndex}, true
	case sse.KindCompleted:
		var payload struct {
			Response struct {
				ID    string `json:"id"`
				Usage *struct {
					InputTokens     int64 `json:"input_tokens"`
					CachedInput     int64 `json:"cached_input_tokens"`
					OutputTokens    int64 `json:"output_tokens"`
					ReasoningTokens int64 `json:"reasoning_output_tokens"`
					TotalTokens     int64 `json:"total_tokens"`
				} `json:"usage"`
			} `json:"response"`
		}
		_ = json.Unmarshal(raw.Data, &payload)
		var usage *protocol.TokenUsage
		if payload.Response.Usage != nil {
			usage = &protocol.TokenUsage{
				Input:           payload.Response.Usage.InputTokens,
				CachedInput:     payload.Response.Usage.CachedInput,
				Output:          payload.Response.Usage.OutputTokens,
				ReasoningOutput: payload.Response.Usage.ReasoningTokens,
				Total:           payload.Response.Usage.TotalTokens,
			}
		}
		return ResponseEvent{Kind: RECompleted, ResponseID: payload.Response.ID, Usage: usage}, true
	default:
		return ResponseEvent{}, false
	}
}

// --- rate limit header / 429 body parsing, grounded on
// code-rs/core/src/client.rs's parse_rate_limit_snapshot / format_rate_limit_headers
// / try_parse_retry_after ---

func parseRateLimitSnapshot(h http.Header) *protocol.RateLimitSnapshot {
	primaryPct := h.Get("x-codex-primary-used-percent")
	if primaryPct == "" {
		return nil
	}
	snap := &protocol.RateLimitSnapshot{}
	snap.PrimaryUsedPercent, _ = strconv.ParseFloat(primaryPct, 64)
	if v := h.Get("x-codex-primary-window-minutes"); v != "" {
		snap.PrimaryWindowMinutes, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := h.Get("x-codex-primary-reset-after-seconds"); v != "" {
		snap.PrimaryResetAfterSeconds, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := h.Get("x-codex-secondary-used-percent"); v != "" {
		snap.SecondaryUsedPercent, _ = strconv.ParseFloat(v, 64)
	}
	if v := h.Get("x-codex-secondary-window-minutes"); v != "" {
		snap.SecondaryWindowMinutes, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := h.Get("x-codex-secondary-reset-after-seconds"); v != "" {
		snap.SecondaryResetAfterSeconds, _ = strconv.ParseInt(v, 10, 64)
	}
	return snap
}

type errorResponseBody struct {
	Error struct {
		Type            string  `json:"type"`
		Code            string  `json:"code"`
		Message         string  `json:"message"`
		PlanType        string  `json:"plan_type"`
		ResetsInSeconds *uint64 `json:"resets_in_seconds"`
	} `json:"error"`
}

func classify429(body []byte) *StreamClientError {
	var parsed errorResponseBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil
	}
	switch parsed.Error.Type {
	case "usage_limit_reached":
		return &StreamClientError{
			Kind:            ErrUsageLimitReached,
			PlanType:        parsed.Error.PlanType,
			ResetsInSeconds: parsed.Error.ResetsInSeconds,
			Message:         parsed.Error.Message,
		}
	case "usage_not_included":
		return &StreamClientError{Kind: ErrUsageNotIncluded, Message: parsed.Error.Message}
	default:
		return nil
	}
}

var retryAfterPhrase = regexp.MustCompile(`(?i)please try again in ([\d.]+)(s|ms)`)

// retryAfterFromResponse implements spec §4.2's fallback order: the
// Retry-After header, then the body's resets_in_seconds, then the
// "Please try again in Ns/Nms" message phrase.
func retryAfterFromResponse(h http.Header, body []byte) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseUint(v, 10, 64); err == nil {
			return time.Duration(secs) * time.Second
		}
	}

	var parsed errorResponseBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.ResetsInSeconds != nil {
		return time.Duration(*parsed.Error.ResetsInSeconds) * time.Second
	}

	if m := retryAfterPhrase.FindStringSubmatch(string(body)); m != nil {
		val, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			if strings.EqualFold(m[2], "ms") {
				return time.Duration(val * float64(time.Millisecond))
			}
			return time.Duration(val * float64(time.Second))
		}
	}

	return 0
}
