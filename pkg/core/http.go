package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/NERVsystems/osmadiff/pkg/tracing"
)

// RetryOptions configures retry behavior for HTTP requests
type RetryOptions struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// DefaultRetryOptions provides sensible defaults for retries
var DefaultRetryOptions = RetryOptions{
	MaxAttempts:  3,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     10 * time.Second,
	Multiplier:   2.0,
}

// DefaultClient provides a pre-configured HTTP client with connection pooling
var DefaultClient = &http.Client{
	Timeout: 30 * time.Second,
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	},
}

// maxErrorBody bounds how much of an error response is kept in the message.
const maxErrorBody = 512

// retryable reports whether a response status is worth another attempt.
func retryable(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		status >= 500
}

// statusError drains and closes a failed response and describes it.
func statusError(resp *http.Response, logger *slog.Logger) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err := resp.Body.Close(); err != nil {
		logger.Warn("failed to close response body", "error", err)
	}

	message := fmt.Sprintf("HTTP status %d", resp.StatusCode)
	if text := strings.TrimSpace(string(body)); text != "" {
		message += ": " + text
	}
	svcErr := ServiceError("HTTP", resp.StatusCode, message)
	if resp.Request != nil {
		svcErr.WithQuery(resp.Request.URL.Path)
	}
	return svcErr
}

// WithRetry performs an HTTP request with exponential backoff retry logic.
// Transport errors, 408, 429 and 5xx responses are retried; any other
// non-2xx response fails immediately with a coded *Error.
func WithRetry(ctx context.Context, req *http.Request, client *http.Client, options RetryOptions) (*http.Response, error) {
	if client == nil {
		client = DefaultClient
	}
	if options.MaxAttempts < 1 {
		options.MaxAttempts = 1
	}

	spanName := fmt.Sprintf("http.request %s %s", req.Method, req.URL.Path)
	ctx, span := tracing.StartSpan(ctx, spanName,
		trace.WithAttributes(
			attribute.String(tracing.AttrHTTPMethod, req.Method),
			attribute.String("http.url", req.URL.String()),
			attribute.String("http.host", req.URL.Host),
			attribute.Int("http.retry.max_attempts", options.MaxAttempts),
		),
	)
	defer span.End()

	logger := slog.Default().With(
		"url", req.URL.String(),
		"method", req.Method,
	)

	if req.Body != nil && req.Body != http.NoBody {
		span.SetStatus(codes.Error, "cannot retry request with body")
		return nil, NewError(ErrInternalError, "cannot retry request with non-nil body")
	}

	var lastErr error
	delay := options.InitialDelay

	for attempt := 0; attempt < options.MaxAttempts; attempt++ {
		if attempt > 0 {
			tracing.AddEvent(ctx, "retry_attempt",
				trace.WithAttributes(
					attribute.Int("attempt", attempt+1),
					attribute.Int64("delay_ms", delay.Milliseconds()),
					attribute.String("error", fmt.Sprintf("%v", lastErr)),
				),
			)

			logger.Info("retrying request",
				"attempt", attempt+1,
				"max_attempts", options.MaxAttempts,
				"delay", delay,
				"last_error", lastErr,
			)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				span.SetStatus(codes.Error, "request cancelled")
				return nil, ctx.Err()
			}

			delay = time.Duration(float64(delay) * options.Multiplier)
			if delay > options.MaxDelay {
				delay = options.MaxDelay
			}
		}

		resp, err := client.Do(req.Clone(ctx))
		if err != nil {
			if ctx.Err() != nil {
				span.SetStatus(codes.Error, "request cancelled")
				return nil, ctx.Err()
			}
			lastErr = err
			logger.Warn("request failed", "error", err, "attempt", attempt+1)
			continue
		}

		span.SetAttributes(attribute.Int(tracing.AttrHTTPStatusCode, resp.StatusCode))

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			span.SetAttributes(
				attribute.String("http.response.content_type", resp.Header.Get("Content-Type")),
				attribute.Int("http.retry.attempts", attempt+1),
			)
			span.SetStatus(codes.Ok, "")
			logger.Debug("request successful",
				"status", resp.StatusCode,
				"content_length", resp.ContentLength,
			)
			return resp, nil
		}

		svcErr := statusError(resp, logger)
		if !retryable(resp.StatusCode) {
			span.RecordError(svcErr)
			span.SetStatus(codes.Error, svcErr.Code)
			return nil, svcErr
		}

		lastErr = svcErr
		logger.Warn("request returned error status",
			"status", resp.StatusCode,
			"attempt", attempt+1,
		)
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "max retries exceeded")
	span.SetAttributes(
		attribute.Int("http.retry.attempts", options.MaxAttempts),
		attribute.String("http.retry.final_error", fmt.Sprintf("%v", lastErr)),
	)

	if svcErr, ok := lastErr.(*Error); ok {
		return nil, svcErr.WithGuidance("Maximum retry attempts reached. " + svcErr.Guidance)
	}
	return nil, NewError(ErrNetworkError, fmt.Sprintf("max retries reached: %v", lastErr)).
		WithGuidance("The request failed after multiple attempts. Please try again later")
}

