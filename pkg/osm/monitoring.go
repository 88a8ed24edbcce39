package osm

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/NERVsystems/osmadiff/pkg/tracing"
)

// MonitoringHooks defines hooks for monitoring HTTP requests
type MonitoringHooks struct {
	// OnRequest is called before making an HTTP request
	OnRequest func(service, operation string)

	// OnResponse is called after receiving an HTTP response
	OnResponse func(service, operation string, duration time.Duration, success bool)

	// OnRateLimit is called when a request had to wait for the limiter
	OnRateLimit func(service string, waitTime time.Duration)

	// OnError is called when an error occurs
	OnError func(service, errorType string)

	// OnCacheLookup is called for every historical version cache lookup
	OnCacheLookup func(cacheType string, hit bool)
}

func (h *MonitoringHooks) cacheLookup(cacheType string, hit bool) {
	if h != nil && h.OnCacheLookup != nil {
		h.OnCacheLookup(cacheType, hit)
	}
}

// significantWait is the shortest limiter wait reported through OnRateLimit.
const significantWait = 100 * time.Millisecond

type operationKey struct{}

// monitoredTransport applies the client's rate limit and monitoring hooks to
// every attempt, including retries.
type monitoredTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
	hooks   *MonitoringHooks
	service string
}

func (t *monitoredTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	operation, _ := ctx.Value(operationKey{}).(string)
	hooks := t.hooks

	if hooks != nil && hooks.OnRequest != nil {
		hooks.OnRequest(t.service, operation)
	}

	if t.limiter != nil && !t.limiter.Allow() {
		startWait := time.Now()
		tracing.AddEvent(ctx, "rate_limit_wait",
			trace.WithAttributes(
				attribute.String(tracing.AttrRateLimitService, t.service),
			),
		)

		err := t.limiter.Wait(ctx)

		waitDuration := time.Since(startWait)
		tracing.SetAttributes(ctx,
			attribute.String(tracing.AttrRateLimitService, t.service),
			attribute.Int64(tracing.AttrRateLimitWaitMs, waitDuration.Milliseconds()),
		)
		if err != nil {
			if hooks != nil && hooks.OnError != nil {
				hooks.OnError(t.service, "rate_limit_wait_error")
			}
			return nil, err
		}
		if waitDuration > significantWait && hooks != nil && hooks.OnRateLimit != nil {
			hooks.OnRateLimit(t.service, waitDuration)
		}
	}

	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	duration := time.Since(start)

	success := err == nil && resp != nil && resp.StatusCode < 400
	if hooks != nil && hooks.OnResponse != nil {
		hooks.OnResponse(t.service, operation, duration, success)
	}
	if err != nil && hooks != nil && hooks.OnError != nil {
		hooks.OnError(t.service, "request_error")
	}

	return resp, err
}
