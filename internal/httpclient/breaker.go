// circuitBreakerRoundTripper is the transport-level twin of
// modelclient.Router's per-provider breaker: where Router guards whole
// model calls (including retries), this guards raw HTTP round trips for
// collaborators that aren't providers — webhook deliveries, channel
// callbacks, anything dialing out over plain net/http.
package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	stderrors "errors"

	swarmerr "swarmcore/internal/errors"
	"swarmcore/internal/logging"
)

type circuitBreakerRoundTripper struct {
	base    http.RoundTripper
	breaker *swarmerr.CircuitBreaker
}

// NewWithCircuitBreaker builds an HTTP client whose transport trips open
// after repeated failures against the named endpoint, same failure/success
// thresholds as DefaultCircuitBreakerConfig.
func NewWithCircuitBreaker(timeout time.Duration, logger logging.Logger, name string) *http.Client {
	return NewWithCircuitBreakerConfig(timeout, logger, name, swarmerr.DefaultCircuitBreakerConfig())
}

// NewWithCircuitBreakerConfig is NewWithCircuitBreaker with an explicit
// breaker config, for an endpoint that needs a tighter or looser trip
// threshold than the default.
func NewWithCircuitBreakerConfig(timeout time.Duration, logger logging.Logger, name string, config swarmerr.CircuitBreakerConfig) *http.Client {
	client := New(timeout, logger)
	client.Transport = WrapTransportWithCircuitBreaker(client.Transport, name, config)
	return client
}

// WrapTransportWithCircuitBreaker wraps an existing transport rather than
// replacing it, so callers can layer breaker protection on top of a
// transport that already carries auth headers or tracing.
func WrapTransportWithCircuitBreaker(base http.RoundTripper, name string, config swarmerr.CircuitBreakerConfig) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if name == "" {
		name = "http-client"
	}
	return &circuitBreakerRoundTripper{
		base:    base,
		breaker: swarmerr.NewCircuitBreaker(name, config),
	}
}

func (t *circuitBreakerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if err := t.breaker.Allow(); err != nil {
		return nil, err
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		if stderrors.Is(err, context.Canceled) {
			t.breaker.Mark(nil)
			return nil, err
		}
		t.breaker.Mark(err)
		return nil, err
	}
	if isBreakerFailureStatus(resp.StatusCode) {
		t.breaker.Mark(fmt.Errorf("http status %d", resp.StatusCode))
	} else {
		t.breaker.Mark(nil)
	}
	return resp, nil
}

func isBreakerFailureStatus(status int) bool {
	return status >= http.StatusInternalServerError || status == http.StatusTooManyRequests
}
