package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fastRetryConfig(maxAttempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:  maxAttempts,
		BaseDelay:    10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		JitterFactor: 0,
	}
}

func TestRetry_FirstCallSucceeds(t *testing.T) {
	config := fastRetryConfig(3)

	calls := 0
	modelCall := func(ctx context.Context) error {
		calls++
		return nil
	}

	if err := Retry(context.Background(), config, modelCall); err != nil {
		t.Errorf("Retry() returned error: %v", err)
	}
	if calls != 1 {
		t.Errorf("Retry() made %d calls, want 1", calls)
	}
}

func TestRetry_RecoversAfterTransientProviderErrors(t *testing.T) {
	config := fastRetryConfig(3)

	calls := 0
	modelCall := func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("rate limited"), "provider throttled this request")
		}
		return nil
	}

	if err := Retry(context.Background(), config, modelCall); err != nil {
		t.Errorf("Retry() returned error: %v", err)
	}
	if calls != 3 {
		t.Errorf("Retry() made %d calls, want 3", calls)
	}
}

func TestRetry_PermanentErrorSkipsRemainingAttempts(t *testing.T) {
	config := fastRetryConfig(3)

	calls := 0
	rejected := NewPermanentError(errors.New("bad request"), "provider rejected malformed prompt")

	modelCall := func(ctx context.Context) error {
		calls++
		return rejected
	}

	err := Retry(context.Background(), config, modelCall)
	if err == nil {
		t.Error("Retry() should have returned an error")
	}
	if calls != 1 {
		t.Errorf("Retry() made %d calls, want 1 (permanent errors should not retry)", calls)
	}
	if !errors.Is(err, rejected) {
		t.Errorf("Retry() error = %v, want %v", err, rejected)
	}
}

func TestRetry_ExhaustsConfiguredAttempts(t *testing.T) {
	config := fastRetryConfig(3)

	calls := 0
	alwaysThrottled := NewTransientError(errors.New("always throttled"), "provider degraded")

	modelCall := func(ctx context.Context) error {
		calls++
		return alwaysThrottled
	}

	if err := Retry(context.Background(), config, modelCall); err == nil {
		t.Error("Retry() should have returned an error")
	}

	want := config.MaxAttempts + 1
	if calls != want {
		t.Errorf("Retry() made %d calls, want %d", calls, want)
	}
}

func TestRetry_StopsOnContextCancellation(t *testing.T) {
	config := RetryConfig{
		MaxAttempts:  10,
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		JitterFactor: 0,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	modelCall := func(ctx context.Context) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return NewTransientError(errors.New("throttled"), "provider busy")
	}

	err := Retry(ctx, config, modelCall)
	if err == nil {
		t.Error("Retry() should have returned an error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Retry() error should wrap context.Canceled, got: %v", err)
	}
	if calls > 3 {
		t.Errorf("Retry() made %d calls after cancellation, should stop quickly", calls)
	}
}

func TestRetryWithResult_ReturnsValueOnEventualSuccess(t *testing.T) {
	config := fastRetryConfig(3)

	calls := 0
	modelCall := func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", NewTransientError(errors.New("throttled"), "retry")
		}
		return "completion text", nil
	}

	result, err := RetryWithResult(context.Background(), config, modelCall)
	if err != nil {
		t.Errorf("RetryWithResult() returned error: %v", err)
	}
	if result != "completion text" {
		t.Errorf("RetryWithResult() result = %q, want %q", result, "completion text")
	}
	if calls != 3 {
		t.Errorf("RetryWithResult() made %d calls, want 3", calls)
	}
}

func TestRetryWithResult_PropagatesFailureAfterAttemptsExhausted(t *testing.T) {
	config := fastRetryConfig(2)

	calls := 0
	modelCall := func(ctx context.Context) (string, error) {
		calls++
		return "", NewTransientError(errors.New("always fails"), "provider down")
	}

	result, err := RetryWithResult(context.Background(), config, modelCall)
	if err == nil {
		t.Error("RetryWithResult() should have returned error")
	}
	if result != "" {
		t.Errorf("RetryWithResult() result = %q, want empty string", result)
	}

	want := config.MaxAttempts + 1
	if calls != want {
		t.Errorf("RetryWithResult() made %d calls, want %d", calls, want)
	}
}

func TestCalculateBackoff(t *testing.T) {
	config := RetryConfig{
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0, // No jitter for deterministic testing
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{attempt: 0, expected: 1 * time.Second},   // 1s * 2^0 = 1s
		{attempt: 1, expected: 2 * time.Second},   // 1s * 2^1 = 2s
		{attempt: 2, expected: 4 * time.Second},   // 1s * 2^2 = 4s
		{attempt: 3, expected: 8 * time.Second},   // 1s * 2^3 = 8s
		{attempt: 4, expected: 16 * time.Second},  // 1s * 2^4 = 16s
		{attempt: 5, expected: 30 * time.Second},  // 1s * 2^5 = 32s, capped at 30s
		{attempt: 10, expected: 30 * time.Second}, // Always capped at max
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempt), func(t *testing.T) {
			delay := calculateBackoff(tt.attempt, config)
			if delay != tt.expected {
				t.Errorf("calculateBackoff(%d) = %v, want %v", tt.attempt, delay, tt.expected)
			}
		})
	}
}

func TestCalculateBackoff_WithJitter(t *testing.T) {
	config := RetryConfig{
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25, // ±25%
	}

	// Test that jitter keeps delay within acceptable range
	for attempt := 0; attempt < 5; attempt++ {
		delay := calculateBackoff(attempt, config)

		// Calculate expected base with proper type conversion
		multiplier := float64(int(1) << attempt)
		expectedBase := time.Duration(float64(config.BaseDelay) * multiplier)
		if expectedBase > config.MaxDelay {
			expectedBase = config.MaxDelay
		}

		// With jitter, delay should be within reasonable bounds
		if delay < 0 {
			t.Errorf("calculateBackoff(%d) with jitter = %v, should be positive", attempt, delay)
		}

		if delay > config.MaxDelay {
			t.Errorf("calculateBackoff(%d) with jitter = %v, exceeds MaxDelay %v", attempt, delay, config.MaxDelay)
		}

		// Delay should be within a reasonable range of expected (with jitter)
		// We can't test exact values with jitter, but we can test it's not zero or negative
		if delay == 0 {
			t.Errorf("calculateBackoff(%d) with jitter = 0, should have some delay", attempt)
		}
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxAttempts != 3 {
		t.Errorf("DefaultRetryConfig().MaxAttempts = %d, want 3", config.MaxAttempts)
	}

	if config.BaseDelay != 1*time.Second {
		t.Errorf("DefaultRetryConfig().BaseDelay = %v, want 1s", config.BaseDelay)
	}

	if config.MaxDelay != 30*time.Second {
		t.Errorf("DefaultRetryConfig().MaxDelay = %v, want 30s", config.MaxDelay)
	}

	if config.JitterFactor != 0.25 {
		t.Errorf("DefaultRetryConfig().JitterFactor = %f, want 0.25", config.JitterFactor)
	}
}

// Benchmark tests

func BenchmarkRetry_ImmediateSuccess(b *testing.B) {
	config := DefaultRetryConfig()
	fn := func(ctx context.Context) error {
		return nil
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = Retry(context.Background(), config, fn)
	}
}

func BenchmarkRetry_WithRetries(b *testing.B) {
	config := RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    1 * time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		JitterFactor: 0,
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		attempts := 0
		fn := func(ctx context.Context) error {
			attempts++
			if attempts < 3 {
				return NewTransientError(errors.New("transient"), "retry")
			}
			return nil
		}
		_ = Retry(context.Background(), config, fn)
	}
}
