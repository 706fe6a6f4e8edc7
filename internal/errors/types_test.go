package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestValidationErrorNeverTransient(t *testing.T) {
	err := NewValidationError("messages", "must not be empty")
	if IsTransient(err) {
		t.Error("validation errors must not be transient")
	}
	if !IsValidation(err) {
		t.Error("IsValidation should match")
	}

	wrapped := fmt.Errorf("run failed: %w", err)
	if IsTransient(wrapped) {
		t.Error("wrapped validation errors must not be transient")
	}
	if !IsValidation(wrapped) {
		t.Error("IsValidation should match through wrapping")
	}
}

func TestRateLimitErrorIsTransient(t *testing.T) {
	err := NewRateLimitError(errors.New("429 too many requests"), 5)
	if !IsTransient(err) {
		t.Error("rate limit errors must be transient")
	}
	if !IsRateLimit(err) {
		t.Error("IsRateLimit should match")
	}
	if err.RetryAfter != 5 {
		t.Errorf("RetryAfter = %d, want 5", err.RetryAfter)
	}
}

func TestNetworkErrorIsTransient(t *testing.T) {
	err := NewNetworkError(errors.New("dial tcp: connection refused"), "")
	if !IsTransient(err) {
		t.Error("network errors must be transient")
	}
}

func TestModelErrorCarriesChain(t *testing.T) {
	last := NewNetworkError(errors.New("timeout"), "")
	err := NewModelError([]string{"gpt-4", "gpt-3.5-turbo"}, last)

	var modelErr *ModelError
	if !errors.As(err, &modelErr) {
		t.Fatal("errors.As should match ModelError")
	}
	if len(modelErr.Models) != 2 {
		t.Errorf("Models = %v, want 2 entries", modelErr.Models)
	}
	if !errors.Is(err, last) {
		t.Error("ModelError should unwrap to the last per-model failure")
	}
}

func TestCompressionOverflowNotTransient(t *testing.T) {
	err := NewCompressionOverflowError(10, 50)
	if IsTransient(err) {
		t.Error("compression overflow must not be transient")
	}
	if !IsCompressionOverflow(err) {
		t.Error("IsCompressionOverflow should match")
	}
}

func TestNotFoundError(t *testing.T) {
	err := NewNotFoundError("task", "abc-123")
	if !IsNotFound(err) {
		t.Error("IsNotFound should match")
	}
	if IsTransient(err) {
		t.Error("not-found errors must not be transient")
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	cause := errors.New("upstream said no")

	if err := ClassifyHTTPStatus(429, 3, cause); !IsRateLimit(err) {
		t.Errorf("429 should classify as rate limit, got %T", err)
	}
	if err := ClassifyHTTPStatus(400, 0, cause); !IsValidation(err) {
		t.Errorf("400 should classify as validation, got %T", err)
	}
	if err := ClassifyHTTPStatus(503, 0, cause); !IsTransient(err) {
		t.Errorf("503 should classify as transient, got %T", err)
	}
	if err := ClassifyHTTPStatus(403, 0, cause); IsTransient(err) {
		t.Error("403 should not classify as transient")
	}
}

func TestHTTPStatusErrorTransience(t *testing.T) {
	err := NewHTTPStatusError(502, "Bad Gateway", "")
	if !IsTransient(err) {
		t.Error("502 HTTPStatusError should be transient")
	}
	if HTTPStatusCode(err) != 502 {
		t.Errorf("HTTPStatusCode = %d, want 502", HTTPStatusCode(err))
	}

	err = NewHTTPStatusError(404, "Not Found", "")
	if IsTransient(err) {
		t.Error("404 HTTPStatusError should not be transient")
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	config := RetryConfig{
		MaxRetries: 5,
		BaseDelay:  100 * time.Millisecond,
		Multiplier: 2,
		MaxDelay:   500 * time.Millisecond,
		// No jitter so growth is deterministic.
	}

	d0 := Backoff(0, config)
	d1 := Backoff(1, config)
	d2 := Backoff(2, config)
	d6 := Backoff(6, config)

	if d0 != 100*time.Millisecond {
		t.Errorf("attempt 0 delay = %v, want 100ms", d0)
	}
	if d1 != 200*time.Millisecond {
		t.Errorf("attempt 1 delay = %v, want 200ms", d1)
	}
	if d2 != 400*time.Millisecond {
		t.Errorf("attempt 2 delay = %v, want 400ms", d2)
	}
	if d6 != 500*time.Millisecond {
		t.Errorf("attempt 6 delay = %v, want capped at 500ms", d6)
	}
}

func TestBackoffJitterStaysInBounds(t *testing.T) {
	config := DefaultRetryConfig()
	for attempt := 0; attempt < 8; attempt++ {
		for i := 0; i < 50; i++ {
			d := Backoff(attempt, config)
			if d <= 0 {
				t.Fatalf("delay must be positive, got %v", d)
			}
			if d > config.MaxDelay {
				t.Fatalf("delay %v exceeds max %v", d, config.MaxDelay)
			}
		}
	}
}
