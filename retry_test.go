package drivesdk

import (
	"errors"
	"testing"
	"time"
)

func TestBackoffDelaySchedule(t *testing.T) {
	interval := time.Second
	want := []time.Duration{
		1 * time.Second,
		1 * time.Second,
		2 * time.Second,
		3 * time.Second,
		5 * time.Second,
		8 * time.Second,
		13 * time.Second,
	}
	for k, w := range want {
		if got := BackoffDelay(interval, k); got != w {
			t.Errorf("BackoffDelay(1s, %d) = %v, want %v", k, got, w)
		}
	}
	// The multiplier caps at the last table entry.
	if got := BackoffDelay(interval, 100); got != 13*time.Second {
		t.Errorf("BackoffDelay(1s, 100) = %v, want 13s", got)
	}
	if got := BackoffDelay(interval, -1); got != time.Second {
		t.Errorf("BackoffDelay(1s, -1) = %v, want 1s", got)
	}
}

func TestShouldRetry(t *testing.T) {
	transient := []error{
		&RateLimitedError{RetryAfterSeconds: 2},
		&ServerError{StatusCode: 503},
		&ConnectionError{Err: errors.New("dial tcp: refused")},
	}
	for _, err := range transient {
		if !ShouldRetry(err) {
			t.Errorf("ShouldRetry(%T) = false, want true", err)
		}
	}
	permanent := []error{
		nil,
		&ValidationError{Details: "bad"},
		&NodeAlreadyExistsError{},
		&AbortError{},
		ErrNotFound,
		&IntegrityError{},
	}
	for _, err := range permanent {
		if ShouldRetry(err) {
			t.Errorf("ShouldRetry(%T) = true, want false", err)
		}
	}
}
