package drivesdk

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorCode
	}{
		{nil, Unknown},
		{&ValidationError{Details: "x"}, CodeValidation},
		{&NodeAlreadyExistsError{}, CodeAlreadyExists},
		{&AbortError{}, CodeAborted},
		{&RateLimitedError{}, CodeRateLimited},
		{&ServerError{StatusCode: 500}, CodeServer},
		{&ConnectionError{Err: errors.New("down")}, CodeConnection},
		{&DecryptionError{UID: "v~n"}, CodeDecryption},
		{&IntegrityError{}, CodeIntegrity},
		{&VerificationError{}, CodeVerification},
		{&CorruptedEntityError{Key: "node-x"}, CodeCorruptedEntity},
		{&CorruptedKeysError{UID: "v~n"}, CodeCorruptedKeys},
		{&ConfigurationError{Details: "x"}, CodeConfiguration},
		{ErrNotFound, CodeNotFound},
		{fmt.Errorf("wrapped: %w", ErrNotFound), CodeNotFound},
		{errors.New("mystery"), Unknown},
	}
	for _, c := range cases {
		if got := ClassifyError(c.err); got != c.want {
			t.Errorf("ClassifyError(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestCategorizeErrorDropsValidationAndAbort(t *testing.T) {
	for _, err := range []error{nil, &ValidationError{Details: "x"}, &AbortError{}} {
		if _, ok := CategorizeError(err); ok {
			t.Errorf("CategorizeError(%v) should be dropped", err)
		}
	}
	cases := []struct {
		err  error
		want string
	}{
		{&RateLimitedError{}, CategoryRateLimited},
		{&IntegrityError{}, CategoryIntegrityError},
		{&DecryptionError{}, CategoryDecryptionError},
		{&ServerError{StatusCode: 502}, CategoryServerError},
		{&ConnectionError{Err: errors.New("x")}, CategoryNetworkError},
		{ErrNotFound, Category4xx},
		{&APIError{StatusCode: 403}, Category4xx},
		{errors.New("mystery"), CategoryUnknown},
	}
	for _, c := range cases {
		got, ok := CategorizeError(c.err)
		if !ok || got != c.want {
			t.Errorf("CategorizeError(%v) = (%q, %v), want (%q, true)", c.err, got, ok, c.want)
		}
	}
}

func TestResultErrorsMessage(t *testing.T) {
	err := &ResultErrors{NodeErrors: map[string]string{
		"v~b": "conflict",
		"v~a": "gone",
	}}
	msg := err.Error()
	if !strings.Contains(msg, "2 node(s) failed") {
		t.Errorf("message %q should state the failure count", msg)
	}
	// Sorted output keeps the message deterministic.
	if strings.Index(msg, "v~a") > strings.Index(msg, "v~b") {
		t.Errorf("message %q should list uids sorted", msg)
	}
}
