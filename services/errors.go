package services

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"accountguard/model"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrUnauthorized    = errors.New("not authorized for this resource")
	ErrNotFound        = errors.New("not found")
	// ErrInvalidCode covers wrong, expired, malformed and disabled-method
	// failures alike.
	ErrInvalidCode           = errors.New("invalid code")
	ErrNoVerificationMethods = errors.New("no verification methods available")
	ErrProtectedField        = model.ErrProtectedField
	ErrStepUpRequired        = errors.New("step-up verification required")
	ErrRateLimited           = errors.New("rate limited")
	ErrAlreadyEnrolled       = errors.New("factor already enrolled")
)

// StepUpRequiredError is a redirection signal, not a hard failure: the caller
// should present Methods and retry after verifying.
type StepUpRequiredError struct {
	Action  string
	Methods []model.Method
}

func (e *StepUpRequiredError) Error() string {
	names := make([]string, len(e.Methods))
	for i, m := range e.Methods {
		names[i] = string(m)
	}
	return fmt.Sprintf("step-up verification required for %s (methods: %s)", e.Action, strings.Join(names, ","))
}

func (e *StepUpRequiredError) Is(target error) bool {
	return target == ErrStepUpRequired
}

type RateLimitedError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (%s), retry after %s", e.Scope, e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}
