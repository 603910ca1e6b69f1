// Package apperr defines the error taxonomy shared by the dispatcher components.
//
// Components wrap one of the sentinels with fmt.Errorf("...: %w", ErrX) and
// callers classify with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a user-correctable input problem (bad descriptor draft, empty message).
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks an unknown api_id or session_id.
	ErrNotFound = errors.New("not found")
	// ErrForbidden marks an attempt to mutate a system descriptor.
	ErrForbidden = errors.New("forbidden")
	// ErrMissingParameter marks a required parameter the resolver could not fill.
	ErrMissingParameter = errors.New("missing parameter")
	// ErrRateLimited marks a call rejected by a descriptor's call budget.
	ErrRateLimited = errors.New("rate limited")
	// ErrUpstreamTimeout marks an external call that exceeded its deadline after retries.
	ErrUpstreamTimeout = errors.New("upstream timeout")
	// ErrUpstream marks any other external API failure.
	ErrUpstream = errors.New("upstream error")
	// ErrMapping marks a response whose shape did not match the declared mapping.
	ErrMapping = errors.New("mapping error")
)

// Validation returns an ErrValidation with a formatted detail.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFound returns an ErrNotFound naming the missing thing.
func NotFound(what, id string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, what, id)
}

// MissingParameterError names the parameter the resolver could not fill.
type MissingParameterError struct {
	Name        string
	Description string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("missing parameter: %s", e.Name)
}

func (e *MissingParameterError) Is(target error) bool {
	return target == ErrMissingParameter
}

// MappingError carries the partially rendered text so callers can degrade
// to it instead of failing silently.
type MappingError struct {
	Missing []string
	Partial string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("mapping error: unresolved fields %v", e.Missing)
}

func (e *MappingError) Is(target error) bool {
	return target == ErrMapping
}

// UpstreamError describes a failed external call.
type UpstreamError struct {
	APIID      string
	StatusCode int
	Message    string
	Timeout    bool
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s: HTTP %d: %s", e.APIID, e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("upstream %s: %s: %v", e.APIID, e.Message, e.Err)
	}
	return fmt.Sprintf("upstream %s: %s", e.APIID, e.Message)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool {
	if e.Timeout {
		return target == ErrUpstreamTimeout
	}
	return target == ErrUpstream
}
