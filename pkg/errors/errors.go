/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package errors defines the control plane's error taxonomy. Components
// return these typed errors for control flow; the HTTP boundary translates
// them to the structured envelope exactly once.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for boundary translation.
type Kind string

const (
	KindValidation Kind = "InvalidParameter"
	KindNotFound   Kind = "NotFound"
	KindConflict   Kind = "StateConflict"
	KindCapacity   Kind = "TooManyRequests"
	KindDependency Kind = "DependencyUnavailable"
	KindInternal   Kind = "InternalError"
)

// Error is the taxonomy's concrete type. Solution carries agent-facing
// remediation text surfaced verbatim in the envelope.
type Error struct {
	Kind     Kind
	Message  string
	Detail   string
	Solution string
	cause    error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus maps the kind to its transport status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindCapacity, KindDependency:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Envelope is the wire shape shared by every error response.
type Envelope struct {
	ErrorCode   string `json:"error_code"`
	Description string `json:"description"`
	ErrorDetail string `json:"error_detail,omitempty"`
	Solution    string `json:"solution,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
}

// Envelope renders the error for transport, attaching the request id.
func (e *Error) Envelope(requestID string) Envelope {
	return Envelope{
		ErrorCode:   string(e.Kind),
		Description: e.Message,
		ErrorDetail: e.Detail,
		Solution:    e.Solution,
		RequestID:   requestID,
	}
}

// Validation builds an InvalidParameter error.
func Validation(format string, args ...interface{}) *Error {
	return &Error{
		Kind:     KindValidation,
		Message:  fmt.Sprintf(format, args...),
		Solution: "Correct the highlighted parameter and re-submit the request.",
	}
}

// NotFound builds a NotFound error with actionable solution text.
func NotFound(resource, id string) *Error {
	return &Error{
		Kind:     KindNotFound,
		Message:  fmt.Sprintf("%s %q not found", resource, id),
		Solution: fmt.Sprintf("Verify the %s id; it may have expired or been cleaned up. List the active %ss to discover valid ids.", resource, resource),
	}
}

// Conflict builds a StateConflict error for illegal transitions and guarded
// deletes.
func Conflict(message, solution string) *Error {
	return &Error{Kind: KindConflict, Message: message, Solution: solution}
}

// CapacityExhausted indicates no schedulable node could satisfy a placement.
func CapacityExhausted(detail string) *Error {
	return &Error{
		Kind:     KindCapacity,
		Message:  "no schedulable node can satisfy the request",
		Detail:   detail,
		Solution: "Retry with backoff, reduce the requested resources, or wait for capacity to free up.",
	}
}

// Dependency wraps a backend outage (database, object store, runtime).
func Dependency(system string, cause error) *Error {
	return &Error{
		Kind:     KindDependency,
		Message:  fmt.Sprintf("%s is unavailable", system),
		Detail:   cause.Error(),
		Solution: "The platform is degraded; retry shortly. Reads may still succeed.",
		cause:    cause,
	}
}

// Internal wraps an uncategorised failure.
func Internal(cause error) *Error {
	return &Error{
		Kind:     KindInternal,
		Message:  "internal error",
		Detail:   cause.Error(),
		Solution: "Retry the request; if the problem persists, report the request_id.",
		cause:    cause,
	}
}

// WithSolution overrides the solution text, returning the same error.
func (e *Error) WithSolution(solution string) *Error {
	e.Solution = solution
	return e
}

// WithDetail overrides the detail text, returning the same error.
func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

// As unwraps err to a taxonomy *Error if possible.
func As(err error) (*Error, bool) {
	var typed *Error
	if errors.As(err, &typed) {
		return typed, true
	}
	return nil, false
}

func is(err error, kind Kind) bool {
	typed, ok := As(err)
	return ok && typed.Kind == kind
}

func IsValidation(err error) bool { return is(err, KindValidation) }
func IsNotFound(err error) bool   { return is(err, KindNotFound) }
func IsConflict(err error) bool   { return is(err, KindConflict) }
func IsCapacity(err error) bool   { return is(err, KindCapacity) }
func IsDependency(err error) bool { return is(err, KindDependency) }
