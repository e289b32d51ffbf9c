package application

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/example/presence-engine/internal/policy"
)

var (
	// ErrUnauthorized is returned when the acting principal lacks permission for an operation.
	ErrUnauthorized = errors.New("application: unauthorized")
	// ErrNotFound is returned when the requested resource does not exist.
	ErrNotFound = errors.New("application: not found")
	// ErrPolicyViolation is returned when the company policy does not allow a check-in now.
	ErrPolicyViolation = errors.New("application: policy violation")
	// ErrGeofenceViolation is returned when the initiating agent stands outside the site radius.
	ErrGeofenceViolation = errors.New("application: geofence violation")
	// ErrTokenInvalid is returned when a peer token is unknown, expired, consumed, self-owned or
	// issued for another company.
	ErrTokenInvalid = errors.New("application: peer token invalid")
	// ErrConflictingSession is returned when an agent already holds an open session.
	ErrConflictingSession = errors.New("application: conflicting session")
	// ErrInvalidState is returned when a session or challenge is not in a state that permits the operation.
	ErrInvalidState = errors.New("application: invalid state")
	// ErrChallengeOpen is returned when a session already has a pending challenge.
	ErrChallengeOpen = errors.New("application: challenge pending")
	// ErrChallengeExpired is returned when a challenge is resolved after its deadline.
	ErrChallengeExpired = errors.New("application: challenge expired")
	// ErrSessionNotDue is returned when completing a session before its expected end.
	ErrSessionNotDue = errors.New("application: session not due")
	// ErrSessionExpired is returned when a heartbeat arrives after the session grace period.
	ErrSessionExpired = errors.New("application: session expired")
	// ErrStoreTimeout is returned when a store call does not finish within its bound.
	ErrStoreTimeout = errors.New("application: store timeout")
	// ErrUnavailable is returned when an upstream provider cannot be reached.
	ErrUnavailable = errors.New("application: upstream unavailable")
)

// PolicyViolationError explains which policy rule denied a check-in.
type PolicyViolationError struct {
	Reason policy.Reason
}

func (e *PolicyViolationError) Error() string {
	if e.Reason == policy.ReasonNone {
		return ErrPolicyViolation.Error()
	}
	return fmt.Sprintf("%s: %s", ErrPolicyViolation, e.Reason)
}

func (e *PolicyViolationError) Unwrap() error {
	return ErrPolicyViolation
}

// GeofenceViolationError carries the measured distance of a rejected check-in.
type GeofenceViolationError struct {
	DistanceMeters float64
	RadiusMeters   float64
}

func (e *GeofenceViolationError) Error() string {
	return fmt.Sprintf("%s: %.0fm from site center, radius %.0fm", ErrGeofenceViolation, e.DistanceMeters, e.RadiusMeters)
}

func (e *GeofenceViolationError) Unwrap() error {
	return ErrGeofenceViolation
}

// ValidationError captures field level validation issues that callers can surface to users.
type ValidationError struct {
	FieldErrors map[string]string
}

// Error implements the error interface.
func (v *ValidationError) Error() string {
	if v == nil {
		return ""
	}
	if len(v.FieldErrors) == 0 {
		return "validation failed"
	}
	fields := make([]string, 0, len(v.FieldErrors))
	for field := range v.FieldErrors {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return "validation failed: " + strings.Join(fields, ", ")
}

// HasErrors reports whether any field level issues were recorded.
func (v *ValidationError) HasErrors() bool {
	return v != nil && len(v.FieldErrors) > 0
}

// add records a field level validation error.
func (v *ValidationError) add(field, message string) {
	if v.FieldErrors == nil {
		v.FieldErrors = make(map[string]string)
	}
	v.FieldErrors[field] = message
}

// merge copies entries from another validation error into the receiver.
func (v *ValidationError) merge(other *ValidationError) {
	if other == nil || len(other.FieldErrors) == 0 {
		return
	}
	for field, msg := range other.FieldErrors {
		v.add(field, msg)
	}
}
