package types

import (
	"errors"
	"fmt"
)

// Rejection reasons.
const (
	RejectUnknownSource    = "unknown_source"
	RejectMissingSignature = "missing_signature"
	RejectBadSignature     = "bad_signature"
	RejectSchema           = "schema"
	RejectMissingID        = "missing_id"
	RejectIDMismatch       = "id_mismatch"
)

// RejectionError drops an event without retry: unauthenticated or
// structurally unacceptable input.
type RejectionError struct {
	Reason   string
	SourceID string
	Err      error
}

func (e *RejectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rejected (%s) from source %q: %v", e.Reason, e.SourceID, e.Err)
	}
	return fmt.Sprintf("rejected (%s) from source %q", e.Reason, e.SourceID)
}

func (e *RejectionError) Unwrap() error { return e.Err }

// ParseError is isolated to the failing enricher or event.
type ParseError struct {
	Stage string
	Err   error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse error in %s: %v", e.Stage, e.Err) }

func (e *ParseError) Unwrap() error { return e.Err }

// TransientInfraError marks an unreachable dependency. The loop moves on and
// the item is picked up again on a later poll.
type TransientInfraError struct {
	Op  string
	Err error
}

func (e *TransientInfraError) Error() string {
	return fmt.Sprintf("transient failure during %s: %v", e.Op, e.Err)
}

func (e *TransientInfraError) Unwrap() error { return e.Err }

// ConfigurationWarning marks a missing optional input that degrades
// enrichment but never stops the process.
type ConfigurationWarning struct {
	Component string
	Err       error
}

func (e *ConfigurationWarning) Error() string {
	return fmt.Sprintf("%s degraded: %v", e.Component, e.Err)
}

func (e *ConfigurationWarning) Unwrap() error { return e.Err }

func Reject(reason, sourceID string, err error) error {
	return &RejectionError{Reason: reason, SourceID: sourceID, Err: err}
}

func Transient(op string, err error) error {
	return &TransientInfraError{Op: op, Err: err}
}

// OutcomeOf classifies an error into the disposition the pipeline applies.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeStored
	}
	var (
		rej *RejectionError
		pe  *ParseError
		ti  *TransientInfraError
		cw  *ConfigurationWarning
	)
	switch {
	case errors.As(err, &rej):
		return OutcomeDropped
	case errors.As(err, &pe):
		return OutcomeDegraded
	case errors.As(err, &ti):
		return OutcomeRetry
	case errors.As(err, &cw):
		return OutcomeWarn
	}
	return OutcomeFailed
}
