/*
Copyright 2015 Google Inc. All rights reserved.

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

// Package criterr defines the typed error taxonomy surfaced by every core
// component. Callers (the CLI, the TUI, a future network front-end) switch
// on Kind to decide how to render or recover from a failure; nothing in the
// core ever returns a bare, untyped error.
package criterr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind enumerates the categories of error the core can produce.
type Kind string

const (
	// NotInitialized means the working tree has no .crit/version file.
	NotInitialized Kind = "NotInitialized"
	// VersionMismatch means the on-disk layout version is not one this
	// binary knows how to read.
	VersionMismatch Kind = "VersionMismatch"
	// NotFound means a referenced review, thread, or comment does not exist.
	NotFound Kind = "NotFound"
	// InvalidInput means caller-supplied data failed validation.
	InvalidInput Kind = "InvalidInput"
	// InvalidState means an operation was attempted from a state that
	// forbids it (e.g. marking an abandoned review merged).
	InvalidState Kind = "InvalidState"
	// BlockedByVote means a merge was attempted with an outstanding Block
	// vote and no self-approval.
	BlockedByVote Kind = "BlockedByVote"
	// Conflict means a duplicate request_id disagreed with its prior body,
	// or id generation collided and should be retried.
	Conflict Kind = "Conflict"
	// CorruptLog means an event line could not be parsed.
	CorruptLog Kind = "CorruptLog"
	// LogRegressed means a review's log shrank or changed at equal length,
	// indicating the source-control tool restored an older version of it.
	LogRegressed Kind = "LogRegressed"
	// SCM means the source-control adapter failed.
	SCM Kind = "Scm"
	// Storage means the projection store failed.
	Storage Kind = "Storage"
)

// Error is the concrete type returned by every core operation that fails.
// It carries enough structured context (entity/id/state) for a caller to
// render an actionable message without string-matching on Error().
type Error struct {
	Kind   Kind
	Entity string
	ID     string
	State  string
	Field  string
	// ReviewID is populated for CorruptLog and LogRegressed; Line only for
	// CorruptLog, and PriorLen/CurLen only for LogRegressed.
	ReviewID string
	Line     int
	PriorLen int64
	CurLen   int64

	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.msg != "" {
		if e.cause != nil {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.cause)
		}
		return fmt.Sprintf("%s: %s", e.Kind, e.msg)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	}
	return string(e.Kind)
}

// Unwrap lets errors.Is/errors.As see through to the underlying cause.
func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is an *Error with the same Kind, so callers can
// write `errors.Is(err, criterr.New(criterr.NotFound, ""))`-style checks, or
// more idiomatically use Kind via `criterr.KindOf(err)`.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

// New builds a bare Error of the given kind with a message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

// Wrap builds an Error of the given kind, wrapping an underlying cause.
func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, msg: msg, cause: cause}
}

// NotFoundf builds a NotFound error for the given entity/id pair.
func NotFoundf(entity, id string) *Error {
	return &Error{Kind: NotFound, Entity: entity, ID: id, msg: fmt.Sprintf("%s %q not found", entity, id)}
}

// InvalidInputf builds an InvalidInput error for the given field.
func InvalidInputf(field, format string, args ...interface{}) *Error {
	return &Error{Kind: InvalidInput, Field: field, msg: fmt.Sprintf(format, args...)}
}

// InvalidStatef builds an InvalidState error.
func InvalidStatef(entity, id, state, format string, args ...interface{}) *Error {
	return &Error{Kind: InvalidState, Entity: entity, ID: id, State: state, msg: fmt.Sprintf(format, args...)}
}

// CorruptLogf builds a CorruptLog error carrying the offending line number.
func CorruptLogf(reviewID string, line int, cause error) *Error {
	return &Error{Kind: CorruptLog, ReviewID: reviewID, Line: line, cause: cause,
		msg: fmt.Sprintf("review %s: unparseable event at line %d", reviewID, line)}
}

// LogRegressedf builds a LogRegressed error carrying the old and new sizes.
func LogRegressedf(reviewID string, priorLen, curLen int64) *Error {
	return &Error{Kind: LogRegressed, ReviewID: reviewID, PriorLen: priorLen, CurLen: curLen,
		msg: fmt.Sprintf("review %s: log regressed from %d to %d bytes", reviewID, priorLen, curLen)}
}

// Scmf builds an Scm-kind error.
func Scmf(cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: SCM, cause: cause, msg: fmt.Sprintf(format, args...)}
}

// Storagef builds a Storage-kind error.
func Storagef(cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: Storage, cause: cause, msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from err, if it (or something it wraps) is an
// *Error. Returns "" for unrecognized errors.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return ""
}

// Is reports whether err is a criterr.Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
