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

// Package event defines the tagged-variant payloads that make up a review's
// append-only log, and the envelope that wraps each one on disk.
package event

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Vote is the value a reviewer casts.
type Vote string

const (
	// VoteLgtm means the reviewer is satisfied with the change.
	VoteLgtm Vote = "lgtm"
	// VoteBlock means the reviewer objects and wants changes before merge.
	VoteBlock Vote = "block"
)

// Kind tags which payload variant an envelope carries.
type Kind string

const (
	KindReviewCreated      Kind = "ReviewCreated"
	KindReviewersRequested Kind = "ReviewersRequested"
	KindReviewerVoted      Kind = "ReviewerVoted"
	KindReviewApproved     Kind = "ReviewApproved"
	KindReviewMerged       Kind = "ReviewMerged"
	KindReviewAbandoned    Kind = "ReviewAbandoned"
	KindThreadCreated      Kind = "ThreadCreated"
	KindThreadResolved     Kind = "ThreadResolved"
	KindThreadReopened     Kind = "ThreadReopened"
	KindCommentAdded       Kind = "CommentAdded"
)

// SelectionKind distinguishes a single-line anchor from a range anchor.
type SelectionKind string

const (
	SelectionLine  SelectionKind = "line"
	SelectionRange SelectionKind = "range"
)

// Selection anchors a thread to either a single line or an inclusive range
// of lines within a file, as it existed at CommitHash.
type Selection struct {
	Kind  SelectionKind `json:"kind"`
	N     int           `json:"n,omitempty"`
	Start int           `json:"start,omitempty"`
	End   int           `json:"end,omitempty"`
}

// Validate checks the internal consistency of a selection.
func (s Selection) Validate() error {
	switch s.Kind {
	case SelectionLine:
		if s.N < 1 {
			return errors.New("line selection must have n >= 1")
		}
	case SelectionRange:
		if s.Start < 1 || s.End < s.Start {
			return errors.New("range selection must have 1 <= start <= end")
		}
	default:
		return errors.Errorf("unknown selection kind %q", s.Kind)
	}
	return nil
}

// FirstLine returns the lowest line number covered by the selection.
func (s Selection) FirstLine() int {
	if s.Kind == SelectionLine {
		return s.N
	}
	return s.Start
}

// LastLine returns the highest line number covered by the selection.
func (s Selection) LastLine() int {
	if s.Kind == SelectionLine {
		return s.N
	}
	return s.End
}

// Shift returns a copy of the selection moved down (or up, for a negative
// delta) by delta lines.
func (s Selection) Shift(delta int) Selection {
	shifted := s
	if s.Kind == SelectionLine {
		shifted.N += delta
	} else {
		shifted.Start += delta
		shifted.End += delta
	}
	return shifted
}

// ReviewCreated is emitted exactly once, when a review is opened.
type ReviewCreated struct {
	ReviewID      string `json:"review_id"`
	SCMKind       string `json:"scm_kind"`
	SCMAnchor     string `json:"scm_anchor"`
	InitialCommit string `json:"initial_commit"`
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
}

func (p ReviewCreated) validate() error {
	if p.ReviewID == "" || p.SCMKind == "" || p.SCMAnchor == "" || p.InitialCommit == "" || p.Title == "" {
		return errors.New("ReviewCreated requires review_id, scm_kind, scm_anchor, initial_commit, and title")
	}
	return nil
}

// ReviewersRequested asks one or more reviewers to look at a review.
type ReviewersRequested struct {
	ReviewID  string   `json:"review_id"`
	Reviewers []string `json:"reviewers"`
}

func (p ReviewersRequested) validate() error {
	if p.ReviewID == "" {
		return errors.New("ReviewersRequested requires review_id")
	}
	if len(p.Reviewers) == 0 {
		return errors.New("ReviewersRequested requires a non-empty reviewers list")
	}
	seen := make(map[string]bool, len(p.Reviewers))
	for _, r := range p.Reviewers {
		if r == "" {
			return errors.New("ReviewersRequested reviewer names must not be empty")
		}
		if seen[r] {
			return errors.Errorf("ReviewersRequested lists reviewer %q more than once", r)
		}
		seen[r] = true
	}
	return nil
}

// ReviewerVoted records a reviewer's latest vote.
type ReviewerVoted struct {
	ReviewID string `json:"review_id"`
	Vote     Vote   `json:"vote"`
	Message  string `json:"message,omitempty"`
}

func (p ReviewerVoted) validate() error {
	if p.ReviewID == "" {
		return errors.New("ReviewerVoted requires review_id")
	}
	if p.Vote != VoteLgtm && p.Vote != VoteBlock {
		return errors.Errorf("ReviewerVoted has unknown vote %q", p.Vote)
	}
	return nil
}

// ReviewApproved force-sets a review's status to approved.
type ReviewApproved struct {
	ReviewID string `json:"review_id"`
}

func (p ReviewApproved) validate() error {
	if p.ReviewID == "" {
		return errors.New("ReviewApproved requires review_id")
	}
	return nil
}

// ReviewMerged marks a review as merged into its target.
type ReviewMerged struct {
	ReviewID    string `json:"review_id"`
	FinalCommit string `json:"final_commit"`
}

func (p ReviewMerged) validate() error {
	if p.ReviewID == "" || p.FinalCommit == "" {
		return errors.New("ReviewMerged requires review_id and final_commit")
	}
	return nil
}

// ReviewAbandoned marks a review as abandoned.
type ReviewAbandoned struct {
	ReviewID string `json:"review_id"`
	Reason   string `json:"reason,omitempty"`
}

func (p ReviewAbandoned) validate() error {
	if p.ReviewID == "" {
		return errors.New("ReviewAbandoned requires review_id")
	}
	return nil
}

// ThreadCreated opens a new comment thread anchored to a file location.
type ThreadCreated struct {
	ThreadID   string    `json:"thread_id"`
	ReviewID   string    `json:"review_id"`
	FilePath   string    `json:"file_path"`
	Selection  Selection `json:"selection"`
	CommitHash string    `json:"commit_hash"`
}

func (p ThreadCreated) validate() error {
	if p.ThreadID == "" || p.ReviewID == "" || p.FilePath == "" || p.CommitHash == "" {
		return errors.New("ThreadCreated requires thread_id, review_id, file_path, and commit_hash")
	}
	return p.Selection.Validate()
}

// ThreadResolved marks a thread as resolved.
type ThreadResolved struct {
	ThreadID string `json:"thread_id"`
	Reason   string `json:"reason,omitempty"`
}

func (p ThreadResolved) validate() error {
	if p.ThreadID == "" {
		return errors.New("ThreadResolved requires thread_id")
	}
	return nil
}

// ThreadReopened marks a resolved thread as open again.
type ThreadReopened struct {
	ThreadID string `json:"thread_id"`
	Reason   string `json:"reason,omitempty"`
}

func (p ThreadReopened) validate() error {
	if p.ThreadID == "" {
		return errors.New("ThreadReopened requires thread_id")
	}
	return nil
}

// CommentAdded appends a comment to a thread.
type CommentAdded struct {
	CommentID string `json:"comment_id"`
	ThreadID  string `json:"thread_id"`
	Body      string `json:"body"`
	RequestID string `json:"request_id,omitempty"`
}

func (p CommentAdded) validate() error {
	if p.CommentID == "" || p.ThreadID == "" {
		return errors.New("CommentAdded requires comment_id and thread_id")
	}
	if p.Body == "" {
		return errors.New("CommentAdded requires a non-empty body")
	}
	return nil
}

// validator is implemented by every payload type.
type validator interface {
	validate() error
}

var (
	_ validator = ReviewCreated{}
	_ validator = ReviewersRequested{}
	_ validator = ReviewerVoted{}
	_ validator = ReviewApproved{}
	_ validator = ReviewMerged{}
	_ validator = ReviewAbandoned{}
	_ validator = ThreadCreated{}
	_ validator = ThreadResolved{}
	_ validator = ThreadReopened{}
	_ validator = CommentAdded{}
)

// Envelope wraps a single payload with the metadata common to every event:
// when it was appended and who authored it.
type Envelope struct {
	TS      time.Time       `json:"ts"`
	Author  string          `json:"author"`
	Event   Kind            `json:"event"`
	Payload validator       `json:"-"`
	rawData json.RawMessage // "data" as read by UnmarshalLine; MarshalLine re-encodes Payload instead
}

// tsLayout is RFC-3339 to second precision in UTC, which sorts
// lexicographically in the same order as chronologically.
const tsLayout = "2006-01-02T15:04:05Z"

// New builds an envelope around payload, validating it eagerly so that
// malformed events are rejected before they ever reach the log.
func New(ts time.Time, author string, payload validator) (Envelope, error) {
	if author == "" {
		return Envelope{}, errors.New("event author must not be empty")
	}
	if err := payload.validate(); err != nil {
		return Envelope{}, errors.Wrap(err, "invalid event payload")
	}
	kind, err := kindOf(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{TS: ts.UTC(), Author: author, Event: kind, Payload: payload}, nil
}

func kindOf(payload validator) (Kind, error) {
	switch payload.(type) {
	case ReviewCreated:
		return KindReviewCreated, nil
	case ReviewersRequested:
		return KindReviewersRequested, nil
	case ReviewerVoted:
		return KindReviewerVoted, nil
	case ReviewApproved:
		return KindReviewApproved, nil
	case ReviewMerged:
		return KindReviewMerged, nil
	case ReviewAbandoned:
		return KindReviewAbandoned, nil
	case ThreadCreated:
		return KindThreadCreated, nil
	case ThreadResolved:
		return KindThreadResolved, nil
	case ThreadReopened:
		return KindThreadReopened, nil
	case CommentAdded:
		return KindCommentAdded, nil
	default:
		return "", errors.Errorf("unrecognized payload type %T", payload)
	}
}

// wireEnvelope is the on-disk shape of an Envelope: ts/author/event as plain
// fields, with the payload-specific fields nested under "data".
type wireEnvelope struct {
	TS     string          `json:"ts"`
	Author string          `json:"author"`
	Event  Kind            `json:"event"`
	Data   json.RawMessage `json:"data"`
}

// MarshalLine renders the envelope as a single line of text, with no
// trailing newline (the caller appends one).
func (e Envelope) MarshalLine() ([]byte, error) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling event payload")
	}
	wire := wireEnvelope{
		TS:     e.TS.UTC().Format(tsLayout),
		Author: e.Author,
		Event:  e.Event,
		Data:   data,
	}
	return json.Marshal(wire)
}

// UnmarshalLine parses a single line of an event log into an Envelope.
func UnmarshalLine(line []byte) (Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(line, &wire); err != nil {
		return Envelope{}, errors.Wrap(err, "parsing event envelope")
	}
	ts, err := time.Parse(tsLayout, wire.TS)
	if err != nil {
		// Tolerate sub-second precision too, per the spec's "to seconds or finer".
		ts, err = time.Parse(time.RFC3339, wire.TS)
		if err != nil {
			return Envelope{}, errors.Wrapf(err, "parsing event timestamp %q", wire.TS)
		}
	}
	payload, err := unmarshalPayload(wire.Event, wire.Data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{TS: ts.UTC(), Author: wire.Author, Event: wire.Event, Payload: payload, rawData: wire.Data}, nil
}

func unmarshalPayload(kind Kind, data json.RawMessage) (validator, error) {
	var err error
	switch kind {
	case KindReviewCreated:
		var p ReviewCreated
		err = json.Unmarshal(data, &p)
		return finish(p, err)
	case KindReviewersRequested:
		var p ReviewersRequested
		err = json.Unmarshal(data, &p)
		return finish(p, err)
	case KindReviewerVoted:
		var p ReviewerVoted
		err = json.Unmarshal(data, &p)
		return finish(p, err)
	case KindReviewApproved:
		var p ReviewApproved
		err = json.Unmarshal(data, &p)
		return finish(p, err)
	case KindReviewMerged:
		var p ReviewMerged
		err = json.Unmarshal(data, &p)
		return finish(p, err)
	case KindReviewAbandoned:
		var p ReviewAbandoned
		err = json.Unmarshal(data, &p)
		return finish(p, err)
	case KindThreadCreated:
		var p ThreadCreated
		err = json.Unmarshal(data, &p)
		return finish(p, err)
	case KindThreadResolved:
		var p ThreadResolved
		err = json.Unmarshal(data, &p)
		return finish(p, err)
	case KindThreadReopened:
		var p ThreadReopened
		err = json.Unmarshal(data, &p)
		return finish(p, err)
	case KindCommentAdded:
		var p CommentAdded
		err = json.Unmarshal(data, &p)
		return finish(p, err)
	default:
		return nil, errors.Errorf("unrecognized event kind %q", kind)
	}
}

func finish(p validator, err error) (validator, error) {
	if err != nil {
		return nil, errors.Wrap(err, "parsing event data")
	}
	if err := p.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid event data")
	}
	return p, nil
}
