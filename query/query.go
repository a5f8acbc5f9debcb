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

// Package query implements the read surface of spec.md §4.8 over the
// projection store: listing and filtering reviews and threads, resolving a
// thread to its file context, computing per-review drift status, and
// computing a reviewer's inbox.
package query

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/bobisme/botcrit/criterr"
	"github.com/bobisme/botcrit/drift"
	"github.com/bobisme/botcrit/event"
	"github.com/bobisme/botcrit/scm"
)

const tsLayout = time.RFC3339

// Store is the read-only query surface. It holds a database handle (from
// store/sqlite's Store.DB) and an SCM adapter for context-window and drift
// queries; it owns neither.
type Store struct {
	db  *sql.DB
	scm scm.Adapter
}

// New builds a query Store over db, using adapter for any operation that
// needs file contents or diffs from source control.
func New(db *sql.DB, adapter scm.Adapter) *Store {
	return &Store{db: db, scm: adapter}
}

// Review is the full projected state of one review.
type Review struct {
	ReviewID        string
	SCMKind         string
	SCMAnchor       string
	InitialCommit   string
	FinalCommit     string
	Title           string
	Description     string
	Author          string
	CreatedAt       time.Time
	Status          string
	StatusChangedAt time.Time
	StatusChangedBy string
	AbandonReason   string
	Reviewers       []Reviewer
}

// Reviewer is one requested-reviewer row, with its latest vote if any.
type Reviewer struct {
	Reviewer    string
	RequestedAt time.Time
	RequestedBy string
	Vote        string
	VoteMessage string
	VotedAt     time.Time
}

// Thread is the full projected state of one comment thread.
type Thread struct {
	ThreadID      string
	ReviewID      string
	FilePath      string
	Selection     event.Selection
	CommitHash    string
	Author        string
	CreatedAt     time.Time
	Status        string
	ResolveReason string
	ReopenReason  string
	Comments      []Comment
}

// Comment is one projected comment row.
type Comment struct {
	CommentID string
	ThreadID  string
	Serial    int
	Body      string
	Author    string
	CreatedAt time.Time
	RequestID string
}

// ReviewFilter narrows ListReviews. Zero-value fields are unconstrained.
type ReviewFilter struct {
	Status        string
	Author        string
	Anchor        string
	NeedsReview   string // agent name; only reviews awaiting this agent's vote
	HasUnresolved bool
	Since         time.Time
}

// ThreadFilter narrows ListThreads.
type ThreadFilter struct {
	Status   string
	FilePath string
}

func parseTS(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ListReviews returns reviews matching filter, newest first.
func (s *Store) ListReviews(ctx context.Context, filter ReviewFilter) ([]Review, error) {
	query := `SELECT review_id FROM reviews WHERE 1=1`
	var args []interface{}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.Author != "" {
		query += ` AND author = ?`
		args = append(args, filter.Author)
	}
	if filter.Anchor != "" {
		query += ` AND scm_anchor = ?`
		args = append(args, filter.Anchor)
	}
	if !filter.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.Since.UTC().Format(tsLayout))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, criterr.Storagef(err, "listing reviews")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, criterr.Storagef(err, "scanning review id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, criterr.Storagef(err, "listing reviews")
	}

	var out []Review
	for _, id := range ids {
		r, err := s.GetReview(ctx, id)
		if err != nil {
			return nil, err
		}
		if filter.HasUnresolved {
			unresolved, err := s.hasUnresolvedThreads(ctx, id)
			if err != nil {
				return nil, err
			}
			if !unresolved {
				continue
			}
		}
		if filter.NeedsReview != "" && !needsReview(r, filter.NeedsReview) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) hasUnresolvedThreads(ctx context.Context, reviewID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM threads WHERE review_id = ? AND status = 'open'`, reviewID).Scan(&count)
	if err != nil {
		return false, criterr.Storagef(err, "counting unresolved threads for %s", reviewID)
	}
	return count > 0, nil
}

// needsReview reports whether agent is a requested reviewer of r who has not
// voted since the most recent request, per spec.md §4.8.
func needsReview(r Review, agent string) bool {
	for _, rv := range r.Reviewers {
		if rv.Reviewer != agent {
			continue
		}
		if rv.Vote == "" {
			return true
		}
		return rv.RequestedAt.After(rv.VotedAt)
	}
	return false
}

// GetReview returns the full detail of one review, or NotFound.
func (s *Store) GetReview(ctx context.Context, reviewID string) (Review, error) {
	var r Review
	var finalCommit, description, statusChangedAt, statusChangedBy, abandonReason sql.NullString
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT review_id, scm_kind, scm_anchor, initial_commit, final_commit, title, description,
		       author, created_at, status, status_changed_at, status_changed_by, abandon_reason
		FROM reviews WHERE review_id = ?
	`, reviewID).Scan(&r.ReviewID, &r.SCMKind, &r.SCMAnchor, &r.InitialCommit, &finalCommit, &r.Title,
		&description, &r.Author, &createdAt, &r.Status, &statusChangedAt, &statusChangedBy, &abandonReason)
	if err == sql.ErrNoRows {
		return Review{}, criterr.NotFoundf("review", reviewID)
	}
	if err != nil {
		return Review{}, criterr.Storagef(err, "reading review %s", reviewID)
	}
	r.FinalCommit = finalCommit.String
	r.Description = description.String
	r.CreatedAt = parseTS(createdAt)
	r.StatusChangedAt = parseTS(statusChangedAt.String)
	r.StatusChangedBy = statusChangedBy.String
	r.AbandonReason = abandonReason.String

	reviewers, err := s.listReviewers(ctx, reviewID)
	if err != nil {
		return Review{}, err
	}
	r.Reviewers = reviewers
	return r, nil
}

func (s *Store) listReviewers(ctx context.Context, reviewID string) ([]Reviewer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT reviewer, requested_at, requested_by, vote, vote_message, voted_at
		FROM review_reviewers WHERE review_id = ? ORDER BY requested_at ASC
	`, reviewID)
	if err != nil {
		return nil, criterr.Storagef(err, "listing reviewers for %s", reviewID)
	}
	defer rows.Close()

	var out []Reviewer
	for rows.Next() {
		var rv Reviewer
		var requestedAt string
		var vote, voteMessage, votedAt sql.NullString
		if err := rows.Scan(&rv.Reviewer, &requestedAt, &rv.RequestedBy, &vote, &voteMessage, &votedAt); err != nil {
			return nil, criterr.Storagef(err, "scanning reviewer row")
		}
		rv.RequestedAt = parseTS(requestedAt)
		rv.Vote = vote.String
		rv.VoteMessage = voteMessage.String
		rv.VotedAt = parseTS(votedAt.String)
		out = append(out, rv)
	}
	return out, rows.Err()
}

// ListThreads returns threads on reviewID matching filter, oldest first.
func (s *Store) ListThreads(ctx context.Context, reviewID string, filter ThreadFilter) ([]Thread, error) {
	query := `SELECT thread_id FROM threads WHERE review_id = ?`
	args := []interface{}{reviewID}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.FilePath != "" {
		query += ` AND file_path = ?`
		args = append(args, filter.FilePath)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, criterr.Storagef(err, "listing threads for %s", reviewID)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, criterr.Storagef(err, "scanning thread id")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, criterr.Storagef(err, "listing threads for %s", reviewID)
	}

	var out []Thread
	for _, id := range ids {
		th, err := s.getThreadMeta(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, th)
	}
	return out, nil
}

func (s *Store) getThreadMeta(ctx context.Context, threadID string) (Thread, error) {
	var th Thread
	var selKind string
	var selN, selStart, selEnd sql.NullInt64
	var resolveReason, reopenReason sql.NullString
	var createdAtRaw string
	err := s.db.QueryRowContext(ctx, `
		SELECT thread_id, review_id, file_path, selection_kind, selection_n, selection_start, selection_end,
		       commit_hash, author, created_at, status, resolve_reason, reopen_reason
		FROM threads WHERE thread_id = ?
	`, threadID).Scan(&th.ThreadID, &th.ReviewID, &th.FilePath, &selKind, &selN, &selStart, &selEnd,
		&th.CommitHash, &th.Author, &createdAtRaw, &th.Status, &resolveReason, &reopenReason)
	if err == sql.ErrNoRows {
		return Thread{}, criterr.NotFoundf("thread", threadID)
	}
	if err != nil {
		return Thread{}, criterr.Storagef(err, "reading thread %s", threadID)
	}
	th.CreatedAt = parseTS(createdAtRaw)
	th.ResolveReason = resolveReason.String
	th.ReopenReason = reopenReason.String
	switch event.SelectionKind(selKind) {
	case event.SelectionLine:
		th.Selection = event.Selection{Kind: event.SelectionLine, N: int(selN.Int64)}
	case event.SelectionRange:
		th.Selection = event.Selection{Kind: event.SelectionRange, Start: int(selStart.Int64), End: int(selEnd.Int64)}
	}
	return th, nil
}

func (s *Store) listComments(ctx context.Context, threadID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT comment_id, thread_id, serial, body, author, created_at, request_id
		FROM comments WHERE thread_id = ? ORDER BY serial ASC
	`, threadID)
	if err != nil {
		return nil, criterr.Storagef(err, "listing comments for %s", threadID)
	}
	defer rows.Close()

	var out []Comment
	for rows.Next() {
		var c Comment
		var createdAt string
		var requestID sql.NullString
		if err := rows.Scan(&c.CommentID, &c.ThreadID, &c.Serial, &c.Body, &c.Author, &createdAt, &requestID); err != nil {
			return nil, criterr.Storagef(err, "scanning comment row")
		}
		c.CreatedAt = parseTS(createdAt)
		c.RequestID = requestID.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetThread returns thread metadata, its comments, and (if contextLines > 0
// and an adapter is available) a context window of the surrounding file
// content at the thread's anchor commit.
func (s *Store) GetThread(ctx context.Context, threadID string, contextLines int) (Thread, string, error) {
	th, err := s.getThreadMeta(ctx, threadID)
	if err != nil {
		return Thread{}, "", err
	}
	comments, err := s.listComments(ctx, threadID)
	if err != nil {
		return Thread{}, "", err
	}
	th.Comments = comments

	if contextLines <= 0 || s.scm == nil {
		return th, "", nil
	}
	content, err := s.scm.ShowFile(th.CommitHash, th.FilePath)
	if err != nil {
		return th, "", nil // context window is best-effort; absence is not an error
	}
	return th, sliceContext(content, th.Selection, contextLines), nil
}

// sliceContext returns the lines of content within contextLines of sel,
// inclusive, joined back with newlines.
func sliceContext(content string, sel event.Selection, contextLines int) string {
	lines := strings.Split(content, "\n")
	first := sel.FirstLine() - 1 - contextLines
	last := sel.LastLine() - 1 + contextLines
	if first < 0 {
		first = 0
	}
	if last >= len(lines) {
		last = len(lines) - 1
	}
	if first > last || first >= len(lines) {
		return ""
	}
	return strings.Join(lines[first:last+1], "\n")
}

// Activity is the combined payload for get_review_activity (spec.md §4.8).
type Activity struct {
	Review  Review
	Threads []Thread
}

// GetReviewActivity returns a review with every thread and its comments
// attached.
func (s *Store) GetReviewActivity(ctx context.Context, reviewID string) (Activity, error) {
	r, err := s.GetReview(ctx, reviewID)
	if err != nil {
		return Activity{}, err
	}
	threads, err := s.ListThreads(ctx, reviewID, ThreadFilter{})
	if err != nil {
		return Activity{}, err
	}
	for i := range threads {
		comments, err := s.listComments(ctx, threads[i].ThreadID)
		if err != nil {
			return Activity{}, err
		}
		threads[i].Comments = comments
	}
	return Activity{Review: r, Threads: threads}, nil
}

// ThreadStatus pairs a thread with its computed drift against the review's
// current commit.
type ThreadStatus struct {
	Thread Thread
	Drift  drift.Result
}

// Status evaluates drift for every thread of reviewID against currentCommit.
func (s *Store) Status(ctx context.Context, reviewID, currentCommit string) ([]ThreadStatus, error) {
	if s.scm == nil {
		return nil, criterr.Storagef(nil, "status requires an SCM adapter")
	}
	threads, err := s.ListThreads(ctx, reviewID, ThreadFilter{})
	if err != nil {
		return nil, err
	}
	var out []ThreadStatus
	for _, th := range threads {
		d, err := drift.Evaluate(s.scm, th.FilePath, th.CommitHash, th.Selection, currentCommit)
		if err != nil {
			return nil, err
		}
		out = append(out, ThreadStatus{Thread: th, Drift: d})
	}
	return out, nil
}

// AwaitingVote is one entry of an Inbox's first category.
type AwaitingVote struct {
	Review Review
	Tag    string // "[fresh]" or "[re-review]"
}

// NewResponse is one entry of an Inbox's second category.
type NewResponse struct {
	Thread Thread
}

// OpenFeedback is one entry of an Inbox's third category.
type OpenFeedback struct {
	Review Review
	Thread Thread
}

// Inbox is the fixed-order, three-category result of an inbox query
// (spec.md §4.8).
type Inbox struct {
	AwaitingVote []AwaitingVote
	NewResponses []NewResponse
	OpenFeedback []OpenFeedback
}

// Inbox computes agent's inbox: reviews awaiting their vote, threads with
// unacknowledged new responses, and open threads on reviews they authored.
func (s *Store) Inbox(ctx context.Context, agent string) (Inbox, error) {
	var inbox Inbox

	awaiting, err := s.awaitingVote(ctx, agent)
	if err != nil {
		return Inbox{}, err
	}
	inbox.AwaitingVote = awaiting

	responses, err := s.newResponses(ctx, agent)
	if err != nil {
		return Inbox{}, err
	}
	inbox.NewResponses = responses

	feedback, err := s.openFeedback(ctx, agent)
	if err != nil {
		return Inbox{}, err
	}
	inbox.OpenFeedback = feedback

	return inbox, nil
}

func (s *Store) awaitingVote(ctx context.Context, agent string) ([]AwaitingVote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT review_id, requested_at, vote, voted_at
		FROM review_reviewers WHERE reviewer = ?
	`, agent)
	if err != nil {
		return nil, criterr.Storagef(err, "listing review_reviewers for %s", agent)
	}
	type row struct {
		reviewID    string
		requestedAt time.Time
		vote        string
		votedAt     time.Time
	}
	var matched []row
	for rows.Next() {
		var r row
		var requestedAt string
		var vote, votedAt sql.NullString
		if err := rows.Scan(&r.reviewID, &requestedAt, &vote, &votedAt); err != nil {
			rows.Close()
			return nil, criterr.Storagef(err, "scanning review_reviewers row")
		}
		r.requestedAt = parseTS(requestedAt)
		r.vote = vote.String
		r.votedAt = parseTS(votedAt.String)
		matched = append(matched, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, criterr.Storagef(err, "listing review_reviewers for %s", agent)
	}

	var out []AwaitingVote
	for _, r := range matched {
		var tag string
		switch {
		case r.vote == "":
			tag = "[fresh]"
		case r.requestedAt.After(r.votedAt):
			tag = "[re-review]"
		default:
			continue // already voted since the last request
		}
		rv, err := s.GetReview(ctx, r.reviewID)
		if err != nil {
			if criterr.Is(err, criterr.NotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, AwaitingVote{Review: rv, Tag: tag})
	}
	return out, nil
}

func (s *Store) newResponses(ctx context.Context, agent string) ([]NewResponse, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT thread_id FROM threads WHERE status != 'resolved'`)
	if err != nil {
		return nil, criterr.Storagef(err, "listing open threads")
	}
	var threadIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, criterr.Storagef(err, "scanning thread id")
		}
		threadIDs = append(threadIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, criterr.Storagef(err, "listing open threads")
	}

	var out []NewResponse
	for _, id := range threadIDs {
		comments, err := s.listComments(ctx, id)
		if err != nil {
			return nil, err
		}
		lastAgentIdx := -1
		for i, c := range comments {
			if c.Author == agent {
				lastAgentIdx = i
			}
		}
		if lastAgentIdx == -1 {
			continue // agent never participated in this thread
		}
		hasLaterOther := false
		for _, c := range comments[lastAgentIdx+1:] {
			if c.Author != agent {
				hasLaterOther = true
				break
			}
		}
		if !hasLaterOther {
			continue
		}
		th, err := s.getThreadMeta(ctx, id)
		if err != nil {
			return nil, err
		}
		th.Comments = comments
		out = append(out, NewResponse{Thread: th})
	}
	return out, nil
}

func (s *Store) openFeedback(ctx context.Context, agent string) ([]OpenFeedback, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT review_id FROM reviews WHERE author = ?`, agent)
	if err != nil {
		return nil, criterr.Storagef(err, "listing reviews authored by %s", agent)
	}
	var reviewIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, criterr.Storagef(err, "scanning review id")
		}
		reviewIDs = append(reviewIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, criterr.Storagef(err, "listing reviews authored by %s", agent)
	}

	var out []OpenFeedback
	for _, id := range reviewIDs {
		rv, err := s.GetReview(ctx, id)
		if err != nil {
			return nil, err
		}
		threads, err := s.ListThreads(ctx, id, ThreadFilter{Status: "open"})
		if err != nil {
			return nil, err
		}
		for _, th := range threads {
			out = append(out, OpenFeedback{Review: rv, Thread: th})
		}
	}
	return out, nil
}
