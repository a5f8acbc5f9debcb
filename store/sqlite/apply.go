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

package sqlite

import (
	"database/sql"

	"github.com/bobisme/botcrit/criterr"
	"github.com/bobisme/botcrit/event"
)

// applyEvent folds one event into the projection, per the event application
// rules of spec.md §4.5. It is the only place those rules are encoded; both
// the incremental sync path and the full-rebuild path call it for every
// event they process, in each review's append order.
func applyEvent(tx *sql.Tx, reviewID string, env event.Envelope) error {
	ts := env.TS.UTC().Format(tsLayout)
	switch p := env.Payload.(type) {
	case event.ReviewCreated:
		_, err := tx.Exec(`
			INSERT OR IGNORE INTO reviews
				(review_id, scm_kind, scm_anchor, initial_commit, title, description, author, created_at, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'open')
		`, p.ReviewID, p.SCMKind, p.SCMAnchor, p.InitialCommit, p.Title, p.Description, env.Author, ts)
		if err != nil {
			return criterr.Storagef(err, "applying ReviewCreated for %s", p.ReviewID)
		}

	case event.ReviewersRequested:
		for _, reviewer := range p.Reviewers {
			_, err := tx.Exec(`
				INSERT INTO review_reviewers (review_id, reviewer, requested_at, requested_by)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(review_id, reviewer) DO UPDATE SET
					requested_at = excluded.requested_at,
					requested_by = excluded.requested_by
				WHERE excluded.requested_at >= review_reviewers.requested_at
			`, p.ReviewID, reviewer, ts, env.Author)
			if err != nil {
				return criterr.Storagef(err, "applying ReviewersRequested for %s/%s", p.ReviewID, reviewer)
			}
		}

	case event.ReviewerVoted:
		if err := applyReviewerVoted(tx, reviewID, env.Author, ts, p); err != nil {
			return err
		}
		if p.Vote == event.VoteLgtm {
			if err := promoteIfNoBlocks(tx, p.ReviewID); err != nil {
				return err
			}
		}

	case event.ReviewApproved:
		_, err := tx.Exec(`
			UPDATE reviews SET status = 'approved', status_changed_at = ?, status_changed_by = ?
			WHERE review_id = ?
		`, ts, env.Author, p.ReviewID)
		if err != nil {
			return criterr.Storagef(err, "applying ReviewApproved for %s", p.ReviewID)
		}

	case event.ReviewMerged:
		// A review's merged/abandoned state is terminal, so a log that
		// somehow carries a second terminal transition (service.Service
		// rejects appending one, but a legacy or hand-edited log is not
		// bound by that) must replay deterministically without reverting
		// the projection back out of its terminal state.
		_, err := tx.Exec(`
			UPDATE reviews SET status = 'merged', final_commit = ?, status_changed_at = ?, status_changed_by = ?
			WHERE review_id = ? AND status NOT IN ('merged', 'abandoned')
		`, p.FinalCommit, ts, env.Author, p.ReviewID)
		if err != nil {
			return criterr.Storagef(err, "applying ReviewMerged for %s", p.ReviewID)
		}

	case event.ReviewAbandoned:
		_, err := tx.Exec(`
			UPDATE reviews SET status = 'abandoned', abandon_reason = ?, status_changed_at = ?, status_changed_by = ?
			WHERE review_id = ? AND status NOT IN ('merged', 'abandoned')
		`, p.Reason, ts, env.Author, p.ReviewID)
		if err != nil {
			return criterr.Storagef(err, "applying ReviewAbandoned for %s", p.ReviewID)
		}

	case event.ThreadCreated:
		var n, start, end sql.NullInt64
		switch p.Selection.Kind {
		case event.SelectionLine:
			n = sql.NullInt64{Int64: int64(p.Selection.N), Valid: true}
		case event.SelectionRange:
			start = sql.NullInt64{Int64: int64(p.Selection.Start), Valid: true}
			end = sql.NullInt64{Int64: int64(p.Selection.End), Valid: true}
		}
		_, err := tx.Exec(`
			INSERT OR IGNORE INTO threads
				(thread_id, review_id, file_path, selection_kind, selection_n, selection_start, selection_end,
				 commit_hash, author, created_at, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'open')
		`, p.ThreadID, p.ReviewID, p.FilePath, string(p.Selection.Kind), n, start, end, p.CommitHash, env.Author, ts)
		if err != nil {
			return criterr.Storagef(err, "applying ThreadCreated for %s", p.ThreadID)
		}

	case event.ThreadResolved:
		_, err := tx.Exec(`
			UPDATE threads SET status = 'resolved', resolve_reason = ?, status_changed_at = ?, status_changed_by = ?
			WHERE thread_id = ?
		`, p.Reason, ts, env.Author, p.ThreadID)
		if err != nil {
			return criterr.Storagef(err, "applying ThreadResolved for %s", p.ThreadID)
		}

	case event.ThreadReopened:
		_, err := tx.Exec(`
			UPDATE threads SET status = 'open', reopen_reason = ?, status_changed_at = ?, status_changed_by = ?
			WHERE thread_id = ?
		`, p.Reason, ts, env.Author, p.ThreadID)
		if err != nil {
			return criterr.Storagef(err, "applying ThreadReopened for %s", p.ThreadID)
		}

	case event.CommentAdded:
		if err := applyCommentAdded(tx, env.Author, ts, p); err != nil {
			return err
		}

	default:
		return criterr.Storagef(nil, "unrecognized event payload %T in review %s", env.Payload, reviewID)
	}
	return nil
}

// applyReviewerVoted upserts the latest vote for (review, reviewer). When
// two votes for the same reviewer carry an identical ts (spec.md §9, Open
// Question (b)), the one whose author sorts lexicographically greater wins;
// in ordinary operation this never matters, since votes for one reviewer
// come from one author and already arrive in log order.
func applyReviewerVoted(tx *sql.Tx, reviewID, author, ts string, p event.ReviewerVoted) error {
	_, err := tx.Exec(`
		INSERT INTO review_reviewers (review_id, reviewer, requested_at, requested_by, vote, vote_message, voted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(review_id, reviewer) DO UPDATE SET
			vote = excluded.vote,
			vote_message = excluded.vote_message,
			voted_at = excluded.voted_at
		WHERE excluded.voted_at > review_reviewers.voted_at
			OR review_reviewers.voted_at IS NULL
			OR (excluded.voted_at = review_reviewers.voted_at AND ? >= review_reviewers.reviewer)
	`, reviewID, author, ts, author, string(p.Vote), p.Message, ts, author)
	if err != nil {
		return criterr.Storagef(err, "applying ReviewerVoted for %s/%s", reviewID, author)
	}
	return nil
}

// promoteIfNoBlocks advances an open review to approved once every reviewer
// with a latest vote has voted Lgtm and no Block remains outstanding.
func promoteIfNoBlocks(tx *sql.Tx, reviewID string) error {
	var blocked int
	err := tx.QueryRow(`
		SELECT COUNT(*) FROM review_reviewers WHERE review_id = ? AND vote = 'block'
	`, reviewID).Scan(&blocked)
	if err != nil {
		return criterr.Storagef(err, "counting outstanding blocks for %s", reviewID)
	}
	if blocked > 0 {
		return nil
	}
	_, err = tx.Exec(`UPDATE reviews SET status = 'approved' WHERE review_id = ? AND status = 'open'`, reviewID)
	if err != nil {
		return criterr.Storagef(err, "promoting %s to approved", reviewID)
	}
	return nil
}

// applyCommentAdded inserts a comment, bumping the thread's serial counter,
// unless request_id is set and already present, in which case nothing is
// inserted: the existing comment already satisfies the request.
func applyCommentAdded(tx *sql.Tx, author, ts string, p event.CommentAdded) error {
	if p.RequestID != "" {
		var existing string
		err := tx.QueryRow(`SELECT comment_id FROM comments WHERE request_id = ?`, p.RequestID).Scan(&existing)
		if err == nil {
			return nil // already applied; idempotent no-op
		}
		if err != sql.ErrNoRows {
			return criterr.Storagef(err, "checking request_id %s", p.RequestID)
		}
	}

	var nextSerial int
	err := tx.QueryRow(`SELECT COALESCE(MAX(serial), 0) + 1 FROM comments WHERE thread_id = ?`, p.ThreadID).Scan(&nextSerial)
	if err != nil {
		return criterr.Storagef(err, "computing next serial for thread %s", p.ThreadID)
	}

	var requestID sql.NullString
	if p.RequestID != "" {
		requestID = sql.NullString{String: p.RequestID, Valid: true}
	}
	_, err = tx.Exec(`
		INSERT OR IGNORE INTO comments (comment_id, thread_id, serial, body, author, created_at, request_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.CommentID, p.ThreadID, nextSerial, p.Body, author, ts, requestID)
	if err != nil {
		return criterr.Storagef(err, "applying CommentAdded for %s", p.CommentID)
	}
	return nil
}
