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

// Package service implements the transactional write operations of spec.md
// §4.7. Every operation appends to the relevant review's event log first,
// then syncs the projection; if the sync step fails the append has already
// committed and the next sync (from any process) will pick it up.
package service

import (
	"context"
	"database/sql"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bobisme/botcrit/criterr"
	"github.com/bobisme/botcrit/event"
	"github.com/bobisme/botcrit/eventlog"
	"github.com/bobisme/botcrit/ids"
	"github.com/bobisme/botcrit/layout"
	"github.com/bobisme/botcrit/logging"
	"github.com/bobisme/botcrit/scm"
	"github.com/bobisme/botcrit/store/sqlite"
)

// Service exposes the core's write operations against one working tree.
type Service struct {
	reviewsDir string
	store      *sqlite.Store
	syncer     *sqlite.Syncer
	adapter    scm.Adapter
	gen        *ids.Generator
	log        *logrus.Entry
}

// New builds a Service. reviewsDir is the `.crit/reviews` directory;
// manifestDir is where sync recovery manifests land (normally `.crit`).
func New(reviewsDir, manifestDir string, store *sqlite.Store, adapter scm.Adapter, gen *ids.Generator) *Service {
	return &Service{
		reviewsDir: reviewsDir,
		store:      store,
		syncer:     sqlite.NewSyncer(store, reviewsDir, manifestDir),
		adapter:    adapter,
		gen:        gen,
		log:        logging.For("service"),
	}
}

// Open resolves root's `.crit` layout (walking upward to find it, per
// layout.Find), enforces the version gate, opens the projection store at
// its index.db, and builds a Service rooted there. It is the entry point a
// front-end should use; New remains available for callers (tests, or a
// front-end managing its own store lifecycle) that already have a Paths
// and an open Store.
func Open(root string, adapter scm.Adapter, gen *ids.Generator) (*Service, error) {
	p, err := layout.Find(root)
	if err != nil {
		return nil, err
	}
	if err := p.CheckVersion(); err != nil {
		return nil, err
	}
	store, err := sqlite.Open(p.IndexDB)
	if err != nil {
		return nil, err
	}
	return New(p.ReviewsDir, p.Dir, store, adapter, gen), nil
}

// Close releases the projection store handle. Safe to call on a Service
// built directly with New against a Store the caller still owns; it simply
// forwards to Store.Close.
func (s *Service) Close() error {
	return s.store.Close()
}

func (s *Service) logPath(reviewID string) string {
	return filepath.Join(s.reviewsDir, reviewID, "events.jsonl")
}

// appendAndSync appends env to reviewID's log and folds it into the
// projection. The append is the commit point: if sync fails here, the event
// is already durable and a later Sync call (by any process) will apply it.
func (s *Service) appendAndSync(ctx context.Context, reviewID string, env event.Envelope) error {
	l := eventlog.New(s.logPath(reviewID))
	if err := l.Append(ctx, env); err != nil {
		return err
	}
	if _, err := s.syncer.Sync(ctx); err != nil {
		return err
	}
	return nil
}

func (s *Service) reviewIDForThread(threadID string) (string, error) {
	var reviewID string
	err := s.store.DB().QueryRow(`SELECT review_id FROM threads WHERE thread_id = ?`, threadID).Scan(&reviewID)
	if err == sql.ErrNoRows {
		return "", criterr.NotFoundf("thread", threadID)
	}
	if err != nil {
		return "", criterr.Storagef(err, "resolving review for thread %s", threadID)
	}
	return reviewID, nil
}

// CreateReview opens a new review anchored to the working copy's current
// position, as reported by the SCM adapter.
func (s *Service) CreateReview(ctx context.Context, author, title, description string) (string, error) {
	anchor, err := s.adapter.CurrentAnchor()
	if err != nil {
		return "", err
	}
	commit, err := s.adapter.CurrentCommit()
	if err != nil {
		return "", err
	}
	reviewID, err := s.gen.NewReviewID()
	if err != nil {
		return "", criterr.Wrap(criterr.Conflict, err, "generating review id")
	}

	env, err := event.New(time.Now().UTC(), author, event.ReviewCreated{
		ReviewID:      reviewID,
		SCMKind:       string(s.adapter.Kind()),
		SCMAnchor:     anchor,
		InitialCommit: commit,
		Title:         title,
		Description:   description,
	})
	if err != nil {
		return "", criterr.Wrap(criterr.InvalidInput, err, "building ReviewCreated")
	}
	if err := s.appendAndSync(ctx, reviewID, env); err != nil {
		return "", err
	}
	return reviewID, nil
}

// RequestReviewers asks one or more reviewers to look at reviewID. A repeat
// request naming a reviewer who already voted surfaces as `[re-review]` in
// that reviewer's inbox (query.Inbox), not here.
func (s *Service) RequestReviewers(ctx context.Context, reviewID, author string, reviewers []string) error {
	env, err := event.New(time.Now().UTC(), author, event.ReviewersRequested{
		ReviewID:  reviewID,
		Reviewers: reviewers,
	})
	if err != nil {
		return criterr.Wrap(criterr.InvalidInput, err, "building ReviewersRequested")
	}
	return s.appendAndSync(ctx, reviewID, env)
}

// AddComment appends a comment to reviewID, auto-threading it: if an open
// thread already exists at the identical (file_path, selection) and its
// anchor commit is still resolvable, the comment joins that thread;
// otherwise a new thread is opened at the working copy's current commit.
// request_id, if set, makes repeated calls idempotent.
func (s *Service) AddComment(ctx context.Context, reviewID, author, filePath string, selection event.Selection, body, requestID string) (threadID, commentID string, err error) {
	if requestID != "" {
		if tid, cid, ok, ferr := s.findByRequestID(requestID); ferr != nil {
			return "", "", ferr
		} else if ok {
			return tid, cid, nil
		}
	}

	threadID, err = s.findReusableThread(reviewID, filePath, selection)
	if err != nil {
		return "", "", err
	}

	if threadID == "" {
		commit, err := s.adapter.CurrentCommit()
		if err != nil {
			return "", "", err
		}
		threadID, err = s.gen.NewThreadID()
		if err != nil {
			return "", "", criterr.Wrap(criterr.Conflict, err, "generating thread id")
		}
		created, err := event.New(time.Now().UTC(), author, event.ThreadCreated{
			ThreadID:   threadID,
			ReviewID:   reviewID,
			FilePath:   filePath,
			Selection:  selection,
			CommitHash: commit,
		})
		if err != nil {
			return "", "", criterr.Wrap(criterr.InvalidInput, err, "building ThreadCreated")
		}
		l := eventlog.New(s.logPath(reviewID))
		if err := l.Append(ctx, created); err != nil {
			return "", "", err
		}
	}

	serial, err := s.nextSerial(threadID)
	if err != nil {
		return "", "", err
	}
	commentID = ids.NewCommentID(threadID, serial)

	env, err := event.New(time.Now().UTC(), author, event.CommentAdded{
		CommentID: commentID,
		ThreadID:  threadID,
		Body:      body,
		RequestID: requestID,
	})
	if err != nil {
		return "", "", criterr.Wrap(criterr.InvalidInput, err, "building CommentAdded")
	}
	if err := s.appendAndSync(ctx, reviewID, env); err != nil {
		return "", "", err
	}
	return threadID, commentID, nil
}

// ReplyToThread appends a comment to an existing thread.
func (s *Service) ReplyToThread(ctx context.Context, threadID, author, body, requestID string) (string, error) {
	if requestID != "" {
		if _, cid, ok, err := s.findByRequestID(requestID); err != nil {
			return "", err
		} else if ok {
			return cid, nil
		}
	}

	reviewID, err := s.reviewIDForThread(threadID)
	if err != nil {
		return "", err
	}
	serial, err := s.nextSerial(threadID)
	if err != nil {
		return "", err
	}
	commentID := ids.NewCommentID(threadID, serial)

	env, err := event.New(time.Now().UTC(), author, event.CommentAdded{
		CommentID: commentID,
		ThreadID:  threadID,
		Body:      body,
		RequestID: requestID,
	})
	if err != nil {
		return "", criterr.Wrap(criterr.InvalidInput, err, "building CommentAdded")
	}
	if err := s.appendAndSync(ctx, reviewID, env); err != nil {
		return "", err
	}
	return commentID, nil
}

// ThreadResult is one outcome of a batch ResolveThread/ReopenThread call.
type ThreadResult struct {
	ThreadID string
	Err      error
}

// ResolveThread marks each of threadIDs resolved. Each thread is an
// independent append; one failure does not prevent the others from
// succeeding.
func (s *Service) ResolveThread(ctx context.Context, threadIDs []string, author, reason string) []ThreadResult {
	return s.batchThreadEvent(ctx, threadIDs, func(threadID string) (event.Envelope, error) {
		return event.New(time.Now().UTC(), author, event.ThreadResolved{ThreadID: threadID, Reason: reason})
	})
}

// ReopenThread reopens each of threadIDs.
func (s *Service) ReopenThread(ctx context.Context, threadIDs []string, author, reason string) []ThreadResult {
	return s.batchThreadEvent(ctx, threadIDs, func(threadID string) (event.Envelope, error) {
		return event.New(time.Now().UTC(), author, event.ThreadReopened{ThreadID: threadID, Reason: reason})
	})
}

func (s *Service) batchThreadEvent(ctx context.Context, threadIDs []string, build func(string) (event.Envelope, error)) []ThreadResult {
	results := make([]ThreadResult, 0, len(threadIDs))
	for _, threadID := range threadIDs {
		err := func() error {
			reviewID, err := s.reviewIDForThread(threadID)
			if err != nil {
				return err
			}
			env, err := build(threadID)
			if err != nil {
				return criterr.Wrap(criterr.InvalidInput, err, "building thread event")
			}
			return s.appendAndSync(ctx, reviewID, env)
		}()
		results = append(results, ThreadResult{ThreadID: threadID, Err: err})
	}
	return results
}

// Vote records author's vote on reviewID.
func (s *Service) Vote(ctx context.Context, reviewID, author string, vote event.Vote, message string) error {
	if err := s.requireOpenReview(reviewID); err != nil {
		return err
	}
	env, err := event.New(time.Now().UTC(), author, event.ReviewerVoted{
		ReviewID: reviewID,
		Vote:     vote,
		Message:  message,
	})
	if err != nil {
		return criterr.Wrap(criterr.InvalidInput, err, "building ReviewerVoted")
	}
	return s.appendAndSync(ctx, reviewID, env)
}

// Approve force-sets reviewID's status to approved.
func (s *Service) Approve(ctx context.Context, reviewID, author string) error {
	if err := s.requireOpenReview(reviewID); err != nil {
		return err
	}
	env, err := event.New(time.Now().UTC(), author, event.ReviewApproved{ReviewID: reviewID})
	if err != nil {
		return criterr.Wrap(criterr.InvalidInput, err, "building ReviewApproved")
	}
	return s.appendAndSync(ctx, reviewID, env)
}

// Abandon marks reviewID abandoned.
func (s *Service) Abandon(ctx context.Context, reviewID, author, reason string) error {
	if err := s.requireOpenReview(reviewID); err != nil {
		return err
	}
	env, err := event.New(time.Now().UTC(), author, event.ReviewAbandoned{ReviewID: reviewID, Reason: reason})
	if err != nil {
		return criterr.Wrap(criterr.InvalidInput, err, "building ReviewAbandoned")
	}
	return s.appendAndSync(ctx, reviewID, env)
}

// MarkMerged marks reviewID merged into finalCommit. It fails with
// BlockedByVote if an outstanding Block vote exists, unless author is the
// review's own author and selfApprove is set.
func (s *Service) MarkMerged(ctx context.Context, reviewID, author, finalCommit string, selfApprove bool) error {
	if err := s.requireOpenReview(reviewID); err != nil {
		return err
	}
	blocked, reviewAuthor, err := s.outstandingBlock(reviewID)
	if err != nil {
		return err
	}
	if blocked && !(selfApprove && author == reviewAuthor) {
		return criterr.New(criterr.BlockedByVote, "review "+reviewID+" has an outstanding Block vote")
	}

	env, err := event.New(time.Now().UTC(), author, event.ReviewMerged{ReviewID: reviewID, FinalCommit: finalCommit})
	if err != nil {
		return criterr.Wrap(criterr.InvalidInput, err, "building ReviewMerged")
	}
	return s.appendAndSync(ctx, reviewID, env)
}

// reviewStatus returns reviewID's current projected status.
func (s *Service) reviewStatus(reviewID string) (string, error) {
	var status string
	err := s.store.DB().QueryRow(`SELECT status FROM reviews WHERE review_id = ?`, reviewID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", criterr.NotFoundf("review", reviewID)
	}
	if err != nil {
		return "", criterr.Storagef(err, "reading review %s", reviewID)
	}
	return status, nil
}

// requireOpenReview rejects any review-level mutation once reviewID has
// reached a terminal status (merged or abandoned): spec.md §3/§4.7 require
// terminal states to accept no further mutating events.
func (s *Service) requireOpenReview(reviewID string) error {
	status, err := s.reviewStatus(reviewID)
	if err != nil {
		return err
	}
	if status == "merged" || status == "abandoned" {
		return criterr.InvalidStatef("review", reviewID, status, "review %s is already %s and accepts no further mutating events", reviewID, status)
	}
	return nil
}

func (s *Service) outstandingBlock(reviewID string) (blocked bool, author string, err error) {
	err = s.store.DB().QueryRow(`SELECT author FROM reviews WHERE review_id = ?`, reviewID).Scan(&author)
	if err == sql.ErrNoRows {
		return false, "", criterr.NotFoundf("review", reviewID)
	}
	if err != nil {
		return false, "", criterr.Storagef(err, "reading review %s", reviewID)
	}
	var count int
	err = s.store.DB().QueryRow(`SELECT COUNT(*) FROM review_reviewers WHERE review_id = ? AND vote = 'block'`, reviewID).Scan(&count)
	if err != nil {
		return false, "", criterr.Storagef(err, "counting blocks for %s", reviewID)
	}
	return count > 0, author, nil
}

// findReusableThread returns the open thread matching (filePath, selection)
// on reviewID whose anchor commit is still resolvable, or "" if none
// qualifies.
func (s *Service) findReusableThread(reviewID, filePath string, selection event.Selection) (string, error) {
	rows, err := s.store.DB().Query(`
		SELECT thread_id, commit_hash, selection_kind, selection_n, selection_start, selection_end
		FROM threads WHERE review_id = ? AND file_path = ? AND status = 'open'
	`, reviewID, filePath)
	if err != nil {
		return "", criterr.Storagef(err, "searching threads for %s/%s", reviewID, filePath)
	}
	defer rows.Close()

	for rows.Next() {
		var threadID, commitHash, selKind string
		var selN, selStart, selEnd sql.NullInt64
		if err := rows.Scan(&threadID, &commitHash, &selKind, &selN, &selStart, &selEnd); err != nil {
			return "", criterr.Storagef(err, "scanning thread row")
		}
		if !sameSelection(selection, selKind, selN, selStart, selEnd) {
			continue
		}
		if ok, err := s.adapter.FileExists(commitHash, filePath); err != nil || !ok {
			continue
		}
		return threadID, nil
	}
	return "", rows.Err()
}

func sameSelection(sel event.Selection, kind string, n, start, end sql.NullInt64) bool {
	if string(sel.Kind) != kind {
		return false
	}
	switch sel.Kind {
	case event.SelectionLine:
		return n.Valid && int(n.Int64) == sel.N
	case event.SelectionRange:
		return start.Valid && end.Valid && int(start.Int64) == sel.Start && int(end.Int64) == sel.End
	}
	return false
}

func (s *Service) nextSerial(threadID string) (int, error) {
	var next int
	err := s.store.DB().QueryRow(`SELECT COALESCE(MAX(serial), 0) + 1 FROM comments WHERE thread_id = ?`, threadID).Scan(&next)
	if err != nil {
		return 0, criterr.Storagef(err, "computing next serial for thread %s", threadID)
	}
	return next, nil
}

// findByRequestID looks up a comment already recorded under requestID, for
// idempotent AddComment/ReplyToThread calls.
func (s *Service) findByRequestID(requestID string) (threadID, commentID string, ok bool, err error) {
	err = s.store.DB().QueryRow(`SELECT thread_id, comment_id FROM comments WHERE request_id = ?`, requestID).Scan(&threadID, &commentID)
	if err == sql.ErrNoRows {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, criterr.Storagef(err, "checking request_id %s", requestID)
	}
	return threadID, commentID, true, nil
}
