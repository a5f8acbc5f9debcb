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
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobisme/botcrit/event"
	"github.com/bobisme/botcrit/eventlog"
)

func writeReview(t *testing.T, reviewsDir, reviewID string, envelopes []event.Envelope) {
	t.Helper()
	logPath := filepath.Join(reviewsDir, reviewID, "events.jsonl")
	require.NoError(t, os.MkdirAll(filepath.Dir(logPath), 0o755))
	l := eventlog.New(logPath)
	ctx := context.Background()
	for _, env := range envelopes {
		require.NoError(t, l.Append(ctx, env))
	}
}

func TestSyncBasicLifecycle(t *testing.T) {
	dir := t.TempDir()
	reviewsDir := filepath.Join(dir, "reviews")
	storePath := filepath.Join(dir, "index.db")

	store, err := Open(storePath)
	require.NoError(t, err)
	defer store.Close()

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	created, err := event.New(t0, "alice", event.ReviewCreated{
		ReviewID: "cr-ab12", SCMKind: "git", SCMAnchor: "refs/heads/feature",
		InitialCommit: "c1", Title: "Add calculator",
	})
	require.NoError(t, err)

	threadCreated, err := event.New(t0.Add(time.Minute), "alice", event.ThreadCreated{
		ThreadID: "th-cd34", ReviewID: "cr-ab12", FilePath: "src/main.rs",
		Selection: event.Selection{Kind: event.SelectionLine, N: 21}, CommitHash: "c1",
	})
	require.NoError(t, err)

	commentAdded, err := event.New(t0.Add(2*time.Minute), "alice", event.CommentAdded{
		CommentID: "th-cd34.1", ThreadID: "th-cd34", Body: "Division by zero",
	})
	require.NoError(t, err)

	resolved, err := event.New(t0.Add(3*time.Minute), "alice", event.ThreadResolved{
		ThreadID: "th-cd34", Reason: "fixed",
	})
	require.NoError(t, err)

	voted, err := event.New(t0.Add(4*time.Minute), "bob", event.ReviewerVoted{
		ReviewID: "cr-ab12", Vote: event.VoteLgtm,
	})
	require.NoError(t, err)

	writeReview(t, reviewsDir, "cr-ab12", []event.Envelope{created, threadCreated, commentAdded, resolved, voted})

	syncer := NewSyncer(store, reviewsDir, dir)
	report, err := syncer.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.ReviewsScanned)
	assert.Equal(t, 1, report.ReviewsSynced)
	assert.Empty(t, report.Regressed)

	var status string
	require.NoError(t, store.db.QueryRow(`SELECT status FROM reviews WHERE review_id = ?`, "cr-ab12").Scan(&status))
	assert.Equal(t, "approved", status)

	var threadStatus string
	require.NoError(t, store.db.QueryRow(`SELECT status FROM threads WHERE thread_id = ?`, "th-cd34").Scan(&threadStatus))
	assert.Equal(t, "resolved", threadStatus)

	var commentCount int
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM comments WHERE thread_id = ?`, "th-cd34").Scan(&commentCount))
	assert.Equal(t, 1, commentCount)

	// A second sync with no new events should be a pure no-op (idempotent).
	report2, err := syncer.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report2.ReviewsScanned)
	assert.Equal(t, 0, report2.ReviewsSynced)
}

func TestSyncIdempotentCommentRequestID(t *testing.T) {
	dir := t.TempDir()
	reviewsDir := filepath.Join(dir, "reviews")
	storePath := filepath.Join(dir, "index.db")

	store, err := Open(storePath)
	require.NoError(t, err)
	defer store.Close()

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	created, err := event.New(t0, "alice", event.ReviewCreated{
		ReviewID: "cr-ab12", SCMKind: "git", SCMAnchor: "refs/heads/x",
		InitialCommit: "c1", Title: "x",
	})
	require.NoError(t, err)
	threadCreated, err := event.New(t0, "alice", event.ThreadCreated{
		ThreadID: "th-cd34", ReviewID: "cr-ab12", FilePath: "a.go",
		Selection: event.Selection{Kind: event.SelectionLine, N: 1}, CommitHash: "c1",
	})
	require.NoError(t, err)
	c1, err := event.New(t0.Add(time.Second), "alice", event.CommentAdded{
		CommentID: "th-cd34.1", ThreadID: "th-cd34", Body: "ok", RequestID: "r1",
	})
	require.NoError(t, err)
	c2, err := event.New(t0.Add(2*time.Second), "alice", event.CommentAdded{
		CommentID: "th-cd34.1", ThreadID: "th-cd34", Body: "ok", RequestID: "r1",
	})
	require.NoError(t, err)

	writeReview(t, reviewsDir, "cr-ab12", []event.Envelope{created, threadCreated, c1, c2})

	syncer := NewSyncer(store, reviewsDir, dir)
	_, err = syncer.Sync(context.Background())
	require.NoError(t, err)

	var count int
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM comments WHERE thread_id = ?`, "th-cd34").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestSyncRegressionWritesManifestAndRebuilds(t *testing.T) {
	dir := t.TempDir()
	reviewsDir := filepath.Join(dir, "reviews")
	storePath := filepath.Join(dir, "index.db")

	store, err := Open(storePath)
	require.NoError(t, err)
	defer store.Close()

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	created, err := event.New(t0, "alice", event.ReviewCreated{
		ReviewID: "cr-ab12", SCMKind: "git", SCMAnchor: "refs/heads/x",
		InitialCommit: "c1", Title: "x",
	})
	require.NoError(t, err)
	threadCreated, err := event.New(t0.Add(time.Minute), "alice", event.ThreadCreated{
		ThreadID: "th-cd34", ReviewID: "cr-ab12", FilePath: "a.go",
		Selection: event.Selection{Kind: event.SelectionLine, N: 1}, CommitHash: "c1",
	})
	require.NoError(t, err)

	writeReview(t, reviewsDir, "cr-ab12", []event.Envelope{created, threadCreated})

	syncer := NewSyncer(store, reviewsDir, dir)
	_, err = syncer.Sync(context.Background())
	require.NoError(t, err)

	// Simulate a source-control restoration: truncate the log back to just
	// the first event.
	logPath := filepath.Join(reviewsDir, "cr-ab12", "events.jsonl")
	line, err := created.MarshalLine()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(logPath, append(line, '\n'), 0o644))

	report, err := syncer.Sync(context.Background())
	require.NoError(t, err)
	assert.Contains(t, report.Regressed, "cr-ab12")

	matches, err := filepath.Glob(filepath.Join(dir, "orphaned-reviews-*.json"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	var threadCount int
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM threads WHERE review_id = ?`, "cr-ab12").Scan(&threadCount))
	assert.Equal(t, 0, threadCount)
}
