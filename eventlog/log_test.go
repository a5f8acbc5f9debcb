package eventlog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobisme/botcrit/event"
)

func review1Created(t *testing.T) event.Envelope {
	t.Helper()
	env, err := event.New(time.Unix(1700000000, 0), "alice", event.ReviewCreated{
		ReviewID:      "cr-a1b2",
		SCMKind:       "git",
		SCMAnchor:     "detached:c1",
		InitialCommit: "c1",
		Title:         "Add calculator",
	})
	require.NoError(t, err)
	return env
}

func TestAppendAndReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := New(filepath.Join(dir, "events.jsonl"))
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, review1Created(t)))

	comment, err := event.New(time.Unix(1700000100, 0), "alice", event.CommentAdded{
		CommentID: "th-x1y2.1",
		ThreadID:  "th-x1y2",
		Body:      "looks good",
	})
	require.NoError(t, err)
	require.NoError(t, l.Append(ctx, comment))

	envs, err := l.Read(ctx)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, event.KindReviewCreated, envs[0].Event)
	assert.Equal(t, event.KindCommentAdded, envs[1].Event)
}

func TestReadOfMissingFileIsEmpty(t *testing.T) {
	dir := t.TempDir()
	l := New(filepath.Join(dir, "does-not-exist.jsonl"))
	envs, err := l.Read(context.Background())
	require.NoError(t, err)
	assert.Empty(t, envs)
}

func TestReadSkipsTornFinalLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	l := New(path)
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, review1Created(t)))

	// Simulate a writer that crashed mid-append: append a line with no
	// trailing newline.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"ts":"2023-01-01T00:00:00Z","author":"bob","event":"ReviewApproved","data":{"review_id":"cr-a1b2"}`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	envs, err := l.Read(ctx)
	require.NoError(t, err)
	require.Len(t, envs, 1, "the torn line must be skipped")

	// The next append must clean up the torn line rather than leaving it
	// interleaved with the new, well-formed one.
	approved, err := event.New(time.Unix(1700000200, 0), "bob", event.ReviewApproved{ReviewID: "cr-a1b2"})
	require.NoError(t, err)
	require.NoError(t, l.Append(ctx, approved))

	envs, err = l.Read(ctx)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, event.KindReviewApproved, envs[1].Event)
}

func TestReadRejectsCorruptLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("not json at all\n"), 0o644))
	l := New(path)
	_, err := l.Read(context.Background())
	require.Error(t, err)
}

func TestFingerprintChangesWithContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	l := New(path)
	ctx := context.Background()

	empty, err := l.Fingerprint(ctx)
	require.NoError(t, err)
	assert.Equal(t, Empty, empty)

	require.NoError(t, l.Append(ctx, review1Created(t)))
	fp1, err := l.Fingerprint(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, Empty, fp1)
	assert.Greater(t, fp1.Length, int64(0))

	comment, err := event.New(time.Unix(1700000100, 0), "alice", event.CommentAdded{
		CommentID: "th-x1y2.1", ThreadID: "th-x1y2", Body: "hi",
	})
	require.NoError(t, err)
	require.NoError(t, l.Append(ctx, comment))
	fp2, err := l.Fingerprint(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp2)
	assert.Greater(t, fp2.Length, fp1.Length)
}

func TestRegressedDetectsShrinkAndSameSizeChange(t *testing.T) {
	a := Fingerprint{Length: 100, Hash: "x"}
	b := Fingerprint{Length: 50, Hash: "y"}
	assert.True(t, Regressed(a, b))

	c := Fingerprint{Length: 100, Hash: "z"}
	assert.True(t, Regressed(a, c))

	d := Fingerprint{Length: 150, Hash: "w"}
	assert.False(t, Regressed(a, d))

	assert.False(t, Regressed(a, a))
}
