package migrate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobisme/botcrit/criterr"
	"github.com/bobisme/botcrit/event"
	"github.com/bobisme/botcrit/eventlog"
	"github.com/bobisme/botcrit/layout"
)

func writeLegacyLog(t *testing.T, root string, envs ...event.Envelope) {
	t.Helper()
	critDir := filepath.Join(root, layout.DirName)
	require.NoError(t, os.MkdirAll(critDir, 0o755))
	l := eventlog.New(filepath.Join(critDir, oldLogName))
	for _, env := range envs {
		require.NoError(t, l.Append(context.Background(), env))
	}
}

func env(t *testing.T, ts int64, author string, payload any) event.Envelope {
	t.Helper()
	var (
		e   event.Envelope
		err error
	)
	switch p := payload.(type) {
	case event.ReviewCreated:
		e, err = event.New(time.Unix(ts, 0), author, p)
	case event.ReviewersRequested:
		e, err = event.New(time.Unix(ts, 0), author, p)
	case event.ReviewerVoted:
		e, err = event.New(time.Unix(ts, 0), author, p)
	case event.ThreadCreated:
		e, err = event.New(time.Unix(ts, 0), author, p)
	case event.ThreadResolved:
		e, err = event.New(time.Unix(ts, 0), author, p)
	case event.CommentAdded:
		e, err = event.New(time.Unix(ts, 0), author, p)
	default:
		t.Fatalf("env: unsupported payload type %T", payload)
	}
	require.NoError(t, err)
	return e
}

func TestMigrateGroupsEventsByReviewFollowingThreads(t *testing.T) {
	root := t.TempDir()

	writeLegacyLog(t, root,
		env(t, 1, "alice", event.ReviewCreated{
			ReviewID: "cr-aaaa1", SCMKind: "git", SCMAnchor: "detached:c1",
			InitialCommit: "c1", Title: "Review A",
		}),
		env(t, 2, "bob", event.ReviewCreated{
			ReviewID: "cr-bbbb2", SCMKind: "git", SCMAnchor: "detached:c2",
			InitialCommit: "c2", Title: "Review B",
		}),
		env(t, 3, "alice", event.ThreadCreated{
			ThreadID: "th-1111", ReviewID: "cr-aaaa1", FilePath: "main.go",
			Selection: event.Selection{Kind: event.SelectionLine, N: 5}, CommitHash: "c1",
		}),
		env(t, 4, "bob", event.CommentAdded{
			CommentID: "th-1111.1", ThreadID: "th-1111", Body: "fix this",
		}),
		env(t, 5, "alice", event.ThreadResolved{ThreadID: "th-1111", Reason: "done"}),
		env(t, 6, "carol", event.ReviewerVoted{ReviewID: "cr-bbbb2", Vote: event.VoteLgtm}),
	)

	report, err := Migrate(context.Background(), root, false)
	require.NoError(t, err)
	require.False(t, report.AlreadyMigrated)
	require.False(t, report.NoLegacyLog)
	assert.Equal(t, []string{"cr-aaaa1", "cr-bbbb2"}, report.ReviewIDs)
	assert.Equal(t, 6, report.EventCount)
	assert.FileExists(t, report.BackupPath)

	p := layout.For(root)
	require.NoError(t, p.CheckVersion())

	aEvents, err := eventlog.New(p.ReviewLog("cr-aaaa1")).Read(context.Background())
	require.NoError(t, err)
	require.Len(t, aEvents, 4)
	assert.Equal(t, event.KindReviewCreated, aEvents[0].Event)
	assert.Equal(t, event.KindThreadCreated, aEvents[1].Event)
	assert.Equal(t, event.KindCommentAdded, aEvents[2].Event)
	assert.Equal(t, event.KindThreadResolved, aEvents[3].Event)

	bEvents, err := eventlog.New(p.ReviewLog("cr-bbbb2")).Read(context.Background())
	require.NoError(t, err)
	require.Len(t, bEvents, 2)
	assert.Equal(t, event.KindReviewCreated, bEvents[0].Event)
	assert.Equal(t, event.KindReviewerVoted, bEvents[1].Event)

	_, err = os.Stat(filepath.Join(p.Dir, oldLogName))
	assert.True(t, os.IsNotExist(err))
}

func TestMigrateDryRunWritesNothing(t *testing.T) {
	root := t.TempDir()
	writeLegacyLog(t, root, env(t, 1, "alice", event.ReviewCreated{
		ReviewID: "cr-cccc3", SCMKind: "git", SCMAnchor: "detached:c1",
		InitialCommit: "c1", Title: "Review C",
	}))

	report, err := Migrate(context.Background(), root, true)
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, []string{"cr-cccc3"}, report.ReviewIDs)
	assert.Empty(t, report.BackupPath)

	p := layout.For(root)
	_, statErr := os.Stat(p.VersionFile)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(filepath.Join(p.Dir, oldLogName))
	assert.NoError(t, statErr)
}

func TestMigrateIsIdempotent(t *testing.T) {
	root := t.TempDir()
	writeLegacyLog(t, root, env(t, 1, "alice", event.ReviewCreated{
		ReviewID: "cr-dddd4", SCMKind: "git", SCMAnchor: "detached:c1",
		InitialCommit: "c1", Title: "Review D",
	}))

	_, err := Migrate(context.Background(), root, false)
	require.NoError(t, err)

	report, err := Migrate(context.Background(), root, false)
	require.NoError(t, err)
	assert.True(t, report.AlreadyMigrated)
}

func TestMigrateNoLegacyLog(t *testing.T) {
	root := t.TempDir()
	report, err := Migrate(context.Background(), root, false)
	require.NoError(t, err)
	assert.True(t, report.NoLegacyLog)

	p := layout.For(root)
	_, statErr := os.Stat(p.VersionFile)
	assert.True(t, os.IsNotExist(statErr))
}

func TestMigrateOrphanThreadReferenceIsCorruptLog(t *testing.T) {
	root := t.TempDir()
	writeLegacyLog(t, root, env(t, 1, "alice", event.CommentAdded{
		CommentID: "th-missing.1", ThreadID: "th-missing", Body: "orphan",
	}))

	_, err := Migrate(context.Background(), root, false)
	require.Error(t, err)
	assert.Equal(t, criterr.CorruptLog, criterr.KindOf(err))
}
