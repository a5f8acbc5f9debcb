package event

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustNew(t *testing.T, author string, payload validator) Envelope {
	t.Helper()
	env, err := New(time.Unix(1700000000, 0), author, payload)
	require.NoError(t, err)
	return env
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	env := mustNew(t, "alice", ReviewCreated{
		ReviewID:      "cr-a1b2",
		SCMKind:       "git",
		SCMAnchor:     "detached:abc123",
		InitialCommit: "abc123",
		Title:         "Add calculator",
	})
	line, err := env.MarshalLine()
	require.NoError(t, err)
	assert.NotContains(t, string(line), "\n")

	parsed, err := UnmarshalLine(line)
	require.NoError(t, err)
	assert.Equal(t, env.Author, parsed.Author)
	assert.Equal(t, env.Event, parsed.Event)
	assert.Equal(t, env.TS.Unix(), parsed.TS.Unix())
	payload, ok := parsed.Payload.(ReviewCreated)
	require.True(t, ok)
	assert.Equal(t, "cr-a1b2", payload.ReviewID)
	assert.Equal(t, "Add calculator", payload.Title)
}

func TestNewRejectsEmptyAuthor(t *testing.T) {
	_, err := New(time.Now(), "", ReviewApproved{ReviewID: "cr-a1b2"})
	assert.Error(t, err)
}

func TestNewRejectsInvalidPayload(t *testing.T) {
	_, err := New(time.Now(), "alice", ReviewCreated{})
	assert.Error(t, err)
}

func TestReviewersRequestedRejectsDuplicates(t *testing.T) {
	_, err := New(time.Now(), "alice", ReviewersRequested{
		ReviewID:  "cr-a1b2",
		Reviewers: []string{"bob", "bob"},
	})
	assert.Error(t, err)
}

func TestReviewersRequestedRejectsEmpty(t *testing.T) {
	_, err := New(time.Now(), "alice", ReviewersRequested{ReviewID: "cr-a1b2"})
	assert.Error(t, err)
}

func TestSelectionValidate(t *testing.T) {
	assert.NoError(t, Selection{Kind: SelectionLine, N: 5}.Validate())
	assert.Error(t, Selection{Kind: SelectionLine, N: 0}.Validate())
	assert.NoError(t, Selection{Kind: SelectionRange, Start: 2, End: 4}.Validate())
	assert.Error(t, Selection{Kind: SelectionRange, Start: 4, End: 2}.Validate())
	assert.Error(t, Selection{Kind: "bogus"}.Validate())
}

func TestSelectionShift(t *testing.T) {
	line := Selection{Kind: SelectionLine, N: 10}
	assert.Equal(t, 14, line.Shift(4).N)

	rng := Selection{Kind: SelectionRange, Start: 10, End: 12}
	shifted := rng.Shift(-2)
	assert.Equal(t, 8, shifted.Start)
	assert.Equal(t, 10, shifted.End)
}

func TestUnmarshalLineRejectsUnknownKind(t *testing.T) {
	_, err := UnmarshalLine([]byte(`{"ts":"2023-01-01T00:00:00Z","author":"a","event":"Bogus","data":{}}`))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unrecognized"))
}

func TestUnmarshalLineRejectsInvalidData(t *testing.T) {
	_, err := UnmarshalLine([]byte(`{"ts":"2023-01-01T00:00:00Z","author":"a","event":"CommentAdded","data":{"comment_id":"th-a1b2.1","thread_id":"th-a1b2","body":""}}`))
	assert.Error(t, err)
}
