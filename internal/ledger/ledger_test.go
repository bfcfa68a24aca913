// ABOUTME: Tests for the transcript ledger.
// ABOUTME: Record and read back turns against an in-memory SQLite database.

package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndReadBack(t *testing.T) {
	l, err := Open(":memory:")
	require.NoError(t, err)
	defer l.Close()

	ctx := context.Background()
	require.NoError(t, l.RecordTurn(ctx, &Entry{SessionID: "s1", Role: "user", Text: "draw a box"}))
	require.NoError(t, l.RecordTurn(ctx, &Entry{SessionID: "s1", Role: "tool_result", CallID: "c1", Text: `{"ok":true}`}))
	require.NoError(t, l.RecordTurn(ctx, &Entry{SessionID: "s1", Role: "assistant", Text: "Done.", ResponseID: "resp_1"}))
	require.NoError(t, l.RecordTurn(ctx, &Entry{SessionID: "other", Role: "user", Text: "unrelated"}))

	entries, err := l.SessionTranscript(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "user", entries[0].Role)
	assert.Equal(t, "c1", entries[1].CallID)
	assert.Equal(t, "resp_1", entries[2].ResponseID)
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestSessionTranscript_Limit(t *testing.T) {
	l, err := Open(":memory:")
	require.NoError(t, err)
	defer l.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.RecordTurn(ctx, &Entry{SessionID: "s1", Role: "user", Text: "m"}))
	}

	entries, err := l.SessionTranscript(ctx, "s1", 3)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}
