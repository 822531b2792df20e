package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSaveAndGet(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, db.SaveTranscript(ctx, Transcript{
		SessionID: "a", Timestamp: base, Outcome: OutcomeCompleted, RecordingMs: 1200, Text: "first", Model: "base.en",
	}))
	require.NoError(t, db.SaveTranscript(ctx, Transcript{
		SessionID: "b", Timestamp: base.Add(time.Minute), Outcome: OutcomeFailed, Error: "model missing",
	}))

	got, err := db.GetTranscript(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "first", got.Text)
	assert.Equal(t, int64(1200), got.RecordingMs)
	assert.True(t, base.Equal(got.Timestamp))

	last, err := db.GetLastTranscript(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", last.SessionID)
	assert.Equal(t, "model missing", last.Error)

	all, err := db.GetTranscripts(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].SessionID)

	limited, err := db.GetTranscripts(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSaveIsIdempotentPerSession(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveTranscript(ctx, Transcript{SessionID: "a", Outcome: OutcomeCompleted, Text: "one"}))
	require.NoError(t, db.SaveTranscript(ctx, Transcript{SessionID: "a", Outcome: OutcomeCompleted, Text: "two"}))

	all, err := db.GetTranscripts(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "one", all[0].Text)
}

func TestEmptyHistory(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	last, err := db.GetLastTranscript(context.Background())
	require.NoError(t, err)
	assert.Nil(t, last)

	assert.Error(t, db.SaveTranscript(context.Background(), Transcript{Outcome: OutcomeCompleted}))
}
