package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kendra/internal/db"
	"kendra/internal/events"
	"kendra/internal/migrate"
)

func TestAppendAndTail(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(ctx, conn))

	w := events.Writer{DB: conn, Now: func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }}
	require.NoError(t, w.Append(ctx, "sync", "all-repos", "succeeded", ""))
	require.NoError(t, w.Append(ctx, "fix", "issue-9", "failed", "boom"))

	entries, err := w.Tail(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "fix", entries[0].Kind)
	assert.Equal(t, "issue-9", entries[0].EntityID)
	assert.Equal(t, "boom", entries[0].Message)
	assert.Equal(t, "2026-03-01T00:00:00Z", entries[0].TS)
	assert.Empty(t, entries[1].Message)
}
