// ABOUTME: Tests for the SQLite session store: upserts, history and listings.

package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestUpsertAndGetSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertSession(ctx, "main", "s-1"))

	sess, err := store.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "s-1", sess.ID)
	assert.Equal(t, "main", sess.AgentID)
	assert.False(t, sess.CreatedAt.IsZero())
}

func TestUpsertRefreshesUpdatedAt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertSession(ctx, "main", "s-1"))
	first, err := store.GetSession(ctx, "s-1")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, store.UpsertSession(ctx, "main", "s-1"))

	second, err := store.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
}

func TestGetSessionNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetSession(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestListSessionsOrderedByRecency(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertSession(ctx, "main", "s-old"))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, store.UpsertSession(ctx, "main", "s-new"))
	require.NoError(t, store.UpsertSession(ctx, "other", "s-other"))

	sessions, err := store.ListSessions(ctx, "main", 0)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "s-new", sessions[0].ID)
	assert.Equal(t, "s-old", sessions[1].ID)

	limited, err := store.ListSessions(ctx, "main", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestAppendAndListMessages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertSession(ctx, "main", "s-1"))
	require.NoError(t, store.AppendMessage(ctx, Message{
		SessionID: "s-1", AgentID: "main", Role: "user", Content: "hi",
	}))
	require.NoError(t, store.AppendMessage(ctx, Message{
		SessionID: "s-1", AgentID: "main", Role: "agent", Content: "hello",
	}))

	msgs, err := store.ListMessages(ctx, "s-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, "hello", msgs[1].Content)
	assert.True(t, msgs[0].ID < msgs[1].ID)
	assert.False(t, msgs[0].CreatedAt.IsZero())
}

func TestListMessagesEmptySession(t *testing.T) {
	store := newTestStore(t)
	msgs, err := store.ListMessages(context.Background(), "ghost", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
