// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "roomd.db"), DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, EnsureSchema(db))
	return NewRepo(db)
}

func TestUserByHash(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	expiry := time.Unix(time.Now().Add(time.Hour).Unix(), 0)
	require.NoError(t, repo.UpsertUser(ctx, User{
		UID: "u1", Username: "alice", Hash: "abc123", HashExpiry: &expiry,
	}))
	require.NoError(t, repo.UpsertUser(ctx, User{
		UID: "u2", Username: "bob", Hash: "def456",
	}))

	u, err := repo.UserByHash(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.UID)
	assert.Equal(t, "alice", u.Username)
	require.NotNil(t, u.HashExpiry)
	assert.True(t, expiry.Equal(*u.HashExpiry))

	u, err = repo.UserByHash(ctx, "def456")
	require.NoError(t, err)
	assert.Nil(t, u.HashExpiry)

	_, err = repo.UserByHash(ctx, "unknown")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertUserReplacesHash(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	require.NoError(t, repo.UpsertUser(ctx, User{UID: "u1", Username: "alice", Hash: "old"}))
	require.NoError(t, repo.UpsertUser(ctx, User{UID: "u1", Username: "alice", Hash: "new"}))

	_, err := repo.UserByHash(ctx, "old")
	require.ErrorIs(t, err, ErrNotFound)
	u, err := repo.UserByHash(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.UID)
}

func TestNextScheduled(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	now := time.Unix(time.Now().Unix(), 0)

	// Fully past, other room and non-scheduled rows must all be skipped.
	require.NoError(t, repo.CreateSession(ctx, Session{
		ID: "past", RoomID: "r1", UserUID: "u1",
		Start: now.Add(-2 * time.Hour), End: now.Add(-time.Hour),
	}))
	require.NoError(t, repo.CreateSession(ctx, Session{
		ID: "other-room", RoomID: "r2", UserUID: "u1",
		Start: now, End: now.Add(time.Hour),
	}))
	require.NoError(t, repo.CreateSession(ctx, Session{
		ID: "done", RoomID: "r1", UserUID: "u1",
		Start: now, End: now.Add(time.Hour), Status: StatusEnded,
	}))
	require.NoError(t, repo.CreateSession(ctx, Session{
		ID: "later", RoomID: "r1", UserUID: "u2",
		Start: now.Add(2 * time.Hour), End: now.Add(3 * time.Hour),
	}))
	require.NoError(t, repo.CreateSession(ctx, Session{
		ID: "soon", RoomID: "r1", UserUID: "u1",
		Start: now.Add(time.Hour), End: now.Add(2 * time.Hour),
	}))

	s, err := repo.NextScheduled(ctx, "r1", now)
	require.NoError(t, err)
	assert.Equal(t, "soon", s.ID)
	assert.Equal(t, StatusScheduled, s.Status)
	assert.True(t, s.Start.Equal(now.Add(time.Hour)))

	_, err = repo.NextScheduled(ctx, "r3", now)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateSessionStatus(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	now := time.Unix(time.Now().Unix(), 0)

	require.NoError(t, repo.CreateSession(ctx, Session{
		ID: "42", RoomID: "r1", UserUID: "u1",
		Start: now, End: now.Add(time.Hour),
	}))

	require.NoError(t, repo.UpdateSessionStatus(ctx, "42", StatusReserved))
	s, err := repo.SessionByID(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, StatusReserved, s.Status)

	require.ErrorIs(t, repo.UpdateSessionStatus(ctx, "missing", StatusEnded), ErrNotFound)
}

func TestSessionWindowHelpers(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	s := Session{Start: base, End: base.Add(time.Hour)}

	assert.True(t, s.Contains(base))
	assert.True(t, s.Contains(base.Add(30*time.Minute)))
	assert.False(t, s.Contains(base.Add(time.Hour)), "end is exclusive")
	assert.False(t, s.Contains(base.Add(-time.Second)))

	adjacent := Session{Start: base.Add(time.Hour), End: base.Add(2 * time.Hour)}
	assert.False(t, s.Overlaps(adjacent), "adjacent windows do not overlap")
	assert.True(t, s.Overlaps(Session{Start: base.Add(30 * time.Minute), End: base.Add(90 * time.Minute)}))
}
