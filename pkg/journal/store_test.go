package journal_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/germanamz/rvm/pkg/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *journal.Store {
	t.Helper()

	s, err := journal.Open(filepath.Join(t.TempDir(), "rvm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rvm.db")

	s, err := journal.Open(path)
	require.NoError(t, err)
	id, err := s.OpenSession(context.Background(), journal.Session{Code: "12345", Mode: journal.ModeGuest})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Migrations are idempotent and data survives.
	s, err = journal.Open(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	got, err := s.Session(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "12345", got.Code)
}

func TestSessionLifecycle(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	id, err := s.OpenSession(ctx, journal.Session{
		Code:     "998877",
		Mode:     journal.ModeMember,
		UserID:   "u-1",
		DeviceID: "RVM-3101",
	})
	require.NoError(t, err)
	assert.Len(t, id, 36)

	require.NoError(t, s.AddItem(ctx, journal.Item{SessionID: id, Seq: 2, Material: "GLASS", Weight: 210.5, Synced: false}))
	require.NoError(t, s.AddItem(ctx, journal.Item{SessionID: id, Seq: 1, Material: "METAL_CAN", Weight: 14.2, Confidence: 87, Synced: true}))

	ended := time.Now()
	require.NoError(t, s.CloseSession(ctx, id, journal.Closing{
		EndedAt:        ended,
		ItemsProcessed: 2,
		TotalWeight:    224.7,
		TotalPoints:    3,
		Reason:         "ended",
		BackendSynced:  true,
	}))

	got, err := s.Session(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, journal.ModeMember, got.Mode)
	assert.Equal(t, 2, got.ItemsProcessed)
	assert.InDelta(t, 224.7, got.TotalWeight, 1e-9)
	assert.Equal(t, "ended", got.EndReason)
	assert.True(t, got.BackendSynced)
	require.NotNil(t, got.EndedAt)

	require.Len(t, got.Items, 2)
	assert.Equal(t, "METAL_CAN", got.Items[0].Material)
	assert.Equal(t, "GLASS", got.Items[1].Material)

	unsynced, err := s.UnsyncedItems(ctx)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	assert.Equal(t, "GLASS", unsynced[0].Material)
}

func TestCloseSession_NotFound(t *testing.T) {
	s := openStore(t)

	err := s.CloseSession(context.Background(), "missing", journal.Closing{Reason: "ended"})
	assert.ErrorIs(t, err, journal.ErrNotFound)

	_, err = s.Session(context.Background(), "missing")
	assert.ErrorIs(t, err, journal.ErrNotFound)
}

func TestRecentSessions(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, code := range []string{"11111", "22222", "33333"} {
		_, err := s.OpenSession(ctx, journal.Session{Code: code, StartedAt: base.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
	}

	got, err := s.RecentSessions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "33333", got[0].Code)
	assert.Equal(t, "22222", got[1].Code)
}
