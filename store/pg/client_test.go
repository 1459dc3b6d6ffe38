package pg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superchat/store"
)

// startTestPostgres поднимает встроенный PostgreSQL на время теста.
func startTestPostgres(t *testing.T) string {
	t.Helper()
	const (
		port     = 55432
		user     = "superchat"
		password = "superchat_secret"
		database = "superchat"
	)

	dataDir := filepath.Join(t.TempDir(), "pgdata")
	require.NoError(t, os.MkdirAll(dataDir, 0o755))

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(t.TempDir(), "runtime")),
	)
	require.NoError(t, db.Start())
	t.Cleanup(func() {
		if err := db.Stop(); err != nil {
			t.Logf("embedded postgres stop: %v", err)
		}
	})
	return fmt.Sprintf("postgres://%s:%s@localhost:%d/%s?sslmode=disable", user, password, port, database)
}

func TestClient(t *testing.T) {
	if testing.Short() {
		t.Skip("embedded postgres: skipped in -short")
	}
	ctx := context.Background()
	c, err := New(ctx, startTestPostgres(t))
	require.NoError(t, err)
	defer c.Close()

	t.Run("feed delivers trigger notifications", func(t *testing.T) {
		sub, err := c.Subscribe(ctx, store.Query{Limit: 25})
		require.NoError(t, err)
		defer sub.Close()

		require.NoError(t, c.Add(ctx, "m1", store.RawMessage{
			Text: "hello", UID: "u1", DisplayName: "Alice", Channel: "dev",
		}))

		snap := waitSnapshot(t, sub, "m1")
		assert.Equal(t, store.ChangeAdded, snap.Type)
		require.NotNil(t, snap.Data.CreatedAt, "createdAt проставляется часами БД")
		assert.Equal(t, "hello", snap.Data.Text)
	})

	t.Run("server timestamps monotonic", func(t *testing.T) {
		require.NoError(t, c.Add(ctx, "t1", store.RawMessage{Text: "a", UID: "u1"}))
		require.NoError(t, c.Add(ctx, "t2", store.RawMessage{Text: "b", UID: "u1"}))

		a, err := c.Get(ctx, "t1")
		require.NoError(t, err)
		b, err := c.Get(ctx, "t2")
		require.NoError(t, err)
		require.NotNil(t, a.CreatedAt)
		require.NotNil(t, b.CreatedAt)
		assert.False(t, b.CreatedAt.Before(*a.CreatedAt))
	})

	t.Run("duplicate add is noop", func(t *testing.T) {
		require.NoError(t, c.Add(ctx, "dup", store.RawMessage{Text: "first", UID: "u1"}))
		require.NoError(t, c.Add(ctx, "dup", store.RawMessage{Text: "second", UID: "u1"}))

		doc, err := c.Get(ctx, "dup")
		require.NoError(t, err)
		assert.Equal(t, "first", doc.Text)
	})

	t.Run("update applies partial fields", func(t *testing.T) {
		require.NoError(t, c.Add(ctx, "upd", store.RawMessage{Text: "before", UID: "u1"}))

		editedAt := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
		require.NoError(t, c.Update(ctx, "upd", store.Fields{"text": "after", "editedAt": editedAt}))

		doc, err := c.Get(ctx, "upd")
		require.NoError(t, err)
		assert.Equal(t, "after", doc.Text)
		require.NotNil(t, doc.EditedAt)
		assert.True(t, doc.EditedAt.Equal(editedAt))
		assert.NotNil(t, doc.CreatedAt, "createdAt пережил частичное обновление")

		assert.ErrorIs(t, c.Update(ctx, "ghost", store.Fields{"text": "x"}), store.ErrNotFound)
	})

	t.Run("delete and batch delete", func(t *testing.T) {
		require.NoError(t, c.Add(ctx, "d1", store.RawMessage{Text: "a", UID: "u1"}))
		require.NoError(t, c.Add(ctx, "d2", store.RawMessage{Text: "b", UID: "u1"}))

		require.NoError(t, c.Delete(ctx, "d1"))
		assert.ErrorIs(t, c.Delete(ctx, "d1"), store.ErrNotFound)

		require.NoError(t, c.BatchDelete(ctx, []string{"d2", "ghost"}))
		_, err := c.Get(ctx, "d2")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("typing pubsub", func(t *testing.T) {
		sub, err := c.SubscribeTyping(ctx)
		require.NoError(t, err)
		defer sub.Close()

		require.NoError(t, c.RetractTyping(ctx, "dev", "u1"))
		select {
		case rec := <-sub.Events():
			assert.True(t, rec.Retraction())
			assert.Equal(t, "u1", rec.UserID)
		case <-time.After(5 * time.Second):
			t.Fatal("typing notification not delivered")
		}
	})
}

func waitSnapshot(t *testing.T, sub store.Subscription, id string) store.Snapshot {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case snap, ok := <-sub.Events():
			require.True(t, ok, "subscription closed")
			if snap.ID == id {
				return snap
			}
		case <-deadline:
			t.Fatalf("snapshot %s not delivered", id)
		}
	}
}
