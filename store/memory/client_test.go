package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superchat/model"
	"github.com/superchat/store"
)

func typingRecord(channel, user string) model.TypingRecord {
	return model.TypingRecord{
		ChannelID:   channel,
		UserID:      user,
		DisplayName: "User " + user,
		At:          time.Now(),
	}
}

func collect(t *testing.T, sub store.Subscription, n int) []store.Snapshot {
	t.Helper()
	out := make([]store.Snapshot, 0, n)
	timeout := time.After(time.Second)
	for len(out) < n {
		select {
		case snap, ok := <-sub.Events():
			require.True(t, ok, "subscription closed early")
			out = append(out, snap)
		case <-timeout:
			t.Fatalf("timed out waiting for %d events, got %d", n, len(out))
		}
	}
	return out
}

func TestAddEmitsEchoThenConfirmed(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := context.Background()

	sub, err := c.Subscribe(ctx, store.Query{Limit: 25})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, c.Add(ctx, "m1", store.RawMessage{Text: "hi", UID: "u1", Channel: "dev"}))

	events := collect(t, sub, 2)
	assert.Nil(t, events[0].Data.CreatedAt, "первое событие — неподтверждённое эхо")
	require.NotNil(t, events[1].Data.CreatedAt)
	assert.Equal(t, "m1", events[1].ID)
}

func TestAddDuplicateIsNoop(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Add(ctx, "m1", store.RawMessage{Text: "hi", UID: "u1"}))
	first, err := c.Get(ctx, "m1")
	require.NoError(t, err)

	require.NoError(t, c.Add(ctx, "m1", store.RawMessage{Text: "other", UID: "u1"}))
	second, err := c.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, first.Text, second.Text)
}

func TestServerTimestampsMonotonic(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := context.Background()

	// замороженные часы: монотонность обязано обеспечить само хранилище
	frozen := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	c.Now = func() time.Time { return frozen }

	require.NoError(t, c.Add(ctx, "m1", store.RawMessage{Text: "a", UID: "u1"}))
	require.NoError(t, c.Add(ctx, "m2", store.RawMessage{Text: "b", UID: "u1"}))

	a, err := c.Get(ctx, "m1")
	require.NoError(t, err)
	b, err := c.Get(ctx, "m2")
	require.NoError(t, err)
	assert.True(t, b.CreatedAt.After(*a.CreatedAt))
}

func TestSubscribeReplaysRecentWindow(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, c.Add(ctx, id, store.RawMessage{Text: id, UID: "u1"}))
	}

	sub, err := c.Subscribe(ctx, store.Query{Limit: 2})
	require.NoError(t, err)
	defer sub.Close()

	events := collect(t, sub, 2)
	assert.Equal(t, "m2", events[0].ID)
	assert.Equal(t, "m3", events[1].ID)
}

func TestUpdateAndDelete(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Add(ctx, "m1", store.RawMessage{Text: "hi", UID: "u1"}))

	require.NoError(t, c.Update(ctx, "m1", store.Fields{"text": "edited"}))
	doc, err := c.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "edited", doc.Text)

	require.NoError(t, c.Delete(ctx, "m1"))
	assert.ErrorIs(t, c.Delete(ctx, "m1"), store.ErrNotFound)
	_, err = c.Get(ctx, "m1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateMissing(t *testing.T) {
	c := New()
	defer c.Close()
	err := c.Update(context.Background(), "ghost", store.Fields{"text": "x"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBatchDelete(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := context.Background()

	for _, id := range []string{"m1", "m2"} {
		require.NoError(t, c.Add(ctx, id, store.RawMessage{Text: id, UID: "u1"}))
	}

	require.NoError(t, c.BatchDelete(ctx, []string{"m1", "m2", "ghost"}))
	_, err := c.Get(ctx, "m1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = c.Get(ctx, "m2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTypingPubSub(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := context.Background()

	sub, err := c.SubscribeTyping(ctx)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, c.PublishTyping(ctx, typingRecord("dev", "u1")))
	require.NoError(t, c.RetractTyping(ctx, "dev", "u1"))

	rec := <-sub.Events()
	assert.Equal(t, "u1", rec.UserID)
	assert.False(t, rec.Retraction())

	retract := <-sub.Events()
	assert.True(t, retract.Retraction())
}
