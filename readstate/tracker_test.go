package readstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/superchat/model"
)

const horizon = 10 * time.Minute

var now = time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

func confirmed(id, author, text string, at time.Time) model.Message {
	return model.Message{
		ID:        id,
		Text:      text,
		AuthorID:  author,
		ChannelID: "dev",
		State:     model.MessageConfirmed,
		CreatedAt: at,
	}
}

func TestActiveChannelNeverFlagged(t *testing.T) {
	tr := New("me", horizon)
	tr.Activate("dev", now.Add(-time.Minute))

	msgs := []model.Message{confirmed("m1", "other", "hi @Me", now)}
	assert.Equal(t, IndicatorNone, tr.Evaluate("dev", msgs, "Me", now))
}

func TestUnvisitedChannelUnread(t *testing.T) {
	tr := New("me", horizon)
	tr.Activate("general", now)

	msgs := []model.Message{confirmed("m1", "other", "hello", now.Add(-time.Minute))}
	assert.Equal(t, IndicatorUnread, tr.Evaluate("dev", msgs, "Me", now))
}

func TestMentionOutranksUnread(t *testing.T) {
	tr := New("me", horizon)
	tr.Activate("general", now)

	msgs := []model.Message{
		confirmed("m1", "other", "hello", now.Add(-2*time.Minute)),
		confirmed("m2", "other", "ping @Me", now.Add(-time.Minute)),
	}
	assert.Equal(t, IndicatorMentioned, tr.Evaluate("dev", msgs, "Me", now))
}

func TestOwnMessagesDoNotFlag(t *testing.T) {
	tr := New("me", horizon)
	tr.Activate("general", now)

	msgs := []model.Message{confirmed("m1", "me", "note to self @Me", now)}
	assert.Equal(t, IndicatorNone, tr.Evaluate("dev", msgs, "Me", now))
}

func TestPendingMessagesDoNotFlag(t *testing.T) {
	tr := New("me", horizon)
	tr.Activate("general", now)

	msgs := []model.Message{{
		ID: "p1", Text: "hi", AuthorID: "other", ChannelID: "dev",
		State: model.MessagePending,
	}}
	assert.Equal(t, IndicatorNone, tr.Evaluate("dev", msgs, "Me", now))
}

func TestHorizonSuppressesOldHistory(t *testing.T) {
	tr := New("me", horizon)
	tr.Activate("general", now)

	msgs := []model.Message{confirmed("m1", "other", "ping @Me", now.Add(-horizon-time.Minute))}
	assert.Equal(t, IndicatorNone, tr.Evaluate("dev", msgs, "Me", now))
}

func TestWatermarkClearsIndicator(t *testing.T) {
	tr := New("me", horizon)
	msgs := []model.Message{confirmed("m1", "other", "hello", now.Add(-time.Minute))}

	assert.Equal(t, IndicatorUnread, tr.Evaluate("dev", msgs, "Me", now))

	// визит продвигает watermark, уход с канала не воскрешает индикатор
	tr.Activate("dev", now)
	tr.Activate("general", now.Add(time.Second))
	assert.Equal(t, IndicatorNone, tr.Evaluate("dev", msgs, "Me", now.Add(2*time.Second)))
}

func TestWatermarkMonotonic(t *testing.T) {
	tr := New("me", horizon)
	tr.Activate("dev", now)
	tr.Activate("dev", now.Add(-time.Hour)) // попытка отката

	w, ok := tr.Watermark("dev")
	assert.True(t, ok)
	assert.Equal(t, now, w)
}

func TestNewMessageAfterVisitFlags(t *testing.T) {
	tr := New("me", horizon)
	tr.Activate("dev", now)
	tr.Activate("general", now.Add(time.Second))

	msgs := []model.Message{confirmed("m1", "other", "fresh", now.Add(time.Minute))}
	assert.Equal(t, IndicatorUnread, tr.Evaluate("dev", msgs, "Me", now.Add(2*time.Minute)))
}

func TestIndicatorString(t *testing.T) {
	assert.Equal(t, "none", IndicatorNone.String())
	assert.Equal(t, "unread", IndicatorUnread.String())
	assert.Equal(t, "mentioned", IndicatorMentioned.String())
}
