package timeline

import (
	"github.com/superchat/model"
	"github.com/superchat/store"
)

// DefaultAuthorName подставляется вместо отсутствующего displayName
// (legacy-записи без имени автора).
const DefaultAuthorName = "Anonymous"

// Sanitizer переписывает текст сообщения при нормализации (маскирование
// обсценной лексики и т.п.). Обязан быть детерминированным: один и тот же
// снимок проходит нормализацию многократно, и pending-запись должна
// побайтно совпасть со своим подтверждённым двойником.
type Sanitizer func(string) string

// Normalize превращает сырой снимок фида в каноническую запись Message.
// Детерминирована и идемпотентна: один и тот же снимок даёт побайтно
// одинаковый результат. Правила восстановления legacy-записей:
// отсутствующий channel — канал по умолчанию (fallback), отсутствующее
// имя автора — DefaultAuthorName. Снимок без createdAt помечается pending,
// с createdAt — confirmed. sanitize может быть nil.
func Normalize(snap store.Snapshot, fallback string, sanitize Sanitizer) model.Message {
	raw := snap.Data

	text := raw.Text
	if sanitize != nil {
		text = sanitize(text)
	}
	channel := raw.Channel
	if channel == "" {
		channel = fallback
	}
	name := raw.DisplayName
	if name == "" {
		name = DefaultAuthorName
	}

	msg := model.Message{
		ID:         snap.ID,
		Text:       text,
		AuthorID:   raw.UID,
		AuthorName: name,
		AvatarURL:  raw.PhotoURL,
		ChannelID:  channel,
		ServerID:   raw.Server,
		State:      model.MessagePending,
		Reactions:  raw.Reactions.Clone(),
	}
	if raw.CreatedAt != nil {
		msg.State = model.MessageConfirmed
		msg.CreatedAt = raw.CreatedAt.UTC()
	}
	if raw.EditedAt != nil {
		t := raw.EditedAt.UTC()
		msg.EditedAt = &t
	}
	if raw.Attachment != nil {
		a := *raw.Attachment
		msg.Attachment = &a
	}
	return msg
}
