package model

import "time"

// TypingRecord — эфемерная запись «пользователь печатает», ключ (ChannelID, UserID).
// Запись с нулевым At — ретракция (явный отзыв). Запись старше TTL считается
// отсутствующей и без ретракции: фильтрация по времени на стороне потребителя,
// серверный TTL-джоб не нужен.
type TypingRecord struct {
	ChannelID   string    `json:"channel_id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	At          time.Time `json:"at,omitzero"`
}

// Retraction reports whether the record is an explicit retract marker.
func (r TypingRecord) Retraction() bool {
	return r.At.IsZero()
}
