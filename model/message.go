package model

import "time"

// MessageState — фаза жизненного цикла сообщения.
// Pending: локально отправлено, сервер ещё не подтвердил запись (нет createdAt).
// Confirmed: сервер присвоил монотонный createdAt; после этого он не меняется.
type MessageState string

const (
	MessagePending   MessageState = "pending"
	MessageConfirmed MessageState = "confirmed"
)

// Attachment — вложение сообщения. Байты загружает внешний storage-провайдер,
// здесь хранится только возвращённый URL и метаданные.
type Attachment struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Message — каноническая запись сообщения после нормализации.
// Сообщение принадлежит ровно одному каналу. Фаза хранится явно в State,
// а не выводится из наличия createdAt при рендере.
type Message struct {
	ID         string       `json:"id"`
	Text       string       `json:"text"`
	AuthorID   string       `json:"author_id"`
	AuthorName string       `json:"author_name"` // снимок на момент отправки
	AvatarURL  string       `json:"avatar_url,omitempty"`
	ChannelID  string       `json:"channel_id"`
	ServerID   string       `json:"server_id,omitempty"`
	State      MessageState `json:"state"`
	CreatedAt  time.Time    `json:"created_at,omitzero"` // нулевое время, пока State == pending
	EditedAt   *time.Time   `json:"edited_at,omitempty"`
	Reactions  Reactions    `json:"reactions,omitempty"`
	Attachment *Attachment  `json:"attachment,omitempty"`
}

// Confirmed reports whether the server has acknowledged the message.
func (m Message) Confirmed() bool {
	return m.State == MessageConfirmed
}

// Before определяет порядок отображения подтверждённых сообщений:
// по возрастанию createdAt, при равенстве — по id (лексикографически).
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// Equal сравнивает содержимое сообщений полностью (включая реакции).
// Используется для подавления повторных доставок из at-least-once фида.
func (m Message) Equal(other Message) bool {
	if m.ID != other.ID || m.Text != other.Text ||
		m.AuthorID != other.AuthorID || m.AuthorName != other.AuthorName ||
		m.AvatarURL != other.AvatarURL ||
		m.ChannelID != other.ChannelID || m.ServerID != other.ServerID ||
		m.State != other.State || !m.CreatedAt.Equal(other.CreatedAt) {
		return false
	}
	if (m.EditedAt == nil) != (other.EditedAt == nil) {
		return false
	}
	if m.EditedAt != nil && !m.EditedAt.Equal(*other.EditedAt) {
		return false
	}
	if (m.Attachment == nil) != (other.Attachment == nil) {
		return false
	}
	if m.Attachment != nil && *m.Attachment != *other.Attachment {
		return false
	}
	return m.Reactions.Equal(other.Reactions)
}
