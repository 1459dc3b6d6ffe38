// Package store описывает узкий контракт внешнего документного хранилища:
// подписка на живой фид изменений плюс мутации. Ядро не реализует движок
// хранения — адаптеры (memory, redis, pg, gateway) оборачивают готовые.
//
// Гарантии фида: at-least-once доставка снимков документов, порядок прибытия
// произвольный, повторы возможны. Временные метки хранилища авторитетны и
// монотонны после подтверждения записи.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/superchat/model"
)

// ErrNotFound возвращается мутациями по несуществующему документу.
// Delete обязан трактоваться вызывающим как идемпотентный (ErrNotFound — не сбой).
var ErrNotFound = errors.New("store: document not found")

// ChangeType — вид изменения в фиде.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// RawMessage — сырой снимок документа сообщения, как его отдаёт фид.
// Имена полей повторяют формат хранилища (legacy-записи могут не иметь
// channel и displayName — нормализатор подставляет значения по умолчанию).
// CreatedAt == nil означает «запись ещё не подтверждена сервером».
type RawMessage struct {
	Text        string            `json:"text"`
	UID         string            `json:"uid"`
	DisplayName string            `json:"displayName,omitempty"`
	PhotoURL    string            `json:"photoURL,omitempty"`
	Channel     string            `json:"channel,omitempty"`
	Server      string            `json:"server,omitempty"`
	CreatedAt   *time.Time        `json:"createdAt,omitempty"`
	EditedAt    *time.Time        `json:"editedAt,omitempty"`
	Reactions   model.Reactions   `json:"reactions,omitempty"`
	Attachment  *model.Attachment `json:"attachment,omitempty"`
}

// Clone возвращает независимую копию снимка.
func (r RawMessage) Clone() RawMessage {
	out := r
	if r.CreatedAt != nil {
		t := *r.CreatedAt
		out.CreatedAt = &t
	}
	if r.EditedAt != nil {
		t := *r.EditedAt
		out.EditedAt = &t
	}
	if r.Attachment != nil {
		a := *r.Attachment
		out.Attachment = &a
	}
	out.Reactions = r.Reactions.Clone()
	return out
}

// Snapshot — событие фида: снимок документа с типом изменения.
type Snapshot struct {
	ID   string     `json:"id"`
	Type ChangeType `json:"type"`
	Data RawMessage `json:"data"`
}

// Query ограничивает подписку недавним окном: не более Limit последних
// документов по серверному порядку createdAt. Отсутствие документа в окне
// не означает, что его не существует.
type Query struct {
	Limit int
}

// Subscription — живой поток событий фида. Close освобождает ресурсы;
// канал Events закрывается при Close или обрыве подписки.
type Subscription interface {
	Events() <-chan Snapshot
	Close() error
}

// Store — контракт документного хранилища.
// Add принимает идентификатор, назначенный клиентом: он известен до
// подтверждения записи, что и позволяет подменить pending-сообщение
// подтверждённым двойником с тем же id.
type Store interface {
	Subscribe(ctx context.Context, q Query) (Subscription, error)
	Get(ctx context.Context, id string) (RawMessage, error)
	Add(ctx context.Context, id string, doc RawMessage) error
	Update(ctx context.Context, id string, fields Fields) error
	Delete(ctx context.Context, id string) error
	// BatchDelete удаляет набор документов атомарно (всё или ничего).
	// Используется каскадным удалением канала.
	BatchDelete(ctx context.Context, ids []string) error
	Close() error
}

// Fields — частичное обновление документа. Ключи соответствуют json-именам
// RawMessage; поддерживаются только изменяемые поля.
type Fields map[string]any

// Apply накладывает частичное обновление на снимок документа.
func (f Fields) Apply(doc *RawMessage) error {
	for key, val := range f {
		switch key {
		case "text":
			s, ok := val.(string)
			if !ok {
				return fmt.Errorf("store: field text: expected string, got %T", val)
			}
			doc.Text = s
		case "editedAt":
			t, ok := val.(time.Time)
			if !ok {
				return fmt.Errorf("store: field editedAt: expected time.Time, got %T", val)
			}
			doc.EditedAt = &t
		case "reactions":
			r, ok := val.(model.Reactions)
			if !ok {
				return fmt.Errorf("store: field reactions: expected model.Reactions, got %T", val)
			}
			doc.Reactions = r.Clone()
		default:
			return fmt.Errorf("store: field %q is not updatable", key)
		}
	}
	return nil
}

// TypingSubscription — поток записей «печатает» от других клиентов.
type TypingSubscription interface {
	Events() <-chan model.TypingRecord
	Close() error
}

// Presence — необязательное расширение хранилища для эфемерных typing-записей.
// Retract публикует ретракцию (запись с нулевым At); сбой ретракции не
// критичен — потребители всё равно отбрасывают записи старше TTL.
type Presence interface {
	PublishTyping(ctx context.Context, rec model.TypingRecord) error
	RetractTyping(ctx context.Context, channelID, userID string) error
	SubscribeTyping(ctx context.Context) (TypingSubscription, error)
}
