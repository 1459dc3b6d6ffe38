// Package readstate — пер-канальные watermark'и «последнего визита» и
// вывод индикаторов непрочитанного/упоминаний из снимка ленты.
package readstate

import (
	"sync"
	"time"

	"github.com/superchat/mention"
	"github.com/superchat/model"
)

// Indicator — состояние индикатора канала. Mentioned подразумевает unread:
// рендер показывает индикатор упоминания, а не оба сразу.
type Indicator int

const (
	IndicatorNone Indicator = iota
	IndicatorUnread
	IndicatorMentioned
)

func (i Indicator) String() string {
	switch i {
	case IndicatorUnread:
		return "unread"
	case IndicatorMentioned:
		return "mentioned"
	default:
		return "none"
	}
}

// Tracker хранит watermark'и в пределах сессии (при перезагрузке каналы
// снова «не посещены» — это сознательное решение, не упущение).
type Tracker struct {
	mu         sync.Mutex
	watermarks map[string]time.Time
	active     string
	selfID     string
	horizon    time.Duration
}

// New создаёт трекер для пользователя selfID. Сообщения старше horizon не
// участвуют в вычислении индикаторов: окно ограничивает пересчёт и не
// воскрешает индикаторы по старой истории при перезагрузке окна.
func New(selfID string, horizon time.Duration) *Tracker {
	return &Tracker{
		watermarks: make(map[string]time.Time),
		selfID:     selfID,
		horizon:    horizon,
	}
}

// Activate отмечает канал активным и продвигает его watermark до now.
// Watermark монотонен: назад он не откатывается никогда.
func (t *Tracker) Activate(channelID string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = channelID
	if w, ok := t.watermarks[channelID]; !ok || now.After(w) {
		t.watermarks[channelID] = now
	}
}

// Active возвращает текущий активный канал ("" — ничего не активировано).
func (t *Tracker) Active() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Watermark возвращает watermark канала и факт посещения.
func (t *Tracker) Watermark(channelID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.watermarks[channelID]
	return w, ok
}

// Evaluate — чистый шаг вывода индикатора канала из снимка ленты.
// Вызывается при каждом изменении Timeline Store или watermark'а.
//
// Активный канал не флагуется никогда (визит немедленно гасит индикаторы).
// Для неактивного канала сообщение считается непрочитанным, если оно
// подтверждено, моложе watermark'а (или канал не посещался), не от самого
// пользователя и внутри горизонта давности. Если оно вдобавок упоминает
// displayName — канал помечается mentioned.
func (t *Tracker) Evaluate(channelID string, msgs []model.Message, displayName string, now time.Time) Indicator {
	t.mu.Lock()
	active := t.active
	w, visited := t.watermarks[channelID]
	t.mu.Unlock()

	if channelID == active {
		return IndicatorNone
	}

	result := IndicatorNone
	cutoff := now.Add(-t.horizon)
	for _, m := range msgs {
		if !m.Confirmed() || m.AuthorID == t.selfID {
			continue
		}
		if m.CreatedAt.Before(cutoff) {
			continue
		}
		if visited && !m.CreatedAt.After(w) {
			continue
		}
		if mention.IsMentioned(m.Text, displayName) {
			return IndicatorMentioned
		}
		result = IndicatorUnread
	}
	return result
}
