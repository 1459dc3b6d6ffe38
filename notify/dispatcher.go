// Package notify — глобальный (не пер-канальный) диспетчер звуковых
// уведомлений об упоминаниях: пользователь может не смотреть на канал,
// который его упомянул.
package notify

import (
	"time"

	"github.com/superchat/mention"
	"github.com/superchat/model"
)

// Cue — внешний аудиовыход: fire-and-forget, сбои проглатываются и до
// пользователя не доходят.
type Cue interface {
	Play()
}

// CueFunc адаптирует функцию к интерфейсу Cue.
type CueFunc func()

func (f CueFunc) Play() { f() }

// Dispatcher потребляет свежеподтверждённые сообщения и воспроизводит звук
// не более одного раза на составной ключ (id, text). Сообщения старше
// горизонта молчат: реплей недавнего окна при холодной загрузке не должен
// озвучивать давно прочитанные упоминания.
type Dispatcher struct {
	played  *PlayedSet
	cue     Cue
	selfID  string
	horizon time.Duration
	now     func() time.Time
}

// NewDispatcher создаёт диспетчер. played инжектируется снаружи (время жизни —
// сеанс приложения); cue может быть nil — тогда звук не воспроизводится,
// но ключи всё равно помечаются; horizon <= 0 отключает фильтр давности.
func NewDispatcher(played *PlayedSet, cue Cue, selfID string, horizon time.Duration) *Dispatcher {
	return &Dispatcher{played: played, cue: cue, selfID: selfID, horizon: horizon, now: time.Now}
}

// Dispatch оценивает подтверждённое сообщение и возвращает, прозвучал ли звук.
// Условия: текст упоминает displayName, автор — не сам пользователь, сообщение
// не старше горизонта, ключ (id, text) ещё не проигрывался.
func (d *Dispatcher) Dispatch(msg model.Message, displayName string) bool {
	if msg.AuthorID == d.selfID {
		return false
	}
	if !mention.IsMentioned(msg.Text, displayName) {
		return false
	}
	if d.horizon > 0 && d.now().Sub(msg.CreatedAt) > d.horizon {
		// ключ всё равно помечается: правка устаревшего сообщения его не оживит
		d.played.MarkIfNew(msg.ID, msg.Text)
		return false
	}
	if !d.played.MarkIfNew(msg.ID, msg.Text) {
		return false
	}
	if d.cue != nil {
		d.cue.Play()
	}
	return true
}
