package presence

import (
	"context"
	"sync"
	"time"

	"github.com/superchat/logger"
	"github.com/superchat/model"
)

// Sink — публикация собственных typing-записей (реализуется адаптером
// хранилища). Сбой ретракции терпим: потребители отбрасывают записи по TTL.
type Sink interface {
	PublishTyping(ctx context.Context, rec model.TypingRecord) error
	RetractTyping(ctx context.Context, channelID, userID string) error
}

// Publisher издаёт typing-запись с debounce: не чаще одного раза на серию
// нажатий (плюс переиздание раз в refresh, чтобы запись не протухла в
// длинной серии) и ретрагирует её после idle-паузы, при отправке сообщения
// и при уходе с канала.
type Publisher struct {
	mu      sync.Mutex
	sink    Sink
	userID  string
	name    func() string // имя разрешается на момент публикации
	idle    time.Duration
	refresh time.Duration

	channelID string
	lastPub   time.Time
	timer     *time.Timer
	gen       uint64 // счётчик поколений: устаревший таймер обязан стать no-op
}

func NewPublisher(sink Sink, userID string, name func() string, idle, refresh time.Duration) *Publisher {
	return &Publisher{
		sink:    sink,
		userID:  userID,
		name:    name,
		idle:    idle,
		refresh: refresh,
	}
}

// Keystroke вызывается на каждое нажатие. Публикация происходит только в
// начале серии, при смене канала или когда предыдущая публикация старше
// refresh; каждое нажатие переотсчитывает idle-таймер ретракции.
func (p *Publisher) Keystroke(ctx context.Context, channelID string) {
	p.mu.Lock()
	now := time.Now()
	needPublish := p.channelID != channelID || p.lastPub.IsZero() || now.Sub(p.lastPub) >= p.refresh
	prevChannel := p.channelID
	p.channelID = channelID
	if needPublish {
		p.lastPub = now
	}
	p.resetTimerLocked()
	p.mu.Unlock()

	if prevChannel != "" && prevChannel != channelID {
		p.retract(ctx, prevChannel)
	}
	if needPublish {
		rec := model.TypingRecord{
			ChannelID:   channelID,
			UserID:      p.userID,
			DisplayName: p.name(),
			At:          now,
		}
		if err := p.sink.PublishTyping(ctx, rec); err != nil {
			logger.Errorf("presence: publish typing channel=%s: %v", channelID, err)
		}
	}
}

// Sent ретрагирует запись при отправке сообщения (серия завершена).
func (p *Publisher) Sent(ctx context.Context) {
	p.Stop(ctx)
}

// Stop гасит таймер и ретрагирует текущую запись; вызывается при смене
// активного канала и размонтировании представления. Таймер, сработавший
// после Stop, гарантированно ничего не делает (проверка поколения).
func (p *Publisher) Stop(ctx context.Context) {
	p.mu.Lock()
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	channelID := p.channelID
	p.channelID = ""
	p.lastPub = time.Time{}
	p.mu.Unlock()

	if channelID != "" {
		p.retract(ctx, channelID)
	}
}

// resetTimerLocked перезапускает idle-таймер; вызывается под p.mu.
func (p *Publisher) resetTimerLocked() {
	p.gen++
	gen := p.gen
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.idle, func() {
		p.mu.Lock()
		if p.gen != gen {
			p.mu.Unlock()
			return
		}
		channelID := p.channelID
		p.channelID = ""
		p.lastPub = time.Time{}
		p.timer = nil
		p.mu.Unlock()
		if channelID != "" {
			p.retract(context.Background(), channelID)
		}
	})
}

func (p *Publisher) retract(ctx context.Context, channelID string) {
	if err := p.sink.RetractTyping(ctx, channelID, p.userID); err != nil {
		logger.Errorf("presence: retract typing channel=%s: %v", channelID, err)
	}
}
