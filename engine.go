// Package superchat — движок синхронизации и уведомлений многоканального
// чат-клиента. Engine связывает компоненты: фид хранилища прокачивается
// через нормализацию в пер-канальные ленты, оттуда — в индикаторы
// непрочитанного и диспетчер уведомлений об упоминаниях; исходящие мутации
// идут оптимистично (pending-запись тут же, подтверждение — фидом).
package superchat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/superchat/config"
	"github.com/superchat/identity"
	"github.com/superchat/logger"
	"github.com/superchat/model"
	"github.com/superchat/mutate"
	"github.com/superchat/notify"
	"github.com/superchat/presence"
	"github.com/superchat/readstate"
	"github.com/superchat/store"
	"github.com/superchat/timeline"
)

type Engine struct {
	cfg      *config.Config
	store    store.Store
	provider identity.Provider

	resolver  *identity.Resolver
	timeline  *timeline.Store
	readstate *readstate.Tracker
	notifier  *notify.Dispatcher
	typing    *presence.Tracker
	publisher *presence.Publisher
	mutator   *mutate.Reconciler

	registry *channelRegistry
}

// New собирает движок. cue может быть nil — уведомления тогда только
// помечаются как прозвучавшие, но не воспроизводятся. Если хранилище
// реализует store.Presence, движок публикует и потребляет typing-записи;
// иначе typing-методы — no-op.
func New(st store.Store, provider identity.Provider, cfg *config.Config, cue notify.Cue) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	resolver := identity.NewResolver(provider)
	e := &Engine{
		cfg:       cfg,
		store:     st,
		provider:  provider,
		resolver:  resolver,
		timeline:  timeline.New(cfg.FallbackChannel),
		readstate: readstate.New(resolver.UserID(), cfg.IndicatorHorizon),
		notifier:  notify.NewDispatcher(notify.NewPlayedSet(), cue, resolver.UserID(), cfg.IndicatorHorizon),
		typing:    presence.NewTracker(cfg.TypingTTL),
		mutator:   mutate.New(st),
		registry:  newChannelRegistry(),
	}
	if sink, ok := st.(store.Presence); ok {
		e.publisher = presence.NewPublisher(sink, resolver.UserID(), func() string {
			return resolver.Resolve(context.Background())
		}, cfg.TypingIdle, cfg.TypingRefresh)
	}
	return e
}

// SetSanitizer задаёт хук переписывания текста входящих сообщений
// (например, маскирование обсценной лексики). Вызывать до Run.
func (e *Engine) SetSanitizer(fn timeline.Sanitizer) {
	e.timeline.SetSanitizer(fn)
}

// Run подписывается на фид и прокачивает события до отмены контекста.
// Единственная горутина, изменяющая ленты и диспетчер, — кооперативная
// модель исходного клиента в один event loop.
func (e *Engine) Run(ctx context.Context) error {
	sub, err := e.store.Subscribe(ctx, store.Query{Limit: e.cfg.FeedLimit})
	if err != nil {
		return fmt.Errorf("engine.Run: %w", err)
	}
	defer sub.Close()

	var typingEvents <-chan model.TypingRecord
	if p, ok := e.store.(store.Presence); ok {
		tsub, err := p.SubscribeTyping(ctx)
		if err != nil {
			return fmt.Errorf("engine.Run: %w", err)
		}
		defer tsub.Close()
		typingEvents = tsub.Events()
	}

	logger.Infof("engine: feed subscription established, window=%d", e.cfg.FeedLimit)
	for {
		select {
		case <-ctx.Done():
			if e.publisher != nil {
				e.publisher.Stop(context.Background())
			}
			logger.Info("engine: stopped")
			return nil
		case snap, ok := <-sub.Events():
			if !ok {
				return errors.New("engine.Run: feed subscription closed")
			}
			e.apply(ctx, snap)
		case rec, ok := <-typingEvents:
			if !ok {
				typingEvents = nil
				continue
			}
			e.typing.Observe(rec)
		}
	}
}

// apply — один шаг прокачки: снимок фида → лента → диспетчер уведомлений.
func (e *Engine) apply(ctx context.Context, snap store.Snapshot) {
	upd := e.timeline.Ingest(snap)
	if upd.Confirmed == nil {
		return
	}
	// Имя разрешается на момент оценки, не кешируется (смена имени
	// немедленно влияет на сопоставление упоминаний).
	name := e.resolver.Resolve(ctx)
	if e.notifier.Dispatch(*upd.Confirmed, name) {
		logger.Debugf("engine: mention cue for message %s", upd.Confirmed.ID)
	}
}

// Send отправляет сообщение: pending-запись появляется в ленте немедленно,
// подтверждённый двойник с тем же id придёт фидом и вытеснит её. Ошибка
// записи возвращается вызывающему, pending из ленты не откатывается —
// индикация неотправленного остаётся рендеру.
func (e *Engine) Send(ctx context.Context, channelID, text string, att *model.Attachment) (string, error) {
	defer logger.DeferLogDuration("engine.Send", time.Now())()

	if strings.TrimSpace(text) == "" && att == nil {
		return "", errors.New("engine.Send: empty message")
	}
	if channelID == "" {
		channelID = e.cfg.FallbackChannel
	}

	id := uuid.NewString()
	doc := store.RawMessage{
		Text:        text,
		UID:         e.resolver.UserID(),
		DisplayName: e.resolver.Resolve(ctx),
		Channel:     channelID,
		Attachment:  att,
	}
	if ap, ok := e.provider.(identity.AvatarProvider); ok {
		doc.PhotoURL = ap.AvatarURL()
	}

	e.timeline.Ingest(store.Snapshot{ID: id, Type: store.ChangeAdded, Data: doc.Clone()})
	if e.publisher != nil {
		e.publisher.Sent(ctx)
	}

	if err := e.store.Add(ctx, id, doc); err != nil {
		return id, fmt.Errorf("engine.Send: %w", err)
	}
	return id, nil
}

// Messages возвращает снимок ленты канала (подтверждённые, затем pending).
// Слайс принадлежит движку — вызывающий его не изменяет.
func (e *Engine) Messages(channelID string) []model.Message {
	return e.timeline.Snapshot(channelID)
}

// Activate отмечает канал активным: его watermark продвигается, индикаторы
// гаснут, typing-запись предыдущего канала ретрагируется.
func (e *Engine) Activate(ctx context.Context, channelID string) {
	prev := e.readstate.Active()
	e.readstate.Activate(channelID, time.Now())
	if e.publisher != nil && prev != channelID {
		e.publisher.Stop(ctx)
	}
}

// Indicator возвращает индикатор канала, выведенный из текущего снимка ленты.
func (e *Engine) Indicator(ctx context.Context, channelID string) readstate.Indicator {
	return e.readstate.Evaluate(channelID, e.timeline.Snapshot(channelID), e.resolver.Resolve(ctx), time.Now())
}

// Typing возвращает активные typing-записи канала (без самого пользователя).
func (e *Engine) Typing(channelID string) []model.TypingRecord {
	return e.typing.Active(channelID, e.resolver.UserID(), time.Now())
}

// Keystroke сообщает о наборе текста в канале (debounce — внутри).
func (e *Engine) Keystroke(ctx context.Context, channelID string) {
	if e.publisher != nil {
		e.publisher.Keystroke(ctx, channelID)
	}
}

// Edit заменяет текст сообщения (no-op при равенстве после trim).
func (e *Engine) Edit(ctx context.Context, id, text string) error {
	return e.mutator.Edit(ctx, id, text)
}

// Delete удаляет сообщение (идемпотентно).
func (e *Engine) Delete(ctx context.Context, id string) error {
	return e.mutator.Delete(ctx, id)
}

// ToggleReaction переключает реакцию текущего пользователя на сообщении.
func (e *Engine) ToggleReaction(ctx context.Context, id, emoji string) error {
	return e.mutator.ToggleReaction(ctx, id, emoji, e.resolver.UserID())
}
