// Package memory — in-memory реализация store.Store с собственным фидом
// изменений. Используется в тестах и как эталон семантики фида: Add сначала
// отдаёт эхо снимка без createdAt (запись ещё не подтверждена), затем
// подтверждённый снимок с серверной меткой времени.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/superchat/model"
	"github.com/superchat/store"
)

const eventBufSize = 256

type Client struct {
	mu         sync.Mutex
	docs       map[string]store.RawMessage
	subs       map[*subscription]struct{}
	typingSubs map[*typingSubscription]struct{}
	lastTS     time.Time
	closed     bool

	// Now — источник времени для серверных меток; подменяется в тестах.
	Now func() time.Time
}

func New() *Client {
	return &Client{
		docs:       make(map[string]store.RawMessage),
		subs:       make(map[*subscription]struct{}),
		typingSubs: make(map[*typingSubscription]struct{}),
		Now:        time.Now,
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for s := range c.subs {
		close(s.ch)
	}
	c.subs = make(map[*subscription]struct{})
	for s := range c.typingSubs {
		close(s.ch)
	}
	c.typingSubs = make(map[*typingSubscription]struct{})
	return nil
}

// Subscribe воспроизводит текущее окно (не более q.Limit последних
// подтверждённых документов по createdAt) событиями added, затем отдаёт
// живые изменения.
func (c *Client) Subscribe(ctx context.Context, q store.Query) (store.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("memory: store closed")
	}

	replay := make([]store.Snapshot, 0, len(c.docs))
	for id, doc := range c.docs {
		replay = append(replay, store.Snapshot{ID: id, Type: store.ChangeAdded, Data: doc.Clone()})
	}
	sort.Slice(replay, func(i, j int) bool {
		a, b := replay[i].Data.CreatedAt, replay[j].Data.CreatedAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Equal(*b):
			return a.Before(*b)
		}
		return replay[i].ID < replay[j].ID
	})
	if q.Limit > 0 && len(replay) > q.Limit {
		replay = replay[len(replay)-q.Limit:]
	}

	bufSize := eventBufSize
	if n := 2 * len(replay); n > bufSize {
		bufSize = n
	}
	sub := &subscription{client: c, ch: make(chan store.Snapshot, bufSize)}
	for _, snap := range replay {
		sub.ch <- snap
	}
	c.subs[sub] = struct{}{}
	return sub, nil
}

func (c *Client) Get(ctx context.Context, id string) (store.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[id]
	if !ok {
		return store.RawMessage{}, store.ErrNotFound
	}
	return doc.Clone(), nil
}

// Add сохраняет документ под идентификатором вызывающего. Серверная метка
// времени присваивается здесь; фид получает сначала неподтверждённое эхо,
// затем подтверждённый снимок (latency compensation, как в исходном фиде).
// Повторный Add с тем же id — no-op (at-least-once ретраи безопасны).
func (c *Client) Add(ctx context.Context, id string, doc store.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("memory: store closed")
	}
	if _, ok := c.docs[id]; ok {
		return nil
	}

	echo := doc.Clone()
	echo.CreatedAt = nil
	c.broadcast(store.Snapshot{ID: id, Type: store.ChangeAdded, Data: echo})

	confirmed := doc.Clone()
	ts := c.serverTime()
	confirmed.CreatedAt = &ts
	c.docs[id] = confirmed
	c.broadcast(store.Snapshot{ID: id, Type: store.ChangeModified, Data: confirmed.Clone()})
	return nil
}

func (c *Client) Update(ctx context.Context, id string, fields store.Fields) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[id]
	if !ok {
		return store.ErrNotFound
	}
	updated := doc.Clone()
	if err := fields.Apply(&updated); err != nil {
		return fmt.Errorf("memory: update %s: %w", id, err)
	}
	c.docs[id] = updated
	c.broadcast(store.Snapshot{ID: id, Type: store.ChangeModified, Data: updated.Clone()})
	return nil
}

func (c *Client) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.docs[id]; !ok {
		return store.ErrNotFound
	}
	delete(c.docs, id)
	c.broadcast(store.Snapshot{ID: id, Type: store.ChangeRemoved})
	return nil
}

// BatchDelete удаляет все перечисленные документы под одной блокировкой:
// читатели не увидят частично удалённый набор. Отсутствующие id пропускаются.
func (c *Client) BatchDelete(ctx context.Context, ids []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if _, ok := c.docs[id]; !ok {
			continue
		}
		delete(c.docs, id)
		c.broadcast(store.Snapshot{ID: id, Type: store.ChangeRemoved})
	}
	return nil
}

// serverTime выдаёт строго возрастающие метки — хранилище обещает
// монотонность подтверждённых createdAt.
func (c *Client) serverTime() time.Time {
	ts := c.Now().UTC()
	if !ts.After(c.lastTS) {
		ts = c.lastTS.Add(time.Microsecond)
	}
	c.lastTS = ts
	return ts
}

// broadcast вызывается под c.mu. Переполненный буфер подписчика — событие
// теряется; подписчик восстановится повторной подпиской с replay.
func (c *Client) broadcast(snap store.Snapshot) {
	for s := range c.subs {
		select {
		case s.ch <- snap:
		default:
		}
	}
}

type subscription struct {
	client *Client
	ch     chan store.Snapshot
	once   sync.Once
}

func (s *subscription) Events() <-chan store.Snapshot { return s.ch }

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.client.mu.Lock()
		if _, ok := s.client.subs[s]; ok {
			delete(s.client.subs, s)
			close(s.ch)
		}
		s.client.mu.Unlock()
	})
	return nil
}

// --- Presence ---

func (c *Client) PublishTyping(ctx context.Context, rec model.TypingRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcastTyping(rec)
	return nil
}

func (c *Client) RetractTyping(ctx context.Context, channelID, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcastTyping(model.TypingRecord{ChannelID: channelID, UserID: userID})
	return nil
}

func (c *Client) SubscribeTyping(ctx context.Context) (store.TypingSubscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("memory: store closed")
	}
	sub := &typingSubscription{client: c, ch: make(chan model.TypingRecord, eventBufSize)}
	c.typingSubs[sub] = struct{}{}
	return sub, nil
}

func (c *Client) broadcastTyping(rec model.TypingRecord) {
	for s := range c.typingSubs {
		select {
		case s.ch <- rec:
		default:
		}
	}
}

type typingSubscription struct {
	client *Client
	ch     chan model.TypingRecord
	once   sync.Once
}

func (s *typingSubscription) Events() <-chan model.TypingRecord { return s.ch }

func (s *typingSubscription) Close() error {
	s.once.Do(func() {
		s.client.mu.Lock()
		if _, ok := s.client.typingSubs[s]; ok {
			delete(s.client.typingSubs, s)
			close(s.ch)
		}
		s.client.mu.Unlock()
	})
	return nil
}
