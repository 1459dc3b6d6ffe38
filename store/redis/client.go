// Package redis — адаптер хранилища поверх Redis: документы в строковых
// ключах msg:{id}, серверный порядок в zset по createdAt, живой фид и
// typing-записи через Pub/Sub. Серверное время берётся командой TIME —
// метки монотонны относительно часов Redis, а не клиента.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/superchat/logger"
	"github.com/superchat/model"
	"github.com/superchat/store"
)

const (
	keyPrefix     = "msg:"
	orderKey      = "msgs:by_created"
	feedChannel   = "feed"
	typingChannel = "typing"

	// Watch-транзакция обновления повторяется при конфликте записи.
	updateRetries = 5

	// Страховочный серверный TTL typing-ключей; потребитель фильтрует
	// агрессивнее, своим TTL.
	typingKeyTTL = 10 * time.Second

	eventBufferSize = 256
)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// Subscribe открывает Pub/Sub до реплея окна: событие, пришедшее во время
// реплея, доставится дважды, но фид и так at-least-once.
func (c *Client) Subscribe(ctx context.Context, q store.Query) (store.Subscription, error) {
	pubsub := c.cli.Subscribe(ctx, feedChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	replay, err := c.window(ctx, q.Limit)
	if err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	sub := &subscription{
		pubsub: pubsub,
		events: make(chan store.Snapshot, eventBufferSize),
	}
	go sub.pump(replay)
	return sub, nil
}

// window возвращает limit последних подтверждённых документов, старые первыми.
func (c *Client) window(ctx context.Context, limit int) ([]store.Snapshot, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := c.cli.ZRevRange(ctx, orderKey, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis window zrevrange: %w", err)
	}
	out := make([]store.Snapshot, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		doc, err := c.Get(ctx, ids[i])
		if errors.Is(err, store.ErrNotFound) {
			// Документ удалён между ZREVRANGE и GET.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, store.Snapshot{ID: ids[i], Type: store.ChangeAdded, Data: doc})
	}
	return out, nil
}

func (c *Client) Get(ctx context.Context, id string) (store.RawMessage, error) {
	raw, err := c.cli.Get(ctx, keyPrefix+id).Bytes()
	if err == redis.Nil {
		return store.RawMessage{}, store.ErrNotFound
	}
	if err != nil {
		return store.RawMessage{}, fmt.Errorf("redis get %s: %w", id, err)
	}
	var doc store.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return store.RawMessage{}, fmt.Errorf("redis get %s decode: %w", id, err)
	}
	return doc, nil
}

// Add записывает документ с серверной меткой времени и публикует его в фид.
// Повторный Add с тем же id — no-op (идемпотентность ретраев транспорта).
func (c *Client) Add(ctx context.Context, id string, doc store.RawMessage) error {
	defer logger.DeferLogDuration("redis.Add", time.Now())()

	now, err := c.cli.Time(ctx).Result()
	if err != nil {
		return fmt.Errorf("redis add time: %w", err)
	}
	ts := now.UTC()
	doc.CreatedAt = &ts

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("redis add %s encode: %w", id, err)
	}

	ok, err := c.cli.SetNX(ctx, keyPrefix+id, raw, 0).Result()
	if err != nil {
		return fmt.Errorf("redis add %s: %w", id, err)
	}
	if !ok {
		return nil
	}
	if err := c.cli.ZAdd(ctx, orderKey, redis.Z{
		Score:  float64(ts.UnixMicro()),
		Member: id,
	}).Err(); err != nil {
		return fmt.Errorf("redis add %s zadd: %w", id, err)
	}
	return c.publish(ctx, store.Snapshot{ID: id, Type: store.ChangeAdded, Data: doc})
}

// Update накладывает частичное обновление в WATCH-транзакции: параллельная
// запись того же документа перезапускает read-modify-write со свежим чтением.
func (c *Client) Update(ctx context.Context, id string, fields store.Fields) error {
	defer logger.DeferLogDuration("redis.Update", time.Now())()

	var updated store.RawMessage
	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, keyPrefix+id).Bytes()
		if err == redis.Nil {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		var doc store.RawMessage
		if err := json.Unmarshal(raw, &doc); err != nil {
			return err
		}
		if err := fields.Apply(&doc); err != nil {
			return err
		}
		out, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		updated = doc
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, keyPrefix+id, out, 0)
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < updateRetries; i++ {
		err = c.cli.Watch(ctx, txn, keyPrefix+id)
		if err != redis.TxFailedErr {
			break
		}
	}
	if errors.Is(err, store.ErrNotFound) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("redis update %s: %w", id, err)
	}
	return c.publish(ctx, store.Snapshot{ID: id, Type: store.ChangeModified, Data: updated})
}

func (c *Client) Delete(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("redis.Delete", time.Now())()

	n, err := c.cli.Del(ctx, keyPrefix+id).Result()
	if err != nil {
		return fmt.Errorf("redis delete %s: %w", id, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	if err := c.cli.ZRem(ctx, orderKey, id).Err(); err != nil {
		return fmt.Errorf("redis delete %s zrem: %w", id, err)
	}
	return c.publish(ctx, store.Snapshot{ID: id, Type: store.ChangeRemoved})
}

// BatchDelete удаляет документы одним TxPipeline (каскад удаления канала).
func (c *Client) BatchDelete(ctx context.Context, ids []string) error {
	defer logger.DeferLogDuration("redis.BatchDelete", time.Now())()
	if len(ids) == 0 {
		return nil
	}

	keys := make([]string, len(ids))
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		keys[i] = keyPrefix + id
		members[i] = id
	}
	_, err := c.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, orderKey, members...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis batch delete: %w", err)
	}
	for _, id := range ids {
		if err := c.publish(ctx, store.Snapshot{ID: id, Type: store.ChangeRemoved}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) publish(ctx context.Context, snap store.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis publish encode: %w", err)
	}
	if err := c.cli.Publish(ctx, feedChannel, raw).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// PublishTyping публикует typing-запись в Pub/Sub канал typing и дублирует
// её в ключ с EX: серверный TTL подчищает записи упавших клиентов, чьи
// ретракции так и не дошли.
func (c *Client) PublishTyping(ctx context.Context, rec model.TypingRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis typing encode: %w", err)
	}
	if !rec.Retraction() {
		if err := c.cli.Set(ctx, typingKey(rec.ChannelID, rec.UserID), raw, typingKeyTTL).Err(); err != nil {
			return fmt.Errorf("redis typing set: %w", err)
		}
	}
	if err := c.cli.Publish(ctx, typingChannel, raw).Err(); err != nil {
		return fmt.Errorf("redis typing publish: %w", err)
	}
	return nil
}

// RetractTyping публикует ретракцию — запись с нулевым At — и удаляет ключ.
func (c *Client) RetractTyping(ctx context.Context, channelID, userID string) error {
	if err := c.cli.Del(ctx, typingKey(channelID, userID)).Err(); err != nil {
		return fmt.Errorf("redis typing del: %w", err)
	}
	return c.PublishTyping(ctx, model.TypingRecord{ChannelID: channelID, UserID: userID})
}

func typingKey(channelID, userID string) string {
	return "typing:" + channelID + ":" + userID
}

func (c *Client) SubscribeTyping(ctx context.Context) (store.TypingSubscription, error) {
	pubsub := c.cli.Subscribe(ctx, typingChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis typing subscribe: %w", err)
	}
	sub := &typingSubscription{
		pubsub: pubsub,
		events: make(chan model.TypingRecord, eventBufferSize),
	}
	go sub.pump()
	return sub, nil
}

type subscription struct {
	pubsub *redis.PubSub
	events chan store.Snapshot
	once   sync.Once
}

func (s *subscription) Events() <-chan store.Snapshot { return s.events }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() { err = s.pubsub.Close() })
	return err
}

// pump отдаёт сначала реплей окна, затем живые события. Медленный потребитель
// события теряет (at-least-once, фид не буферизуется бесконечно).
func (s *subscription) pump(replay []store.Snapshot) {
	defer close(s.events)
	for _, snap := range replay {
		s.deliver(snap)
	}
	for msg := range s.pubsub.Channel() {
		var snap store.Snapshot
		if err := json.Unmarshal([]byte(msg.Payload), &snap); err != nil {
			logger.Errorf("redis feed decode: %v", err)
			continue
		}
		s.deliver(snap)
	}
}

func (s *subscription) deliver(snap store.Snapshot) {
	select {
	case s.events <- snap:
	default:
		logger.Errorf("redis feed: subscriber buffer full, event %s dropped", snap.ID)
	}
}

type typingSubscription struct {
	pubsub *redis.PubSub
	events chan model.TypingRecord
	once   sync.Once
}

func (s *typingSubscription) Events() <-chan model.TypingRecord { return s.events }

func (s *typingSubscription) Close() error {
	var err error
	s.once.Do(func() { err = s.pubsub.Close() })
	return err
}

func (s *typingSubscription) pump() {
	defer close(s.events)
	for msg := range s.pubsub.Channel() {
		var rec model.TypingRecord
		if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
			logger.Errorf("redis typing decode: %v", err)
			continue
		}
		select {
		case s.events <- rec:
		default:
			// Typing эфемерен — потерянная запись восстановится refresh'ем.
		}
	}
}
