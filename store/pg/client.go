// Package pg — адаптер хранилища поверх PostgreSQL: документы в jsonb,
// живой фид через триггер + LISTEN/NOTIFY. В уведомлении только {id, type}
// (лимит полезной нагрузки NOTIFY), тело документа дочитывается отдельно —
// подписчик поэтому всегда видит свежайший снимок, а не тот, что был в
// момент изменения: для at-least-once фида это допустимо.
package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/superchat/logger"
	"github.com/superchat/migrations"
	"github.com/superchat/model"
	"github.com/superchat/store"
)

const eventBufferSize = 256

type Client struct {
	pool *pgxpool.Pool
	url  string // отдельные LISTEN-соединения открываются по этому URL
}

func New(ctx context.Context, url string) (*Client, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("pg parse config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("pg connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg ping: %w", err)
	}
	c := &Client{pool: pool, url: url}
	if err := c.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) Close() error {
	c.pool.Close()
	return nil
}

// migrate прогоняет встроенные миграции в лексикографическом порядке имён.
func (c *Client) migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations.Files, "*.sql")
	if err != nil {
		return fmt.Errorf("pg migrate glob: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := migrations.Files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("pg migrate read %s: %w", name, err)
		}
		if _, err := c.pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("pg migrate %s: %w", name, err)
		}
	}
	return nil
}

func (c *Client) Subscribe(ctx context.Context, q store.Query) (store.Subscription, error) {
	conn, err := pgx.Connect(ctx, c.url)
	if err != nil {
		return nil, fmt.Errorf("pg subscribe connect: %w", err)
	}
	// LISTEN до реплея: изменение, проскочившее во время реплея, доставится
	// дважды, но не потеряется.
	if _, err := conn.Exec(ctx, "LISTEN feed"); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("pg listen feed: %w", err)
	}

	replay, err := c.window(ctx, q.Limit)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		client: c,
		conn:   conn,
		cancel: cancel,
		events: make(chan store.Snapshot, eventBufferSize),
	}
	go sub.pump(pumpCtx, replay)
	return sub, nil
}

func (c *Client) window(ctx context.Context, limit int) ([]store.Snapshot, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := c.pool.Query(ctx,
		`SELECT id, doc FROM (
		     SELECT id, doc, created_at FROM documents
		     ORDER BY created_at DESC
		     LIMIT $1
		 ) recent
		 ORDER BY created_at ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("pg window query: %w", err)
	}
	defer rows.Close()

	out := make([]store.Snapshot, 0, limit)
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("pg window scan: %w", err)
		}
		var doc store.RawMessage
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("pg window decode %s: %w", id, err)
		}
		out = append(out, store.Snapshot{ID: id, Type: store.ChangeAdded, Data: doc})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pg window rows: %w", err)
	}
	return out, nil
}

func (c *Client) Get(ctx context.Context, id string) (store.RawMessage, error) {
	var raw []byte
	err := c.pool.QueryRow(ctx, `SELECT doc FROM documents WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.RawMessage{}, store.ErrNotFound
	}
	if err != nil {
		return store.RawMessage{}, fmt.Errorf("pg get %s: %w", id, err)
	}
	var doc store.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return store.RawMessage{}, fmt.Errorf("pg get %s decode: %w", id, err)
	}
	return doc, nil
}

// Add вставляет документ; createdAt внутри jsonb проставляется часами БД
// (jsonb_set + now()), поэтому метки авторитетны и монотонны относительно
// сервера. Конфликт id — no-op.
func (c *Client) Add(ctx context.Context, id string, doc store.RawMessage) error {
	defer logger.DeferLogDuration("pg.Add", time.Now())()

	doc.CreatedAt = nil
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("pg add %s encode: %w", id, err)
	}
	_, err = c.pool.Exec(ctx,
		`INSERT INTO documents (id, doc)
		 VALUES ($1, jsonb_set($2::jsonb, '{createdAt}', to_jsonb(now())))
		 ON CONFLICT (id) DO NOTHING`, id, raw)
	if err != nil {
		return fmt.Errorf("pg add %s: %w", id, err)
	}
	return nil
}

// Update выполняет read-modify-write под SELECT FOR UPDATE: конкурирующее
// обновление того же документа сериализуется строковой блокировкой.
func (c *Client) Update(ctx context.Context, id string, fields store.Fields) error {
	defer logger.DeferLogDuration("pg.Update", time.Now())()

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pg update %s begin: %w", id, err)
	}
	defer tx.Rollback(ctx)

	var raw []byte
	err = tx.QueryRow(ctx, `SELECT doc FROM documents WHERE id = $1 FOR UPDATE`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("pg update %s select: %w", id, err)
	}

	var doc store.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("pg update %s decode: %w", id, err)
	}
	if err := fields.Apply(&doc); err != nil {
		return fmt.Errorf("pg update %s: %w", id, err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("pg update %s encode: %w", id, err)
	}
	if _, err := tx.Exec(ctx, `UPDATE documents SET doc = $1 WHERE id = $2`, out, id); err != nil {
		return fmt.Errorf("pg update %s exec: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pg update %s commit: %w", id, err)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("pg.Delete", time.Now())()

	tag, err := c.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("pg delete %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// BatchDelete удаляет набор документов одной транзакцией (всё или ничего).
func (c *Client) BatchDelete(ctx context.Context, ids []string) error {
	defer logger.DeferLogDuration("pg.BatchDelete", time.Now())()
	if len(ids) == 0 {
		return nil
	}
	if _, err := c.pool.Exec(ctx, `DELETE FROM documents WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("pg batch delete: %w", err)
	}
	return nil
}

// PublishTyping шлёт typing-запись через pg_notify: канал typing, полезная
// нагрузка — JSON записи. Таблиц не трогаем, записи эфемерны.
func (c *Client) PublishTyping(ctx context.Context, rec model.TypingRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("pg typing encode: %w", err)
	}
	if _, err := c.pool.Exec(ctx, `SELECT pg_notify('typing', $1)`, string(raw)); err != nil {
		return fmt.Errorf("pg typing publish: %w", err)
	}
	return nil
}

func (c *Client) RetractTyping(ctx context.Context, channelID, userID string) error {
	return c.PublishTyping(ctx, model.TypingRecord{ChannelID: channelID, UserID: userID})
}

func (c *Client) SubscribeTyping(ctx context.Context) (store.TypingSubscription, error) {
	conn, err := pgx.Connect(ctx, c.url)
	if err != nil {
		return nil, fmt.Errorf("pg typing connect: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN typing"); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("pg listen typing: %w", err)
	}
	pumpCtx, cancel := context.WithCancel(context.Background())
	sub := &typingSubscription{
		conn:   conn,
		cancel: cancel,
		events: make(chan model.TypingRecord, eventBufferSize),
	}
	go sub.pump(pumpCtx)
	return sub, nil
}

// feedNotice — полезная нагрузка триггера documents_feed.
type feedNotice struct {
	ID   string           `json:"id"`
	Type store.ChangeType `json:"type"`
}

type subscription struct {
	client *Client
	conn   *pgx.Conn
	cancel context.CancelFunc
	events chan store.Snapshot
	once   sync.Once
}

func (s *subscription) Events() <-chan store.Snapshot { return s.events }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = s.conn.Close(ctx)
	})
	return err
}

func (s *subscription) pump(ctx context.Context, replay []store.Snapshot) {
	defer close(s.events)
	for _, snap := range replay {
		s.deliver(snap)
	}
	for {
		n, err := s.conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Errorf("pg feed wait: %v", err)
			}
			return
		}
		var notice feedNotice
		if err := json.Unmarshal([]byte(n.Payload), &notice); err != nil {
			logger.Errorf("pg feed decode: %v", err)
			continue
		}
		snap := store.Snapshot{ID: notice.ID, Type: notice.Type}
		if notice.Type != store.ChangeRemoved {
			doc, err := s.client.Get(ctx, notice.ID)
			if errors.Is(err, store.ErrNotFound) {
				// Документ удалён между NOTIFY и дочиткой — removed придёт следом.
				continue
			}
			if err != nil {
				logger.Errorf("pg feed refetch %s: %v", notice.ID, err)
				continue
			}
			snap.Data = doc
		}
		s.deliver(snap)
	}
}

func (s *subscription) deliver(snap store.Snapshot) {
	select {
	case s.events <- snap:
	default:
		logger.Errorf("pg feed: subscriber buffer full, event %s dropped", snap.ID)
	}
}

type typingSubscription struct {
	conn   *pgx.Conn
	cancel context.CancelFunc
	events chan model.TypingRecord
	once   sync.Once
}

func (s *typingSubscription) Events() <-chan model.TypingRecord { return s.events }

func (s *typingSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = s.conn.Close(ctx)
	})
	return err
}

func (s *typingSubscription) pump(ctx context.Context) {
	defer close(s.events)
	for {
		n, err := s.conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Errorf("pg typing wait: %v", err)
			}
			return
		}
		var rec model.TypingRecord
		if err := json.Unmarshal([]byte(n.Payload), &rec); err != nil {
			logger.Errorf("pg typing decode: %v", err)
			continue
		}
		select {
		case s.events <- rec:
		default:
			// Typing эфемерен — потерянная запись восстановится refresh'ем.
		}
	}
}
