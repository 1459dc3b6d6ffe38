// Package gateway — адаптер хранилища поверх WebSocket-шлюза синхронизации.
// Шлюз владеет каноническим хранилищем; адаптер держит одно соединение,
// зеркалирует фид в локальный кэш документов и шлёт мутации fire-and-forget
// (подтверждение придёт обратно снимком фида, как и для любого другого
// клиента). Обрыв соединения закрывает все подписки — переподключение и
// повторная подписка остаются за вызывающим.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/superchat/logger"
	"github.com/superchat/model"
	"github.com/superchat/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 65536
	sendBufSize    = 256

	eventBufferSize = 256
)

var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// outFrame — кадр клиент→шлюз.
type outFrame struct {
	Op     string              `json:"op"`
	ID     string              `json:"id,omitempty"`
	IDs    []string            `json:"ids,omitempty"`
	Limit  int                 `json:"limit,omitempty"`
	Doc    *store.RawMessage   `json:"doc,omitempty"`
	Fields map[string]any      `json:"fields,omitempty"`
	Typing *model.TypingRecord `json:"typing,omitempty"`
}

// inFrame — кадр шлюз→клиент.
type inFrame struct {
	Type     string              `json:"type"`
	Snapshot *store.Snapshot     `json:"snapshot,omitempty"`
	Typing   *model.TypingRecord `json:"typing,omitempty"`
}

type Client struct {
	conn *websocket.Conn
	send chan outFrame

	mu         sync.Mutex
	cache      map[string]store.RawMessage
	subs       map[*subscription]struct{}
	typingSubs map[*typingSubscription]struct{}

	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

// New подключается к шлюзу и подписывается на фид окном в limit документов.
func New(ctx context.Context, url string, limit int) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway dial %s: %w", url, err)
	}
	c := &Client{
		conn:       conn,
		send:       make(chan outFrame, sendBufSize),
		cache:      make(map[string]store.RawMessage),
		subs:       make(map[*subscription]struct{}),
		typingSubs: make(map[*typingSubscription]struct{}),
		done:       make(chan struct{}),
	}
	pumpCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(2)
	go c.writePump(pumpCtx)
	go c.readPump(pumpCtx)

	if err := c.enqueue(outFrame{Op: "subscribe", Limit: limit}); err != nil {
		c.shutdown()
		return nil, err
	}
	return c, nil
}

func (c *Client) Close() error {
	c.shutdown()
	c.wg.Wait()
	return nil
}

// shutdown останавливает помпы и закрывает все подписки. Безопасен к
// повторным вызовам из любой горутины.
func (c *Client) shutdown() {
	c.once.Do(func() {
		c.cancel()
		close(c.done)
		c.conn.Close()

		c.mu.Lock()
		subs := make([]*subscription, 0, len(c.subs))
		for s := range c.subs {
			subs = append(subs, s)
		}
		typingSubs := make([]*typingSubscription, 0, len(c.typingSubs))
		for s := range c.typingSubs {
			typingSubs = append(typingSubs, s)
		}
		c.subs = map[*subscription]struct{}{}
		c.typingSubs = map[*typingSubscription]struct{}{}
		c.mu.Unlock()

		for _, s := range subs {
			s.closeChan()
		}
		for _, s := range typingSubs {
			s.closeChan()
		}
	})
}

func (c *Client) enqueue(f outFrame) error {
	select {
	case c.send <- f:
		return nil
	case <-c.done:
		return errors.New("gateway: connection closed")
	}
}

// Subscribe отдаёт реплей локального кэша (старые первыми), затем живые
// события фида. Кэш наполняется из подписки шлюза, открытой при New.
func (c *Client) Subscribe(ctx context.Context, q store.Query) (store.Subscription, error) {
	select {
	case <-c.done:
		return nil, errors.New("gateway: connection closed")
	default:
	}

	sub := &subscription{
		client: c,
		events: make(chan store.Snapshot, eventBufferSize),
	}

	c.mu.Lock()
	replay := make([]store.Snapshot, 0, len(c.cache))
	for id, doc := range c.cache {
		replay = append(replay, store.Snapshot{ID: id, Type: store.ChangeAdded, Data: doc.Clone()})
	}
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	sort.Slice(replay, func(i, j int) bool {
		a, b := replay[i].Data.CreatedAt, replay[j].Data.CreatedAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		case a.Equal(*b):
			return replay[i].ID < replay[j].ID
		default:
			return a.Before(*b)
		}
	})
	if q.Limit > 0 && len(replay) > q.Limit {
		replay = replay[len(replay)-q.Limit:]
	}
	for _, snap := range replay {
		sub.deliver(snap)
	}
	return sub, nil
}

// Get обслуживается из локального кэша: шлюзовый протокол не имеет
// request/response, всё состояние приходит фидом. Документ за пределами
// окна подписки выглядит отсутствующим.
func (c *Client) Get(ctx context.Context, id string) (store.RawMessage, error) {
	c.mu.Lock()
	doc, ok := c.cache[id]
	c.mu.Unlock()
	if !ok {
		return store.RawMessage{}, store.ErrNotFound
	}
	return doc.Clone(), nil
}

func (c *Client) Add(ctx context.Context, id string, doc store.RawMessage) error {
	doc.CreatedAt = nil // метку назначает шлюз
	return c.enqueue(outFrame{Op: "add", ID: id, Doc: &doc})
}

func (c *Client) Update(ctx context.Context, id string, fields store.Fields) error {
	c.mu.Lock()
	_, ok := c.cache[id]
	c.mu.Unlock()
	if !ok {
		return store.ErrNotFound
	}
	return c.enqueue(outFrame{Op: "update", ID: id, Fields: fields})
}

func (c *Client) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	_, ok := c.cache[id]
	c.mu.Unlock()
	if !ok {
		return store.ErrNotFound
	}
	return c.enqueue(outFrame{Op: "delete", ID: id})
}

func (c *Client) BatchDelete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.enqueue(outFrame{Op: "batch_delete", IDs: ids})
}

func (c *Client) PublishTyping(ctx context.Context, rec model.TypingRecord) error {
	return c.enqueue(outFrame{Op: "typing", Typing: &rec})
}

func (c *Client) RetractTyping(ctx context.Context, channelID, userID string) error {
	rec := model.TypingRecord{ChannelID: channelID, UserID: userID}
	return c.enqueue(outFrame{Op: "typing", Typing: &rec})
}

func (c *Client) SubscribeTyping(ctx context.Context) (store.TypingSubscription, error) {
	select {
	case <-c.done:
		return nil, errors.New("gateway: connection closed")
	default:
	}
	sub := &typingSubscription{
		client: c,
		events: make(chan model.TypingRecord, eventBufferSize),
	}
	c.mu.Lock()
	c.typingSubs[sub] = struct{}{}
	c.mu.Unlock()
	return sub, nil
}

// readPump читает кадры шлюза. Выход по ошибке чтения (в том числе
// спровоцированной conn.Close из shutdown).
func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer c.shutdown()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("gateway set read deadline: %v", err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("gateway read error: %v", err)
			}
			return
		}

		var frame inFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			logger.Errorf("gateway unmarshal error: %v", err)
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame inFrame) {
	switch frame.Type {
	case "snapshot":
		if frame.Snapshot == nil {
			return
		}
		snap := *frame.Snapshot
		c.mu.Lock()
		if snap.Type == store.ChangeRemoved {
			delete(c.cache, snap.ID)
		} else {
			c.cache[snap.ID] = snap.Data.Clone()
		}
		subs := make([]*subscription, 0, len(c.subs))
		for s := range c.subs {
			subs = append(subs, s)
		}
		c.mu.Unlock()
		for _, s := range subs {
			s.deliver(snap)
		}
	case "typing":
		if frame.Typing == nil {
			return
		}
		c.mu.Lock()
		subs := make([]*typingSubscription, 0, len(c.typingSubs))
		for s := range c.typingSubs {
			subs = append(subs, s)
		}
		c.mu.Unlock()
		for _, s := range subs {
			s.deliver(*frame.Typing)
		}
	default:
		logger.Debugf("gateway: unknown frame type %q", frame.Type)
	}
}

// writePump пишет кадры и пинги с дедлайнами.
func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			if err := c.conn.WriteMessage(websocket.CloseMessage, nil); err != nil {
				logger.Errorf("gateway close message: %v", err)
			}
			return
		case frame := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("gateway set write deadline: %v", err)
				return
			}
			buf := bufPool.Get().(*bytes.Buffer)
			buf.Reset()
			enc := json.NewEncoder(buf)
			if err := enc.Encode(frame); err != nil {
				bufPool.Put(buf)
				logger.Errorf("gateway marshal error: %v", err)
				continue
			}
			data := buf.Bytes()
			// json.Encoder дописывает '\n' — срезаем для текстового кадра.
			if len(data) > 0 && data[len(data)-1] == '\n' {
				data = data[:len(data)-1]
			}
			writeErr := c.conn.WriteMessage(websocket.TextMessage, data)
			bufPool.Put(buf)
			if writeErr != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("gateway set write deadline: %v", err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type subscription struct {
	client *Client
	events chan store.Snapshot

	// mu сериализует deliver и closeChan: запись в закрытый канал — паника.
	mu     sync.Mutex
	closed bool
}

func (s *subscription) Events() <-chan store.Snapshot { return s.events }

func (s *subscription) Close() error {
	s.client.mu.Lock()
	delete(s.client.subs, s)
	s.client.mu.Unlock()
	s.closeChan()
	return nil
}

func (s *subscription) closeChan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

func (s *subscription) deliver(snap store.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- snap:
	default:
		logger.Errorf("gateway feed: subscriber buffer full, event %s dropped", snap.ID)
	}
}

type typingSubscription struct {
	client *Client
	events chan model.TypingRecord

	mu     sync.Mutex
	closed bool
}

func (s *typingSubscription) Events() <-chan model.TypingRecord { return s.events }

func (s *typingSubscription) Close() error {
	s.client.mu.Lock()
	delete(s.client.typingSubs, s)
	s.client.mu.Unlock()
	s.closeChan()
	return nil
}

func (s *typingSubscription) closeChan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

func (s *typingSubscription) deliver(rec model.TypingRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- rec:
	default:
	}
}
