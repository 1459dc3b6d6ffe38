// Package timeline поддерживает упорядоченные пер-канальные ленты сообщений
// поверх неупорядоченного, дублирующегося фида изменений.
package timeline

import (
	"sort"
	"sync"

	"github.com/superchat/model"
	"github.com/superchat/store"
)

// Update — результат одного Ingest: какой канал изменился и появилось ли
// подтверждённое содержимое, интересное диспетчеру уведомлений.
type Update struct {
	ChannelID string
	Changed   bool
	// Confirmed заполняется для подтверждённого снимка, изменившего ленту
	// (новое сообщение или правка). Повторная доставка того же снимка даёт nil.
	Confirmed *model.Message
}

// Store — владелец пер-канальных последовательностей. Лента канала:
// подтверждённые сообщения по возрастанию createdAt (ничья — по id), затем
// pending-буфер в порядке постановки. Внешние читатели получают снимки
// через Snapshot и не должны их изменять.
type Store struct {
	mu       sync.RWMutex
	fallback string
	sanitize Sanitizer
	channels map[string]*channelTimeline
	index    map[string]string // message id -> channel id
}

type channelTimeline struct {
	confirmed []model.Message // отсортированы
	pending   []model.Message // порядок постановки
	snap      []model.Message // кеш: confirmed ++ pending, пересобирается при изменении
}

func New(fallbackChannel string) *Store {
	return &Store{
		fallback: fallbackChannel,
		channels: make(map[string]*channelTimeline),
		index:    make(map[string]string),
	}
}

// SetSanitizer задаёт переписывание текста при нормализации. Задавать до
// начала прокачки фида: хук применяется только к последующим снимкам.
func (s *Store) SetSanitizer(fn Sanitizer) {
	s.mu.Lock()
	s.sanitize = fn
	s.mu.Unlock()
}

// Ingest нормализует событие фида и применяет его к ленте канала:
// insert-or-replace по id, pending вытесняется подтверждённым двойником,
// removed убирает сообщение из обеих последовательностей (идемпотентно).
func (s *Store) Ingest(snap store.Snapshot) Update {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.Type == store.ChangeRemoved {
		return s.remove(snap.ID)
	}

	msg := Normalize(snap, s.fallback, s.sanitize)

	// Сообщение принадлежит ровно одному каналу: если снимок пришёл с другим
	// каналом, чем известный, сначала убираем из старого.
	if prev, ok := s.index[msg.ID]; ok && prev != msg.ChannelID {
		s.remove(msg.ID)
	}

	ch := s.channel(msg.ChannelID)
	upd := Update{ChannelID: msg.ChannelID}

	if !msg.Confirmed() {
		// Подтверждённая запись не откатывается устаревшим pending-эхом.
		if idx := indexOf(ch.confirmed, msg.ID); idx >= 0 {
			return upd
		}
		if idx := indexOf(ch.pending, msg.ID); idx >= 0 {
			if ch.pending[idx].Equal(msg) {
				return upd
			}
			ch.pending[idx] = msg
		} else {
			ch.pending = append(ch.pending, msg)
		}
		s.index[msg.ID] = msg.ChannelID
		ch.rebuild()
		upd.Changed = true
		return upd
	}

	if idx := indexOf(ch.pending, msg.ID); idx >= 0 {
		ch.pending = append(ch.pending[:idx], ch.pending[idx+1:]...)
	}
	if idx := indexOf(ch.confirmed, msg.ID); idx >= 0 {
		if ch.confirmed[idx].Equal(msg) {
			return upd
		}
		ch.confirmed[idx] = msg
	} else {
		ch.confirmed = append(ch.confirmed, msg)
	}
	// Полная пересортировка: корректность важнее микрооптимизации окрестности.
	sort.Slice(ch.confirmed, func(i, j int) bool {
		return ch.confirmed[i].Before(ch.confirmed[j])
	})
	s.index[msg.ID] = msg.ChannelID
	ch.rebuild()
	upd.Changed = true
	upd.Confirmed = &msg
	return upd
}

// Remove удаляет сообщение по id; отсутствующий id — no-op.
func (s *Store) Remove(id string) Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remove(id)
}

func (s *Store) remove(id string) Update {
	channelID, ok := s.index[id]
	if !ok {
		return Update{}
	}
	ch := s.channels[channelID]
	changed := false
	if idx := indexOf(ch.confirmed, id); idx >= 0 {
		ch.confirmed = append(ch.confirmed[:idx], ch.confirmed[idx+1:]...)
		changed = true
	}
	if idx := indexOf(ch.pending, id); idx >= 0 {
		ch.pending = append(ch.pending[:idx], ch.pending[idx+1:]...)
		changed = true
	}
	delete(s.index, id)
	if changed {
		ch.rebuild()
	}
	return Update{ChannelID: channelID, Changed: changed}
}

// Snapshot возвращает текущую ленту канала: подтверждённые, затем pending.
// Ссылка стабильна, пока содержимое не изменилось, — потребители могут
// сравнивать снимки по идентичности слайса для change-detection.
func (s *Store) Snapshot(channelID string) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return nil
	}
	return ch.snap
}

// IDs возвращает id всех сообщений канала в загруженном окне
// (для каскадного batch-удаления).
func (s *Store) IDs(channelID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(ch.confirmed)+len(ch.pending))
	for _, m := range ch.confirmed {
		ids = append(ids, m.ID)
	}
	for _, m := range ch.pending {
		ids = append(ids, m.ID)
	}
	return ids
}

// Channels возвращает id каналов, по которым есть загруженные сообщения.
func (s *Store) Channels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.channels))
	for id := range s.channels {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Store) channel(id string) *channelTimeline {
	ch, ok := s.channels[id]
	if !ok {
		ch = &channelTimeline{}
		s.channels[id] = ch
	}
	return ch
}

func (ch *channelTimeline) rebuild() {
	snap := make([]model.Message, 0, len(ch.confirmed)+len(ch.pending))
	snap = append(snap, ch.confirmed...)
	snap = append(snap, ch.pending...)
	ch.snap = snap
}

func indexOf(msgs []model.Message, id string) int {
	for i, m := range msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}
