// Package presence — эфемерные typing-записи: потребление чужих и
// публикация собственных с debounce и ретракцией.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/superchat/model"
)

// Tracker хранит последние typing-записи по ключу (channelID, userID).
// Протухание — чисто на стороне потребителя: запись старше TTL отсутствует,
// даже если ретракция от автора так и не дошла.
type Tracker struct {
	mu      sync.Mutex
	records map[recordKey]model.TypingRecord
	ttl     time.Duration
}

type recordKey struct {
	channelID string
	userID    string
}

func NewTracker(ttl time.Duration) *Tracker {
	return &Tracker{
		records: make(map[recordKey]model.TypingRecord),
		ttl:     ttl,
	}
}

// Observe применяет запись из фида: ретракция (нулевой At) удаляет запись,
// обычная запись замещает предыдущую. Заодно выметаются давно протухшие
// записи, чтобы карта не росла бесконечно.
func (t *Tracker) Observe(rec model.TypingRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := recordKey{channelID: rec.ChannelID, userID: rec.UserID}
	if rec.Retraction() {
		delete(t.records, key)
		return
	}
	t.records[key] = rec

	cutoff := time.Now().Add(-2 * t.ttl)
	for k, r := range t.records {
		if r.At.Before(cutoff) {
			delete(t.records, k)
		}
	}
}

// Active возвращает записи просматриваемого канала: без самого пользователя,
// без записей старше TTL и без чужих каналов. Порядок — по имени, чтобы
// рендер был стабильным.
func (t *Tracker) Active(channelID, selfID string, now time.Time) []model.TypingRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := now.Add(-t.ttl)
	out := make([]model.TypingRecord, 0, 4)
	for k, r := range t.records {
		if k.channelID != channelID || k.userID == selfID {
			continue
		}
		if r.At.Before(cutoff) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayName < out[j].DisplayName })
	return out
}
