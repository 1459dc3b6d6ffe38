package superchat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/superchat/logger"
	"github.com/superchat/model"
)

var (
	// ErrGuestForbidden — администрирование каналов недоступно гостям.
	ErrGuestForbidden = errors.New("superchat: guests cannot administer channels")
	// ErrChannelNotFound — канал с таким именем не зарегистрирован.
	ErrChannelNotFound = errors.New("superchat: channel not found")
)

// channelRegistry — реестр каналов сессии. Идентичность канала — Name
// (стабильный ключ, на него ссылаются сообщения); переименование меняет
// только DisplayName.
type channelRegistry struct {
	mu       sync.Mutex
	channels map[string]model.Channel
}

func newChannelRegistry() *channelRegistry {
	return &channelRegistry{channels: make(map[string]model.Channel)}
}

// CreateChannel регистрирует новый канал с uuid-идентичностью.
// Привилегированное действие: гостям запрещено.
func (e *Engine) CreateChannel(displayName, category string) (model.Channel, error) {
	if e.provider.IsGuest() {
		return model.Channel{}, ErrGuestForbidden
	}
	ch := model.Channel{
		Name:        uuid.NewString(),
		DisplayName: displayName,
		Category:    category,
	}
	e.registry.mu.Lock()
	e.registry.channels[ch.Name] = ch
	e.registry.mu.Unlock()
	logger.Infof("channel created: %s (%q)", ch.Name, displayName)
	return ch, nil
}

// RenameChannel меняет отображаемое имя канала; идентичность стабильна,
// существующие сообщения канала не затрагиваются.
func (e *Engine) RenameChannel(name, displayName string) error {
	if e.provider.IsGuest() {
		return ErrGuestForbidden
	}
	e.registry.mu.Lock()
	defer e.registry.mu.Unlock()
	ch, ok := e.registry.channels[name]
	if !ok {
		return ErrChannelNotFound
	}
	ch.DisplayName = displayName
	e.registry.channels[name] = ch
	return nil
}

// DeleteChannel удаляет канал и каскадно — его сообщения в загруженном окне,
// одним атомарным batch-удалением (всё или ничего). Сообщения за пределами
// окна остаются в хранилище, но в ленты больше не попадут: канал исчез из
// реестра.
func (e *Engine) DeleteChannel(ctx context.Context, name string) error {
	defer logger.DeferLogDuration("engine.DeleteChannel", time.Now())()

	if e.provider.IsGuest() {
		return ErrGuestForbidden
	}
	e.registry.mu.Lock()
	_, ok := e.registry.channels[name]
	e.registry.mu.Unlock()
	if !ok {
		return ErrChannelNotFound
	}

	if ids := e.timeline.IDs(name); len(ids) > 0 {
		if err := e.store.BatchDelete(ctx, ids); err != nil {
			// Реестр не трогаем: канал остаётся, повтор удаления возможен.
			return fmt.Errorf("engine.DeleteChannel: %w", err)
		}
	}

	e.registry.mu.Lock()
	delete(e.registry.channels, name)
	e.registry.mu.Unlock()
	logger.Infof("channel deleted: %s", name)
	return nil
}

// Channels возвращает зарегистрированные каналы, отсортированные по
// категории, затем по отображаемому имени.
func (e *Engine) Channels() []model.Channel {
	e.registry.mu.Lock()
	out := make([]model.Channel, 0, len(e.registry.channels))
	for _, ch := range e.registry.channels {
		out = append(out, ch)
	}
	e.registry.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}
