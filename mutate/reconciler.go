// Package mutate — реконсиляция оптимистичных мутаций (правка, удаление,
// переключение реакции) с каноническим представлением в хранилище.
//
// Транспорт не гарантирует порядок завершения двух подряд выданных мутаций;
// от потери обновлений защищает read-modify-write по свежайшему прочитанному
// состоянию, а не гарантии упорядочивания.
package mutate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/superchat/logger"
	"github.com/superchat/store"
)

type Reconciler struct {
	store store.Store
	now   func() time.Time
}

func New(st store.Store) *Reconciler {
	return &Reconciler{store: st, now: time.Now}
}

// Edit заменяет текст сообщения и проставляет editedAt. Если новый текст
// после обрезки пробелов совпадает со старым — no-op без обращения к
// хранилищу: ложных маркеров правки не появляется.
//
// Транзиентная ошибка хранилища возвращается вызывающему (локальное
// оптимистичное состояние не трогаем, ретраи — политика вызывающего, не
// ядра: автоматический повтор рискует дублировать запись).
func (r *Reconciler) Edit(ctx context.Context, id, text string) error {
	defer logger.DeferLogDuration("mutate.Edit", time.Now())()

	doc, err := r.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Правка исчезнувшего сообщения: операция гибнет, процесс — нет.
			logger.Errorf("mutate: edit of missing message %s dropped", id)
			return nil
		}
		return fmt.Errorf("mutate.Edit: %w", err)
	}
	if strings.TrimSpace(text) == strings.TrimSpace(doc.Text) {
		return nil
	}

	fields := store.Fields{"text": text, "editedAt": r.now().UTC()}
	if err := r.store.Update(ctx, id, fields); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Errorf("mutate: edit of vanished message %s dropped", id)
			return nil
		}
		return fmt.Errorf("mutate.Edit: %w", err)
	}
	return nil
}

// Delete удаляет сообщение из канонического хранилища. Идемпотентно:
// повторное удаление (или удаление уже исчезнувшего) — не ошибка.
func (r *Reconciler) Delete(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("mutate.Delete", time.Now())()

	if err := r.store.Delete(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("mutate.Delete: %w", err)
	}
	return nil
}

// ToggleReaction переключает реакцию (emoji, userID) на сообщении.
// Карта реакций перечитывается из хранилища непосредственно перед записью:
// все три ветви переключения выводятся из свежайшего состояния, иначе
// конкурирующие реакции разных пользователей теряют обновления.
func (r *Reconciler) ToggleReaction(ctx context.Context, id, emoji, userID string) error {
	defer logger.DeferLogDuration("mutate.ToggleReaction", time.Now())()

	doc, err := r.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Гонка delete-then-react: мутацию роняем, остальное живёт.
			logger.Errorf("mutate: reaction on missing message %s dropped", id)
			return nil
		}
		return fmt.Errorf("mutate.ToggleReaction: %w", err)
	}

	updated := doc.Reactions.Toggle(emoji, userID)
	if err := r.store.Update(ctx, id, store.Fields{"reactions": updated}); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Errorf("mutate: reaction on vanished message %s dropped", id)
			return nil
		}
		return fmt.Errorf("mutate.ToggleReaction: %w", err)
	}
	return nil
}
