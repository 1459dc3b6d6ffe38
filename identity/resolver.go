// Package identity разрешает каноническое отображаемое имя текущего
// пользователя через внешнего auth-провайдера.
package identity

import (
	"context"
	"hash/fnv"

	"github.com/superchat/logger"
)

// Provider — контракт внешнего провайдера аутентификации. DisplayName
// может ходить в удалённый профиль (гостевые пользователи) и потому
// принимает контекст.
type Provider interface {
	CurrentUserID() string
	IsGuest() bool
	DisplayName(ctx context.Context, userID string) (string, error)
}

// AvatarProvider — необязательное расширение провайдера: URL аватара
// текущего пользователя, если провайдер его знает.
type AvatarProvider interface {
	AvatarURL() string
}

// Resolver отдаёт имя по требованию, без кеширования: имя участвует в
// сопоставлении упоминаний и должно быть свежим на момент вычисления.
type Resolver struct {
	provider Provider
}

func NewResolver(p Provider) *Resolver {
	return &Resolver{provider: p}
}

// Resolve возвращает отображаемое имя текущего пользователя. Ошибки
// не поднимаются: при сбое резолва гость получает детерминированное
// синтетическое имя по гостевому коду, обычный пользователь — имя по
// умолчанию. Ложноотрицательное упоминание лучше упавшего рендера.
func (r *Resolver) Resolve(ctx context.Context) string {
	userID := r.provider.CurrentUserID()
	name, err := r.provider.DisplayName(ctx, userID)
	if err != nil {
		logger.Errorf("identity: resolve display name user=%s: %v", userID, err)
	}
	if name != "" {
		return name
	}
	if r.provider.IsGuest() {
		return "Guest " + GuestCode(userID)
	}
	return "Anonymous"
}

// UserID возвращает id текущего пользователя.
func (r *Resolver) UserID() string {
	return r.provider.CurrentUserID()
}

// GuestCode — детерминированный четырёхсимвольный код гостя из его userID.
// Один и тот же пользователь всегда получает один и тот же код, поэтому
// синтетическое имя пригодно для сопоставления упоминаний.
func GuestCode(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	code := make([]byte, 4)
	v := h.Sum32()
	for i := range code {
		code[i] = alphabet[v%uint32(len(alphabet))]
		v /= uint32(len(alphabet))
	}
	return string(code)
}
