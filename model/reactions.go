package model

// ReactionBucket — набор пользователей, поставивших один emoji.
// Пустые бакеты не хранятся: emoji без пользователей удаляется целиком.
type ReactionBucket struct {
	Emoji   string   `json:"emoji"`
	UserIDs []string `json:"user_ids"`
}

// Reactions — карта реакций сообщения. Слайс, а не map: порядок появления
// emoji определяет порядок отображения и должен переживать сериализацию.
type Reactions []ReactionBucket

// Has reports whether userID reacted with emoji.
func (r Reactions) Has(emoji, userID string) bool {
	for _, b := range r {
		if b.Emoji != emoji {
			continue
		}
		for _, id := range b.UserIDs {
			if id == userID {
				return true
			}
		}
	}
	return false
}

// Toggle возвращает новую карту реакций с переключённой реакцией (emoji, userID).
// Исходная карта не меняется — вызывающий обязан применять Toggle к свежайшему
// прочитанному состоянию, а не к локальной копии (read-modify-write).
//
// Семантика:
//   - userID есть в бакете emoji — убрать; опустевший бакет удаляется целиком;
//   - бакет есть, userID нет — дописать в конец;
//   - бакета нет — создать с единственным пользователем.
func (r Reactions) Toggle(emoji, userID string) Reactions {
	out := r.Clone()
	for i, b := range out {
		if b.Emoji != emoji {
			continue
		}
		for j, id := range b.UserIDs {
			if id == userID {
				out[i].UserIDs = append(b.UserIDs[:j:j], b.UserIDs[j+1:]...)
				if len(out[i].UserIDs) == 0 {
					out = append(out[:i], out[i+1:]...)
				}
				if len(out) == 0 {
					return nil
				}
				return out
			}
		}
		out[i].UserIDs = append(out[i].UserIDs, userID)
		return out
	}
	return append(out, ReactionBucket{Emoji: emoji, UserIDs: []string{userID}})
}

// Clone возвращает глубокую копию карты реакций.
func (r Reactions) Clone() Reactions {
	if r == nil {
		return nil
	}
	out := make(Reactions, len(r))
	for i, b := range r {
		out[i] = ReactionBucket{Emoji: b.Emoji, UserIDs: append([]string(nil), b.UserIDs...)}
	}
	return out
}

// Equal сравнивает карты с учётом порядка emoji и пользователей.
func (r Reactions) Equal(other Reactions) bool {
	if len(r) != len(other) {
		return false
	}
	for i, b := range r {
		o := other[i]
		if b.Emoji != o.Emoji || len(b.UserIDs) != len(o.UserIDs) {
			return false
		}
		for j, id := range b.UserIDs {
			if id != o.UserIDs[j] {
				return false
			}
		}
	}
	return true
}
