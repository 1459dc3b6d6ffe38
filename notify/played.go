package notify

// playedKey — составной ключ «сообщение + содержимое». Правка, меняющая
// текст, даёт новый ключ: правка, впервые добавившая упоминание, обязана
// прозвучать.
type playedKey struct {
	id   string
	text string
}

// PlayedSet — множество уже прозвучавших уведомлений, живёт один сеанс
// приложения и передаётся диспетчеру явно (никакого ambient-глобала:
// тест создаёт свежий экземпляр). Append-only; единственный владелец —
// Notification Dispatcher, записи никогда не удаляются, поэтому в
// однопоточной модели блокировка не нужна.
type PlayedSet struct {
	keys map[playedKey]struct{}
}

func NewPlayedSet() *PlayedSet {
	return &PlayedSet{keys: make(map[playedKey]struct{})}
}

// MarkIfNew атомарно проверяет и добавляет ключ. Возвращает true, если ключ
// новый — звук разрешён; повторный вызов с тем же (id, text) вернёт false.
// Пометка происходит до воспроизведения: перекрывающиеся вычисления одного
// render-прохода не продублируют звук.
func (s *PlayedSet) MarkIfNew(id, text string) bool {
	k := playedKey{id: id, text: text}
	if _, ok := s.keys[k]; ok {
		return false
	}
	s.keys[k] = struct{}{}
	return true
}

// Len возвращает число накопленных ключей.
func (s *PlayedSet) Len() int {
	return len(s.keys)
}
