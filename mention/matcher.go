// Package mention — проверка упоминания пользователя в тексте сообщения.
package mention

import (
	"regexp"
	"strings"
)

// IsMentioned reports whether text mentions the given display name.
//
// Правила границ: после @<имя> должен идти не-словесный символ или конец
// строки, поэтому "@Al" не совпадает внутри "@Alice". Имя может содержать
// пробелы и метасимволы regexp — оно экранируется целиком. Сравнение
// регистронезависимое.
//
// Имя должно быть разрешено на момент вызова (Identity Resolver): устаревшее
// кешированное имя даёт ложноотрицательные срабатывания.
func IsMentioned(text, displayName string) bool {
	if text == "" || displayName == "" {
		return false
	}
	if !strings.Contains(text, "@") {
		return false
	}
	pattern, err := regexp.Compile(`(?i)@` + regexp.QuoteMeta(displayName) + `(\W|$)`)
	if err != nil {
		return false
	}
	return pattern.MatchString(text)
}
