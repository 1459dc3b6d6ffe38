package mention

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMentioned(t *testing.T) {
	cases := []struct {
		name string
		text string
		who  string
		want bool
	}{
		{"simple mention", "hi @Alice!", "Alice", true},
		{"end of string", "ping @Alice", "Alice", true},
		{"case insensitive", "hey @alice, look", "Alice", true},
		{"prefix does not match longer name", "hi @Alice!", "Al", false},
		{"name with space", "ping @Guest ABCD now", "Guest ABCD", true},
		{"guest name at end", "ping @Guest ABCD", "Guest ABCD", true},
		{"no at sign", "Alice Alice Alice", "Alice", false},
		{"empty text", "", "Alice", false},
		{"empty name", "hi @Alice", "", false},
		{"punctuation boundary", "thanks @Alice.", "Alice", true},
		{"mention mid-sentence", "я думаю @Alice права", "Alice", true},
		{"regexp metacharacters escaped", "hi @A.B!", "A.B", true},
		{"metacharacter name no false positive", "hi @AxB!", "A.B", false},
		{"word continues after name", "email @Aliceson", "Alice", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsMentioned(tc.text, tc.who))
		})
	}
}
