package moderation

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFilter(t *testing.T) {
	f := NewFilter()
	require.NotNil(t, f)
	assert.NotEmpty(t, f.words)
	assert.NotEmpty(t, f.phrases)
}

func TestNewFilterWithTerms_SkipsBlank(t *testing.T) {
	f := NewFilterWithTerms([]string{"", "  ", "Valid", "two  words"})

	assert.Len(t, f.words, 1)
	assert.Contains(t, f.words, "valid")
	assert.Equal(t, []string{"two words"}, f.phrases)
}

func TestCheck_BlockedWord(t *testing.T) {
	f := NewFilterWithTerms([]string{"badword", "offensive"})

	tests := []struct {
		name    string
		input   string
		blocked bool
	}{
		{"exact", "badword", true},
		{"in sentence", "this is badword here", true},
		{"case insensitive", "BaDwOrD", true},
		{"punctuation", "hello, badword!", true},
		{"leet zero", "b@dw0rd", true},
		{"leet dollar", "off3n$ive", true},
		{"leet bang", "offens!ve", true},
		{"prefix is fine", "badwording is fine", false},
		{"suffix is fine", "mybadword", false},
		{"clean", "hello world", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.Check(tt.input)
			assert.Equal(t, tt.blocked, res.Blocked)
			if tt.blocked {
				assert.Equal(t, ReasonBlockedKeyword, res.Reason)
			}
		})
	}
}

func TestCheck_BlockedPhrase(t *testing.T) {
	f := NewFilterWithTerms([]string{"kill yourself", "go die"})

	tests := []struct {
		input string
		term  string
	}{
		{"kill yourself", "kill yourself"},
		{"you should KILL   yourself now", "kill yourself"},
		{"k!ll yourself", "kill yourself"},
		{"go die already", "go die"},
		{"kill yourselves", ""},
		{"kill and yourself", ""},
		{"i love this chat", ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			res := f.Check(tt.input)
			assert.Equal(t, tt.term != "", res.Blocked)
			assert.Equal(t, tt.term, res.Term)
		})
	}
}

func TestCheck_DefaultListLeavesOrdinaryChatAlone(t *testing.T) {
	f := NewFilter()

	for _, msg := range []string{
		"hey! how was your weekend?",
		"I need to assess the situation",
		"the grape harvest was great",
		"dinner at 8? there's a place on 5th street",
		"hahaha that's amazing",
		"",
	} {
		assert.False(t, f.Check(msg).Blocked, msg)
	}
}

func TestSanitize_Normalizes(t *testing.T) {
	f := NewFilterWithTerms(nil)

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"trims", "  hi there \t", "hi there"},
		{"collapses blanks", "hi \t\t  there", "hi there"},
		{"strips tags", "<b>bold</b> move<script>x()</script>", "bold movex()"},
		{"keeps entities", "fish &amp; chips", "fish &amp; chips"},
		{"zero width", "he\u200bl\ufeffl\u200do", "hello"},
		{"crlf", "one\r\ntwo", "one\ntwo"},
		{"newline runs", "one\n\n\n\n\ntwo", "one\n\ntwo"},
		{"blank lines with spaces", "one\n  \n \n\ntwo", "one\n\ntwo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.Sanitize(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSanitize_Rejects(t *testing.T) {
	f := NewFilter()

	_, err := f.Sanitize("free bitcoin for everyone")
	require.Error(t, err)

	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, ReasonBlockedKeyword, rejected.Reason)
	assert.Equal(t, "free bitcoin", rejected.Term)

	_, err = f.Sanitize("dm me at https://spam.example/now")
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, ReasonSpamPattern, rejected.Reason)
	assert.Equal(t, "url", rejected.Term)
}

func TestSanitize_TagOnlyBodyBecomesEmpty(t *testing.T) {
	got, err := NewFilter().Sanitize("<p></p>")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTokenizers(t *testing.T) {
	assert.Equal(t, []string{"hello", "world"}, tokenizePlain("Hello, World!"))
	assert.Equal(t, []string{"hello", "world"}, tokenizePlain("hello---world"))
	assert.Empty(t, tokenizePlain(""))
	assert.Equal(t, []string{"hello", "$h!t", "bye"}, tokenizeLeet("hello $h!t bye"))
	assert.Equal(t, "change", normalizeLeet("ch@ng3"))
}

func BenchmarkSanitize(b *testing.B) {
	f := NewFilter()
	msg := strings.Repeat("hey, how was the concert? we should get coffee sometime. ", 20)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = f.Sanitize(msg)
	}
}
