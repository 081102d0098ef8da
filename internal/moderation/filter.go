// Package moderation is the text-safety collaborator for chat bodies. It
// normalizes user text before it is persisted and rejects bodies that carry
// blocked terms or contact-harvesting spam.
package moderation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// Reasons reported in FilterResult and RejectedError.
const (
	ReasonBlockedKeyword = "blocked_keyword"
	ReasonSpamPattern    = "spam_pattern"
)

// defaultTerms is the built-in blocklist. Multi-word entries are matched as
// phrases on word boundaries.
var defaultTerms = []string{
	"kill yourself",
	"kys",
	"go die",
	"send nudes",
	"child porn",
	"free bitcoin",
	"crypto giveaway",
	"cashapp me",
	"sugar daddy",
	"onlyfans",
}

var (
	tagPattern = regexp.MustCompile(`<[^>]*>`)
	blankRun   = regexp.MustCompile(`[ \t\f\v]+`)
	newlineRun = regexp.MustCompile(`\n{3,}`)
)

var zeroWidth = strings.NewReplacer(
	"\u200b", "",
	"\u200c", "",
	"\u200d", "",
	"\u2060", "",
	"\ufeff", "",
)

var leet = strings.NewReplacer(
	"0", "o",
	"1", "i",
	"3", "e",
	"4", "a",
	"5", "s",
	"7", "t",
	"@", "a",
	"$", "s",
	"!", "i",
)

// FilterResult describes the outcome of Check.
type FilterResult struct {
	Blocked bool
	Reason  string
	Term    string
}

// RejectedError is returned by Sanitize when a body may not be delivered.
type RejectedError struct {
	Reason string
	Term   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("moderation: rejected (%s: %s)", e.Reason, e.Term)
}

// Filter screens chat text. It is safe for concurrent use once built.
type Filter struct {
	words   map[string]struct{}
	phrases []string
}

// NewFilter returns a filter with the built-in blocklist.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms returns a filter with a custom blocklist. Blank terms
// are ignored; spam checks always apply.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		if strings.Contains(term, " ") {
			f.phrases = append(f.phrases, strings.Join(strings.Fields(term), " "))
			continue
		}
		f.words[term] = struct{}{}
	}
	return f
}

// Sanitize normalizes text and screens it. HTML tags are stripped,
// zero-width characters removed, runs of blanks collapsed to one space and
// more than two consecutive newlines collapsed to two. Entities are left as
// typed: clients render bodies as plain text.
func (f *Filter) Sanitize(text string) (string, error) {
	clean := normalize(text)
	if res := f.Check(clean); res.Blocked {
		return "", &RejectedError{Reason: res.Reason, Term: res.Term}
	}
	return clean, nil
}

func normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = tagPattern.ReplaceAllString(text, "")
	text = zeroWidth.Replace(text)

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(blankRun.ReplaceAllString(line, " "))
	}
	text = strings.Join(lines, "\n")
	text = newlineRun.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// Check reports whether text contains a blocked term or a spam pattern.
// Keywords take priority over spam patterns.
func (f *Filter) Check(text string) FilterResult {
	if text == "" {
		return FilterResult{}
	}
	if res := f.checkTerms(tokenizePlain(text)); res.Blocked {
		return res
	}
	leetTokens := tokenizeLeet(text)
	for i, tok := range leetTokens {
		leetTokens[i] = normalizeLeet(tok)
	}
	if res := f.checkTerms(leetTokens); res.Blocked {
		return res
	}
	return f.checkSpamPatterns(text)
}

func (f *Filter) checkTerms(tokens []string) FilterResult {
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return FilterResult{Blocked: true, Reason: ReasonBlockedKeyword, Term: tok}
		}
	}
	if len(f.phrases) == 0 {
		return FilterResult{}
	}
	joined := " " + strings.Join(tokens, " ") + " "
	for _, phrase := range f.phrases {
		if strings.Contains(joined, " "+phrase+" ") {
			return FilterResult{Blocked: true, Reason: ReasonBlockedKeyword, Term: phrase}
		}
	}
	return FilterResult{}
}

// tokenizePlain lowercases text and splits it on anything that is not a
// letter or digit.
func tokenizePlain(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenizeLeet is like tokenizePlain but keeps the symbols used as letter
// substitutes.
func tokenizeLeet(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		if r == '@' || r == '$' || r == '!' {
			return false
		}
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalizeLeet(token string) string {
	return leet.Replace(token)
}
