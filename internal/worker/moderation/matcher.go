package moderation

import (
	"regexp"
	"sort"
	"strings"

	"github.com/chatwarden/chatwarden/internal/wire"
)

// compiledWord holds the patterns derived from one banned word. The
// exact word-boundary pattern wins over the evasion patterns.
type compiledWord struct {
	exact   *regexp.Regexp
	evasion []*regexp.Regexp
}

var leetClasses = map[rune]string{
	'a': "[a4]",
	'e': "[e3]",
	'i': "[i1]",
	'o': "[o0]",
	's': "[s5]",
}

var vowels = map[rune]bool{'a': true, 'e': true, 'i': true, 'o': true, 'u': true}

// compileWord builds the pattern set for a single lowercased word.
// Words are pre-filtered by wire.ValidWord, so every pattern here is a
// bounded literal derivative: no lookarounds, no nested quantifiers,
// no unbounded wildcards.
func compileWord(word string) (*compiledWord, error) {
	exact, err := regexp.Compile(`\b` + regexp.QuoteMeta(word) + `\b`)
	if err != nil {
		return nil, err
	}
	cw := &compiledWord{exact: exact}

	// Evasion variants only make sense for plain letter runs; a phrase
	// with spaces or punctuation already fails them trivially.
	if !isLetterRun(word) {
		return cw, nil
	}

	runes := []rune(word)

	spaced := make([]string, len(runes))
	dotted := make([]string, len(runes))
	var starred strings.Builder
	var leet strings.Builder
	for i, r := range runes {
		q := regexp.QuoteMeta(string(r))
		spaced[i] = q
		dotted[i] = q
		if vowels[r] {
			starred.WriteString(`\*`)
		} else {
			starred.WriteString(q)
		}
		if class, ok := leetClasses[r]; ok {
			leet.WriteString(class)
		} else {
			leet.WriteString(q)
		}
	}

	for _, expr := range []string{
		`\b` + strings.Join(spaced, `\s+`) + `\b`,
		`\b` + strings.Join(dotted, `\.+`) + `\b`,
		`\b` + starred.String(),
		`\b` + leet.String() + `\b`,
	} {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, err
		}
		cw.evasion = append(cw.evasion, re)
	}
	return cw, nil
}

func isLetterRun(word string) bool {
	for _, r := range word {
		if r == ' ' || r == '-' || r == '_' || r == '\'' || r == '.' || r == '!' || r == '?' {
			return false
		}
	}
	return true
}

// matcher is the per-entity compiled banned-word set.
type matcher struct {
	words    []string
	patterns map[string]*compiledWord
}

// newMatcher builds the effective word list for an entity: the union of
// preset and custom words, lowercased, validated and de-duplicated.
func newMatcher(presetWords, customWords []string) *matcher {
	seen := make(map[string]bool)
	var words []string
	for _, w := range append(append([]string{}, presetWords...), customWords...) {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" || seen[w] || !wire.ValidWord(w) {
			continue
		}
		seen[w] = true
		words = append(words, w)
	}
	sort.Strings(words)

	m := &matcher{words: words, patterns: make(map[string]*compiledWord, len(words))}
	for _, w := range words {
		if cw, err := compileWord(w); err == nil {
			m.patterns[w] = cw
		}
	}
	return m
}

// Match returns the first banned word found in the message, trying the
// exact pattern before the evasion patterns for each word.
func (m *matcher) Match(message string) (string, bool) {
	if m == nil || len(m.words) == 0 {
		return "", false
	}
	lowered := strings.ToLower(message)

	for _, w := range m.words {
		cw := m.patterns[w]
		if cw == nil {
			continue
		}
		if cw.exact.MatchString(lowered) {
			return w, true
		}
		for _, re := range cw.evasion {
			if re.MatchString(lowered) {
				return w, true
			}
		}
	}
	return "", false
}
