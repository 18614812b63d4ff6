package moderation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatcher_ExactWordBoundaries(t *testing.T) {
	m := newMatcher([]string{"badword"}, nil)

	tests := []struct {
		message string
		hit     bool
	}{
		{"this has badword inside", true},
		{"BADWORD shouted", true},
		{"badword", true},
		{"notbadword", false},
		{"badwordy", false},
		{"bad word", false},
	}
	for _, tt := range tests {
		_, hit := m.Match(tt.message)
		assert.Equal(t, tt.hit, hit, "message %q", tt.message)
	}
}

func TestMatcher_EvasionVariants(t *testing.T) {
	m := newMatcher([]string{"badword"}, nil)

	tests := []struct {
		name    string
		message string
	}{
		{"spaced", "say b a d w o r d now"},
		{"dotted", "say b.a.d.w.o.r.d now"},
		{"vowel star", "say b*dw*rd now"},
		{"leet", "say b4dw0rd now"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			word, hit := m.Match(tt.message)
			assert.True(t, hit)
			assert.Equal(t, "badword", word)
		})
	}
}

func TestMatcher_PhrasesMatchExactOnly(t *testing.T) {
	m := newMatcher(nil, []string{"bad phrase"})

	_, hit := m.Match("that is a bad phrase indeed")
	assert.True(t, hit)

	// No evasion derivatives for multi-token words.
	_, hit = m.Match("b a d p h r a s e")
	assert.False(t, hit)
}

func TestMatcher_UnionDedupAndValidation(t *testing.T) {
	m := newMatcher(
		[]string{"Alpha", "beta", ""},
		[]string{"BETA", "gamma", "in<valid>", "  alpha  "},
	)

	assert.Equal(t, []string{"alpha", "beta", "gamma"}, m.words)

	_, hit := m.Match("contains in<valid> token")
	assert.False(t, hit)
}

func TestMatcher_EmptyListMatchesNothing(t *testing.T) {
	m := newMatcher(nil, nil)
	_, hit := m.Match("anything at all")
	assert.False(t, hit)

	var nilMatcher *matcher
	_, hit = nilMatcher.Match("anything")
	assert.False(t, hit)
}
