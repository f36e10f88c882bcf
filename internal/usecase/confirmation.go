package usecase

import (
	"regexp"
	"strings"
)

// ConfirmationMatcher decides whether a piece of text confirms a concrete
// visit slot. The scheduler requires an independent match on the client's
// message AND on its own reply before handing off to follow-up.
//
// The default keyword heuristic is tuned to Chilean Spanish phrasing and is
// deliberately replaceable; treat it as approximate, not load-bearing.
type ConfirmationMatcher interface {
	Confirmed(text string) bool
}

var defaultConfirmationPatterns = []string{
	`(?i)\bconfirm`, // confirmo, confirmado, confirmada
	`(?i)me acomoda`,
	`(?i)me sirve`,
	`(?i)me viene bien`,
	`(?i)est[áa] bien el`,
	`(?i)de acuerdo`,
	`(?i)quedamos (el|a las|para)`,
	`(?i)agendad[oa]`,
	`(?i)reservad[oa]`,
	`(?i)nos vemos el`,
}

// RegexConfirmationMatcher matches confirmation phrasing sentence by
// sentence. A sentence containing a question mark proposes, it does not
// confirm, so clarifying questions never count.
type RegexConfirmationMatcher struct {
	patterns []*regexp.Regexp
}

// NewConfirmationMatcher compiles the default Spanish confirmation patterns.
func NewConfirmationMatcher() *RegexConfirmationMatcher {
	return newRegexMatcher(defaultConfirmationPatterns)
}

func newRegexMatcher(patterns []string) *RegexConfirmationMatcher {
	m := &RegexConfirmationMatcher{patterns: make([]*regexp.Regexp, 0, len(patterns))}
	for _, p := range patterns {
		m.patterns = append(m.patterns, regexp.MustCompile(p))
	}
	return m
}

func (m *RegexConfirmationMatcher) Confirmed(text string) bool {
	for _, sentence := range splitSentences(text) {
		if strings.ContainsAny(sentence, "?¿") {
			continue
		}
		for _, re := range m.patterns {
			if re.MatchString(sentence) {
				return true
			}
		}
	}
	return false
}

func splitSentences(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		switch r {
		case '.', '!', '¡', '\n':
			return true
		}
		return false
	})
}
