// Package mention finds @-mentions in message bodies and resolves them to
// chat participants.
package mention

import (
	"regexp"
	"strings"

	"relay-chat/internal/domain"

	"github.com/samber/lo"
)

var tokenPattern = regexp.MustCompile(`@([a-zA-Z0-9_\-.]+)`)

// Tokens returns the distinct @-tokens in content, without the @, in order of
// first appearance.
func Tokens(content string) []string {
	matches := tokenPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	tokens := lo.Map(matches, func(m []string, _ int) string { return m[1] })
	return lo.Uniq(tokens)
}

// Matcher decides whether a display name answers to a token.
type Matcher interface {
	Matches(name, token string) bool
}

// NameContains matches when the lowercased name contains the lowercased token.
type NameContains struct{}

func (NameContains) Matches(name, token string) bool {
	return strings.Contains(strings.ToLower(name), strings.ToLower(token))
}

// Resolver turns tokens into the participants they refer to.
type Resolver struct {
	matcher Matcher
}

func NewResolver(m Matcher) *Resolver {
	if m == nil {
		m = NameContains{}
	}
	return &Resolver{matcher: m}
}

// Resolve returns every participant other than authorID whose name matches
// at least one token. Each participant appears once.
func (r *Resolver) Resolve(tokens []string, participants []domain.Participant, authorID int64) []domain.Participant {
	if len(tokens) == 0 {
		return nil
	}
	return lo.UniqBy(lo.Filter(participants, func(p domain.Participant, _ int) bool {
		if p.UserID == authorID || p.User == nil {
			return false
		}
		return lo.SomeBy(tokens, func(token string) bool {
			return r.matcher.Matches(p.User.Name, token)
		})
	}), func(p domain.Participant) int64 { return p.UserID })
}
