// Package domain contains core domain types for the kaiwa chat service.
package domain

import "strings"

// Turn is one conversation exchange: a user message paired with the
// assistant reply produced for it so far. An empty Assistant means the
// reply has not arrived yet; only the last turn of a conversation may be
// in that state.
type Turn struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// Awaiting reports whether the turn is still waiting for its assistant reply.
func (t Turn) Awaiting() bool {
	return t.Assistant == ""
}

// IdentityPair carries the stable identifiers for one turn. Assistant is
// empty exactly while the corresponding turn is awaiting its reply.
type IdentityPair struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// Transcript markers match the original demo's screenshot formatting.
const (
	userMarker      = "😃: "
	assistantMarker = "🤖: "
	transcriptBreak = "<br>"
)

// Transcript renders a turn list as screenshot-ready text: two marker-prefixed
// lines per turn, joined by line breaks. It is a pure projection of its input.
func Transcript(turns []Turn) string {
	parts := make([]string, 0, len(turns)*2)
	for _, t := range turns {
		parts = append(parts, userMarker+t.User)
		parts = append(parts, assistantMarker+t.Assistant)
	}
	return strings.Join(parts, transcriptBreak)
}
