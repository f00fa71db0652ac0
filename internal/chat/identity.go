// Package chat implements the conversation state machine: the turn list,
// the per-turn identity list kept in lockstep with it, and the controller
// that sequences user actions around streaming generations.
package chat

import (
	"github.com/google/uuid"

	"kaiwa/internal/domain"
)

// Reconcile restores the identity-list invariant after the turn list was
// mutated by any action. It is pure: the input slice is never modified, and
// identifiers for unchanged turns are preserved.
//
// After it returns, len(ids) == len(turns) and ids[i].Assistant is empty
// exactly when turns[i] is still awaiting its reply. Completeness, not
// message content, is the signal: a streaming turn receives many in-place
// content updates, and its assistant id must be allocated exactly once, on
// the first transition from empty to non-empty.
func Reconcile(turns []domain.Turn, ids []domain.IdentityPair) []domain.IdentityPair {
	out := make([]domain.IdentityPair, len(ids), max(len(ids), len(turns)))
	copy(out, ids)

	switch {
	case len(turns) > len(ids):
		// The list grew: new turns were appended. A freshly appended turn
		// that already has its reply (an undo jumped over an awaiting turn)
		// has no identifiers to recover, so both are newly generated.
		for _, t := range turns[len(ids):] {
			if t.Awaiting() {
				out = append(out, domain.IdentityPair{User: uuid.NewString()})
			} else {
				out = append(out, domain.IdentityPair{User: uuid.NewString(), Assistant: uuid.NewString()})
			}
		}

	case len(turns) < len(ids):
		// The list shrank: undo or retry popped trailing turns. Leading
		// identifiers survive, trailing ones are dropped.
		out = out[:len(turns)]

	default:
		// Same length: an in-place edit may have flipped a turn's
		// completeness. Only the awaiting state of the last turn can
		// legitimately change, but the scan covers every position.
		for i, t := range turns {
			switch {
			case !t.Awaiting() && out[i].Assistant == "":
				out[i] = domain.IdentityPair{User: out[i].User, Assistant: uuid.NewString()}
			case t.Awaiting() && out[i].Assistant != "":
				out[i] = domain.IdentityPair{User: out[i].User}
			}
		}
	}

	return out
}
