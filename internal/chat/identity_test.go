package chat

import (
	"testing"

	"kaiwa/internal/domain"
)

func checkLockstep(t *testing.T, turns []domain.Turn, ids []domain.IdentityPair) {
	t.Helper()
	if len(ids) != len(turns) {
		t.Fatalf("identity list length %d, turn list length %d", len(ids), len(turns))
	}
	for i := range turns {
		if turns[i].Awaiting() != (ids[i].Assistant == "") {
			t.Fatalf("position %d: turn awaiting=%v but assistant id %q", i, turns[i].Awaiting(), ids[i].Assistant)
		}
		if ids[i].User == "" {
			t.Fatalf("position %d: missing user id", i)
		}
	}
}

func TestReconcileGrowsWithAwaitingTurn(t *testing.T) {
	t.Parallel()

	turns := []domain.Turn{{User: "hello"}}
	ids := Reconcile(turns, nil)
	checkLockstep(t, turns, ids)
}

func TestReconcileGrowsWithCompletedTurn(t *testing.T) {
	t.Parallel()

	// An undo can jump over an awaiting turn, so the next append may
	// already carry its reply. Both ids must be freshly generated.
	turns := []domain.Turn{{User: "a", Assistant: "A"}}
	ids := Reconcile(turns, nil)
	checkLockstep(t, turns, ids)
	if ids[0].Assistant == "" {
		t.Fatal("expected a fresh assistant id for a completed turn")
	}
}

func TestReconcileTruncatesPreservingLeadingIDs(t *testing.T) {
	t.Parallel()

	turns := []domain.Turn{
		{User: "a", Assistant: "A"},
		{User: "b", Assistant: "B"},
	}
	ids := Reconcile(turns, nil)

	popped := turns[:1]
	got := Reconcile(popped, ids)
	checkLockstep(t, popped, got)
	if got[0] != ids[0] {
		t.Fatalf("leading identity changed across truncation: %+v != %+v", got[0], ids[0])
	}
}

func TestReconcileAssignsAssistantIDOnceOnCompletion(t *testing.T) {
	t.Parallel()

	turns := []domain.Turn{{User: "hello"}}
	ids := Reconcile(turns, nil)
	userID := ids[0].User

	// Repeated in-place streaming updates must not reassign either id.
	var assistantID string
	for _, partial := range []string{"H", "He", "Hel", "Hello there"} {
		turns[0].Assistant = partial
		ids = Reconcile(turns, ids)
		checkLockstep(t, turns, ids)
		if ids[0].User != userID {
			t.Fatalf("user id changed during streaming: %q != %q", ids[0].User, userID)
		}
		if assistantID == "" {
			assistantID = ids[0].Assistant
		} else if ids[0].Assistant != assistantID {
			t.Fatalf("assistant id changed during streaming: %q != %q", ids[0].Assistant, assistantID)
		}
	}
}

func TestReconcileResetsAssistantIDWhenReplyRemoved(t *testing.T) {
	t.Parallel()

	turns := []domain.Turn{{User: "a", Assistant: "A"}}
	ids := Reconcile(turns, nil)
	userID := ids[0].User

	turns[0].Assistant = ""
	got := Reconcile(turns, ids)
	checkLockstep(t, turns, got)
	if got[0].User != userID {
		t.Fatalf("user id changed on completeness reset: %q != %q", got[0].User, userID)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	t.Parallel()

	turns := []domain.Turn{
		{User: "a", Assistant: "A"},
		{User: "b"},
	}
	first := Reconcile(turns, nil)
	second := Reconcile(turns, first)

	if len(first) != len(second) {
		t.Fatalf("length changed: %d != %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("position %d changed without a turn mutation: %+v != %+v", i, first[i], second[i])
		}
	}
}

func TestReconcileDoesNotMutateInput(t *testing.T) {
	t.Parallel()

	turns := []domain.Turn{{User: "a", Assistant: "A"}, {User: "b"}}
	ids := Reconcile(turns, nil)
	before := make([]domain.IdentityPair, len(ids))
	copy(before, ids)

	turns[1].Assistant = "B"
	_ = Reconcile(turns, ids)

	for i := range ids {
		if ids[i] != before[i] {
			t.Fatalf("input identity list mutated at %d: %+v != %+v", i, ids[i], before[i])
		}
	}
}
