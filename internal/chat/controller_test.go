package chat

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"kaiwa/internal/audit"
	"kaiwa/internal/domain"
	"kaiwa/internal/generate"
)

// fakeGenerator yields a scripted sequence of cumulative chunks. An optional
// gate channel makes it pause before each chunk after the first, so tests
// can interleave user actions with a stream in flight.
type fakeGenerator struct {
	chunks    []string
	streamErr error
	tokens    int
	tokensErr error
	gate      chan struct{}
}

func (f *fakeGenerator) Generate(ctx context.Context, _ generate.Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for i, chunk := range f.chunks {
			if i > 0 && f.gate != nil {
				select {
				case <-f.gate:
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
		if f.streamErr != nil {
			yield("", f.streamErr)
		}
	}
}

func (f *fakeGenerator) CountTokens(context.Context, string, []domain.Turn, string) (int, error) {
	return f.tokens, f.tokensErr
}

func (f *fakeGenerator) Close() {}

// memSink collects records in memory.
type memSink struct {
	mu   sync.Mutex
	recs []audit.Record
}

func (s *memSink) Record(_ context.Context, rec audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func (s *memSink) Close() error { return nil }

func (s *memSink) records() []audit.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.Record, len(s.recs))
	copy(out, s.recs)
	return out
}

func drain(t *testing.T, seq iter.Seq2[string, error]) (string, error) {
	t.Helper()
	var last string
	for chunk, err := range seq {
		if err != nil {
			return last, err
		}
		last = chunk
	}
	return last, nil
}

func TestSubmitStreamsAndCompletesTurn(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{chunks: []string{"Hi", "Hi there"}, tokens: 10}
	sink := &memSink{}
	c := NewController(gen, sink, Options{})

	var seen []string
	for chunk, err := range c.Submit(context.Background(), "hello", Params{}) {
		if err != nil {
			t.Fatalf("unexpected stream error: %v", err)
		}
		seen = append(seen, chunk)
		turns := c.Turns()
		if len(turns) != 1 || turns[0].User != "hello" || turns[0].Assistant != chunk {
			t.Fatalf("turn list out of step with stream: %+v vs chunk %q", turns, chunk)
		}
	}
	if len(seen) != 2 || seen[1] != "Hi there" {
		t.Fatalf("unexpected chunks: %v", seen)
	}

	turns, ids, _ := c.Snapshot()
	checkLockstep(t, turns, ids)
	if turns[0].Assistant != "Hi there" {
		t.Fatalf("final assistant message = %q", turns[0].Assistant)
	}

	recs := sink.records()
	if len(recs) != 2 {
		t.Fatalf("expected user and assistant audit records, got %d", len(recs))
	}
	if recs[0].Role != audit.RoleUser || recs[0].Message != "hello" {
		t.Fatalf("unexpected user record: %+v", recs[0])
	}
	if recs[1].Role != audit.RoleAssistant || recs[1].Message != "Hi there" {
		t.Fatalf("unexpected assistant record: %+v", recs[1])
	}
	if recs[0].TreeID != recs[1].TreeID {
		t.Fatal("records disagree on conversation tree id")
	}
	if recs[1].ParentID != recs[0].RecordID {
		t.Fatal("assistant record should parent on the user record")
	}
	// The first turn of a conversation parents itself.
	if recs[0].ParentID != recs[0].RecordID {
		t.Fatalf("first user record should be its own parent: %+v", recs[0])
	}
}

func TestSubmitRejectsEmptyInputWithoutMutating(t *testing.T) {
	t.Parallel()

	c := NewController(&fakeGenerator{tokens: 1}, nil, Options{})
	_, err := drain(t, c.Submit(context.Background(), "   \n", Params{}))
	if !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
	if len(c.Turns()) != 0 {
		t.Fatal("turn list mutated by rejected submit")
	}
}

func TestSubmitRejectsOverlongInputWithoutMutating(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{chunks: []string{"x"}, tokens: 5000}
	c := NewController(gen, nil, Options{MaxInputTokens: 4000})

	_, err := drain(t, c.Submit(context.Background(), "long question", Params{}))
	var tooLong *InputTooLongError
	if !errors.As(err, &tooLong) {
		t.Fatalf("expected InputTooLongError, got %v", err)
	}
	if tooLong.Count != 5000 || tooLong.Limit != 4000 {
		t.Fatalf("unexpected error detail: %+v", tooLong)
	}
	if len(c.Turns()) != 0 {
		t.Fatal("turn list mutated by rejected submit")
	}
}

func TestSubmitRejectsOversizedMaxNewTokens(t *testing.T) {
	t.Parallel()

	c := NewController(&fakeGenerator{tokens: 1}, nil, Options{})
	p := Params{Sampling: generate.SamplingConfig{
		MaxNewTokens:      generate.MaxMaxNewTokens + 1,
		Temperature:       1.0,
		TopP:              0.95,
		TopK:              50,
		RepetitionPenalty: 1.0,
	}}
	_, err := drain(t, c.Submit(context.Background(), "hi", p))
	if err == nil {
		t.Fatal("expected a validation error for max_new_tokens over the cap")
	}
	if len(c.Turns()) != 0 {
		t.Fatal("turn list mutated by rejected submit")
	}
}

func TestUndoReturnsDraftAndTruncates(t *testing.T) {
	t.Parallel()

	c := NewController(&fakeGenerator{tokens: 1}, nil, Options{})
	c.Restore([]domain.Turn{
		{User: "a", Assistant: "A"},
		{User: "b", Assistant: "B"},
	}, nil, "")

	draft := c.Undo()
	if draft != "b" {
		t.Fatalf("draft = %q, want %q", draft, "b")
	}
	turns, ids, storedDraft := c.Snapshot()
	if len(turns) != 1 || turns[0].User != "a" {
		t.Fatalf("unexpected turns after undo: %+v", turns)
	}
	checkLockstep(t, turns, ids)
	if storedDraft != "b" {
		t.Fatalf("stored draft = %q", storedDraft)
	}
}

func TestUndoOnEmptyConversation(t *testing.T) {
	t.Parallel()

	c := NewController(&fakeGenerator{tokens: 1}, nil, Options{})
	if draft := c.Undo(); draft != "" {
		t.Fatalf("draft = %q, want empty", draft)
	}
	if len(c.Turns()) != 0 {
		t.Fatal("turn list should stay empty")
	}
}

func TestRetryRegeneratesWithFreshAssistantID(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{chunks: []string{"A"}, tokens: 10}
	c := NewController(gen, nil, Options{})
	if _, err := drain(t, c.Submit(context.Background(), "a", Params{})); err != nil {
		t.Fatalf("seed submit failed: %v", err)
	}
	_, idsBefore, _ := c.Snapshot()

	gen.chunks = []string{"A2"}
	final, err := drain(t, c.Retry(context.Background(), Params{}))
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if final != "A2" {
		t.Fatalf("retry response = %q", final)
	}

	turns, idsAfter, _ := c.Snapshot()
	if len(turns) != 1 || turns[0].User != "a" || turns[0].Assistant != "A2" {
		t.Fatalf("unexpected turns after retry: %+v", turns)
	}
	checkLockstep(t, turns, idsAfter)
	if idsAfter[0].Assistant == idsBefore[0].Assistant {
		t.Fatal("retry must generate a fresh assistant id")
	}
}

func TestRetryOnEmptyConversationAbortsInValidation(t *testing.T) {
	t.Parallel()

	c := NewController(&fakeGenerator{tokens: 1}, nil, Options{})
	_, err := drain(t, c.Retry(context.Background(), Params{}))
	if !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
	if len(c.Turns()) != 0 {
		t.Fatal("turn list should stay empty")
	}
}

func TestClearResetsEverything(t *testing.T) {
	t.Parallel()

	c := NewController(&fakeGenerator{tokens: 1}, nil, Options{})
	c.Restore([]domain.Turn{{User: "a", Assistant: "A"}}, nil, "leftover")

	c.Clear()
	turns, ids, draft := c.Snapshot()
	if len(turns) != 0 || len(ids) != 0 || draft != "" {
		t.Fatalf("clear left state behind: %d turns, %d ids, draft %q", len(turns), len(ids), draft)
	}
}

func TestUndoDuringStreamDiscardsStalePartials(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{
		chunks: []string{"partial", "partial and more"},
		tokens: 10,
		gate:   make(chan struct{}),
	}
	c := NewController(gen, nil, Options{})

	firstChunk := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		first := true
		for range c.Submit(context.Background(), "hello", Params{}) {
			if first {
				close(firstChunk)
				first = false
			}
		}
	}()

	select {
	case <-firstChunk:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first chunk")
	}

	draft := c.Undo()
	if draft != "hello" {
		t.Fatalf("draft = %q, want %q", draft, "hello")
	}
	close(gen.gate)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for superseded stream to stop")
	}

	turns, ids, _ := c.Snapshot()
	if len(turns) != 0 || len(ids) != 0 {
		t.Fatalf("stale partial applied after undo: %+v", turns)
	}
}

func TestGenerationErrorKeepsPartialContent(t *testing.T) {
	t.Parallel()

	streamErr := errors.New("model went away")
	gen := &fakeGenerator{chunks: []string{"partial answer"}, streamErr: streamErr, tokens: 10}
	sink := &memSink{}
	c := NewController(gen, sink, Options{})

	_, err := drain(t, c.Submit(context.Background(), "hello", Params{}))
	if !errors.Is(err, streamErr) {
		t.Fatalf("expected stream error, got %v", err)
	}

	turns, ids, _ := c.Snapshot()
	if len(turns) != 1 || turns[0].Assistant != "partial answer" {
		t.Fatalf("partial content lost: %+v", turns)
	}
	checkLockstep(t, turns, ids)

	// The partially-answered turn still gets its assistant record.
	recs := sink.records()
	if len(recs) != 2 || recs[1].Role != audit.RoleAssistant || recs[1].Message != "partial answer" {
		t.Fatalf("unexpected audit records: %+v", recs)
	}
}

func TestAuditFailureDoesNotAbortPipeline(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{chunks: []string{"answer"}, tokens: 10}
	c := NewController(gen, failingSink{}, Options{})

	final, err := drain(t, c.Submit(context.Background(), "hello", Params{}))
	if err != nil {
		t.Fatalf("pipeline aborted on audit failure: %v", err)
	}
	if final != "answer" {
		t.Fatalf("final response = %q", final)
	}
}

type failingSink struct{}

func (failingSink) Record(context.Context, audit.Record) error {
	return errors.New("upload failed")
}

func (failingSink) Close() error { return nil }

func TestTranscriptIsPureProjection(t *testing.T) {
	t.Parallel()

	c := NewController(&fakeGenerator{tokens: 1}, nil, Options{})
	c.Restore([]domain.Turn{
		{User: "a", Assistant: "A"},
		{User: "b", Assistant: "B"},
	}, nil, "")

	first := c.Transcript()
	second := c.Transcript()
	if first != second {
		t.Fatalf("transcript changed between renders:\n%q\n%q", first, second)
	}
	want := "😃: a<br>🤖: A<br>😃: b<br>🤖: B"
	if first != want {
		t.Fatalf("transcript = %q, want %q", first, want)
	}
}
