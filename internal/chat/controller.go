package chat

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"kaiwa/internal/audit"
	"kaiwa/internal/domain"
	"kaiwa/internal/generate"
)

// Params carries the per-request generation settings from the details panel.
// A zero Sampling falls back to the defaults; an empty SystemPrompt falls
// back to the controller's default.
type Params struct {
	SystemPrompt string
	Sampling     generate.SamplingConfig
}

// Options configures a Controller.
type Options struct {
	SystemPrompt   string
	MaxInputTokens int
	Gate           *Gate
	Logger         *slog.Logger
}

// Controller owns the state of one chat session and sequences the five user
// actions over it. Every action runs validation, turn-list mutation,
// identity reconciliation, audit emission, and (for submit/retry) the
// streaming generation, in that order. Actions on one controller are
// serialized by its mutex; a new action supersedes any generation still
// streaming, whose remaining partial updates are then discarded.
type Controller struct {
	gen            generate.Generator
	sink           audit.Sink
	gate           *Gate
	logger         *slog.Logger
	systemPrompt   string
	maxInputTokens int

	mu     sync.Mutex
	turns  []domain.Turn
	ids    []domain.IdentityPair
	draft  string
	seq    uint64
	cancel context.CancelFunc
}

// NewController creates a controller for a fresh, empty conversation.
func NewController(gen generate.Generator, sink audit.Sink, opts Options) *Controller {
	if sink == nil {
		sink = audit.NopSink{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxInputTokens <= 0 {
		opts.MaxInputTokens = 4000
	}
	return &Controller{
		gen:            gen,
		sink:           sink,
		gate:           opts.Gate,
		logger:         opts.Logger,
		systemPrompt:   opts.SystemPrompt,
		maxInputTokens: opts.MaxInputTokens,
	}
}

// Submit runs the full submit pipeline for message and streams back the
// assistant response. Each yielded string is the response so far. The first
// yield carries any validation error; validation failures leave the
// conversation untouched.
func (c *Controller) Submit(ctx context.Context, message string, p Params) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		c.run(ctx, message, p, yield)
	}
}

// Retry pops the last turn and re-submits its user message, streaming the
// new response. On an empty conversation the popped message is empty and the
// pipeline aborts in validation, mirroring a submit of a blank input.
func (c *Controller) Retry(ctx context.Context, p Params) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		message := c.pop()
		c.run(ctx, message, p, yield)
	}
}

// Undo pops the last turn and returns its user message as an editable
// draft. Any in-flight generation is abandoned.
func (c *Controller) Undo() string {
	return c.pop()
}

// Clear resets the conversation. Any in-flight generation is abandoned.
func (c *Controller) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.supersedeLocked()
	c.turns = nil
	c.ids = Reconcile(c.turns, c.ids)
	c.draft = ""
}

// pop removes the last turn, reconciles, and stores its user message as the
// draft. Popping an empty conversation yields an empty draft.
func (c *Controller) pop() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.supersedeLocked()

	message := ""
	if n := len(c.turns); n > 0 {
		message = c.turns[n-1].User
		c.turns = c.turns[:n-1]
	}
	c.ids = Reconcile(c.turns, c.ids)
	c.draft = message
	return message
}

// run is the shared validate → append → generate pipeline behind Submit and
// Retry.
func (c *Controller) run(ctx context.Context, message string, p Params, yield func(string, error) bool) {
	if strings.TrimSpace(message) == "" {
		yield("", ErrEmptyInput)
		return
	}
	if p.Sampling == (generate.SamplingConfig{}) {
		p.Sampling = generate.DefaultSamplingConfig()
	}
	if err := p.Sampling.Validate(); err != nil {
		yield("", fmt.Errorf("%w: %w", ErrInvalidSampling, err))
		return
	}
	systemPrompt := p.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = c.systemPrompt
	}

	history := c.Turns()
	count, err := c.gen.CountTokens(ctx, message, history, systemPrompt)
	if err != nil {
		yield("", fmt.Errorf("token length check failed: %w", err))
		return
	}
	if count > c.maxInputTokens {
		yield("", &InputTooLongError{Count: count, Limit: c.maxInputTokens})
		return
	}

	// Validation passed: mutate, reconcile, and log the user message.
	genCtx, seq := c.append(ctx, message)
	defer c.finish(seq)
	c.emitLast()

	if err := c.gate.Acquire(genCtx); err != nil {
		yield("", fmt.Errorf("generation queue: %w", err))
		return
	}
	defer c.gate.Release()

	req := generate.Request{
		Message:      message,
		History:      history,
		SystemPrompt: systemPrompt,
		Sampling:     p.Sampling,
	}
	var last string
	for partial, err := range c.gen.Generate(genCtx, req) {
		if err != nil {
			// The turn keeps whatever partial content already arrived.
			yield(last, err)
			return
		}
		if !c.applyPartial(seq, partial) {
			// A newer action replaced the turn list; stop silently.
			return
		}
		last = partial
		if !yield(partial, nil) {
			return
		}
	}
}

// append begins a new action: it supersedes any in-flight generation,
// appends the awaiting turn, and reconciles. The returned context is
// cancelled by the next action on this session.
func (c *Controller) append(ctx context.Context, message string) (context.Context, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.supersedeLocked()

	genCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.turns = append(c.turns, domain.Turn{User: message})
	c.ids = Reconcile(c.turns, c.ids)
	c.draft = ""
	return genCtx, c.seq
}

// supersedeLocked invalidates any generation still streaming for an earlier
// action. Callers must hold c.mu.
func (c *Controller) supersedeLocked() {
	c.seq++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// applyPartial replaces the last turn's assistant message with the
// accumulated partial response, unless a newer action has superseded this
// generation.
func (c *Controller) applyPartial(seq uint64, partial string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq != c.seq || len(c.turns) == 0 {
		return false
	}
	c.turns[len(c.turns)-1].Assistant = partial
	return true
}

// finish reconciles and logs the assistant reply once the stream has ended,
// whether it completed or failed partway. Reconciliation happens here, not
// per chunk, so exactly one assistant record is emitted per generation.
func (c *Controller) finish(seq uint64) {
	c.mu.Lock()
	if seq != c.seq {
		c.mu.Unlock()
		return
	}
	c.ids = Reconcile(c.turns, c.ids)
	replied := len(c.turns) > 0 && !c.turns[len(c.turns)-1].Awaiting()
	c.mu.Unlock()

	// A generation that produced nothing leaves the turn awaiting; the user
	// record was already emitted, so there is nothing new to log.
	if replied {
		c.emitLast()
	}
}

// emitLast derives and records the audit entry for the latest transition.
// Audit is best-effort: failures are logged and swallowed.
func (c *Controller) emitLast() {
	c.mu.Lock()
	rec, ok := audit.LastRecord(c.turns, c.ids, time.Now())
	c.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.sink.Record(ctx, rec); err != nil {
		c.logger.Warn("failed to record audit entry", "record_id", rec.RecordID, "role", rec.Role, "error", err)
	}
}

// Turns returns a copy of the current turn list.
func (c *Controller) Turns() []domain.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// Draft returns the message returned to the input box by the last undo.
func (c *Controller) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// Transcript renders the current conversation as screenshot-ready text.
func (c *Controller) Transcript() string {
	return domain.Transcript(c.Turns())
}

// Snapshot returns copies of the full session state for persistence.
func (c *Controller) Snapshot() (turns []domain.Turn, ids []domain.IdentityPair, draft string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	turns = make([]domain.Turn, len(c.turns))
	copy(turns, c.turns)
	ids = make([]domain.IdentityPair, len(c.ids))
	copy(ids, c.ids)
	return turns, ids, c.draft
}

// Restore replaces the session state from a persisted snapshot. The identity
// list is reconciled against the turns so a snapshot taken mid-stream heals
// itself.
func (c *Controller) Restore(turns []domain.Turn, ids []domain.IdentityPair, draft string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.supersedeLocked()
	c.turns = make([]domain.Turn, len(turns))
	copy(c.turns, turns)
	c.ids = Reconcile(c.turns, ids)
	c.draft = draft
}
