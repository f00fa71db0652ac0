package chat

import "context"

// Gate bounds the number of generations running at once across all
// sessions. It is the only process-wide shared resource of the chat
// pipeline. A nil Gate admits everything.
type Gate struct {
	slots chan struct{}
}

// NewGate creates a gate admitting at most n simultaneous generations.
func NewGate(n int) *Gate {
	if n <= 0 {
		return nil
	}
	return &Gate{slots: make(chan struct{}, n)}
}

// Acquire blocks until a slot is free or ctx is cancelled.
func (g *Gate) Acquire(ctx context.Context) error {
	if g == nil {
		return nil
	}
	select {
	case g.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot taken by Acquire.
func (g *Gate) Release() {
	if g == nil {
		return
	}
	<-g.slots
}
