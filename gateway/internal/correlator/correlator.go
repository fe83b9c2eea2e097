// Package correlator matches device replies to the requests the gateway sent,
// keyed by request identifier.
//
// A request is registered before the message carrying its identifier is sent, so a
// reply that arrives immediately is never lost. Each registration moves once from
// Pending to Fulfilled, TimedOut or Cancelled and is removed from the table on that
// transition.
package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

var (
	ErrTimeout          = errors.New("timed out waiting for device response")
	ErrDuplicateRequest = errors.New("request already pending")
)

// State is the lifecycle state of a registration.
type State int

const (
	Pending State = iota
	Fulfilled
	TimedOut
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Fulfilled:
		return "fulfilled"
	case TimedOut:
		return "timed_out"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

type mode int

const (
	modeOnce mode = iota
	modeCollect
)

type registration struct {
	id        string
	mode      mode
	state     State
	done      chan struct{} // closed on the first delivery of a single-fire wait
	payload   json.RawMessage
	collected []json.RawMessage
}

// Correlator holds the pending request table.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*registration
}

func New() *Correlator {
	return &Correlator{pending: make(map[string]*registration)}
}

// Pending returns the number of live registrations.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) register(id string, m mode) (*registration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pending[id]; exists {
		return nil, ErrDuplicateRequest
	}
	reg := &registration{id: id, mode: m, state: Pending, done: make(chan struct{})}
	c.pending[id] = reg
	return reg, nil
}

// finish moves reg to a terminal state and removes it from the table. It reports
// false when reg already left Pending.
func (c *Correlator) finish(reg *registration, to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finishLocked(reg, to)
}

func (c *Correlator) finishLocked(reg *registration, to State) bool {
	if reg.state != Pending {
		return false
	}
	reg.state = to
	if c.pending[reg.id] == reg {
		delete(c.pending, reg.id)
	}
	return true
}

// Deliver hands a device reply to the registration waiting on requestID. It returns
// false when nothing is waiting, which is the case for late or unknown replies.
func (c *Correlator) Deliver(requestID string, payload json.RawMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	reg, ok := c.pending[requestID]
	if !ok {
		return false
	}
	switch reg.mode {
	case modeOnce:
		reg.payload = payload
		c.finishLocked(reg, Fulfilled)
		close(reg.done)
	case modeCollect:
		reg.collected = append(reg.collected, payload)
	}
	return true
}

// Waiter is a registered single-fire wait.
type Waiter struct {
	c   *Correlator
	reg *registration
}

// Expect registers a single-fire wait for requestID.
func (c *Correlator) Expect(requestID string) (*Waiter, error) {
	reg, err := c.register(requestID, modeOnce)
	if err != nil {
		return nil, err
	}
	return &Waiter{c: c, reg: reg}, nil
}

// Wait blocks until the reply arrives, the timeout elapses (ErrTimeout) or ctx is
// done (ctx.Err()).
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration) (json.RawMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.reg.done:
		return w.result(), nil
	case <-timer.C:
		if !w.c.finish(w.reg, TimedOut) {
			return w.result(), nil
		}
		return nil, ErrTimeout
	case <-ctx.Done():
		if !w.c.finish(w.reg, Cancelled) {
			return w.result(), nil
		}
		return nil, ctx.Err()
	}
}

// Cancel abandons the wait. It is a no-op once the wait has finished.
func (w *Waiter) Cancel() {
	w.c.finish(w.reg, Cancelled)
}

// State returns the registration's current state.
func (w *Waiter) State() State {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	return w.reg.state
}

func (w *Waiter) result() json.RawMessage {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	return w.reg.payload
}

// Collector is a registered multi-fire wait.
type Collector struct {
	c   *Correlator
	reg *registration
}

// Collect registers a collector for requestID.
func (c *Correlator) Collect(requestID string) (*Collector, error) {
	reg, err := c.register(requestID, modeCollect)
	if err != nil {
		return nil, err
	}
	return &Collector{c: c, reg: reg}, nil
}

// Wait gathers replies for the whole window and returns them in arrival order. When
// ctx ends first it returns what was gathered so far together with ctx.Err().
func (col *Collector) Wait(ctx context.Context, window time.Duration) ([]json.RawMessage, error) {
	timer := time.NewTimer(window)
	defer timer.Stop()

	select {
	case <-timer.C:
		return col.drain(Fulfilled), nil
	case <-ctx.Done():
		return col.drain(Cancelled), ctx.Err()
	}
}

// Cancel abandons the collection. It is a no-op once the collection has finished.
func (col *Collector) Cancel() {
	col.c.finish(col.reg, Cancelled)
}

func (col *Collector) drain(to State) []json.RawMessage {
	col.c.mu.Lock()
	defer col.c.mu.Unlock()
	col.c.finishLocked(col.reg, to)
	out := make([]json.RawMessage, len(col.reg.collected))
	copy(out, col.reg.collected)
	return out
}

// AwaitOnce registers requestID and waits for its first reply.
func (c *Correlator) AwaitOnce(ctx context.Context, requestID string, timeout time.Duration) (json.RawMessage, error) {
	w, err := c.Expect(requestID)
	if err != nil {
		return nil, err
	}
	return w.Wait(ctx, timeout)
}

// CollectForWindow registers requestID and gathers every reply received during window.
func (c *Correlator) CollectForWindow(ctx context.Context, requestID string, window time.Duration) ([]json.RawMessage, error) {
	col, err := c.Collect(requestID)
	if err != nil {
		return nil, err
	}
	return col.Wait(ctx, window)
}
