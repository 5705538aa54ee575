// Package actorsys is the harness's lightweight actor emulation: a
// mailbox per component, processed one message at a time by a single
// goroutine, plus a supervisor that restarts a crashed child under a
// bounded policy. It replaces cyclic/bidirectional object references and
// coroutine-style async control flow with message-address handles and
// explicit mailbox sends.
//
// A Ref is a send-only handle — the Go analogue of an actor address —
// and is the only way components reference each other. There is
// deliberately no way to reach back into another actor's state from
// outside its own goroutine.
package actorsys

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/CrisisTextLine/kafka-harness/internal/obslog"
)

// ErrMailboxClosed is returned by Send when the target actor has already
// stopped.
var ErrMailboxClosed = errors.New("actorsys: mailbox closed")

// ErrMailboxFull is returned by TrySend when the mailbox's buffer is
// saturated (used for the producer streaming worker's back-pressure).
var ErrMailboxFull = errors.New("actorsys: mailbox full")

// Ref is a send-only handle onto a running actor's mailbox.
type Ref[M any] struct {
	ch     chan M
	closed *int32Flag
}

type int32Flag struct {
	mu sync.RWMutex
	v  bool
}

func (f *int32Flag) get() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.v
}

func (f *int32Flag) set() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.v = true
}

// Send enqueues msg, blocking until the mailbox has room or ctx is done.
func (r Ref[M]) Send(ctx context.Context, msg M) error {
	if r.closed.get() {
		return ErrMailboxClosed
	}
	select {
	case r.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend enqueues msg without blocking; it returns ErrMailboxFull if the
// buffer is saturated and ErrMailboxClosed if the actor has stopped.
func (r Ref[M]) TrySend(msg M) error {
	if r.closed.get() {
		return ErrMailboxClosed
	}
	select {
	case r.ch <- msg:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Handler processes one message. The mailbox loop ignores a returned
// error and goes on to the next message; the error neither stops nor
// restarts the actor.
type Handler[M any] func(ctx context.Context, msg M) error

// Mailbox is the concrete, owning side of an actor: the goroutine that
// drains its channel and invokes Handler for each message, honoring
// cooperative Stop.
type Mailbox[M any] struct {
	ch       chan M
	stop     chan struct{}
	done     chan struct{}
	closed   *int32Flag
	handler  Handler[M]
	onStop   func()
}

// Spawn starts a new actor with the given buffered mailbox capacity and
// handler, and returns a Ref other actors use to send it messages. The
// returned stop function requests cooperative shutdown and blocks until
// the actor's loop has exited.
func Spawn[M any](ctx context.Context, capacity int, handler Handler[M]) (Ref[M], func()) {
	return SpawnWithStop(ctx, capacity, handler, nil)
}

// SpawnWithStop is Spawn plus an onStop hook invoked once, after the loop
// exits, for final cleanup (closing owned clients, releasing resources).
func SpawnWithStop[M any](ctx context.Context, capacity int, handler Handler[M], onStop func()) (Ref[M], func()) {
	mb := &Mailbox[M]{
		ch:      make(chan M, capacity),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		closed:  &int32Flag{},
		handler: handler,
		onStop:  onStop,
	}
	go mb.run(ctx)

	ref := Ref[M]{ch: mb.ch, closed: mb.closed}
	stopFn := func() {
		select {
		case <-mb.stop:
		default:
			close(mb.stop)
		}
		<-mb.done
	}
	return ref, stopFn
}

func (mb *Mailbox[M]) run(ctx context.Context) {
	defer func() {
		mb.closed.set()
		if mb.onStop != nil {
			mb.onStop()
		}
		close(mb.done)
	}()
	for {
		select {
		case <-mb.stop:
			return
		case <-ctx.Done():
			return
		case msg := <-mb.ch:
			// Errors returned by the handler are discarded, not
			// control flow: the mailbox loop never retries or stops
			// on them.
			_ = mb.handler(ctx, msg)
		}
	}
}

// RestartPolicy bounds how many times Supervise restarts a crashed actor
// within a rolling window before giving up and invoking onExhausted.
type RestartPolicy struct {
	MaxRestarts int
	Window      time.Duration
}

// Supervise runs factory in a loop: factory starts a child actor and
// returns a function that blocks until that child terminates (by a
// panic being recovered, or by returning from its own run loop because
// of a fatal, unrecoverable condition). If the child terminates more
// than MaxRestarts times within Window, onExhausted is invoked and
// supervision stops. logger may be nil; when set, a recovered child
// panic is logged through it rather than silently discarded.
func Supervise(ctx context.Context, policy RestartPolicy, factory func(ctx context.Context) (awaitTermination func()), onExhausted func(restarts int), logger obslog.VerboseLogger) {
	var restarts []time.Time
	for {
		childCtx, cancel := context.WithCancel(ctx)
		terminated := make(chan struct{})
		go func() {
			defer close(terminated)
			defer func() {
				if r := recover(); r != nil && logger != nil {
					logger.Debug("actorsys: supervised child panicked", "panic", r)
				}
			}()
			await := factory(childCtx)
			await()
		}()

		select {
		case <-ctx.Done():
			cancel()
			return
		case <-terminated:
			cancel()
		}

		now := time.Now()
		restarts = append(restarts, now)
		cutoff := now.Add(-policy.Window)
		kept := restarts[:0]
		for _, t := range restarts {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		restarts = kept

		if len(restarts) > policy.MaxRestarts {
			if onExhausted != nil {
				onExhausted(len(restarts))
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}
