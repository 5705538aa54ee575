// Package queue is the QueueCoordinator: it admits tests, spawns one
// TestExecutionFSM per test, enforces the single-in-flight rule
// (invariant I1) via a FIFO over Loaded test ids, and reaps FSMs once
// they terminate (invariant I2).
//
// Like internal/fsm, the coordinator is itself a single-goroutine actor
// processing one message at a time off its own mailbox, serializing
// admission the way a worker-pool coordinator serializes dispatch —
// here with exactly one domain-specific job instead of a generic pool.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/CrisisTextLine/kafka-harness/internal/actorsys"
	"github.com/CrisisTextLine/kafka-harness/internal/config"
	"github.com/CrisisTextLine/kafka-harness/internal/fsm"
	"github.com/CrisisTextLine/kafka-harness/internal/model"
)

// FSMFactory builds and starts a new TestExecutionFSM for testID. It is
// injected so the coordinator never imports fsm.Deps construction
// details directly — those belong to the root supervisor's wiring.
type FSMFactory func(ctx context.Context, testID model.TestID) fsm.Ref

// Coordinator is the QueueCoordinator actor.
type Coordinator struct {
	ref  actorsys.Ref[Msg]
	stop func()
}

// Msg is the sealed message set the Coordinator's mailbox accepts.
type Msg interface{ isQueueMsg() }

// InitializeTestRequest mints a fresh TestId and spawns its FSM.
type InitializeTestRequest struct {
	ReplyTo chan<- model.TestID
}

func (InitializeTestRequest) isQueueMsg() {}

// StartTestRequest routes to the named FSM.
type StartTestRequest struct {
	TestID   model.TestID
	Bucket   string
	TestType string
	ReplyTo  chan<- fsm.StartTestResponse
}

func (StartTestRequest) isQueueMsg() {}

// CancelRequest routes to the named FSM.
type CancelRequest struct {
	TestID  model.TestID
	ReplyTo chan<- fsm.TestCancelledResponse
}

func (CancelRequest) isQueueMsg() {}

// StatusRequest asks for one test's status or, when All is true, a
// snapshot of per-state counts and the test currently in Testing.
type StatusRequest struct {
	TestID  model.TestID
	All     bool
	ReplyTo chan<- StatusResponse
}

func (StatusRequest) isQueueMsg() {}

// StatusResponse carries either a single status or a full snapshot.
type StatusResponse struct {
	Found    bool
	Status   model.TestStatus
	Snapshot model.QueueSnapshot
}

// fsmNotification is the internal message the FSM's Notifier
// implementation forwards back into the coordinator's own mailbox,
// keeping every state mutation single-threaded.
type fsmNotification struct {
	testID model.TestID
	kind    notificationKind
	err     error
}

func (fsmNotification) isQueueMsg() {}

type notificationKind int

const (
	notifyLoading notificationKind = iota
	notifyLoaded
	notifyStarted
	notifyCompleted
	notifyStopping
	notifyException
	notifyTerminated
)

// entry is the coordinator's bookkeeping for one admitted test.
type entry struct {
	ref   fsm.Ref
	state model.FSMState
}

type coordinator struct {
	factory FSMFactory
	policy  config.RestartPolicy

	entries map[model.TestID]*entry
	loadedFIFO []model.TestID
	testingCount int

	selfRef  actorsys.Ref[Msg]
	stopSelf func()

	restartTimes []time.Time
}

// Start builds and runs the QueueCoordinator.
func Start(ctx context.Context, factory FSMFactory, policy config.RestartPolicy) *Coordinator {
	c := &coordinator{
		factory: factory,
		policy:  policy,
		entries: make(map[model.TestID]*entry),
	}
	ref, stop := actorsys.SpawnWithStop(ctx, 256, c.handle, nil)
	c.selfRef = ref
	c.stopSelf = stop
	return &Coordinator{ref: ref, stop: stop}
}

// Stop requests the coordinator's loop to exit.
func (c *Coordinator) Stop() { c.stop() }

// Send forwards msg to the coordinator's mailbox.
func (c *Coordinator) Send(ctx context.Context, msg Msg) error { return c.ref.Send(ctx, msg) }

// handle is the mailbox's Handler[Msg]. It never lets a panic (in its own
// bookkeeping, or in the injected FSMFactory closure onInitializeTestRequest
// calls) escape to the mailbox's goroutine: a recovered panic is folded
// into the same restart-budget accounting as any other fault.
func (c *coordinator) handle(ctx context.Context, msg Msg) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: handler panic: %v", r)
			c.onFault(err)
		}
	}()

	switch m := msg.(type) {
	case InitializeTestRequest:
		c.onInitializeTestRequest(ctx, m)
	case StartTestRequest:
		c.onStartTestRequest(ctx, m)
	case CancelRequest:
		c.onCancelRequest(ctx, m)
	case StatusRequest:
		c.onStatusRequest(m)
	case fsmNotification:
		c.onFSMNotification(ctx, m)
	default:
		return fmt.Errorf("queue: unrecognized message %T", msg)
	}
	return nil
}

// onFault records a recovered handler panic and enforces the restart
// budget: once more than policy.MaxRestarts panics land within
// policy.Window, the coordinator stops itself for good rather than
// continuing to absorb faults silently. Restart here means "keep running
// in place" (there is no sibling coordinator to hand off to, and its
// entries map can't be reconstructed from nothing the way a fresh FSM
// can be respawned), not actorsys.Supervise's respawn-a-new-actor model.
func (c *coordinator) onFault(err error) {
	now := time.Now()
	c.restartTimes = append(c.restartTimes, now)
	cutoff := now.Add(-c.policy.Window)
	kept := c.restartTimes[:0]
	for _, t := range c.restartTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.restartTimes = kept

	if len(c.restartTimes) > c.policy.MaxRestarts && c.stopSelf != nil {
		stop := c.stopSelf
		c.stopSelf = nil
		go stop()
	}
}

func (c *coordinator) onInitializeTestRequest(ctx context.Context, m InitializeTestRequest) {
	testID := model.NewTestID()
	ref := c.factory(ctx, testID)
	c.entries[testID] = &entry{ref: ref, state: model.StateSetup}

	if m.ReplyTo != nil {
		m.ReplyTo <- testID
	}

	replyTo := make(chan fsm.InitializeTestResponse, 1)
	_ = ref.Send(ctx, fsm.InInitializeTestRequest{ReplyTo: replyTo})
}

func (c *coordinator) onStartTestRequest(ctx context.Context, m StartTestRequest) {
	e, ok := c.entries[m.TestID]
	if !ok {
		if m.ReplyTo != nil {
			m.ReplyTo <- fsm.StartTestResponse{TestID: m.TestID, Accepted: false, TestType: m.TestType}
		}
		return
	}
	_ = e.ref.Send(ctx, fsm.InStartTestRequest{Bucket: m.Bucket, TestType: m.TestType, ReplyTo: m.ReplyTo})
}

func (c *coordinator) onCancelRequest(ctx context.Context, m CancelRequest) {
	e, ok := c.entries[m.TestID]
	if !ok {
		if m.ReplyTo != nil {
			m.ReplyTo <- fsm.TestCancelledResponse{Cancelled: false}
		}
		return
	}
	_ = e.ref.Send(ctx, fsm.InCancelRequest{ReplyTo: m.ReplyTo})
}

func (c *coordinator) onStatusRequest(m StatusRequest) {
	if !m.All {
		e, ok := c.entries[m.TestID]
		if !ok {
			m.ReplyTo <- StatusResponse{Found: false}
			return
		}
		m.ReplyTo <- StatusResponse{Found: true, Status: e.ref.Status()}
		return
	}

	snap := model.QueueSnapshot{Counts: make(map[model.FSMState]int)}
	for id, e := range c.entries {
		snap.Counts[e.state]++
		if e.state == model.StateTesting {
			testID := id
			snap.Testing = &testID
		}
	}
	m.ReplyTo <- StatusResponse{Found: true, Snapshot: snap}
}

func (c *coordinator) onFSMNotification(ctx context.Context, m fsmNotification) {
	e, ok := c.entries[m.testID]
	if !ok {
		return
	}
	wasTesting := e.state == model.StateTesting
	switch m.kind {
	case notifyLoading:
		e.state = model.StateLoading
	case notifyLoaded:
		e.state = model.StateLoaded
		c.loadedFIFO = append(c.loadedFIFO, m.testID)
		c.maybeDispatchNext(ctx)
	case notifyStarted:
		if !wasTesting {
			c.testingCount++
		}
		e.state = model.StateTesting
	case notifyCompleted:
		e.state = model.StateCompleted
		c.onLeaveTesting(ctx, wasTesting)
	case notifyException:
		e.state = model.StateException
		c.onLeaveTesting(ctx, wasTesting)
	case notifyStopping:
		e.state = model.StateShuttingDown
		c.onLeaveTesting(ctx, wasTesting)
	case notifyTerminated:
		c.reap(e, m.testID)
	}
}

func (c *coordinator) onLeaveTesting(ctx context.Context, wasTesting bool) {
	if wasTesting && c.testingCount > 0 {
		c.testingCount--
	}
	c.maybeDispatchNext(ctx)
}

// maybeDispatchNext pops the head of the Loaded FIFO and dispatches
// StartTesting once the Testing slot is free (invariant I1, FIFO
// processing over Loaded test ids).
func (c *coordinator) maybeDispatchNext(ctx context.Context) {
	if c.testingCount > 0 {
		return
	}
	for len(c.loadedFIFO) > 0 {
		next := c.loadedFIFO[0]
		c.loadedFIFO = c.loadedFIFO[1:]
		e, ok := c.entries[next]
		if !ok || e.state != model.StateLoaded {
			continue
		}
		// Reserve the slot now so a Loaded notification arriving before
		// this test's notifyStarted cannot dispatch a second test.
		e.state = model.StateTesting
		c.testingCount++
		_ = e.ref.Send(ctx, fsm.StartTesting{})
		return
	}
}

func (c *coordinator) reap(e *entry, testID model.TestID) {
	delete(c.entries, testID)
	e.ref.Stop()
}

// notifier adapts one test's notifications back onto the coordinator's
// own mailbox, so every bookkeeping mutation happens on the
// coordinator's single goroutine (preserving strict per-test and
// global admission ordering).
type notifier struct {
	testID model.TestID
	ref    actorsys.Ref[Msg]
}

// NewNotifier builds the fsm.Notifier the root supervisor wires into
// each FSM's Deps, bound to this coordinator.
func (c *Coordinator) NewNotifier(testID model.TestID) fsm.Notifier {
	return &notifier{testID: testID, ref: c.ref}
}

func (n *notifier) send(ctx context.Context, kind notificationKind, err error) {
	_ = n.ref.Send(ctx, fsmNotification{testID: n.testID, kind: kind, err: err})
}

func (n *notifier) NotifyLoading(testID model.TestID) {
	n.send(context.Background(), notifyLoading, nil)
}
func (n *notifier) NotifyLoaded(testID model.TestID) {
	n.send(context.Background(), notifyLoaded, nil)
}
func (n *notifier) NotifyStarted(testID model.TestID) {
	n.send(context.Background(), notifyStarted, nil)
}
func (n *notifier) NotifyCompleted(testID model.TestID) {
	n.send(context.Background(), notifyCompleted, nil)
}
func (n *notifier) NotifyStopping(testID model.TestID) {
	n.send(context.Background(), notifyStopping, nil)
}
func (n *notifier) NotifyException(testID model.TestID, err error) {
	n.send(context.Background(), notifyException, err)
}
func (n *notifier) NotifyTerminated(testID model.TestID) {
	n.send(context.Background(), notifyTerminated, nil)
}
