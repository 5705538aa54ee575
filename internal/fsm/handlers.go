package fsm

import (
	"context"
	"fmt"
	"time"

	"github.com/CrisisTextLine/kafka-harness/internal/kafkastream"
	"github.com/CrisisTextLine/kafka-harness/internal/model"
	"github.com/CrisisTextLine/kafka-harness/internal/storageworker"
	"github.com/CrisisTextLine/kafka-harness/internal/vaultworker"
)

// onStartTestRequest is Setup -> Loading.
func (f *fsm) onStartTestRequest(ctx context.Context, m InStartTestRequest) {
	if f.state != model.StateSetup {
		if m.ReplyTo != nil {
			m.ReplyTo <- StartTestResponse{TestID: f.testID, Accepted: false, TestType: m.TestType}
		}
		return
	}

	f.bucket = m.Bucket
	f.testType = m.TestType
	f.startReplyTo = m.ReplyTo
	f.startTime = time.Now()

	f.storageWorker = storageworker.New(f.deps.StorageProvider)
	f.enterLoading()

	if m.ReplyTo != nil {
		m.ReplyTo <- StartTestResponse{TestID: f.testID, Accepted: true, TestType: m.TestType}
	}

	f.deps.Notifier.NotifyLoading(f.testID)

	go func() {
		directive, err := f.storageWorker.Initialize(f.bgCtx, f.bucket)
		_ = f.selfRef.Send(f.bgCtx, BlockStorageFetched{Directive: directive, Err: err})
	}()
}

func (f *fsm) enterLoading() {
	f.state = model.StateLoading
	f.armTimer(model.StateLoading, f.deps.Timeouts.LoadingTimeout)
}

// onBlockStorageFetched is Loading -> Loaded-init-phase.
func (f *fsm) onBlockStorageFetched(ctx context.Context, m BlockStorageFetched) {
	if f.state != model.StateLoading {
		return
	}
	if m.Err != nil {
		f.routeException(ctx, fmt.Errorf("storage fetch: %w", m.Err))
		return
	}
	f.directive = m.Directive
	f.childrenReady[childStorage] = true
	f.state = model.StateLoaded
	// The loading poison-pill stays armed across the Loaded-init phase
	// (vault fetch + remaining child Initialize calls): rearmed under the
	// Loaded tag so a stale Loading-tagged timer doesn't get silently
	// dropped by the generation/state check once f.state flips.
	f.armTimer(model.StateLoaded, f.deps.Timeouts.LoadingTimeout)

	vw, err := vaultworker.New(f.deps.VaultInvoker, f.deps.VaultFunctionURL, f.deps.VaultBodyTemplate, f.deps.VaultMapping, f.deps.VaultConstants)
	if err != nil {
		f.routeException(ctx, fmt.Errorf("build vault worker: %w", err))
		return
	}
	f.vaultWorker = vw
	go func() {
		directives, err := f.vaultWorker.Initialize(f.bgCtx, f.directive, vaultworker.RequestParams{})
		_ = f.selfRef.Send(f.bgCtx, SecurityFetched{Directives: directives, Err: err})
	}()
}

// onSecurityFetched is Loaded -> Loaded (spec table): stores directives,
// initializes the Scenario worker (trivially ready) and the combined
// streaming pair in parallel.
func (f *fsm) onSecurityFetched(ctx context.Context, m SecurityFetched) {
	if f.state != model.StateLoaded {
		return
	}
	if m.Err != nil {
		f.routeException(ctx, fmt.Errorf("vault fetch: %w", m.Err))
		return
	}
	f.securityDirectives = m.Directives
	f.childrenReady[childVault] = true

	// Scenario worker has no async setup of its own: the in-memory FS is
	// already staged by the Storage worker, and run-context registration
	// happens at Run() time, not at Initialize. It is ready immediately.
	_ = f.selfRef.Send(f.bgCtx, ChildGoodToGo{Child: childScenario})

	go func() {
		pair, err := kafkastream.NewPair(
			f.bgCtx,
			f.defaultBootstrapServers(),
			f.deps.ConsumerGroupPrefix+"-"+f.testID.String(),
			f.securityDirectives,
			f.directive.Topics,
			f.deps.ConsumerBatch,
			f.deps.ProducerQueueCapacity,
			f.deps.SerdeFactory,
		)
		if err != nil {
			_ = f.selfRef.Send(f.bgCtx, StreamingPairReady{Err: err})
			return
		}
		f.pair = pair
		_ = f.selfRef.Send(f.bgCtx, StreamingPairReady{})
	}()
}

func (f *fsm) defaultBootstrapServers() string {
	for _, t := range f.directive.Topics {
		if t.BootstrapServers != "" {
			return t.BootstrapServers
		}
	}
	return f.deps.KafkaBootstrapServers
}

// onChildGoodToGo and onStreamingPairReady both feed the child-ready
// counter; once the fourth distinct child is ready in Loaded, the FSM
// notifies the QueueCoordinator and waits for StartTesting.
func (f *fsm) onChildGoodToGo(ctx context.Context, m ChildGoodToGo) {
	if f.state != model.StateLoading && f.state != model.StateLoaded {
		return
	}
	f.childrenReady[m.Child] = true
	f.maybeEnterTesting(ctx)
}

func (f *fsm) onStreamingPairReady(ctx context.Context, m StreamingPairReady) {
	if f.state != model.StateLoaded {
		return
	}
	if m.Err != nil {
		f.routeException(ctx, fmt.Errorf("streaming pair init: %w", m.Err))
		return
	}
	f.childrenReady[childStreamingPair] = true
	f.maybeEnterTesting(ctx)
}

func (f *fsm) maybeEnterTesting(ctx context.Context) {
	if len(f.childrenReady) < 4 {
		return
	}
	if f.state != model.StateLoaded {
		return
	}
	f.cancelTimer()
	f.deps.Notifier.NotifyLoaded(f.testID)
	// Await the QueueCoordinator's StartTesting; the FSM stays in Loaded
	// (no separate "ready" state exists) until dispatched.
}

// onStartTesting is Loaded -> Testing, driven by the QueueCoordinator's
// FIFO dispatch.
func (f *fsm) onStartTesting(ctx context.Context, m StartTesting) {
	if f.state != model.StateLoaded {
		return
	}
	if len(f.childrenReady) < 4 {
		return
	}
	f.state = model.StateTesting

	if f.deps.Registry != nil && f.pair != nil {
		f.registryEntry = f.deps.Registry.Register(f.testID, f.pair)
	}
	f.deps.Notifier.NotifyStarted(f.testID)

	runner := f.deps.ScenarioRunner
	go func() {
		result, err := runner.Run(f.bgCtx, scenarioOptions(f))
		_ = f.selfRef.Send(f.bgCtx, TestComplete{Result: result, Err: err})
	}()
}

// onTestComplete is Testing -> Completed or Testing -> Exception.
func (f *fsm) onTestComplete(ctx context.Context, m TestComplete) {
	if f.state != model.StateTesting {
		return
	}
	f.result = m.Result
	if m.Err != nil || !m.Result.Passed {
		if m.Err != nil {
			f.lastErr = m.Err
		} else {
			f.lastErr = fmt.Errorf("scenario: %d of %d scenarios failed", m.Result.ScenariosFailed, m.Result.ScenarioCount)
		}
		f.state = model.StateException
	} else {
		f.state = model.StateCompleted
	}

	go func() {
		var err error
		if f.storageWorker != nil {
			err = f.storageWorker.LoadToBlockStorage(f.bgCtx, f.bucket, f.testID, f.directive.EvidenceDir)
		}
		_ = f.selfRef.Send(f.bgCtx, evidenceUploaded{err: err})
	}()
}

func (f *fsm) onEvidenceUploaded(ctx context.Context, m evidenceUploaded) {
	now := time.Now()
	f.endTime = &now
	if m.err != nil && f.lastErr == nil {
		f.lastErr = fmt.Errorf("evidence upload: %w", m.err)
	}

	switch f.state {
	case model.StateCompleted:
		f.deps.Notifier.NotifyCompleted(f.testID)
		f.armTimer(model.StateCompleted, f.deps.Timeouts.CompletedTimeout)
	case model.StateException:
		f.deps.Notifier.NotifyException(f.testID, f.lastErr)
		f.armTimer(model.StateException, f.deps.Timeouts.ExceptionTimeout)
	}
}

// routeException is TrnException's handler: any non-terminal state ->
// Exception.
func (f *fsm) routeException(ctx context.Context, err error) {
	if f.state.Terminal() {
		return
	}
	f.lastErr = err
	f.state = model.StateException
	f.cancelTimer()

	// Evidence may be partial (a storage/vault failure) or absent
	// entirely (no scenario ever ran); it is uploaded only when a storage
	// worker exists and the directive names an evidence dir. The
	// Exception poison-pill arms after this step either way.
	go func() {
		var uerr error
		if f.storageWorker != nil && f.directive.EvidenceDir != "" {
			uerr = f.storageWorker.LoadToBlockStorage(f.bgCtx, f.bucket, f.testID, f.directive.EvidenceDir)
		}
		_ = f.selfRef.Send(f.bgCtx, evidenceUploaded{err: uerr})
	}()
}

// onCancelRequest is "any non-terminal state -> ShuttingDown"; in a
// terminal state it replies Cancelled=false and changes nothing.
func (f *fsm) onCancelRequest(ctx context.Context, m InCancelRequest) {
	if f.state.Terminal() {
		if m.ReplyTo != nil {
			m.ReplyTo <- TestCancelledResponse{Cancelled: false}
		}
		return
	}
	f.cancelTimer()
	f.state = model.StateShuttingDown
	f.deps.Notifier.NotifyStopping(f.testID)

	if m.ReplyTo != nil {
		m.ReplyTo <- TestCancelledResponse{Cancelled: true}
	}

	f.beginShutdown()
}

func (f *fsm) beginShutdown() {
	grace := f.deps.Timeouts.ShutdownGrace
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.bgCancel()
		if f.pair != nil {
			f.pair.Stop()
		}
	}()

	go func() {
		select {
		case <-done:
		case <-time.After(grace):
		}
		_ = f.selfRef.Send(context.Background(), childrenDrained{})
	}()
}

func (f *fsm) toShuttingDownTerminal(ctx context.Context) {
	// The actual mailbox/loop teardown is driven by the Ref.Stop() caller
	// (the QueueCoordinator, on reaping); this handler finalizes
	// bookkeeping so Status() reflects termination immediately and reports
	// termination so the coordinator reaps this FSM.
	now := time.Now()
	if f.endTime == nil {
		f.endTime = &now
	}
	f.deps.Notifier.NotifyTerminated(f.testID)
}

func (f *fsm) armTimer(state model.FSMState, d time.Duration) {
	f.cancelTimer()
	f.timerGeneration++
	gen := f.timerGeneration
	f.activeTimer = time.AfterFunc(d, func() {
		_ = f.selfRef.Send(context.Background(), poisonPillFired{state: state, generation: gen})
	})
}

func (f *fsm) cancelTimer() {
	if f.activeTimer != nil {
		f.activeTimer.Stop()
		f.activeTimer = nil
	}
}

func (f *fsm) onPoisonPillFired(ctx context.Context, m poisonPillFired) {
	if m.generation != f.timerGeneration || f.state != m.state {
		return // stale timer; the FSM already moved on
	}
	switch m.state {
	case model.StateSetup:
		f.routeException(ctx, fmt.Errorf("fsm: setup timeout"))
	case model.StateLoading, model.StateLoaded:
		// Loaded here means the Loaded-init phase (vault + remaining
		// child Initialize calls), not a test that already reached
		// Testing — maybeEnterTesting cancels this timer before that
		// transition.
		f.routeException(ctx, fmt.Errorf("fsm: loading timeout"))
	case model.StateCompleted, model.StateException:
		// The terminal poison-pill ends the test: stop the children,
		// then report termination (toShuttingDownTerminal) for reaping.
		f.state = model.StateShuttingDown
		f.deps.Notifier.NotifyStopping(f.testID)
		f.beginShutdown()
	}
}
