package fsm

import (
	"context"
	"fmt"
	"time"

	"github.com/CrisisTextLine/kafka-harness/internal/actorsys"
	"github.com/CrisisTextLine/kafka-harness/internal/config"
	"github.com/CrisisTextLine/kafka-harness/internal/kafkastream"
	"github.com/CrisisTextLine/kafka-harness/internal/model"
	"github.com/CrisisTextLine/kafka-harness/internal/registry"
	"github.com/CrisisTextLine/kafka-harness/internal/scenario"
	"github.com/CrisisTextLine/kafka-harness/internal/serde"
	"github.com/CrisisTextLine/kafka-harness/internal/storageworker"
	"github.com/CrisisTextLine/kafka-harness/internal/vaultworker"
)

// Notifier is the narrow interface the QueueCoordinator implements so
// the FSM can report its lifecycle milestones without holding an owning
// reference to the coordinator — a message-address handle, not an
// object reference.
type Notifier interface {
	NotifyLoading(testID model.TestID)
	NotifyLoaded(testID model.TestID)
	NotifyStarted(testID model.TestID)
	NotifyCompleted(testID model.TestID)
	NotifyStopping(testID model.TestID)
	NotifyException(testID model.TestID, err error)
	NotifyTerminated(testID model.TestID)
}

// Deps bundles every external collaborator the FSM drives its four
// children through. One Deps is shared process-wide; per-test state
// lives on the FSM value itself.
type Deps struct {
	Notifier         Notifier
	Registry         *registry.Registry
	StorageProvider  storageworker.Provider
	VaultInvoker     vaultworker.Invoker
	VaultFunctionURL string
	VaultBodyTemplate string
	VaultMapping     vaultworker.Mapping
	VaultConstants   map[string]interface{}
	SerdeFactory     *serde.Factory
	ScenarioRunner   *scenario.Runner
	// ResolveGlueProvider builds the scenario.GlueProvider for one test
	// from the package names its manifest named (model.BlockStorageDirective.GluePackages),
	// once that manifest is known — the provider itself can't be fixed at
	// Deps-construction time because the directive isn't fetched yet.
	ResolveGlueProvider func(packages []string) scenario.GlueProvider
	FeatureGlob      string
	KafkaBootstrapServers string
	ConsumerGroupPrefix   string
	ConsumerBatch    kafkastream.BatchConfig
	ProducerQueueCapacity int
	Timeouts         config.FSMTimeouts
}

// Ref is the external handle other components use to talk to a running
// FSM — a send-only actor address plus a snapshot accessor used by the
// QueueCoordinator's status queries.
type Ref struct {
	testID model.TestID
	ref    actorsys.Ref[Msg]
	stop   func()
	snap   func() model.TestStatus
}

// TestID reports the FSM's test identity.
func (r Ref) TestID() model.TestID { return r.testID }

// Send forwards msg to the FSM's mailbox.
func (r Ref) Send(ctx context.Context, msg Msg) error { return r.ref.Send(ctx, msg) }

// Stop requests the FSM's actor loop to exit and blocks until it has.
func (r Ref) Stop() { r.stop() }

// Status returns a point-in-time snapshot of the FSM's externally
// visible state.
func (r Ref) Status() model.TestStatus { return r.snap() }

// fsm is the mutable, single-goroutine-owned state of one
// TestExecutionFSM.
type fsm struct {
	testID model.TestID
	deps   Deps

	state    model.FSMState
	bucket   string
	testType string

	startReplyTo  chan<- StartTestResponse
	cancelReplyTo chan<- TestCancelledResponse

	storageWorker *storageworker.Worker
	vaultWorker   *vaultworker.Worker
	directive     model.BlockStorageDirective
	securityDirectives []model.KafkaSecurityDirective
	pair          *kafkastream.Pair
	registryEntry *registry.Entry

	childrenReady map[childName]bool

	result   model.TestExecutionResult
	lastErr  error
	startTime time.Time
	endTime   *time.Time

	timerGeneration int
	activeTimer     *time.Timer

	selfRef actorsys.Ref[Msg]
	bgCtx   context.Context
	bgCancel context.CancelFunc

	shuttingDownAwait chan struct{}
}

// Spawn constructs and starts a TestExecutionFSM for testID, returning a
// Ref other components address it through.
func Spawn(ctx context.Context, testID model.TestID, deps Deps) Ref {
	bgCtx, bgCancel := context.WithCancel(context.Background())

	f := &fsm{
		testID:        testID,
		deps:          deps,
		state:         model.StateSetup,
		childrenReady: make(map[childName]bool),
		bgCtx:         bgCtx,
		bgCancel:      bgCancel,
	}

	onStop := func() {
		f.bgCancel()
		f.cancelTimer()
		if f.pair != nil {
			f.pair.Stop()
		}
		if f.deps.Registry != nil {
			f.deps.Registry.Unregister(f.testID)
		}
		f.deps.Notifier.NotifyTerminated(f.testID)
	}

	ref, stop := actorsys.SpawnWithStop(ctx, 64, f.handle, onStop)
	f.selfRef = ref
	f.armTimer(model.StateSetup, deps.Timeouts.SetupTimeout)

	return Ref{
		testID: testID,
		ref:    ref,
		stop:   stop,
		snap:   f.snapshot,
	}
}

func (f *fsm) snapshot() model.TestStatus {
	status := model.TestStatus{
		TestID:   f.testID,
		State:    f.state,
		Bucket:   f.bucket,
		TestType: f.testType,
		EndTime:  f.endTime,
	}
	if !f.startTime.IsZero() {
		t := f.startTime
		status.StartTime = &t
	}
	if f.state == model.StateCompleted || f.state == model.StateException {
		success := f.lastErr == nil && f.result.Passed
		status.Success = &success
	}
	if f.lastErr != nil {
		status.Error = f.lastErr.Error()
	}
	return status
}

// handle is the actorsys.Handler[Msg] every message is dispatched
// through. It never panics out: a faulted handler call is folded into a
// TrnException the same tick — errors are piped back as tagged
// messages, never thrown across an actor boundary.
func (f *fsm) handle(ctx context.Context, msg Msg) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fsm: handler panic: %v", r)
			f.routeException(ctx, err)
		}
	}()

	switch m := msg.(type) {
	case InInitializeTestRequest:
		f.onInitializeTestRequest(m)
	case InStartTestRequest:
		f.onStartTestRequest(ctx, m)
	case InCancelRequest:
		f.onCancelRequest(ctx, m)
	case ChildGoodToGo:
		f.onChildGoodToGo(ctx, m)
	case BlockStorageFetched:
		f.onBlockStorageFetched(ctx, m)
	case SecurityFetched:
		f.onSecurityFetched(ctx, m)
	case StreamingPairReady:
		f.onStreamingPairReady(ctx, m)
	case StartTesting:
		f.onStartTesting(ctx, m)
	case TestComplete:
		f.onTestComplete(ctx, m)
	case TrnException:
		f.routeException(ctx, m.Err)
	case evidenceUploaded:
		f.onEvidenceUploaded(ctx, m)
	case poisonPillFired:
		f.onPoisonPillFired(ctx, m)
	case childrenDrained:
		f.toShuttingDownTerminal(ctx)
	default:
		return fmt.Errorf("fsm: unrecognized message %T", msg)
	}
	return nil
}

func (f *fsm) onInitializeTestRequest(m InInitializeTestRequest) {
	if m.ReplyTo != nil {
		select {
		case m.ReplyTo <- InitializeTestResponse{TestID: f.testID}:
		default:
		}
	}
}
