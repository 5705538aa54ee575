// Package fsm is the TestExecutionFSM: the 7-state per-test state
// machine that sequences four child workers — Storage, Vault, Scenario,
// and the combined Producer/Consumer streaming pair — through Setup,
// Loading, Loaded, Testing, Completed/Exception, and ShuttingDown,
// enforcing ordering and emitting the test's terminal result.
//
// Every message is a concrete Go type implementing Msg, dispatched
// through the single mailbox internal/actorsys.Mailbox[Msg] provides —
// a message-address handle other components hold, never an owning
// reference into the FSM's own state.
package fsm

import "github.com/CrisisTextLine/kafka-harness/internal/model"

// Msg is the sealed set of messages a TestExecutionFSM's mailbox
// accepts.
type Msg interface{ isFSMMsg() }

// InInitializeTestRequest is the first message any FSM receives — it is
// how the FSM learns the reply channel the QueueCoordinator forwards
// InitializeTestRequest through.
type InInitializeTestRequest struct {
	ReplyTo chan<- InitializeTestResponse
}

func (InInitializeTestRequest) isFSMMsg() {}

// InitializeTestResponse acknowledges InInitializeTestRequest.
type InitializeTestResponse struct {
	TestID model.TestID
}

// InStartTestRequest carries the bucket/testType a client supplied to
// POST /test/start.
type InStartTestRequest struct {
	Bucket   string
	TestType string
	ReplyTo  chan<- StartTestResponse
}

func (InStartTestRequest) isFSMMsg() {}

// StartTestResponse reports whether the start request was accepted: the
// FSM accepts it only while in Setup. The bucket is not read before this
// reply; an unreadable bucket surfaces later as a TestException.
type StartTestResponse struct {
	TestID   model.TestID
	Accepted bool
	TestType string
}

// InCancelRequest is the only user-visible cancel message.
type InCancelRequest struct {
	ReplyTo chan<- TestCancelledResponse
}

func (InCancelRequest) isFSMMsg() {}

// TestCancelledResponse reports whether the cancel took effect.
type TestCancelledResponse struct {
	Cancelled bool
}

// childName identifies one of the FSM's four children for ChildGoodToGo
// bookkeeping.
type childName string

const (
	childStorage      childName = "storage"
	childVault        childName = "vault"
	childScenario     childName = "scenario"
	childStreamingPair childName = "streamingPair"
)

// ChildGoodToGo reports that a child's Initialize completed.
type ChildGoodToGo struct {
	Child childName
}

func (ChildGoodToGo) isFSMMsg() {}

// BlockStorageFetched is the Storage worker's async Initialize result.
type BlockStorageFetched struct {
	Directive model.BlockStorageDirective
	Err       error
}

func (BlockStorageFetched) isFSMMsg() {}

// SecurityFetched is the Vault worker's async Initialize result.
type SecurityFetched struct {
	Directives []model.KafkaSecurityDirective
	Err        error
}

func (SecurityFetched) isFSMMsg() {}

// StreamingPairReady is the combined Producer/Consumer child's async
// Initialize result.
type StreamingPairReady struct {
	Err error
}

func (StreamingPairReady) isFSMMsg() {}

// TestComplete is the Scenario worker's terminal report.
type TestComplete struct {
	Result model.TestExecutionResult
	Err    error
}

func (TestComplete) isFSMMsg() {}

// TrnException is the self-sent transition a bubbled child failure (or
// an internally-detected fault) takes to route the FSM to Exception.
type TrnException struct {
	Err error
}

func (TrnException) isFSMMsg() {}

// StartTesting is sent by the QueueCoordinator once this test reaches
// the head of the FIFO and the Testing slot is free.
type StartTesting struct{}

func (StartTesting) isFSMMsg() {}

// evidenceUploaded is the internal continuation after LoadToBlockStorage
// finishes, before the FSM notifies its parent and arms the terminal
// poison-pill timer.
type evidenceUploaded struct {
	err error
}

func (evidenceUploaded) isFSMMsg() {}

// poisonPillFired is a self-timer message, tagged with the state and
// generation it was armed for so a stale timer (one that fired after the
// FSM already left that state) is a silent no-op instead of a spurious
// transition.
type poisonPillFired struct {
	state      model.FSMState
	generation int
}

func (poisonPillFired) isFSMMsg() {}

// childrenDrained is sent once by the supervising goroutine that awaits
// all children during ShuttingDown.
type childrenDrained struct{}

func (childrenDrained) isFSMMsg() {}
