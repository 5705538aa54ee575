// Package model holds the data types shared across the harness: the
// per-test identifier, the manifests fetched from object storage and the
// vault, the CloudEvent envelope used as every Kafka record key, and the
// structured result a test run produces.
package model

import (
	"time"

	"github.com/google/uuid"
)

// TestID is an opaque 128-bit identifier minted on admission. It is stable
// for the life of a test and is never reused.
type TestID uuid.UUID

// NewTestID mints a fresh, random TestID.
func NewTestID() TestID {
	return TestID(uuid.New())
}

// String renders the canonical UUID form.
func (t TestID) String() string {
	return uuid.UUID(t).String()
}

// IsZero reports whether t is the zero value (never minted).
func (t TestID) IsZero() bool {
	return t == TestID{}
}

// ParseTestID parses the canonical UUID string form produced by String.
func ParseTestID(s string) (TestID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return TestID{}, err
	}
	return TestID(u), nil
}

// Role identifies which side of a Kafka topic a TopicDirective describes.
type Role string

const (
	RoleProducer Role = "producer"
	RoleConsumer Role = "consumer"
)

// SchemaType is the tagged variant collapsing the Avro/Protobuf/JSON-Schema
// hierarchy the SerdeFactory dispatches on.
type SchemaType string

const (
	SchemaAvro       SchemaType = "avro"
	SchemaProtobuf   SchemaType = "protobuf"
	SchemaJSONSchema SchemaType = "json"
)

// SecurityProtocol is the Kafka client security.protocol value a
// KafkaSecurityDirective resolves to.
type SecurityProtocol string

const (
	ProtocolPlaintext    SecurityProtocol = "PLAINTEXT"
	ProtocolSASLSSL      SecurityProtocol = "SASL_SSL"
	ProtocolSSL          SecurityProtocol = "SSL"
	ProtocolSASLPlaintext SecurityProtocol = "SASL_PLAINTEXT"
)

// EventFilter decides, consumer-side, which records a test cares about.
type EventFilter struct {
	EventType      string
	PayloadVersion string
}

// Matches reports whether a decoded CloudEvent key satisfies this filter.
func (f EventFilter) Matches(ce CloudEvent) bool {
	return f.EventType == ce.Type && f.PayloadVersion == ce.PayloadVersion
}

// TopicDirective describes one topic a test produces to or consumes from,
// including an optional per-topic cluster override so a single test can
// span clusters.
type TopicDirective struct {
	Topic            string
	Role             Role
	ClientPrincipal  string
	BootstrapServers string // optional; empty means "use the default cluster"
	KeySchemaType    SchemaType
	ValueSchemaType  SchemaType
	Filters          []EventFilter
}

// BlockStorageDirective is the parsed manifest obtained from object
// storage: where the test's assets were staged, where evidence should be
// uploaded, and the topics it touches.
type BlockStorageDirective struct {
	Bucket        string
	StagingPath   string // absolute path inside the in-memory filesystem
	EvidenceDir   string
	GluePackages  []string
	Topics        []TopicDirective
}

// KafkaSecurityDirective carries the credential material the Vault worker
// resolved for one topic/role pairing. Its String/GoString methods are
// intentionally redacting — see harnesserr and obslog for the rest of
// invariant I4's enforcement.
type KafkaSecurityDirective struct {
	Topic            string
	Role             Role
	SecurityProtocol SecurityProtocol
	JAASConfig       string
}

// String never reveals JAASConfig; satisfies fmt.Stringer so that any
// accidental %v/%s formatting of a directive is safe by construction.
func (d KafkaSecurityDirective) String() string {
	return "KafkaSecurityDirective{topic=" + d.Topic + ", role=" + string(d.Role) +
		", protocol=" + string(d.SecurityProtocol) + ", jaasConfig=***redacted***}"
}

// GoString backs %#v the same way String backs %v/%s.
func (d KafkaSecurityDirective) GoString() string {
	return d.String()
}

// CloudEvent is the envelope carried as every Kafka record's key. The
// correlation id is the join key between produce and consume (invariant
// I3). The same logical fields are projected into Avro or JSON-Schema
// encodings by the SerdeFactory depending on the topic. The Protobuf
// serializer accepts only proto messages, not the plain struct
// serde.ToWireKey builds, so a CloudEvent key is not encoded as Protobuf.
type CloudEvent struct {
	ID                     string
	Source                 string
	SpecVersion            string
	Type                   string
	Time                   time.Time
	Subject                string
	DataContentType        string
	CorrelationID          string
	PayloadVersion         string
	TimeEpochMicroSource   int64
}

// NewCloudEvent builds a CloudEvent with sensible defaults (SpecVersion
// 1.0, a fresh ID, Time set to now) that callers can override field by
// field.
func NewCloudEvent(source, eventType, correlationID string) CloudEvent {
	now := time.Now().UTC()
	return CloudEvent{
		ID:                   uuid.New().String(),
		Source:               source,
		SpecVersion:          "1.0",
		Type:                 eventType,
		Time:                 now,
		DataContentType:      "application/json",
		CorrelationID:        correlationID,
		TimeEpochMicroSource: now.UnixMicro(),
	}
}

// TestExecutionResult is the terminal, structured outcome of a scenario
// suite run, as reported by the Scenario worker to the FSM and ultimately
// surfaced to clients via TestStatusResponse.
type TestExecutionResult struct {
	TestID           TestID
	Passed           bool
	ScenarioCount    int
	ScenariosPassed  int
	ScenariosFailed  int
	ScenariosSkipped int
	StepCount        int
	StepsPassed      int
	StepsFailed      int
	StepsSkipped     int
	StepsUndefined   int
	DurationMillis   int64
	ErrorMessage     string
	FailedScenarios  []string
}

// FSMState is one of the seven states of the TestExecutionFSM.
type FSMState string

const (
	StateSetup        FSMState = "Setup"
	StateLoading      FSMState = "Loading"
	StateLoaded       FSMState = "Loaded"
	StateTesting      FSMState = "Testing"
	StateCompleted    FSMState = "Completed"
	StateException    FSMState = "Exception"
	StateShuttingDown FSMState = "ShuttingDown"
)

// AllFSMStates lists every state, in transition order, for callers that
// need to range over the full state space (e.g. metrics export).
var AllFSMStates = []FSMState{
	StateSetup, StateLoading, StateLoaded, StateTesting,
	StateCompleted, StateException, StateShuttingDown,
}

// Terminal reports whether further external input to an FSM in this state
// has no effect other than the (idempotent) Cancel reply.
func (s FSMState) Terminal() bool {
	switch s {
	case StateCompleted, StateException, StateShuttingDown:
		return true
	default:
		return false
	}
}

// TestStatus is the externally-visible snapshot of one test, returned by
// GetStatus/TestStatusResponse.
type TestStatus struct {
	TestID    TestID
	State     FSMState
	Bucket    string
	TestType  string
	StartTime *time.Time
	EndTime   *time.Time
	Success   *bool
	Error     string
}

// QueueSnapshot is a count vector over the FSM states plus the currently
// testing TestID, if any.
type QueueSnapshot struct {
	Counts     map[FSMState]int
	Testing    *TestID
}
