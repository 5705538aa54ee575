package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTestIDRoundTrip(t *testing.T) {
	id := NewTestID()
	require.False(t, id.IsZero())

	parsed, err := ParseTestID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestParseTestIDRejectsGarbage(t *testing.T) {
	_, err := ParseTestID("not-a-uuid")
	assert.Error(t, err)
}

func TestTestIDZeroValue(t *testing.T) {
	var id TestID
	assert.True(t, id.IsZero())
}

func TestFSMStateTerminal(t *testing.T) {
	terminal := []FSMState{StateCompleted, StateException, StateShuttingDown}
	nonTerminal := []FSMState{StateSetup, StateLoading, StateLoaded, StateTesting}

	for _, s := range terminal {
		assert.Truef(t, s.Terminal(), "%s should be terminal", s)
	}
	for _, s := range nonTerminal {
		assert.Falsef(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestEventFilterMatches(t *testing.T) {
	ce := CloudEvent{Type: "test.started", PayloadVersion: "v1"}

	assert.True(t, EventFilter{EventType: "test.started", PayloadVersion: "v1"}.Matches(ce))
	assert.False(t, EventFilter{EventType: "test.completed", PayloadVersion: "v1"}.Matches(ce))
	assert.False(t, EventFilter{EventType: "test.started", PayloadVersion: "v2"}.Matches(ce))
}

func TestKafkaSecurityDirectiveRedactsJAASConfig(t *testing.T) {
	d := KafkaSecurityDirective{
		Topic:            "orders",
		Role:             RoleProducer,
		SecurityProtocol: ProtocolSASLSSL,
		JAASConfig:       "org.apache.kafka.common.security.plain.PlainLoginModule required username=\"u\" password=\"secret\";",
	}

	assert.NotContains(t, d.String(), "secret")
	assert.NotContains(t, d.GoString(), "secret")
	assert.Contains(t, d.String(), "***redacted***")
}

func TestNewCloudEventDefaults(t *testing.T) {
	ce := NewCloudEvent("harness/test", "test.started", "corr-1")
	assert.NotEmpty(t, ce.ID)
	assert.Equal(t, "1.0", ce.SpecVersion)
	assert.Equal(t, "corr-1", ce.CorrelationID)
	assert.Equal(t, "application/json", ce.DataContentType)
	assert.False(t, ce.Time.IsZero())
	assert.NotZero(t, ce.TimeEpochMicroSource)
}
