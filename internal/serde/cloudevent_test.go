package serde

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CrisisTextLine/kafka-harness/internal/model"
)

func TestToWireKeyFromWireKeyRoundTrip(t *testing.T) {
	ce := model.CloudEvent{
		ID:                   "evt-1",
		Source:               "harness/test",
		SpecVersion:          "1.0",
		Type:                 "test.started",
		Time:                 time.Date(2026, 7, 30, 12, 0, 0, 123000, time.UTC),
		Subject:              "test-123",
		DataContentType:      "application/json",
		CorrelationID:        "corr-1",
		PayloadVersion:       "v1",
		TimeEpochMicroSource: 1234567890,
	}

	wire := ToWireKey(ce)
	back, err := FromWireKey(wire)
	require.NoError(t, err)

	assert.Equal(t, ce.ID, back.ID)
	assert.Equal(t, ce.Source, back.Source)
	assert.Equal(t, ce.Type, back.Type)
	assert.Equal(t, ce.CorrelationID, back.CorrelationID)
	assert.Equal(t, ce.PayloadVersion, back.PayloadVersion)
	assert.Equal(t, ce.TimeEpochMicroSource, back.TimeEpochMicroSource)
	assert.True(t, ce.Time.Equal(back.Time))
}

func TestFromWireKeyAcceptsMapShape(t *testing.T) {
	raw := map[string]interface{}{
		"id":                     "evt-2",
		"source":                 "harness/test",
		"specversion":            "1.0",
		"type":                   "test.completed",
		"time":                   "2026-07-30T12:00:00Z",
		"correlationid":          "corr-2",
		"payloadversion":         "v1",
		"time_epoch_micro_source": int64(42),
	}

	ce, err := FromWireKey(raw)
	require.NoError(t, err)
	assert.Equal(t, "evt-2", ce.ID)
	assert.Equal(t, "corr-2", ce.CorrelationID)
	assert.Equal(t, int64(42), ce.TimeEpochMicroSource)
}

func TestFromWireKeyHandlesEmptyTime(t *testing.T) {
	ce, err := FromWireKey(map[string]interface{}{"time": ""})
	require.NoError(t, err)
	assert.True(t, ce.Time.IsZero())
}

func TestFromWireKeyRejectsMalformedTime(t *testing.T) {
	_, err := FromWireKey(map[string]interface{}{"time": "not-a-time"})
	assert.Error(t, err)
}
