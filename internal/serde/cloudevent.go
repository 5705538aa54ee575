package serde

import (
	"encoding/json"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/CrisisTextLine/kafka-harness/internal/model"
)

// cloudEventWire is the wire-shaped projection of model.CloudEvent used
// as the Avro/JSON-Schema generic serializer input, kept deliberately
// distinct from the Go-side CloudEvent type so that wire casing
// (lowercase, underscored) never leaks into internal field names.
type cloudEventWire struct {
	ID                   string `json:"id" avro:"id"`
	Source               string `json:"source" avro:"source"`
	SpecVersion          string `json:"specversion" avro:"specversion"`
	Type                 string `json:"type" avro:"type"`
	Time                 string `json:"time" avro:"time"`
	Subject              string `json:"subject" avro:"subject"`
	DataContentType      string `json:"datacontenttype" avro:"datacontenttype"`
	CorrelationID        string `json:"correlationid" avro:"correlationid"`
	PayloadVersion       string `json:"payloadversion" avro:"payloadversion"`
	TimeEpochMicroSource int64  `json:"time_epoch_micro_source" avro:"time_epoch_micro_source"`
}

// ToWireKey projects a model.CloudEvent to the flat shape the Avro and
// JSON-Schema generic serializers encode. Time is written as an RFC3339
// string with microsecond precision (finer digits are dropped); the
// other fields round-trip unchanged, including zero, empty-string and
// max-int64 timestamp values.
func ToWireKey(ce model.CloudEvent) interface{} {
	return cloudEventWire{
		ID:                   ce.ID,
		Source:               ce.Source,
		SpecVersion:          ce.SpecVersion,
		Type:                 ce.Type,
		Time:                 ce.Time.Format(rfc3339Micro),
		Subject:              ce.Subject,
		DataContentType:      ce.DataContentType,
		CorrelationID:        ce.CorrelationID,
		PayloadVersion:       ce.PayloadVersion,
		TimeEpochMicroSource: ce.TimeEpochMicroSource,
	}
}

const rfc3339Micro = "2006-01-02T15:04:05.000000Z07:00"

// FromWireKey is the inverse of ToWireKey, used by the consumer streaming
// worker after deserializing a record's key.
func FromWireKey(v interface{}) (model.CloudEvent, error) {
	// The generic Avro/JSON-Schema deserializers populate a
	// map[string]interface{} (or the concrete cloudEventWire struct, if
	// DeserializeInto was given one); normalize through JSON so both
	// shapes are handled uniformly.
	raw, err := json.Marshal(v)
	if err != nil {
		return model.CloudEvent{}, fmt.Errorf("serde: marshal intermediate cloudevent: %w", err)
	}
	var w cloudEventWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return model.CloudEvent{}, fmt.Errorf("serde: unmarshal cloudevent wire shape: %w", err)
	}
	t, err := parseFlexibleTime(w.Time)
	if err != nil {
		return model.CloudEvent{}, fmt.Errorf("serde: parse cloudevent time %q: %w", w.Time, err)
	}
	return model.CloudEvent{
		ID:                   w.ID,
		Source:               w.Source,
		SpecVersion:          w.SpecVersion,
		Type:                 w.Type,
		Time:                 t,
		Subject:              w.Subject,
		DataContentType:      w.DataContentType,
		CorrelationID:        w.CorrelationID,
		PayloadVersion:       w.PayloadVersion,
		TimeEpochMicroSource: w.TimeEpochMicroSource,
	}, nil
}

// ValidateEnvelope checks ce against the CloudEvents 1.0 spec's required
// attributes (id, source, type, specversion), delegating to
// cloudevents/sdk-go/v2's own conformance checker instead of
// reimplementing the required-attribute rules by hand. Called by the
// producer streaming worker before a record's key is serialized, so a
// malformed envelope is rejected before it ever reaches the broker.
func ValidateEnvelope(ce model.CloudEvent) error {
	version := ce.SpecVersion
	if version == "" {
		version = cloudevents.VersionV1
	}
	event := cloudevents.NewEvent(version)
	event.SetID(ce.ID)
	event.SetSource(ce.Source)
	event.SetType(ce.Type)
	if ce.Subject != "" {
		event.SetSubject(ce.Subject)
	}
	if !ce.Time.IsZero() {
		event.SetTime(ce.Time)
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("serde: cloudevent envelope invalid: %w", err)
	}
	return nil
}

// parseFlexibleTime accepts both the micro-precision layout ToWireKey
// writes and plain RFC3339.
func parseFlexibleTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(rfc3339Micro, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
