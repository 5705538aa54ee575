// Package serde is the SerdeFactory: a process-wide registry, keyed by
// (topic, role, isKey), of typed serializers and
// deserializers for the three schema encodings the harness supports —
// Avro, Protobuf and JSON-Schema — all registered against Confluent
// Schema Registry under TopicRecordNameStrategy so that multiple event
// types can share one topic.
//
// It wraps github.com/confluentinc/confluent-kafka-go/v2/schemaregistry
// and its serde/avro, serde/protobuf and serde/jsonschema subpackages,
// the same client family DataDog-dd-trace-go's
// contrib/confluentinc/confluent-kafka-go instrumentation targets.
package serde

import (
	"fmt"
	"sync"

	"github.com/confluentinc/confluent-kafka-go/v2/schemaregistry"
	"github.com/confluentinc/confluent-kafka-go/v2/schemaregistry/serde"
	"github.com/confluentinc/confluent-kafka-go/v2/schemaregistry/serde/avro"
	"github.com/confluentinc/confluent-kafka-go/v2/schemaregistry/serde/jsonschema"
	"github.com/confluentinc/confluent-kafka-go/v2/schemaregistry/serde/protobuf"

	"github.com/CrisisTextLine/kafka-harness/internal/model"
)

// cacheKey identifies one (topic, isKey) serializer/deserializer pairing.
// Role is folded in because a topic may be both produced to and consumed
// from within the same process during cross-cluster tests, each side
// potentially using a different schema type.
type cacheKey struct {
	topic string
	role  model.Role
	isKey bool
}

// Serializer serializes a Go value (or a CloudEvent, for keys) to the
// Confluent wire format: [0x00][4-byte schema id][payload], with an
// extra varint message-index prefix for Protobuf.
type Serializer interface {
	Serialize(topic string, value interface{}) ([]byte, error)
}

// Deserializer is the inverse of Serializer.
type Deserializer interface {
	Deserialize(topic string, data []byte, out interface{}) error
}

// Factory is the process-wide SerdeFactory singleton. It is safe for
// concurrent use; construction is idempotent per cacheKey (invariant:
// "Initialize sent twice... is idempotent" generalizes to serde
// construction too — a second request for the same key returns the
// cached instance rather than re-registering with Schema Registry).
type Factory struct {
	client schemaregistry.Client

	mu            sync.Mutex
	serializers   map[cacheKey]Serializer
	deserializers map[cacheKey]Deserializer
}

// NewFactory builds a Factory bound to a single, shared Schema Registry
// client, which is process-wide and thread-safe.
func NewFactory(registryURL string) (*Factory, error) {
	client, err := schemaregistry.NewClient(schemaregistry.NewConfig(registryURL))
	if err != nil {
		return nil, fmt.Errorf("serde: creating schema registry client: %w", err)
	}
	return &Factory{
		client:        client,
		serializers:   make(map[cacheKey]Serializer),
		deserializers: make(map[cacheKey]Deserializer),
	}, nil
}

// Shutdown releases the underlying Schema Registry client's resources;
// called once, by the root supervisor, at process exit.
func (f *Factory) Shutdown() error {
	return f.client.Close()
}

// KeySerializer returns (constructing and caching on first use) the
// serializer for a topic's CloudEvent key, encoded as schemaType.
func (f *Factory) KeySerializer(topic string, role model.Role, schemaType model.SchemaType) (Serializer, error) {
	return f.serializerFor(cacheKey{topic: topic, role: role, isKey: true}, schemaType)
}

// ValueSerializer returns the serializer for a topic's event payload.
func (f *Factory) ValueSerializer(topic string, role model.Role, schemaType model.SchemaType) (Serializer, error) {
	return f.serializerFor(cacheKey{topic: topic, role: role, isKey: false}, schemaType)
}

// KeyDeserializer returns the deserializer for a topic's CloudEvent key.
func (f *Factory) KeyDeserializer(topic string, role model.Role, schemaType model.SchemaType) (Deserializer, error) {
	return f.deserializerFor(cacheKey{topic: topic, role: role, isKey: true}, schemaType)
}

// ValueDeserializer returns the deserializer for a topic's payload.
func (f *Factory) ValueDeserializer(topic string, role model.Role, schemaType model.SchemaType) (Deserializer, error) {
	return f.deserializerFor(cacheKey{topic: topic, role: role, isKey: false}, schemaType)
}

func (f *Factory) serializerFor(key cacheKey, schemaType model.SchemaType) (Serializer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if s, ok := f.serializers[key]; ok {
		return s, nil
	}

	serdeType := serde.ValueSerde
	if key.isKey {
		serdeType = serde.KeySerde
	}

	var (
		s   Serializer
		err error
	)
	switch schemaType {
	case model.SchemaAvro:
		s, err = newAvroSerializer(f.client, serdeType)
	case model.SchemaProtobuf:
		s, err = newProtobufSerializer(f.client, serdeType)
	case model.SchemaJSONSchema:
		s, err = newJSONSchemaSerializer(f.client, serdeType)
	default:
		return nil, fmt.Errorf("serde: unknown schema type %q", schemaType)
	}
	if err != nil {
		return nil, err
	}
	f.serializers[key] = s
	return s, nil
}

func (f *Factory) deserializerFor(key cacheKey, schemaType model.SchemaType) (Deserializer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if d, ok := f.deserializers[key]; ok {
		return d, nil
	}

	serdeType := serde.ValueSerde
	if key.isKey {
		serdeType = serde.KeySerde
	}

	var (
		d   Deserializer
		err error
	)
	switch schemaType {
	case model.SchemaAvro:
		d, err = newAvroDeserializer(f.client, serdeType)
	case model.SchemaProtobuf:
		d, err = newProtobufDeserializer(f.client, serdeType)
	case model.SchemaJSONSchema:
		d, err = newJSONSchemaDeserializer(f.client, serdeType)
	default:
		return nil, fmt.Errorf("serde: unknown schema type %q", schemaType)
	}
	if err != nil {
		return nil, err
	}
	f.deserializers[key] = d
	return d, nil
}

// applyTopicRecordNameStrategy sets the subject naming shared by all
// three encodings' serializer configs: subjects are named TopicRecordNameStrategy
// ("{topic}-{RecordName}"), not the default "{topic}-key"/"{topic}-value",
// so that multiple event types can coexist on one topic.
func applyTopicRecordNameStrategy(subjectNameStrategy *func(string, serde.Type, *schemaregistry.SchemaInfo) (string, error)) {
	*subjectNameStrategy = serde.TopicRecordNameStrategy
}

// --- Avro ---

type avroSerializer struct{ inner *avro.GenericSerializer }

func (s *avroSerializer) Serialize(topic string, value interface{}) ([]byte, error) {
	return s.inner.Serialize(topic, value)
}

func newAvroSerializer(client schemaregistry.Client, serdeType serde.Type) (Serializer, error) {
	conf := avro.NewSerializerConfig()
	conf.AutoRegisterSchemas = true
	applyTopicRecordNameStrategy(&conf.SubjectNameStrategy)
	inner, err := avro.NewGenericSerializer(client, serdeType, conf)
	if err != nil {
		return nil, fmt.Errorf("serde: avro serializer: %w", err)
	}
	return &avroSerializer{inner: inner}, nil
}

type avroDeserializer struct{ inner *avro.GenericDeserializer }

func (d *avroDeserializer) Deserialize(topic string, data []byte, out interface{}) error {
	return d.inner.DeserializeInto(topic, data, out)
}

func newAvroDeserializer(client schemaregistry.Client, serdeType serde.Type) (Deserializer, error) {
	conf := avro.NewDeserializerConfig()
	inner, err := avro.NewGenericDeserializer(client, serdeType, conf)
	if err != nil {
		return nil, fmt.Errorf("serde: avro deserializer: %w", err)
	}
	return &avroDeserializer{inner: inner}, nil
}

// --- Protobuf ---

type protobufSerializer struct{ inner *protobuf.Serializer }

func (s *protobufSerializer) Serialize(topic string, value interface{}) ([]byte, error) {
	msg, ok := value.(protoMessage)
	if !ok {
		return nil, fmt.Errorf("serde: protobuf serializer requires a proto.Message, got %T", value)
	}
	return s.inner.Serialize(topic, msg)
}

func newProtobufSerializer(client schemaregistry.Client, serdeType serde.Type) (Serializer, error) {
	conf := protobuf.NewSerializerConfig()
	conf.AutoRegisterSchemas = true
	applyTopicRecordNameStrategy(&conf.SubjectNameStrategy)
	inner, err := protobuf.NewSerializer(client, serdeType, conf)
	if err != nil {
		return nil, fmt.Errorf("serde: protobuf serializer: %w", err)
	}
	return &protobufSerializer{inner: inner}, nil
}

type protobufDeserializer struct{ inner *protobuf.Deserializer }

func (d *protobufDeserializer) Deserialize(topic string, data []byte, out interface{}) error {
	msg, ok := out.(protoMessage)
	if !ok {
		return fmt.Errorf("serde: protobuf deserializer requires a proto.Message target, got %T", out)
	}
	return d.inner.DeserializeInto(topic, data, msg)
}

func newProtobufDeserializer(client schemaregistry.Client, serdeType serde.Type) (Deserializer, error) {
	conf := protobuf.NewDeserializerConfig()
	inner, err := protobuf.NewDeserializer(client, serdeType, conf)
	if err != nil {
		return nil, fmt.Errorf("serde: protobuf deserializer: %w", err)
	}
	return &protobufDeserializer{inner: inner}, nil
}

// protoMessage is the minimal subset of proto.Message the harness
// depends on, declared locally so this file does not need to import
// google.golang.org/protobuf directly just to name the interface.
type protoMessage interface {
	Reset()
	String() string
	ProtoReflect() interface {
		Descriptor() interface{ FullName() string }
	}
}

// --- JSON-Schema ---

type jsonSchemaSerializer struct{ inner *jsonschema.Serializer }

func (s *jsonSchemaSerializer) Serialize(topic string, value interface{}) ([]byte, error) {
	return s.inner.Serialize(topic, value)
}

func newJSONSchemaSerializer(client schemaregistry.Client, serdeType serde.Type) (Serializer, error) {
	conf := jsonschema.NewSerializerConfig()
	conf.AutoRegisterSchemas = true
	// Forward compatibility: unknown properties in a newer producer's
	// payload never fail an older consumer's schema validation.
	conf.FailUnknownProperties = false
	applyTopicRecordNameStrategy(&conf.SubjectNameStrategy)
	inner, err := jsonschema.NewSerializer(client, serdeType, conf)
	if err != nil {
		return nil, fmt.Errorf("serde: json-schema serializer: %w", err)
	}
	return &jsonSchemaSerializer{inner: inner}, nil
}

type jsonSchemaDeserializer struct{ inner *jsonschema.Deserializer }

func (d *jsonSchemaDeserializer) Deserialize(topic string, data []byte, out interface{}) error {
	return d.inner.DeserializeInto(topic, data, out)
}

func newJSONSchemaDeserializer(client schemaregistry.Client, serdeType serde.Type) (Deserializer, error) {
	conf := jsonschema.NewDeserializerConfig()
	inner, err := jsonschema.NewDeserializer(client, serdeType, conf)
	if err != nil {
		return nil, fmt.Errorf("serde: json-schema deserializer: %w", err)
	}
	return &jsonSchemaDeserializer{inner: inner}, nil
}
