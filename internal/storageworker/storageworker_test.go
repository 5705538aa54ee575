package storageworker

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CrisisTextLine/kafka-harness/internal/model"
)

type fakeProvider struct {
	objects map[string][]byte
	puts    map[string][]byte
	listErr error
	getErr  error
	putErr  error
}

func newFakeProvider(objects map[string][]byte) *fakeProvider {
	return &fakeProvider{objects: objects, puts: make(map[string][]byte)}
}

func (p *fakeProvider) ListObjects(_ context.Context, _, _ string) ([]string, error) {
	if p.listErr != nil {
		return nil, p.listErr
	}
	keys := make([]string, 0, len(p.objects))
	for k := range p.objects {
		keys = append(keys, k)
	}
	return keys, nil
}

func (p *fakeProvider) GetObject(_ context.Context, _, key string) ([]byte, error) {
	if p.getErr != nil {
		return nil, p.getErr
	}
	data, ok := p.objects[key]
	if !ok {
		return nil, assertNotFound(key)
	}
	return data, nil
}

func (p *fakeProvider) PutObject(_ context.Context, _, key string, data []byte) error {
	if p.putErr != nil {
		return p.putErr
	}
	p.puts[key] = data
	return nil
}

type assertNotFound string

func (e assertNotFound) Error() string { return "object not found: " + string(e) }

const testManifest = `
evidenceDir: /staging/evidence
gluePackages:
  - orders
topics:
  - topic: orders
    role: producer
    clientPrincipal: svc-orders
    bootstrapServers: broker:9092
    keySchemaType: AVRO
    valueSchemaType: JSON
    filters:
      - eventType: order.created
        payloadVersion: v1
`

func TestInitializeParsesManifestAndStagesFiles(t *testing.T) {
	provider := newFakeProvider(map[string][]byte{
		"manifest.yaml":   []byte(testManifest),
		"fixtures/a.json": []byte(`{"a":1}`),
	})
	w := New(provider)

	directive, err := w.Initialize(context.Background(), "harness-bucket")
	require.NoError(t, err)

	assert.Equal(t, "harness-bucket", directive.Bucket)
	assert.Equal(t, "/staging", directive.StagingPath)
	assert.Equal(t, "/staging/evidence", directive.EvidenceDir)
	assert.Equal(t, []string{"orders"}, directive.GluePackages)
	require.Len(t, directive.Topics, 1)

	topic := directive.Topics[0]
	assert.Equal(t, "orders", topic.Topic)
	assert.Equal(t, model.RoleProducer, topic.Role)
	assert.Equal(t, "svc-orders", topic.ClientPrincipal)
	assert.Equal(t, model.SchemaType("AVRO"), topic.KeySchemaType)
	require.Len(t, topic.Filters, 1)
	assert.Equal(t, "order.created", topic.Filters[0].EventType)

	staged, err := afero.ReadFile(w.FS(), "/staging/fixtures/a.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(staged))
}

func TestInitializeDefaultsEvidenceDirWhenManifestOmitsIt(t *testing.T) {
	provider := newFakeProvider(map[string][]byte{
		"manifest.yaml": []byte("topics: []\n"),
	})
	w := New(provider)

	directive, err := w.Initialize(context.Background(), "bucket")
	require.NoError(t, err)
	assert.Equal(t, "/staging/evidence", directive.EvidenceDir)
}

func TestInitializeReturnsErrManifestNotFoundWhenMissing(t *testing.T) {
	provider := newFakeProvider(map[string][]byte{
		"fixtures/a.json": []byte(`{}`),
	})
	w := New(provider)

	_, err := w.Initialize(context.Background(), "bucket")
	assert.ErrorIs(t, err, ErrManifestNotFound)
}

func TestInitializePropagatesListObjectsError(t *testing.T) {
	provider := newFakeProvider(nil)
	provider.listErr = assertNotFound("boom")
	w := New(provider)

	_, err := w.Initialize(context.Background(), "bucket")
	assert.Error(t, err)
}

func TestLoadToBlockStorageUploadsEvidenceUnderTestID(t *testing.T) {
	provider := newFakeProvider(map[string][]byte{
		"manifest.yaml": []byte(testManifest),
	})
	w := New(provider)
	_, err := w.Initialize(context.Background(), "bucket")
	require.NoError(t, err)

	require.NoError(t, afero.WriteFile(w.FS(), "/staging/evidence/report.json", []byte(`{"ok":true}`), 0o644))

	testID := model.NewTestID()
	require.NoError(t, w.LoadToBlockStorage(context.Background(), "bucket", testID, "/staging/evidence"))

	key := "evidence/" + testID.String() + "/report.json"
	got, ok := provider.puts[key]
	require.True(t, ok, "expected upload at key %s, got %v", key, provider.puts)
	assert.JSONEq(t, `{"ok":true}`, string(got))
}

func TestLoadToBlockStorageIsNoopWhenEvidenceDirMissing(t *testing.T) {
	provider := newFakeProvider(map[string][]byte{
		"manifest.yaml": []byte(testManifest),
	})
	w := New(provider)
	_, err := w.Initialize(context.Background(), "bucket")
	require.NoError(t, err)

	testID := model.NewTestID()
	err = w.LoadToBlockStorage(context.Background(), "bucket", testID, "/staging/evidence")
	assert.NoError(t, err)
	assert.Empty(t, provider.puts)
}
