package vaultworker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CrisisTextLine/kafka-harness/internal/model"
)

type fakeInvoker struct {
	lastURL  string
	lastBody []byte
	response []byte
	err      error
}

func (f *fakeInvoker) Invoke(_ context.Context, url string, body []byte) ([]byte, error) {
	f.lastURL = url
	f.lastBody = body
	return f.response, f.err
}

const testMapping = `{"directives":[{"topic":"orders","role":"producer","securityProtocol":"SASL_SSL","jaasConfig":"secret-jaas"},{"topic":"orders","role":"consumer","securityProtocol":"PLAINTEXT","jaasConfig":""}]}`

func newTestMappingConfig() Mapping {
	return Mapping{
		ElementsPath:         ".directives[]",
		TopicPath:            ".topic",
		RolePath:             ".role",
		SecurityProtocolPath: ".securityProtocol",
		JAASConfigPath:       ".jaasConfig",
	}
}

func TestInitializeProjectsRosettaMapping(t *testing.T) {
	invoker := &fakeInvoker{response: []byte(testMapping)}
	w, err := New(invoker, "https://vault.example/invoke", `{"bucket":"{{ .System.bucket }}"}`, newTestMappingConfig(), nil)
	require.NoError(t, err)

	directive := model.BlockStorageDirective{
		Bucket: "harness-bucket",
		Topics: []model.TopicDirective{{Topic: "orders", Role: model.RoleProducer}},
	}

	directives, err := w.Initialize(context.Background(), directive, RequestParams{})
	require.NoError(t, err)
	require.Len(t, directives, 2)

	assert.Equal(t, "orders", directives[0].Topic)
	assert.Equal(t, model.RoleProducer, directives[0].Role)
	assert.Equal(t, model.ProtocolSASLSSL, directives[0].SecurityProtocol)
	assert.Equal(t, "secret-jaas", directives[0].JAASConfig)

	assert.Equal(t, model.RoleConsumer, directives[1].Role)
	assert.Equal(t, model.ProtocolPlaintext, directives[1].SecurityProtocol)

	assert.Contains(t, string(invoker.lastBody), `"bucket":"harness-bucket"`)
	assert.Equal(t, "https://vault.example/invoke", invoker.lastURL)
}

func TestInitializePropagatesInvokerError(t *testing.T) {
	invoker := &fakeInvoker{err: assertErr("cloud function unreachable")}
	w, err := New(invoker, "https://vault.example/invoke", `{}`, newTestMappingConfig(), nil)
	require.NoError(t, err)

	_, err = w.Initialize(context.Background(), model.BlockStorageDirective{}, RequestParams{})
	assert.Error(t, err)
}

func TestInitializeRejectsMalformedResponse(t *testing.T) {
	invoker := &fakeInvoker{response: []byte("not json")}
	w, err := New(invoker, "https://vault.example/invoke", `{}`, newTestMappingConfig(), nil)
	require.NoError(t, err)

	_, err = w.Initialize(context.Background(), model.BlockStorageDirective{}, RequestParams{})
	assert.Error(t, err)
}

func TestNewRejectsMalformedBodyTemplate(t *testing.T) {
	_, err := New(&fakeInvoker{}, "https://vault.example", `{{ .Broken `, newTestMappingConfig(), nil)
	assert.Error(t, err)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
