package harnesserr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		ValidationFailed:   http.StatusBadRequest,
		ServiceTimeout:     http.StatusGatewayTimeout,
		ServiceUnavailable: http.StatusServiceUnavailable,
		Internal:           http.StatusInternalServerError,
		StorageFailed:      http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.HTTPStatus(), "kind %s", kind)
	}
}

func TestUserVisible(t *testing.T) {
	assert.True(t, ValidationFailed.UserVisible())
	assert.True(t, ServiceTimeout.UserVisible())
	assert.True(t, ServiceUnavailable.UserVisible())
	assert.True(t, Internal.UserVisible())

	assert.False(t, StorageFailed.UserVisible())
	assert.False(t, VaultFailed.UserVisible())
	assert.False(t, ScenarioFailed.UserVisible())
	assert.False(t, KafkaFailed.UserVisible())
}

func TestNewAndWrap(t *testing.T) {
	plain := New(ValidationFailed, "bucket is required")
	assert.Equal(t, "ValidationFailed: bucket is required", plain.Error())
	assert.NoError(t, plain.Unwrap())

	cause := errors.New("connection refused")
	wrapped := Wrap(ServiceUnavailable, "coordinator unreachable", cause)
	assert.ErrorIs(t, wrapped, cause)
	assert.Contains(t, wrapped.Error(), "connection refused")
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KafkaFailed, KindOf(New(KafkaFailed, "produce failed")))
	assert.Equal(t, Internal, KindOf(errors.New("plain error")))
	assert.Equal(t, Internal, KindOf(nil))
}

func TestErrorIsComparesKind(t *testing.T) {
	a := New(ValidationFailed, "first message")
	b := New(ValidationFailed, "second message")
	c := New(StorageFailed, "first message")

	assert.True(t, a.Is(b))
	assert.False(t, a.Is(c))
}

func TestWrapPreservesChainForErrorsAs(t *testing.T) {
	cause := fmt.Errorf("dial tcp: %w", errors.New("timeout"))
	err := Wrap(ServiceTimeout, "vault call timed out", cause)

	var target *Error
	require.True(t, errors.As(err, &target))
	assert.Equal(t, ServiceTimeout, target.Kind)
}
