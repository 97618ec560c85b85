package apperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	cause := errors.New("connection refused")
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{Input("body is empty"), "input_error"},
		{Wrap(ErrClassificationUnavailable, cause), "classification_unavailable"},
		{Wrap(ErrRetrievalUnavailable, cause), "retrieval_unavailable"},
		{Wrap(ErrCompositionUnavailable, cause), "composition_unavailable"},
		{Wrap(ErrPersistence, cause), "persistence_error"},
		{cause, "internal_error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Kind(tt.err))
	}
}

func TestWrap_KeepsCause(t *testing.T) {
	cause := errors.New("timeout")
	err := Wrap(ErrPersistence, cause)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, Wrap(ErrPersistence, nil))
	// already of that kind: unchanged
	assert.Equal(t, err, Wrap(ErrPersistence, err))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(Wrap(ErrClassificationUnavailable, errors.New("5xx"))))
	assert.False(t, Retryable(Input("empty")))
	assert.False(t, Retryable(Wrap(ErrPersistence, errors.New("x"))))
}
