package gateway

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStorageErrorMatching(t *testing.T) {
	transport := NewStorageError("s3", "get", "a.txt", errors.New("connection reset"))
	assert.ErrorIs(t, transport, ErrStorage)
	assert.False(t, IsNotFound(transport))
	assert.Contains(t, transport.Error(), "connection reset")
	assert.Contains(t, transport.Error(), "a.txt")

	missing := NewStorageError("s3", "get", "a.txt", NotFoundError("object", "a.txt"))
	assert.True(t, IsNotFound(missing))
	assert.NotErrorIs(t, missing, ErrStorage, "not-found must not be reported as a storage failure")

	assert.Nil(t, NewStorageError("s3", "get", "a.txt", nil))
}

func TestPartialWriteError(t *testing.T) {
	err := fmt.Errorf("create version: %w", &PartialWriteError{
		Key:        "a.txt",
		VersionKey: "a.txt.v2.x",
		Err:        errors.New("timeout"),
	})
	assert.ErrorIs(t, err, ErrPartialWrite)

	var pw *PartialWriteError
	assert.True(t, errors.As(err, &pw))
	assert.True(t, pw.Retryable())
	assert.Equal(t, KindStorage, KindOf(err))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, ""},
		{NotFoundError("object", "x"), KindNotFound},
		{fmt.Errorf("wrapped: %w", ErrStorageNotFound), KindNotFound},
		{fmt.Errorf("%w: bad", ErrInvalidMetadata), KindInvalidMetadata},
		{fmt.Errorf("%w: bad", ErrSerialization), KindSerialization},
		{ErrPresignNotSupported, KindUnsupported},
		{fmt.Errorf("%w: disk", ErrIO), KindIO},
		{NewStorageError("redis", "set", "k", errors.New("boom")), KindStorage},
		{errors.New("anything else"), KindInternal},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, KindOf(tt.err), "KindOf(%v)", tt.err)
	}
}
