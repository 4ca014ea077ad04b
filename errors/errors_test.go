package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(42).String())
}

func TestIsTransient(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"not connected", ErrNotConnected, true},
		{"connection lost", ErrConnectionLost, true},
		{"wrapped connection lost", fmt.Errorf("publish: %w", ErrConnectionLost), true},
		{"deadline", context.DeadlineExceeded, true},
		{"timeout pattern", stderrors.New("i/o timeout"), true},
		{"broken pipe pattern", stderrors.New("write: broken pipe"), true},
		{"invalid envelope", ErrInvalidEnvelope, false},
		{"missing config", ErrMissingConfig, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func TestIsInvalid(t *testing.T) {
	assert.True(t, IsInvalid(ErrInvalidEnvelope))
	assert.True(t, IsInvalid(ErrParsingFailed))
	assert.True(t, IsInvalid(fmt.Errorf("decode: %w", ErrInvalidState)))
	assert.False(t, IsInvalid(ErrConnectionLost))
	assert.False(t, IsInvalid(nil))
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(ErrMissingConfig))
	assert.True(t, IsFatal(ErrAuthentication))
	assert.False(t, IsFatal(ErrNotConnected))
	assert.False(t, IsFatal(nil))
}

func TestWrapFormatsContext(t *testing.T) {
	base := stderrors.New("boom")
	err := Wrap(base, "Hub", "Broadcast", "write envelope")
	require.Error(t, err)
	assert.Equal(t, "Hub.Broadcast: write envelope failed: boom", err.Error())
	assert.True(t, stderrors.Is(err, base))

	assert.NoError(t, Wrap(nil, "Hub", "Broadcast", "noop"))
}

func TestClassifiedWrappers(t *testing.T) {
	base := stderrors.New("boom")

	transient := WrapTransient(base, "Gateway", "Publish", "send")
	require.True(t, IsTransient(transient))
	assert.False(t, IsInvalid(transient))

	invalid := WrapInvalid(base, "Hub", "Publish", "validate")
	require.True(t, IsInvalid(invalid))
	assert.False(t, IsTransient(invalid))

	fatal := WrapFatal(base, "Cache", "Load", "restore")
	require.True(t, IsFatal(fatal))

	// Classification survives further wrapping
	wrapped := fmt.Errorf("outer: %w", invalid)
	assert.True(t, IsInvalid(wrapped))

	// Unwrap reaches the base error
	assert.True(t, stderrors.Is(transient, base))

	// nil stays nil
	assert.NoError(t, WrapTransient(nil, "Gateway", "Publish", "send"))
	assert.NoError(t, WrapInvalid(nil, "Hub", "Publish", "validate"))
	assert.NoError(t, WrapFatal(nil, "Cache", "Load", "restore"))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorTransient, Classify(nil))
	assert.Equal(t, ErrorTransient, Classify(ErrConnectionLost))
	assert.Equal(t, ErrorInvalid, Classify(ErrInvalidEnvelope))
	assert.Equal(t, ErrorFatal, Classify(ErrAuthentication))
	assert.Equal(t, ErrorTransient, Classify(stderrors.New("mystery")))
}
