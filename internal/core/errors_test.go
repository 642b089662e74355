package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, ErrorKind(""), KindOf(nil))
	assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindCancelled, KindOf(context.Canceled))
	assert.Equal(t, KindUpstream, KindOf(errors.New("boom")))

	wrapped := NewError(KindOverloaded, "local-llm", "concurrency limit reached", nil)
	assert.Equal(t, KindOverloaded, KindOf(wrapped))

	// Kind survives further wrapping.
	assert.Equal(t, KindOverloaded, KindOf(errors.Join(errors.New("outer"), wrapped)))
}

func TestErrorUnwrap(t *testing.T) {
	cause := context.DeadlineExceeded
	err := NewError(KindTimeout, "slow-api", "request deadline exceeded", cause)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "slow-api")
	assert.Contains(t, err.Error(), "timeout")
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(KindTimeout))
	assert.True(t, Retryable(KindOverloaded))
	assert.False(t, Retryable(KindUpstream))
	assert.False(t, Retryable(KindNotFound))
	assert.False(t, Retryable(KindSandboxFailure))
	assert.False(t, Retryable(KindMalformedResponse))
}

func TestSanitizedMessage_NeverEmpty(t *testing.T) {
	kinds := []ErrorKind{
		KindNotFound, KindAllProvidersUnhealthy, KindTimeout, KindOverloaded,
		KindSandboxFailure, KindUpstream, KindMalformedResponse,
		KindConfigurationInvalid, KindCancelled,
	}

	for _, kind := range kinds {
		assert.NotEmpty(t, SanitizedMessage(kind), "kind %s", kind)
	}
}

func TestHealthStateRoutable(t *testing.T) {
	assert.True(t, HealthUnknown.Routable(), "unknown providers stay routable until proven bad")
	assert.True(t, HealthHealthy.Routable())
	assert.True(t, HealthDegraded.Routable())
	assert.False(t, HealthUnhealthy.Routable())
}
