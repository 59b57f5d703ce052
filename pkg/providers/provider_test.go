package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorClass
	}{
		{http.StatusUnauthorized, ClassAuthError},
		{http.StatusForbidden, ClassAuthError},
		{http.StatusTooManyRequests, ClassRateLimit},
		{http.StatusRequestTimeout, ClassTimeout},
		{http.StatusGatewayTimeout, ClassTimeout},
		{http.StatusInternalServerError, ClassUpstreamError},
		{http.StatusBadGateway, ClassUpstreamError},
		{http.StatusBadRequest, ClassValidationError},
		{http.StatusUnprocessableEntity, ClassValidationError},
		{http.StatusNotFound, ClassPermanent},
		{http.StatusOK, ClassTransient},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d", tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyHTTPStatus(tt.status))
		})
	}
}

func TestRetriable(t *testing.T) {
	assert.True(t, ClassRateLimit.Retriable())
	assert.True(t, ClassTimeout.Retriable())
	assert.True(t, ClassUpstreamError.Retriable())
	assert.True(t, ClassTransient.Retriable())

	assert.False(t, ClassValidationError.Retriable())
	assert.False(t, ClassAuthError.Retriable())
	assert.False(t, ClassPermanent.Retriable())
}

func TestClassOf(t *testing.T) {
	inner := errors.New("boom")
	assert.Equal(t, ClassRateLimit, ClassOf(NewFailure(ClassRateLimit, "p", inner)))

	// Wrapped failures are still found.
	wrapped := fmt.Errorf("call failed: %w", NewFailure(ClassAuthError, "p", inner))
	assert.Equal(t, ClassAuthError, ClassOf(wrapped))

	assert.Equal(t, ClassTimeout, ClassOf(context.DeadlineExceeded))
	assert.Equal(t, ClassTransient, ClassOf(errors.New("connection reset")))
}

func TestFailureUnwrap(t *testing.T) {
	inner := errors.New("boom")
	f := NewFailure(ClassUpstreamError, "openai_gpt_4o_mini", inner)
	assert.ErrorIs(t, f, inner)
	assert.Contains(t, f.Error(), "openai_gpt_4o_mini")
	assert.Contains(t, f.Error(), "boom")
}

func TestDisplayName(t *testing.T) {
	req := Request{JapaneseText: "唐揚げ"}
	assert.Equal(t, "唐揚げ", req.DisplayName())
	req.EnglishText = "Fried Chicken"
	assert.Equal(t, "Fried Chicken", req.DisplayName())
}

func TestStripJSONFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripJSONFences(`{"a":1}`))
	assert.Equal(t, `{"a":1}`, stripJSONFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripJSONFences("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripJSONFences("  {\"a\":1}  "))
}
