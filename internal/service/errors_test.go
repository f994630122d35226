package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/MimeLyc/lottr/internal/credential"
	"github.com/MimeLyc/lottr/internal/dispatch"
	"github.com/MimeLyc/lottr/internal/llm"
	"github.com/MimeLyc/lottr/internal/transform"
)

func TestTypeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"typed", NewError(ErrFileWrite, "x"), ErrFileWrite},
		{"wrapped typed", fmt.Errorf("outer: %w", NewError(ErrConfig, "x")), ErrConfig},
		{"pool exhausted", fmt.Errorf("acquire: %w", credential.ErrPoolExhausted), ErrPoolExhausted},
		{"cancelled", dispatch.ErrCancelled, ErrCancelled},
		{"context cancelled", context.Canceled, ErrCancelled},
		{"parse", fmt.Errorf("%w: got 1 want 2", transform.ErrParse), ErrParse},
		{"auth", &llm.APIError{Status: 401}, ErrAuth},
		{"quota status", &llm.APIError{Status: 402}, ErrQuota},
		{"quota code", &llm.APIError{Status: 429, Body: &llm.Error{Message: "no credits", Code: "insufficient_quota"}}, ErrQuota},
		{"rate limit", &llm.APIError{Status: 429}, ErrRateLimit},
		{"server", &llm.APIError{Status: 503}, ErrTransport},
		{"network", errors.New("dial tcp: connection refused"), ErrTransport},
		{"nil", nil, ErrUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TypeOf(tt.err))
		})
	}
}

func TestTransError(t *testing.T) {
	cause := errors.New("disk full")
	err := WrapError(cause, ErrFileWrite, "failed to write output").
		WithContext("output", "out.txt").
		WithContext("batch", 3)

	assert.Equal(t, "[FileWrite] failed to write output | context: batch=3, output=out.txt | cause: disk full", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsErrorType(fmt.Errorf("run: %w", err), ErrFileWrite))
	assert.False(t, IsErrorType(err, ErrConfig))
	assert.False(t, IsErrorType(cause, ErrFileWrite))
}

func TestDefaultErrorHandler(t *testing.T) {
	h := NewDefaultErrorHandler()
	for typ := ErrConfig; typ <= ErrUnknown; typ++ {
		assert.NotEmpty(t, h.GetAdvice(NewError(typ, "x")), typ.String())
	}
	assert.True(t, h.Handle(fmt.Errorf("wrapped: %w", NewError(ErrAuth, "bad key"))))
	assert.False(t, h.Handle(errors.New("plain")))
}

func TestSafeExecute(t *testing.T) {
	err := SafeExecute(func() error { panic("boom") })
	assert.True(t, IsErrorType(err, ErrUnknown))
	assert.Contains(t, err.Error(), "boom")

	assert.NoError(t, SafeExecute(func() error { return nil }))
}
