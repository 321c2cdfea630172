package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassString(t *testing.T) {
	tests := []struct {
		class ErrorClass
		want  string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(99), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.class.String())
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"connection lost sentinel", ErrConnectionLost, true},
		{"revision conflict sentinel", ErrRevisionConflict, true},
		{"queue full sentinel", ErrQueueFull, true},
		{"context deadline", context.DeadlineExceeded, true},
		{"wrapped transient", fmt.Errorf("outer: %w", ErrStorageUnavailable), true},
		{"message pattern", errors.New("nats: connection refused"), true},
		{"invalid config", ErrInvalidConfig, false},
		{"compilation failure", ErrCompilationFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsInvalid(t *testing.T) {
	assert.True(t, IsInvalid(ErrUnknownLanguage))
	assert.True(t, IsInvalid(ErrCompilationFailed))
	assert.True(t, IsInvalid(ErrTenantInactive))
	assert.True(t, IsInvalid(fmt.Errorf("merge: %w", ErrAssetNotFound)))
	assert.False(t, IsInvalid(ErrConnectionLost))
	assert.False(t, IsInvalid(nil))
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(ErrInvalidConfig))
	assert.True(t, IsFatal(ErrMissingConfig))
	assert.False(t, IsFatal(ErrRulesetNotFound))
	assert.False(t, IsFatal(nil))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorTransient, Classify(nil))
	assert.Equal(t, ErrorTransient, Classify(ErrConnectionLost))
	assert.Equal(t, ErrorInvalid, Classify(ErrUnknownLanguage))
	assert.Equal(t, ErrorFatal, Classify(ErrMissingConfig))
	// Unknown errors default to transient so callers may retry
	assert.Equal(t, ErrorTransient, Classify(errors.New("something odd")))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "RulesService", "Start", "load rulesets"))

	base := errors.New("boom")
	err := Wrap(base, "RulesService", "Start", "load rulesets")
	require.Error(t, err)
	assert.Equal(t, "RulesService.Start: load rulesets failed: boom", err.Error())
	assert.True(t, errors.Is(err, base))
}

func TestWrapClassified(t *testing.T) {
	base := errors.New("boom")

	for _, tt := range []struct {
		name string
		wrap func(error, string, string, string) error
		want ErrorClass
	}{
		{"transient", WrapTransient, ErrorTransient},
		{"invalid", WrapInvalid, ErrorInvalid},
		{"fatal", WrapFatal, ErrorFatal},
	} {
		t.Run(tt.name, func(t *testing.T) {
			assert.Nil(t, tt.wrap(nil, "c", "m", "a"))

			err := tt.wrap(base, "RulesEngine", "Deploy", "compile ruleset")
			require.Error(t, err)

			var ce *ClassifiedError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, tt.want, ce.Class)
			assert.Equal(t, "RulesEngine", ce.Component)
			assert.True(t, errors.Is(err, base))
		})
	}
}
