package relay_errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationErrorMatching(t *testing.T) {
	plain := Invalid("content", "Message cannot be empty.")
	assert.ErrorIs(t, plain, ErrInvalidInput)
	assert.NotErrorIs(t, plain, ErrTooLarge)
	assert.EqualError(t, plain, "content: Message cannot be empty.")

	quota := fmt.Errorf("send: %w", Reject(ErrQuotaExceeded, "files", "%.2fMB remaining.", 1.5))
	assert.ErrorIs(t, quota, ErrInvalidInput)
	assert.ErrorIs(t, quota, ErrQuotaExceeded)

	v, ok := AsValidation(quota)
	if assert.True(t, ok) {
		assert.Equal(t, "files", v.Field)
		assert.Equal(t, "1.50MB remaining.", v.Message)
	}
}

func TestAsValidationMisses(t *testing.T) {
	_, ok := AsValidation(errors.New("boom"))
	assert.False(t, ok)
	assert.EqualError(t, &ValidationError{Message: "bare"}, "bare")
}
