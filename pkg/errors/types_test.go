package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationError(t *testing.T) {
	err := &ValidationError{Field: "workflow", Message: "name is required"}
	assert.Equal(t, "validation failed on workflow: name is required", err.Error())

	err = &ValidationError{Message: "bad input"}
	assert.Equal(t, "validation failed: bad input", err.Error())
}

func TestProviderErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := &ProviderError{Provider: "claude", Model: "sonnet", StatusCode: 503,
		Message: "overloaded", Retriable: true, Cause: cause}

	assert.Contains(t, err.Error(), "provider claude error")
	assert.Contains(t, err.Error(), "model=sonnet")
	assert.Contains(t, err.Error(), "[HTTP 503]")
	assert.ErrorIs(t, err, cause)

	var perr *ProviderError
	wrapped := fmt.Errorf("step failed: %w", err)
	assert.ErrorAs(t, wrapped, &perr)
	assert.True(t, perr.Retriable)
}

func TestStepError(t *testing.T) {
	err := &StepError{StepID: "extract", ParallelIndex: -1, Message: "boom"}
	assert.Equal(t, `step "extract" failed: boom`, err.Error())

	err = &StepError{StepID: "fan", ParallelIndex: 2, Message: "boom"}
	assert.Equal(t, `step "fan" item 2 failed: boom`, err.Error())
}

func TestNotFoundError(t *testing.T) {
	err := &NotFoundError{Resource: "workflow", ID: "enrich-lead"}
	assert.Equal(t, "workflow not found: enrich-lead", err.Error())
}
