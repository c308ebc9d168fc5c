package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationErrorMessage(t *testing.T) {
	assert.Equal(t, "missing field: Priority", Missing("grafana", "Priority").Error())
	assert.Equal(t, "invalid field Priority: unknown value \"urgent\"", Invalid("grafana", "Priority", `unknown value "urgent"`).Error())

	err := Missing("grafana", "Team")
	err.Context = "[source=grafana, messageId=m-1]"
	assert.Equal(t, "missing field: Team", err.Error())
}

func TestClassification(t *testing.T) {
	base := errors.New("boom")

	testCases := []struct {
		name       string
		err        error
		validation bool
		transient  bool
		permanent  bool
	}{
		{"validation", fmt.Errorf("transform: %w", Missing("grafana", "Priority")), true, false, false},
		{"transient", fmt.Errorf("sync: %w", Transient("create issue", base)), false, true, false},
		{"permanent", fmt.Errorf("sync: %w", Permanent("create issue", base)), false, false, true},
		{"plain", base, false, false, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.validation, IsValidation(tc.err))
			assert.Equal(t, tc.transient, IsTransient(tc.err))
			assert.Equal(t, tc.permanent, IsPermanent(tc.err))
		})
	}

	assert.ErrorIs(t, Transient("op", base), base)
	assert.NoError(t, Transient("op", nil))
	assert.NoError(t, Permanent("op", nil))
}
