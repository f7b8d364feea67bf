package director

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := NewValidationError("workflow %q not found", "wf-123")
	require.Equal(t, "validation_error: workflow \"wf-123\" not found", err.Error())
}

func TestErrorUnwrapping(t *testing.T) {
	cause := errors.New("connection reset")
	wrapped := WrapActionError(cause)
	require.ErrorIs(t, wrapped, cause)

	var structured *Error
	require.True(t, errors.As(fmt.Errorf("outer: %w", wrapped), &structured))
	require.Equal(t, ErrorTypeActionFailed, structured.Type)
}

func TestClassify(t *testing.T) {
	t.Run("structured errors pass through", func(t *testing.T) {
		err := NewDeadlockError("no runnable steps")
		require.Equal(t, err, Classify(err))
	})

	t.Run("unknown errors default to action failures", func(t *testing.T) {
		classified := Classify(errors.New("page crashed"))
		require.Equal(t, ErrorTypeActionFailed, classified.Type)
		require.Equal(t, "page crashed", classified.Cause)
	})
}

func TestIsErrorType(t *testing.T) {
	require.True(t, IsErrorType(NewRecoveryError("no checkpoint"), ErrorTypeRecovery))
	require.False(t, IsErrorType(NewRecoveryError("no checkpoint"), ErrorTypeValidation))
	require.True(t, IsErrorType(errors.New("anything"), ErrorTypeActionFailed))
	require.False(t, IsErrorType(nil, ErrorTypeActionFailed))
}
