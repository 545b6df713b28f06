package statemachine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consentgrid/internal/permission/models"
	dErrors "consentgrid/pkg/domain-errors"
)

func TestGenericHappyPath(t *testing.T) {
	m := Generic()
	steps := []struct {
		op   models.Operation
		want models.Status
	}{
		{models.OpValidate, models.StatusValidated},
		{models.OpSendToAdministrator, models.StatusSentToAdministrator},
		{models.OpReceiveAdministratorResponse, models.StatusSentToAdministrator},
		{models.OpAccept, models.StatusAccepted},
		{models.OpTimeLimitReached, models.StatusTimeLimitReached},
		{models.OpTimeOut, models.StatusTimedOut},
	}
	status := models.StatusCreated
	for _, step := range steps {
		next, err := m.Transition(status, step.op)
		require.NoError(t, err, "%s from %s", step.op, status)
		assert.Equal(t, step.want, next)
		status = next
	}
}

func TestTerminalStatesRejectEverything(t *testing.T) {
	m := Generic()
	for _, status := range models.TerminalStatuses() {
		assert.Empty(t, m.Supported(status))
		for _, op := range models.AllOperations {
			_, err := m.Transition(status, op)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrPastState, "%s from %s", op, status)
			assert.False(t, m.Can(status, op))
		}
	}
}

func TestEveryStatusEnumeratesEveryOperation(t *testing.T) {
	for _, m := range []*Machine{Generic(), mustNew(t, NoAcknowledgement())} {
		for _, status := range models.AllStatuses {
			supported := map[models.Operation]bool{}
			for _, op := range m.Supported(status) {
				supported[op] = true
			}
			for _, op := range models.AllOperations {
				next, err := m.Transition(status, op)
				if supported[op] {
					require.NoError(t, err)
					assert.True(t, next.IsValid())
					continue
				}
				te, ok := AsTransitionError(err)
				require.True(t, ok, "%s from %s must fail with a TransitionError", op, status)
				assert.Equal(t, op, te.Operation)
				assert.Equal(t, status, te.Status)
				assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
			}
		}
	}
}

func TestRejectionKinds(t *testing.T) {
	m := Generic()
	tests := []struct {
		name   string
		status models.Status
		op     models.Operation
		want   error
	}{
		{"accept before sending", models.StatusCreated, models.OpAccept, ErrFutureState},
		{"accept straight after validation", models.StatusValidated, models.OpAccept, ErrFutureState},
		{"terminate while waiting for the administrator", models.StatusSentToAdministrator, models.OpTerminate, ErrFutureState},
		{"validate an accepted request", models.StatusAccepted, models.OpValidate, ErrPastState},
		{"send an accepted request again", models.StatusAccepted, models.OpSendToAdministrator, ErrPastState},
		{"accept after the time limit", models.StatusTimeLimitReached, models.OpAccept, ErrPastState},
		{"acknowledge an accepted request", models.StatusAccepted, models.OpReceiveAdministratorResponse, ErrPastState},
		{"reject a rejected request", models.StatusRejected, models.OpReject, ErrPastState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Transition(tt.status, tt.op)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNoAcknowledgementOverride(t *testing.T) {
	m := mustNew(t, NoAcknowledgement())

	t.Run("accepts straight from validated", func(t *testing.T) {
		next, err := m.Transition(models.StatusValidated, models.OpAccept)
		require.NoError(t, err)
		assert.Equal(t, models.StatusAccepted, next)
	})

	t.Run("invalid straight from validated", func(t *testing.T) {
		next, err := m.Transition(models.StatusValidated, models.OpInvalid)
		require.NoError(t, err)
		assert.Equal(t, models.StatusInvalid, next)
	})

	t.Run("acknowledgement is unsupported for this connector", func(t *testing.T) {
		_, err := m.Transition(models.StatusSentToAdministrator, models.OpReceiveAdministratorResponse)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnsupported)
		te, ok := AsTransitionError(err)
		require.True(t, ok)
		assert.Equal(t, KindUnsupported, te.Kind)
		assert.Contains(t, err.Error(), "no-ack")
	})

	t.Run("generic machine is untouched", func(t *testing.T) {
		assert.False(t, Generic().Can(models.StatusValidated, models.OpAccept))
	})
}

func TestNewRejectsBadOverrides(t *testing.T) {
	tests := []struct {
		name string
		o    Overrides
	}{
		{"edge from terminal", Overrides{Add: map[models.Status]map[models.Operation]models.Status{
			models.StatusRevoked: {models.OpAccept: models.StatusAccepted},
		}}},
		{"unknown operation", Overrides{Add: map[models.Status]map[models.Operation]models.Status{
			models.StatusValidated: {"teleport": models.StatusAccepted},
		}}},
		{"unknown target", Overrides{Add: map[models.Status]map[models.Operation]models.Status{
			models.StatusValidated: {models.OpAccept: "LIMBO"},
		}}},
		{"disable unknown operation", Overrides{Disable: map[models.Status][]models.Operation{
			models.StatusValidated: {"teleport"},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New("bad", tt.o)
			assert.Error(t, err)
		})
	}
}

func TestTransitionErrorKindsAreDistinct(t *testing.T) {
	err := &TransitionError{Kind: KindFuture, Operation: models.OpAccept, Status: models.StatusCreated}
	assert.True(t, errors.Is(err, ErrFutureState))
	assert.False(t, errors.Is(err, ErrPastState))
	assert.False(t, errors.Is(err, ErrUnsupported))
	assert.Contains(t, err.Error(), "FutureStateError")
	assert.Equal(t, "FutureStateError", dErrors.ReasonOf(err))
}

func mustNew(t *testing.T, o Overrides) *Machine {
	t.Helper()
	m, err := New("no-ack", o)
	require.NoError(t, err)
	return m
}
