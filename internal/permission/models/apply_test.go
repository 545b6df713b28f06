package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "consentgrid/pkg/domain"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ptr(t time.Time) *time.Time { return &t }

func history(pid id.PermissionID) []Event {
	at := day(2024, 1, 1)
	created := NewEvent(pid, EventCreated, StatusCreated, at, Payload{
		ConnectionID: "conn-1",
		DataNeedID:   "need-1",
		ConnectorID:  "sim",
		Start:        ptr(day(2024, 1, 1)),
		End:          ptr(day(2024, 8, 1)),
		Granularity:  GranularityPT15M,
	})
	created.Seq = 1
	validated := NewStatusEvent(pid, StatusValidated, at.Add(time.Minute), Payload{})
	validated.Seq = 2
	sent := NewStatusEvent(pid, StatusSentToAdministrator, at.Add(2*time.Minute), Payload{})
	sent.Seq = 3
	accepted := NewStatusEvent(pid, StatusAccepted, at.Add(3*time.Minute), Payload{})
	accepted.Seq = 4
	return []Event{created, validated, sent, accepted}
}

func TestFold(t *testing.T) {
	pid := id.PermissionID("pid-1")

	t.Run("rebuilds the view from the happy path", func(t *testing.T) {
		view, err := Fold(history(pid))
		require.NoError(t, err)
		assert.Equal(t, StatusAccepted, view.Status)
		assert.Equal(t, id.ConnectionID("conn-1"), view.ConnectionID)
		assert.Equal(t, int64(4), view.LastEventSeq)
		require.NotNil(t, view.Start)
		assert.Equal(t, day(2024, 1, 1), *view.Start)
		assert.Nil(t, view.Watermark)
	})

	t.Run("empty history has no view", func(t *testing.T) {
		view, err := Fold(nil)
		require.NoError(t, err)
		assert.Nil(t, view)
	})

	t.Run("non-created first event is rejected", func(t *testing.T) {
		events := history(pid)[1:]
		_, err := Fold(events)
		require.ErrorIs(t, err, ErrNotCreated)
	})

	t.Run("second created event is rejected", func(t *testing.T) {
		events := history(pid)
		events = append(events, events[0])
		_, err := Fold(events)
		require.Error(t, err)
	})
}

func TestApplyWatermark(t *testing.T) {
	pid := id.PermissionID("pid-1")
	view, err := Fold(history(pid))
	require.NoError(t, err)

	t.Run("data received advances the watermark and keeps the status", func(t *testing.T) {
		e := NewEvent(pid, EventDataReceived, view.Status, day(2024, 7, 4), Payload{Watermark: ptr(day(2024, 7, 3))})
		next, err := Apply(view, e)
		require.NoError(t, err)
		assert.Equal(t, StatusAccepted, next.Status)
		require.NotNil(t, next.Watermark)
		assert.Equal(t, day(2024, 7, 3), *next.Watermark)
		assert.Nil(t, view.Watermark, "input view must not be modified")
	})

	t.Run("an older watermark never moves it back", func(t *testing.T) {
		first := NewEvent(pid, EventDataReceived, view.Status, day(2024, 7, 4), Payload{Watermark: ptr(day(2024, 7, 3))})
		next, err := Apply(view, first)
		require.NoError(t, err)
		stale := NewEvent(pid, EventDataReceived, view.Status, day(2024, 7, 5), Payload{Watermark: ptr(day(2024, 3, 1))})
		next, err = Apply(next, stale)
		require.NoError(t, err)
		assert.Equal(t, day(2024, 7, 3), *next.Watermark)
	})

	t.Run("complete once the watermark reaches the end", func(t *testing.T) {
		e := NewEvent(pid, EventDataReceived, view.Status, day(2024, 8, 2), Payload{Watermark: ptr(day(2024, 8, 1))})
		next, err := Apply(view, e)
		require.NoError(t, err)
		assert.True(t, next.IsComplete())
		assert.False(t, view.IsComplete())
	})
}

func TestApplyMalformedKeepsErrors(t *testing.T) {
	pid := id.PermissionID("pid-2")
	events := history(pid)[:1]
	view, err := Fold(events)
	require.NoError(t, err)

	e := NewStatusEvent(pid, StatusMalformed, day(2024, 1, 2), Payload{
		Errors: []AttributeError{{Attribute: "granularity", Message: "unsupported"}},
	})
	next, err := Apply(view, e)
	require.NoError(t, err)
	assert.Equal(t, StatusMalformed, next.Status)
	assert.Len(t, next.Errors, 1)
}

func TestEventValidate(t *testing.T) {
	at := day(2024, 1, 1)
	tests := []struct {
		name    string
		event   Event
		wantErr bool
	}{
		{"status event", NewStatusEvent("p", StatusRevoked, at, Payload{}), false},
		{"status preserving event", NewEvent("p", EventRetryRequested, StatusAccepted, at, Payload{}), false},
		{"missing permission id", NewStatusEvent("", StatusRevoked, at, Payload{}), true},
		{"type and status disagree", NewEvent("p", EventAccepted, StatusRejected, at, Payload{}), true},
		{"unknown type", NewEvent("p", EventType("bogus"), StatusAccepted, at, Payload{}), true},
		{"missing timestamp", NewStatusEvent("p", StatusRevoked, time.Time{}, Payload{}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStatusSets(t *testing.T) {
	for _, s := range AllStatuses {
		_, isLive := lifecycleRank[s]
		assert.NotEqual(t, isLive, s.IsTerminal(), "status %s", s)
		assert.NotPanics(t, func() { EventTypeFor(s) })
	}
	assert.Len(t, append(NonTerminalStatuses(), TerminalStatuses()...), len(AllStatuses))
}
