package status

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consentgrid/internal/permission/models"
	"consentgrid/internal/permission/store"
	"consentgrid/pkg/platform/sentinel"
)

func TestInMemoryViewKeepsNewest(t *testing.T) {
	ctx := context.Background()
	v := NewInMemoryView()

	stored, err := v.Put(ctx, Message{PermissionID: "p", Status: models.StatusAccepted, Seq: 5})
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = v.Put(ctx, Message{PermissionID: "p", Status: models.StatusValidated, Seq: 3})
	require.NoError(t, err)
	assert.False(t, stored, "older message must be ignored")

	msg, err := v.Get(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, msg.Status)

	_, err = v.Get(ctx, "missing")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestBroadcaster(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe(1)
	assert.Equal(t, 1, b.Subscribers())

	b.Publish(Message{PermissionID: "p", Seq: 1})
	b.Publish(Message{PermissionID: "p", Seq: 2}) // dropped: buffer full

	got := <-ch
	assert.Equal(t, int64(1), got.Seq)

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, b.Subscribers())
}

func TestProjection(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemory()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	created := models.NewEvent("p", models.EventCreated, models.StatusCreated, now, models.Payload{
		ConnectionID: "conn-1",
		DataNeedID:   "need-1",
		ConnectorID:  "sim",
	})
	require.NoError(t, st.RunInTx(ctx, "p", func(tx store.Tx) error {
		view, err := models.Apply(nil, created)
		if err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, &created); err != nil {
			return err
		}
		return tx.Save(ctx, view)
	}))

	view := NewInMemoryView()
	b := NewBroadcaster()
	ch, cancel := b.Subscribe(4)
	defer cancel()
	p := NewProjection(st, view, b)

	rejected := models.NewStatusEvent("p", models.StatusRejected, now.Add(time.Hour), models.Payload{Reason: "customer declined"})
	rejected.Seq = 2
	require.NoError(t, p.Handle(ctx, rejected))

	msg, err := view.Get(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, msg.Status)
	assert.Equal(t, "conn-1", string(msg.ConnectionID))
	assert.Equal(t, "customer declined", msg.Message)

	select {
	case pushed := <-ch:
		assert.Equal(t, models.StatusRejected, pushed.Status)
	default:
		t.Fatal("expected a broadcast")
	}

	// Replaying an older event neither regresses the view nor broadcasts.
	require.NoError(t, p.Handle(ctx, created))
	msg, err = view.Get(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, msg.Status)
	assert.Empty(t, ch)
}
