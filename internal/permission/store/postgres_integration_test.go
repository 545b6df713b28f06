//go:build integration

package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"consentgrid/internal/permission/models"
	"consentgrid/internal/permission/store"
	id "consentgrid/pkg/domain"
	"consentgrid/pkg/platform/sentinel"
	"consentgrid/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.PostgresStore
	now      time.Time
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.Require().NoError(store.Migrate(context.Background(), s.postgres.DB))
	s.store = store.NewPostgres(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	s.now = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	err := s.postgres.TruncateTables(context.Background(), "permission_events", "permission_requests")
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) commit(ctx context.Context, e *models.Event) error {
	return s.store.RunInTx(ctx, e.PermissionID, func(tx store.Tx) error {
		var current *models.PermissionRequest
		if e.Type != models.EventCreated {
			found, err := tx.FindByID(ctx, e.PermissionID)
			if err != nil {
				return err
			}
			current = found
		}
		next, err := models.Apply(current, *e)
		if err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, e); err != nil {
			return err
		}
		next.LastEventSeq = e.Seq
		return tx.Save(ctx, next)
	})
}

func (s *PostgresStoreSuite) created(pid id.PermissionID) *models.Event {
	start := s.now
	end := s.now.AddDate(0, 6, 0)
	e := models.NewEvent(pid, models.EventCreated, models.StatusCreated, s.now, models.Payload{
		ConnectionID:    "conn",
		DataNeedID:      "need",
		ConnectorID:     "sim",
		MeteringPointID: "mp-1",
		Granularity:     models.GranularityPT15M,
		Start:           &start,
		End:             &end,
	})
	return &e
}

func (s *PostgresStoreSuite) TestRoundTrip() {
	ctx := context.Background()
	s.Require().NoError(s.commit(ctx, s.created("p-1")))
	malformed := models.NewStatusEvent("p-1", models.StatusMalformed, s.now.Add(time.Second), models.Payload{
		Errors: []models.AttributeError{{Attribute: "granularity", Message: "unsupported"}},
	})
	s.Require().NoError(s.commit(ctx, &malformed))

	view, err := s.store.FindByID(ctx, "p-1")
	s.Require().NoError(err)
	s.Equal(models.StatusMalformed, view.Status)
	s.Equal("mp-1", view.MeteringPointID)
	s.Require().NotNil(view.End)
	s.True(view.End.Equal(s.now.AddDate(0, 6, 0)))
	s.Len(view.Errors, 1)
	s.Equal(malformed.Seq, view.LastEventSeq)

	events, err := s.store.ListEvents(ctx, "p-1")
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.Equal(malformed.EventID, events[1].EventID)
	s.Len(events[1].Payload.Errors, 1)
}

func (s *PostgresStoreSuite) TestNotFound() {
	_, err := s.store.FindByID(context.Background(), "missing")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestRollbackOnError() {
	ctx := context.Background()
	boom := errors.New("boom")
	e := s.created("p-2")
	err := s.store.RunInTx(ctx, "p-2", func(tx store.Tx) error {
		s.Require().NoError(tx.AppendEvent(ctx, e))
		return boom
	})
	s.ErrorIs(err, boom)

	events, err := s.store.ListEvents(ctx, "p-2")
	s.Require().NoError(err)
	s.Empty(events)
}

func (s *PostgresStoreSuite) TestDuplicateEventID() {
	ctx := context.Background()
	e := s.created("p-3")
	s.Require().NoError(s.commit(ctx, e))

	dup := *e
	err := s.store.RunInTx(ctx, "p-3", func(tx store.Tx) error {
		return tx.AppendEvent(ctx, &dup)
	})
	s.ErrorIs(err, sentinel.ErrAlreadyUsed)

	s.Run("the transaction stays usable after a duplicate", func() {
		dup := *e
		next := models.NewEvent("p-3", models.EventValidated, models.StatusValidated, s.now, models.Payload{})
		err := s.store.RunInTx(ctx, "p-3", func(tx store.Tx) error {
			if err := tx.AppendEvent(ctx, &dup); !errors.Is(err, sentinel.ErrAlreadyUsed) {
				return err
			}
			return tx.AppendEvent(ctx, &next)
		})
		s.Require().NoError(err)
		s.Greater(next.Seq, e.Seq)

		events, err := s.store.ListEvents(ctx, "p-3")
		s.Require().NoError(err)
		s.Len(events, 2)
	})
}

func (s *PostgresStoreSuite) TestUnpublishedAndRetention() {
	ctx := context.Background()
	e := s.created("p-4")
	s.Require().NoError(s.commit(ctx, e))

	pending, err := s.store.ListUnpublished(ctx, s.now.Add(time.Minute), 10)
	s.Require().NoError(err)
	s.Require().Len(pending, 1)
	s.Require().NoError(s.store.MarkPublished(ctx, e.Seq, s.now))
	pending, err = s.store.ListUnpublished(ctx, s.now.Add(time.Minute), 10)
	s.Require().NoError(err)
	s.Empty(pending)

	revoked := models.NewStatusEvent("p-4", models.StatusMalformed, s.now.Add(time.Second), models.Payload{})
	s.Require().NoError(s.commit(ctx, &revoked))
	n, err := s.store.DeleteTerminalBefore(ctx, s.now.Add(time.Hour))
	s.Require().NoError(err)
	s.Equal(1, n)
	events, err := s.store.ListEvents(ctx, "p-4")
	s.Require().NoError(err)
	s.Empty(events)
}

func (s *PostgresStoreSuite) TestListByStatus() {
	ctx := context.Background()
	s.Require().NoError(s.commit(ctx, s.created("a")))
	s.Require().NoError(s.commit(ctx, s.created("b")))

	found, err := s.store.ListByStatus(ctx, []models.Status{models.StatusCreated}, s.now.Add(time.Minute), 1)
	s.Require().NoError(err)
	s.Len(found, 1)

	none, err := s.store.ListByStatus(ctx, []models.Status{models.StatusAccepted}, s.now.Add(time.Minute), 0)
	s.Require().NoError(err)
	s.Empty(none)
}

func (s *PostgresStoreSuite) TestAdvisoryLockSerializesWriters() {
	ctx := context.Background()
	s.Require().NoError(s.commit(ctx, s.created("hot")))

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := models.NewEvent("hot", models.EventRetryRequested, models.StatusCreated, s.now, models.Payload{})
			s.NoError(s.commit(ctx, &e))
		}()
	}
	wg.Wait()

	events, err := s.store.ListEvents(ctx, "hot")
	s.Require().NoError(err)
	s.Len(events, writers+1)
	view, err := s.store.FindByID(ctx, "hot")
	s.Require().NoError(err)
	s.Equal(events[len(events)-1].Seq, view.LastEventSeq)
}
