package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"consentgrid/internal/connector"
	"consentgrid/internal/permission/models"
	"consentgrid/internal/permission/status"
	"consentgrid/internal/polling"
	id "consentgrid/pkg/domain"
	"consentgrid/pkg/platform/circuit"
	"consentgrid/pkg/platform/sentinel"
)

const (
	// EventsTopic carries every committed permission event.
	EventsTopic = "permission-events"
	// DataTopic carries metered data fetched by the poller.
	DataTopic = "permission-data"

	flushBatch = 100
)

// Producer writes one record to a topic.
type Producer interface {
	Produce(ctx context.Context, topic string, key, value []byte) error
}

type record struct {
	topic string
	key   []byte
	value []byte
}

// eventDocument is the exported form of an event. StatusMessage mirrors what
// the status stream shows for the same event.
type eventDocument struct {
	EventID       string           `json:"eventId"`
	Seq           int64            `json:"seq"`
	PermissionID  id.PermissionID  `json:"permissionId"`
	Type          models.EventType `json:"type"`
	Status        models.Status    `json:"status"`
	CreatedAt     time.Time        `json:"createdAt"`
	Payload       models.Payload   `json:"payload"`
	StatusMessage status.Message   `json:"statusMessage"`
}

type dataDocument struct {
	PermissionID    id.PermissionID     `json:"permissionId"`
	ConnectionID    id.ConnectionID     `json:"connectionId"`
	DataNeedID      id.DataNeedID       `json:"dataNeedId"`
	ConnectorID     id.ConnectorID      `json:"connectorId"`
	MeteringPointID string              `json:"meteringPointId"`
	Granularity     models.Granularity  `json:"granularity"`
	From            time.Time           `json:"from"`
	To              time.Time           `json:"to"`
	SchemaVersion   string              `json:"schemaVersion,omitempty"`
	Readings        []connector.Reading `json:"readings"`
}

// SchemaVersions reports the format version a connector currently uses.
type SchemaVersions interface {
	SchemaVersion(connectorID id.ConnectorID) string
}

// DocumentSink exports events and fetched data to the message broker, keyed
// by permission ID. While the broker keeps failing, records are parked in a
// bounded backlog and written, in order, once it recovers. A full backlog
// fails the handler so the event is delivered again later.
type DocumentSink struct {
	producer Producer
	requests RequestReader
	breaker  *circuit.Breaker
	backlog  *backlog[record]
	schemas  SchemaVersions
	logger   *slog.Logger

	flushMu sync.Mutex
}

// DocumentOption configures a DocumentSink.
type DocumentOption func(*DocumentSink)

// WithBacklogCapacity bounds the records kept while the broker is down.
func WithBacklogCapacity(n int) DocumentOption {
	return func(s *DocumentSink) {
		s.backlog = newBacklog[record](n)
	}
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *circuit.Breaker) DocumentOption {
	return func(s *DocumentSink) {
		if b != nil {
			s.breaker = b
		}
	}
}

// WithSchemaVersions stamps data documents with the connector's active
// schema version.
func WithSchemaVersions(v SchemaVersions) DocumentOption {
	return func(s *DocumentSink) { s.schemas = v }
}

// WithDocumentLogger sets the logger.
func WithDocumentLogger(logger *slog.Logger) DocumentOption {
	return func(s *DocumentSink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewDocumentSink(producer Producer, requests RequestReader, opts ...DocumentOption) *DocumentSink {
	s := &DocumentSink{
		producer: producer,
		requests: requests,
		breaker:  circuit.New("document-producer", circuit.WithFailureThreshold(3)),
		backlog:  newBacklog[record](10000),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *DocumentSink) Name() string { return "document-sink" }

// Handle exports one event.
func (s *DocumentSink) Handle(ctx context.Context, e models.Event) error {
	view, err := s.requests.FindByID(ctx, e.PermissionID)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return fmt.Errorf("load permission request: %w", err)
	}
	body, err := json.Marshal(eventDocument{
		EventID:       e.EventID.String(),
		Seq:           e.Seq,
		PermissionID:  e.PermissionID,
		Type:          e.Type,
		Status:        e.Status,
		CreatedAt:     e.CreatedAt,
		Payload:       e.Payload,
		StatusMessage: status.FromEvent(e, view),
	})
	if err != nil {
		return fmt.Errorf("marshal event document: %w", err)
	}
	return s.send(ctx, record{topic: EventsTopic, key: []byte(e.PermissionID), value: body})
}

// Deliver exports data fetched for req. It satisfies polling.DataSink.
func (s *DocumentSink) Deliver(ctx context.Context, req *models.PermissionRequest, r polling.Range, payload connector.Payload) error {
	doc := dataDocument{
		PermissionID:    req.PermissionID,
		ConnectionID:    req.ConnectionID,
		DataNeedID:      req.DataNeedID,
		ConnectorID:     req.ConnectorID,
		MeteringPointID: req.MeteringPointID,
		Granularity:     req.Granularity,
		From:            r.From,
		To:              r.To,
		Readings:        payload.Readings,
	}
	if s.schemas != nil {
		doc.SchemaVersion = s.schemas.SchemaVersion(req.ConnectorID)
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal data document: %w", err)
	}
	return s.send(ctx, record{topic: DataTopic, key: []byte(req.PermissionID), value: body})
}

// ErrBacklogFull is returned when the broker is down and no more records can
// be parked. The caller's event stays undelivered and is replayed later.
var ErrBacklogFull = errors.New("document backlog full")

func (s *DocumentSink) send(ctx context.Context, rec record) error {
	if s.backlog.Len() > 0 {
		// Parked records go out first.
		if !s.backlog.Enqueue(rec) {
			return fmt.Errorf("park record for %s: %w", rec.topic, ErrBacklogFull)
		}
		s.Flush(ctx)
		return nil
	}
	if err := s.producer.Produce(ctx, rec.topic, rec.key, rec.value); err != nil {
		useFallback, change := s.breaker.RecordFailure()
		if change.Opened {
			s.logger.WarnContext(ctx, "document producer circuit opened", "error", err)
		}
		if !useFallback {
			return fmt.Errorf("produce to %s: %w", rec.topic, err)
		}
		if !s.backlog.Enqueue(rec) {
			return fmt.Errorf("park record for %s: %w", rec.topic, ErrBacklogFull)
		}
		return nil
	}
	s.recordSuccess(ctx)
	return nil
}

func (s *DocumentSink) recordSuccess(ctx context.Context) {
	if _, change := s.breaker.RecordSuccess(); change.Closed {
		s.logger.InfoContext(ctx, "document producer circuit closed", "backlog", s.backlog.Len())
	}
}

// Flush writes parked records in order. It stops at the first failure and
// puts the unsent records back at the head of the backlog.
func (s *DocumentSink) Flush(ctx context.Context) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	for {
		batch := s.backlog.DequeueBatch(flushBatch)
		if len(batch) == 0 {
			return
		}
		for i, rec := range batch {
			if err := s.producer.Produce(ctx, rec.topic, rec.key, rec.value); err != nil {
				s.backlog.Requeue(batch[i:])
				s.breaker.RecordFailure()
				s.logger.WarnContext(ctx, "backlog flush interrupted",
					"remaining", s.backlog.Len(),
					"error", err,
				)
				return
			}
			s.recordSuccess(ctx)
		}
	}
}

// Pending returns how many records wait in the backlog and how many were
// refused because it was full.
func (s *DocumentSink) Pending() (waiting int, rejected int64) {
	return s.backlog.Len(), s.backlog.Rejected()
}
