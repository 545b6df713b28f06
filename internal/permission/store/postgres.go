package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"consentgrid/internal/permission/models"
	id "consentgrid/pkg/domain"
	dErrors "consentgrid/pkg/domain-errors"
	"consentgrid/pkg/platform/sentinel"
	txcontext "consentgrid/pkg/platform/tx"
)

const (
	notNullViolation = "23502"
	checkViolation   = "23514"
	lockNotAvailable = "55P03"
	queryCanceled    = "57014"
)

// PostgresStore persists permission requests and events in PostgreSQL. The
// per-aggregate lock is a transaction-scoped advisory lock on the permission
// ID, so creation is serialized even before the row exists.
type PostgresStore struct {
	db      *sql.DB
	timeout time.Duration
}

// NewPostgres constructs a PostgreSQL-backed store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, timeout: defaultTxTimeout}
}

func (s *PostgresStore) RunInTx(ctx context.Context, permissionID id.PermissionID, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, string(permissionID)); err != nil {
		return fmt.Errorf("lock permission %s: %w", permissionID, err)
	}

	if err := fn(&postgresTx{store: s, tx: tx, permissionID: permissionID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const requestColumns = `permission_id, connection_id, data_need_id, connector_id, status,
	created_at, updated_at, start_at, end_at, watermark, metering_point_id, granularity,
	reason, errors, last_event_seq`

func (s *PostgresStore) FindByID(ctx context.Context, permissionID id.PermissionID) (*models.PermissionRequest, error) {
	row := txcontext.Exec(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM permission_requests WHERE permission_id = $1`, string(permissionID))
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find permission request: %w", err)
	}
	return req, nil
}

func (s *PostgresStore) ListByStatus(ctx context.Context, statuses []models.Status, updatedBefore time.Time, limit int) ([]*models.PermissionRequest, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	query := `SELECT ` + requestColumns + ` FROM permission_requests
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at`
	args := []any{pq.Array(names), updatedBefore}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := txcontext.Exec(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list permission requests: %w", err)
	}
	defer rows.Close()

	var out []*models.PermissionRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan permission request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

const eventColumns = `seq, event_id, permission_id, event_type, status, created_at, payload`

func (s *PostgresStore) ListEvents(ctx context.Context, permissionID id.PermissionID) ([]models.Event, error) {
	rows, err := txcontext.Exec(ctx, s.db).QueryContext(ctx,
		`SELECT `+eventColumns+` FROM permission_events WHERE permission_id = $1 ORDER BY seq`,
		string(permissionID))
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return scanEvents(rows)
}

func (s *PostgresStore) ListUnpublished(ctx context.Context, createdBefore time.Time, limit int) ([]models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM permission_events
		WHERE published_at IS NULL AND created_at < $1
		ORDER BY seq`
	args := []any{createdBefore}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := txcontext.Exec(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list unpublished events: %w", err)
	}
	return scanEvents(rows)
}

func (s *PostgresStore) MarkPublished(ctx context.Context, seq int64, at time.Time) error {
	res, err := txcontext.Exec(ctx, s.db).ExecContext(ctx,
		`UPDATE permission_events SET published_at = COALESCE(published_at, $2) WHERE seq = $1`, seq, at)
	if err != nil {
		return fmt.Errorf("mark event published: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark event published: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	terminal := make([]string, 0)
	for _, st := range models.TerminalStatuses() {
		terminal = append(terminal, string(st))
	}
	query := `
		WITH doomed AS (
			DELETE FROM permission_requests
			WHERE status = ANY($1) AND updated_at < $2
			RETURNING permission_id
		), purged AS (
			DELETE FROM permission_events
			WHERE permission_id IN (SELECT permission_id FROM doomed)
		)
		SELECT COUNT(*) FROM doomed
	`
	var n int
	if err := txcontext.Exec(ctx, s.db).QueryRowContext(ctx, query, pq.Array(terminal), cutoff).Scan(&n); err != nil {
		return 0, fmt.Errorf("delete terminal permission requests: %w", err)
	}
	return n, nil
}

// postgresTx binds every call to the open transaction, whatever context the
// caller passes in.
type postgresTx struct {
	store        *PostgresStore
	tx           *sql.Tx
	permissionID id.PermissionID
}

func (t *postgresTx) FindByID(ctx context.Context, permissionID id.PermissionID) (*models.PermissionRequest, error) {
	return t.store.FindByID(txcontext.WithTx(ctx, t.tx), permissionID)
}

func (t *postgresTx) HasEvent(ctx context.Context, eventID uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM permission_events WHERE event_id = $1)`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check event: %w", err)
	}
	return exists, nil
}

func (t *postgresTx) AppendEvent(ctx context.Context, e *models.Event) error {
	if e.PermissionID != t.permissionID {
		return dErrors.New(dErrors.CodeInvariantViolation, "event belongs to another permission request")
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	// ON CONFLICT keeps the transaction usable when the event was already
	// stored; a raised unique violation would abort it.
	err = t.tx.QueryRowContext(ctx, `
		INSERT INTO permission_events (event_id, permission_id, event_type, status, created_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING seq
	`, e.EventID, string(e.PermissionID), string(e.Type), string(e.Status), e.CreatedAt, payload).Scan(&e.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel.ErrAlreadyUsed
	}
	if err != nil {
		return fmt.Errorf("append event: %w", classifyPgError(err))
	}
	return nil
}

// classifyPgError maps server-side failures onto domain codes.
func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case queryCanceled, lockNotAvailable:
		return dErrors.Wrap(err, dErrors.CodeTimeout, "statement cancelled")
	case notNullViolation, checkViolation:
		return dErrors.Wrap(err, dErrors.CodeInvariantViolation, pgErr.Message)
	}
	return err
}

func (t *postgresTx) Save(ctx context.Context, req *models.PermissionRequest) error {
	if req.PermissionID != t.permissionID {
		return dErrors.New(dErrors.CodeInvariantViolation, "view belongs to another permission request")
	}
	var errs []byte
	if len(req.Errors) > 0 {
		var err error
		if errs, err = json.Marshal(req.Errors); err != nil {
			return fmt.Errorf("marshal attribute errors: %w", err)
		}
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO permission_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (permission_id) DO UPDATE SET
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at,
			start_at = EXCLUDED.start_at,
			end_at = EXCLUDED.end_at,
			watermark = EXCLUDED.watermark,
			metering_point_id = EXCLUDED.metering_point_id,
			granularity = EXCLUDED.granularity,
			reason = EXCLUDED.reason,
			errors = EXCLUDED.errors,
			last_event_seq = EXCLUDED.last_event_seq
	`,
		string(req.PermissionID), string(req.ConnectionID), string(req.DataNeedID), string(req.ConnectorID),
		string(req.Status), req.CreatedAt, req.UpdatedAt, nullTime(req.Start), nullTime(req.End),
		nullTime(req.Watermark), req.MeteringPointID, string(req.Granularity), req.Reason, errs, req.LastEventSeq,
	)
	if err != nil {
		return fmt.Errorf("save permission request: %w", classifyPgError(err))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*models.PermissionRequest, error) {
	var (
		req                   models.PermissionRequest
		pid, conn, need, cid  string
		status, granularity   string
		start, end, watermark sql.NullTime
		errs                  []byte
	)
	err := row.Scan(&pid, &conn, &need, &cid, &status, &req.CreatedAt, &req.UpdatedAt,
		&start, &end, &watermark, &req.MeteringPointID, &granularity, &req.Reason, &errs, &req.LastEventSeq)
	if err != nil {
		return nil, err
	}
	req.PermissionID = id.PermissionID(pid)
	req.ConnectionID = id.ConnectionID(conn)
	req.DataNeedID = id.DataNeedID(need)
	req.ConnectorID = id.ConnectorID(cid)
	if req.Status, err = models.ParseStatus(status); err != nil {
		return nil, err
	}
	req.Granularity = models.Granularity(granularity)
	req.Start = timePtr(start)
	req.End = timePtr(end)
	req.Watermark = timePtr(watermark)
	req.CreatedAt = req.CreatedAt.UTC()
	req.UpdatedAt = req.UpdatedAt.UTC()
	if len(errs) > 0 {
		if err := json.Unmarshal(errs, &req.Errors); err != nil {
			return nil, fmt.Errorf("unmarshal attribute errors: %w", err)
		}
	}
	return &req, nil
}

func scanEvents(rows *sql.Rows) ([]models.Event, error) {
	defer rows.Close()
	var out []models.Event
	for rows.Next() {
		var (
			e                models.Event
			pid, typ, status string
			payload          []byte
		)
		if err := rows.Scan(&e.Seq, &e.EventID, &pid, &typ, &status, &e.CreatedAt, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.PermissionID = id.PermissionID(pid)
		e.Type = models.EventType(typ)
		e.Status = models.Status(status)
		e.CreatedAt = e.CreatedAt.UTC()
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal event payload: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
