package repository

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/google/uuid"

	"github.com/example/homeserve/internal/dispatch/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

const requestColumns = `id, customer_id, category, anchor_lat, anchor_lng, details, address, radius_meters,
status, accepted_provider_id, cancel_reason, cancelled_by, fanout, created_at, updated_at, version`

// PostgresRepository is the authoritative store. Every Mutate runs in one
// transaction holding the row lock and writes its events to the outbox table.
type PostgresRepository struct {
	db          *sql.DB
	topicPrefix string
}

func NewPostgresRepository(db *sql.DB, topicPrefix string) *PostgresRepository {
	if topicPrefix == "" {
		topicPrefix = "dispatch"
	}
	return &PostgresRepository{db: db, topicPrefix: topicPrefix}
}

// Migrate applies the embedded schema files in name order.
func (p *PostgresRepository) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		ddl, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if _, err := p.db.ExecContext(ctx, string(ddl)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return nil
}

func (p *PostgresRepository) CreateRequest(ctx context.Context, req domain.ServiceRequest) (domain.ServiceRequest, error) {
	fanout, err := json.Marshal([]domain.FanoutEntry{})
	if err != nil {
		return domain.ServiceRequest{}, fmt.Errorf("marshal fanout: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO service_requests (`+requestColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		req.ID, req.CustomerID, req.Category, req.Anchor.Lat, req.Anchor.Lng, req.Details, req.Address, req.RadiusMeters,
		string(req.Status), nullUUID(req.AcceptedProviderID), req.CancelReason, nullUUID(req.CancelledBy), fanout,
		req.CreatedAt, req.UpdatedAt, req.Version)
	if err != nil {
		return domain.ServiceRequest{}, domain.Unavailable("insert request", err)
	}
	return req, nil
}

func (p *PostgresRepository) GetRequest(ctx context.Context, id uuid.UUID) (domain.ServiceRequest, error) {
	req, _, err := p.load(ctx, p.db, id, false)
	return req, err
}

func (p *PostgresRepository) GetFanout(ctx context.Context, id uuid.UUID) (domain.Fanout, error) {
	_, fanout, err := p.load(ctx, p.db, id, false)
	return fanout, err
}

func (p *PostgresRepository) Mutate(ctx context.Context, id uuid.UUID, fn domain.MutateFunc) (domain.ServiceRequest, domain.Fanout, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return domain.ServiceRequest{}, domain.Fanout{}, domain.Unavailable("begin tx", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	current, currentFanout, err := p.load(ctx, tx, id, true)
	if err != nil {
		return domain.ServiceRequest{}, domain.Fanout{}, err
	}
	req := current
	fanout := currentFanout.Clone()
	events, err := fn(&req, &fanout)
	if err != nil {
		return current, currentFanout, err
	}
	if current.Status.IsTerminal() {
		return current, currentFanout, domain.Conflict(domain.ReasonWrongStatus, current.Status)
	}
	req.Version = current.Version + 1

	entries, err := json.Marshal(fanout.Entries)
	if err != nil {
		return current, currentFanout, fmt.Errorf("marshal fanout: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE service_requests
SET status = $1, accepted_provider_id = $2, cancel_reason = $3, cancelled_by = $4, fanout = $5, updated_at = $6, version = $7
WHERE id = $8 AND version = $9`,
		string(req.Status), nullUUID(req.AcceptedProviderID), req.CancelReason, nullUUID(req.CancelledBy), entries,
		req.UpdatedAt, req.Version, req.ID, current.Version)
	if err != nil {
		return current, currentFanout, domain.Unavailable("update request", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return current, currentFanout, domain.Conflict(domain.ReasonWrongStatus, current.Status)
	}

	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return current, currentFanout, fmt.Errorf("marshal event: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO outbox (topic, payload, published) VALUES ($1, $2, false)`,
			ev.Subject(p.topicPrefix), payload); err != nil {
			return current, currentFanout, domain.Unavailable("insert outbox", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return current, currentFanout, domain.Unavailable("commit", err)
	}
	committed = true
	fanout.RequestID = req.ID
	return req, fanout, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (p *PostgresRepository) load(ctx context.Context, q queryer, id uuid.UUID, forUpdate bool) (domain.ServiceRequest, domain.Fanout, error) {
	query := `SELECT ` + requestColumns + ` FROM service_requests WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var (
		req       domain.ServiceRequest
		status    string
		accepted  uuid.NullUUID
		cancelled uuid.NullUUID
		entries   []byte
	)
	err := q.QueryRowContext(ctx, query, id).Scan(
		&req.ID, &req.CustomerID, &req.Category, &req.Anchor.Lat, &req.Anchor.Lng, &req.Details, &req.Address,
		&req.RadiusMeters, &status, &accepted, &req.CancelReason, &cancelled, &entries,
		&req.CreatedAt, &req.UpdatedAt, &req.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ServiceRequest{}, domain.Fanout{}, fmt.Errorf("request %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.ServiceRequest{}, domain.Fanout{}, domain.Unavailable("select request", err)
	}
	req.Status = domain.Status(status)
	if accepted.Valid {
		v := accepted.UUID
		req.AcceptedProviderID = &v
	}
	if cancelled.Valid {
		v := cancelled.UUID
		req.CancelledBy = &v
	}
	fanout := domain.Fanout{RequestID: req.ID}
	if len(entries) > 0 {
		if err := json.Unmarshal(entries, &fanout.Entries); err != nil {
			return domain.ServiceRequest{}, domain.Fanout{}, fmt.Errorf("decode fanout: %w", err)
		}
	}
	req.CreatedAt = req.CreatedAt.UTC()
	req.UpdatedAt = req.UpdatedAt.UTC()
	return req, fanout, nil
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}
