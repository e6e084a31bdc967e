package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/KevinKickass/OpenAcqCore/internal/core"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS reconfig_audit (
	id          UUID PRIMARY KEY,
	occurred_at TIMESTAMPTZ NOT NULL,
	kind        TEXT NOT NULL,
	device      TEXT NOT NULL,
	cset        INTEGER NOT NULL,
	target      TEXT NOT NULL DEFAULT '',
	from_type   TEXT NOT NULL DEFAULT '',
	to_type     TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT ''
)`

const auditQueue = 128

// DB is the subset of pgxpool.Pool the audit log uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// AuditLog is a core.Observer that persists reconfiguration events from a
// single writer goroutine.
type AuditLog struct {
	db      DB
	logger  *zap.Logger
	queue   chan AuditRecord
	dropped atomic.Uint64
	mu      sync.RWMutex
	closed  bool
}

func NewAuditLog(db DB, logger *zap.Logger) *AuditLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditLog{
		db:     db,
		logger: logger,
		queue:  make(chan AuditRecord, auditQueue),
	}
}

func (a *AuditLog) EnsureSchema(ctx context.Context) error {
	if _, err := a.db.Exec(ctx, auditSchema); err != nil {
		return fmt.Errorf("failed to create audit table: %w", err)
	}
	return nil
}

func (a *AuditLog) OnEvent(ev core.Event) {
	switch ev.Kind {
	case core.EventTransportChanged, core.EventTimingChanged, core.EventReconfigFailed:
	default:
		return
	}

	rec := AuditRecord{
		ID:         uuid.New(),
		OccurredAt: ev.Time,
		Kind:       string(ev.Kind),
		Device:     ev.Device,
		CSet:       ev.CSet,
		Target:     ev.Target,
		FromType:   ev.From,
		ToType:     ev.To,
		Error:      ev.Err,
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- rec:
	default:
		a.dropped.Add(1)
		a.logger.Warn("Audit queue full", zap.String("kind", rec.Kind), zap.String("device", rec.Device))
	}
}

// Dropped counts records lost to a full queue.
func (a *AuditLog) Dropped() uint64 { return a.dropped.Load() }

// Run writes queued records until ctx ends or Close is called, then flushes
// what is left.
func (a *AuditLog) Run(ctx context.Context) error {
	for {
		select {
		case rec, ok := <-a.queue:
			if !ok {
				return nil
			}
			a.insert(ctx, rec)
		case <-ctx.Done():
			a.Close()
			for rec := range a.queue {
				a.insert(context.WithoutCancel(ctx), rec)
			}
			return nil
		}
	}
}

// Close stops accepting records. Run drains the queue and returns.
func (a *AuditLog) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
}

func (a *AuditLog) insert(ctx context.Context, rec AuditRecord) {
	_, err := a.db.Exec(ctx, `
		INSERT INTO reconfig_audit (id, occurred_at, kind, device, cset, target, from_type, to_type, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.ID, rec.OccurredAt, rec.Kind, rec.Device, rec.CSet, rec.Target, rec.FromType, rec.ToType, rec.Error)
	if err != nil {
		a.logger.Error("Failed to write audit record", zap.String("id", rec.ID.String()), zap.Error(err))
	}
}

// Recent returns the newest records, newest first. An empty device matches
// all devices.
func (a *AuditLog) Recent(ctx context.Context, device string, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.db.Query(ctx, `
		SELECT id, occurred_at, kind, device, cset, target, from_type, to_type, error
		FROM reconfig_audit
		WHERE $1 = '' OR device = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`, device, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (AuditRecord, error) {
		var r AuditRecord
		err := row.Scan(&r.ID, &r.OccurredAt, &r.Kind, &r.Device, &r.CSet, &r.Target, &r.FromType, &r.ToType, &r.Error)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit log: %w", err)
	}
	return records, nil
}
