package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenAcqCore/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const connectTimeout = 10 * time.Second

// Store owns the database pool and the audit log writing through it.
type Store struct {
	pool  *pgxpool.Pool
	audit *AuditLog
}

// Open connects to Postgres and prepares the audit table.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Store, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		pc.MaxConns = int32(cfg.MaxConnections)
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	audit := NewAuditLog(pool, logger)
	if err := audit.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to prepare audit schema: %w", err)
	}
	return &Store{pool: pool, audit: audit}, nil
}

func (s *Store) Audit() *AuditLog { return s.audit }

// Close releases the pool. The audit log must already be drained.
func (s *Store) Close() {
	s.pool.Close()
}
