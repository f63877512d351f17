// Package postgres provides PostgreSQL infrastructure components.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/clearhealth/claimsync/internal/store"
)

// PartitionStore is the durable KV backend. Each partition is one row
// holding the whole serialized collection, matching the write pattern of the
// in-memory store: read everything at boot, write everything on save.
type PartitionStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewPartitionStore creates a partition store over the given pool.
func NewPartitionStore(pool *pgxpool.Pool, logger *zap.Logger) *PartitionStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PartitionStore{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("partition-store"),
	}
}

// EnsureSchema creates the partitions table if it does not exist.
func (p *PartitionStore) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS partitions (
			name       TEXT PRIMARY KEY,
			data       BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`
	if _, err := p.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to ensure partitions schema: %w", err)
	}
	return nil
}

// Read returns the partition's bytes or store.ErrPartitionNotFound.
func (p *PartitionStore) Read(ctx context.Context, partition string) ([]byte, error) {
	ctx, span := p.tracer.Start(ctx, "partition_read",
		trace.WithAttributes(attribute.String("partition", partition)))
	defer span.End()

	var data []byte
	err := p.pool.QueryRow(ctx, "SELECT data FROM partitions WHERE name = $1", partition).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrPartitionNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read partition %s: %w", partition, err)
	}
	return data, nil
}

// Write replaces the partition's bytes.
func (p *PartitionStore) Write(ctx context.Context, partition string, data []byte) error {
	ctx, span := p.tracer.Start(ctx, "partition_write",
		trace.WithAttributes(
			attribute.String("partition", partition),
			attribute.Int("bytes", len(data)),
		))
	defer span.End()

	start := time.Now()
	query := `
		INSERT INTO partitions (name, data, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE
		SET data = $2, updated_at = NOW()
	`
	if _, err := p.pool.Exec(ctx, query, partition, data); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to write partition %s: %w", partition, err)
	}

	p.logger.Debug("partition written",
		zap.String("partition", partition),
		zap.Int("bytes", len(data)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// List enumerates the written partitions.
func (p *PartitionStore) List(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, "SELECT name FROM partitions ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
