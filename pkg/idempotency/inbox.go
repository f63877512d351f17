// Package idempotency provides the Inbox pattern for exactly-once message
// processing. External adjudication systems replay their feeds on reconnect,
// so every relayed claim is checked against a processed-message table first.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrDuplicateMessage indicates the message was already processed
var ErrDuplicateMessage = errors.New("duplicate message: already processed")

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// DefaultTTL is how long processed keys are remembered
	DefaultTTL time.Duration
	// CleanupInterval is how often to clean expired entries
	CleanupInterval time.Duration
}

// DefaultInboxConfig returns sensible defaults. The TTL must exceed the
// retention of the external feed topic or replays can slip through.
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		DefaultTTL:      14 * 24 * time.Hour,
		CleanupInterval: 1 * time.Hour,
	}
}

// Inbox records processed message keys in PostgreSQL
type Inbox struct {
	pool   *pgxpool.Pool
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates a new inbox
func NewInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// EnsureSchema creates the inbox table if it does not exist
func (i *Inbox) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS inbox (
			idempotency_key TEXT PRIMARY KEY,
			handler_name    TEXT NOT NULL,
			processed_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at      TIMESTAMPTZ NOT NULL
		)
	`
	if _, err := i.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to ensure inbox schema: %w", err)
	}
	return nil
}

// GenerateKey creates a deterministic idempotency key for an external claim
// message. The adjudication timestamp is truncated to the minute so clock
// drift between source systems does not split one decision into two keys.
func GenerateKey(sourceSystem, claimID string, adjudicatedAt time.Time) string {
	parts := []string{
		sourceSystem,
		claimID,
		adjudicatedAt.Truncate(time.Minute).UTC().Format(time.RFC3339),
	}
	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// Claim records the key as processed. It returns ErrDuplicateMessage if the
// key was already claimed; the insert is the atomicity point, so two
// concurrent consumers cannot both win.
func (i *Inbox) Claim(ctx context.Context, key, handlerName string) error {
	ctx, span := i.tracer.Start(ctx, "inbox_claim",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	query := `
		INSERT INTO inbox (idempotency_key, handler_name, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING idempotency_key
	`

	var returned string
	err := i.pool.QueryRow(ctx, query, key, handlerName, time.Now().Add(i.config.DefaultTTL)).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		span.SetAttributes(attribute.Bool("duplicate", true))
		return ErrDuplicateMessage
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to claim key: %w", err)
	}
	return nil
}

// Release forgets a claimed key so the message can be reprocessed. Called
// when the handler fails after claiming.
func (i *Inbox) Release(ctx context.Context, key string) error {
	_, err := i.pool.Exec(ctx, "DELETE FROM inbox WHERE idempotency_key = $1", key)
	if err != nil {
		return fmt.Errorf("failed to release key: %w", err)
	}
	return nil
}

// StartCleanup starts the background cleanup goroutine
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the inbox cleanup
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
	i.logger.Info("inbox stopped")
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			if err := i.cleanup(i.ctx); err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
			}
		}
	}
}

func (i *Inbox) cleanup(ctx context.Context) error {
	result, err := i.pool.Exec(ctx, "DELETE FROM inbox WHERE expires_at < NOW()")
	if err != nil {
		return err
	}

	if result.RowsAffected() > 0 {
		i.logger.Info("inbox cleanup completed", zap.Int64("deleted", result.RowsAffected()))
	}
	return nil
}
