package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/scancore/crawler/internal/alertdelivery"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AlertDeliveriesRepo gates operational alerts (e.g. "bulk_scan.stalled")
// so a retried or concurrently-running monitor never delivers the same
// alert for the same bulk scan twice. One row per (kind, reference_id).
type AlertDeliveriesRepo struct {
	pool *pgxpool.Pool
}

func NewAlertDeliveriesRepo(pool *pgxpool.Pool) *AlertDeliveriesRepo {
	return &AlertDeliveriesRepo{pool: pool}
}

func (r *AlertDeliveriesRepo) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS alert_deliveries (
			kind TEXT NOT NULL,
			reference_id TEXT NOT NULL,
			recipient TEXT NOT NULL,
			status TEXT NOT NULL,
			sent_at TIMESTAMPTZ,
			last_error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (kind, reference_id)
		)
	`)
	return err
}

// TryStart claims the (kind, referenceID) pair for sending, the same
// insert-then-reclaim-failed pattern as the event-domain confirmation
// gate it was adapted from: a fresh claim succeeds outright, a
// previously-failed claim can be retried, and an already-sent or
// in-flight claim is reported back so the caller can skip or back off.
func (r *AlertDeliveriesRepo) TryStart(ctx context.Context, kind, referenceID, recipient string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO alert_deliveries (kind, reference_id, recipient, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'sending', NOW(), NOW())
	`, kind, referenceID, recipient)

	if err == nil {
		return nil
	}
	if !IsUniqueViolation(err) {
		return err
	}

	tag, uErr := r.pool.Exec(ctx, `
		UPDATE alert_deliveries
		SET status = 'sending', recipient = $3, last_error = NULL, updated_at = NOW()
		WHERE kind = $1 AND reference_id = $2 AND status = 'failed'
	`, kind, referenceID, recipient)
	if uErr != nil {
		return uErr
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var status string
	var sentAt *time.Time
	qErr := r.pool.QueryRow(ctx, `
		SELECT status, sent_at FROM alert_deliveries WHERE kind = $1 AND reference_id = $2
	`, kind, referenceID).Scan(&status, &sentAt)
	if qErr != nil {
		if errors.Is(qErr, pgx.ErrNoRows) {
			return nil
		}
		return qErr
	}

	if sentAt != nil || status == "sent" {
		return alertdelivery.ErrAlreadySent
	}
	return alertdelivery.ErrInProgress
}

func (r *AlertDeliveriesRepo) MarkSent(ctx context.Context, kind, referenceID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE alert_deliveries
		SET status = 'sent', sent_at = NOW(), last_error = NULL, updated_at = NOW()
		WHERE kind = $1 AND reference_id = $2
	`, kind, referenceID)
	return err
}

func (r *AlertDeliveriesRepo) MarkFailed(ctx context.Context, kind, referenceID, errMsg string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE alert_deliveries
		SET status = 'failed', last_error = $3, updated_at = NOW()
		WHERE kind = $1 AND reference_id = $2
	`, kind, referenceID, errMsg)
	return err
}
