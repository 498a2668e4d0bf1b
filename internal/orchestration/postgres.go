package orchestration

import (
	"context"
	"time"

	"github.com/scancore/crawler/internal/domain/scan"
	"github.com/scancore/crawler/internal/observability"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresProvider implements Provider on top of two claim-queue tables,
// following the same FOR UPDATE SKIP LOCKED claim pattern the rest of the
// stack uses for its control-plane job queue: a row is claimed by stamping
// locked_by/locked_at; it is deleted on explicit Ack, or becomes claimable
// again once RequeueStaleClaims finds its lock older than lockTTL.
type PostgresProvider struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewPostgresProvider(pool *pgxpool.Pool, prom *observability.Prom) *PostgresProvider {
	return &PostgresProvider{pool: pool, prom: prom}
}

func (p *PostgresProvider) observe(op string, fn func() error) error {
	if p.prom != nil {
		return p.prom.ObserveDB(op, fn)
	}
	return fn()
}

func (p *PostgresProvider) PublishJob(ctx context.Context, job scan.ScanJobDescription) error {
	payload, err := job.Encode()
	if err != nil {
		return err
	}

	status := job.Status
	if status == "" {
		status = scan.StatusToBeExecuted
	}

	return p.observe("orchestration.publish_job", func() error {
		_, err := p.pool.Exec(ctx, `
			INSERT INTO scan_jobs (id, bulk_scan_id, payload, status, locked_at, locked_by, created_at, updated_at)
			VALUES ($1, $2, $3, $4, NULL, NULL, NOW(), NOW())
		`, job.ID, job.BulkScanID, payload, string(status))
		return err
	})
}

func (p *PostgresProvider) ClaimJobs(ctx context.Context, workerID string, prefetch int) ([]JobDelivery, error) {
	if prefetch <= 0 {
		prefetch = 1
	}

	var out []JobDelivery
	err := p.observe("orchestration.claim_jobs", func() error {
		rows, qerr := p.pool.Query(ctx, `
			WITH next AS (
				SELECT delivery_tag
				FROM scan_jobs
				WHERE status = $1 AND locked_at IS NULL
				ORDER BY created_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $2
			)
			UPDATE scan_jobs
			SET locked_at = NOW(), locked_by = $3
			WHERE delivery_tag IN (SELECT delivery_tag FROM next)
			RETURNING delivery_tag, payload
		`, string(scan.StatusToBeExecuted), prefetch, workerID)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()

		for rows.Next() {
			var tag uint64
			var payload []byte
			if serr := rows.Scan(&tag, &payload); serr != nil {
				return serr
			}
			job, derr := scan.DecodeJobDescription(payload)
			if derr != nil {
				return derr
			}
			job.DeliveryTag = tag
			out = append(out, JobDelivery{Job: job, DeliveryTag: tag})
		}
		return rows.Err()
	})

	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNoJobAvailable
	}
	return out, nil
}

func (p *PostgresProvider) AckJob(ctx context.Context, deliveryTag uint64) error {
	return p.observe("orchestration.ack_job", func() error {
		_, err := p.pool.Exec(ctx, `DELETE FROM scan_jobs WHERE delivery_tag = $1`, deliveryTag)
		return err
	})
}

func (p *PostgresProvider) PublishDoneNotification(ctx context.Context, note scan.DoneNotification) error {
	payload, err := note.Encode()
	if err != nil {
		return err
	}

	return p.observe("orchestration.publish_done", func() error {
		_, err := p.pool.Exec(ctx, `
			INSERT INTO scan_done_notifications (bulk_scan_id, job_id, payload, locked_at, locked_by, created_at)
			VALUES ($1, $2, $3, NULL, NULL, NOW())
		`, note.BulkScanID, note.JobID, payload)
		return err
	})
}

func (p *PostgresProvider) ConsumeDoneNotifications(ctx context.Context, consumerID string, prefetch int) ([]DoneDelivery, error) {
	if prefetch <= 0 {
		prefetch = 1
	}

	var out []DoneDelivery
	err := p.observe("orchestration.consume_done", func() error {
		rows, qerr := p.pool.Query(ctx, `
			WITH next AS (
				SELECT delivery_tag
				FROM scan_done_notifications
				WHERE locked_at IS NULL
				ORDER BY created_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $1
			)
			UPDATE scan_done_notifications
			SET locked_at = NOW(), locked_by = $2
			WHERE delivery_tag IN (SELECT delivery_tag FROM next)
			RETURNING delivery_tag, payload
		`, prefetch, consumerID)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()

		for rows.Next() {
			var tag uint64
			var payload []byte
			if serr := rows.Scan(&tag, &payload); serr != nil {
				return serr
			}
			note, derr := scan.DecodeDoneNotification(payload)
			if derr != nil {
				return derr
			}
			out = append(out, DoneDelivery{Notification: note, DeliveryTag: tag})
		}
		return rows.Err()
	})

	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNoNotificationAvailable
	}
	return out, nil
}

func (p *PostgresProvider) AckDoneNotification(ctx context.Context, deliveryTag uint64) error {
	return p.observe("orchestration.ack_done", func() error {
		_, err := p.pool.Exec(ctx, `DELETE FROM scan_done_notifications WHERE delivery_tag = $1`, deliveryTag)
		return err
	})
}

func (p *PostgresProvider) RequeueStaleClaims(ctx context.Context, lockTTL time.Duration) (int64, error) {
	secs := int64(lockTTL.Seconds())
	if secs <= 0 {
		secs = 30
	}

	var total int64
	err := p.observe("orchestration.requeue_stale", func() error {
		tag, err := p.pool.Exec(ctx, `
			UPDATE scan_jobs
			SET locked_at = NULL, locked_by = NULL
			WHERE locked_at IS NOT NULL
			  AND locked_at < NOW() - ($1 * INTERVAL '1 second')
		`, secs)
		if err != nil {
			return err
		}
		total += tag.RowsAffected()

		tag, err = p.pool.Exec(ctx, `
			UPDATE scan_done_notifications
			SET locked_at = NULL, locked_by = NULL
			WHERE locked_at IS NOT NULL
			  AND locked_at < NOW() - ($1 * INTERVAL '1 second')
		`, secs)
		if err != nil {
			return err
		}
		total += tag.RowsAffected()
		return nil
	})

	return total, err
}

// EnsureSchema creates the two bus tables if they do not already exist. It
// is safe to call on every controller/worker startup.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS scan_jobs (
			delivery_tag BIGSERIAL PRIMARY KEY,
			id           TEXT NOT NULL,
			bulk_scan_id TEXT NOT NULL,
			payload      JSONB NOT NULL,
			status       TEXT NOT NULL,
			locked_at    TIMESTAMPTZ,
			locked_by    TEXT,
			created_at   TIMESTAMPTZ NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_scan_jobs_claimable ON scan_jobs (status, locked_at, created_at);
		CREATE INDEX IF NOT EXISTS idx_scan_jobs_bulk_scan ON scan_jobs (bulk_scan_id);

		CREATE TABLE IF NOT EXISTS scan_done_notifications (
			delivery_tag BIGSERIAL PRIMARY KEY,
			bulk_scan_id TEXT NOT NULL,
			job_id       TEXT NOT NULL,
			payload      JSONB NOT NULL,
			locked_at    TIMESTAMPTZ,
			locked_by    TEXT,
			created_at   TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_scan_done_claimable ON scan_done_notifications (locked_at, created_at);
		CREATE INDEX IF NOT EXISTS idx_scan_done_bulk_scan ON scan_done_notifications (bulk_scan_id);
	`)
	return err
}
