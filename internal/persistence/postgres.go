package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/scancore/crawler/internal/domain/scan"
	"github.com/scancore/crawler/internal/observability"
	"github.com/scancore/crawler/internal/utils"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var slugPattern = regexp.MustCompile(`[^a-z0-9_]+`)

func slugify(name string) string {
	s := slugPattern.ReplaceAllString(strings.ToLower(name), "_")
	s = strings.Trim(s, "_")
	if s == "" {
		s = "scan"
	}
	if len(s) > 48 {
		s = s[:48]
	}
	return "bulkscan_" + s
}

// PostgresProvider stores the BulkScan catalog in the default schema (so
// admin listings don't need to know every bulk scan's schema name ahead
// of time) and mirrors each bulk scan's own row plus its results into a
// dedicated "one schema per bulk scan name" namespace, per the store
// layout: one DB per bulk scan name, two collections (bulkScan, results).
type PostgresProvider struct {
	pool *pgxpool.Pool
	prom *observability.Prom

	mu             sync.Mutex
	ensuredSchemas map[string]bool
}

func NewPostgresProvider(pool *pgxpool.Pool, prom *observability.Prom) *PostgresProvider {
	return &PostgresProvider{
		pool:           pool,
		prom:           prom,
		ensuredSchemas: make(map[string]bool),
	}
}

func (p *PostgresProvider) observe(op string, fn func() error) error {
	if p.prom != nil {
		return p.prom.ObserveDB(op, fn)
	}
	return fn()
}

// EnsureCatalog creates the cross-scan catalog table. Called once at
// startup by both the controller and the worker.
func EnsureCatalog(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS bulk_scans (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL,
			schema_name    TEXT NOT NULL,
			result_table   TEXT NOT NULL,
			scan_config    JSONB NOT NULL,
			start_time     TIMESTAMPTZ NOT NULL,
			end_time       TIMESTAMPTZ,
			job_total      BIGINT NOT NULL DEFAULT 0,
			counters       JSONB NOT NULL DEFAULT '{}',
			monitored      BOOLEAN NOT NULL DEFAULT FALSE,
			finished       BOOLEAN NOT NULL DEFAULT FALSE,
			created_at     TIMESTAMPTZ NOT NULL,
			updated_at     TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_bulk_scans_created ON bulk_scans (created_at DESC, id DESC);
	`)
	return err
}

func (p *PostgresProvider) ensureBulkScanSchema(ctx context.Context, schemaName, resultTable string) error {
	p.mu.Lock()
	done := p.ensuredSchemas[schemaName]
	p.mu.Unlock()
	if done {
		return nil
	}

	_, err := p.pool.Exec(ctx, fmt.Sprintf(`
		CREATE SCHEMA IF NOT EXISTS %[1]s;

		CREATE TABLE IF NOT EXISTS %[1]s.bulk_scan (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at   TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS %[1]s.%[2]s (
			id              TEXT PRIMARY KEY,
			bulk_scan_id    TEXT NOT NULL,
			status          TEXT NOT NULL,
			target_hostname TEXT NOT NULL,
			target_ip       TEXT,
			"timestamp"     TIMESTAMPTZ NOT NULL,
			partial         BOOLEAN NOT NULL DEFAULT FALSE,
			result_document JSONB
		);
		CREATE INDEX IF NOT EXISTS %[2]s_bulk_scan_idx ON %[1]s.%[2]s (bulk_scan_id);
		CREATE INDEX IF NOT EXISTS %[2]s_hostname_idx ON %[1]s.%[2]s (target_hostname);
		CREATE INDEX IF NOT EXISTS %[2]s_ip_idx ON %[1]s.%[2]s (target_ip);
	`, schemaName, resultTable))
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.ensuredSchemas[schemaName] = true
	p.mu.Unlock()
	return nil
}

func (p *PostgresProvider) AllocateBulkScan(ctx context.Context, name string, cfg scan.ScanConfig) (scan.BulkScan, error) {
	resultTable := cfg.ResultCollection
	if resultTable == "" {
		resultTable = "results"
	}
	schemaName := slugify(name)

	if err := p.ensureBulkScanSchema(ctx, schemaName, resultTable); err != nil {
		return scan.BulkScan{}, err
	}

	now := time.Now().UTC()
	b := scan.BulkScan{
		ID:         uuid.NewString(),
		Name:       name,
		ScanConfig: cfg,
		StartTime:  now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return scan.BulkScan{}, err
	}

	err = p.observe("persistence.allocate_bulk_scan", func() error {
		_, err := p.pool.Exec(ctx, `
			INSERT INTO bulk_scans (id, name, schema_name, result_table, scan_config, start_time, job_total, counters, monitored, finished, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,0,'{}','f','f',$7,$8)
		`, b.ID, b.Name, schemaName, resultTable, cfgJSON, b.StartTime, b.CreatedAt, b.UpdatedAt)
		return err
	})
	if err != nil {
		return scan.BulkScan{}, err
	}

	err = p.observe("persistence.mirror_bulk_scan", func() error {
		_, err := p.pool.Exec(ctx, fmt.Sprintf(
			`INSERT INTO %s.bulk_scan (id, name, started_at) VALUES ($1,$2,$3)`, schemaName,
		), b.ID, b.Name, b.StartTime)
		return err
	})
	if err != nil {
		return scan.BulkScan{}, err
	}

	return b, nil
}

func scanBulkScanRow(row pgx.Row) (scan.BulkScan, string, string, error) {
	var b scan.BulkScan
	var schemaName, resultTable string
	var cfgJSON, countersJSON []byte

	err := row.Scan(
		&b.ID, &b.Name, &schemaName, &resultTable, &cfgJSON,
		&b.StartTime, &b.EndTime, &b.JobTotal, &countersJSON,
		&b.Monitored, &b.Finished, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return scan.BulkScan{}, "", "", err
	}

	if err := json.Unmarshal(cfgJSON, &b.ScanConfig); err != nil {
		return scan.BulkScan{}, "", "", err
	}
	if len(countersJSON) > 0 {
		if err := json.Unmarshal(countersJSON, &b.JobsCompleted); err != nil {
			return scan.BulkScan{}, "", "", err
		}
	}
	return b, schemaName, resultTable, nil
}

const bulkScanColumns = `id, name, schema_name, result_table, scan_config, start_time, end_time, job_total, counters, monitored, finished, created_at, updated_at`

func (p *PostgresProvider) GetBulkScan(ctx context.Context, id string) (scan.BulkScan, error) {
	var b scan.BulkScan
	err := p.observe("persistence.get_bulk_scan", func() error {
		row := p.pool.QueryRow(ctx, `SELECT `+bulkScanColumns+` FROM bulk_scans WHERE id = $1`, id)
		var err error
		b, _, _, err = scanBulkScanRow(row)
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scan.BulkScan{}, scan.ErrBulkScanNotFound
		}
		return scan.BulkScan{}, err
	}
	return b, nil
}

func (p *PostgresProvider) ListBulkScans(ctx context.Context, limit int, afterCreatedAt time.Time, afterID string) ([]scan.BulkScan, *string, bool, error) {
	if limit <= 0 {
		limit = 20
	}

	var rows pgx.Rows
	err := p.observe("persistence.list_bulk_scans", func() error {
		var qerr error
		if afterID == "" {
			rows, qerr = p.pool.Query(ctx, `SELECT `+bulkScanColumns+` FROM bulk_scans ORDER BY created_at DESC, id DESC LIMIT $1`, limit+1)
			return qerr
		}
		rows, qerr = p.pool.Query(ctx, `
			SELECT `+bulkScanColumns+` FROM bulk_scans
			WHERE (created_at, id) < ($1, $2)
			ORDER BY created_at DESC, id DESC LIMIT $3
		`, afterCreatedAt, afterID, limit+1)
		return qerr
	})
	if err != nil {
		return nil, nil, false, err
	}
	defer rows.Close()

	out := make([]scan.BulkScan, 0, limit)
	for rows.Next() {
		b, _, _, err := scanBulkScanRow(rows)
		if err != nil {
			return nil, nil, false, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, false, err
	}

	var next *string
	hasMore := false
	if len(out) > limit {
		hasMore = true
		out = out[:limit]
		last := out[len(out)-1]
		cur, err := utils.EncodeBulkScanCursor(last.CreatedAt, last.ID)
		if err != nil {
			return nil, nil, false, err
		}
		next = &cur
	}

	return out, next, hasMore, nil
}

func (p *PostgresProvider) SetJobTotal(ctx context.Context, bulkScanID string, total int64) error {
	return p.observe("persistence.set_job_total", func() error {
		tag, err := p.pool.Exec(ctx, `UPDATE bulk_scans SET job_total = $2, monitored = TRUE, updated_at = NOW() WHERE id = $1`, bulkScanID, total)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return scan.ErrBulkScanNotFound
		}
		return nil
	})
}

// IncrementJobsCompleted is the single writer for the done-counter: it
// folds the status into the JSONB counters document with a single
// UPDATE ... RETURNING round trip so no two goroutines can race on a
// read-modify-write of the same bulk scan.
func (p *PostgresProvider) IncrementJobsCompleted(ctx context.Context, bulkScanID string, status scan.JobStatus) (scan.BulkScan, error) {
	field := counterField(status)

	var b scan.BulkScan
	err := p.observe("persistence.increment_jobs_completed", func() error {
		row := p.pool.QueryRow(ctx, `
			UPDATE bulk_scans
			SET counters = jsonb_set(counters, $2, (COALESCE(counters->>$3,'0')::bigint + 1)::text::jsonb),
			    updated_at = NOW()
			WHERE id = $1
			RETURNING `+bulkScanColumns+`
		`, bulkScanID, "{"+field+"}", field)

		var err error
		b, _, _, err = scanBulkScanRow(row)
		return err
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scan.BulkScan{}, scan.ErrBulkScanNotFound
		}
		return scan.BulkScan{}, err
	}
	return b, nil
}

func counterField(status scan.JobStatus) string {
	switch status {
	case scan.StatusSuccess:
		return "success"
	case scan.StatusError:
		return "error"
	case scan.StatusInterrupted:
		return "interrupted"
	case scan.StatusInternalError:
		return "internalError"
	case scan.StatusResolutionError:
		return "resolutionError"
	case scan.StatusDenylisted:
		return "denylisted"
	case scan.StatusUnresolvable:
		return "unresolvable"
	case scan.StatusCancelled:
		return "cancelled"
	default:
		return "error"
	}
}

func (p *PostgresProvider) FinalizeBulkScan(ctx context.Context, bulkScanID string) error {
	now := time.Now().UTC()
	return p.observe("persistence.finalize_bulk_scan", func() error {
		tag, err := p.pool.Exec(ctx, `
			UPDATE bulk_scans SET finished = TRUE, end_time = $2, updated_at = NOW()
			WHERE id = $1 AND finished = FALSE
		`, bulkScanID, now)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			// already finalized by a concurrent caller — not an error,
			// finalization must happen exactly once and this guarantees it.
			return nil
		}
		return nil
	})
}

func (p *PostgresProvider) resultTableFor(ctx context.Context, bulkScanID string) (schemaName, resultTable string, err error) {
	err = p.observe("persistence.lookup_result_table", func() error {
		return p.pool.QueryRow(ctx, `SELECT schema_name, result_table FROM bulk_scans WHERE id = $1`, bulkScanID).Scan(&schemaName, &resultTable)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", scan.ErrBulkScanNotFound
	}
	return schemaName, resultTable, err
}

// PutScanResult is id-idempotent (ON CONFLICT DO UPDATE) and retries once
// on a Postgres serialization failure before surfacing ErrInternal. It
// rejects a status mismatch between job and result synchronously, before
// ever touching the database.
func (p *PostgresProvider) PutScanResult(ctx context.Context, bulkScanID string, job scan.ScanJobDescription, result scan.ScanResult) error {
	if job.Status != result.Status {
		return fmt.Errorf("%w: job=%s result=%s", ErrResultStatusMismatch, job.Status, result.Status)
	}

	schemaName, resultTable, err := p.resultTableFor(ctx, bulkScanID)
	if err != nil {
		return err
	}

	docJSON := result.ResultDocument
	if docJSON == nil {
		docJSON = json.RawMessage("null")
	}

	insert := func() error {
		_, err := p.pool.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s.%s (id, bulk_scan_id, status, target_hostname, target_ip, "timestamp", partial, result_document)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				target_hostname = EXCLUDED.target_hostname,
				target_ip = EXCLUDED.target_ip,
				"timestamp" = EXCLUDED.timestamp,
				partial = EXCLUDED.partial,
				result_document = EXCLUDED.result_document
		`, schemaName, resultTable),
			result.ID, bulkScanID, string(result.Status), result.Target.Hostname, nullableIP(result.Target.IP),
			result.Timestamp, result.Partial, docJSON,
		)
		return err
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		lastErr = p.observe("persistence.put_scan_result", insert)
		if lastErr == nil {
			return nil
		}
		if !isSerializationFailure(lastErr) {
			return lastErr
		}
		// bounded retry: exactly one extra attempt before giving up.
	}

	return fmt.Errorf("%w: %v", ErrInternal, lastErr)
}

func nullableIP(ip string) any {
	if ip == "" {
		return nil
	}
	return ip
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001"
	}
	return false
}

func (p *PostgresProvider) GetScanResult(ctx context.Context, bulkScanID, jobID string) (scan.ScanResult, error) {
	schemaName, resultTable, err := p.resultTableFor(ctx, bulkScanID)
	if err != nil {
		return scan.ScanResult{}, err
	}

	var r scan.ScanResult
	var statusStr string
	var ip *string
	err = p.observe("persistence.get_scan_result", func() error {
		return p.pool.QueryRow(ctx, fmt.Sprintf(`
			SELECT id, bulk_scan_id, status, target_hostname, target_ip, "timestamp", partial, result_document
			FROM %s.%s WHERE id = $1
		`, schemaName, resultTable), jobID).Scan(
			&r.ID, &r.BulkScanID, &statusStr, &r.Target.Hostname, &ip, &r.Timestamp, &r.Partial, &r.ResultDocument,
		)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scan.ScanResult{}, scan.ErrJobNotFound
		}
		return scan.ScanResult{}, err
	}
	if ip != nil {
		r.Target.IP = *ip
	}
	r.Status = scan.JobStatus(statusStr)
	return r, nil
}

func (p *PostgresProvider) ListScanResults(ctx context.Context, bulkScanID string, status *scan.JobStatus, limit int, afterTimestamp time.Time, afterID string) ([]scan.ScanResult, *string, bool, error) {
	schemaName, resultTable, err := p.resultTableFor(ctx, bulkScanID)
	if err != nil {
		return nil, nil, false, err
	}
	if limit <= 0 {
		limit = 50
	}

	query := fmt.Sprintf(`
		SELECT id, bulk_scan_id, status, target_hostname, target_ip, "timestamp", partial, result_document
		FROM %s.%s WHERE 1=1
	`, schemaName, resultTable)
	var args []any
	pos := 1

	if status != nil {
		query += fmt.Sprintf(" AND status = $%d", pos)
		args = append(args, string(*status))
		pos++
	}
	if afterID != "" {
		query += fmt.Sprintf(` AND ("timestamp", id) < ($%d, $%d)`, pos, pos+1)
		args = append(args, afterTimestamp, afterID)
		pos += 2
	}
	query += fmt.Sprintf(` ORDER BY "timestamp" DESC, id DESC LIMIT $%d`, pos)
	args = append(args, limit+1)

	var rows pgx.Rows
	err = p.observe("persistence.list_scan_results", func() error {
		var qerr error
		rows, qerr = p.pool.Query(ctx, query, args...)
		return qerr
	})
	if err != nil {
		return nil, nil, false, err
	}
	defer rows.Close()

	out := make([]scan.ScanResult, 0, limit)
	for rows.Next() {
		var r scan.ScanResult
		var statusStr string
		var ip *string
		if err := rows.Scan(&r.ID, &r.BulkScanID, &statusStr, &r.Target.Hostname, &ip, &r.Timestamp, &r.Partial, &r.ResultDocument); err != nil {
			return nil, nil, false, err
		}
		if ip != nil {
			r.Target.IP = *ip
		}
		r.Status = scan.JobStatus(statusStr)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, false, err
	}

	var next *string
	hasMore := false
	if len(out) > limit {
		hasMore = true
		out = out[:limit]
		last := out[len(out)-1]
		cur, err := utils.EncodeScanResultCursor(last.Timestamp, last.ID)
		if err != nil {
			return nil, nil, false, err
		}
		next = &cur
	}

	return out, next, hasMore, nil
}
