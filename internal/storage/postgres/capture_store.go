// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumaview/pageshot/internal/capture"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ErrCaptureNotFound indicates the capture row does not exist.
var ErrCaptureNotFound = errors.New("capture not found")

// CaptureStoreConfig controls the Postgres connection pool used for capture rows.
type CaptureStoreConfig struct {
	DSN             string
	CapturesTable   string
	ShotsTable      string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// CaptureStore persists captures and shot records in Postgres.
type CaptureStore struct {
	pool     pgxPool
	captures string
	shots    string
}

// NewCaptureStore creates a Postgres-backed CaptureStore using the provided config.
func NewCaptureStore(ctx context.Context, cfg CaptureStoreConfig) (*CaptureStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return newCaptureStore(pool, cfg.CapturesTable, cfg.ShotsTable)
}

// NewCaptureStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewCaptureStoreWithPool(pool pgxPool, capturesTable, shotsTable string) (*CaptureStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return newCaptureStore(pool, capturesTable, shotsTable)
}

func newCaptureStore(pool pgxPool, capturesTable, shotsTable string) (*CaptureStore, error) {
	if capturesTable == "" {
		capturesTable = "captures"
	}
	if shotsTable == "" {
		shotsTable = "shots"
	}
	for _, table := range []string{capturesTable, shotsTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &CaptureStore{pool: pool, captures: capturesTable, shots: shotsTable}, nil
}

// Close releases the underlying pool resources.
func (s *CaptureStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateCapture inserts a capture row.
func (s *CaptureStore) CreateCapture(ctx context.Context, cap capture.Capture) error {
	if cap.ID == "" {
		return fmt.Errorf("capture id is required")
	}
	paramsJSON, err := json.Marshal(cap.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	status,
	submitted_at,
	error_text,
	parameters,
	shots_succeeded,
	shots_failed,
	notify_retries
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, s.captures)

	args := []any{
		cap.ID,
		string(cap.Status),
		cap.Submitted,
		cap.ErrorText,
		paramsJSON,
		cap.Counters.ShotsSucceeded,
		cap.Counters.ShotsFailed,
		cap.Counters.NotifyRetries,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert capture: %w", err)
	}
	return nil
}

// UpdateCaptureStatus transitions a capture, stamping started/finished times
// as the status implies. Captures already in a terminal state are left
// untouched and reported via capture.ErrCaptureFinished.
func (s *CaptureStore) UpdateCaptureStatus(
	ctx context.Context,
	captureID string,
	status capture.Status,
	errText string,
	counters capture.Counters,
) error {
	query := fmt.Sprintf(`
UPDATE %s SET
	status = $2,
	error_text = $3,
	shots_succeeded = $4,
	shots_failed = $5,
	notify_retries = $6,
	started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN now() ELSE started_at END,
	finished_at = CASE WHEN $2 IN ('succeeded','failed','canceled') THEN now() ELSE finished_at END
WHERE id = $1 AND status NOT IN ('succeeded','failed','canceled')`, s.captures)

	tag, err := s.pool.Exec(ctx, query,
		captureID,
		string(status),
		errText,
		counters.ShotsSucceeded,
		counters.ShotsFailed,
		counters.NotifyRetries,
	)
	if err != nil {
		return fmt.Errorf("update capture status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existsQuery := fmt.Sprintf(`SELECT status FROM %s WHERE id = $1`, s.captures)
		var current string
		if err := s.pool.QueryRow(ctx, existsQuery, captureID).Scan(&current); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrCaptureNotFound
			}
			return fmt.Errorf("check capture status: %w", err)
		}
		return capture.ErrCaptureFinished
	}
	return nil
}

// RecordShot inserts a shot row.
func (s *CaptureStore) RecordShot(ctx context.Context, shot capture.ShotRecord) error {
	query := fmt.Sprintf(`
INSERT INTO %s (
	capture_id,
	url,
	final_url,
	title,
	status_code,
	full_page,
	viewport_width,
	viewport_height,
	captured_at,
	duration_ms,
	content_hash,
	blob_uri,
	byte_size
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`, s.shots)

	args := []any{
		shot.CaptureID,
		shot.URL,
		shot.FinalURL,
		shot.Title,
		shot.StatusCode,
		shot.FullPage,
		shot.ViewportWidth,
		shot.ViewportHeight,
		shot.CapturedAt,
		shot.DurationMs,
		shot.ContentHash,
		shot.BlobURI,
		shot.ByteSize,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert shot: %w", err)
	}
	return nil
}

// GetCapture fetches a capture row by ID.
func (s *CaptureStore) GetCapture(ctx context.Context, captureID string) (capture.Capture, error) {
	query := fmt.Sprintf(`
SELECT id, status, submitted_at, started_at, finished_at, error_text, parameters,
	shots_succeeded, shots_failed, notify_retries
FROM %s WHERE id = $1`, s.captures)

	var (
		cap        capture.Capture
		status     string
		paramsJSON []byte
	)
	err := s.pool.QueryRow(ctx, query, captureID).Scan(
		&cap.ID,
		&status,
		&cap.Submitted,
		&cap.Started,
		&cap.Finished,
		&cap.ErrorText,
		&paramsJSON,
		&cap.Counters.ShotsSucceeded,
		&cap.Counters.ShotsFailed,
		&cap.Counters.NotifyRetries,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return capture.Capture{}, ErrCaptureNotFound
		}
		return capture.Capture{}, fmt.Errorf("select capture: %w", err)
	}
	cap.Status = capture.Status(status)
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &cap.Parameters); err != nil {
			return capture.Capture{}, fmt.Errorf("unmarshal parameters: %w", err)
		}
	}
	return cap, nil
}

// ListShots returns the shot rows for a capture ordered by capture time.
func (s *CaptureStore) ListShots(ctx context.Context, captureID string) ([]capture.ShotRecord, error) {
	query := fmt.Sprintf(`
SELECT capture_id, url, final_url, title, status_code, full_page,
	viewport_width, viewport_height, captured_at, duration_ms,
	content_hash, blob_uri, byte_size
FROM %s WHERE capture_id = $1 ORDER BY captured_at`, s.shots)

	rows, err := s.pool.Query(ctx, query, captureID)
	if err != nil {
		return nil, fmt.Errorf("select shots: %w", err)
	}
	defer rows.Close()

	var shots []capture.ShotRecord
	for rows.Next() {
		var shot capture.ShotRecord
		if err := rows.Scan(
			&shot.CaptureID,
			&shot.URL,
			&shot.FinalURL,
			&shot.Title,
			&shot.StatusCode,
			&shot.FullPage,
			&shot.ViewportWidth,
			&shot.ViewportHeight,
			&shot.CapturedAt,
			&shot.DurationMs,
			&shot.ContentHash,
			&shot.BlobURI,
			&shot.ByteSize,
		); err != nil {
			return nil, fmt.Errorf("scan shot: %w", err)
		}
		shots = append(shots, shot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shots: %w", err)
	}
	return shots, nil
}
