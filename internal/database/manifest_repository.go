package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/logging"
	"github.com/therealutkarshpriyadarshi/livevtt/pkg/models"
)

// ManifestRepository stores manifest entries
type ManifestRepository struct {
	db     *DB
	logger *logging.Logger
}

// NewManifestRepository creates a new manifest repository
func NewManifestRepository(db *DB, logger *logging.Logger) *ManifestRepository {
	if logger == nil {
		logger = logging.Nop()
	}
	return &ManifestRepository{db: db, logger: logger}
}

// ManifestSummary holds entry totals by status
type ManifestSummary struct {
	Files     int       `json:"files"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Entries   int       `json:"entries"`
	LastEntry time.Time `json:"last_entry"`
}

// Insert appends a manifest entry
func (r *ManifestRepository) Insert(ctx context.Context, entry *models.ManifestEntry) error {
	start := time.Now()

	query := `
		INSERT INTO manifest_entries (file, status, outputs, error, error_type, duration,
		                              processing_time_sec, content_hash, worker, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.Pool.Exec(ctx, query,
		entry.File, entry.Status, entry.Outputs, entry.Error, entry.ErrorType, entry.Duration,
		entry.ProcessingTimeSec, entry.ContentHash, entry.Worker, entry.Timestamp,
	)
	r.logger.LogDatabaseOperation("insert_manifest_entry", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to insert manifest entry: %w", err)
	}

	return nil
}

// Latest returns the most recent entry for file, nil when there is none
func (r *ManifestRepository) Latest(ctx context.Context, file string) (*models.ManifestEntry, error) {
	query := `
		SELECT file, status, outputs, error, error_type, duration,
		       processing_time_sec, content_hash, worker, recorded_at
		FROM manifest_entries
		WHERE file = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1
	`

	entry, err := scanEntry(r.db.Pool.QueryRow(ctx, query, file))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get manifest entry: %w", err)
	}

	return entry, nil
}

// Summary counts files by the status of their latest entry
func (r *ManifestRepository) Summary(ctx context.Context) (*ManifestSummary, error) {
	query := `
		WITH latest AS (
			SELECT DISTINCT ON (file) file, status
			FROM manifest_entries
			ORDER BY file, recorded_at DESC, id DESC
		)
		SELECT
			(SELECT COUNT(*) FROM latest),
			(SELECT COUNT(*) FROM latest WHERE status = $1),
			(SELECT COUNT(*) FROM latest WHERE status = $2),
			(SELECT COUNT(*) FROM manifest_entries),
			(SELECT COALESCE(MAX(recorded_at), 'epoch') FROM manifest_entries)
	`

	var s ManifestSummary
	err := r.db.Pool.QueryRow(ctx, query, models.ManifestStatusSuccess, models.ManifestStatusError).Scan(
		&s.Files, &s.Succeeded, &s.Failed, &s.Entries, &s.LastEntry,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize manifest: %w", err)
	}

	return &s, nil
}

// RecentFailures returns the latest error entries, newest first
func (r *ManifestRepository) RecentFailures(ctx context.Context, limit int) ([]*models.ManifestEntry, error) {
	query := `
		SELECT file, status, outputs, error, error_type, duration,
		       processing_time_sec, content_hash, worker, recorded_at
		FROM manifest_entries
		WHERE status = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.db.Pool.Query(ctx, query, models.ManifestStatusError, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list failures: %w", err)
	}
	defer rows.Close()

	var entries []*models.ManifestEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan manifest entry: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

func scanEntry(row pgx.Row) (*models.ManifestEntry, error) {
	var entry models.ManifestEntry
	err := row.Scan(
		&entry.File, &entry.Status, &entry.Outputs, &entry.Error, &entry.ErrorType, &entry.Duration,
		&entry.ProcessingTimeSec, &entry.ContentHash, &entry.Worker, &entry.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}
