package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"soundline/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

//go:embed schema.sql
var schemaSQL string

// AudioRecord statuses. A record is created pending and mutated only by
// the GPU worker that processes its clip.
const (
	StatusPending     = "pending"
	StatusTranscribed = "transcribed"
	StatusFlagged     = "flagged"
	StatusFailed      = "failed"
)

// queryTimeout bounds a single relational call. Seconds-scale.
const queryTimeout = 10 * time.Second

// AudioRecord is one row of audio_files.
type AudioRecord struct {
	ID               int64    `db:"id"`
	OriginalFilename string   `db:"original_filename"`
	OpusPath         string   `db:"opus_path"`
	S3OpusKey        *string  `db:"s3_opus_key"`
	ArchiveSource    string   `db:"archive_source"`
	DurationSeconds  *float64 `db:"duration_seconds"`
	FileSizeBytes    int64    `db:"file_size_bytes"`
	Status           string   `db:"status"`
}

// FlaggedItem is one row of the flagged-items review view.
type FlaggedItem struct {
	ID               int64     `db:"id" json:"id"`
	OriginalFilename string    `db:"original_filename" json:"original_filename"`
	S3OpusKey        *string   `db:"s3_opus_key" json:"s3_opus_key"`
	TranscriptText   string    `db:"transcript_text" json:"transcript_text"`
	FlagScore        float64   `db:"flag_score" json:"flag_score"`
	FlagCategory     *string   `db:"flag_category" json:"flag_category"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// Stats summarises the trailing 24h of processing.
type Stats struct {
	StatusCounts    map[string]int64 `json:"status_counts"`
	FlaggedCount    int64            `json:"flagged_count"`
	TotalClassified int64            `json:"total_classified"`
}

// Store wraps the relational store connection pool.
type Store struct {
	db *sqlx.DB
}

// New opens a connection pool to the relational store and pings it.
func New(ctx context.Context) (*Store, error) {
	db, err := sqlx.Open("pgx", config.PostgresDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)

	pingCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("Database connected", "host", config.DBHost, "db", config.DBName)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection (for testing).
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "pgx")}
}

// EnsureSchema applies the embedded schema. All statements are guarded
// with IF NOT EXISTS, so this is safe to run repeatedly.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	slog.Info("Database schema ensured")
	return nil
}

// InsertAudioFile creates an AudioRecord with status=pending and returns
// its surrogate id.
func (s *Store) InsertAudioFile(ctx context.Context, rec *AudioRecord) (int64, error) {
	callCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var id int64
	err := s.db.QueryRowContext(callCtx,
		`INSERT INTO audio_files
		     (original_filename, opus_path, archive_source, duration_seconds, file_size_bytes, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		rec.OriginalFilename, rec.OpusPath, rec.ArchiveSource,
		rec.DurationSeconds, rec.FileSizeBytes, StatusPending,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert audio file: %w", err)
	}
	return id, nil
}

// InsertTranscript stores the transcription result for an AudioRecord.
func (s *Store) InsertTranscript(ctx context.Context, audioID int64, text, language string, confidence float64) error {
	callCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.db.ExecContext(callCtx,
		`INSERT INTO transcripts (audio_file_id, transcript_text, language, confidence)
		 VALUES ($1, $2, $3, $4)`,
		audioID, text, language, confidence,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transcript: %w", err)
	}
	return nil
}

// InsertClassification stores the classification result for an AudioRecord.
func (s *Store) InsertClassification(ctx context.Context, audioID int64, flagged bool, score float64, category *string) error {
	callCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.db.ExecContext(callCtx,
		`INSERT INTO classifications (audio_file_id, flagged, flag_score, flag_category)
		 VALUES ($1, $2, $3, $4)`,
		audioID, flagged, score, category,
	)
	if err != nil {
		return fmt.Errorf("failed to insert classification: %w", err)
	}
	return nil
}

// UpdateStatus sets an AudioRecord's status and stamps processed_at.
func (s *Store) UpdateStatus(ctx context.Context, audioID int64, status string) error {
	callCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.db.ExecContext(callCtx,
		`UPDATE audio_files SET status = $1, processed_at = NOW() WHERE id = $2`,
		status, audioID,
	)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return nil
}

// UpdateObjectKey records the blob-store key of the uploaded opus.
func (s *Store) UpdateObjectKey(ctx context.Context, audioID int64, s3Key string) error {
	callCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.db.ExecContext(callCtx,
		`UPDATE audio_files SET s3_opus_key = $1 WHERE id = $2`,
		s3Key, audioID,
	)
	if err != nil {
		return fmt.Errorf("failed to update object key: %w", err)
	}
	return nil
}

// PendingFlagged returns flagged items from the last 24 hours awaiting
// review, highest score first.
func (s *Store) PendingFlagged(ctx context.Context, limit int) ([]FlaggedItem, error) {
	callCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var items []FlaggedItem
	err := s.db.SelectContext(callCtx, &items,
		`SELECT af.id, af.original_filename, af.s3_opus_key,
		        t.transcript_text, c.flag_score, c.flag_category, af.created_at
		 FROM audio_files af
		 JOIN transcripts t ON t.audio_file_id = af.id
		 JOIN classifications c ON c.audio_file_id = af.id
		 WHERE c.flagged = true
		   AND af.status = 'flagged'
		   AND af.created_at > NOW() - INTERVAL '24 hours'
		 ORDER BY c.flag_score DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query flagged items: %w", err)
	}
	return items, nil
}

// ProcessingStats returns per-status counts and flagged totals for the
// trailing 24 hours.
func (s *Store) ProcessingStats(ctx context.Context) (*Stats, error) {
	callCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(callCtx,
		`SELECT status, COUNT(*)
		 FROM audio_files
		 WHERE created_at > NOW() - INTERVAL '24 hours'
		 GROUP BY status`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query status counts: %w", err)
	}
	defer rows.Close()

	stats := &Stats{StatusCounts: make(map[string]int64)}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		stats.StatusCounts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read status counts: %w", err)
	}

	err = s.db.QueryRowContext(callCtx,
		`SELECT COUNT(*) FILTER (WHERE c.flagged = true), COUNT(*)
		 FROM classifications c
		 JOIN audio_files af ON af.id = c.audio_file_id
		 WHERE af.created_at > NOW() - INTERVAL '24 hours'`,
	).Scan(&stats.FlaggedCount, &stats.TotalClassified)
	if err != nil {
		return nil, fmt.Errorf("failed to query classification stats: %w", err)
	}

	return stats, nil
}

// Ping verifies database connectivity. Health checks only.
func (s *Store) Ping(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return s.db.PingContext(callCtx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
