package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func TestInsertAudioFile(t *testing.T) {
	s, mock := setupStore(t)

	duration := 12.5
	mock.ExpectQuery(`INSERT INTO audio_files`).
		WithArgs("clip.mp3", "/data/scratch/b1/clip.opus", "archives/b1.tar",
			&duration, int64(2048), StatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	id, err := s.InsertAudioFile(context.Background(), &AudioRecord{
		OriginalFilename: "clip.mp3",
		OpusPath:         "/data/scratch/b1/clip.opus",
		ArchiveSource:    "archives/b1.tar",
		DurationSeconds:  &duration,
		FileSizeBytes:    2048,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 7, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTranscriptAndClassification(t *testing.T) {
	s, mock := setupStore(t)
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO transcripts`).
		WithArgs(int64(7), "hello world", "en", 0.93).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.InsertTranscript(ctx, 7, "hello world", "en", 0.93))

	category := "harassment"
	mock.ExpectExec(`INSERT INTO classifications`).
		WithArgs(int64(7), true, 0.87, &category).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.InsertClassification(ctx, 7, true, 0.87, &category))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatus(t *testing.T) {
	s, mock := setupStore(t)

	mock.ExpectExec(`UPDATE audio_files SET status`).
		WithArgs(StatusFlagged, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.UpdateStatus(context.Background(), 7, StatusFlagged))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateObjectKey(t *testing.T) {
	s, mock := setupStore(t)

	mock.ExpectExec(`UPDATE audio_files SET s3_opus_key`).
		WithArgs("processed/2025-01-01/7.opus", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.UpdateObjectKey(context.Background(), 7, "processed/2025-01-01/7.opus"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingFlagged(t *testing.T) {
	s, mock := setupStore(t)

	category := "threat"
	created := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "original_filename", "s3_opus_key", "transcript_text",
		"flag_score", "flag_category", "created_at",
	}).
		AddRow(int64(2), "b.mp3", "processed/2025-01-01/2.opus", "second", 0.95, &category, created).
		AddRow(int64(1), "a.mp3", nil, "first", 0.41, nil, created)
	mock.ExpectQuery(`SELECT af.id, af.original_filename`).
		WithArgs(50).
		WillReturnRows(rows)

	items, err := s.PendingFlagged(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.EqualValues(t, 2, items[0].ID)
	assert.Equal(t, 0.95, items[0].FlagScore)
	require.NotNil(t, items[0].FlagCategory)
	assert.Equal(t, "threat", *items[0].FlagCategory)
	assert.Nil(t, items[1].S3OpusKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessingStats(t *testing.T) {
	s, mock := setupStore(t)

	mock.ExpectQuery(`SELECT status, COUNT`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow(StatusTranscribed, int64(40)).
			AddRow(StatusFlagged, int64(3)).
			AddRow(StatusFailed, int64(1)))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FILTER`).
		WillReturnRows(sqlmock.NewRows([]string{"flagged", "total"}).AddRow(int64(3), int64(43)))

	stats, err := s.ProcessingStats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 40, stats.StatusCounts[StatusTranscribed])
	assert.EqualValues(t, 3, stats.FlaggedCount)
	assert.EqualValues(t, 43, stats.TotalClassified)
	assert.NoError(t, mock.ExpectationsWereMet())
}
