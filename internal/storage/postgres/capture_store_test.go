package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/lumaview/pageshot/internal/capture"
)

func TestNewCaptureStoreWithPool_ValidatesTables(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewCaptureStoreWithPool(mock, "captures; DROP TABLE captures", "shots")
	require.Error(t, err)

	_, err = NewCaptureStoreWithPool(nil, "captures", "shots")
	require.Error(t, err)
}

func TestCreateCaptureInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCaptureStoreWithPool(mock, "captures", "shots")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	cap := capture.Capture{
		ID:        "cap-1",
		Status:    capture.StatusQueued,
		Submitted: now,
		Parameters: capture.Parameters{
			URL:     "https://example.com",
			Options: capture.DefaultOptions(),
		},
	}

	mock.ExpectExec("INSERT INTO captures").
		WithArgs(
			cap.ID,
			"queued",
			now,
			"",
			pgxmock.AnyArg(),
			0,
			0,
			0,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateCapture(context.Background(), cap))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateCaptureStatus_Transitions(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCaptureStoreWithPool(mock, "captures", "shots")
	require.NoError(t, err)

	mock.ExpectExec("UPDATE captures SET").
		WithArgs("cap-1", "running", "", 0, 0, 0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = store.UpdateCaptureStatus(
		context.Background(),
		"cap-1",
		capture.StatusRunning,
		"",
		capture.Counters{},
	)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateCaptureStatus_NotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCaptureStoreWithPool(mock, "captures", "shots")
	require.NoError(t, err)

	mock.ExpectExec("UPDATE captures SET").
		WithArgs("missing", "failed", "boom", 0, 1, 0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM captures").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	err = store.UpdateCaptureStatus(
		context.Background(),
		"missing",
		capture.StatusFailed,
		"boom",
		capture.Counters{ShotsFailed: 1},
	)
	require.ErrorIs(t, err, ErrCaptureNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateCaptureStatus_FinishedCaptureUntouched(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCaptureStoreWithPool(mock, "captures", "shots")
	require.NoError(t, err)

	mock.ExpectExec("UPDATE captures SET").
		WithArgs("cap-done", "running", "", 0, 0, 0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM captures").
		WithArgs("cap-done").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("canceled"))

	err = store.UpdateCaptureStatus(
		context.Background(),
		"cap-done",
		capture.StatusRunning,
		"",
		capture.Counters{},
	)
	require.ErrorIs(t, err, capture.ErrCaptureFinished)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordShotInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCaptureStoreWithPool(mock, "captures", "shots")
	require.NoError(t, err)

	now := time.Unix(1700000100, 0).UTC()
	shot := capture.ShotRecord{
		CaptureID:      "cap-1",
		URL:            "https://example.com",
		FinalURL:       "https://example.com/home",
		Title:          "Example",
		StatusCode:     200,
		FullPage:       true,
		ViewportWidth:  1280,
		ViewportHeight: 1080,
		CapturedAt:     now,
		DurationMs:     812,
		ContentHash:    "abc123",
		BlobURI:        "gs://bucket/shots/cap-1/abc123.png",
		ByteSize:       2048,
	}

	mock.ExpectExec("INSERT INTO shots").
		WithArgs(
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
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.RecordShot(context.Background(), shot))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCaptureScansRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCaptureStoreWithPool(mock, "captures", "shots")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows([]string{
		"id", "status", "submitted_at", "started_at", "finished_at",
		"error_text", "parameters", "shots_succeeded", "shots_failed", "notify_retries",
	}).AddRow(
		"cap-1", "succeeded", now, (*time.Time)(nil), (*time.Time)(nil),
		"", []byte(`{"url":"https://example.com","options":{}}`), 1, 0, 0,
	)

	mock.ExpectQuery("SELECT id, status, submitted_at").
		WithArgs("cap-1").
		WillReturnRows(rows)

	got, err := store.GetCapture(context.Background(), "cap-1")
	require.NoError(t, err)
	require.Equal(t, capture.StatusSucceeded, got.Status)
	require.Equal(t, "https://example.com", got.Parameters.URL)
	require.Equal(t, 1, got.Counters.ShotsSucceeded)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListShotsScansRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCaptureStoreWithPool(mock, "captures", "shots")
	require.NoError(t, err)

	now := time.Unix(1700000200, 0).UTC()
	rows := pgxmock.NewRows([]string{
		"capture_id", "url", "final_url", "title", "status_code", "full_page",
		"viewport_width", "viewport_height", "captured_at", "duration_ms",
		"content_hash", "blob_uri", "byte_size",
	}).AddRow(
		"cap-1", "https://example.com", "https://example.com", "Example", 200, true,
		1280, 1080, now, int64(500), "abc", "memory://x", 10,
	)

	mock.ExpectQuery("SELECT capture_id, url, final_url").
		WithArgs("cap-1").
		WillReturnRows(rows)

	shots, err := store.ListShots(context.Background(), "cap-1")
	require.NoError(t, err)
	require.Len(t, shots, 1)
	require.Equal(t, "Example", shots[0].Title)
	require.NoError(t, mock.ExpectationsWereMet())
}
