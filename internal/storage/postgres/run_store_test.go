package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitemirror/internal/store"
)

func newRunStore(t *testing.T) (*RunStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s, err := NewRunStore(mock)
	require.NoError(t, err)
	return s, mock
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()

	s, mock := newRunStore(t)
	id := uuid.New()
	at := time.Unix(1700000000, 0).UTC()
	msg := "render failed"

	mock.ExpectExec("INSERT INTO capture_runs").
		WithArgs(id, "https://example.com", at, store.RunRunning, "CAPTURE_START").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE capture_runs").
		WithArgs("SCAN_DONE", "example.com_2023", at, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE capture_runs").
		WithArgs(1, 0, int64(512), 3, at, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE capture_runs").
		WithArgs(at, store.RunError, &msg, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ctx := context.Background()
	require.NoError(t, s.StartRun(ctx, id, "https://example.com", at))
	require.NoError(t, s.SetStage(ctx, id, "SCAN_DONE", "example.com_2023", at))
	require.NoError(t, s.RecordAssets(ctx, id, store.AssetDelta{Downloaded: 1, Bytes: 512, Total: 3}, at))
	require.NoError(t, s.CompleteRun(ctx, id, at, store.RunError, &msg))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunUpdatesReportMissingRows(t *testing.T) {
	t.Parallel()

	s, mock := newRunStore(t)
	id := uuid.New()
	at := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("UPDATE capture_runs").
		WithArgs("RENDER_DONE", "", at, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec("UPDATE capture_runs").
		WithArgs(1, 0, int64(1), 1, at, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.ErrorIs(t, s.SetStage(context.Background(), id, "RENDER_DONE", "", at), store.ErrNotFound)
	require.ErrorIs(t, s.RecordAssets(context.Background(), id, store.AssetDelta{Downloaded: 1, Bytes: 1, Total: 1}, at), store.ErrNotFound)
	require.Error(t, s.CompleteRun(context.Background(), id, at, store.RunRunning, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRun(t *testing.T) {
	t.Parallel()

	s, mock := newRunStore(t)
	id := uuid.New()
	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Minute)
	folder := "example.com_2023"

	mock.ExpectQuery("SELECT (.+) FROM capture_runs WHERE id").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "url", "folder", "started_at", "updated_at", "finished_at", "status", "stage",
			"assets", "downloaded", "failed", "bytes", "error_message",
		}).AddRow(id, "https://example.com", &folder, started, finished, &finished, store.RunSuccess,
			"CAPTURE_DONE", 4, 3, 1, int64(2048), nil))

	run, err := s.GetRun(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, id, run.ID)
	require.Equal(t, folder, run.Folder)
	require.Equal(t, store.RunSuccess, run.Status)
	require.NotNil(t, run.FinishedAt)
	require.Equal(t, 3, run.Downloaded)
	require.Equal(t, int64(2048), run.Bytes)
	require.Nil(t, run.Error)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunNotFound(t *testing.T) {
	t.Parallel()

	s, mock := newRunStore(t)
	id := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM capture_runs WHERE id").
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), id)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListRuns(t *testing.T) {
	t.Parallel()

	s, mock := newRunStore(t)
	started := time.Unix(1700000000, 0).UTC()
	status := store.RunRunning
	columns := []string{
		"id", "url", "folder", "started_at", "updated_at", "finished_at", "status", "stage",
		"assets", "downloaded", "failed", "bytes", "error_message",
	}
	mock.ExpectQuery("SELECT (.+) FROM capture_runs").
		WithArgs(&status, 10, 0).
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow(uuid.New(), "https://a.example", nil, started, started, nil, store.RunRunning, "SCAN_DONE", 2, 0, 0, int64(0), nil).
			AddRow(uuid.New(), "https://b.example", nil, started, started, nil, store.RunRunning, "CAPTURE_START", 0, 0, 0, int64(0), nil))

	runs, err := s.ListRuns(context.Background(), &status, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "https://a.example", runs[0].URL)
	require.Empty(t, runs[1].Folder)
	require.NoError(t, mock.ExpectationsWereMet())
}
