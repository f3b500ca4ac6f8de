package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/psalmprax/ettametta/config"
	xerrors "github.com/psalmprax/ettametta/errors"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(sqlx.NewDb(db, "sqlmock")), mock
}

func fixClock(t *testing.T) time.Time {
	t.Helper()
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	config.Clock = config.FixedTimestampGenerator{Timestamp: fixed}
	t.Cleanup(func() { config.Clock = config.RealTimestampGenerator{} })
	return fixed
}

func TestCreateJobIsIdempotent(t *testing.T) {
	now := fixClock(t)
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs("j1", KindTransform, "", StatusQueued, "", 0, "https://src/video", now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	// second insert hits ON CONFLICT DO NOTHING
	mock.ExpectExec("INSERT INTO jobs").
		WithArgs("j1", KindTransform, "", StatusQueued, "", 0, "https://src/video", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	job := Job{ID: "j1", Kind: KindTransform, InputRef: "https://src/video"}
	require.NoError(t, store.CreateJob(context.Background(), job))
	require.NoError(t, store.CreateJob(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportProgressIsMonotonicAndClamped(t *testing.T) {
	now := fixClock(t)
	store, mock := newMockStore(t)

	// GREATEST keeps progress from regressing; the status guard skips
	// terminal rows entirely
	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs("j1", StatusRunning, "Rendering", 40, now, StatusQueued, StatusRunning).
		WillReturnResult(sqlmock.NewResult(0, 1))
	store.ReportProgress("j1", "Rendering", 40)

	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs("j1", StatusRunning, "Uploading", 100, now, StatusQueued, StatusRunning).
		WillReturnResult(sqlmock.NewResult(0, 1))
	store.ReportProgress("j1", "Uploading", 250)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportFailedSkipsTerminalJobs(t *testing.T) {
	now := fixClock(t)
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs("j1", StatusFailed, "Transient", "Transient: upstream 503", now, StatusQueued, StatusRunning).
		WillReturnResult(sqlmock.NewResult(0, 0))
	store.ReportFailed("j1", xerrors.KindTransient, "upstream 503")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHasActiveJobForInput(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("https://src/video", StatusQueued, StatusRunning).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	active, err := store.HasActiveJobForInput(context.Background(), "https://src/video")
	require.NoError(t, err)
	require.True(t, active)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("https://src/other", StatusQueued, StatusRunning).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	active, err = store.HasActiveJobForInput(context.Background(), "https://src/other")
	require.NoError(t, err)
	require.False(t, active)
}

func TestClaimPostFiresAtMostOnce(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE scheduled_posts SET status").
		WithArgs("p1", PostPending, PostClaimed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	claimed, err := store.ClaimPost(context.Background(), "p1")
	require.NoError(t, err)
	require.True(t, claimed)

	// a concurrent sweep loses the claim race
	mock.ExpectExec("UPDATE scheduled_posts SET status").
		WithArgs("p1", PostPending, PostClaimed).
		WillReturnResult(sqlmock.NewResult(0, 0))
	claimed, err = store.ClaimPost(context.Background(), "p1")
	require.NoError(t, err)
	require.False(t, claimed)
}

func TestMigrateRefsRewritesEverythingInOneTx(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE jobs SET output_ref").
		WithArgs("/outputs/a.mp4", "a.mp4").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE scheduled_posts SET video_ref").
		WithArgs("/outputs/a.mp4", "a.mp4").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.MigrateRefs(context.Background(), "/outputs/a.mp4", "a.mp4"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateRefsRollsBackOnFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE jobs SET output_ref").
		WithArgs("/outputs/a.mp4", "a.mp4").
		WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	require.Error(t, store.MigrateRefs(context.Background(), "/outputs/a.mp4", "a.mp4"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscribeDroppedNotificationsDoNotBlock(t *testing.T) {
	now := fixClock(t)
	store, mock := newMockStore(t)
	_ = store.Subscribe() // never drained

	for i := 0; i < 100; i++ {
		mock.ExpectExec("UPDATE jobs SET status").
			WithArgs("j1", StatusRunning, "Rendering", 50, now, StatusQueued, StatusRunning).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			store.ReportProgress("j1", "Rendering", 50)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("notifications blocked job writes")
	}
}
