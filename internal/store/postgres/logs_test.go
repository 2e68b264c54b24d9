package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func TestAddRunLog_Success(t *testing.T) {
	store_, mock := newMockStore(t)
	defer store_.db.Close()

	runID := uuid.NewString()
	mock.ExpectExec(`INSERT INTO run_logs`).
		WithArgs(runID, "attempt 1 starting").
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store_.AddRunLog(context.Background(), runID, "attempt 1 starting"); err != nil {
		t.Fatalf("AddRunLog failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestGetRunLogs_AfterCursor(t *testing.T) {
	store_, mock := newMockStore(t)
	defer store_.db.Close()

	runID := uuid.NewString()
	mock.ExpectQuery(`SELECT id, run_id, content, created_at`).
		WithArgs(runID, int64(5), 100).
		WillReturnRows(sqlmock.NewRows([]string{"id", "run_id", "content", "created_at"}).
			AddRow(int64(6), runID, "line six", time.Now()).
			AddRow(int64(7), runID, "line seven", time.Now()))

	logs, err := store_.GetRunLogs(context.Background(), runID, 5, 100)
	if err != nil {
		t.Fatalf("GetRunLogs failed: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("got %d logs, want 2", len(logs))
	}
	if logs[0].ID != 6 || logs[1].ID != 7 {
		t.Errorf("got ids %d,%d, want 6,7", logs[0].ID, logs[1].ID)
	}
	if logs[1].Content != "line seven" {
		t.Errorf("got content %q, want %q", logs[1].Content, "line seven")
	}
}
