package history

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/john/printlink/logger"
	"github.com/john/printlink/session"
)

func ctx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return c
}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db), mock
}

const insertQuery = `
		INSERT INTO uploads (id, device_id, filename, size, outcome, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, NULL, ?, NULL)
	`

const listColumns = "id, device_id, filename, size, outcome, error, started_at, finished_at"

func TestStartInsertsInProgressRow(t *testing.T) {
	t.Parallel()
	store, mock := newMock(t)

	started := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta(insertQuery)).
		WithArgs("u1", "printer-A", "cube.gcode", int64(1024), OutcomeInProgress, started).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Start(ctx(t), Upload{ID: "u1", DeviceID: "printer-A", Filename: "cube.gcode", Size: 1024, StartedAt: started})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("mock expectations: %v", err)
	}
}

func TestStartRequiresID(t *testing.T) {
	t.Parallel()
	store, mock := newMock(t)
	if err := store.Start(ctx(t), Upload{DeviceID: "a"}); err == nil {
		t.Fatal("expected an error without id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("mock expectations: %v", err)
	}
}

func TestStartDBError(t *testing.T) {
	t.Parallel()
	store, mock := newMock(t)
	mock.ExpectExec("INSERT INTO uploads").WillReturnError(errors.New("disk full"))

	err := store.Start(ctx(t), Upload{ID: "u1", DeviceID: "a", Filename: "x.gcode"})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestFinish(t *testing.T) {
	t.Parallel()
	store, mock := newMock(t)
	finished := time.Date(2025, 3, 1, 10, 5, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE uploads SET outcome = ?, error = ?, finished_at = ? WHERE id = ?`)).
		WithArgs(OutcomeFailed, "connection reset", finished, "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE uploads").
		WithArgs(OutcomeSuccess, sqlmock.AnyArg(), sqlmock.AnyArg(), "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Finish(ctx(t), "u1", OutcomeFailed, "connection reset", finished); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := store.Finish(ctx(t), "missing", OutcomeSuccess, "", time.Time{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("mock expectations: %v", err)
	}
}

func TestListFiltersByDevice(t *testing.T) {
	t.Parallel()
	store, mock := newMock(t)
	started := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	finished := started.Add(time.Minute)

	rows := sqlmock.NewRows(strings.Split(listColumns, ", ")).
		AddRow("u2", "printer-A", "b.gcode", int64(20), OutcomeInProgress, nil, started.Add(time.Hour), nil).
		AddRow("u1", "printer-A", "a.gcode", int64(10), OutcomeFailed, "timeout", started, finished)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT `+listColumns+` FROM uploads WHERE device_id = ? ORDER BY started_at DESC LIMIT ?`)).
		WithArgs("printer-A", 10).
		WillReturnRows(rows)

	got, err := store.List(ctx(t), "printer-A", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || got[0].ID != "u2" || got[1].ID != "u1" {
		t.Fatalf("unexpected rows: %+v", got)
	}
	if got[0].FinishedAt != nil || got[0].Error != "" {
		t.Fatalf("in-progress row should have no finish data: %+v", got[0])
	}
	if got[1].FinishedAt == nil || !got[1].FinishedAt.Equal(finished) || got[1].Error != "timeout" {
		t.Fatalf("finished row: %+v", got[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("mock expectations: %v", err)
	}
}

func TestListAllWithoutLimit(t *testing.T) {
	t.Parallel()
	store, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ` + listColumns + ` FROM uploads ORDER BY started_at DESC`)).
		WillReturnRows(sqlmock.NewRows(strings.Split(listColumns, ", ")))

	got, err := store.List(ctx(t), "", 0)
	if err != nil || len(got) != 0 {
		t.Fatalf("List: %v %v", got, err)
	}
}

func TestListScanError(t *testing.T) {
	t.Parallel()
	store, mock := newMock(t)
	rows := sqlmock.NewRows(strings.Split(listColumns, ", ")).
		AddRow("x", "a", "f", "not a number", OutcomeSuccess, nil, time.Now(), nil)
	mock.ExpectQuery("SELECT").WillReturnRows(rows)

	if _, err := store.List(ctx(t), "", 0); err == nil {
		t.Fatal("expected scan error")
	}
}

func TestTotals(t *testing.T) {
	t.Parallel()
	store, mock := newMock(t)
	mock.ExpectQuery("SELECT\\s+COUNT\\(\\*\\)").
		WithArgs(OutcomeSuccess, OutcomeFailed, OutcomeCancelled, OutcomeInProgress, OutcomeSuccess).
		WillReturnRows(sqlmock.NewRows([]string{"n", "ok", "failed", "cancelled", "running", "bytes"}).
			AddRow(7, 4, 1, 1, 1, int64(4096)))

	got, err := store.Totals(ctx(t))
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	want := Totals{TotalUploads: 7, Succeeded: 4, Failed: 1, Cancelled: 1, InProgress: 1, BytesSent: 4096}
	if got != want {
		t.Fatalf("totals %+v, want %+v", got, want)
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()
	store, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM uploads WHERE id = ?`)).
		WithArgs("u1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM uploads").
		WithArgs("u1").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Delete(ctx(t), "u1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx(t), "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestRecorderWritesInOrder(t *testing.T) {
	t.Parallel()
	store, mock := newMock(t)
	started := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO uploads").
		WithArgs("job-1", "printer-A", "cube.gcode", int64(99), OutcomeInProgress, started).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE uploads").
		WithArgs(OutcomeCancelled, "user cancelled", sqlmock.AnyArg(), "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := NewRecorder(store, logger.Nop())
	job := session.UploadJob{ID: "job-1", Device: "printer-A", FileName: "cube.gcode", Size: 99, StartedAt: started}
	rec.UploadStarted(job)
	job.Outcome = session.OutcomeCancelled
	job.Error = "user cancelled"
	job.FinishedAt = started.Add(time.Second)
	rec.UploadFinished(job)
	rec.Close()
	rec.Close()

	// dropped after close
	rec.UploadStarted(job)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("mock expectations: %v", err)
	}
}

func TestRecorderDropsWhenQueueFull(t *testing.T) {
	t.Parallel()
	store, mock := newMock(t)
	mock.MatchExpectationsInOrder(false)
	mock.ExpectExec("INSERT INTO uploads").
		WillDelayFor(300 * time.Millisecond).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := NewRecorder(store, logger.Nop())
	job := session.UploadJob{ID: "job-1", Device: "printer-A", FileName: "cube.gcode", StartedAt: time.Now()}

	start := time.Now()
	for i := 0; i < 200; i++ {
		rec.UploadStarted(job)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("enqueue blocked behind the store for %v", elapsed)
	}
	rec.Close()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("mock expectations: %v", err)
	}
}

func TestOpenDBCreatesSchema(t *testing.T) {
	db, err := OpenDB(t.TempDir() + "/nested/history.db")
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	defer db.Close()
	store := NewStore(db)

	started := time.Now().UTC().Truncate(time.Second)
	if err := store.Start(ctx(t), Upload{ID: "a", DeviceID: "d", Filename: "f.gcode", Size: 5, StartedAt: started}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := store.Finish(ctx(t), "a", OutcomeSuccess, "", started.Add(time.Second)); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	list, err := store.List(ctx(t), "d", 5)
	if err != nil || len(list) != 1 || list[0].Outcome != OutcomeSuccess || list[0].FinishedAt == nil {
		t.Fatalf("List: %+v %v", list, err)
	}
	totals, err := store.Totals(ctx(t))
	if err != nil || totals.Succeeded != 1 || totals.BytesSent != 5 {
		t.Fatalf("Totals: %+v %v", totals, err)
	}
}
