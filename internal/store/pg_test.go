package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ornaflow/ornaflow/internal/models"
)

func entryRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"progress_id", "variant_id", "design_id", "stage_code", "status",
		"assigned_dealer_id", "cost", "quantity", "remarks",
		"started_at", "completed_at", "created_at", "updated_at",
	})
}

func addEntryRow(rows *sqlmock.Rows, id uuid.UUID, variantID, stage string, status models.ProgressStatus) *sqlmock.Rows {
	now := time.Now().UTC()
	return rows.AddRow(id, variantID, "DSG-1", stage, string(status), nil, 0.0, 1, "", now, nil, now, now)
}

func TestPGAppendEntry(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := NewPGStore(db)

	id := uuid.New()
	mock.ExpectQuery("INSERT INTO product_progress").
		WillReturnRows(addEntryRow(entryRows(), id, "VAR-1", "ORDERED", models.StatusPending))

	entry, err := st.AppendEntry(context.Background(), EntryInput{
		ProgressID: id,
		VariantID:  "VAR-1",
		StageCode:  "ORDERED",
		Status:     models.StatusPending,
		Quantity:   1,
	})
	if err != nil {
		t.Fatalf("AppendEntry: %v", err)
	}
	if entry.ProgressID != id || entry.StageCode != "ORDERED" {
		t.Fatalf("entry = %+v", entry)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGAppendEntryUniqueViolation(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := NewPGStore(db)

	mock.ExpectQuery("INSERT INTO product_progress").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "product_progress_one_active"})

	_, err = st.AppendEntry(context.Background(), EntryInput{
		VariantID: "VAR-1",
		StageCode: "MAKING",
		Status:    models.StatusPending,
	})
	if !errors.Is(err, ErrDuplicateActiveStage) {
		t.Fatalf("err = %v, want ErrDuplicateActiveStage", err)
	}
}

func TestPGGetEntryNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := NewPGStore(db)

	mock.ExpectQuery("SELECT .+ FROM product_progress WHERE progress_id").
		WillReturnError(sql.ErrNoRows)

	if _, err := st.GetEntry(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPGCompleteAndAppend(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := NewPGStore(db)

	id := uuid.New()
	nextID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .+ FROM product_progress WHERE progress_id=\\$1 FOR UPDATE").
		WithArgs(id).
		WillReturnRows(addEntryRow(entryRows(), id, "VAR-1", "ORDERED", models.StatusPending))
	mock.ExpectQuery("UPDATE product_progress SET").
		WillReturnRows(addEntryRow(entryRows(), id, "VAR-1", "ORDERED", models.StatusCompleted))
	mock.ExpectQuery("INSERT INTO product_progress").
		WillReturnRows(addEntryRow(entryRows(), nextID, "VAR-1", "MAKING", models.StatusPending))
	mock.ExpectCommit()

	completed, next, err := st.CompleteAndAppend(context.Background(), id, EntryPatch{}, &EntryInput{
		ProgressID: nextID,
		VariantID:  "VAR-1",
		StageCode:  "MAKING",
		Status:     models.StatusPending,
	})
	if err != nil {
		t.Fatalf("CompleteAndAppend: %v", err)
	}
	if completed.Status != models.StatusCompleted {
		t.Fatalf("completed = %+v", completed)
	}
	if next == nil || next.StageCode != "MAKING" {
		t.Fatalf("next = %+v", next)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGCompleteAlreadyCompleted(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := NewPGStore(db)

	id := uuid.New()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .+ FROM product_progress WHERE progress_id=\\$1 FOR UPDATE").
		WithArgs(id).
		WillReturnRows(addEntryRow(entryRows(), id, "VAR-1", "DELIVERED", models.StatusCompleted))
	mock.ExpectRollback()

	if _, _, err := st.CompleteAndAppend(context.Background(), id, EntryPatch{}, nil); !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("err = %v, want ErrAlreadyCompleted", err)
	}
}

func TestPGGetCurrentConsistencyFault(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := NewPGStore(db)

	rows := entryRows()
	rows = addEntryRow(rows, uuid.New(), "VAR-1", "MAKING", models.StatusPending)
	rows = addEntryRow(rows, uuid.New(), "VAR-1", "PLATING", models.StatusPending)
	mock.ExpectQuery("SELECT .+ FROM product_progress WHERE variant_id=\\$1 AND status").
		WithArgs("VAR-1").
		WillReturnRows(rows)

	if _, err := st.GetCurrent(context.Background(), "VAR-1"); !errors.Is(err, ErrMultipleActiveStages) {
		t.Fatalf("err = %v, want ErrMultipleActiveStages", err)
	}
}

func TestPGFetchPendingEventsCountsClaim(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := NewPGStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .+ FROM workflow_events").
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "event_type", "payload", "ts", "attempts"}).
			AddRow("ev-1", "stage.started", []byte(`{}`), time.Now().UTC(), 1))
	mock.ExpectExec("UPDATE workflow_events SET stream_status='in_progress'").
		WithArgs("ev-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	claimed, err := st.FetchPendingEvents(context.Background(), 10)
	if err != nil {
		t.Fatalf("FetchPendingEvents: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d events, want 1", len(claimed))
	}
	// The row held attempts=1 before this claim bumped it.
	if claimed[0].Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", claimed[0].Attempts)
	}
}
