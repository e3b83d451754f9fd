package store

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/ornaflow/ornaflow/internal/models"
)

func TestMemoryAppendAndSingleActive(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	first, err := m.AppendEntry(ctx, EntryInput{
		VariantID: "VAR-1",
		StageCode: "ORDERED",
		Status:    models.StatusPending,
		Quantity:  2,
	})
	if err != nil {
		t.Fatalf("AppendEntry: %v", err)
	}
	if first.ProgressID == uuid.Nil {
		t.Fatal("expected generated progress id")
	}

	// A second active entry for the same variant violates the invariant.
	_, err = m.AppendEntry(ctx, EntryInput{
		VariantID: "VAR-1",
		StageCode: "MAKING",
		Status:    models.StatusPending,
		Quantity:  2,
	})
	if !errors.Is(err, ErrDuplicateActiveStage) {
		t.Fatalf("err = %v, want ErrDuplicateActiveStage", err)
	}

	// Other variants are unaffected.
	if _, err := m.AppendEntry(ctx, EntryInput{
		VariantID: "VAR-2",
		StageCode: "ORDERED",
		Status:    models.StatusPending,
		Quantity:  1,
	}); err != nil {
		t.Fatalf("AppendEntry other variant: %v", err)
	}
}

func TestMemoryCompleteAndAppend(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	first, err := m.AppendEntry(ctx, EntryInput{
		VariantID: "VAR-1",
		StageCode: "ORDERED",
		Status:    models.StatusPending,
		Quantity:  4,
	})
	if err != nil {
		t.Fatalf("AppendEntry: %v", err)
	}

	dealer := "DLR-1"
	completed, next, err := m.CompleteAndAppend(ctx, first.ProgressID, EntryPatch{}, &EntryInput{
		VariantID:        "VAR-1",
		StageCode:        "MAKING",
		Status:           models.StatusPending,
		AssignedDealerID: &dealer,
		Quantity:         4,
	})
	if err != nil {
		t.Fatalf("CompleteAndAppend: %v", err)
	}
	if completed.Status != models.StatusCompleted || completed.CompletedAt == nil {
		t.Fatalf("completed entry = %+v", completed)
	}
	if next == nil || next.StageCode != "MAKING" {
		t.Fatalf("next entry = %+v", next)
	}

	// Completed rows are immutable.
	if _, _, err := m.CompleteAndAppend(ctx, first.ProgressID, EntryPatch{}, nil); !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("err = %v, want ErrAlreadyCompleted", err)
	}
	if _, err := m.UpdateEntry(ctx, first.ProgressID, EntryPatch{}); !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("err = %v, want ErrAlreadyCompleted", err)
	}

	cur, err := m.GetCurrent(ctx, "VAR-1")
	if err != nil {
		t.Fatalf("GetCurrent: %v", err)
	}
	if cur.ProgressID != next.ProgressID {
		t.Fatalf("current = %s, want %s", cur.ProgressID, next.ProgressID)
	}
}

func TestMemoryCompleteRollsBackOnConflict(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	first, err := m.AppendEntry(ctx, EntryInput{
		VariantID: "VAR-1",
		StageCode: "ORDERED",
		Status:    models.StatusPending,
		Quantity:  1,
	})
	if err != nil {
		t.Fatalf("AppendEntry: %v", err)
	}

	// Force a conflicting next entry by pinning its ID to the variant of
	// another active row.
	other, err := m.AppendEntry(ctx, EntryInput{
		VariantID: "VAR-2",
		StageCode: "ORDERED",
		Status:    models.StatusPending,
		Quantity:  1,
	})
	if err != nil {
		t.Fatalf("AppendEntry: %v", err)
	}

	_, _, err = m.CompleteAndAppend(ctx, first.ProgressID, EntryPatch{}, &EntryInput{
		VariantID: other.VariantID,
		StageCode: "MAKING",
		Status:    models.StatusPending,
		Quantity:  1,
	})
	if !errors.Is(err, ErrDuplicateActiveStage) {
		t.Fatalf("err = %v, want ErrDuplicateActiveStage", err)
	}

	// The failed transition must not have completed the source entry.
	got, err := m.GetEntry(ctx, first.ProgressID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got.Status != models.StatusPending {
		t.Fatalf("status = %s, want Pending after rollback", got.Status)
	}
}

func TestMemoryHistoryOrdering(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	stages := []string{"ORDERED", "MAKING", "PLATING"}
	var last models.ProgressEntry
	for i, code := range stages {
		if i == 0 {
			e, err := m.AppendEntry(ctx, EntryInput{VariantID: "VAR-1", StageCode: code, Status: models.StatusPending, Quantity: 1})
			if err != nil {
				t.Fatalf("AppendEntry: %v", err)
			}
			last = e
			continue
		}
		_, next, err := m.CompleteAndAppend(ctx, last.ProgressID, EntryPatch{}, &EntryInput{
			VariantID: "VAR-1", StageCode: code, Status: models.StatusPending, Quantity: 1,
		})
		if err != nil {
			t.Fatalf("CompleteAndAppend: %v", err)
		}
		last = *next
	}

	history, err := m.GetHistory(ctx, "VAR-1")
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(history) != len(stages) {
		t.Fatalf("history len = %d, want %d", len(history), len(stages))
	}
	for i, code := range stages {
		if history[i].StageCode != code {
			t.Fatalf("history[%d] = %s, want %s", i, history[i].StageCode, code)
		}
	}
}

func TestMemoryVariantCostBuckets(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	if _, err := m.CreateVariant(ctx, models.Variant{VariantID: "VAR-1"}); err != nil {
		t.Fatalf("CreateVariant: %v", err)
	}
	if _, err := m.AddVariantCost(ctx, "VAR-1", CostFieldMaking, 50); err != nil {
		t.Fatalf("AddVariantCost: %v", err)
	}
	if _, err := m.AddVariantCost(ctx, "VAR-1", CostFieldMaking, 25); err != nil {
		t.Fatalf("AddVariantCost: %v", err)
	}
	v, err := m.GetVariant(ctx, "VAR-1")
	if err != nil {
		t.Fatalf("GetVariant: %v", err)
	}
	if v.MakingCost != 75 {
		t.Fatalf("making cost = %v, want 75", v.MakingCost)
	}

	if _, err := m.AddVariantCost(ctx, "VAR-1", "stone_cost", 10); err == nil {
		t.Fatal("expected invalid cost field error")
	}
}
