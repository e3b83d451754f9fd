package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/ornaflow/ornaflow/internal/events"
	"github.com/ornaflow/ornaflow/internal/models"
	"github.com/ornaflow/ornaflow/internal/store"
)

var (
	// ErrUnknownPlatingType is returned when an assignment names a finish
	// outside the rate card's vocabulary.
	ErrUnknownPlatingType = errors.New("unknown plating type")

	// ErrInvalidAssignment is returned when a plating assignment fails field
	// validation.
	ErrInvalidAssignment = errors.New("invalid plating assignment")
)

// AssignPlatingInput carries a plating job assignment: which variant, which
// dealer, and the job parameters the cost is priced from.
type AssignPlatingInput struct {
	VariantID   string
	DealerID    string
	Quantity    int
	PlatingType models.PlatingType
	WeightKg    float64
	Remarks     *string
}

func (in AssignPlatingInput) validate() error {
	if in.VariantID == "" {
		return fmt.Errorf("%w: variant_id is required", ErrInvalidAssignment)
	}
	if in.DealerID == "" {
		return fmt.Errorf("%w: dealer_id is required", ErrInvalidAssignment)
	}
	if in.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidAssignment)
	}
	if in.WeightKg <= 0 {
		return fmt.Errorf("%w: weight_kg must be positive", ErrInvalidAssignment)
	}
	if !in.PlatingType.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownPlatingType, in.PlatingType)
	}
	return nil
}

// AssignPlating binds a dealer and a priced cost to the variant's open
// PLATING entry and moves it to InProgress. The cost is rate_per_kg for the
// finish times the job weight; with no active rate on the card the job is
// assigned at zero cost and priced at completion instead. When the variant
// has no open PLATING entry one is created, subject to the single active
// entry rule.
func (s *Service) AssignPlating(ctx context.Context, in AssignPlatingInput) (models.ProgressEntry, error) {
	if err := in.validate(); err != nil {
		return models.ProgressEntry{}, err
	}
	variant, err := s.store.GetVariant(ctx, in.VariantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.ProgressEntry{}, fmt.Errorf("variant %s: %w", in.VariantID, store.ErrNotFound)
		}
		return models.ProgressEntry{}, fmt.Errorf("load variant: %w", err)
	}
	if _, err := s.store.GetDealer(ctx, in.DealerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.ProgressEntry{}, fmt.Errorf("dealer %s: %w", in.DealerID, store.ErrNotFound)
		}
		return models.ProgressEntry{}, fmt.Errorf("load dealer: %w", err)
	}

	cost := 0.0
	rate, err := s.store.ActivePlatingRate(ctx, in.PlatingType)
	switch {
	case err == nil:
		cost = rate.RatePerKg * in.WeightKg
	case errors.Is(err, store.ErrNotFound):
		log.Printf("[workflow] no active plating rate for %s, assigning at zero cost", in.PlatingType)
	default:
		return models.ProgressEntry{}, fmt.Errorf("load plating rate: %w", err)
	}

	current, err := s.store.GetCurrent(ctx, in.VariantID)
	switch {
	case err == nil && current.StageCode == platingStageCode && current.Status == models.StatusPending:
		status := models.StatusInProgress
		entry, err := s.store.UpdateEntry(ctx, current.ProgressID, store.EntryPatch{
			Status:           &status,
			AssignedDealerID: &in.DealerID,
			Cost:             &cost,
			Quantity:         &in.Quantity,
			Remarks:          in.Remarks,
		})
		if err != nil {
			return models.ProgressEntry{}, fmt.Errorf("assign plating entry: %w", err)
		}
		s.recorder.Record(ctx, events.TypeStageAssigned, entry)
		return entry, nil
	case err == nil || errors.Is(err, store.ErrNotFound):
		// No open PLATING entry; open one directly, as a standalone plating
		// job outside the main walk. The unique index rejects this when
		// another stage is still active.
		remarks := ""
		if in.Remarks != nil {
			remarks = *in.Remarks
		}
		entry, err := s.store.AppendEntry(ctx, store.EntryInput{
			VariantID:        in.VariantID,
			DesignID:         variant.DesignID,
			StageCode:        platingStageCode,
			Status:           models.StatusInProgress,
			AssignedDealerID: &in.DealerID,
			Cost:             cost,
			Quantity:         in.Quantity,
			Remarks:          remarks,
		})
		if err != nil {
			return models.ProgressEntry{}, fmt.Errorf("open plating entry: %w", err)
		}
		s.recorder.Record(ctx, events.TypeStageAssigned, entry)
		return entry, nil
	default:
		return models.ProgressEntry{}, err
	}
}

const platingStageCode = "PLATING"

// CreatePlatingRate adds a price to the rate card. Newest active rate per
// finish wins at assignment time.
func (s *Service) CreatePlatingRate(ctx context.Context, r models.PlatingRate) (models.PlatingRate, error) {
	if !r.PlatingType.Valid() {
		return models.PlatingRate{}, fmt.Errorf("%w: %s", ErrUnknownPlatingType, r.PlatingType)
	}
	if r.RatePerKg <= 0 {
		return models.PlatingRate{}, fmt.Errorf("%w: rate_per_kg must be positive", ErrInvalidAssignment)
	}
	return s.store.CreatePlatingRate(ctx, r)
}

// PlatingRates lists the whole rate card, newest first per finish.
func (s *Service) PlatingRates(ctx context.Context) ([]models.PlatingRate, error) {
	return s.store.ListPlatingRates(ctx)
}
