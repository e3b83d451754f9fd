// Package workflow is the transition engine: it owns the rules for moving a
// variant through the production stage sequence and for the cost roll-ups
// that happen on completion. All persistence goes through the store.Store
// interface; all stage knowledge comes from the registry.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/ornaflow/ornaflow/internal/events"
	"github.com/ornaflow/ornaflow/internal/models"
	"github.com/ornaflow/ornaflow/internal/stage"
	"github.com/ornaflow/ornaflow/internal/store"
)

var (
	// ErrAlreadyStarted is returned when production is started for a variant
	// that already has ledger history.
	ErrAlreadyStarted = errors.New("production already started for variant")

	// ErrDealerRequired is returned when a transition needs a dealer
	// assignment and none was supplied.
	ErrDealerRequired = errors.New("stage requires an assigned dealer")
)

// stageCostField maps stage codes to the variant cost bucket their completion
// cost rolls into. Stages absent from the map carry cost on the ledger entry
// only.
var stageCostField = map[string]string{
	"MAKING":  store.CostFieldMaking,
	"PLATING": store.CostFieldFinishing,
	"PACKING": store.CostFieldPacking,
}

// Service advances variants through the stage sequence.
type Service struct {
	store    store.Store
	registry *stage.Registry
	recorder events.Recorder
}

func NewService(st store.Store, reg *stage.Registry, rec events.Recorder) *Service {
	if rec == nil {
		rec = events.NewLogRecorder()
	}
	return &Service{store: st, registry: reg, recorder: rec}
}

// StartInput carries the fields for opening a variant's first stage entry.
type StartInput struct {
	VariantID string
	Quantity  int
	Remarks   string
}

// CompleteInput carries the optional fields supplied when completing a stage.
// The dealer, when given, is assigned to the stage being entered next.
type CompleteInput struct {
	DealerID *string
	Cost     *float64
	Remarks  *string
}

// TransitionResult is the outcome of a completion: the closed entry and, when
// the sequence has not ended, the freshly opened one.
type TransitionResult struct {
	Completed models.ProgressEntry  `json:"completed"`
	Next      *models.ProgressEntry `json:"next,omitempty"`
}

// Stages returns the configured stage sequence in order.
func (s *Service) Stages() []models.Stage {
	return s.registry.List()
}

// StartProduction opens the first stage entry for a variant. The variant must
// exist and must not already have ledger history.
func (s *Service) StartProduction(ctx context.Context, in StartInput) (models.ProgressEntry, error) {
	if in.VariantID == "" {
		return models.ProgressEntry{}, fmt.Errorf("variant_id is required")
	}
	if in.Quantity <= 0 {
		return models.ProgressEntry{}, fmt.Errorf("quantity must be positive")
	}

	variant, err := s.store.GetVariant(ctx, in.VariantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.ProgressEntry{}, fmt.Errorf("variant %s: %w", in.VariantID, store.ErrNotFound)
		}
		return models.ProgressEntry{}, fmt.Errorf("load variant: %w", err)
	}

	history, err := s.store.GetHistory(ctx, in.VariantID)
	if err != nil {
		return models.ProgressEntry{}, fmt.Errorf("load history: %w", err)
	}
	if len(history) > 0 {
		return models.ProgressEntry{}, fmt.Errorf("%w: %s", ErrAlreadyStarted, in.VariantID)
	}

	first := s.registry.First()
	entry, err := s.store.AppendEntry(ctx, store.EntryInput{
		VariantID: in.VariantID,
		DesignID:  variant.DesignID,
		StageCode: first.Code,
		Status:    models.StatusPending,
		Quantity:  in.Quantity,
		Remarks:   in.Remarks,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateActiveStage) {
			return models.ProgressEntry{}, fmt.Errorf("%w: %s", ErrAlreadyStarted, in.VariantID)
		}
		return models.ProgressEntry{}, fmt.Errorf("append first entry: %w", err)
	}

	s.recorder.Record(ctx, events.TypeStageStarted, entry)
	return entry, nil
}

// CompleteStage closes the identified entry and opens the next stage in the
// same transaction. At the final stage only the completion happens and Next
// is nil.
func (s *Service) CompleteStage(ctx context.Context, progressID uuid.UUID, in CompleteInput) (TransitionResult, error) {
	entry, err := s.store.GetEntry(ctx, progressID)
	if err != nil {
		return TransitionResult{}, err
	}
	if entry.Status == models.StatusCompleted {
		return TransitionResult{}, store.ErrAlreadyCompleted
	}

	current, err := s.registry.Get(entry.StageCode)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("entry %s: %w", progressID, err)
	}
	if current.RequiresDealer && entry.AssignedDealerID == nil && in.DealerID == nil {
		return TransitionResult{}, fmt.Errorf("%w: %s", ErrDealerRequired, current.Code)
	}

	next, hasNext, err := s.registry.Next(entry.StageCode)
	if err != nil {
		return TransitionResult{}, err
	}
	if in.DealerID != nil {
		if _, err := s.store.GetDealer(ctx, *in.DealerID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return TransitionResult{}, fmt.Errorf("dealer %s: %w", *in.DealerID, store.ErrNotFound)
			}
			return TransitionResult{}, fmt.Errorf("load dealer: %w", err)
		}
	}

	var nextInput *store.EntryInput
	if hasNext {
		if next.RequiresDealer && in.DealerID == nil {
			return TransitionResult{}, fmt.Errorf("%w: %s", ErrDealerRequired, next.Code)
		}
		nextInput = &store.EntryInput{
			VariantID:        entry.VariantID,
			DesignID:         entry.DesignID,
			StageCode:        next.Code,
			Status:           models.StatusPending,
			AssignedDealerID: in.DealerID,
			Quantity:         entry.Quantity,
		}
	}

	patch := store.EntryPatch{Cost: in.Cost, Remarks: in.Remarks}
	if current.RequiresDealer && entry.AssignedDealerID == nil {
		// Keep the closed row attributed when the dealer only arrives with
		// the completion payload.
		patch.AssignedDealerID = in.DealerID
	}
	completed, created, err := s.store.CompleteAndAppend(ctx, progressID, patch, nextInput)
	if err != nil {
		return TransitionResult{}, err
	}

	// Roll the completion cost into the variant's matching cost bucket. When
	// the payload carries no cost, a cost priced onto the entry earlier (a
	// plating assignment) still rolls up.
	rollCost := completed.Cost
	if in.Cost != nil {
		rollCost = *in.Cost
	}
	if rollCost > 0 {
		if field, ok := stageCostField[completed.StageCode]; ok {
			if _, err := s.store.AddVariantCost(ctx, completed.VariantID, field, rollCost); err != nil {
				log.Printf("[workflow] roll cost for %s into %s: %v", completed.VariantID, field, err)
			}
		}
	}

	s.recorder.Record(ctx, events.TypeStageCompleted, TransitionResult{Completed: completed, Next: created})
	return TransitionResult{Completed: completed, Next: created}, nil
}

// History returns a variant's full ledger ordered oldest first.
func (s *Service) History(ctx context.Context, variantID string) ([]models.ProgressEntry, error) {
	return s.store.GetHistory(ctx, variantID)
}

// Current returns the variant's single active entry.
func (s *Service) Current(ctx context.Context, variantID string) (models.ProgressEntry, error) {
	return s.store.GetCurrent(ctx, variantID)
}

// StageCost reports the cost recorded on a single ledger entry together with
// its stage and dealer context.
type StageCost struct {
	ProgressID       uuid.UUID `json:"progress_id"`
	VariantID        string    `json:"variant_id"`
	StageCode        string    `json:"stage_code"`
	Cost             float64   `json:"cost"`
	AssignedDealerID *string   `json:"assigned_dealer_id,omitempty"`
	Status           string    `json:"status"`
}

// Cost returns the cost view of one ledger entry.
func (s *Service) Cost(ctx context.Context, progressID uuid.UUID) (StageCost, error) {
	entry, err := s.store.GetEntry(ctx, progressID)
	if err != nil {
		return StageCost{}, err
	}
	return StageCost{
		ProgressID:       entry.ProgressID,
		VariantID:        entry.VariantID,
		StageCode:        entry.StageCode,
		Cost:             entry.Cost,
		AssignedDealerID: entry.AssignedDealerID,
		Status:           string(entry.Status),
	}, nil
}
