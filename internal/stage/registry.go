// Package stage holds the ordered catalogue of production stages. The
// registry is immutable after construction; everything else in the service
// treats it as read-only configuration.
package stage

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ornaflow/ornaflow/internal/models"
)

// ErrUnknownStage is returned for a stage code the registry does not know.
var ErrUnknownStage = errors.New("unknown stage code")

// Registry resolves stage codes to their definition and ordering.
type Registry struct {
	ordered []models.Stage
	byCode  map[string]int
}

// DefaultStages is the built-in production sequence used when no custom
// catalogue is configured.
func DefaultStages() []models.Stage {
	return []models.Stage{
		{Code: "ORDERED", DisplayName: "Ordered", Order: 1, ActionLabel: "Send to Maker"},
		{Code: "MAKING", DisplayName: "Making", Order: 2, RequiresDealer: true, ActionLabel: "Send to Plating"},
		{Code: "PLATING", DisplayName: "Plating", Order: 3, RequiresDealer: true, ActionLabel: "Send to QC"},
		{Code: "QUALITY_CHECK", DisplayName: "Quality Check", Order: 4, ActionLabel: "Send to Packing"},
		{Code: "PACKING", DisplayName: "Packing", Order: 5, RequiresDealer: true, ActionLabel: "Mark Ready"},
		{Code: "READY_TO_DISPATCH", DisplayName: "Ready to Dispatch", Order: 6, ActionLabel: "Mark Delivered"},
		{Code: "DELIVERED", DisplayName: "Delivered", Order: 7, Final: true},
	}
}

// NewRegistry builds a registry from the given stages. Stages are sorted by
// Order; codes must be unique and orders strictly increasing. An empty slice
// falls back to DefaultStages.
func NewRegistry(stages []models.Stage) (*Registry, error) {
	if len(stages) == 0 {
		stages = DefaultStages()
	}
	ordered := make([]models.Stage, len(stages))
	copy(ordered, stages)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	byCode := make(map[string]int, len(ordered))
	for i, s := range ordered {
		if s.Code == "" {
			return nil, fmt.Errorf("stage at order %d has empty code", s.Order)
		}
		if _, dup := byCode[s.Code]; dup {
			return nil, fmt.Errorf("duplicate stage code %q", s.Code)
		}
		if i > 0 && ordered[i-1].Order == s.Order {
			return nil, fmt.Errorf("stages %q and %q share order %d", ordered[i-1].Code, s.Code, s.Order)
		}
		byCode[s.Code] = i
	}
	last := ordered[len(ordered)-1]
	if !last.Final {
		return nil, fmt.Errorf("last stage %q must be marked final", last.Code)
	}
	return &Registry{ordered: ordered, byCode: byCode}, nil
}

// MustDefault returns a registry over DefaultStages. It panics only if the
// built-in table is itself invalid, which would be a programming error.
func MustDefault() *Registry {
	r, err := NewRegistry(nil)
	if err != nil {
		panic(err)
	}
	return r
}

// List returns all stages sorted by Order ascending.
func (r *Registry) List() []models.Stage {
	out := make([]models.Stage, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Get returns the stage for the given code.
func (r *Registry) Get(code string) (models.Stage, error) {
	i, ok := r.byCode[code]
	if !ok {
		return models.Stage{}, fmt.Errorf("%w: %q", ErrUnknownStage, code)
	}
	return r.ordered[i], nil
}

// First returns the entry stage of the sequence.
func (r *Registry) First() models.Stage {
	return r.ordered[0]
}

// Next returns the stage immediately following code. The boolean is false
// when code names the final stage (terminal, no error). An unrecognized code
// yields ErrUnknownStage.
func (r *Registry) Next(code string) (models.Stage, bool, error) {
	i, ok := r.byCode[code]
	if !ok {
		return models.Stage{}, false, fmt.Errorf("%w: %q", ErrUnknownStage, code)
	}
	if i+1 >= len(r.ordered) {
		return models.Stage{}, false, nil
	}
	return r.ordered[i+1], true, nil
}

// RequiresDealer reports whether the stage must have a dealer assigned before
// it can be completed. Unknown codes report false.
func (r *Registry) RequiresDealer(code string) bool {
	i, ok := r.byCode[code]
	if !ok {
		return false
	}
	return r.ordered[i].RequiresDealer
}

// OrderOf returns the rank of a stage code, or -1 if unknown.
func (r *Registry) OrderOf(code string) int {
	i, ok := r.byCode[code]
	if !ok {
		return -1
	}
	return r.ordered[i].Order
}
