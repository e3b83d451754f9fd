package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ornaflow/ornaflow/internal/models"
)

// MemoryStore keeps everything in process memory behind one mutex, which also
// gives the single-writer-per-variant discipline for free. Used by tests and
// dev mode.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  map[uuid.UUID]models.ProgressEntry
	variants map[string]models.Variant
	dealers  map[string]models.Dealer
	invoices map[string]models.Invoice
	payments map[uuid.UUID]models.Payment
	rates    map[uuid.UUID]models.PlatingRate
	seq      int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  map[uuid.UUID]models.ProgressEntry{},
		variants: map[string]models.Variant{},
		dealers:  map[string]models.Dealer{},
		invoices: map[string]models.Invoice{},
		payments: map[uuid.UUID]models.Payment{},
		rates:    map[uuid.UUID]models.PlatingRate{},
	}
}

// nextTime returns strictly increasing timestamps so CreatedAt ordering is
// stable even when entries land within the same clock tick.
func (m *MemoryStore) nextTime() time.Time {
	m.seq++
	return time.Now().UTC().Add(time.Duration(m.seq) * time.Microsecond)
}

func (m *MemoryStore) activeEntryLocked(variantID string) (models.ProgressEntry, bool) {
	for _, e := range m.entries {
		if e.VariantID == variantID && e.Status.Active() {
			return e, true
		}
	}
	return models.ProgressEntry{}, false
}

func (m *MemoryStore) AppendEntry(ctx context.Context, in EntryInput) (models.ProgressEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendEntryLocked(in)
}

func (m *MemoryStore) appendEntryLocked(in EntryInput) (models.ProgressEntry, error) {
	if in.Status.Active() {
		if _, exists := m.activeEntryLocked(in.VariantID); exists {
			return models.ProgressEntry{}, ErrDuplicateActiveStage
		}
	}
	if in.ProgressID == uuid.Nil {
		in.ProgressID = uuid.New()
	}
	now := m.nextTime()
	entry := models.ProgressEntry{
		ProgressID:       in.ProgressID,
		VariantID:        in.VariantID,
		DesignID:         in.DesignID,
		StageCode:        in.StageCode,
		Status:           in.Status,
		AssignedDealerID: copyString(in.AssignedDealerID),
		Cost:             in.Cost,
		Quantity:         in.Quantity,
		Remarks:          in.Remarks,
		StartedAt:        now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	m.entries[entry.ProgressID] = entry
	return entry, nil
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func (m *MemoryStore) GetEntry(ctx context.Context, id uuid.UUID) (models.ProgressEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[id]
	if !ok {
		return models.ProgressEntry{}, ErrNotFound
	}
	return entry, nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, variantID string) ([]models.ProgressEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var history []models.ProgressEntry
	for _, e := range m.entries {
		if e.VariantID == variantID {
			history = append(history, e)
		}
	}
	sort.Slice(history, func(i, j int) bool {
		return history[i].CreatedAt.Before(history[j].CreatedAt)
	})
	return history, nil
}

func (m *MemoryStore) GetCurrent(ctx context.Context, variantID string) (models.ProgressEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var active []models.ProgressEntry
	for _, e := range m.entries {
		if e.VariantID == variantID && e.Status.Active() {
			active = append(active, e)
		}
	}
	switch len(active) {
	case 0:
		return models.ProgressEntry{}, ErrNotFound
	case 1:
		return active[0], nil
	default:
		return models.ProgressEntry{}, fmt.Errorf("%w: variant %s has %d", ErrMultipleActiveStages, variantID, len(active))
	}
}

func (m *MemoryStore) applyPatchLocked(entry models.ProgressEntry, patch EntryPatch) models.ProgressEntry {
	if patch.Status != nil {
		entry.Status = *patch.Status
	}
	if patch.AssignedDealerID != nil {
		entry.AssignedDealerID = copyString(patch.AssignedDealerID)
	}
	if patch.Cost != nil {
		entry.Cost = *patch.Cost
	}
	if patch.Quantity != nil {
		entry.Quantity = *patch.Quantity
	}
	if patch.Remarks != nil {
		entry.Remarks = *patch.Remarks
	}
	if patch.CompletedAt != nil {
		t := *patch.CompletedAt
		entry.CompletedAt = &t
	}
	entry.UpdatedAt = m.nextTime()
	return entry
}

func (m *MemoryStore) UpdateEntry(ctx context.Context, id uuid.UUID, patch EntryPatch) (models.ProgressEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return models.ProgressEntry{}, ErrNotFound
	}
	if entry.Status == models.StatusCompleted {
		return models.ProgressEntry{}, ErrAlreadyCompleted
	}
	entry = m.applyPatchLocked(entry, patch)
	m.entries[id] = entry
	return entry, nil
}

func (m *MemoryStore) CompleteAndAppend(ctx context.Context, id uuid.UUID, patch EntryPatch, next *EntryInput) (models.ProgressEntry, *models.ProgressEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[id]
	if !ok {
		return models.ProgressEntry{}, nil, ErrNotFound
	}
	if entry.Status == models.StatusCompleted {
		return models.ProgressEntry{}, nil, ErrAlreadyCompleted
	}

	completedStatus := models.StatusCompleted
	patch.Status = &completedStatus
	if patch.CompletedAt == nil {
		now := time.Now().UTC()
		patch.CompletedAt = &now
	}
	completed := m.applyPatchLocked(entry, patch)
	m.entries[id] = completed

	var created *models.ProgressEntry
	if next != nil {
		nextEntry, err := m.appendEntryLocked(*next)
		if err != nil {
			// Roll the completion back so both writes stay atomic.
			m.entries[id] = entry
			return models.ProgressEntry{}, nil, err
		}
		created = &nextEntry
	}
	return completed, created, nil
}

func (m *MemoryStore) CreateVariant(ctx context.Context, v models.Variant) (models.Variant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nextTime()
	if v.Status == "" {
		v.Status = "Active"
	}
	v.CreatedAt = now
	v.UpdatedAt = now
	m.variants[v.VariantID] = v
	return v, nil
}

func (m *MemoryStore) GetVariant(ctx context.Context, id string) (models.Variant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.variants[id]
	if !ok {
		return models.Variant{}, ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) AddVariantCost(ctx context.Context, id, costField string, amount float64) (models.Variant, error) {
	if !validCostField(costField) {
		return models.Variant{}, fmt.Errorf("invalid cost field %q", costField)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.variants[id]
	if !ok {
		return models.Variant{}, ErrNotFound
	}
	switch costField {
	case CostFieldMaking:
		v.MakingCost += amount
	case CostFieldFinishing:
		v.FinishingCost += amount
	case CostFieldPacking:
		v.PackingCost += amount
	}
	v.UpdatedAt = m.nextTime()
	m.variants[id] = v
	return v, nil
}

func (m *MemoryStore) CreateDealer(ctx context.Context, d models.Dealer) (models.Dealer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nextTime()
	if d.Status == "" {
		d.Status = "Active"
	}
	d.CreatedAt = now
	d.UpdatedAt = now
	m.dealers[d.DealerID] = d
	return d, nil
}

func (m *MemoryStore) GetDealer(ctx context.Context, id string) (models.Dealer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.dealers[id]
	if !ok {
		return models.Dealer{}, ErrNotFound
	}
	return d, nil
}

func (m *MemoryStore) AdjustDealerBalance(ctx context.Context, id string, delta float64) (models.Dealer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dealers[id]
	if !ok {
		return models.Dealer{}, ErrNotFound
	}
	d.CurrentBalance += delta
	d.UpdatedAt = m.nextTime()
	m.dealers[id] = d
	return d, nil
}

func (m *MemoryStore) CreateInvoice(ctx context.Context, inv models.Invoice) (models.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nextTime()
	if inv.PaymentStatus == "" {
		inv.PaymentStatus = models.InvoiceUnpaid
	}
	inv.CreatedAt = now
	inv.UpdatedAt = now
	m.invoices[inv.InvoiceID] = inv
	return inv, nil
}

func (m *MemoryStore) GetInvoice(ctx context.Context, id string) (models.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invoices[id]
	if !ok {
		return models.Invoice{}, ErrNotFound
	}
	return inv, nil
}

func (m *MemoryStore) UpdateInvoiceSettlement(ctx context.Context, id string, paid, due float64, status string) (models.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return models.Invoice{}, ErrNotFound
	}
	inv.AmountPaid = paid
	inv.BalanceDue = due
	inv.PaymentStatus = status
	inv.UpdatedAt = m.nextTime()
	m.invoices[id] = inv
	return inv, nil
}

func (m *MemoryStore) CreatePlatingRate(ctx context.Context, r models.PlatingRate) (models.PlatingRate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nextTime()
	if r.RateID == uuid.Nil {
		r.RateID = uuid.New()
	}
	if r.Unit == "" {
		r.Unit = "KG"
	}
	if r.Status == "" {
		r.Status = "Active"
	}
	if r.EffectiveFrom.IsZero() {
		r.EffectiveFrom = now
	}
	r.CreatedAt = now
	r.UpdatedAt = now
	m.rates[r.RateID] = r
	return r, nil
}

func (m *MemoryStore) ActivePlatingRate(ctx context.Context, platingType models.PlatingType) (models.PlatingRate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *models.PlatingRate
	for id := range m.rates {
		r := m.rates[id]
		if r.PlatingType != platingType || r.Status != "Active" {
			continue
		}
		if best == nil || r.EffectiveFrom.After(best.EffectiveFrom) {
			best = &r
		}
	}
	if best == nil {
		return models.PlatingRate{}, ErrNotFound
	}
	return *best, nil
}

func (m *MemoryStore) ListPlatingRates(ctx context.Context) ([]models.PlatingRate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var rates []models.PlatingRate
	for _, r := range m.rates {
		rates = append(rates, r)
	}
	sort.Slice(rates, func(i, j int) bool {
		if rates[i].PlatingType != rates[j].PlatingType {
			return rates[i].PlatingType < rates[j].PlatingType
		}
		return rates[i].EffectiveFrom.After(rates[j].EffectiveFrom)
	})
	return rates, nil
}

func (m *MemoryStore) CreatePayment(ctx context.Context, in PaymentInput) (models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if in.PaymentID == uuid.Nil {
		in.PaymentID = uuid.New()
	}
	if in.PaymentDate.IsZero() {
		in.PaymentDate = time.Now().UTC()
	}
	var progressID *uuid.UUID
	if in.ProgressID != nil {
		id := *in.ProgressID
		progressID = &id
	}
	p := models.Payment{
		PaymentID:   in.PaymentID,
		Type:        in.Type,
		RelatedTo:   in.RelatedTo,
		InvoiceID:   in.InvoiceID,
		ProgressID:  progressID,
		DealerID:    in.DealerID,
		Amount:      in.Amount,
		Mode:        in.Mode,
		ReferenceNo: in.ReferenceNo,
		PaymentDate: in.PaymentDate,
		Notes:       in.Notes,
		CreatedAt:   m.nextTime(),
	}
	m.payments[p.PaymentID] = p
	return p, nil
}

func (m *MemoryStore) ListPayments(ctx context.Context, filter PaymentFilter) ([]models.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var payments []models.Payment
	for _, p := range m.payments {
		if filter.InvoiceID != "" && p.InvoiceID != filter.InvoiceID {
			continue
		}
		if filter.DealerID != "" && p.DealerID != filter.DealerID {
			continue
		}
		if filter.ProgressID != nil && (p.ProgressID == nil || *p.ProgressID != *filter.ProgressID) {
			continue
		}
		payments = append(payments, p)
	}
	sort.Slice(payments, func(i, j int) bool {
		return payments[i].CreatedAt.After(payments[j].CreatedAt)
	})
	return payments, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
