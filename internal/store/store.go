// Package store is the persistence layer for the workflow ledger and its
// collaborator tables. Three implementations share the Store interface:
// Postgres for production, SQLite for single-process embedded deployments,
// and an in-memory store for development and tests.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ornaflow/ornaflow/internal/models"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateActiveStage is returned when an append would leave a
	// variant with two non-Completed ledger entries.
	ErrDuplicateActiveStage = errors.New("variant already has an active stage entry")

	// ErrMultipleActiveStages indicates the single-active-stage invariant is
	// already broken in storage. It signals a bug upstream, not user error.
	ErrMultipleActiveStages = errors.New("multiple active stage entries for variant")

	// ErrAlreadyCompleted is returned when an update targets an entry that
	// has already been completed. Completed entries are immutable.
	ErrAlreadyCompleted = errors.New("progress entry already completed")
)

// Variant cost buckets a completed stage's cost may roll into. AddVariantCost
// only accepts these values.
const (
	CostFieldMaking    = "making_cost"
	CostFieldFinishing = "finishing_cost"
	CostFieldPacking   = "packing_cost"
)

// EntryInput carries the fields for a new ledger entry. ProgressID is
// generated when nil.
type EntryInput struct {
	ProgressID       uuid.UUID
	VariantID        string
	DesignID         string
	StageCode        string
	Status           models.ProgressStatus
	AssignedDealerID *string
	Cost             float64
	Quantity         int
	Remarks          string
}

// EntryPatch is a partial update to a ledger entry. Nil fields are left
// untouched.
type EntryPatch struct {
	Status           *models.ProgressStatus
	AssignedDealerID *string
	Cost             *float64
	Quantity         *int
	Remarks          *string
	CompletedAt      *time.Time
}

// PaymentInput carries the fields for a new payment record.
type PaymentInput struct {
	PaymentID   uuid.UUID
	Type        models.PaymentType
	RelatedTo   models.PaymentRelation
	InvoiceID   string
	ProgressID  *uuid.UUID
	DealerID    string
	Amount      float64
	Mode        string
	ReferenceNo string
	PaymentDate time.Time
	Notes       string
}

// PaymentFilter narrows ListPayments. Zero-valued fields match everything.
type PaymentFilter struct {
	InvoiceID  string
	DealerID   string
	ProgressID *uuid.UUID
}

// Store is the persistence abstraction the workflow engine and payment
// service operate against.
type Store interface {
	// Ledger.
	AppendEntry(ctx context.Context, in EntryInput) (models.ProgressEntry, error)
	GetEntry(ctx context.Context, id uuid.UUID) (models.ProgressEntry, error)
	GetHistory(ctx context.Context, variantID string) ([]models.ProgressEntry, error)
	GetCurrent(ctx context.Context, variantID string) (models.ProgressEntry, error)
	UpdateEntry(ctx context.Context, id uuid.UUID, patch EntryPatch) (models.ProgressEntry, error)
	// CompleteAndAppend marks the identified entry Completed (applying patch)
	// and, when next is non-nil, creates the follow-on entry. Both writes
	// share one transactional boundary so a variant is never left without an
	// active entry mid-sequence.
	CompleteAndAppend(ctx context.Context, id uuid.UUID, patch EntryPatch, next *EntryInput) (models.ProgressEntry, *models.ProgressEntry, error)

	// Directory tables, owned by collaborators but consulted here for
	// validation and for cost/balance side effects.
	CreateVariant(ctx context.Context, v models.Variant) (models.Variant, error)
	GetVariant(ctx context.Context, id string) (models.Variant, error)
	AddVariantCost(ctx context.Context, id, costField string, amount float64) (models.Variant, error)
	CreateDealer(ctx context.Context, d models.Dealer) (models.Dealer, error)
	GetDealer(ctx context.Context, id string) (models.Dealer, error)
	AdjustDealerBalance(ctx context.Context, id string, delta float64) (models.Dealer, error)
	CreateInvoice(ctx context.Context, inv models.Invoice) (models.Invoice, error)
	GetInvoice(ctx context.Context, id string) (models.Invoice, error)
	UpdateInvoiceSettlement(ctx context.Context, id string, paid, due float64, status string) (models.Invoice, error)

	// Plating rate card.
	CreatePlatingRate(ctx context.Context, r models.PlatingRate) (models.PlatingRate, error)
	// ActivePlatingRate returns the newest active rate for the finish, by
	// effective_from. ErrNotFound when no active rate exists.
	ActivePlatingRate(ctx context.Context, platingType models.PlatingType) (models.PlatingRate, error)
	ListPlatingRates(ctx context.Context) ([]models.PlatingRate, error)

	// Payments.
	CreatePayment(ctx context.Context, in PaymentInput) (models.Payment, error)
	ListPayments(ctx context.Context, filter PaymentFilter) ([]models.Payment, error)

	Ping(ctx context.Context) error
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const entryColumns = `progress_id, variant_id, design_id, stage_code, status, assigned_dealer_id, cost, quantity, remarks, started_at, completed_at, created_at, updated_at`

func scanEntry(row rowScanner) (models.ProgressEntry, error) {
	var (
		e         models.ProgressEntry
		status    string
		dealer    sql.NullString
		completed sql.NullTime
	)
	if err := row.Scan(
		&e.ProgressID,
		&e.VariantID,
		&e.DesignID,
		&e.StageCode,
		&status,
		&dealer,
		&e.Cost,
		&e.Quantity,
		&e.Remarks,
		&e.StartedAt,
		&completed,
		&e.CreatedAt,
		&e.UpdatedAt,
	); err != nil {
		return models.ProgressEntry{}, err
	}
	e.Status = models.ProgressStatus(status)
	if dealer.Valid {
		v := dealer.String
		e.AssignedDealerID = &v
	}
	if completed.Valid {
		t := completed.Time
		e.CompletedAt = &t
	}
	return e, nil
}

const paymentColumns = `payment_id, payment_type, related_to, invoice_id, progress_id, dealer_id, amount, payment_mode, reference_no, payment_date, notes, created_at`

func scanPayment(row rowScanner) (models.Payment, error) {
	var (
		p          models.Payment
		ptype      string
		related    string
		invoiceID  sql.NullString
		progressID sql.NullString
		reference  sql.NullString
		notes      sql.NullString
	)
	if err := row.Scan(
		&p.PaymentID,
		&ptype,
		&related,
		&invoiceID,
		&progressID,
		&p.DealerID,
		&p.Amount,
		&p.Mode,
		&reference,
		&p.PaymentDate,
		&notes,
		&p.CreatedAt,
	); err != nil {
		return models.Payment{}, err
	}
	p.Type = models.PaymentType(ptype)
	p.RelatedTo = models.PaymentRelation(related)
	if invoiceID.Valid {
		p.InvoiceID = invoiceID.String
	}
	if progressID.Valid {
		id, err := uuid.Parse(progressID.String)
		if err == nil {
			p.ProgressID = &id
		}
	}
	if reference.Valid {
		p.ReferenceNo = reference.String
	}
	if notes.Valid {
		p.Notes = notes.String
	}
	return p, nil
}

const platingRateColumns = `rate_id, plating_type, rate_per_kg, unit, effective_from, status, created_at, updated_at`

func scanPlatingRate(row rowScanner) (models.PlatingRate, error) {
	var (
		r     models.PlatingRate
		ptype string
	)
	if err := row.Scan(&r.RateID, &ptype, &r.RatePerKg, &r.Unit, &r.EffectiveFrom, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return models.PlatingRate{}, err
	}
	r.PlatingType = models.PlatingType(ptype)
	return r, nil
}

const dealerColumns = `dealer_id, name, dealer_category, current_balance, status, created_at, updated_at`

func scanDealer(row rowScanner) (models.Dealer, error) {
	var d models.Dealer
	if err := row.Scan(&d.DealerID, &d.Name, &d.Category, &d.CurrentBalance, &d.Status, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return models.Dealer{}, err
	}
	return d, nil
}

const variantColumns = `variant_id, design_id, variant_code, material_cost, making_cost, finishing_cost, packing_cost, stock_qty, status, created_at, updated_at`

func scanVariant(row rowScanner) (models.Variant, error) {
	var v models.Variant
	if err := row.Scan(&v.VariantID, &v.DesignID, &v.VariantCode, &v.MaterialCost, &v.MakingCost, &v.FinishingCost, &v.PackingCost, &v.StockQty, &v.Status, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return models.Variant{}, err
	}
	return v, nil
}

const invoiceColumns = `invoice_id, grand_total, amount_paid, balance_due, payment_status, created_at, updated_at`

func scanInvoice(row rowScanner) (models.Invoice, error) {
	var inv models.Invoice
	if err := row.Scan(&inv.InvoiceID, &inv.GrandTotal, &inv.AmountPaid, &inv.BalanceDue, &inv.PaymentStatus, &inv.CreatedAt, &inv.UpdatedAt); err != nil {
		return models.Invoice{}, err
	}
	return inv, nil
}

func validCostField(field string) bool {
	switch field {
	case CostFieldMaking, CostFieldFinishing, CostFieldPacking:
		return true
	}
	return false
}
