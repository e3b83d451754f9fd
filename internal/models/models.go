// Package models contains the canonical records shared by the workflow
// service: stages, progress ledger entries, payments, and the directory
// subsets (dealers, variants, invoices) the engine validates against.
package models

import (
	"time"

	"github.com/google/uuid"
)

// ProgressStatus is the lifecycle status of a ProgressEntry.
type ProgressStatus string

const (
	StatusPending    ProgressStatus = "Pending"
	StatusInProgress ProgressStatus = "InProgress"
	StatusCompleted  ProgressStatus = "Completed"
)

// Active reports whether the status counts as an open stage occupancy.
func (s ProgressStatus) Active() bool {
	return s == StatusPending || s == StatusInProgress
}

// Stage is one named, ordered phase of production. Stages are immutable
// configuration; the registry hands out copies.
type Stage struct {
	Code           string `json:"stage_code"`
	DisplayName    string `json:"display_name"`
	Order          int    `json:"stage_order"`
	RequiresDealer bool   `json:"requires_dealer"`
	Final          bool   `json:"is_final_stage"`
	// ActionLabel is the verb shown when advancing out of this stage
	// (e.g. "Send to Maker" on ORDERED).
	ActionLabel string `json:"action_label,omitempty"`
}

// ProgressEntry is one ledger row capturing a variant's occupancy of a stage.
type ProgressEntry struct {
	ProgressID       uuid.UUID      `json:"progress_id"`
	VariantID        string         `json:"variant_id"`
	DesignID         string         `json:"design_id,omitempty"`
	StageCode        string         `json:"stage_code"`
	Status           ProgressStatus `json:"status"`
	AssignedDealerID *string        `json:"assigned_dealer_id,omitempty"`
	Cost             float64        `json:"cost"`
	Quantity         int            `json:"quantity"`
	Remarks          string         `json:"remarks,omitempty"`
	StartedAt        time.Time      `json:"start_date"`
	CompletedAt      *time.Time     `json:"end_date,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// PlatingType names the finish applied during the PLATING stage.
type PlatingType string

const (
	PlatingBGold    PlatingType = "B_GOLD"
	PlatingLakeGold PlatingType = "LAKE_GOLD"
	PlatingOther    PlatingType = "OTHER"
)

// Valid reports whether the plating type is one of the known finishes.
func (p PlatingType) Valid() bool {
	switch p {
	case PlatingBGold, PlatingLakeGold, PlatingOther:
		return true
	}
	return false
}

// PlatingRate is the per-kilogram price list for a plating finish. Assigning
// a plating job prices it off the newest active rate for its type.
type PlatingRate struct {
	RateID        uuid.UUID   `json:"rate_id"`
	PlatingType   PlatingType `json:"plating_type"`
	RatePerKg     float64     `json:"rate_per_kg"`
	Unit          string      `json:"unit"`
	EffectiveFrom time.Time   `json:"effective_from"`
	Status        string      `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// PaymentType is the direction of money flow.
type PaymentType string

const (
	PaymentIncoming PaymentType = "IN"
	PaymentOutgoing PaymentType = "OUT"
)

// PaymentRelation names what a payment settles against.
type PaymentRelation string

const (
	RelatedToInvoice  PaymentRelation = "INVOICE"
	RelatedToProgress PaymentRelation = "PROGRESS"
)

// Payment records money paid against a ProgressEntry's cost or an invoice.
type Payment struct {
	PaymentID   uuid.UUID       `json:"payment_id"`
	Type        PaymentType     `json:"payment_type"`
	RelatedTo   PaymentRelation `json:"related_to"`
	InvoiceID   string          `json:"invoice_id,omitempty"`
	ProgressID  *uuid.UUID      `json:"progress_id,omitempty"`
	DealerID    string          `json:"dealer_id"`
	Amount      float64         `json:"amount"`
	Mode        string          `json:"payment_mode"`
	ReferenceNo string          `json:"reference_no,omitempty"`
	PaymentDate time.Time       `json:"payment_date"`
	Notes       string          `json:"notes,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Dealer is the directory subset the workflow core needs: enough to validate
// an assignment and to keep the running balance. The full dealer record is
// owned by the directory collaborator.
type Dealer struct {
	DealerID       string    `json:"dealer_id"`
	Name           string    `json:"name"`
	Category       string    `json:"dealer_category"`
	CurrentBalance float64   `json:"current_balance"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Variant is the directory subset for a sellable product configuration,
// carrying the per-stage cost buckets the engine rolls completed stage costs
// into.
type Variant struct {
	VariantID     string    `json:"variant_id"`
	DesignID      string    `json:"design_id"`
	VariantCode   string    `json:"variant_code"`
	MaterialCost  float64   `json:"material_cost"`
	MakingCost    float64   `json:"making_cost"`
	FinishingCost float64   `json:"finishing_cost"`
	PackingCost   float64   `json:"packing_cost"`
	StockQty      int       `json:"stock_qty"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Invoice settlement states.
const (
	InvoiceUnpaid  = "Unpaid"
	InvoicePartial = "Partial"
	InvoicePaid    = "Paid"
)

// Invoice is the settlement subset: the payment service recalculates
// AmountPaid, BalanceDue and PaymentStatus whenever an invoice-linked payment
// lands.
type Invoice struct {
	InvoiceID     string    `json:"invoice_id"`
	GrandTotal    float64   `json:"grand_total"`
	AmountPaid    float64   `json:"amount_paid"`
	BalanceDue    float64   `json:"balance_due"`
	PaymentStatus string    `json:"payment_status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
