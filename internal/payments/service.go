// Package payments records money movements against invoices and progress
// entries and keeps the derived figures consistent: the dealer running
// balance and, for invoice-linked payments, the invoice settlement status.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ornaflow/ornaflow/internal/events"
	"github.com/ornaflow/ornaflow/internal/models"
	"github.com/ornaflow/ornaflow/internal/store"
)

var (
	// ErrInvalidAmount is returned for non-positive payment amounts.
	ErrInvalidAmount = errors.New("payment amount must be positive")

	// ErrMissingLink is returned when the payment's relation target is not
	// supplied (invoice_id for INVOICE, progress_id for PROGRESS).
	ErrMissingLink = errors.New("payment is missing its related record id")
)

// Service validates and persists payments and their side effects.
type Service struct {
	store    store.Store
	recorder events.Recorder
}

func NewService(st store.Store, rec events.Recorder) *Service {
	if rec == nil {
		rec = events.NewLogRecorder()
	}
	return &Service{store: st, recorder: rec}
}

// RecordInput carries the fields for a new payment.
type RecordInput struct {
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

func (in RecordInput) validate() error {
	if in.Amount <= 0 {
		return ErrInvalidAmount
	}
	switch in.Type {
	case models.PaymentIncoming, models.PaymentOutgoing:
	default:
		return fmt.Errorf("invalid payment type %q", in.Type)
	}
	switch in.RelatedTo {
	case models.RelatedToInvoice:
		if in.InvoiceID == "" {
			return fmt.Errorf("%w: invoice_id", ErrMissingLink)
		}
	case models.RelatedToProgress:
		if in.ProgressID == nil {
			return fmt.Errorf("%w: progress_id", ErrMissingLink)
		}
	default:
		return fmt.Errorf("invalid related_to %q", in.RelatedTo)
	}
	if in.DealerID == "" {
		return fmt.Errorf("dealer_id is required")
	}
	return nil
}

// Record validates the payment, persists it, adjusts the dealer's running
// balance and, for invoice payments, recalculates the invoice settlement.
// Incoming payments reduce the dealer's receivable balance; outgoing ones
// increase it.
func (s *Service) Record(ctx context.Context, in RecordInput) (models.Payment, error) {
	if err := in.validate(); err != nil {
		return models.Payment{}, err
	}

	if _, err := s.store.GetDealer(ctx, in.DealerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Payment{}, fmt.Errorf("dealer %s: %w", in.DealerID, store.ErrNotFound)
		}
		return models.Payment{}, fmt.Errorf("load dealer: %w", err)
	}
	switch in.RelatedTo {
	case models.RelatedToInvoice:
		if _, err := s.store.GetInvoice(ctx, in.InvoiceID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return models.Payment{}, fmt.Errorf("invoice %s: %w", in.InvoiceID, store.ErrNotFound)
			}
			return models.Payment{}, fmt.Errorf("load invoice: %w", err)
		}
	case models.RelatedToProgress:
		if _, err := s.store.GetEntry(ctx, *in.ProgressID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return models.Payment{}, fmt.Errorf("progress entry %s: %w", *in.ProgressID, store.ErrNotFound)
			}
			return models.Payment{}, fmt.Errorf("load progress entry: %w", err)
		}
	}

	payment, err := s.store.CreatePayment(ctx, store.PaymentInput{
		Type:        in.Type,
		RelatedTo:   in.RelatedTo,
		InvoiceID:   in.InvoiceID,
		ProgressID:  in.ProgressID,
		DealerID:    in.DealerID,
		Amount:      in.Amount,
		Mode:        in.Mode,
		ReferenceNo: in.ReferenceNo,
		PaymentDate: in.PaymentDate,
		Notes:       in.Notes,
	})
	if err != nil {
		return models.Payment{}, fmt.Errorf("create payment: %w", err)
	}

	delta := payment.Amount
	if payment.Type == models.PaymentIncoming {
		delta = -payment.Amount
	}
	if _, err := s.store.AdjustDealerBalance(ctx, payment.DealerID, delta); err != nil {
		log.Printf("[payments] adjust balance for dealer %s: %v", payment.DealerID, err)
	}

	if payment.RelatedTo == models.RelatedToInvoice {
		if err := s.settleInvoice(ctx, payment.InvoiceID); err != nil {
			log.Printf("[payments] settle invoice %s: %v", payment.InvoiceID, err)
		}
	}

	s.recorder.Record(ctx, events.TypePaymentRecorded, payment)
	return payment, nil
}

// settleInvoice recomputes an invoice's paid amount from all its incoming
// payments and derives the settlement status.
func (s *Service) settleInvoice(ctx context.Context, invoiceID string) error {
	inv, err := s.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}
	all, err := s.store.ListPayments(ctx, store.PaymentFilter{InvoiceID: invoiceID})
	if err != nil {
		return err
	}
	var paid float64
	for _, p := range all {
		if p.Type == models.PaymentIncoming {
			paid += p.Amount
		}
	}
	due := inv.GrandTotal - paid
	if due < 0 {
		due = 0
	}
	status := models.InvoiceUnpaid
	switch {
	case paid >= inv.GrandTotal && inv.GrandTotal > 0:
		status = models.InvoicePaid
	case paid > 0:
		status = models.InvoicePartial
	}
	_, err = s.store.UpdateInvoiceSettlement(ctx, invoiceID, paid, due, status)
	return err
}

// List returns payments matching the filter, newest first.
func (s *Service) List(ctx context.Context, filter store.PaymentFilter) ([]models.Payment, error) {
	return s.store.ListPayments(ctx, filter)
}
