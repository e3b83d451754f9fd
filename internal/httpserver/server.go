// Package httpserver exposes the workflow and payment services over REST.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/ornaflow/ornaflow/internal/models"
	"github.com/ornaflow/ornaflow/internal/payments"
	"github.com/ornaflow/ornaflow/internal/stage"
	"github.com/ornaflow/ornaflow/internal/store"
	"github.com/ornaflow/ornaflow/internal/workflow"
)

// Authorizer gates write endpoints. auth.Verifier implements it.
type Authorizer interface {
	VerifyRequest(r *http.Request) error
}

type Server struct {
	workflow *workflow.Service
	payments *payments.Service
	store    store.Store
	auth     Authorizer
}

func New(wf *workflow.Service, pay *payments.Service, st store.Store, auth Authorizer) *Server {
	return &Server{workflow: wf, payments: pay, store: st, auth: auth}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/progress", func(r chi.Router) {
		r.Get("/stages", s.handleStages)
		r.Get("/variant/{variant_id}", s.handleHistory)
		r.Get("/current/{variant_id}", s.handleCurrent)
		r.Get("/cost/{progress_id}", s.handleCost)
		r.Group(func(r chi.Router) {
			r.Use(s.writeAuth)
			r.Post("/start", s.handleStart)
			r.Post("/complete/{progress_id}", s.handleComplete)
		})
	})

	r.Route("/plating", func(r chi.Router) {
		r.Get("/rates", s.handleListPlatingRates)
		r.Group(func(r chi.Router) {
			r.Use(s.writeAuth)
			r.Post("/rates", s.handleCreatePlatingRate)
			r.Post("/assign", s.handleAssignPlating)
		})
	})

	r.Route("/payments", func(r chi.Router) {
		r.Get("/", s.handleListPayments)
		r.Group(func(r chi.Router) {
			r.Use(s.writeAuth)
			r.Post("/", s.handleRecordPayment)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleStages(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.workflow.Stages())
}

type startRequest struct {
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity"`
	Remarks   string `json:"remarks"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	entry, err := s.workflow.StartProduction(r.Context(), workflow.StartInput{
		VariantID: req.VariantID,
		Quantity:  req.Quantity,
		Remarks:   req.Remarks,
	})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, entry)
}

// completeRequest accepts dealer_id as an alias for assigned_dealer_id so
// older clients keep working.
type completeRequest struct {
	AssignedDealerID *string  `json:"assigned_dealer_id,omitempty"`
	DealerID         *string  `json:"dealer_id,omitempty"`
	Cost             *float64 `json:"cost,omitempty"`
	Remarks          *string  `json:"remarks,omitempty"`
}

func (r completeRequest) dealer() *string {
	if r.AssignedDealerID != nil {
		return r.AssignedDealerID
	}
	return r.DealerID
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	progressID, err := uuid.Parse(chi.URLParam(r, "progress_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid progress_id")
		return
	}
	var req completeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := s.workflow.CompleteStage(r.Context(), progressID, workflow.CompleteInput{
		DealerID: req.dealer(),
		Cost:     req.Cost,
		Remarks:  req.Remarks,
	})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.workflow.History(r.Context(), chi.URLParam(r, "variant_id"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if history == nil {
		history = []models.ProgressEntry{}
	}
	respondJSON(w, http.StatusOK, history)
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	entry, err := s.workflow.Current(r.Context(), chi.URLParam(r, "variant_id"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (s *Server) handleCost(w http.ResponseWriter, r *http.Request) {
	progressID, err := uuid.Parse(chi.URLParam(r, "progress_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid progress_id")
		return
	}
	cost, err := s.workflow.Cost(r.Context(), progressID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cost)
}

type platingAssignRequest struct {
	VariantID   string  `json:"variant_id"`
	DealerID    string  `json:"dealer_id"`
	Quantity    int     `json:"quantity"`
	PlatingType string  `json:"plating_type"`
	WeightKg    float64 `json:"weight_in_kg"`
	Notes       *string `json:"notes,omitempty"`
}

func (s *Server) handleAssignPlating(w http.ResponseWriter, r *http.Request) {
	var req platingAssignRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	entry, err := s.workflow.AssignPlating(r.Context(), workflow.AssignPlatingInput{
		VariantID:   req.VariantID,
		DealerID:    req.DealerID,
		Quantity:    req.Quantity,
		PlatingType: models.PlatingType(req.PlatingType),
		WeightKg:    req.WeightKg,
		Remarks:     req.Notes,
	})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

type platingRateRequest struct {
	PlatingType   string  `json:"plating_type"`
	RatePerKg     float64 `json:"rate_per_kg"`
	Unit          string  `json:"unit,omitempty"`
	EffectiveFrom *string `json:"effective_from,omitempty"`
}

func (s *Server) handleCreatePlatingRate(w http.ResponseWriter, r *http.Request) {
	var req platingRateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	rate := models.PlatingRate{
		PlatingType: models.PlatingType(req.PlatingType),
		RatePerKg:   req.RatePerKg,
		Unit:        req.Unit,
	}
	if req.EffectiveFrom != nil {
		t, err := time.Parse(time.RFC3339, *req.EffectiveFrom)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid effective_from, want RFC3339")
			return
		}
		rate.EffectiveFrom = t
	}
	created, err := s.workflow.CreatePlatingRate(r.Context(), rate)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListPlatingRates(w http.ResponseWriter, r *http.Request) {
	rates, err := s.workflow.PlatingRates(r.Context())
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if rates == nil {
		rates = []models.PlatingRate{}
	}
	respondJSON(w, http.StatusOK, rates)
}

type paymentRequest struct {
	Type        string  `json:"payment_type"`
	RelatedTo   string  `json:"related_to"`
	InvoiceID   string  `json:"invoice_id,omitempty"`
	ProgressID  *string `json:"progress_id,omitempty"`
	DealerID    string  `json:"dealer_id"`
	Amount      float64 `json:"amount"`
	Mode        string  `json:"payment_mode"`
	ReferenceNo string  `json:"reference_no,omitempty"`
	PaymentDate *string `json:"payment_date,omitempty"`
	Notes       string  `json:"notes,omitempty"`
}

func (s *Server) handleRecordPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	in := payments.RecordInput{
		Type:        models.PaymentType(req.Type),
		RelatedTo:   models.PaymentRelation(req.RelatedTo),
		InvoiceID:   req.InvoiceID,
		DealerID:    req.DealerID,
		Amount:      req.Amount,
		Mode:        req.Mode,
		ReferenceNo: req.ReferenceNo,
		Notes:       req.Notes,
	}
	if req.ProgressID != nil {
		id, err := uuid.Parse(*req.ProgressID)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid progress_id")
			return
		}
		in.ProgressID = &id
	}
	if req.PaymentDate != nil {
		t, err := time.Parse(time.RFC3339, *req.PaymentDate)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid payment_date, want RFC3339")
			return
		}
		in.PaymentDate = t
	}
	payment, err := s.payments.Record(r.Context(), in)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, payment)
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	filter := store.PaymentFilter{
		InvoiceID: r.URL.Query().Get("invoice_id"),
		DealerID:  r.URL.Query().Get("dealer_id"),
	}
	if raw := r.URL.Query().Get("progress_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid progress_id")
			return
		}
		filter.ProgressID = &id
	}
	list, err := s.payments.List(r.Context(), filter)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if list == nil {
		list = []models.Payment{}
	}
	respondJSON(w, http.StatusOK, list)
}

// respondServiceError maps service errors to HTTP statuses: validation to
// 400, sequencing conflicts to 409, missing records to 404. A broken
// single-active invariant is a data consistency fault and is logged loudly.
func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrAlreadyCompleted),
		errors.Is(err, store.ErrDuplicateActiveStage),
		errors.Is(err, workflow.ErrAlreadyStarted):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, workflow.ErrDealerRequired),
		errors.Is(err, workflow.ErrInvalidAssignment),
		errors.Is(err, workflow.ErrUnknownPlatingType),
		errors.Is(err, payments.ErrInvalidAmount),
		errors.Is(err, payments.ErrMissingLink),
		errors.Is(err, stage.ErrUnknownStage):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrMultipleActiveStages):
		log.Printf("[workflow.http] data consistency fault: %v", err)
		respondError(w, http.StatusInternalServerError, "data consistency fault")
	default:
		log.Printf("[workflow.http] internal error: %v", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.auth.VerifyRequest(r); err != nil {
			respondError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
