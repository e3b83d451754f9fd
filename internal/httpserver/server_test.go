package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ornaflow/ornaflow/internal/models"
	"github.com/ornaflow/ornaflow/internal/payments"
	"github.com/ornaflow/ornaflow/internal/stage"
	"github.com/ornaflow/ornaflow/internal/store"
	"github.com/ornaflow/ornaflow/internal/workflow"
)

type allowAll struct{}

func (allowAll) VerifyRequest(*http.Request) error { return nil }

type denyAll struct{}

func (denyAll) VerifyRequest(*http.Request) error { return errors.New("no credentials") }

func newTestServer(t *testing.T, auth Authorizer) (http.Handler, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	wf := workflow.NewService(st, stage.MustDefault(), nil)
	pay := payments.NewService(st, nil)

	ctx := context.Background()
	_, err := st.CreateVariant(ctx, models.Variant{VariantID: "VAR-1", DesignID: "DSG-1"})
	require.NoError(t, err)
	_, err = st.CreateDealer(ctx, models.Dealer{DealerID: "DLR-1", Name: "Karigar Works"})
	require.NoError(t, err)
	_, err = st.CreateInvoice(ctx, models.Invoice{InvoiceID: "INV-1", GrandTotal: 500, BalanceDue: 500})
	require.NoError(t, err)

	return New(wf, pay, st, auth).Router(), st
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h, _ := newTestServer(t, allowAll{})
	rec := doJSON(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStagesEndpoint(t *testing.T) {
	h, _ := newTestServer(t, allowAll{})
	rec := doJSON(t, h, http.MethodGet, "/progress/stages", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stages []models.Stage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stages))
	require.Len(t, stages, 7)
	assert.Equal(t, "ORDERED", stages[0].Code)
	assert.True(t, stages[6].Final)
}

func TestWriteEndpointsRequireAuth(t *testing.T) {
	h, _ := newTestServer(t, denyAll{})

	rec := doJSON(t, h, http.MethodPost, "/progress/start", map[string]interface{}{"variant_id": "VAR-1", "quantity": 1})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/payments/", map[string]interface{}{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/plating/assign", map[string]interface{}{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/plating/rates", map[string]interface{}{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Reads stay open.
	rec = doJSON(t, h, http.MethodGet, "/progress/stages", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/plating/rates", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStartAndCompleteFlow(t *testing.T) {
	h, _ := newTestServer(t, allowAll{})

	rec := doJSON(t, h, http.MethodPost, "/progress/start", map[string]interface{}{
		"variant_id": "VAR-1",
		"quantity":   2,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var entry models.ProgressEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.Equal(t, "ORDERED", entry.StageCode)

	// Starting twice conflicts.
	rec = doJSON(t, h, http.MethodPost, "/progress/start", map[string]interface{}{
		"variant_id": "VAR-1",
		"quantity":   2,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Advancing without the dealer the next stage needs is a 400.
	rec = doJSON(t, h, http.MethodPost, "/progress/complete/"+entry.ProgressID.String(), map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/progress/complete/"+entry.ProgressID.String(), map[string]interface{}{
		"assigned_dealer_id": "DLR-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result workflow.TransitionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, models.StatusCompleted, result.Completed.Status)
	require.NotNil(t, result.Next)
	assert.Equal(t, "MAKING", result.Next.StageCode)

	// Completing the same entry again is a conflict.
	rec = doJSON(t, h, http.MethodPost, "/progress/complete/"+entry.ProgressID.String(), map[string]interface{}{
		"assigned_dealer_id": "DLR-1",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Current now points at MAKING.
	rec = doJSON(t, h, http.MethodGet, "/progress/current/VAR-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var current models.ProgressEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &current))
	assert.Equal(t, "MAKING", current.StageCode)

	// History has both hops.
	rec = doJSON(t, h, http.MethodGet, "/progress/variant/VAR-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []models.ProgressEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	assert.Len(t, history, 2)
}

func TestCompleteDealerKeyAliases(t *testing.T) {
	h, _ := newTestServer(t, allowAll{})

	rec := doJSON(t, h, http.MethodPost, "/progress/start", map[string]interface{}{
		"variant_id": "VAR-1",
		"quantity":   1,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var entry models.ProgressEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))

	// assigned_dealer_id is the wire name the rest of the API uses.
	rec = doJSON(t, h, http.MethodPost, "/progress/complete/"+entry.ProgressID.String(), map[string]interface{}{
		"assigned_dealer_id": "DLR-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result workflow.TransitionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.NotNil(t, result.Next)
	require.NotNil(t, result.Next.AssignedDealerID)
	assert.Equal(t, "DLR-1", *result.Next.AssignedDealerID)

	// The legacy dealer_id key still binds the dealer.
	rec = doJSON(t, h, http.MethodPost, "/progress/complete/"+result.Next.ProgressID.String(), map[string]interface{}{
		"dealer_id": "DLR-1",
		"cost":      75.0,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.NotNil(t, result.Next)
	require.NotNil(t, result.Next.AssignedDealerID)
	assert.Equal(t, "DLR-1", *result.Next.AssignedDealerID)
}

func TestPlatingRatesAndAssignment(t *testing.T) {
	h, st := newTestServer(t, allowAll{})

	rec := doJSON(t, h, http.MethodPost, "/plating/rates", map[string]interface{}{
		"plating_type": "B_GOLD",
		"rate_per_kg":  200.0,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodGet, "/plating/rates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rates []models.PlatingRate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rates))
	require.Len(t, rates, 1)
	assert.Equal(t, "KG", rates[0].Unit)

	// Walk VAR-1 to the pending PLATING entry.
	rec = doJSON(t, h, http.MethodPost, "/progress/start", map[string]interface{}{
		"variant_id": "VAR-1",
		"quantity":   2,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var entry models.ProgressEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	for _, stageCode := range []string{"MAKING", "PLATING"} {
		rec = doJSON(t, h, http.MethodPost, "/progress/complete/"+entry.ProgressID.String(), map[string]interface{}{
			"assigned_dealer_id": "DLR-1",
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var result workflow.TransitionResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		require.NotNil(t, result.Next)
		require.Equal(t, stageCode, result.Next.StageCode)
		entry = *result.Next
	}

	rec = doJSON(t, h, http.MethodPost, "/plating/assign", map[string]interface{}{
		"variant_id":   "VAR-1",
		"dealer_id":    "DLR-1",
		"quantity":     2,
		"plating_type": "B_GOLD",
		"weight_in_kg": 0.5,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var assigned models.ProgressEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &assigned))
	assert.Equal(t, entry.ProgressID, assigned.ProgressID)
	assert.Equal(t, models.StatusInProgress, assigned.Status)
	assert.Equal(t, 100.0, assigned.Cost)

	// Completing the assigned job rolls its priced cost into finishing.
	rec = doJSON(t, h, http.MethodPost, "/progress/complete/"+assigned.ProgressID.String(), map[string]interface{}{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	variant, err := st.GetVariant(context.Background(), "VAR-1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, variant.FinishingCost)
}

func TestAssignPlatingRejectsUnknownFinish(t *testing.T) {
	h, _ := newTestServer(t, allowAll{})
	rec := doJSON(t, h, http.MethodPost, "/plating/assign", map[string]interface{}{
		"variant_id":   "VAR-1",
		"dealer_id":    "DLR-1",
		"quantity":     1,
		"plating_type": "RHODIUM",
		"weight_in_kg": 0.5,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartUnknownVariant(t *testing.T) {
	h, _ := newTestServer(t, allowAll{})
	rec := doJSON(t, h, http.MethodPost, "/progress/start", map[string]interface{}{
		"variant_id": "NOPE",
		"quantity":   1,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCompleteBadProgressID(t *testing.T) {
	h, _ := newTestServer(t, allowAll{})
	rec := doJSON(t, h, http.MethodPost, "/progress/complete/not-a-uuid", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCurrentNotFound(t *testing.T) {
	h, _ := newTestServer(t, allowAll{})
	rec := doJSON(t, h, http.MethodGet, "/progress/current/VAR-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistoryEmptyIsOK(t *testing.T) {
	h, _ := newTestServer(t, allowAll{})
	rec := doJSON(t, h, http.MethodGet, "/progress/variant/VAR-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestCostEndpoint(t *testing.T) {
	h, _ := newTestServer(t, allowAll{})

	rec := doJSON(t, h, http.MethodPost, "/progress/start", map[string]interface{}{
		"variant_id": "VAR-1",
		"quantity":   1,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var entry models.ProgressEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))

	rec = doJSON(t, h, http.MethodGet, "/progress/cost/"+entry.ProgressID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cost workflow.StageCost
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cost))
	assert.Equal(t, "ORDERED", cost.StageCode)
}

func TestRecordAndListPayments(t *testing.T) {
	h, _ := newTestServer(t, allowAll{})

	rec := doJSON(t, h, http.MethodPost, "/payments/", map[string]interface{}{
		"payment_type": "IN",
		"related_to":   "INVOICE",
		"invoice_id":   "INV-1",
		"dealer_id":    "DLR-1",
		"amount":       200,
		"payment_mode": "UPI",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var p models.Payment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, models.PaymentIncoming, p.Type)
	assert.Equal(t, float64(200), p.Amount)

	rec = doJSON(t, h, http.MethodGet, "/payments/?invoice_id=INV-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.Payment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = doJSON(t, h, http.MethodGet, "/payments/?dealer_id=DLR-OTHER", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestRecordPaymentValidation(t *testing.T) {
	h, _ := newTestServer(t, allowAll{})

	rec := doJSON(t, h, http.MethodPost, "/payments/", map[string]interface{}{
		"payment_type": "IN",
		"related_to":   "INVOICE",
		"invoice_id":   "INV-1",
		"dealer_id":    "DLR-1",
		"amount":       0,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/payments/", map[string]interface{}{
		"payment_type": "IN",
		"related_to":   "INVOICE",
		"invoice_id":   "INV-MISSING",
		"dealer_id":    "DLR-1",
		"amount":       50,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
