package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ornaflow/ornaflow/internal/events"
	"github.com/ornaflow/ornaflow/internal/models"
)

// PGStore is the Postgres-backed store used in production.
type PGStore struct {
	db *sql.DB
}

// NewPGStore constructs a Postgres-backed store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

var pgSchema = []string{
	`CREATE TABLE IF NOT EXISTS product_progress (
		progress_id        UUID PRIMARY KEY,
		variant_id         TEXT NOT NULL,
		design_id          TEXT NOT NULL DEFAULT '',
		stage_code         TEXT NOT NULL,
		status             TEXT NOT NULL,
		assigned_dealer_id TEXT,
		cost               DOUBLE PRECISION NOT NULL DEFAULT 0,
		quantity           INTEGER NOT NULL DEFAULT 0,
		remarks            TEXT NOT NULL DEFAULT '',
		started_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at       TIMESTAMPTZ,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	// One non-Completed entry per variant, enforced by the database so two
	// concurrent completions cannot both create a next stage.
	`CREATE UNIQUE INDEX IF NOT EXISTS product_progress_one_active
		ON product_progress (variant_id) WHERE status <> 'Completed'`,
	`CREATE TABLE IF NOT EXISTS dealers (
		dealer_id       TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		dealer_category TEXT NOT NULL DEFAULT '',
		current_balance DOUBLE PRECISION NOT NULL DEFAULT 0,
		status          TEXT NOT NULL DEFAULT 'Active',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS variants (
		variant_id     TEXT PRIMARY KEY,
		design_id      TEXT NOT NULL DEFAULT '',
		variant_code   TEXT NOT NULL DEFAULT '',
		material_cost  DOUBLE PRECISION NOT NULL DEFAULT 0,
		making_cost    DOUBLE PRECISION NOT NULL DEFAULT 0,
		finishing_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
		packing_cost   DOUBLE PRECISION NOT NULL DEFAULT 0,
		stock_qty      INTEGER NOT NULL DEFAULT 0,
		status         TEXT NOT NULL DEFAULT 'Active',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS invoices (
		invoice_id     TEXT PRIMARY KEY,
		grand_total    DOUBLE PRECISION NOT NULL DEFAULT 0,
		amount_paid    DOUBLE PRECISION NOT NULL DEFAULT 0,
		balance_due    DOUBLE PRECISION NOT NULL DEFAULT 0,
		payment_status TEXT NOT NULL DEFAULT 'Unpaid',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS payments (
		payment_id   UUID PRIMARY KEY,
		payment_type TEXT NOT NULL,
		related_to   TEXT NOT NULL,
		invoice_id   TEXT,
		progress_id  UUID,
		dealer_id    TEXT NOT NULL,
		amount       DOUBLE PRECISION NOT NULL,
		payment_mode TEXT NOT NULL,
		reference_no TEXT,
		payment_date TIMESTAMPTZ NOT NULL,
		notes        TEXT,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS plating_rates (
		rate_id        UUID PRIMARY KEY,
		plating_type   TEXT NOT NULL,
		rate_per_kg    DOUBLE PRECISION NOT NULL,
		unit           TEXT NOT NULL DEFAULT 'KG',
		effective_from TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		status         TEXT NOT NULL DEFAULT 'Active',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_events (
		id                TEXT PRIMARY KEY,
		event_type        TEXT NOT NULL,
		payload           JSONB NOT NULL,
		ts                TIMESTAMPTZ NOT NULL,
		stream_status     TEXT NOT NULL DEFAULT 'pending',
		attempts          INTEGER NOT NULL DEFAULT 0,
		archived_key      TEXT,
		last_stream_error TEXT
	)`,
}

// Migrate creates the workflow tables when they do not exist. Intended for
// dev and embedded setups; production schema changes go through ops tooling.
func (s *PGStore) Migrate(ctx context.Context) error {
	for _, q := range pgSchema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func isPGUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (s *PGStore) AppendEntry(ctx context.Context, in EntryInput) (models.ProgressEntry, error) {
	if in.ProgressID == uuid.Nil {
		in.ProgressID = uuid.New()
	}
	query := `
		INSERT INTO product_progress (progress_id, variant_id, design_id, stage_code, status, assigned_dealer_id, cost, quantity, remarks)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING ` + entryColumns
	row := s.db.QueryRowContext(ctx, query,
		in.ProgressID, in.VariantID, in.DesignID, in.StageCode, string(in.Status),
		in.AssignedDealerID, in.Cost, in.Quantity, in.Remarks)
	entry, err := scanEntry(row)
	if err != nil {
		if isPGUniqueViolation(err) {
			return models.ProgressEntry{}, ErrDuplicateActiveStage
		}
		return models.ProgressEntry{}, fmt.Errorf("insert progress entry: %w", err)
	}
	return entry, nil
}

func (s *PGStore) GetEntry(ctx context.Context, id uuid.UUID) (models.ProgressEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM product_progress WHERE progress_id=$1`
	entry, err := scanEntry(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ProgressEntry{}, ErrNotFound
		}
		return models.ProgressEntry{}, fmt.Errorf("get progress entry: %w", err)
	}
	return entry, nil
}

func (s *PGStore) GetHistory(ctx context.Context, variantID string) ([]models.ProgressEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM product_progress WHERE variant_id=$1 ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query, variantID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var history []models.ProgressEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		history = append(history, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return history, nil
}

func (s *PGStore) GetCurrent(ctx context.Context, variantID string) (models.ProgressEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM product_progress WHERE variant_id=$1 AND status <> 'Completed' ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query, variantID)
	if err != nil {
		return models.ProgressEntry{}, fmt.Errorf("get current stage: %w", err)
	}
	defer rows.Close()

	var active []models.ProgressEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return models.ProgressEntry{}, fmt.Errorf("scan current entry: %w", err)
		}
		active = append(active, entry)
	}
	if err := rows.Err(); err != nil {
		return models.ProgressEntry{}, fmt.Errorf("iterate current entries: %w", err)
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

func applyPatchSQL(patch EntryPatch) (sets string, args []interface{}) {
	sets = "updated_at=NOW()"
	idx := 2 // $1 is the progress_id
	add := func(col string, v interface{}) {
		sets += fmt.Sprintf(", %s=$%d", col, idx)
		args = append(args, v)
		idx++
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.AssignedDealerID != nil {
		add("assigned_dealer_id", *patch.AssignedDealerID)
	}
	if patch.Cost != nil {
		add("cost", *patch.Cost)
	}
	if patch.Quantity != nil {
		add("quantity", *patch.Quantity)
	}
	if patch.Remarks != nil {
		add("remarks", *patch.Remarks)
	}
	if patch.CompletedAt != nil {
		add("completed_at", *patch.CompletedAt)
	}
	return sets, args
}

func (s *PGStore) UpdateEntry(ctx context.Context, id uuid.UUID, patch EntryPatch) (models.ProgressEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.ProgressEntry{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	entry, err := lockEntryPG(ctx, tx, id)
	if err != nil {
		return models.ProgressEntry{}, err
	}
	if entry.Status == models.StatusCompleted {
		return models.ProgressEntry{}, ErrAlreadyCompleted
	}

	sets, args := applyPatchSQL(patch)
	query := `UPDATE product_progress SET ` + sets + ` WHERE progress_id=$1 RETURNING ` + entryColumns
	updated, err := scanEntry(tx.QueryRowContext(ctx, query, append([]interface{}{id}, args...)...))
	if err != nil {
		return models.ProgressEntry{}, fmt.Errorf("update progress entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.ProgressEntry{}, fmt.Errorf("commit update: %w", err)
	}
	return updated, nil
}

func lockEntryPG(ctx context.Context, tx *sql.Tx, id uuid.UUID) (models.ProgressEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM product_progress WHERE progress_id=$1 FOR UPDATE`
	entry, err := scanEntry(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ProgressEntry{}, ErrNotFound
		}
		return models.ProgressEntry{}, fmt.Errorf("lock progress entry: %w", err)
	}
	return entry, nil
}

func (s *PGStore) CompleteAndAppend(ctx context.Context, id uuid.UUID, patch EntryPatch, next *EntryInput) (models.ProgressEntry, *models.ProgressEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.ProgressEntry{}, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	entry, err := lockEntryPG(ctx, tx, id)
	if err != nil {
		return models.ProgressEntry{}, nil, err
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

	sets, args := applyPatchSQL(patch)
	query := `UPDATE product_progress SET ` + sets + ` WHERE progress_id=$1 RETURNING ` + entryColumns
	completed, err := scanEntry(tx.QueryRowContext(ctx, query, append([]interface{}{id}, args...)...))
	if err != nil {
		return models.ProgressEntry{}, nil, fmt.Errorf("complete progress entry: %w", err)
	}

	var created *models.ProgressEntry
	if next != nil {
		if next.ProgressID == uuid.Nil {
			next.ProgressID = uuid.New()
		}
		insert := `
			INSERT INTO product_progress (progress_id, variant_id, design_id, stage_code, status, assigned_dealer_id, cost, quantity, remarks)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			RETURNING ` + entryColumns
		row := tx.QueryRowContext(ctx, insert,
			next.ProgressID, next.VariantID, next.DesignID, next.StageCode, string(next.Status),
			next.AssignedDealerID, next.Cost, next.Quantity, next.Remarks)
		nextEntry, err := scanEntry(row)
		if err != nil {
			if isPGUniqueViolation(err) {
				return models.ProgressEntry{}, nil, ErrDuplicateActiveStage
			}
			return models.ProgressEntry{}, nil, fmt.Errorf("insert next stage entry: %w", err)
		}
		created = &nextEntry
	}

	if err := tx.Commit(); err != nil {
		return models.ProgressEntry{}, nil, fmt.Errorf("commit stage completion: %w", err)
	}
	return completed, created, nil
}

func (s *PGStore) CreateVariant(ctx context.Context, v models.Variant) (models.Variant, error) {
	query := `
		INSERT INTO variants (variant_id, design_id, variant_code, material_cost, making_cost, finishing_cost, packing_cost, stock_qty, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING ` + variantColumns
	row := s.db.QueryRowContext(ctx, query,
		v.VariantID, v.DesignID, v.VariantCode, v.MaterialCost, v.MakingCost, v.FinishingCost, v.PackingCost, v.StockQty, v.Status)
	out, err := scanVariant(row)
	if err != nil {
		return models.Variant{}, fmt.Errorf("insert variant: %w", err)
	}
	return out, nil
}

func (s *PGStore) GetVariant(ctx context.Context, id string) (models.Variant, error) {
	query := `SELECT ` + variantColumns + ` FROM variants WHERE variant_id=$1`
	v, err := scanVariant(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Variant{}, ErrNotFound
		}
		return models.Variant{}, fmt.Errorf("get variant: %w", err)
	}
	return v, nil
}

func (s *PGStore) AddVariantCost(ctx context.Context, id, costField string, amount float64) (models.Variant, error) {
	if !validCostField(costField) {
		return models.Variant{}, fmt.Errorf("invalid cost field %q", costField)
	}
	query := fmt.Sprintf(`UPDATE variants SET %s=%s+$2, updated_at=NOW() WHERE variant_id=$1 RETURNING `+variantColumns, costField, costField)
	v, err := scanVariant(s.db.QueryRowContext(ctx, query, id, amount))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Variant{}, ErrNotFound
		}
		return models.Variant{}, fmt.Errorf("add variant cost: %w", err)
	}
	return v, nil
}

func (s *PGStore) CreateDealer(ctx context.Context, d models.Dealer) (models.Dealer, error) {
	query := `
		INSERT INTO dealers (dealer_id, name, dealer_category, current_balance, status)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING ` + dealerColumns
	row := s.db.QueryRowContext(ctx, query, d.DealerID, d.Name, d.Category, d.CurrentBalance, d.Status)
	out, err := scanDealer(row)
	if err != nil {
		return models.Dealer{}, fmt.Errorf("insert dealer: %w", err)
	}
	return out, nil
}

func (s *PGStore) GetDealer(ctx context.Context, id string) (models.Dealer, error) {
	query := `SELECT ` + dealerColumns + ` FROM dealers WHERE dealer_id=$1`
	d, err := scanDealer(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Dealer{}, ErrNotFound
		}
		return models.Dealer{}, fmt.Errorf("get dealer: %w", err)
	}
	return d, nil
}

func (s *PGStore) AdjustDealerBalance(ctx context.Context, id string, delta float64) (models.Dealer, error) {
	query := `UPDATE dealers SET current_balance=current_balance+$2, updated_at=NOW() WHERE dealer_id=$1 RETURNING ` + dealerColumns
	d, err := scanDealer(s.db.QueryRowContext(ctx, query, id, delta))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Dealer{}, ErrNotFound
		}
		return models.Dealer{}, fmt.Errorf("adjust dealer balance: %w", err)
	}
	return d, nil
}

func (s *PGStore) CreateInvoice(ctx context.Context, inv models.Invoice) (models.Invoice, error) {
	if inv.PaymentStatus == "" {
		inv.PaymentStatus = models.InvoiceUnpaid
	}
	query := `
		INSERT INTO invoices (invoice_id, grand_total, amount_paid, balance_due, payment_status)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING ` + invoiceColumns
	row := s.db.QueryRowContext(ctx, query, inv.InvoiceID, inv.GrandTotal, inv.AmountPaid, inv.BalanceDue, inv.PaymentStatus)
	out, err := scanInvoice(row)
	if err != nil {
		return models.Invoice{}, fmt.Errorf("insert invoice: %w", err)
	}
	return out, nil
}

func (s *PGStore) GetInvoice(ctx context.Context, id string) (models.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE invoice_id=$1`
	inv, err := scanInvoice(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Invoice{}, ErrNotFound
		}
		return models.Invoice{}, fmt.Errorf("get invoice: %w", err)
	}
	return inv, nil
}

func (s *PGStore) UpdateInvoiceSettlement(ctx context.Context, id string, paid, due float64, status string) (models.Invoice, error) {
	query := `UPDATE invoices SET amount_paid=$2, balance_due=$3, payment_status=$4, updated_at=NOW() WHERE invoice_id=$1 RETURNING ` + invoiceColumns
	inv, err := scanInvoice(s.db.QueryRowContext(ctx, query, id, paid, due, status))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Invoice{}, ErrNotFound
		}
		return models.Invoice{}, fmt.Errorf("update invoice settlement: %w", err)
	}
	return inv, nil
}

func (s *PGStore) CreatePlatingRate(ctx context.Context, r models.PlatingRate) (models.PlatingRate, error) {
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
		r.EffectiveFrom = time.Now().UTC()
	}
	query := `
		INSERT INTO plating_rates (rate_id, plating_type, rate_per_kg, unit, effective_from, status)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING ` + platingRateColumns
	row := s.db.QueryRowContext(ctx, query,
		r.RateID, string(r.PlatingType), r.RatePerKg, r.Unit, r.EffectiveFrom, r.Status)
	out, err := scanPlatingRate(row)
	if err != nil {
		return models.PlatingRate{}, fmt.Errorf("insert plating rate: %w", err)
	}
	return out, nil
}

func (s *PGStore) ActivePlatingRate(ctx context.Context, platingType models.PlatingType) (models.PlatingRate, error) {
	query := `SELECT ` + platingRateColumns + ` FROM plating_rates
		WHERE plating_type=$1 AND status='Active'
		ORDER BY effective_from DESC LIMIT 1`
	r, err := scanPlatingRate(s.db.QueryRowContext(ctx, query, string(platingType)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PlatingRate{}, ErrNotFound
		}
		return models.PlatingRate{}, fmt.Errorf("get active plating rate: %w", err)
	}
	return r, nil
}

func (s *PGStore) ListPlatingRates(ctx context.Context) ([]models.PlatingRate, error) {
	query := `SELECT ` + platingRateColumns + ` FROM plating_rates ORDER BY plating_type, effective_from DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list plating rates: %w", err)
	}
	defer rows.Close()

	var rates []models.PlatingRate
	for rows.Next() {
		r, err := scanPlatingRate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plating rate: %w", err)
		}
		rates = append(rates, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plating rates: %w", err)
	}
	return rates, nil
}

func (s *PGStore) CreatePayment(ctx context.Context, in PaymentInput) (models.Payment, error) {
	if in.PaymentID == uuid.Nil {
		in.PaymentID = uuid.New()
	}
	if in.PaymentDate.IsZero() {
		in.PaymentDate = time.Now().UTC()
	}
	var progressID interface{}
	if in.ProgressID != nil {
		progressID = *in.ProgressID
	}
	var invoiceID interface{}
	if in.InvoiceID != "" {
		invoiceID = in.InvoiceID
	}
	query := `
		INSERT INTO payments (payment_id, payment_type, related_to, invoice_id, progress_id, dealer_id, amount, payment_mode, reference_no, payment_date, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING ` + paymentColumns
	row := s.db.QueryRowContext(ctx, query,
		in.PaymentID, string(in.Type), string(in.RelatedTo), invoiceID, progressID,
		in.DealerID, in.Amount, in.Mode, in.ReferenceNo, in.PaymentDate, in.Notes)
	p, err := scanPayment(row)
	if err != nil {
		return models.Payment{}, fmt.Errorf("insert payment: %w", err)
	}
	return p, nil
}

func (s *PGStore) ListPayments(ctx context.Context, filter PaymentFilter) ([]models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE 1=1`
	args := []interface{}{}
	argPos := 1
	if filter.InvoiceID != "" {
		query += fmt.Sprintf(" AND invoice_id = $%d", argPos)
		args = append(args, filter.InvoiceID)
		argPos++
	}
	if filter.DealerID != "" {
		query += fmt.Sprintf(" AND dealer_id = $%d", argPos)
		args = append(args, filter.DealerID)
		argPos++
	}
	if filter.ProgressID != nil {
		query += fmt.Sprintf(" AND progress_id = $%d", argPos)
		args = append(args, *filter.ProgressID)
		argPos++
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var payments []models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payments: %w", err)
	}
	return payments, nil
}

// AppendEvent inserts a pending outbox row for the event streamer.
func (s *PGStore) AppendEvent(ctx context.Context, ev events.Event) error {
	query := `
		INSERT INTO workflow_events (id, event_type, payload, ts, stream_status, attempts)
		VALUES ($1,$2,$3,$4,'pending',0)
	`
	if _, err := s.db.ExecContext(ctx, query, ev.ID, ev.EventType, []byte(ev.Payload), ev.Ts); err != nil {
		return fmt.Errorf("insert workflow event: %w", err)
	}
	return nil
}

// FetchPendingEvents claims up to limit pending outbox rows, marking them
// in_progress. SKIP LOCKED keeps concurrent streamers from claiming the same
// rows.
func (s *PGStore) FetchPendingEvents(ctx context.Context, limit int) ([]events.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `
		SELECT id, event_type, payload, ts, attempts FROM workflow_events
		WHERE stream_status = 'pending'
		ORDER BY ts
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`
	rows, err := tx.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending events: %w", err)
	}
	var claimed []events.Event
	for rows.Next() {
		var ev events.Event
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.EventType, &payload, &ev.Ts, &ev.Attempts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending event: %w", err)
		}
		ev.Payload = payload
		claimed = append(claimed, ev)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate pending events: %w", err)
	}
	rows.Close()

	for i := range claimed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE workflow_events SET stream_status='in_progress', attempts=attempts+1 WHERE id=$1`, claimed[i].ID); err != nil {
			return nil, fmt.Errorf("claim event %s: %w", claimed[i].ID, err)
		}
		// The SELECT above ran before the bump, so mirror it on the copy we
		// hand to the streamer.
		claimed[i].Attempts++
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return claimed, nil
}

// MarkEventStreamResult records the outcome of a produce/archive attempt.
// Failures return the row to pending so it is retried on a later poll.
func (s *PGStore) MarkEventStreamResult(ctx context.Context, id string, archivedKey *string, ok bool, streamErr string) error {
	if ok {
		var key sql.NullString
		if archivedKey != nil {
			key = sql.NullString{String: *archivedKey, Valid: true}
		}
		_, err := s.db.ExecContext(ctx,
			`UPDATE workflow_events SET stream_status='done', archived_key=$1, last_stream_error=NULL WHERE id=$2`, key, id)
		if err != nil {
			return fmt.Errorf("mark event done: %w", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_events SET stream_status='pending', last_stream_error=$1 WHERE id=$2`,
		sql.NullString{String: streamErr, Valid: streamErr != ""}, id)
	if err != nil {
		return fmt.Errorf("mark event failed: %w", err)
	}
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
