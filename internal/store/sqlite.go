package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite "modernc.org/sqlite"

	"github.com/ornaflow/ornaflow/internal/events"
	"github.com/ornaflow/ornaflow/internal/models"
)

// SQLiteStore backs the ledger with an embedded SQLite database. Suited to
// single-process deployments of the workshop; the schema is created on open.
// WAL mode gives one writer plus concurrent readers, and the busy timeout
// absorbs write contention.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and ensures the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", path+sep+"_journal_mode=WAL&_busy_timeout=10000&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=10000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an already-open *sql.DB (used by tests).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS product_progress (
		progress_id        TEXT PRIMARY KEY,
		variant_id         TEXT NOT NULL,
		design_id          TEXT NOT NULL DEFAULT '',
		stage_code         TEXT NOT NULL,
		status             TEXT NOT NULL,
		assigned_dealer_id TEXT,
		cost               REAL NOT NULL DEFAULT 0,
		quantity           INTEGER NOT NULL DEFAULT 0,
		remarks            TEXT NOT NULL DEFAULT '',
		started_at         TIMESTAMP NOT NULL,
		completed_at       TIMESTAMP,
		created_at         TIMESTAMP NOT NULL,
		updated_at         TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS product_progress_one_active
		ON product_progress (variant_id) WHERE status <> 'Completed'`,
	`CREATE TABLE IF NOT EXISTS dealers (
		dealer_id       TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		dealer_category TEXT NOT NULL DEFAULT '',
		current_balance REAL NOT NULL DEFAULT 0,
		status          TEXT NOT NULL DEFAULT 'Active',
		created_at      TIMESTAMP NOT NULL,
		updated_at      TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS variants (
		variant_id     TEXT PRIMARY KEY,
		design_id      TEXT NOT NULL DEFAULT '',
		variant_code   TEXT NOT NULL DEFAULT '',
		material_cost  REAL NOT NULL DEFAULT 0,
		making_cost    REAL NOT NULL DEFAULT 0,
		finishing_cost REAL NOT NULL DEFAULT 0,
		packing_cost   REAL NOT NULL DEFAULT 0,
		stock_qty      INTEGER NOT NULL DEFAULT 0,
		status         TEXT NOT NULL DEFAULT 'Active',
		created_at     TIMESTAMP NOT NULL,
		updated_at     TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS invoices (
		invoice_id     TEXT PRIMARY KEY,
		grand_total    REAL NOT NULL DEFAULT 0,
		amount_paid    REAL NOT NULL DEFAULT 0,
		balance_due    REAL NOT NULL DEFAULT 0,
		payment_status TEXT NOT NULL DEFAULT 'Unpaid',
		created_at     TIMESTAMP NOT NULL,
		updated_at     TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS payments (
		payment_id   TEXT PRIMARY KEY,
		payment_type TEXT NOT NULL,
		related_to   TEXT NOT NULL,
		invoice_id   TEXT,
		progress_id  TEXT,
		dealer_id    TEXT NOT NULL,
		amount       REAL NOT NULL,
		payment_mode TEXT NOT NULL,
		reference_no TEXT,
		payment_date TIMESTAMP NOT NULL,
		notes        TEXT,
		created_at   TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS plating_rates (
		rate_id        TEXT PRIMARY KEY,
		plating_type   TEXT NOT NULL,
		rate_per_kg    REAL NOT NULL,
		unit           TEXT NOT NULL DEFAULT 'KG',
		effective_from TIMESTAMP NOT NULL,
		status         TEXT NOT NULL DEFAULT 'Active',
		created_at     TIMESTAMP NOT NULL,
		updated_at     TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_events (
		id                TEXT PRIMARY KEY,
		event_type        TEXT NOT NULL,
		payload           TEXT NOT NULL,
		ts                TIMESTAMP NOT NULL,
		stream_status     TEXT NOT NULL DEFAULT 'pending',
		attempts          INTEGER NOT NULL DEFAULT 0,
		archived_key      TEXT,
		last_stream_error TEXT
	)`,
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	for _, q := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}

func isSQLiteConstraint(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code()&0xff == 19 // SQLITE_CONSTRAINT
}

func (s *SQLiteStore) AppendEntry(ctx context.Context, in EntryInput) (models.ProgressEntry, error) {
	if in.ProgressID == uuid.Nil {
		in.ProgressID = uuid.New()
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO product_progress (progress_id, variant_id, design_id, stage_code, status, assigned_dealer_id, cost, quantity, remarks, started_at, completed_at, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,NULL,?,?)`,
		in.ProgressID.String(), in.VariantID, in.DesignID, in.StageCode, string(in.Status),
		in.AssignedDealerID, in.Cost, in.Quantity, in.Remarks, now, now, now)
	if err != nil {
		if isSQLiteConstraint(err) {
			return models.ProgressEntry{}, ErrDuplicateActiveStage
		}
		return models.ProgressEntry{}, fmt.Errorf("insert progress entry: %w", err)
	}
	return s.GetEntry(ctx, in.ProgressID)
}

func (s *SQLiteStore) GetEntry(ctx context.Context, id uuid.UUID) (models.ProgressEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM product_progress WHERE progress_id=?`
	entry, err := scanEntry(s.db.QueryRowContext(ctx, query, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ProgressEntry{}, ErrNotFound
		}
		return models.ProgressEntry{}, fmt.Errorf("get progress entry: %w", err)
	}
	return entry, nil
}

func (s *SQLiteStore) GetHistory(ctx context.Context, variantID string) ([]models.ProgressEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM product_progress WHERE variant_id=? ORDER BY created_at ASC`
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

func (s *SQLiteStore) GetCurrent(ctx context.Context, variantID string) (models.ProgressEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM product_progress WHERE variant_id=? AND status <> 'Completed' ORDER BY created_at DESC`
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

func applyPatchSQLiteSets(patch EntryPatch, now time.Time) (sets []string, args []interface{}) {
	sets = append(sets, "updated_at=?")
	args = append(args, now)
	if patch.Status != nil {
		sets = append(sets, "status=?")
		args = append(args, string(*patch.Status))
	}
	if patch.AssignedDealerID != nil {
		sets = append(sets, "assigned_dealer_id=?")
		args = append(args, *patch.AssignedDealerID)
	}
	if patch.Cost != nil {
		sets = append(sets, "cost=?")
		args = append(args, *patch.Cost)
	}
	if patch.Quantity != nil {
		sets = append(sets, "quantity=?")
		args = append(args, *patch.Quantity)
	}
	if patch.Remarks != nil {
		sets = append(sets, "remarks=?")
		args = append(args, *patch.Remarks)
	}
	if patch.CompletedAt != nil {
		sets = append(sets, "completed_at=?")
		args = append(args, *patch.CompletedAt)
	}
	return sets, args
}

func (s *SQLiteStore) UpdateEntry(ctx context.Context, id uuid.UUID, patch EntryPatch) (models.ProgressEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.ProgressEntry{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	entry, err := s.entryInTx(ctx, tx, id)
	if err != nil {
		return models.ProgressEntry{}, err
	}
	if entry.Status == models.StatusCompleted {
		return models.ProgressEntry{}, ErrAlreadyCompleted
	}

	sets, args := applyPatchSQLiteSets(patch, time.Now().UTC())
	args = append(args, id.String())
	if _, err := tx.ExecContext(ctx, `UPDATE product_progress SET `+strings.Join(sets, ", ")+` WHERE progress_id=?`, args...); err != nil {
		return models.ProgressEntry{}, fmt.Errorf("update progress entry: %w", err)
	}
	updated, err := s.entryInTx(ctx, tx, id)
	if err != nil {
		return models.ProgressEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.ProgressEntry{}, fmt.Errorf("commit update: %w", err)
	}
	return updated, nil
}

func (s *SQLiteStore) entryInTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) (models.ProgressEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM product_progress WHERE progress_id=?`
	entry, err := scanEntry(tx.QueryRowContext(ctx, query, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ProgressEntry{}, ErrNotFound
		}
		return models.ProgressEntry{}, fmt.Errorf("get progress entry: %w", err)
	}
	return entry, nil
}

func (s *SQLiteStore) CompleteAndAppend(ctx context.Context, id uuid.UUID, patch EntryPatch, next *EntryInput) (models.ProgressEntry, *models.ProgressEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.ProgressEntry{}, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	entry, err := s.entryInTx(ctx, tx, id)
	if err != nil {
		return models.ProgressEntry{}, nil, err
	}
	if entry.Status == models.StatusCompleted {
		return models.ProgressEntry{}, nil, ErrAlreadyCompleted
	}

	now := time.Now().UTC()
	completedStatus := models.StatusCompleted
	patch.Status = &completedStatus
	if patch.CompletedAt == nil {
		patch.CompletedAt = &now
	}

	sets, args := applyPatchSQLiteSets(patch, now)
	args = append(args, id.String())
	if _, err := tx.ExecContext(ctx, `UPDATE product_progress SET `+strings.Join(sets, ", ")+` WHERE progress_id=?`, args...); err != nil {
		return models.ProgressEntry{}, nil, fmt.Errorf("complete progress entry: %w", err)
	}
	completed, err := s.entryInTx(ctx, tx, id)
	if err != nil {
		return models.ProgressEntry{}, nil, err
	}

	var created *models.ProgressEntry
	if next != nil {
		if next.ProgressID == uuid.Nil {
			next.ProgressID = uuid.New()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO product_progress (progress_id, variant_id, design_id, stage_code, status, assigned_dealer_id, cost, quantity, remarks, started_at, completed_at, created_at, updated_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,NULL,?,?)`,
			next.ProgressID.String(), next.VariantID, next.DesignID, next.StageCode, string(next.Status),
			next.AssignedDealerID, next.Cost, next.Quantity, next.Remarks, now, now, now); err != nil {
			if isSQLiteConstraint(err) {
				return models.ProgressEntry{}, nil, ErrDuplicateActiveStage
			}
			return models.ProgressEntry{}, nil, fmt.Errorf("insert next stage entry: %w", err)
		}
		nextEntry, err := s.entryInTx(ctx, tx, next.ProgressID)
		if err != nil {
			return models.ProgressEntry{}, nil, err
		}
		created = &nextEntry
	}

	if err := tx.Commit(); err != nil {
		return models.ProgressEntry{}, nil, fmt.Errorf("commit stage completion: %w", err)
	}
	return completed, created, nil
}

func (s *SQLiteStore) CreateVariant(ctx context.Context, v models.Variant) (models.Variant, error) {
	now := time.Now().UTC()
	if v.Status == "" {
		v.Status = "Active"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO variants (variant_id, design_id, variant_code, material_cost, making_cost, finishing_cost, packing_cost, stock_qty, status, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		v.VariantID, v.DesignID, v.VariantCode, v.MaterialCost, v.MakingCost, v.FinishingCost, v.PackingCost, v.StockQty, v.Status, now, now)
	if err != nil {
		return models.Variant{}, fmt.Errorf("insert variant: %w", err)
	}
	return s.GetVariant(ctx, v.VariantID)
}

func (s *SQLiteStore) GetVariant(ctx context.Context, id string) (models.Variant, error) {
	query := `SELECT ` + variantColumns + ` FROM variants WHERE variant_id=?`
	v, err := scanVariant(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Variant{}, ErrNotFound
		}
		return models.Variant{}, fmt.Errorf("get variant: %w", err)
	}
	return v, nil
}

func (s *SQLiteStore) AddVariantCost(ctx context.Context, id, costField string, amount float64) (models.Variant, error) {
	if !validCostField(costField) {
		return models.Variant{}, fmt.Errorf("invalid cost field %q", costField)
	}
	query := fmt.Sprintf(`UPDATE variants SET %s=%s+?, updated_at=? WHERE variant_id=?`, costField, costField)
	res, err := s.db.ExecContext(ctx, query, amount, time.Now().UTC(), id)
	if err != nil {
		return models.Variant{}, fmt.Errorf("add variant cost: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.Variant{}, ErrNotFound
	}
	return s.GetVariant(ctx, id)
}

func (s *SQLiteStore) CreateDealer(ctx context.Context, d models.Dealer) (models.Dealer, error) {
	now := time.Now().UTC()
	if d.Status == "" {
		d.Status = "Active"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dealers (dealer_id, name, dealer_category, current_balance, status, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?)`,
		d.DealerID, d.Name, d.Category, d.CurrentBalance, d.Status, now, now)
	if err != nil {
		return models.Dealer{}, fmt.Errorf("insert dealer: %w", err)
	}
	return s.GetDealer(ctx, d.DealerID)
}

func (s *SQLiteStore) GetDealer(ctx context.Context, id string) (models.Dealer, error) {
	query := `SELECT ` + dealerColumns + ` FROM dealers WHERE dealer_id=?`
	d, err := scanDealer(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Dealer{}, ErrNotFound
		}
		return models.Dealer{}, fmt.Errorf("get dealer: %w", err)
	}
	return d, nil
}

func (s *SQLiteStore) AdjustDealerBalance(ctx context.Context, id string, delta float64) (models.Dealer, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dealers SET current_balance=current_balance+?, updated_at=? WHERE dealer_id=?`,
		delta, time.Now().UTC(), id)
	if err != nil {
		return models.Dealer{}, fmt.Errorf("adjust dealer balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.Dealer{}, ErrNotFound
	}
	return s.GetDealer(ctx, id)
}

func (s *SQLiteStore) CreateInvoice(ctx context.Context, inv models.Invoice) (models.Invoice, error) {
	now := time.Now().UTC()
	if inv.PaymentStatus == "" {
		inv.PaymentStatus = models.InvoiceUnpaid
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invoices (invoice_id, grand_total, amount_paid, balance_due, payment_status, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?)`,
		inv.InvoiceID, inv.GrandTotal, inv.AmountPaid, inv.BalanceDue, inv.PaymentStatus, now, now)
	if err != nil {
		return models.Invoice{}, fmt.Errorf("insert invoice: %w", err)
	}
	return s.GetInvoice(ctx, inv.InvoiceID)
}

func (s *SQLiteStore) GetInvoice(ctx context.Context, id string) (models.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE invoice_id=?`
	inv, err := scanInvoice(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Invoice{}, ErrNotFound
		}
		return models.Invoice{}, fmt.Errorf("get invoice: %w", err)
	}
	return inv, nil
}

func (s *SQLiteStore) UpdateInvoiceSettlement(ctx context.Context, id string, paid, due float64, status string) (models.Invoice, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE invoices SET amount_paid=?, balance_due=?, payment_status=?, updated_at=? WHERE invoice_id=?`,
		paid, due, status, time.Now().UTC(), id)
	if err != nil {
		return models.Invoice{}, fmt.Errorf("update invoice settlement: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.Invoice{}, ErrNotFound
	}
	return s.GetInvoice(ctx, id)
}

func (s *SQLiteStore) CreatePlatingRate(ctx context.Context, r models.PlatingRate) (models.PlatingRate, error) {
	now := time.Now().UTC()
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
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plating_rates (rate_id, plating_type, rate_per_kg, unit, effective_from, status, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		r.RateID.String(), string(r.PlatingType), r.RatePerKg, r.Unit, r.EffectiveFrom, r.Status, now, now)
	if err != nil {
		return models.PlatingRate{}, fmt.Errorf("insert plating rate: %w", err)
	}
	query := `SELECT ` + platingRateColumns + ` FROM plating_rates WHERE rate_id=?`
	out, err := scanPlatingRate(s.db.QueryRowContext(ctx, query, r.RateID.String()))
	if err != nil {
		return models.PlatingRate{}, fmt.Errorf("get plating rate: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ActivePlatingRate(ctx context.Context, platingType models.PlatingType) (models.PlatingRate, error) {
	query := `SELECT ` + platingRateColumns + ` FROM plating_rates
		WHERE plating_type=? AND status='Active'
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

func (s *SQLiteStore) ListPlatingRates(ctx context.Context) ([]models.PlatingRate, error) {
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

func (s *SQLiteStore) CreatePayment(ctx context.Context, in PaymentInput) (models.Payment, error) {
	if in.PaymentID == uuid.Nil {
		in.PaymentID = uuid.New()
	}
	if in.PaymentDate.IsZero() {
		in.PaymentDate = time.Now().UTC()
	}
	var progressID interface{}
	if in.ProgressID != nil {
		progressID = in.ProgressID.String()
	}
	var invoiceID interface{}
	if in.InvoiceID != "" {
		invoiceID = in.InvoiceID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (payment_id, payment_type, related_to, invoice_id, progress_id, dealer_id, amount, payment_mode, reference_no, payment_date, notes, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		in.PaymentID.String(), string(in.Type), string(in.RelatedTo), invoiceID, progressID,
		in.DealerID, in.Amount, in.Mode, in.ReferenceNo, in.PaymentDate, in.Notes, time.Now().UTC())
	if err != nil {
		return models.Payment{}, fmt.Errorf("insert payment: %w", err)
	}
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE payment_id=?`
	p, err := scanPayment(s.db.QueryRowContext(ctx, query, in.PaymentID.String()))
	if err != nil {
		return models.Payment{}, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) ListPayments(ctx context.Context, filter PaymentFilter) ([]models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE 1=1`
	var args []interface{}
	if filter.InvoiceID != "" {
		query += " AND invoice_id = ?"
		args = append(args, filter.InvoiceID)
	}
	if filter.DealerID != "" {
		query += " AND dealer_id = ?"
		args = append(args, filter.DealerID)
	}
	if filter.ProgressID != nil {
		query += " AND progress_id = ?"
		args = append(args, filter.ProgressID.String())
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

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev events.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_events (id, event_type, payload, ts, stream_status, attempts)
		VALUES (?,?,?,?,'pending',0)`,
		ev.ID, ev.EventType, string(ev.Payload), ev.Ts)
	if err != nil {
		return fmt.Errorf("insert workflow event: %w", err)
	}
	return nil
}

// FetchPendingEvents claims up to limit pending outbox rows. SQLite has a
// single writer, so the claim transaction alone is enough to keep streamers
// from double-claiming.
func (s *SQLiteStore) FetchPendingEvents(ctx context.Context, limit int) ([]events.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, event_type, payload, ts, attempts FROM workflow_events
		WHERE stream_status = 'pending'
		ORDER BY ts
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending events: %w", err)
	}
	var claimed []events.Event
	for rows.Next() {
		var ev events.Event
		var payload string
		if err := rows.Scan(&ev.ID, &ev.EventType, &payload, &ev.Ts, &ev.Attempts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending event: %w", err)
		}
		ev.Payload = []byte(payload)
		claimed = append(claimed, ev)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate pending events: %w", err)
	}
	rows.Close()

	for i := range claimed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE workflow_events SET stream_status='in_progress', attempts=attempts+1 WHERE id=?`, claimed[i].ID); err != nil {
			return nil, fmt.Errorf("claim event %s: %w", claimed[i].ID, err)
		}
		// Scanned before the bump, so mirror it on the returned copy.
		claimed[i].Attempts++
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return claimed, nil
}

func (s *SQLiteStore) MarkEventStreamResult(ctx context.Context, id string, archivedKey *string, ok bool, streamErr string) error {
	if ok {
		var key interface{}
		if archivedKey != nil {
			key = *archivedKey
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE workflow_events SET stream_status='done', archived_key=?, last_stream_error=NULL WHERE id=?`, key, id); err != nil {
			return fmt.Errorf("mark event done: %w", err)
		}
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE workflow_events SET stream_status='pending', last_stream_error=? WHERE id=?`, streamErr, id); err != nil {
		return fmt.Errorf("mark event failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
