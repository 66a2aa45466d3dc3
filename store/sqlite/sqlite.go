/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements cycle.TxStore and the program configuration store using
  SQLite. Every query is written once, against the dbtx interface, and runs
  either on the database or inside a transaction.

INTERFACES IMPLEMENTED:
  cycle.Store:   Cycles, memberships, entitlements, payments, events
  cycle.TxStore: WithTx unit of work
  factory.ProgramStore: Program configuration persistence

KEY TABLES:
  programs:             Program definitions (JSON config)
  cycles:               One row per cycle, UNIQUE(program_id, sequence)
  cycle_memberships:    Beneficiaries of a cycle, UNIQUE(cycle_id, partner_id)
  program_memberships:  Program registry, PRIMARY KEY(program_id, partner_id)
  entitlements:         Benefits granted per cycle, UNIQUE(code)
  payment_batches:      Batches created by prepare payment
  payments:             One row per paid entitlement
  cycle_events:         Audit trail, append-only

CONCURRENCY:
  The pool is limited to one connection. Writers are serialized by SQLite
  anyway, and a ":memory:" database is private to its connection, so one
  connection keeps both file and memory databases consistent. Code running
  inside WithTx must only use the Store it was handed.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better crash recovery.

USAGE:
  store, err := sqlite.New("./data/cycles.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  mgr := cycle.NewManager(store, registry)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - cycle/store.go: Interface definitions
  - cycle/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/cycle-engine/cycle"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements cycle.Store on top of a dbtx.
type queries struct {
	db dbtx
}

// Store implements all storage interfaces using SQLite.
type Store struct {
	queries
	sqlDB *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{queries: queries{db: db}, sqlDB: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.sqlDB.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS programs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		config_json TEXT NOT NULL,
		version INTEGER DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cycles (
		id TEXT PRIMARY KEY,
		program_id TEXT NOT NULL,
		name TEXT NOT NULL,
		sequence INTEGER NOT NULL CHECK (sequence > 0),
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		state TEXT NOT NULL,
		locked BOOLEAN NOT NULL DEFAULT FALSE,
		locked_reason TEXT NOT NULL DEFAULT '',
		members_count INTEGER NOT NULL DEFAULT 0,
		entitlements_count INTEGER NOT NULL DEFAULT 0,
		payments_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (end_date >= start_date),
		UNIQUE(program_id, sequence)
	);

	CREATE INDEX IF NOT EXISTS idx_cycles_program
		ON cycles(program_id, sequence DESC);

	CREATE TABLE IF NOT EXISTS cycle_memberships (
		id TEXT PRIMARY KEY,
		cycle_id TEXT NOT NULL REFERENCES cycles(id),
		partner_id TEXT NOT NULL,
		state TEXT NOT NULL,
		enrollment_date TEXT NOT NULL,
		UNIQUE(cycle_id, partner_id)
	);

	CREATE INDEX IF NOT EXISTS idx_cycle_memberships_state
		ON cycle_memberships(cycle_id, state);

	CREATE TABLE IF NOT EXISTS program_memberships (
		program_id TEXT NOT NULL,
		partner_id TEXT NOT NULL,
		state TEXT NOT NULL,
		enrollment_date TEXT NOT NULL,
		PRIMARY KEY(program_id, partner_id)
	);

	CREATE TABLE IF NOT EXISTS entitlements (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		cycle_id TEXT NOT NULL REFERENCES cycles(id),
		partner_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		state TEXT NOT NULL,
		initial_amount TEXT NOT NULL,
		transfer_fee TEXT NOT NULL,
		currency TEXT NOT NULL DEFAULT '',
		item TEXT NOT NULL DEFAULT '',
		quantity INTEGER NOT NULL DEFAULT 0,
		valid_from TEXT NOT NULL,
		valid_until TEXT NOT NULL,
		date_approved TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_entitlements_cycle_kind_state
		ON entitlements(cycle_id, kind, state);
	CREATE INDEX IF NOT EXISTS idx_entitlements_partner
		ON entitlements(cycle_id, partner_id);

	CREATE TABLE IF NOT EXISTS payment_batches (
		id TEXT PRIMARY KEY,
		cycle_id TEXT NOT NULL REFERENCES cycles(id),
		name TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		batch_id TEXT NOT NULL REFERENCES payment_batches(id),
		cycle_id TEXT NOT NULL REFERENCES cycles(id),
		entitlement_id TEXT NOT NULL UNIQUE REFERENCES entitlements(id),
		partner_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_cycle
		ON payments(cycle_id);

	-- Audit trail (append-only)
	CREATE TABLE IF NOT EXISTS cycle_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		cycle_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		from_state TEXT NOT NULL DEFAULT '',
		to_state TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cycle_events_cycle
		ON cycle_events(cycle_id, seq);
	`

	_, err := s.sqlDB.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (cycle.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store cycle.Store) error) error {
	sqlTx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{db: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// =============================================================================
// CYCLES
// =============================================================================

const cycleColumns = `id, program_id, name, sequence, start_date, end_date, state, locked, locked_reason,
	members_count, entitlements_count, payments_count, created_at, updated_at`

func (q *queries) GetCycle(ctx context.Context, id cycle.CycleID) (cycle.Cycle, error) {
	row := q.db.QueryRowContext(ctx, "SELECT "+cycleColumns+" FROM cycles WHERE id = ?", id)
	c, err := scanCycle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return cycle.Cycle{}, fmt.Errorf("%w: %s", cycle.ErrCycleNotFound, id)
	}
	return c, err
}

func (q *queries) SaveCycle(ctx context.Context, c cycle.Cycle) error {
	r := c.Record()
	query := `
		INSERT INTO cycles (` + cycleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			state = excluded.state,
			locked = excluded.locked,
			locked_reason = excluded.locked_reason,
			members_count = excluded.members_count,
			entitlements_count = excluded.entitlements_count,
			payments_count = excluded.payments_count,
			updated_at = excluded.updated_at
	`
	_, err := q.db.ExecContext(ctx, query,
		r.ID, r.ProgramID, r.Name, r.Sequence,
		r.StartDate.String(), r.EndDate.String(),
		r.State, r.Locked, r.LockedReason,
		r.MembersCount, r.EntitlementsCount, r.PaymentsCount,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: sequence %d already used", cycle.ErrSequenceConflict, r.Sequence)
	}
	if err != nil {
		return fmt.Errorf("failed to save cycle: %w", err)
	}
	return nil
}

func (q *queries) LastCycle(ctx context.Context, programID cycle.ProgramID) (*cycle.Cycle, error) {
	row := q.db.QueryRowContext(ctx,
		"SELECT "+cycleColumns+" FROM cycles WHERE program_id = ? ORDER BY sequence DESC LIMIT 1",
		programID,
	)
	c, err := scanCycle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (q *queries) ListCycles(ctx context.Context, programID cycle.ProgramID) ([]cycle.Cycle, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT "+cycleColumns+" FROM cycles WHERE program_id = ? ORDER BY sequence",
		programID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycles: %w", err)
	}
	defer rows.Close()

	var cycles []cycle.Cycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCycle(row scanner) (cycle.Cycle, error) {
	var (
		r                    cycle.CycleRecord
		start, end           string
		createdAt, updatedAt string
	)
	err := row.Scan(
		&r.ID, &r.ProgramID, &r.Name, &r.Sequence, &start, &end, &r.State,
		&r.Locked, &r.LockedReason, &r.MembersCount, &r.EntitlementsCount, &r.PaymentsCount,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cycle.Cycle{}, err
		}
		return cycle.Cycle{}, fmt.Errorf("failed to scan cycle: %w", err)
	}
	r.StartDate = parseDate(start)
	r.EndDate = parseDate(end)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return cycle.RestoreCycle(r), nil
}

// =============================================================================
// CYCLE MEMBERSHIPS
// =============================================================================

func (q *queries) AddMemberships(ctx context.Context, members []cycle.Membership) error {
	for _, mb := range members {
		_, err := q.db.ExecContext(ctx,
			"INSERT INTO cycle_memberships (id, cycle_id, partner_id, state, enrollment_date) VALUES (?, ?, ?, ?, ?)",
			mb.ID, mb.CycleID, mb.PartnerID, mb.State, mb.EnrollmentDate.String(),
		)
		if isUniqueConstraintError(err) {
			return fmt.Errorf("partner %s is already a member of cycle %s", mb.PartnerID, mb.CycleID)
		}
		if err != nil {
			return fmt.Errorf("failed to add membership: %w", err)
		}
	}
	return nil
}

func (q *queries) ListMemberships(ctx context.Context, id cycle.CycleID, mq cycle.MembershipQuery) ([]cycle.Membership, error) {
	order, err := cycle.ParseMembershipOrder(mq.Order)
	if err != nil {
		return nil, err
	}

	query := "SELECT id, cycle_id, partner_id, state, enrollment_date FROM cycle_memberships WHERE cycle_id = ?"
	args := []any{id}
	query, args = whereIn(query, args, "state", mq.States)
	query += orderBy(order) + limitOffset(mq.Limit, mq.Offset)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memberships: %w", err)
	}
	defer rows.Close()

	var members []cycle.Membership
	for rows.Next() {
		var mb cycle.Membership
		var enrolled string
		if err := rows.Scan(&mb.ID, &mb.CycleID, &mb.PartnerID, &mb.State, &enrolled); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		mb.EnrollmentDate = parseDate(enrolled)
		members = append(members, mb)
	}
	return members, rows.Err()
}

func (q *queries) CountMemberships(ctx context.Context, id cycle.CycleID, states []cycle.MembershipState) (int, error) {
	query, args := whereIn("SELECT COUNT(*) FROM cycle_memberships WHERE cycle_id = ?", []any{id}, "state", states)
	var n int
	err := q.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

func (q *queries) MemberPartnerIDs(ctx context.Context, id cycle.CycleID) ([]cycle.PartnerID, error) {
	rows, err := q.db.QueryContext(ctx, "SELECT partner_id FROM cycle_memberships WHERE cycle_id = ?", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []cycle.PartnerID
	for rows.Next() {
		var p cycle.PartnerID
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		ids = append(ids, p)
	}
	return ids, rows.Err()
}

// maxInArgs keeps IN lists well below SQLite's variable limit.
const maxInArgs = 500

func (q *queries) SetMembershipState(ctx context.Context, ids []cycle.MembershipID, state cycle.MembershipState) error {
	for start := 0; start < len(ids); start += maxInArgs {
		part := ids[start:min(start+maxInArgs, len(ids))]
		query, args := whereIn("UPDATE cycle_memberships SET state = ? WHERE 1 = 1", []any{state}, "id", part)
		if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to update memberships: %w", err)
		}
	}
	return nil
}

// =============================================================================
// PROGRAM MEMBERSHIPS
// =============================================================================

func (q *queries) EnrollProgramMembers(ctx context.Context, members []cycle.ProgramMembership) error {
	query := `
		INSERT INTO program_memberships (program_id, partner_id, state, enrollment_date)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(program_id, partner_id) DO UPDATE SET
			state = excluded.state,
			enrollment_date = excluded.enrollment_date
	`
	for _, pm := range members {
		if _, err := q.db.ExecContext(ctx, query, pm.ProgramID, pm.PartnerID, pm.State, pm.EnrollmentDate.String()); err != nil {
			return fmt.Errorf("failed to enroll program member: %w", err)
		}
	}
	return nil
}

func (q *queries) ListProgramMembers(ctx context.Context, programID cycle.ProgramID, states []cycle.MembershipState) ([]cycle.ProgramMembership, error) {
	query, args := whereIn(
		"SELECT program_id, partner_id, state, enrollment_date FROM program_memberships WHERE program_id = ?",
		[]any{programID}, "state", states)
	rows, err := q.db.QueryContext(ctx, query+" ORDER BY partner_id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query program members: %w", err)
	}
	defer rows.Close()

	var members []cycle.ProgramMembership
	for rows.Next() {
		var pm cycle.ProgramMembership
		var enrolled string
		if err := rows.Scan(&pm.ProgramID, &pm.PartnerID, &pm.State, &enrolled); err != nil {
			return nil, err
		}
		pm.EnrollmentDate = parseDate(enrolled)
		members = append(members, pm)
	}
	return members, rows.Err()
}

// =============================================================================
// ENTITLEMENTS
// =============================================================================

const entitlementColumns = `id, code, cycle_id, partner_id, kind, state, initial_amount, transfer_fee,
	currency, item, quantity, valid_from, valid_until, date_approved`

func (q *queries) SaveEntitlements(ctx context.Context, ents []cycle.Entitlement) error {
	query := `
		INSERT INTO entitlements (` + entitlementColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			initial_amount = excluded.initial_amount,
			transfer_fee = excluded.transfer_fee,
			valid_until = excluded.valid_until,
			date_approved = excluded.date_approved
	`
	for _, e := range ents {
		var approved sql.NullString
		if e.DateApproved != nil {
			approved = sql.NullString{String: e.DateApproved.String(), Valid: true}
		}
		_, err := q.db.ExecContext(ctx, query,
			e.ID, e.Code, e.CycleID, e.PartnerID, e.Kind, e.State,
			e.InitialAmount.String(), e.TransferFee.String(),
			e.Currency, e.Item, e.Quantity,
			e.ValidFrom.String(), e.ValidUntil.String(), approved,
		)
		if err != nil {
			return fmt.Errorf("failed to save entitlement: %w", err)
		}
	}
	return nil
}

func (q *queries) ListEntitlements(ctx context.Context, id cycle.CycleID, eq cycle.EntitlementQuery) ([]cycle.Entitlement, error) {
	order, err := cycle.ParseEntitlementOrder(eq.Order)
	if err != nil {
		return nil, err
	}

	// Partner filters can be long; query without them and filter here.
	query, args := entitlementFilter("SELECT "+entitlementColumns+" FROM entitlements WHERE cycle_id = ?", id, eq)
	if order.Column == "initial_amount" {
		query += " ORDER BY CAST(initial_amount AS REAL)"
		if order.Desc {
			query += " DESC"
		}
		query += ", id"
	} else {
		query += orderBy(order)
	}
	if len(eq.Partner) == 0 {
		query += limitOffset(eq.Limit, eq.Offset)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entitlements: %w", err)
	}
	defer rows.Close()

	var partners map[cycle.PartnerID]bool
	if len(eq.Partner) > 0 {
		partners = make(map[cycle.PartnerID]bool, len(eq.Partner))
		for _, p := range eq.Partner {
			partners[p] = true
		}
	}

	var ents []cycle.Entitlement
	for rows.Next() {
		e, err := scanEntitlement(rows)
		if err != nil {
			return nil, err
		}
		if partners != nil && !partners[e.PartnerID] {
			continue
		}
		ents = append(ents, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if partners != nil {
		ents = page(ents, eq.Offset, eq.Limit)
	}
	return ents, nil
}

func (q *queries) CountEntitlements(ctx context.Context, id cycle.CycleID, eq cycle.EntitlementQuery) (int, error) {
	if len(eq.Partner) > 0 {
		eq.Offset, eq.Limit = 0, 0
		ents, err := q.ListEntitlements(ctx, id, eq)
		return len(ents), err
	}
	query, args := entitlementFilter("SELECT COUNT(*) FROM entitlements WHERE cycle_id = ?", id, eq)
	var n int
	err := q.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

func entitlementFilter(query string, id cycle.CycleID, eq cycle.EntitlementQuery) (string, []any) {
	args := []any{id}
	if eq.Kind != "" {
		query += " AND kind = ?"
		args = append(args, eq.Kind)
	}
	return whereIn(query, args, "state", eq.States)
}

func scanEntitlement(row scanner) (cycle.Entitlement, error) {
	var (
		e                     cycle.Entitlement
		amount, fee           string
		validFrom, validUntil string
		approved              sql.NullString
	)
	err := row.Scan(
		&e.ID, &e.Code, &e.CycleID, &e.PartnerID, &e.Kind, &e.State,
		&amount, &fee, &e.Currency, &e.Item, &e.Quantity,
		&validFrom, &validUntil, &approved,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan entitlement: %w", err)
	}
	e.InitialAmount = parseDecimal(amount)
	e.TransferFee = parseDecimal(fee)
	e.ValidFrom = parseDate(validFrom)
	e.ValidUntil = parseDate(validUntil)
	if approved.Valid {
		d := parseDate(approved.String)
		e.DateApproved = &d
	}
	return e, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (q *queries) SavePaymentBatch(ctx context.Context, batch cycle.PaymentBatch, payments []cycle.Payment) error {
	_, err := q.db.ExecContext(ctx,
		"INSERT INTO payment_batches (id, cycle_id, name, created_at) VALUES (?, ?, ?, ?)",
		batch.ID, batch.CycleID, batch.Name, formatTime(batch.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save payment batch: %w", err)
	}
	for _, p := range payments {
		_, err := q.db.ExecContext(ctx, `
			INSERT INTO payments (id, batch_id, cycle_id, entitlement_id, partner_id, amount, currency, state)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.BatchID, p.CycleID, p.EntitlementID, p.PartnerID, p.Amount.String(), p.Currency, p.State,
		)
		if err != nil {
			return fmt.Errorf("failed to save payment: %w", err)
		}
	}
	return nil
}

func (q *queries) ListPaymentBatches(ctx context.Context, id cycle.CycleID) ([]cycle.PaymentBatch, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT id, cycle_id, name, created_at FROM payment_batches WHERE cycle_id = ? ORDER BY created_at, id", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []cycle.PaymentBatch
	for rows.Next() {
		var b cycle.PaymentBatch
		var createdAt string
		if err := rows.Scan(&b.ID, &b.CycleID, &b.Name, &createdAt); err != nil {
			return nil, err
		}
		b.CreatedAt = parseTime(createdAt)
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func (q *queries) ListPayments(ctx context.Context, id cycle.CycleID) ([]cycle.Payment, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, batch_id, cycle_id, entitlement_id, partner_id, amount, currency, state
		FROM payments WHERE cycle_id = ? ORDER BY batch_id, id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []cycle.Payment
	for rows.Next() {
		var p cycle.Payment
		var amount string
		if err := rows.Scan(&p.ID, &p.BatchID, &p.CycleID, &p.EntitlementID, &p.PartnerID, &amount, &p.Currency, &p.State); err != nil {
			return nil, err
		}
		p.Amount = parseDecimal(amount)
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (q *queries) CountPayments(ctx context.Context, id cycle.CycleID) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM payments WHERE cycle_id = ?", id).Scan(&n)
	return n, err
}

// =============================================================================
// EVENTS
// =============================================================================

func (q *queries) AppendEvent(ctx context.Context, e cycle.Event) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO cycle_events (cycle_id, operation, from_state, to_state, actor, message, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.CycleID, e.Operation, e.From, e.To, e.Actor, e.Message, formatTime(e.At),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (q *queries) ListEvents(ctx context.Context, id cycle.CycleID) ([]cycle.Event, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT cycle_id, operation, from_state, to_state, actor, message, at
		FROM cycle_events WHERE cycle_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []cycle.Event
	for rows.Next() {
		var e cycle.Event
		var at string
		if err := rows.Scan(&e.CycleID, &e.Operation, &e.From, &e.To, &e.Actor, &e.Message, &at); err != nil {
			return nil, err
		}
		e.At = parseTime(at)
		events = append(events, e)
	}
	return events, rows.Err()
}

// =============================================================================
// PROGRAM STORE
// =============================================================================

// ProgramRecord is a stored program with its JSON config.
type ProgramRecord struct {
	ID         string
	Name       string
	ConfigJSON string
	Version    int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SaveProgram saves a program record, bumping its version on update.
func (s *Store) SaveProgram(ctx context.Context, p ProgramRecord) error {
	query := `
		INSERT INTO programs (id, name, config_json, version, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			config_json = excluded.config_json,
			version = programs.version + 1,
			updated_at = excluded.updated_at
	`
	now := formatTime(time.Now().UTC())
	_, err := s.sqlDB.ExecContext(ctx, query, p.ID, p.Name, p.ConfigJSON, now, now)
	return err
}

// GetProgram retrieves a program by ID. Returns nil when absent.
func (s *Store) GetProgram(ctx context.Context, id string) (*ProgramRecord, error) {
	var p ProgramRecord
	var createdAt, updatedAt string
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT id, name, config_json, version, created_at, updated_at FROM programs WHERE id = ?", id,
	).Scan(&p.ID, &p.Name, &p.ConfigJSON, &p.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// ListPrograms returns all programs ordered by name.
func (s *Store) ListPrograms(ctx context.Context) ([]ProgramRecord, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT id, name, config_json, version, created_at, updated_at FROM programs ORDER BY name, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var programs []ProgramRecord
	for rows.Next() {
		var p ProgramRecord
		var createdAt, updatedAt string
		if err := rows.Scan(&p.ID, &p.Name, &p.ConfigJSON, &p.Version, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = parseTime(createdAt)
		p.UpdatedAt = parseTime(updatedAt)
		programs = append(programs, p)
	}
	return programs, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func whereIn[T any](query string, args []any, column string, values []T) (string, []any) {
	if len(values) == 0 {
		return query, args
	}
	query += " AND " + column + " IN (" + strings.TrimSuffix(strings.Repeat("?,", len(values)), ",") + ")"
	for _, v := range values {
		args = append(args, v)
	}
	return query, args
}

// orderBy renders a whitelisted order with id as tie breaker.
func orderBy(o cycle.OrderField) string {
	dir := ""
	if o.Desc {
		dir = " DESC"
	}
	if o.Column == "id" {
		return " ORDER BY id" + dir
	}
	return " ORDER BY " + o.Column + dir + ", id"
}

func limitOffset(limit, offset int) string {
	switch {
	case limit > 0:
		return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, max(offset, 0))
	case offset > 0:
		return fmt.Sprintf(" LIMIT -1 OFFSET %d", offset)
	default:
		return ""
	}
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	if offset > 0 {
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseDate(s string) cycle.Date {
	d, _ := cycle.ParseDate(s)
	return d
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
