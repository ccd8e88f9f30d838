// Package store persists accepted work orders and their transition audit
// trail in SQLite. A single writer connection in WAL mode serializes writes;
// the engine's in-memory structures remain the source of truth for active
// runs, the store is the durable record.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	v1 "github.com/agentgate/agentgate/pkg/api/v1"
)

const busyTimeout = 5 * time.Second

// ErrNotFound is returned when a work order id is unknown.
var ErrNotFound = errors.New("work order not found")

// Store is the SQLite-backed work-order store.
type Store struct {
	db *sqlx.DB
}

// workOrderRow is the persisted shape; the immutable spec is stored as JSON.
type workOrderRow struct {
	ID         string    `db:"id"`
	State      string    `db:"state"`
	RetryCount int       `db:"retry_count"`
	Priority   int       `db:"priority"`
	Spec       string    `db:"spec"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

type transitionRow struct {
	ID          string    `db:"id"`
	WorkOrderID string    `db:"work_order_id"`
	FromState   string    `db:"from_state"`
	ToState     string    `db:"to_state"`
	Event       string    `db:"event"`
	Metadata    string    `db:"metadata"`
	Timestamp   time.Time `db:"timestamp"`
}

// StoredWorkOrder pairs the immutable spec with its mutable lifecycle fields.
type StoredWorkOrder struct {
	WorkOrder  *v1.WorkOrder
	State      v1.WorkOrderState
	RetryCount int
	UpdatedAt  time.Time
}

// Open creates or opens the store at the given path, bootstrapping the
// schema. The DSN enables WAL and foreign keys; one open connection keeps
// SQLite's single-writer rule trivially satisfied.
func Open(dbPath string) (*Store, error) {
	normalized, err := normalizePath(dbPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(normalized), 0o755); err != nil {
		return nil, fmt.Errorf("preparing store directory: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		normalized,
		int(busyTimeout/time.Millisecond),
	)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS work_orders (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 0,
		spec TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transitions (
		id TEXT PRIMARY KEY,
		work_order_id TEXT NOT NULL REFERENCES work_orders(id),
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		event TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_work_orders_state ON work_orders(state);
	CREATE INDEX IF NOT EXISTS idx_transitions_work_order ON transitions(work_order_id, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveWorkOrder inserts an accepted work order in its initial state.
func (s *Store) SaveWorkOrder(ctx context.Context, wo *v1.WorkOrder, state v1.WorkOrderState) error {
	spec, err := json.Marshal(wo)
	if err != nil {
		return fmt.Errorf("encoding work order %s: %w", wo.ID, err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO work_orders (id, state, retry_count, priority, spec, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?, ?, ?)`,
		wo.ID, string(state), wo.Priority, string(spec), now, now)
	if err != nil {
		return fmt.Errorf("inserting work order %s: %w", wo.ID, err)
	}
	return nil
}

// UpdateState records the current lifecycle state and retry counter.
func (s *Store) UpdateState(ctx context.Context, workOrderID string, state v1.WorkOrderState, retryCount int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_orders SET state = ?, retry_count = ?, updated_at = ? WHERE id = ?`,
		string(state), retryCount, time.Now().UTC(), workOrderID)
	if err != nil {
		return fmt.Errorf("updating work order %s: %w", workOrderID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, workOrderID)
	}
	return nil
}

// GetWorkOrder loads one work order with its lifecycle fields.
func (s *Store) GetWorkOrder(ctx context.Context, workOrderID string) (*StoredWorkOrder, error) {
	var row workOrderRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM work_orders WHERE id = ?`, workOrderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, workOrderID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading work order %s: %w", workOrderID, err)
	}
	return row.toStored()
}

// ListByState returns work orders in the given state, oldest first.
func (s *Store) ListByState(ctx context.Context, state v1.WorkOrderState) ([]*StoredWorkOrder, error) {
	var rows []workOrderRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM work_orders WHERE state = ? ORDER BY updated_at ASC`, string(state))
	if err != nil {
		return nil, fmt.Errorf("listing work orders in %s: %w", state, err)
	}
	out := make([]*StoredWorkOrder, 0, len(rows))
	for _, row := range rows {
		stored, err := row.toStored()
		if err != nil {
			return nil, err
		}
		out = append(out, stored)
	}
	return out, nil
}

func (r workOrderRow) toStored() (*StoredWorkOrder, error) {
	var wo v1.WorkOrder
	if err := json.Unmarshal([]byte(r.Spec), &wo); err != nil {
		return nil, fmt.Errorf("decoding work order %s: %w", r.ID, err)
	}
	return &StoredWorkOrder{
		WorkOrder:  &wo,
		State:      v1.WorkOrderState(r.State),
		RetryCount: r.RetryCount,
		UpdatedAt:  r.UpdatedAt,
	}, nil
}

// AppendTransition records one audit entry. Metadata is stored as JSON.
func (s *Store) AppendTransition(ctx context.Context, workOrderID string, tr v1.Transition) error {
	metadata := "{}"
	if tr.Metadata != nil {
		data, err := json.Marshal(tr.Metadata)
		if err != nil {
			return fmt.Errorf("encoding transition metadata: %w", err)
		}
		metadata = string(data)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transitions (id, work_order_id, from_state, to_state, event, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, workOrderID, string(tr.From), string(tr.To), string(tr.Event), metadata, tr.Timestamp)
	if err != nil {
		return fmt.Errorf("appending transition for %s: %w", workOrderID, err)
	}
	return nil
}

// Transitions returns the audit trail for one work order in insertion order.
func (s *Store) Transitions(ctx context.Context, workOrderID string) ([]v1.Transition, error) {
	var rows []transitionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM transitions WHERE work_order_id = ? ORDER BY timestamp ASC, id ASC`,
		workOrderID)
	if err != nil {
		return nil, fmt.Errorf("loading transitions for %s: %w", workOrderID, err)
	}
	out := make([]v1.Transition, 0, len(rows))
	for _, row := range rows {
		tr := v1.Transition{
			ID:        row.ID,
			From:      v1.WorkOrderState(row.FromState),
			To:        v1.WorkOrderState(row.ToState),
			Event:     v1.TransitionEvent(row.Event),
			Timestamp: row.Timestamp,
		}
		if row.Metadata != "" && row.Metadata != "{}" {
			if err := json.Unmarshal([]byte(row.Metadata), &tr.Metadata); err != nil {
				return nil, fmt.Errorf("decoding transition metadata: %w", err)
			}
		}
		out = append(out, tr)
	}
	return out, nil
}

// CountByState returns a state -> count map for health and status reporting.
func (s *Store) CountByState(ctx context.Context) (map[v1.WorkOrderState]int, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT state, COUNT(*) AS n FROM work_orders GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("counting work orders: %w", err)
	}
	defer rows.Close()

	out := make(map[v1.WorkOrderState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[v1.WorkOrderState(state)] = n
	}
	return out, rows.Err()
}

func normalizePath(dbPath string) (string, error) {
	if dbPath == "" {
		return "", errors.New("store path is empty")
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return "", fmt.Errorf("resolving store path: %w", err)
	}
	return abs, nil
}
