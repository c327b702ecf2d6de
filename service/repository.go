package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/kofera/contractsign/model"
	_ "modernc.org/sqlite"
)

// Repository persists contracts and fields in SQLite. Every
// multi-statement lifecycle transition runs inside one transaction so
// a partial step is never observable.
type Repository struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS contracts (
	id TEXT PRIMARY KEY,
	filename TEXT NOT NULL,
	original_object TEXT NOT NULL,
	current_object TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS fields (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	contract_id TEXT NOT NULL REFERENCES contracts(id) ON DELETE CASCADE,
	kind TEXT NOT NULL,
	x REAL NOT NULL,
	y REAL NOT NULL,
	width REAL NOT NULL,
	height REAL NOT NULL,
	value TEXT
);

CREATE INDEX IF NOT EXISTS idx_fields_contract ON fields(contract_id);

-- At most one signature field per kind per contract.
CREATE UNIQUE INDEX IF NOT EXISTS idx_fields_student_signature
	ON fields(contract_id) WHERE kind = 'studentSignature';
CREATE UNIQUE INDEX IF NOT EXISTS idx_fields_parent_signature
	ON fields(contract_id) WHERE kind = 'parentSignature';
`

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// OpenRepository opens the SQLite database at path and applies the
// schema.
func OpenRepository(path string) (*Repository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}

	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Repository{db: db}, nil
}

// Close closes the underlying database handle.
func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// CreateContract inserts one contract record.
func (r *Repository) CreateContract(ctx context.Context, c *model.Contract) error {
	if c.ID == "" {
		return fmt.Errorf("contract id is required")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO contracts (id, filename, original_object, current_object, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Filename, c.OriginalObject, c.CurrentObject, string(c.Status),
		toMillis(c.CreatedAt), toMillis(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert contract: %w", err)
	}
	return nil
}

// GetContract loads one contract by id.
func (r *Repository) GetContract(ctx context.Context, id string) (*model.Contract, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, filename, original_object, current_object, status, created_at, updated_at
		 FROM contracts WHERE id = ?`, id)

	c, err := scanContract(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select contract: %w", err)
	}
	return c, nil
}

// ListContracts returns all contracts, newest first.
func (r *Repository) ListContracts(ctx context.Context) ([]*model.Contract, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, filename, original_object, current_object, status, created_at, updated_at
		 FROM contracts ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("select contracts: %w", err)
	}
	defer rows.Close()

	var contracts []*model.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contract: %w", err)
		}
		contracts = append(contracts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contracts: %w", err)
	}
	return contracts, nil
}

// ListFields returns a contract's fields ordered by insertion id.
func (r *Repository) ListFields(ctx context.Context, contractID string) ([]model.Field, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, contract_id, kind, x, y, width, height, value
		 FROM fields WHERE contract_id = ? ORDER BY id ASC`, contractID)
	if err != nil {
		return nil, fmt.Errorf("select fields: %w", err)
	}
	defer rows.Close()

	var fields []model.Field
	for rows.Next() {
		var f model.Field
		var kind string
		var value sql.NullString
		if err := rows.Scan(&f.ID, &f.ContractID, &kind, &f.X, &f.Y, &f.Width, &f.Height, &value); err != nil {
			return nil, fmt.Errorf("scan field: %w", err)
		}
		f.Kind = model.FieldKind(kind)
		if value.Valid {
			v := value.String
			f.Value = &v
		}
		fields = append(fields, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fields: %w", err)
	}
	return fields, nil
}

// ReplaceFields deletes the contract's field set, inserts the given
// layout and advances the status, all in one transaction. The current
// status must be one of from; the compare-and-swap on status is the
// single-in-flight-transition guard.
func (r *Repository) ReplaceFields(ctx context.Context, contractID string, specs []model.FieldSpec, from []model.ContractStatus, to model.ContractStatus) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if err := casStatus(ctx, tx, contractID, from, to); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM fields WHERE contract_id = ?`, contractID); err != nil {
			return fmt.Errorf("delete fields: %w", err)
		}
		for _, spec := range specs {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO fields (contract_id, kind, x, y, width, height) VALUES (?, ?, ?, ?, ?, ?)`,
				contractID, string(spec.Kind), spec.X, spec.Y, spec.Width, spec.Height)
			if err != nil {
				return fmt.Errorf("insert field: %w", err)
			}
		}
		return nil
	})
}

// BindValues records rendered field values, swaps the contract's
// current artifact pointer and advances the status in one transaction.
// Unknown field ids are the caller's bug, not tolerated here.
func (r *Repository) BindValues(ctx context.Context, contractID string, values map[int64]string, currentObject string, from []model.ContractStatus, to model.ContractStatus) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if err := casStatus(ctx, tx, contractID, from, to); err != nil {
			return err
		}
		for fieldID, value := range values {
			res, err := tx.ExecContext(ctx,
				`UPDATE fields SET value = ? WHERE id = ? AND contract_id = ?`,
				value, fieldID, contractID)
			if err != nil {
				return fmt.Errorf("bind field value: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("bind field value: %w", err)
			}
			if n == 0 {
				return fmt.Errorf("bind field value: field %d not found for contract %s", fieldID, contractID)
			}
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE contracts SET current_object = ?, updated_at = ? WHERE id = ?`,
			currentObject, toMillis(time.Now()), contractID)
		if err != nil {
			return fmt.Errorf("update current object: %w", err)
		}
		return nil
	})
}

// ResetContract clears every field value, points the current artifact
// back at the original and moves the contract to the given status.
func (r *Repository) ResetContract(ctx context.Context, contractID string, from []model.ContractStatus, to model.ContractStatus) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if err := casStatus(ctx, tx, contractID, from, to); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE fields SET value = NULL WHERE contract_id = ?`, contractID); err != nil {
			return fmt.Errorf("clear field values: %w", err)
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE contracts SET current_object = original_object, updated_at = ? WHERE id = ?`,
			toMillis(time.Now()), contractID)
		if err != nil {
			return fmt.Errorf("reset current object: %w", err)
		}
		return nil
	})
}

// UpdateStatus moves the contract from one of the given statuses to
// another with no other side effect.
func (r *Repository) UpdateStatus(ctx context.Context, contractID string, from []model.ContractStatus, to model.ContractStatus) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		return casStatus(ctx, tx, contractID, from, to)
	})
}

// inTx runs fn inside a transaction, rolling back on any error.
func (r *Repository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// casStatus is the compare-and-swap on contract status. It reports
// model.ErrNotFound for an unknown contract and
// model.ErrInvalidTransition when the current status is not in from.
func casStatus(ctx context.Context, tx *sql.Tx, contractID string, from []model.ContractStatus, to model.ContractStatus) error {
	var current string
	err := tx.QueryRowContext(ctx, `SELECT status FROM contracts WHERE id = ?`, contractID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("select status: %w", err)
	}

	allowed := false
	for _, s := range from {
		if model.ContractStatus(current) == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: contract %s is %s", model.ErrInvalidTransition, contractID, current)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE contracts SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), toMillis(time.Now()), contractID, current)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: contract %s changed concurrently", model.ErrInvalidTransition, contractID)
	}
	return nil
}

func scanContract(row interface{ Scan(...any) error }) (*model.Contract, error) {
	var c model.Contract
	var status string
	var createdAt, updatedAt int64
	if err := row.Scan(&c.ID, &c.Filename, &c.OriginalObject, &c.CurrentObject, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.Status = model.ContractStatus(status)
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return &c, nil
}
