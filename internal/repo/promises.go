package repo

import (
	"context"
	"database/sql"

	"sozledger/internal/domain"
)

const promiseCols = `id,promisor_id,promisee_id,description,category,status,deadline,created_at,fulfilled_at,resolved_at`

func scanPromise(scan func(dest ...any) error) (domain.Promise, error) {
	var p domain.Promise
	var deadline, fulfilledAt, resolvedAt sql.NullString
	err := scan(&p.ID, &p.PromisorID, &p.PromiseeID, &p.Description, &p.Category, &p.Status, &deadline, &p.CreatedAt, &fulfilledAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if deadline.Valid {
		p.Deadline = &deadline.String
	}
	if fulfilledAt.Valid {
		p.FulfilledAt = &fulfilledAt.String
	}
	if resolvedAt.Valid {
		p.ResolvedAt = &resolvedAt.String
	}
	return p, nil
}

func (r Repo) InsertPromise(ctx context.Context, tx *sql.Tx, p domain.Promise) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO promises(`+promiseCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.PromisorID, p.PromiseeID, p.Description, p.Category, p.Status,
		nullableStringPtr(p.Deadline), p.CreatedAt, nullableStringPtr(p.FulfilledAt), nullableStringPtr(p.ResolvedAt))
	return err
}

func (r Repo) GetPromise(ctx context.Context, id string) (domain.Promise, error) {
	return scanPromise(r.DB.QueryRowContext(ctx, `SELECT `+promiseCols+` FROM promises WHERE id=?`, id).Scan)
}

func (r Repo) GetPromiseTx(ctx context.Context, tx *sql.Tx, id string) (domain.Promise, error) {
	return scanPromise(r.q(tx).QueryRowContext(ctx, `SELECT `+promiseCols+` FROM promises WHERE id=?`, id).Scan)
}

// UpdatePromiseStatus sets the status and settlement timestamps. Every
// terminal transition records resolved_at; only fulfillment also records
// fulfilled_at. Callers enforce the transition rules.
func (r Repo) UpdatePromiseStatus(ctx context.Context, tx *sql.Tx, id, status string, fulfilledAt, resolvedAt *string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE promises SET status=?, fulfilled_at=?, resolved_at=? WHERE id=?`,
		status, nullableStringPtr(fulfilledAt), nullableStringPtr(resolvedAt), id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type PromiseFilters struct {
	PromisorID      string
	PromiseeID      string
	Status          string
	Category        string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListPromises(ctx context.Context, f PromiseFilters) ([]domain.Promise, error) {
	var clauses []string
	var args []any
	if f.PromisorID != "" {
		clauses = append(clauses, "promisor_id=?")
		args = append(args, f.PromisorID)
	}
	if f.PromiseeID != "" {
		clauses = append(clauses, "promisee_id=?")
		args = append(args, f.PromiseeID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	clauses, args = cursorClause(clauses, args, f.CursorCreatedAt, f.CursorID)
	query := `SELECT ` + promiseCols + ` FROM promises ` + whereSQL(clauses) + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Promise
	for rows.Next() {
		p, err := scanPromise(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ListPromisesByPromisor returns every promise made by an entity, most
// recently resolved first. The score engine walks this history to compute
// the streak, so settlement order matters, not creation order. SQLite
// sorts NULL last under DESC, which pushes still-active promises to the
// tail. No pagination here.
func (r Repo) ListPromisesByPromisor(ctx context.Context, tx *sql.Tx, promisorID string) ([]domain.Promise, error) {
	rows, err := r.q(tx).QueryContext(ctx,
		`SELECT `+promiseCols+` FROM promises WHERE promisor_id=? ORDER BY resolved_at DESC, created_at DESC, id DESC`, promisorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Promise
	for rows.Next() {
		p, err := scanPromise(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
