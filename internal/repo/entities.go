package repo

import (
	"context"
	"database/sql"

	"sozledger/internal/domain"
)

const entityCols = `id,name,type,public_key,metadata_json,created_at`

func scanEntity(scan func(dest ...any) error) (domain.Entity, error) {
	var e domain.Entity
	var pubKey, metadata sql.NullString
	err := scan(&e.ID, &e.Name, &e.Type, &pubKey, &metadata, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if pubKey.Valid {
		e.PublicKey = &pubKey.String
	}
	e.Metadata = decodeJSONMap(metadata)
	return e, nil
}

func (r Repo) InsertEntity(ctx context.Context, tx *sql.Tx, e domain.Entity) error {
	metadata, err := encodeJSONMap(e.Metadata)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO entities(`+entityCols+`) VALUES (?,?,?,?,?,?)`,
		e.ID, e.Name, e.Type, nullableStringPtr(e.PublicKey), metadata, e.CreatedAt)
	return err
}

func (r Repo) GetEntity(ctx context.Context, id string) (domain.Entity, error) {
	return scanEntity(r.DB.QueryRowContext(ctx, `SELECT `+entityCols+` FROM entities WHERE id=?`, id).Scan)
}

func (r Repo) GetEntityTx(ctx context.Context, tx *sql.Tx, id string) (domain.Entity, error) {
	return scanEntity(r.q(tx).QueryRowContext(ctx, `SELECT `+entityCols+` FROM entities WHERE id=?`, id).Scan)
}

type EntityFilters struct {
	Type            string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListEntities(ctx context.Context, f EntityFilters) ([]domain.Entity, error) {
	var clauses []string
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	clauses, args = cursorClause(clauses, args, f.CursorCreatedAt, f.CursorID)
	query := `SELECT ` + entityCols + ` FROM entities ` + whereSQL(clauses) + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Entity
	for rows.Next() {
		e, err := scanEntity(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// UpdateEntityMetadata replaces the metadata document. Other entity
// fields are immutable after registration.
func (r Repo) UpdateEntityMetadata(ctx context.Context, tx *sql.Tx, id string, metadata map[string]any) error {
	encoded, err := encodeJSONMap(metadata)
	if err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE entities SET metadata_json=? WHERE id=?`, encoded, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
