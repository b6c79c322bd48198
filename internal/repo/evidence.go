package repo

import (
	"context"
	"database/sql"

	"sozledger/internal/domain"
)

const evidenceCols = `id,promise_id,type,submitted_by,verified,payload_json,hash,created_at`

func scanEvidence(scan func(dest ...any) error) (domain.Evidence, error) {
	var ev domain.Evidence
	var payload sql.NullString
	var verified int
	err := scan(&ev.ID, &ev.PromiseID, &ev.Type, &ev.SubmittedBy, &verified, &payload, &ev.Hash, &ev.CreatedAt)
	if err == sql.ErrNoRows {
		return ev, ErrNotFound
	}
	if err != nil {
		return ev, err
	}
	ev.Verified = verified != 0
	ev.Payload = decodeJSONMap(payload)
	return ev, nil
}

func (r Repo) InsertEvidence(ctx context.Context, tx *sql.Tx, ev domain.Evidence) error {
	payload, err := encodeJSONMap(ev.Payload)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO evidence(`+evidenceCols+`) VALUES (?,?,?,?,?,?,?,?)`,
		ev.ID, ev.PromiseID, ev.Type, ev.SubmittedBy, boolInt(ev.Verified), payload, ev.Hash, ev.CreatedAt)
	return err
}

func (r Repo) GetEvidence(ctx context.Context, id string) (domain.Evidence, error) {
	return scanEvidence(r.DB.QueryRowContext(ctx, `SELECT `+evidenceCols+` FROM evidence WHERE id=?`, id).Scan)
}

func (r Repo) GetEvidenceTx(ctx context.Context, tx *sql.Tx, id string) (domain.Evidence, error) {
	return scanEvidence(r.q(tx).QueryRowContext(ctx, `SELECT `+evidenceCols+` FROM evidence WHERE id=?`, id).Scan)
}

// ListEvidence returns all evidence for a promise in submission order.
func (r Repo) ListEvidence(ctx context.Context, promiseID string) ([]domain.Evidence, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+evidenceCols+` FROM evidence WHERE promise_id=? ORDER BY created_at, id`, promiseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Evidence
	for rows.Next() {
		ev, err := scanEvidence(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// MarkEvidenceVerified flips the verified flag on. It never clears it.
func (r Repo) MarkEvidenceVerified(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE evidence SET verified=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
