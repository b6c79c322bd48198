package repo

import (
	"context"
	"database/sql"
	"strings"

	"sozledger/internal/domain"
)

const eventCols = `id,event_id,ts,type,entity_kind,entity_id,actor_id,payload_json`

func scanEvent(scan func(dest ...any) error) (domain.Event, error) {
	var e domain.Event
	var entityID, actorID sql.NullString
	err := scan(&e.ID, &e.EventID, &e.TS, &e.Type, &e.EntityKind, &entityID, &actorID, &e.Payload)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if entityID.Valid {
		e.EntityID = entityID.String
	}
	if actorID.Valid {
		e.ActorID = actorID.String
	}
	return e, nil
}

// EventsAfter returns events with id greater than cursor in append
// order. The dispatcher and log tailers page through the stream with
// it.
func (r Repo) EventsAfter(ctx context.Context, cursor int64, limit int, evtType, entityID string) ([]domain.Event, error) {
	clauses := []string{"id > ?"}
	args := []any{cursor}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	query := `SELECT ` + eventCols + ` FROM events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents returns the most recent events, newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityID string) ([]domain.Event, error) {
	var clauses []string
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	query := `SELECT ` + eventCols + ` FROM events ` + whereSQL(clauses) + ` ORDER BY id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the highest event id, 0 when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}
