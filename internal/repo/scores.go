package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"sozledger/internal/domain"
)

const scoreCols = `entity_id,overall_score,level,rated,total_promises,fulfilled_count,broken_count,avg_delay_hours,category_scores_json,streak,score_version,last_updated`

func scanTrustScore(scan func(dest ...any) error) (domain.TrustScore, error) {
	var ts domain.TrustScore
	var score sql.NullFloat64
	var rated int
	var categories, lastUpdated sql.NullString
	err := scan(&ts.EntityID, &score, &ts.Level, &rated, &ts.TotalPromises, &ts.FulfilledCount,
		&ts.BrokenCount, &ts.AvgDelayHours, &categories, &ts.Streak, &ts.ScoreVersion, &lastUpdated)
	if err == sql.ErrNoRows {
		return ts, ErrNotFound
	}
	if err != nil {
		return ts, err
	}
	if score.Valid {
		ts.OverallScore = &score.Float64
	}
	ts.Rated = rated != 0
	if categories.Valid && categories.String != "" {
		_ = json.Unmarshal([]byte(categories.String), &ts.CategoryScores)
	}
	if lastUpdated.Valid {
		ts.LastUpdated = &lastUpdated.String
	}
	return ts, nil
}

// UpsertTrustScore replaces the score snapshot for an entity.
func (r Repo) UpsertTrustScore(ctx context.Context, tx *sql.Tx, ts domain.TrustScore) error {
	var categories any
	if len(ts.CategoryScores) > 0 {
		data, err := json.Marshal(ts.CategoryScores)
		if err != nil {
			return err
		}
		categories = string(data)
	}
	var score any
	if ts.OverallScore != nil {
		score = *ts.OverallScore
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO trust_scores(`+scoreCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(entity_id) DO UPDATE SET
			overall_score=excluded.overall_score, level=excluded.level, rated=excluded.rated,
			total_promises=excluded.total_promises, fulfilled_count=excluded.fulfilled_count,
			broken_count=excluded.broken_count, avg_delay_hours=excluded.avg_delay_hours,
			category_scores_json=excluded.category_scores_json, streak=excluded.streak,
			score_version=excluded.score_version, last_updated=excluded.last_updated`,
		ts.EntityID, score, ts.Level, boolInt(ts.Rated), ts.TotalPromises, ts.FulfilledCount,
		ts.BrokenCount, ts.AvgDelayHours, categories, ts.Streak, ts.ScoreVersion,
		nullableStringPtr(ts.LastUpdated))
	return err
}

func (r Repo) GetTrustScore(ctx context.Context, entityID string) (domain.TrustScore, error) {
	return scanTrustScore(r.DB.QueryRowContext(ctx,
		`SELECT `+scoreCols+` FROM trust_scores WHERE entity_id=?`, entityID).Scan)
}

// AppendScoreHistory records one snapshot row. History is append only;
// nothing updates or deletes these rows.
func (r Repo) AppendScoreHistory(ctx context.Context, tx *sql.Tx, entityID string, score *float64, level, version, recordedAt string) error {
	var s any
	if score != nil {
		s = *score
	}
	_, err := r.q(tx).ExecContext(ctx,
		`INSERT INTO score_history(entity_id,score,level,score_version,recorded_at) VALUES (?,?,?,?,?)`,
		entityID, s, level, version, recordedAt)
	return err
}

// ListScoreHistory returns snapshots oldest first, optionally capped to
// the most recent limit entries.
func (r Repo) ListScoreHistory(ctx context.Context, entityID string, limit int) ([]domain.ScoreHistoryEntry, error) {
	query := `SELECT score,level,score_version,recorded_at FROM score_history WHERE entity_id=? ORDER BY id`
	args := []any{entityID}
	if limit > 0 {
		query = `SELECT score,level,score_version,recorded_at FROM (
			SELECT id,score,level,score_version,recorded_at FROM score_history WHERE entity_id=? ORDER BY id DESC LIMIT ?
		) ORDER BY id`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ScoreHistoryEntry
	for rows.Next() {
		var entry domain.ScoreHistoryEntry
		var score sql.NullFloat64
		if err := rows.Scan(&score, &entry.Level, &entry.Version, &entry.Timestamp); err != nil {
			return nil, err
		}
		if score.Valid {
			entry.Score = &score.Float64
		}
		res = append(res, entry)
	}
	return res, rows.Err()
}
