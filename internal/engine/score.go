package engine

import (
	"context"
	"errors"
	"math"
	"time"

	"sozledger/internal/domain"
	"sozledger/internal/events"
	"sozledger/internal/repo"
)

// UnratedLevel is the level reported before an entity has enough
// settled promises to qualify for a numeric score.
const UnratedLevel = "Unrated"

func (e *Engine) scheduleRecompute(ctx context.Context, entityID string) {
	if e.SyncScoring {
		// Caller already holds the entity lock.
		_ = e.recomputeLocked(ctx, entityID)
		return
	}
	go func() {
		unlock := e.locks.lock(entityID)
		defer unlock()
		// Recompute failure leaves the previous snapshot in place;
		// the next transition retries it.
		_ = e.recomputeLocked(context.Background(), entityID)
	}()
}

// RecomputeScore rebuilds the trust score snapshot for an entity from
// its full promise history, appends a history row, and emits
// score.updated.
func (e *Engine) RecomputeScore(ctx context.Context, entityID string) (domain.TrustScore, error) {
	unlock := e.locks.lock(entityID)
	defer unlock()
	if err := e.recomputeLocked(ctx, entityID); err != nil {
		return domain.TrustScore{}, err
	}
	return e.Repo.GetTrustScore(ctx, entityID)
}

func (e *Engine) recomputeLocked(ctx context.Context, entityID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetEntityTx(ctx, tx, entityID); err != nil {
		return err
	}
	promises, err := e.Repo.ListPromisesByPromisor(ctx, tx, entityID)
	if err != nil {
		return err
	}

	now := e.now().UTC().Format(time.RFC3339)
	ts := e.computeScore(entityID, promises)
	ts.LastUpdated = &now

	if err := e.Repo.UpsertTrustScore(ctx, tx, ts); err != nil {
		return err
	}
	if err := e.Repo.AppendScoreHistory(ctx, tx, entityID, ts.OverallScore, ts.Level, ts.ScoreVersion, now); err != nil {
		return err
	}
	payload := events.EventPayload{
		"entity_id":       entityID,
		"level":           ts.Level,
		"rated":           ts.Rated,
		"total_promises":  ts.TotalPromises,
		"fulfilled_count": ts.FulfilledCount,
		"broken_count":    ts.BrokenCount,
		"streak":          ts.Streak,
		"score_version":   ts.ScoreVersion,
	}
	if ts.OverallScore != nil {
		payload["overall_score"] = *ts.OverallScore
	}
	if err := e.Events.Append(ctx, tx, "score.updated", "entity", entityID, "", payload); err != nil {
		return err
	}
	return tx.Commit()
}

// computeScore derives the snapshot from promise history. Promises
// arrive most recent first. Only settled promises count; disputed ones
// are excluded from the fulfillment ratio and break no streak.
func (e *Engine) computeScore(entityID string, promises []domain.Promise) domain.TrustScore {
	policy := e.Config.Scoring
	ts := domain.TrustScore{
		EntityID:     entityID,
		Level:        UnratedLevel,
		ScoreVersion: policy.Version,
	}

	var delaySum float64
	var delayCount int
	streakDone := false
	catFulfilled := map[string]int{}
	catSettled := map[string]int{}

	for _, p := range promises {
		if !p.Terminal() {
			continue
		}
		ts.TotalPromises++
		switch p.Status {
		case domain.PromiseFulfilled:
			ts.FulfilledCount++
			catFulfilled[p.Category]++
			catSettled[p.Category]++
			if !streakDone {
				ts.Streak++
			}
			if p.Deadline != nil && p.FulfilledAt != nil {
				deadline, err1 := time.Parse(time.RFC3339, *p.Deadline)
				done, err2 := time.Parse(time.RFC3339, *p.FulfilledAt)
				if err1 == nil && err2 == nil {
					delaySum += math.Max(0, done.Sub(deadline).Hours())
					delayCount++
				}
			}
		case domain.PromiseBroken:
			ts.BrokenCount++
			catSettled[p.Category]++
			streakDone = true
		case domain.PromiseDisputed:
			// Neither extends nor breaks the streak.
		}
	}

	if delayCount > 0 {
		ts.AvgDelayHours = delaySum / float64(delayCount)
	}

	settled := ts.FulfilledCount + ts.BrokenCount
	if ts.TotalPromises < policy.MinPromises || settled == 0 {
		return ts
	}

	fulfillRatio := float64(ts.FulfilledCount) / float64(settled)
	streakFactor := math.Min(float64(ts.Streak), float64(policy.StreakCap)) / float64(policy.StreakCap)
	delayFactor := policy.GraceHours / (policy.GraceHours + ts.AvgDelayHours)

	score := 100 * (policy.FulfillWeight*fulfillRatio + policy.StreakWeight*streakFactor + policy.DelayWeight*delayFactor)
	score = math.Round(score*10) / 10

	ts.OverallScore = &score
	ts.Rated = true
	ts.Level = policy.Level(score)

	ts.CategoryScores = map[string]float64{}
	for cat, n := range catSettled {
		if n == 0 {
			continue
		}
		ratio := float64(catFulfilled[cat]) / float64(n)
		ts.CategoryScores[cat] = math.Round(1000*ratio) / 10
	}
	return ts
}

// ScoreFor returns the stored snapshot, synthesizing an unrated one
// for entities that have never been scored. EntityName is filled in
// either way.
func (e *Engine) ScoreFor(ctx context.Context, entityID string) (domain.TrustScore, error) {
	ent, err := e.Repo.GetEntity(ctx, entityID)
	if err != nil {
		return domain.TrustScore{}, err
	}
	ts, err := e.Repo.GetTrustScore(ctx, entityID)
	if errors.Is(err, repo.ErrNotFound) {
		ts = domain.TrustScore{
			EntityID:     entityID,
			Level:        UnratedLevel,
			ScoreVersion: e.Config.Scoring.Version,
		}
	} else if err != nil {
		return domain.TrustScore{}, err
	}
	ts.EntityName = ent.Name
	return ts, nil
}
