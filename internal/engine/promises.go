package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sozledger/internal/domain"
	"sozledger/internal/events"
	"sozledger/internal/repo"
)

type PromiseCreateOptions struct {
	PromisorID  string
	PromiseeID  string
	Description string
	Category    string
	Deadline    string
	ActorID     string
}

// CreatePromise records a new active promise. Both parties must be
// registered entities; a promise to oneself is allowed.
func (e *Engine) CreatePromise(ctx context.Context, opts PromiseCreateOptions) (domain.Promise, error) {
	if opts.PromisorID == "" {
		return domain.Promise{}, ValidationError{Field: "promisor_id", Msg: "is required"}
	}
	if opts.PromiseeID == "" {
		return domain.Promise{}, ValidationError{Field: "promisee_id", Msg: "is required"}
	}
	if opts.Description == "" {
		return domain.Promise{}, ValidationError{Field: "description", Msg: "is required"}
	}
	if opts.Category == "" {
		opts.Category = "custom"
	}
	var deadline *string
	if opts.Deadline != "" {
		t, err := time.Parse(time.RFC3339, opts.Deadline)
		if err != nil {
			return domain.Promise{}, ValidationError{Field: "deadline", Msg: "must be an RFC 3339 timestamp"}
		}
		d := t.UTC().Format(time.RFC3339)
		deadline = &d
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Promise{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetEntityTx(ctx, tx, opts.PromisorID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Promise{}, ValidationError{Field: "promisor_id", Msg: "unknown entity " + opts.PromisorID}
		}
		return domain.Promise{}, err
	}
	if opts.PromiseeID != opts.PromisorID {
		if _, err := e.Repo.GetEntityTx(ctx, tx, opts.PromiseeID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Promise{}, ValidationError{Field: "promisee_id", Msg: "unknown entity " + opts.PromiseeID}
			}
			return domain.Promise{}, err
		}
	}

	p := domain.Promise{
		ID:          newID("prm"),
		PromisorID:  opts.PromisorID,
		PromiseeID:  opts.PromiseeID,
		Description: opts.Description,
		Category:    opts.Category,
		Status:      domain.PromiseActive,
		Deadline:    deadline,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertPromise(ctx, tx, p); err != nil {
		return domain.Promise{}, fmt.Errorf("insert promise: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "promise.created", "promise", p.ID, opts.ActorID, promisePayload(p)); err != nil {
		return domain.Promise{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Promise{}, err
	}
	return p, nil
}

// TransitionPromise moves a promise out of the active state. Terminal
// promises never transition again, including to their current status.
// A successful transition triggers a trust score recompute for the
// promisor.
func (e *Engine) TransitionPromise(ctx context.Context, promiseID, newStatus, actorID string) (domain.Promise, error) {
	switch newStatus {
	case domain.PromiseFulfilled, domain.PromiseBroken, domain.PromiseDisputed:
	default:
		return domain.Promise{}, ValidationError{Field: "status", Msg: "must be fulfilled, broken, or disputed"}
	}

	existing, err := e.Repo.GetPromise(ctx, promiseID)
	if err != nil {
		return domain.Promise{}, err
	}
	unlock := e.locks.lock(existing.PromisorID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Promise{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetPromiseTx(ctx, tx, promiseID)
	if err != nil {
		return domain.Promise{}, err
	}
	if p.Status != domain.PromiseActive {
		return domain.Promise{}, InvalidTransitionError{PromiseID: p.ID, From: p.Status, To: newStatus}
	}

	p.Status = newStatus
	ts := e.now().UTC().Format(time.RFC3339)
	p.ResolvedAt = &ts
	if newStatus == domain.PromiseFulfilled {
		p.FulfilledAt = &ts
	}
	if err := e.Repo.UpdatePromiseStatus(ctx, tx, p.ID, p.Status, p.FulfilledAt, p.ResolvedAt); err != nil {
		return domain.Promise{}, err
	}
	if err := e.Events.Append(ctx, tx, "promise."+newStatus, "promise", p.ID, actorID, promisePayload(p)); err != nil {
		return domain.Promise{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Promise{}, err
	}

	e.scheduleRecompute(ctx, p.PromisorID)
	return p, nil
}

func promisePayload(p domain.Promise) events.EventPayload {
	payload := events.EventPayload{
		"id":          p.ID,
		"promisor_id": p.PromisorID,
		"promisee_id": p.PromiseeID,
		"description": p.Description,
		"category":    p.Category,
		"status":      p.Status,
		"created_at":  p.CreatedAt,
	}
	if p.Deadline != nil {
		payload["deadline"] = *p.Deadline
	}
	if p.FulfilledAt != nil {
		payload["fulfilled_at"] = *p.FulfilledAt
	}
	if p.ResolvedAt != nil {
		payload["resolved_at"] = *p.ResolvedAt
	}
	return payload
}
