package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"sozledger/internal/domain"
	"sozledger/internal/events"
	"sozledger/internal/repo"
)

// HashPayload digests an evidence payload over its JCS canonical form,
// so key order and whitespace never change the hash.
func HashPayload(payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal evidence payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize evidence payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

type EvidenceCreateOptions struct {
	PromiseID   string
	Type        string
	SubmittedBy string
	Payload     map[string]any
	ActorID     string
}

// SubmitEvidence attaches an immutable artifact to a promise. Evidence
// is accepted in any promise state.
func (e *Engine) SubmitEvidence(ctx context.Context, opts EvidenceCreateOptions) (domain.Evidence, error) {
	if opts.Type == "" {
		return domain.Evidence{}, ValidationError{Field: "type", Msg: "is required"}
	}
	if opts.SubmittedBy == "" {
		return domain.Evidence{}, ValidationError{Field: "submitted_by", Msg: "is required"}
	}
	hash, err := HashPayload(opts.Payload)
	if err != nil {
		return domain.Evidence{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Evidence{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetPromiseTx(ctx, tx, opts.PromiseID); err != nil {
		return domain.Evidence{}, err
	}
	if _, err := e.Repo.GetEntityTx(ctx, tx, opts.SubmittedBy); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Evidence{}, ValidationError{Field: "submitted_by", Msg: "unknown entity " + opts.SubmittedBy}
		}
		return domain.Evidence{}, err
	}

	ev := domain.Evidence{
		ID:          newID("ev"),
		PromiseID:   opts.PromiseID,
		Type:        opts.Type,
		SubmittedBy: opts.SubmittedBy,
		Payload:     opts.Payload,
		Hash:        hash,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertEvidence(ctx, tx, ev); err != nil {
		return domain.Evidence{}, fmt.Errorf("insert evidence: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "evidence.submitted", "evidence", ev.ID, opts.ActorID, events.EventPayload{
		"id":           ev.ID,
		"promise_id":   ev.PromiseID,
		"type":         ev.Type,
		"submitted_by": ev.SubmittedBy,
		"hash":         ev.Hash,
	}); err != nil {
		return domain.Evidence{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Evidence{}, err
	}
	return ev, nil
}

// VerifyEvidence marks evidence as verified. Verification is monotone
// and idempotent; verifying twice is a no-op and emits no second
// event.
func (e *Engine) VerifyEvidence(ctx context.Context, evidenceID, actorID string) (domain.Evidence, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Evidence{}, err
	}
	defer tx.Rollback()

	ev, err := e.Repo.GetEvidenceTx(ctx, tx, evidenceID)
	if err != nil {
		return domain.Evidence{}, err
	}
	if ev.Verified {
		return ev, nil
	}
	if err := e.Repo.MarkEvidenceVerified(ctx, tx, ev.ID); err != nil {
		return domain.Evidence{}, err
	}
	ev.Verified = true
	if err := e.Events.Append(ctx, tx, "evidence.verified", "evidence", ev.ID, actorID, events.EventPayload{
		"id":         ev.ID,
		"promise_id": ev.PromiseID,
		"hash":       ev.Hash,
	}); err != nil {
		return domain.Evidence{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Evidence{}, err
	}
	return ev, nil
}
