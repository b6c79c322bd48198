package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"sozledger/internal/domain"
	"sozledger/internal/repo"
)

// EventTypes every webhook subscription may select from.
var SubscribableEvents = map[string]bool{
	"entity.created":     true,
	"promise.created":    true,
	"promise.fulfilled":  true,
	"promise.broken":     true,
	"promise.disputed":   true,
	"evidence.submitted": true,
	"evidence.verified":  true,
	"score.updated":      true,
}

type WebhookCreateOptions struct {
	EntityID   string
	URL        string
	EventTypes []string
}

// RegisterWebhook creates a subscription and mints its signing secret.
// Like API keys, the secret is returned once and then only used
// server-side to sign deliveries.
func (e *Engine) RegisterWebhook(ctx context.Context, opts WebhookCreateOptions) (domain.Webhook, error) {
	if opts.EntityID == "" {
		return domain.Webhook{}, ValidationError{Field: "entity_id", Msg: "is required"}
	}
	if err := validateWebhookURL(opts.URL); err != nil {
		return domain.Webhook{}, err
	}
	if err := validateEventTypes(opts.EventTypes); err != nil {
		return domain.Webhook{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Webhook{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetEntityTx(ctx, tx, opts.EntityID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Webhook{}, ValidationError{Field: "entity_id", Msg: "unknown entity " + opts.EntityID}
		}
		return domain.Webhook{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	wh := domain.Webhook{
		ID:         newID("wh"),
		EntityID:   opts.EntityID,
		URL:        opts.URL,
		EventTypes: opts.EventTypes,
		IsActive:   true,
		Secret:     newSecret("whsec_", 24),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.Repo.InsertWebhook(ctx, tx, wh); err != nil {
		return domain.Webhook{}, fmt.Errorf("insert webhook: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Webhook{}, err
	}
	return wh, nil
}

// UpdateWebhook patches url, subscriptions, or the active flag. The
// secret never changes; re-keying means delete and register again.
func (e *Engine) UpdateWebhook(ctx context.Context, id string, upd repo.WebhookUpdate) (domain.Webhook, error) {
	if upd.URL != nil {
		if err := validateWebhookURL(*upd.URL); err != nil {
			return domain.Webhook{}, err
		}
	}
	if upd.EventTypes != nil {
		if err := validateEventTypes(upd.EventTypes); err != nil {
			return domain.Webhook{}, err
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Webhook{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateWebhook(ctx, tx, id, upd, now); err != nil {
		return domain.Webhook{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Webhook{}, err
	}
	return e.Repo.GetWebhook(ctx, id)
}

func (e *Engine) DeleteWebhook(ctx context.Context, id string) error {
	return e.Repo.DeleteWebhook(ctx, id)
}

func validateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ValidationError{Field: "url", Msg: "must be an http or https URL"}
	}
	return nil
}

func validateEventTypes(types []string) error {
	if len(types) == 0 {
		return ValidationError{Field: "event_types", Msg: "needs at least one event type"}
	}
	for _, t := range types {
		if !SubscribableEvents[t] {
			return ValidationError{Field: "event_types", Msg: "unknown event type " + t}
		}
	}
	return nil
}
