package server

import (
	"sozledger/internal/domain"
)

// Request payloads

type CreateEntityRequest struct {
	Name      string         `json:"name"`
	Type      string         `json:"type" example:"ai_agent"`
	PublicKey *string        `json:"public_key,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type UpdateEntityMetadataRequest struct {
	Metadata map[string]any `json:"metadata"`
}

type CreatePromiseRequest struct {
	PromisorID  string  `json:"promisor_id"`
	PromiseeID  string  `json:"promisee_id"`
	Description string  `json:"description"`
	Category    *string `json:"category,omitempty"`
	Deadline    *string `json:"deadline,omitempty" format:"date-time"`
}

type UpdatePromiseStatusRequest struct {
	Status string `json:"status" enum:"fulfilled,broken,disputed"`
}

type CreateEvidenceRequest struct {
	Type        string         `json:"type"`
	SubmittedBy *string        `json:"submitted_by,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

type CreateWebhookRequest struct {
	EntityID   *string  `json:"entity_id,omitempty"`
	URL        string   `json:"url"`
	EventTypes []string `json:"event_types"`
}

type UpdateWebhookRequest struct {
	URL        *string  `json:"url,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
	IsActive   *bool    `json:"is_active,omitempty"`
}

// Response payloads

// EntityWithKeyResponse is returned only from registration; the api_key
// is never retrievable again.
type EntityWithKeyResponse struct {
	domain.Entity
	APIKey string `json:"api_key"`
}

// WebhookResponse carries the signing secret only when the hook was
// just created.
type WebhookResponse struct {
	ID         string   `json:"id"`
	EntityID   string   `json:"entity_id"`
	URL        string   `json:"url"`
	EventTypes []string `json:"event_types"`
	IsActive   bool     `json:"is_active"`
	Secret     string   `json:"secret,omitempty"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
	UpdatedAt  string   `json:"updated_at" format:"date-time"`
}

func webhookResponse(wh domain.Webhook, includeSecret bool) WebhookResponse {
	resp := WebhookResponse{
		ID:         wh.ID,
		EntityID:   wh.EntityID,
		URL:        wh.URL,
		EventTypes: wh.EventTypes,
		IsActive:   wh.IsActive,
		CreatedAt:  wh.CreatedAt,
		UpdatedAt:  wh.UpdatedAt,
	}
	if includeSecret {
		resp.Secret = wh.Secret
	}
	return resp
}

type ScoreHistoryResponse struct {
	EntityID string                     `json:"entity_id"`
	History  []domain.ScoreHistoryEntry `json:"history"`
}

type paginatedEntities struct {
	Items      []domain.Entity `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedPromises struct {
	Items      []domain.Promise `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

func nonNilEntities(in []domain.Entity) []domain.Entity {
	if in == nil {
		return []domain.Entity{}
	}
	return in
}

func nonNilPromises(in []domain.Promise) []domain.Promise {
	if in == nil {
		return []domain.Promise{}
	}
	return in
}

func nonNilEvidence(in []domain.Evidence) []domain.Evidence {
	if in == nil {
		return []domain.Evidence{}
	}
	return in
}

func nonNilWebhooks(in []domain.Webhook, includeSecret bool) []WebhookResponse {
	res := make([]WebhookResponse, 0, len(in))
	for _, wh := range in {
		res = append(res, webhookResponse(wh, includeSecret))
	}
	return res
}

func nonNilDeliveryLogs(in []domain.DeliveryLog) []domain.DeliveryLog {
	if in == nil {
		return []domain.DeliveryLog{}
	}
	return in
}

func nonNilEvents(in []domain.Event) []domain.Event {
	if in == nil {
		return []domain.Event{}
	}
	return in
}

func nonNilHistory(in []domain.ScoreHistoryEntry) []domain.ScoreHistoryEntry {
	if in == nil {
		return []domain.ScoreHistoryEntry{}
	}
	return in
}
