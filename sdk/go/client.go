package sozledgersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a Soz Ledger HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Entity is a registered ledger participant.
type Entity struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Type      string         `json:"type"`
	PublicKey *string        `json:"public_key,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"created_at"`
	// APIKey is only present in the registration response.
	APIKey string `json:"api_key,omitempty"`
}

type Promise struct {
	ID          string  `json:"id"`
	PromisorID  string  `json:"promisor_id"`
	PromiseeID  string  `json:"promisee_id"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Status      string  `json:"status"`
	Deadline    *string `json:"deadline,omitempty"`
	CreatedAt   string  `json:"created_at"`
	FulfilledAt *string `json:"fulfilled_at,omitempty"`
	ResolvedAt  *string `json:"resolved_at,omitempty"`
}

type Evidence struct {
	ID          string         `json:"id"`
	PromiseID   string         `json:"promise_id"`
	Type        string         `json:"type"`
	SubmittedBy string         `json:"submitted_by"`
	Verified    bool           `json:"verified"`
	Payload     map[string]any `json:"payload,omitempty"`
	Hash        string         `json:"hash"`
	CreatedAt   string         `json:"created_at"`
}

type TrustScore struct {
	EntityID       string             `json:"entity_id"`
	EntityName     string             `json:"entity_name,omitempty"`
	OverallScore   *float64           `json:"overall_score"`
	Level          string             `json:"level"`
	Rated          bool               `json:"rated"`
	TotalPromises  int                `json:"total_promises"`
	FulfilledCount int                `json:"fulfilled_count"`
	BrokenCount    int                `json:"broken_count"`
	AvgDelayHours  float64            `json:"avg_delay_hours"`
	CategoryScores map[string]float64 `json:"category_scores,omitempty"`
	Streak         int                `json:"streak"`
	ScoreVersion   string             `json:"score_version"`
	LastUpdated    *string            `json:"last_updated,omitempty"`
}

type ScoreHistoryEntry struct {
	Score     *float64 `json:"score"`
	Level     string   `json:"level"`
	Timestamp string   `json:"timestamp"`
	Version   string   `json:"version"`
}

type ScoreHistory struct {
	EntityID string              `json:"entity_id"`
	History  []ScoreHistoryEntry `json:"history"`
}

type Webhook struct {
	ID         string   `json:"id"`
	EntityID   string   `json:"entity_id"`
	URL        string   `json:"url"`
	EventTypes []string `json:"event_types"`
	IsActive   bool     `json:"is_active"`
	// Secret is only present in the registration response.
	Secret    string `json:"secret,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type DeliveryLog struct {
	ID            string  `json:"id"`
	WebhookID     string  `json:"webhook_id"`
	EventID       string  `json:"event_id"`
	EventType     string  `json:"event_type"`
	AttemptNumber int     `json:"attempt_number"`
	StatusCode    *int    `json:"status_code,omitempty"`
	ResponseBody  *string `json:"response_body,omitempty"`
	Success       bool    `json:"success"`
	ErrorMessage  *string `json:"error_message,omitempty"`
	NextRetryAt   *string `json:"next_retry_at,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

type Event struct {
	ID         int64  `json:"id"`
	EventID    string `json:"event_id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses. Status is 0 when the request never
// reached the server.
type APIError struct {
	Status  int
	Code    string
	Message string
	Body    string
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("api error: %s", e.Message)
	}
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.Status, e.Body)
}

type PaginatedEntities struct {
	Items      []Entity `json:"items"`
	NextCursor string   `json:"next_cursor"`
}

type PaginatedPromises struct {
	Items      []Promise `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

// CreateEntityParams for entity registration.
type CreateEntityParams struct {
	Name      string         `json:"name"`
	Type      string         `json:"type"`
	PublicKey string         `json:"public_key,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// CreateEntity registers an entity. The response carries the one-time
// API key.
func (c *Client) CreateEntity(ctx context.Context, params CreateEntityParams) (Entity, error) {
	var resp Entity
	err := c.do(ctx, http.MethodPost, "v1/entities", params, &resp)
	return resp, err
}

func (c *Client) GetEntity(ctx context.Context, id string) (Entity, error) {
	var resp Entity
	err := c.do(ctx, http.MethodGet, "v1/entities/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

type ListEntitiesOptions struct {
	Type   string
	Limit  int
	Cursor string
}

func (c *Client) ListEntities(ctx context.Context, opts ListEntitiesOptions) (PaginatedEntities, error) {
	q := url.Values{}
	if opts.Type != "" {
		q.Set("type", opts.Type)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	var resp PaginatedEntities
	err := c.do(ctx, http.MethodGet, withQuery("v1/entities", q), nil, &resp)
	return resp, err
}

func (c *Client) UpdateEntityMetadata(ctx context.Context, id string, metadata map[string]any) (Entity, error) {
	var resp Entity
	err := c.do(ctx, http.MethodPatch, "v1/entities/"+url.PathEscape(id), map[string]any{"metadata": metadata}, &resp)
	return resp, err
}

// EntityScore fetches the trust score via the entity subresource.
func (c *Client) EntityScore(ctx context.Context, id string) (TrustScore, error) {
	var resp TrustScore
	err := c.do(ctx, http.MethodGet, "v1/entities/"+url.PathEscape(id)+"/score", nil, &resp)
	return resp, err
}

type CreatePromiseParams struct {
	PromisorID  string `json:"promisor_id"`
	PromiseeID  string `json:"promisee_id"`
	Description string `json:"description"`
	Category    string `json:"category,omitempty"`
	Deadline    string `json:"deadline,omitempty"`
}

func (c *Client) CreatePromise(ctx context.Context, params CreatePromiseParams) (Promise, error) {
	var resp Promise
	err := c.do(ctx, http.MethodPost, "v1/promises", params, &resp)
	return resp, err
}

func (c *Client) GetPromise(ctx context.Context, id string) (Promise, error) {
	var resp Promise
	err := c.do(ctx, http.MethodGet, "v1/promises/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

type ListPromisesOptions struct {
	PromisorID string
	PromiseeID string
	Status     string
	Category   string
	Limit      int
	Cursor     string
}

func (c *Client) ListPromises(ctx context.Context, opts ListPromisesOptions) (PaginatedPromises, error) {
	q := url.Values{}
	if opts.PromisorID != "" {
		q.Set("promisor_id", opts.PromisorID)
	}
	if opts.PromiseeID != "" {
		q.Set("promisee_id", opts.PromiseeID)
	}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Category != "" {
		q.Set("category", opts.Category)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	var resp PaginatedPromises
	err := c.do(ctx, http.MethodGet, withQuery("v1/promises", q), nil, &resp)
	return resp, err
}

// UpdatePromiseStatus transitions an active promise to fulfilled,
// broken, or disputed.
func (c *Client) UpdatePromiseStatus(ctx context.Context, id, status string) (Promise, error) {
	var resp Promise
	err := c.do(ctx, http.MethodPatch, "v1/promises/"+url.PathEscape(id)+"/status", map[string]any{"status": status}, &resp)
	return resp, err
}

// FulfillPromise marks a promise fulfilled.
func (c *Client) FulfillPromise(ctx context.Context, id string) (Promise, error) {
	return c.UpdatePromiseStatus(ctx, id, "fulfilled")
}

// BreakPromise marks a promise broken.
func (c *Client) BreakPromise(ctx context.Context, id string) (Promise, error) {
	return c.UpdatePromiseStatus(ctx, id, "broken")
}

// DisputePromise marks a promise disputed.
func (c *Client) DisputePromise(ctx context.Context, id string) (Promise, error) {
	return c.UpdatePromiseStatus(ctx, id, "disputed")
}

type SubmitEvidenceParams struct {
	Type        string         `json:"type"`
	SubmittedBy string         `json:"submitted_by,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

func (c *Client) SubmitEvidence(ctx context.Context, promiseID string, params SubmitEvidenceParams) (Evidence, error) {
	var resp Evidence
	err := c.do(ctx, http.MethodPost, "v1/promises/"+url.PathEscape(promiseID)+"/evidence", params, &resp)
	return resp, err
}

func (c *Client) ListEvidence(ctx context.Context, promiseID string) ([]Evidence, error) {
	var resp []Evidence
	err := c.do(ctx, http.MethodGet, "v1/promises/"+url.PathEscape(promiseID)+"/evidence", nil, &resp)
	return resp, err
}

func (c *Client) Score(ctx context.Context, entityID string) (TrustScore, error) {
	var resp TrustScore
	err := c.do(ctx, http.MethodGet, "v1/scores/"+url.PathEscape(entityID), nil, &resp)
	return resp, err
}

func (c *Client) ScoreHistory(ctx context.Context, entityID string, limit int) (ScoreHistory, error) {
	endpoint := "v1/scores/" + url.PathEscape(entityID) + "/history"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var resp ScoreHistory
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

type CreateWebhookParams struct {
	EntityID   string   `json:"entity_id,omitempty"`
	URL        string   `json:"url"`
	EventTypes []string `json:"event_types"`
}

// CreateWebhook registers a webhook. The response carries the one-time
// signing secret.
func (c *Client) CreateWebhook(ctx context.Context, params CreateWebhookParams) (Webhook, error) {
	var resp Webhook
	err := c.do(ctx, http.MethodPost, "v1/webhooks", params, &resp)
	return resp, err
}

func (c *Client) GetWebhook(ctx context.Context, id string) (Webhook, error) {
	var resp Webhook
	err := c.do(ctx, http.MethodGet, "v1/webhooks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) ListWebhooks(ctx context.Context, entityID string) ([]Webhook, error) {
	q := url.Values{}
	if entityID != "" {
		q.Set("entity_id", entityID)
	}
	var resp []Webhook
	err := c.do(ctx, http.MethodGet, withQuery("v1/webhooks", q), nil, &resp)
	return resp, err
}

type UpdateWebhookParams struct {
	URL        *string  `json:"url,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
	IsActive   *bool    `json:"is_active,omitempty"`
}

func (c *Client) UpdateWebhook(ctx context.Context, id string, params UpdateWebhookParams) (Webhook, error) {
	var resp Webhook
	err := c.do(ctx, http.MethodPatch, "v1/webhooks/"+url.PathEscape(id), params, &resp)
	return resp, err
}

func (c *Client) DeleteWebhook(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "v1/webhooks/"+url.PathEscape(id), nil, nil)
}

func (c *Client) WebhookLogs(ctx context.Context, id string, limit int) ([]DeliveryLog, error) {
	endpoint := "v1/webhooks/" + url.PathEscape(id) + "/logs"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var resp []DeliveryLog
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

type ListEventsOptions struct {
	Type     string
	EntityID string
	// After replays events with sequence greater than the given value
	// in ascending order. After(0) replays the full log; nil tails the
	// most recent events instead.
	After *int64
	Limit int
}

// After is a convenience for setting ListEventsOptions.After.
func After(seq int64) *int64 { return &seq }

// Events tails the ledger event log.
func (c *Client) Events(ctx context.Context, opts ListEventsOptions) ([]Event, error) {
	q := url.Values{}
	if opts.Type != "" {
		q.Set("type", opts.Type)
	}
	if opts.EntityID != "" {
		q.Set("entity_id", opts.EntityID)
	}
	if opts.After != nil {
		q.Set("after", strconv.FormatInt(*opts.After, 10))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, withQuery("v1/events", q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &APIError{Status: 0, Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return newAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// newAPIError extracts code and message from known error body shapes.
func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status, Body: string(body)}
	var envelope struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
		Detail  string          `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return apiErr
	}
	if len(envelope.Error) > 0 {
		var nested struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(envelope.Error, &nested); err == nil && nested.Message != "" {
			apiErr.Code = nested.Code
			apiErr.Message = nested.Message
			return apiErr
		}
		var flat string
		if err := json.Unmarshal(envelope.Error, &flat); err == nil {
			apiErr.Code = flat
			apiErr.Message = envelope.Message
			return apiErr
		}
	}
	if envelope.Detail != "" {
		apiErr.Message = envelope.Detail
	}
	return apiErr
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
