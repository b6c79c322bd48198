package domain

// Entity is a registered participant (agent, human, or service) in the
// trust graph. Name, type, and public key are fixed at registration;
// only metadata may change afterwards. Entities are never deleted.
type Entity struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Type      string         `json:"type"`
	PublicKey *string        `json:"public_key,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

// Promise statuses. Active is the only non-terminal state.
const (
	PromiseActive    = "active"
	PromiseFulfilled = "fulfilled"
	PromiseBroken    = "broken"
	PromiseDisputed  = "disputed"
)

type Promise struct {
	ID          string  `json:"id"`
	PromisorID  string  `json:"promisor_id"`
	PromiseeID  string  `json:"promisee_id"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Status      string  `json:"status" enum:"active,fulfilled,broken,disputed"`
	Deadline    *string `json:"deadline,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	FulfilledAt *string `json:"fulfilled_at,omitempty" format:"date-time"`
	ResolvedAt  *string `json:"resolved_at,omitempty" format:"date-time"`
}

// Terminal reports whether the promise has left the active state.
func (p Promise) Terminal() bool {
	return p.Status != "" && p.Status != PromiseActive
}

// Evidence is an immutable artifact attached to exactly one promise.
// Hash is a deterministic digest of the payload; Verified is set only by
// the server's verification path and is monotone.
type Evidence struct {
	ID          string         `json:"id"`
	PromiseID   string         `json:"promise_id"`
	Type        string         `json:"type"`
	SubmittedBy string         `json:"submitted_by"`
	Verified    bool           `json:"verified"`
	Payload     map[string]any `json:"payload,omitempty"`
	Hash        string         `json:"hash"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
}

// TrustScore is the derived snapshot for one entity. OverallScore is nil
// and Rated false until the entity has a qualifying history.
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
	LastUpdated    *string            `json:"last_updated,omitempty" format:"date-time"`
}

type ScoreHistoryEntry struct {
	Score     *float64 `json:"score"`
	Level     string   `json:"level"`
	Timestamp string   `json:"timestamp" format:"date-time"`
	Version   string   `json:"version"`
}

type Webhook struct {
	ID         string   `json:"id"`
	EntityID   string   `json:"entity_id"`
	URL        string   `json:"url"`
	EventTypes []string `json:"event_types"`
	IsActive   bool     `json:"is_active"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
	UpdatedAt  string   `json:"updated_at" format:"date-time"`
	// Secret is the HMAC signing key. It is populated on reads so the
	// dispatcher can sign, but surfaced to clients only at creation time.
	Secret string `json:"-"`
}

// DeliveryLog records one webhook delivery attempt.
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
	NextRetryAt   *string `json:"next_retry_at,omitempty" format:"date-time"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

// Event is one row of the append-only domain event log. The dispatcher
// consumes it; clients can tail it for audit.
type Event struct {
	ID         int64  `json:"id"`
	EventID    string `json:"event_id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id,omitempty"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	EntityID  string `json:"entity_id"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
