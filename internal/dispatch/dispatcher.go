package dispatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sozledger/internal/config"
	"sozledger/internal/domain"
	"sozledger/internal/repo"
)

const (
	pollInterval = 2 * time.Second
	eventBatch   = 100
	maxBodyBytes = 4096
)

// Dispatcher fans the event log out to webhook subscriptions. Each
// webhook is delivered in order by a single goroutine at a time;
// different webhooks proceed concurrently. Cursors live in memory, so
// a restart resumes from the tail rather than replaying history.
type Dispatcher struct {
	Repo   repo.Repo
	Policy config.DeliveryPolicy
	Log    zerolog.Logger
	Now    func() time.Time

	client *http.Client

	mu       sync.Mutex
	cursors  map[string]int64
	inFlight map[string]bool
}

func New(r repo.Repo, policy config.DeliveryPolicy, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		Repo:     r,
		Policy:   policy,
		Log:      log,
		Now:      time.Now,
		client:   &http.Client{Timeout: time.Duration(policy.TimeoutSeconds * float64(time.Second))},
		cursors:  make(map[string]int64),
		inFlight: make(map[string]bool),
	}
}

// Run polls until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		d.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one dispatch round. Exposed so tests can drive the
// dispatcher without the poll loop.
func (d *Dispatcher) Tick(ctx context.Context) {
	hooks, err := d.Repo.ListActiveWebhooks(ctx)
	if err != nil {
		d.Log.Error().Err(err).Msg("dispatch: list webhooks")
		return
	}
	var wg sync.WaitGroup
	for _, hook := range hooks {
		if !d.claim(hook.ID) {
			continue
		}
		wg.Add(1)
		go func(hook domain.Webhook) {
			defer wg.Done()
			defer d.release(hook.ID)
			d.deliverPending(ctx, hook)
		}(hook)
	}
	wg.Wait()
}

func (d *Dispatcher) claim(webhookID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight[webhookID] {
		return false
	}
	d.inFlight[webhookID] = true
	return true
}

func (d *Dispatcher) release(webhookID string) {
	d.mu.Lock()
	delete(d.inFlight, webhookID)
	d.mu.Unlock()
}

func (d *Dispatcher) deliverPending(ctx context.Context, hook domain.Webhook) {
	cursor := d.cursorFor(ctx, hook.ID)
	evts, err := d.Repo.EventsAfter(ctx, cursor, eventBatch, "", "")
	if err != nil {
		d.Log.Error().Err(err).Str("webhook", hook.ID).Msg("dispatch: fetch events")
		return
	}
	subscribed := make(map[string]bool, len(hook.EventTypes))
	for _, t := range hook.EventTypes {
		subscribed[t] = true
	}
	for _, evt := range evts {
		if subscribed[evt.Type] {
			if !d.deliverWithRetry(ctx, hook, evt) {
				// Context canceled mid delivery; keep the cursor so the
				// event is retried on the next run.
				return
			}
		}
		d.setCursor(hook.ID, evt.ID)
	}
}

// deliverWithRetry attempts one event until success or the attempt
// budget is spent. Every attempt is recorded. The event is skipped
// after exhaustion; the webhook itself stays active.
func (d *Dispatcher) deliverWithRetry(ctx context.Context, hook domain.Webhook, evt domain.Event) bool {
	body, err := envelope(evt)
	if err != nil {
		d.Log.Error().Err(err).Str("event", evt.EventID).Msg("dispatch: encode envelope")
		return true
	}
	for attempt := 1; attempt <= d.Policy.MaxAttempts; attempt++ {
		statusCode, respBody, err := d.post(ctx, hook, evt, body)
		entry := domain.DeliveryLog{
			ID:            "dlv_" + uuid.NewString(),
			WebhookID:     hook.ID,
			EventID:       evt.EventID,
			EventType:     evt.Type,
			AttemptNumber: attempt,
			CreatedAt:     d.Now().UTC().Format(time.RFC3339),
		}
		if statusCode != 0 {
			entry.StatusCode = &statusCode
		}
		if respBody != "" {
			entry.ResponseBody = &respBody
		}
		if err == nil {
			entry.Success = true
			if logErr := d.Repo.InsertDeliveryLog(ctx, entry); logErr != nil {
				d.Log.Error().Err(logErr).Str("webhook", hook.ID).Msg("dispatch: record delivery")
			}
			return true
		}

		msg := err.Error()
		entry.ErrorMessage = &msg
		var wait time.Duration
		if attempt < d.Policy.MaxAttempts {
			wait = d.backoff(attempt)
			next := d.Now().UTC().Add(wait).Format(time.RFC3339)
			entry.NextRetryAt = &next
		}
		if logErr := d.Repo.InsertDeliveryLog(ctx, entry); logErr != nil {
			d.Log.Error().Err(logErr).Str("webhook", hook.ID).Msg("dispatch: record delivery")
		}
		d.Log.Warn().Err(err).
			Str("webhook", hook.ID).
			Str("event", evt.EventID).
			Int("attempt", attempt).
			Msg("dispatch: delivery failed")
		if wait == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
	d.Log.Error().
		Str("webhook", hook.ID).
		Str("event", evt.EventID).
		Int("attempts", d.Policy.MaxAttempts).
		Msg("dispatch: giving up on event")
	return true
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	base := d.Policy.BackoffSeconds
	wait := base * float64(int64(1)<<uint(attempt-1))
	if wait > d.Policy.MaxBackoffSeconds {
		wait = d.Policy.MaxBackoffSeconds
	}
	return time.Duration(wait * float64(time.Second))
}

func (d *Dispatcher) post(ctx context.Context, hook domain.Webhook, evt domain.Event, body []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-SozLedger-Event", evt.Type)
	req.Header.Set("X-SozLedger-Delivery", evt.EventID)
	req.Header.Set("X-SozLedger-Signature", Sign(hook.Secret, body))
	res, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer res.Body.Close()
	respBytes, _ := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	respBody := strings.TrimSpace(string(respBytes))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return res.StatusCode, respBody, fmt.Errorf("status %d", res.StatusCode)
	}
	return res.StatusCode, respBody, nil
}

func (d *Dispatcher) cursorFor(ctx context.Context, webhookID string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[webhookID]; ok {
		return cur
	}
	cur, err := d.Repo.LatestEventID(ctx)
	if err != nil {
		d.Log.Error().Err(err).Str("webhook", webhookID).Msg("dispatch: init cursor")
		cur = 0
	}
	d.cursors[webhookID] = cur
	return cur
}

func (d *Dispatcher) setCursor(webhookID string, value int64) {
	d.mu.Lock()
	d.cursors[webhookID] = value
	d.mu.Unlock()
}

// Sign computes the hex HMAC-SHA256 of the request body under the
// webhook secret. Receivers recompute it over the raw bytes and
// compare against the X-SozLedger-Signature header.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func envelope(evt domain.Event) ([]byte, error) {
	data := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		data = json.RawMessage(evt.Payload)
	}
	return json.Marshal(struct {
		ID        string          `json:"id"`
		Type      string          `json:"type"`
		CreatedAt string          `json:"created_at"`
		Data      json.RawMessage `json:"data"`
	}{
		ID:        evt.EventID,
		Type:      evt.Type,
		CreatedAt: evt.TS,
		Data:      data,
	})
}
