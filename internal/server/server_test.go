package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"sozledger/internal/config"
	"sozledger/internal/db"
	"sozledger/internal/domain"
	"sozledger/internal/engine"
	"sozledger/internal/migrate"
)

const testJWTSecret = "server-test-secret"

type testServer struct {
	Engine *engine.Engine
	URL    string
	Client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	clock := struct {
		mu   sync.Mutex
		next time.Time
	}{next: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	eng := engine.New(conn, config.Default("server-test"))
	eng.Now = func() time.Time {
		clock.mu.Lock()
		defer clock.mu.Unlock()
		now := clock.next
		clock.next = clock.next.Add(time.Second)
		return now
	}
	eng.SyncScoring = true

	handler, err := New(Config{Engine: eng, Auth: AuthConfig{JWTSecret: testJWTSecret}})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	return &testServer{
		Engine: eng,
		URL:    "http://" + ln.Addr().String(),
		Client: &http.Client{Timeout: 5 * time.Second},
	}
}

// seed registers an entity directly in the engine and returns it with
// its plaintext API key, bypassing HTTP auth for bootstrap.
func (ts *testServer) seed(t *testing.T, name string) (domain.Entity, string) {
	t.Helper()
	ent, key, err := ts.Engine.CreateEntity(context.Background(), engine.EntityCreateOptions{Name: name, Type: "agent"})
	if err != nil {
		t.Fatalf("seed entity %s: %v", name, err)
	}
	return ent, key
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func withAPIKey(key string) map[string]string {
	return map[string]string{"X-Api-Key": key}
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope %s: %v", data, err)
	}
	return env
}

func TestHealthNeedsNoAuth(t *testing.T) {
	ts := newTestServer(t)

	resp, data := doJSON(t, ts.Client, http.MethodGet, ts.URL+"/v1/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d: %s", resp.StatusCode, data)
	}
}

func TestOpenAPINeedsNoAuth(t *testing.T) {
	ts := newTestServer(t)

	// The Swagger UI fetches the spec without credentials.
	resp, data := doJSON(t, ts.Client, http.MethodGet, ts.URL+"/v1/openapi.json", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("openapi status = %d: %s", resp.StatusCode, data)
	}
	var doc struct {
		OpenAPI string `json:"openapi"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode spec: %v", err)
	}
	if doc.OpenAPI == "" {
		t.Fatal("spec has no openapi version field")
	}
}

func TestMissingCredentialsRejected(t *testing.T) {
	ts := newTestServer(t)

	resp, data := doJSON(t, ts.Client, http.MethodGet, ts.URL+"/v1/entities", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401: %s", resp.StatusCode, data)
	}
	env := decodeError(t, data)
	if env.Error.Code != "unauthorized" {
		t.Fatalf("error code = %q: %s", env.Error.Code, data)
	}
}

func TestBadAPIKeyRejected(t *testing.T) {
	ts := newTestServer(t)

	resp, data := doJSON(t, ts.Client, http.MethodGet, ts.URL+"/v1/entities", nil, withAPIKey("sk_bogus"))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401: %s", resp.StatusCode, data)
	}
	env := decodeError(t, data)
	if env.Error.Code != "invalid_credentials" {
		t.Fatalf("error code = %q: %s", env.Error.Code, data)
	}
}

func TestJWTAuthAccepted(t *testing.T) {
	ts := newTestServer(t)
	ent, _ := ts.seed(t, "alice")

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   ent.ID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	resp, data := doJSON(t, ts.Client, http.MethodGet, ts.URL+"/v1/entities/"+ent.ID, nil,
		map[string]string{"Authorization": "Bearer " + signed})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, data)
	}

	var got domain.Entity
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode entity: %v", err)
	}
	if got.ID != ent.ID {
		t.Fatalf("entity id = %q, want %q", got.ID, ent.ID)
	}
}

func TestJWTWrongSecretRejected(t *testing.T) {
	ts := newTestServer(t)
	ent, _ := ts.seed(t, "alice")

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: ent.ID})
	signed, err := token.SignedString([]byte("some-other-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	resp, _ := doJSON(t, ts.Client, http.MethodGet, ts.URL+"/v1/entities/"+ent.ID, nil,
		map[string]string{"Authorization": "Bearer " + signed})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRegisterEntityReturnsKeyOnce(t *testing.T) {
	ts := newTestServer(t)
	_, key := ts.seed(t, "bootstrap")

	resp, data := doJSON(t, ts.Client, http.MethodPost, ts.URL+"/v1/entities", CreateEntityRequest{
		Name: "deploy-bot",
		Type: "service",
	}, withAPIKey(key))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d: %s", resp.StatusCode, data)
	}
	var created EntityWithKeyResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.APIKey == "" {
		t.Fatal("registration response missing api_key")
	}

	// A plain read of the entity must not leak the key.
	_, data = doJSON(t, ts.Client, http.MethodGet, ts.URL+"/v1/entities/"+created.ID, nil, withAPIKey(key))
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := raw["api_key"]; ok {
		t.Fatalf("entity read leaked api_key: %s", data)
	}
}

func TestPromiseFlowThroughAPI(t *testing.T) {
	ts := newTestServer(t)
	alice, key := ts.seed(t, "alice")
	bob, _ := ts.seed(t, "bob")

	resp, data := doJSON(t, ts.Client, http.MethodPost, ts.URL+"/v1/promises", CreatePromiseRequest{
		PromisorID:  alice.ID,
		PromiseeID:  bob.ID,
		Description: "ship the release",
	}, withAPIKey(key))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create promise status = %d: %s", resp.StatusCode, data)
	}
	var p domain.Promise
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("decode promise: %v", err)
	}
	if p.Status != domain.PromiseActive {
		t.Fatalf("status = %q, want active", p.Status)
	}

	resp, data = doJSON(t, ts.Client, http.MethodPatch, ts.URL+"/v1/promises/"+p.ID+"/status",
		UpdatePromiseStatusRequest{Status: "fulfilled"}, withAPIKey(key))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fulfil status = %d: %s", resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("decode promise: %v", err)
	}
	if p.Status != domain.PromiseFulfilled || p.FulfilledAt == nil {
		t.Fatalf("promise after fulfil = %+v", p)
	}

	// Settling again must conflict.
	resp, data = doJSON(t, ts.Client, http.MethodPatch, ts.URL+"/v1/promises/"+p.ID+"/status",
		UpdatePromiseStatusRequest{Status: "broken"}, withAPIKey(key))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("re-settle status = %d, want 409: %s", resp.StatusCode, data)
	}
	env := decodeError(t, data)
	if env.Error.Code != "invalid_transition" {
		t.Fatalf("error code = %q: %s", env.Error.Code, data)
	}
	if env.Error.Details["from"] != "fulfilled" || env.Error.Details["to"] != "broken" {
		t.Fatalf("error details = %v", env.Error.Details)
	}
}

func TestUnknownPromiseIs404(t *testing.T) {
	ts := newTestServer(t)
	_, key := ts.seed(t, "alice")

	resp, data := doJSON(t, ts.Client, http.MethodGet, ts.URL+"/v1/promises/prm_missing", nil, withAPIKey(key))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404: %s", resp.StatusCode, data)
	}
	env := decodeError(t, data)
	if env.Error.Code != "not_found" {
		t.Fatalf("error code = %q: %s", env.Error.Code, data)
	}
}

func TestEvidenceEndpoints(t *testing.T) {
	ts := newTestServer(t)
	alice, key := ts.seed(t, "alice")

	_, data := doJSON(t, ts.Client, http.MethodPost, ts.URL+"/v1/promises", CreatePromiseRequest{
		PromisorID:  alice.ID,
		PromiseeID:  alice.ID,
		Description: "write the postmortem",
	}, withAPIKey(key))
	var p domain.Promise
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("decode promise: %v", err)
	}

	resp, data := doJSON(t, ts.Client, http.MethodPost, ts.URL+"/v1/promises/"+p.ID+"/evidence", CreateEvidenceRequest{
		Type:    "link",
		Payload: map[string]any{"url": "https://example.com/doc"},
	}, withAPIKey(key))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit evidence status = %d: %s", resp.StatusCode, data)
	}
	var ev domain.Evidence
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode evidence: %v", err)
	}
	// submitted_by defaults to the authenticated caller.
	if ev.SubmittedBy != alice.ID {
		t.Fatalf("submitted_by = %q, want %q", ev.SubmittedBy, alice.ID)
	}

	resp, data = doJSON(t, ts.Client, http.MethodGet, ts.URL+"/v1/promises/"+p.ID+"/evidence", nil, withAPIKey(key))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list evidence status = %d: %s", resp.StatusCode, data)
	}
	var list []domain.Evidence
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("decode evidence list: %v", err)
	}
	if len(list) != 1 || list[0].ID != ev.ID {
		t.Fatalf("evidence list = %+v", list)
	}
}

func TestScoreEndpointAfterSettlements(t *testing.T) {
	ts := newTestServer(t)
	alice, key := ts.seed(t, "alice")
	bob, _ := ts.seed(t, "bob")

	for i := 0; i < 3; i++ {
		_, data := doJSON(t, ts.Client, http.MethodPost, ts.URL+"/v1/promises", CreatePromiseRequest{
			PromisorID:  alice.ID,
			PromiseeID:  bob.ID,
			Description: fmt.Sprintf("task %d", i),
		}, withAPIKey(key))
		var p domain.Promise
		if err := json.Unmarshal(data, &p); err != nil {
			t.Fatalf("decode promise: %v", err)
		}
		resp, data := doJSON(t, ts.Client, http.MethodPatch, ts.URL+"/v1/promises/"+p.ID+"/status",
			UpdatePromiseStatusRequest{Status: "fulfilled"}, withAPIKey(key))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("fulfil status = %d: %s", resp.StatusCode, data)
		}
	}

	resp, data := doJSON(t, ts.Client, http.MethodGet, ts.URL+"/v1/scores/"+alice.ID, nil, withAPIKey(key))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("score status = %d: %s", resp.StatusCode, data)
	}
	var score domain.TrustScore
	if err := json.Unmarshal(data, &score); err != nil {
		t.Fatalf("decode score: %v", err)
	}
	if !score.Rated || score.OverallScore == nil {
		t.Fatalf("score not rated after 3 settlements: %s", data)
	}
	if score.EntityName != "alice" {
		t.Fatalf("entity name = %q", score.EntityName)
	}

	resp, data = doJSON(t, ts.Client, http.MethodGet, ts.URL+"/v1/scores/"+alice.ID+"/history", nil, withAPIKey(key))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d: %s", resp.StatusCode, data)
	}
	var history ScoreHistoryResponse
	if err := json.Unmarshal(data, &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history.History) != 3 {
		t.Fatalf("history entries = %d, want 3", len(history.History))
	}
}

func TestScoreUnratedEntity(t *testing.T) {
	ts := newTestServer(t)
	alice, key := ts.seed(t, "alice")

	resp, data := doJSON(t, ts.Client, http.MethodGet, ts.URL+"/v1/scores/"+alice.ID, nil, withAPIKey(key))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("score status = %d: %s", resp.StatusCode, data)
	}
	var score domain.TrustScore
	if err := json.Unmarshal(data, &score); err != nil {
		t.Fatalf("decode score: %v", err)
	}
	if score.Rated || score.Level != engine.UnratedLevel {
		t.Fatalf("fresh entity score = %s", data)
	}
}

func TestEntityPagination(t *testing.T) {
	ts := newTestServer(t)
	_, key := ts.seed(t, "seed")
	for i := 0; i < 5; i++ {
		ts.seed(t, fmt.Sprintf("entity-%d", i))
	}

	resp, data := doJSON(t, ts.Client, http.MethodGet, ts.URL+"/v1/entities?limit=4", nil, withAPIKey(key))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d: %s", resp.StatusCode, data)
	}
	var page1 paginatedEntities
	if err := json.Unmarshal(data, &page1); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page1.Items) != 4 {
		t.Fatalf("page 1 items = %d, want 4", len(page1.Items))
	}
	if page1.NextCursor == "" {
		t.Fatal("page 1 missing next_cursor")
	}

	resp, data = doJSON(t, ts.Client, http.MethodGet, ts.URL+"/v1/entities?limit=4&cursor="+url.QueryEscape(page1.NextCursor), nil, withAPIKey(key))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("page 2 status = %d: %s", resp.StatusCode, data)
	}
	var page2 paginatedEntities
	if err := json.Unmarshal(data, &page2); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page2.Items) != 2 {
		t.Fatalf("page 2 items = %d, want 2", len(page2.Items))
	}
	if page2.NextCursor != "" {
		t.Fatalf("page 2 next_cursor = %q, want empty", page2.NextCursor)
	}
	for _, e1 := range page1.Items {
		for _, e2 := range page2.Items {
			if e1.ID == e2.ID {
				t.Fatalf("entity %s appeared on both pages", e1.ID)
			}
		}
	}
}

func TestWebhookLifecycle(t *testing.T) {
	ts := newTestServer(t)
	alice, key := ts.seed(t, "alice")

	resp, data := doJSON(t, ts.Client, http.MethodPost, ts.URL+"/v1/webhooks", CreateWebhookRequest{
		EntityID:   &alice.ID,
		URL:        "https://hooks.example.com/soz",
		EventTypes: []string{"promise.fulfilled"},
	}, withAPIKey(key))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create webhook status = %d: %s", resp.StatusCode, data)
	}
	var created WebhookResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("decode webhook: %v", err)
	}
	if created.Secret == "" {
		t.Fatal("creation response missing secret")
	}

	// Subsequent reads never include the secret.
	_, data = doJSON(t, ts.Client, http.MethodGet, ts.URL+"/v1/webhooks/"+created.ID, nil, withAPIKey(key))
	var fetched WebhookResponse
	if err := json.Unmarshal(data, &fetched); err != nil {
		t.Fatalf("decode webhook: %v", err)
	}
	if fetched.Secret != "" {
		t.Fatal("webhook read leaked secret")
	}

	active := false
	resp, data = doJSON(t, ts.Client, http.MethodPatch, ts.URL+"/v1/webhooks/"+created.ID,
		UpdateWebhookRequest{IsActive: &active}, withAPIKey(key))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update webhook status = %d: %s", resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, &fetched); err != nil {
		t.Fatalf("decode webhook: %v", err)
	}
	if fetched.IsActive {
		t.Fatal("webhook still active after disable")
	}

	resp, _ = doJSON(t, ts.Client, http.MethodDelete, ts.URL+"/v1/webhooks/"+created.ID, nil, withAPIKey(key))
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete webhook status = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, ts.Client, http.MethodGet, ts.URL+"/v1/webhooks/"+created.ID, nil, withAPIKey(key))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted webhook read status = %d, want 404", resp.StatusCode)
	}
}

func TestEventFeed(t *testing.T) {
	ts := newTestServer(t)
	alice, key := ts.seed(t, "alice")

	_, data := doJSON(t, ts.Client, http.MethodPost, ts.URL+"/v1/promises", CreatePromiseRequest{
		PromisorID:  alice.ID,
		PromiseeID:  alice.ID,
		Description: "send the invoice",
	}, withAPIKey(key))
	var p domain.Promise
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("decode promise: %v", err)
	}

	resp, data := doJSON(t, ts.Client, http.MethodGet, ts.URL+"/v1/events?type=promise.created", nil, withAPIKey(key))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events status = %d: %s", resp.StatusCode, data)
	}
	var feed []domain.Event
	if err := json.Unmarshal(data, &feed); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(feed) != 1 || feed[0].Type != "promise.created" {
		t.Fatalf("event feed = %+v", feed)
	}

	// Ascending replay from the beginning sees entity.created first.
	resp, data = doJSON(t, ts.Client, http.MethodGet, ts.URL+"/v1/events?after=0", nil, withAPIKey(key))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events status = %d: %s", resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, &feed); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(feed) < 2 || feed[0].Type != "entity.created" {
		t.Fatalf("replay feed = %+v", feed)
	}
}

func TestValidationErrorsAre400(t *testing.T) {
	ts := newTestServer(t)
	alice, key := ts.seed(t, "alice")

	resp, data := doJSON(t, ts.Client, http.MethodPost, ts.URL+"/v1/promises", CreatePromiseRequest{
		PromisorID:  "ent_missing",
		PromiseeID:  alice.ID,
		Description: "never",
	}, withAPIKey(key))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", resp.StatusCode, data)
	}
	env := decodeError(t, data)
	if env.Error.Code != "validation_error" {
		t.Fatalf("error code = %q: %s", env.Error.Code, data)
	}
	if env.Error.Details["field"] != "promisor_id" {
		t.Fatalf("error details = %v", env.Error.Details)
	}
}
