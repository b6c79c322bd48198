package sozledgersdk

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// recorderBackend fakes just enough of the promises API for the
// Recorder flow.
type recorderBackend struct {
	mu       sync.Mutex
	requests []string // "METHOD path"
	statuses []string // status values patched onto promises
}

func newRecorderBackend(t *testing.T) (*recorderBackend, *Client) {
	t.Helper()
	b := &recorderBackend{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.requests = append(b.requests, r.Method+" "+r.URL.Path)
		b.mu.Unlock()
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/promises":
			w.WriteHeader(http.StatusCreated)
			io.WriteString(w, `{"id":"prm_rec","status":"active"}`)
		case r.Method == http.MethodPost && r.URL.Path == "/v1/promises/prm_rec/evidence":
			w.WriteHeader(http.StatusCreated)
			io.WriteString(w, `{"id":"ev_rec","promise_id":"prm_rec"}`)
		case r.Method == http.MethodPatch && r.URL.Path == "/v1/promises/prm_rec/status":
			var body struct {
				Status string `json:"status"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			b.mu.Lock()
			b.statuses = append(b.statuses, body.Status)
			b.mu.Unlock()
			io.WriteString(w, `{"id":"prm_rec","status":"`+body.Status+`"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"error":{"code":"not_found","message":"no route"}}`)
		}
	}))
	t.Cleanup(srv.Close)
	return b, New(srv.URL)
}

func (b *recorderBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

func TestRecorderSucceedFlow(t *testing.T) {
	backend, client := newRecorderBackend(t)
	rec := NewRecorder(client, "ent_agent", "ent_owner")
	ctx := context.Background()

	p, err := rec.Start(ctx, "run-42", "finish the batch job", time.Time{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if p.ID != "prm_rec" {
		t.Fatalf("promise id = %q", p.ID)
	}
	if !rec.Pending("run-42") {
		t.Fatal("run-42 not pending after Start")
	}

	if err := rec.Succeed(ctx, "run-42", map[string]any{"records": 120}); err != nil {
		t.Fatalf("succeed: %v", err)
	}
	if rec.Pending("run-42") {
		t.Fatal("run-42 still pending after Succeed")
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.statuses) != 1 || backend.statuses[0] != "fulfilled" {
		t.Fatalf("patched statuses = %v", backend.statuses)
	}
	// Start, evidence, status patch.
	if len(backend.requests) != 3 {
		t.Fatalf("requests = %v", backend.requests)
	}
}

func TestRecorderFailWithReason(t *testing.T) {
	backend, client := newRecorderBackend(t)
	rec := NewRecorder(client, "ent_agent", "ent_owner")
	ctx := context.Background()

	if _, err := rec.Start(ctx, "run-9", "sync the mirror", time.Time{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := rec.Fail(ctx, "run-9", "upstream timeout"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.statuses) != 1 || backend.statuses[0] != "broken" {
		t.Fatalf("patched statuses = %v", backend.statuses)
	}
}

func TestRecorderUnknownKeyIsNoop(t *testing.T) {
	backend, client := newRecorderBackend(t)
	rec := NewRecorder(client, "ent_agent", "ent_owner")
	ctx := context.Background()

	if err := rec.Succeed(ctx, "never-started", nil); err != nil {
		t.Fatalf("succeed unknown key: %v", err)
	}
	if err := rec.Fail(ctx, "never-started", "whatever"); err != nil {
		t.Fatalf("fail unknown key: %v", err)
	}
	if backend.count() != 0 {
		t.Fatalf("unexpected requests: %d", backend.count())
	}
}
