package sozledgersdk

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestAPIErrorEnvelopeShapes(t *testing.T) {
	cases := []struct {
		name     string
		body     string
		wantCode string
		wantMsg  string
	}{
		{
			name:     "nested envelope",
			body:     `{"error":{"code":"invalid_transition","message":"promise prm_1 already fulfilled"}}`,
			wantCode: "invalid_transition",
			wantMsg:  "promise prm_1 already fulfilled",
		},
		{
			name:     "flat error code",
			body:     `{"error":"not_found","message":"no such promise"}`,
			wantCode: "not_found",
			wantMsg:  "no such promise",
		},
		{
			name:    "detail shape",
			body:    `{"detail":"validation failed"}`,
			wantMsg: "validation failed",
		},
		{
			name: "opaque body",
			body: `<html>bad gateway</html>`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			apiErr := newAPIError(http.StatusConflict, []byte(tc.body))
			if apiErr.Status != http.StatusConflict {
				t.Fatalf("status = %d", apiErr.Status)
			}
			if apiErr.Code != tc.wantCode {
				t.Fatalf("code = %q, want %q", apiErr.Code, tc.wantCode)
			}
			if apiErr.Message != tc.wantMsg {
				t.Fatalf("message = %q, want %q", apiErr.Message, tc.wantMsg)
			}
			if apiErr.Body != tc.body {
				t.Fatalf("body = %q", apiErr.Body)
			}
		})
	}
}

func TestErrorResponseSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":{"code":"not_found","message":"no such entity"}}`)
	}))
	defer srv.Close()

	client := New(srv.URL)
	_, err := client.GetEntity(context.Background(), "ent_missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("want *APIError, got %T: %v", err, err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Code != "not_found" {
		t.Fatalf("api error = %+v", apiErr)
	}
}

func TestTransportFailureHasStatusZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	client := New(srv.URL)
	_, err := client.GetEntity(context.Background(), "ent_1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("want *APIError, got %T: %v", err, err)
	}
	if apiErr.Status != 0 {
		t.Fatalf("status = %d, want 0", apiErr.Status)
	}
}

func TestAuthHeaderPrecedence(t *testing.T) {
	var gotAuthz, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuthz = r.Header.Get("Authorization")
		gotKey = r.Header.Get("X-Api-Key")
		io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	client := New(srv.URL)
	client.APIKey = "sk_key"
	if _, err := client.GetEntity(context.Background(), "ent_1"); err != nil {
		t.Fatalf("request: %v", err)
	}
	if gotKey != "sk_key" || gotAuthz != "" {
		t.Fatalf("api key auth headers = %q / %q", gotAuthz, gotKey)
	}

	client.BearerToken = "jwt-token"
	if _, err := client.GetEntity(context.Background(), "ent_1"); err != nil {
		t.Fatalf("request: %v", err)
	}
	if gotAuthz != "Bearer jwt-token" || gotKey != "" {
		t.Fatalf("bearer auth headers = %q / %q", gotAuthz, gotKey)
	}
}

func TestEventsAfterZeroReplaysFromStart(t *testing.T) {
	var gotQueries []url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQueries = append(gotQueries, r.URL.Query())
		io.WriteString(w, `[]`)
	}))
	defer srv.Close()

	client := New(srv.URL)
	client.APIKey = "sk_key"

	if _, err := client.Events(context.Background(), ListEventsOptions{}); err != nil {
		t.Fatalf("tail: %v", err)
	}
	if _, err := client.Events(context.Background(), ListEventsOptions{After: After(0)}); err != nil {
		t.Fatalf("replay: %v", err)
	}

	if gotQueries[0].Has("after") {
		t.Fatalf("tail request sent after=%q", gotQueries[0].Get("after"))
	}
	if got := gotQueries[1].Get("after"); got != "0" {
		t.Fatalf("replay request after = %q, want 0", got)
	}
}

func TestFulfillPromisePatchesStatus(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		io.WriteString(w, `{"id":"prm_1","status":"fulfilled"}`)
	}))
	defer srv.Close()

	client := New(srv.URL)
	p, err := client.FulfillPromise(context.Background(), "prm_1")
	if err != nil {
		t.Fatalf("fulfil: %v", err)
	}
	if gotMethod != http.MethodPatch || gotPath != "/v1/promises/prm_1/status" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
	if gotBody["status"] != "fulfilled" {
		t.Fatalf("body = %v", gotBody)
	}
	if p.Status != "fulfilled" {
		t.Fatalf("promise status = %q", p.Status)
	}
}

func TestVerifySignature(t *testing.T) {
	secret := "whsec_testsecret"
	body := []byte(`{"id":"evt_1","type":"promise.fulfilled"}`)

	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	mac := hex.EncodeToString(h.Sum(nil))
	if !VerifySignature(secret, body, mac) {
		t.Fatal("valid signature rejected")
	}
	if VerifySignature(secret, body, "deadbeef") {
		t.Fatal("bogus signature accepted")
	}
	if VerifySignature("whsec_other", body, mac) {
		t.Fatal("signature accepted under wrong secret")
	}
}
