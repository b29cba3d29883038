package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func newTestHTTPStore(t *testing.T, handler http.Handler) (*HTTPStore, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	store, err := NewHTTPStore(server.URL, HTTPOptions{Token: "secret"})
	if err != nil {
		t.Fatalf("store init failed: %v", err)
	}
	// Fast retries so failure paths do not slow the suite down.
	store.baseDelay = 0
	store.maxDelay = 0
	return store, server
}

func TestHTTPSelectReturnsRows(t *testing.T) {
	store, _ := newTestHTTPStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/collections/books/rows" || r.Method != http.MethodGet {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("missing bearer token, got %q", got)
		}
		_, _ = w.Write([]byte(`{"rows":[{"id":"b1"},{"id":"b2"}]}`))
	}))

	rows, err := store.Select(context.Background(), "books")
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %v", rows)
	}
}

func TestHTTPInsertPostsRow(t *testing.T) {
	var gotBody []byte
	store, _ := newTestHTTPStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/collections/books/rows" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))

	if err := store.Insert(context.Background(), "books", json.RawMessage(`{"id":"b1"}`)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if string(gotBody) != `{"id":"b1"}` {
		t.Fatalf("unexpected body: %s", gotBody)
	}
}

func TestHTTPUpdateAndDeleteAddressRowByID(t *testing.T) {
	var paths []string
	store, _ := newTestHTTPStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
	}))

	ctx := context.Background()
	if err := store.Update(ctx, "books", "b1", json.RawMessage(`{"id":"b1"}`)); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if err := store.Delete(ctx, "books", "b1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	want := []string{"PATCH /v1/collections/books/rows/b1", "DELETE /v1/collections/books/rows/b1"}
	for i, path := range want {
		if paths[i] != path {
			t.Fatalf("request %d = %q, want %q", i, paths[i], path)
		}
	}
}

func TestHTTPUpsertManySendsBatch(t *testing.T) {
	var gotBody map[string]any
	store, _ := newTestHTTPStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/v1/collections/users/rows:upsert" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
	}))

	rows := []json.RawMessage{json.RawMessage(`{"id":"u1"}`), json.RawMessage(`{"id":"u2"}`)}
	if err := store.UpsertMany(context.Background(), "users", rows); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if gotBody["onConflict"] != "id" {
		t.Fatalf("missing conflict target: %v", gotBody)
	}
	if batch, ok := gotBody["rows"].([]any); !ok || len(batch) != 2 {
		t.Fatalf("unexpected rows: %v", gotBody["rows"])
	}
}

func TestHTTPRetriesServerErrors(t *testing.T) {
	var calls int32
	store, _ := newTestHTTPStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"rows":[]}`))
	}))

	if _, err := store.Select(context.Background(), "books"); err != nil {
		t.Fatalf("expected recovery after retries: %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestHTTPDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	store, _ := newTestHTTPStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"not_found","message":"no such collection"}`))
	}))

	_, err := store.Select(context.Background(), "books")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusNotFound || httpErr.Code != "not_found" {
		t.Fatalf("expected structured 404 error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("4xx must not be retried, got %d calls", calls)
	}
}

func TestHTTPRetriesExhaust(t *testing.T) {
	var calls int32
	store, _ := newTestHTTPStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := store.Select(context.Background(), "books")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected final 500 after retries, got %v", err)
	}
	// Initial attempt plus maxRetries.
	if atomic.LoadInt32(&calls) != 4 {
		t.Fatalf("expected 4 calls, got %d", calls)
	}
}

func TestWebsocketURLDerivedFromBaseURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{base: "http://localhost:9000", want: "ws://localhost:9000/v1/realtime?collections=books%2Cusers"},
		{base: "https://sync.example.com", want: "wss://sync.example.com/v1/realtime?collections=books%2Cusers"},
	}
	for _, tc := range tests {
		store, err := NewHTTPStore(tc.base, HTTPOptions{})
		if err != nil {
			t.Fatalf("store init failed: %v", err)
		}
		if got := store.websocketURL([]string{"books", "users"}); got != tc.want {
			t.Fatalf("websocketURL(%q) = %q, want %q", tc.base, got, tc.want)
		}
	}
}
