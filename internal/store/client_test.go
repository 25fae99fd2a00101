package store

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jobber/chat-app/internal/chat"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	config := DefaultConfig()
	config.BaseURL = srv.URL
	config.RetryBase = 5 * time.Millisecond // keep test runtime down
	return NewClient(config), srv
}

func TestResolveRoom(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/job/7" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Write([]byte(`{"id":42,"participants":[1001,1002]}`))
	}))

	ref, err := client.ResolveRoom(context.Background(), 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ref.ID != 42 {
		t.Fatalf("expected room 42, got %d", ref.ID)
	}
	if len(ref.Participants) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(ref.Participants))
	}
}

func TestResolveRoomNotFoundVsForbidden(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chat/job/1":
			http.Error(w, `{"error":"job not found"}`, http.StatusNotFound)
		case "/chat/job/2":
			http.Error(w, `{"error":"not a participant"}`, http.StatusForbidden)
		}
	}))

	_, err := client.ResolveRoom(context.Background(), 1)
	if !IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if IsForbidden(err) {
		t.Fatal("NotFound must not also report Forbidden")
	}

	_, err = client.ResolveRoom(context.Background(), 2)
	if !IsForbidden(err) {
		t.Fatalf("expected Forbidden, got %v", err)
	}
}

func TestFetchMessagesRetriesNotFound(t *testing.T) {
	// 404 twice, then 200: FetchMessages must resolve with the list.
	var calls int32
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			http.Error(w, `{"error":"room not found"}`, http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"messages":[{"id":1,"chatRoomId":42,"senderId":1001,"content":"hi","messageType":"text","timestamp":"2026-08-01T12:00:00Z"}]}`))
	}))

	msgs, err := client.FetchMessages(context.Background(), 42)
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != 1 {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestFetchMessagesExhaustsRetries(t *testing.T) {
	var calls int32
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"error":"room not found"}`, http.StatusNotFound)
	}))

	_, err := client.FetchMessages(context.Background(), 42)
	if !IsNotFound(err) {
		t.Fatalf("expected NotFound after exhausting retries, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", got)
	}
}

func TestFetchMessagesAbortsOnOtherStatus(t *testing.T) {
	var calls int32
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	}))

	_, err := client.FetchMessages(context.Background(), 42)
	if err == nil {
		t.Fatal("expected error")
	}
	if IsNotFound(err) {
		t.Fatal("500 must not be classified as NotFound")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected a single attempt for non-404 error, got %d", got)
	}
}

func TestFetchMessagesHonorsContextDuringBackoff(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"room not found"}`, http.StatusNotFound)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// First attempt may complete before the cancel is observed in the
	// backoff select, but the call must return promptly with an error.
	if _, err := client.FetchMessages(ctx, 42); err == nil {
		t.Fatal("expected error with cancelled context")
	}
}

func TestPostMessage(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/chat/room/42/messages" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Write([]byte(`{"id":5001,"chatRoomId":42,"senderId":1001,"content":"hello","messageType":"text","timestamp":"2026-08-01T12:00:00Z"}`))
	}))

	msg, err := client.PostMessage(context.Background(), 42, 1001, "Ann", "hello", chat.KindText)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.ID != 5001 {
		t.Fatalf("expected store-assigned id 5001, got %d", msg.ID)
	}
}

func TestMarkReadBestEffort(t *testing.T) {
	clientOK, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	if !clientOK.MarkRead(context.Background(), 42) {
		t.Fatal("expected MarkRead to succeed")
	}

	clientBad, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	// Failure is swallowed: returns false, never an error or panic.
	if clientBad.MarkRead(context.Background(), 42) {
		t.Fatal("expected MarkRead to report failure")
	}
}

func TestBearerTokenApplied(t *testing.T) {
	var gotAuth string
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"id":1}`))
	}))
	client.Token = func() string { return "tok123" }

	if _, err := client.ResolveRoom(context.Background(), 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer tok123" {
		t.Fatalf("expected bearer header, got %q", gotAuth)
	}
}
