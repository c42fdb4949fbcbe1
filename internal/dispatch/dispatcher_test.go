package dispatch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/oversightgw/oversightgw/internal/store"
)

// mockStore stubs only the webhook methods dispatch.Dispatcher exercises.
type mockStore struct {
	store.Store

	mu       sync.Mutex
	hooks    map[string]*store.Webhook
	failures map[string]int
}

func newMockStore(hooks ...*store.Webhook) *mockStore {
	m := &mockStore{hooks: make(map[string]*store.Webhook), failures: make(map[string]int)}
	for _, h := range hooks {
		m.hooks[h.ID] = h
	}
	return m
}

func (m *mockStore) ListWebhooks() ([]*store.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.Webhook, 0, len(m.hooks))
	for _, h := range m.hooks {
		out = append(out, h)
	}
	return out, nil
}

func (m *mockStore) RecordWebhookSuccess(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.hooks[id]; ok {
		h.FailureCount = 0
	}
	return nil
}

func (m *mockStore) RecordWebhookFailure(id string) (*store.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[id]++
	h, ok := m.hooks[id]
	if !ok {
		return nil, fmt.Errorf("webhook %s not found", id)
	}
	h.FailureCount++
	return h, nil
}

type stubSubscriber struct {
	mu      sync.Mutex
	events  []Event
	failing bool
}

func (s *stubSubscriber) Send(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return fmt.Errorf("send failed")
	}
	s.events = append(s.events, e)
	return nil
}

func (s *stubSubscriber) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestBroadcastLiveDeliversToAllSubscribers(t *testing.T) {
	d := NewDispatcher(newMockStore(), nil)
	a := &stubSubscriber{}
	b := &stubSubscriber{}
	d.Subscribe(a)
	d.Subscribe(b)

	d.broadcastLive(Event{Event: EventActionEvaluated, Data: map[string]any{"x": 1}})

	if a.count() != 1 || b.count() != 1 {
		t.Fatalf("expected both subscribers to receive the event, got a=%d b=%d", a.count(), b.count())
	}
}

func TestBroadcastLiveDropsFailingSubscriber(t *testing.T) {
	d := NewDispatcher(newMockStore(), nil)
	bad := &stubSubscriber{failing: true}
	good := &stubSubscriber{}
	d.Subscribe(bad)
	d.Subscribe(good)

	d.broadcastLive(Event{Event: EventActionEvaluated})

	if d.SubscriberCount() != 1 {
		t.Errorf("expected the failing subscriber to be dropped, SubscriberCount() = %d", d.SubscriberCount())
	}
	if good.count() != 1 {
		t.Error("expected the healthy subscriber to still receive the event")
	}
}

func TestDeliverWebhookSignsCanonicalPayload(t *testing.T) {
	secret := "s3cr3t"
	received := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(body)

		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
		if got := r.Header.Get("X-Webhook-Signature"); got != want {
			t.Errorf("signature mismatch: got %s want %s", got, want)
		}
		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hook := &store.Webhook{ID: "wh1", URL: srv.URL, Secret: secret, Events: []string{EventActionEvaluated}, Enabled: true}
	st := newMockStore(hook)
	d := NewDispatcher(st, nil)

	d.deliverWebhooks(EventActionEvaluated, map[string]any{"b": 2, "a": 1}, "2026-01-01T00:00:00Z")

	select {
	case body := <-received:
		var decoded map[string]any
		if err := json.Unmarshal(body, &decoded); err != nil {
			t.Fatalf("invalid JSON body: %v", err)
		}
		if decoded["webhook_id"] != "wh1" {
			t.Errorf("webhook_id = %v, want wh1", decoded["webhook_id"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not delivered")
	}
}

func TestDeliverWebhookSkipsDisabledAndUnsubscribed(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	disabled := &store.Webhook{ID: "wh1", URL: srv.URL, Events: []string{EventActionEvaluated}, Enabled: false}
	unsubscribed := &store.Webhook{ID: "wh2", URL: srv.URL, Events: []string{EventNearMissRecorded}, Enabled: true}
	st := newMockStore(disabled, unsubscribed)
	d := NewDispatcher(st, nil)

	d.deliverWebhooks(EventActionEvaluated, nil, "2026-01-01T00:00:00Z")

	if called {
		t.Error("expected neither disabled nor unsubscribed webhook to be called")
	}
}

func TestDeliverWebhookRecordsFailureAfterRetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	hook := &store.Webhook{ID: "wh1", URL: srv.URL, Events: []string{EventActionEvaluated}, Enabled: true}
	st := newMockStore(hook)
	d := NewDispatcher(st, nil)

	start := time.Now()
	d.deliverOne(hook, EventActionEvaluated, nil, "2026-01-01T00:00:00Z")
	elapsed := time.Since(start)

	// 2 retries after the first attempt: sleeps of 2s and 4s.
	if elapsed < 6*time.Second {
		t.Errorf("expected backoff sleeps to elapse (>=6s), got %v", elapsed)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.failures["wh1"] != 1 {
		t.Errorf("expected exactly one RecordWebhookFailure call, got %d", st.failures["wh1"])
	}
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	out, err := canonicalJSON(map[string]any{"b": 1, "a": 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != `{"a":2,"b":1}` {
		t.Errorf("canonicalJSON = %s, want keys sorted", out)
	}
}
