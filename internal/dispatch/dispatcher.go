// Package dispatch fans out engine events to live subscribers and
// registered webhooks, grounded on the teacher's internal/alert package
// (goroutine-per-sender dispatch) and internal/api/websocket.go's hub
// (snapshot-then-broadcast over a mutex-guarded subscriber set).
package dispatch

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/oversightgw/oversightgw/internal/store"
)

// Event names emitted by the engine, per spec §4.5.
const (
	EventActionEvaluated    = "action_evaluated"
	EventCheckpointTriggered = "checkpoint_triggered"
	EventActionApproved     = "action_approved"
	EventActionRejected     = "action_rejected"
	EventNearMissRecorded   = "near_miss_recorded"
)

// Event is pushed to live subscribers as {event, data, timestamp}.
type Event struct {
	Event     string `json:"event"`
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"`
}

// Subscriber receives events best-effort, FIFO, per subscriber. A
// subscriber whose Send returns an error is dropped silently at the end of
// that same broadcast — no buffering across disconnects, per spec §4.5.
type Subscriber interface {
	Send(Event) error
}

// Dispatcher owns the live-subscriber set and the registered webhooks,
// and fans events out to both concurrently across webhooks (sequential
// retries per webhook), matching spec §5's concurrency model.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]struct{}

	st     store.Store
	logger *slog.Logger
	client *webhookClient
}

// NewDispatcher creates a Dispatcher backed by st for webhook persistence.
func NewDispatcher(st store.Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		subscribers: make(map[Subscriber]struct{}),
		st:          st,
		logger:      logger.With("component", "dispatch.Dispatcher"),
		client:      newWebhookClient(),
	}
}

// Subscribe registers a live subscriber (e.g. a WebSocket connection).
func (d *Dispatcher) Subscribe(s Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[s] = struct{}{}
}

// Unsubscribe removes a live subscriber.
func (d *Dispatcher) Unsubscribe(s Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subscribers, s)
}

// SubscriberCount reports the number of live subscribers.
func (d *Dispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

// Dispatch fans event out to all live subscribers and all enabled
// webhooks subscribed to it. Live delivery is synchronous-but-best-effort:
// each subscriber's Send is called in turn with no timeout, and a
// subscriber whose Send returns an error is dropped; webhook delivery happens in the background so the triggering request
// never blocks on it.
func (d *Dispatcher) Dispatch(eventName string, data any) {
	evt := Event{Event: eventName, Data: data, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}
	d.broadcastLive(evt)
	go d.deliverWebhooks(eventName, data, evt.Timestamp)
}

// broadcastLive takes a snapshot of subscribers under RLock (so
// subscribers may register or disconnect concurrently without racing the
// broadcast), attempts delivery to each, then removes the ones that
// failed under a separate Lock — grounded directly on the teacher's
// WebSocketHub.Broadcast.
func (d *Dispatcher) broadcastLive(evt Event) {
	d.mu.RLock()
	snapshot := make([]Subscriber, 0, len(d.subscribers))
	for s := range d.subscribers {
		snapshot = append(snapshot, s)
	}
	d.mu.RUnlock()

	var dead []Subscriber
	for _, s := range snapshot {
		if err := s.Send(evt); err != nil {
			dead = append(dead, s)
		}
	}

	if len(dead) == 0 {
		return
	}
	d.mu.Lock()
	for _, s := range dead {
		delete(d.subscribers, s)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) deliverWebhooks(eventName string, data any, timestamp string) {
	hooks, err := d.st.ListWebhooks()
	if err != nil {
		d.logger.Error("listing webhooks for dispatch failed", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, hook := range hooks {
		if !hook.Enabled || !subscribesTo(hook, eventName) {
			continue
		}
		wg.Add(1)
		go func(h *store.Webhook) {
			defer wg.Done()
			d.deliverOne(h, eventName, data, timestamp)
		}(hook)
	}
	wg.Wait()
}

func subscribesTo(hook *store.Webhook, eventName string) bool {
	for _, e := range hook.Events {
		if e == eventName {
			return true
		}
	}
	return false
}

func (d *Dispatcher) deliverOne(hook *store.Webhook, eventName string, data any, timestamp string) {
	payload := webhookPayload{
		Event:     eventName,
		Data:      data,
		Timestamp: timestamp,
		WebhookID: hook.ID,
	}

	if err := d.client.deliverWithRetry(hook.URL, hook.Secret, payload); err != nil {
		d.logger.Warn("webhook delivery failed after retries", "webhook_id", hook.ID, "url", hook.URL, "error", err)
		if _, updateErr := d.st.RecordWebhookFailure(hook.ID); updateErr != nil {
			d.logger.Error("failed to record webhook failure", "webhook_id", hook.ID, "error", updateErr)
		}
		return
	}

	if err := d.st.RecordWebhookSuccess(hook.ID); err != nil {
		d.logger.Error("failed to record webhook success", "webhook_id", hook.ID, "error", err)
	}
}

// webhookPayload is the JSON body POSTed to each subscribed webhook.
type webhookPayload struct {
	Event     string `json:"event"`
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"`
	WebhookID string `json:"webhook_id"`
}

func (p webhookPayload) marshalCanonical() ([]byte, error) {
	// canonicalJSON re-encodes with lexicographically sorted object keys,
	// matching spec §4.5's "HMAC-SHA256 over the canonicalised payload
	// (keys sorted lexicographically)".
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return canonicalJSON(generic)
}
