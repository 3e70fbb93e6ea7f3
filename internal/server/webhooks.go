package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"budgetline/internal/config"
	"budgetline/internal/domain"
	"budgetline/internal/engine"
)

var webhookInterval = 2 * time.Second

const (
	defaultWebhookTimeout = 5 * time.Second
	webhookBatchSize      = 100
)

// webhookDispatcher tails the unit's event feed and pushes matching events to
// the configured endpoints. Each hook keeps its own cursor starting at the
// feed position observed at boot; earlier events are never replayed.
type webhookDispatcher struct {
	engine   engine.Engine
	uniteID  string
	webhooks []config.WebhookConfig
	client   *http.Client
	mu       sync.Mutex
	cursors  map[int]int64
}

func startWebhookDispatcher(e engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	uniteID := e.Config.Unite.ID
	if strings.TrimSpace(uniteID) == "" {
		return
	}
	d := &webhookDispatcher{
		engine:   e,
		uniteID:  uniteID,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[int]int64),
	}
	// Pin each hook's cursor to the feed position at boot, before the first
	// request can append events.
	for i := range d.webhooks {
		d.cursorFor(i)
	}
	go d.run(webhookInterval)
}

func (d *webhookDispatcher) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		<-ticker.C
	}
}

func (d *webhookDispatcher) dispatchAll() {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(idx int, hook config.WebhookConfig) {
	ctx := context.Background()
	cursor := d.cursorFor(idx)
	events, err := d.engine.Repo.EventsAfter(ctx, webhookBatchSize, cursor, d.uniteID)
	if err != nil {
		log.Printf("webhook: fetch events failed: %v", err)
		return
	}
	filter := newDeliveryFilter(hook)
	for _, evt := range events {
		body, deliver := buildWebhookEvent(evt, filter)
		if !deliver {
			d.setCursor(idx, evt.ID)
			continue
		}
		// Cursor only advances after a 2xx; delivery is at-least-once.
		if err := d.postEvent(ctx, hook, body); err != nil {
			log.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *webhookDispatcher) cursorFor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestEventID(context.Background(), d.uniteID)
	if err != nil {
		log.Printf("webhook: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

// webhookEvent is the delivery body. Transition events additionally carry the
// flattened workflow fields, so badge consumers never parse payload_json.
type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	UniteID    string          `json:"unite_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`

	CaseID     string `json:"case_id,omitempty"`
	FromStage  string `json:"from_stage,omitempty"`
	ToStage    string `json:"to_stage,omitempty"`
	CaseStatus string `json:"case_status,omitempty"`
}

type deliveryFilter struct {
	allTypes bool
	types    map[string]struct{}
	stages   map[string]struct{}
}

func newDeliveryFilter(hook config.WebhookConfig) deliveryFilter {
	f := deliveryFilter{types: map[string]struct{}{}, stages: map[string]struct{}{}}
	for _, evt := range hook.Events {
		if key := strings.TrimSpace(evt); key != "" {
			f.types[key] = struct{}{}
		}
	}
	f.allTypes = len(f.types) == 0
	for _, s := range hook.Stages {
		if key := strings.TrimSpace(s); key != "" {
			f.stages[key] = struct{}{}
		}
	}
	return f
}

func (f deliveryFilter) matchType(evtType string) bool {
	if f.allTypes {
		return true
	}
	_, ok := f.types[evtType]
	return ok
}

// matchStage applies the stage filter to the transition's destination stage.
// A configured stage filter suppresses events that carry no stage at all.
func (f deliveryFilter) matchStage(toStage string) bool {
	if len(f.stages) == 0 {
		return true
	}
	_, ok := f.stages[toStage]
	return ok
}

func buildWebhookEvent(evt domain.Event, filter deliveryFilter) (webhookEvent, bool) {
	if !filter.matchType(evt.Type) {
		return webhookEvent{}, false
	}
	body := webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		UniteID:    evt.UniteID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    json.RawMessage("{}"),
	}
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		body.Payload = json.RawMessage(evt.Payload)
		var transition struct {
			CaseID    string `json:"case_id"`
			FromStage string `json:"from_stage"`
			ToStage   string `json:"to_stage"`
			NewStatus string `json:"new_status"`
		}
		if err := json.Unmarshal([]byte(evt.Payload), &transition); err == nil {
			body.CaseID = transition.CaseID
			body.FromStage = transition.FromStage
			body.ToStage = transition.ToStage
			body.CaseStatus = transition.NewStatus
		}
	}
	if !filter.matchStage(body.ToStage) {
		return webhookEvent{}, false
	}
	return body, true
}

// signWebhookBody computes the hex HMAC-SHA256 of the delivery body. The
// secret itself never travels on the wire.
func signWebhookBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, body webhookEvent) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Budgetline-Event", body.Type)
	req.Header.Set("X-Budgetline-Delivery", fmt.Sprintf("%d", body.ID))
	req.Header.Set("X-Budgetline-Unite", d.uniteID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Budgetline-Signature", signWebhookBody(hook.Secret, data))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}
