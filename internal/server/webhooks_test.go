package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"budgetline/internal/config"
	"budgetline/internal/domain"
)

func TestWebhookDeliverySignedAndFiltered(t *testing.T) {
	type delivery struct {
		body      []byte
		signature string
		evtType   string
		unite     string
	}
	received := make(chan delivery, 8)
	hookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		received <- delivery{
			body:      data,
			signature: r.Header.Get("X-Budgetline-Signature"),
			evtType:   r.Header.Get("X-Budgetline-Event"),
			unite:     r.Header.Get("X-Budgetline-Unite"),
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer hookSrv.Close()

	oldInterval := webhookInterval
	webhookInterval = 50 * time.Millisecond
	defer func() { webhookInterval = oldInterval }()

	srv, cleanup := newTestServer(t, func(c *config.Config) {
		c.Webhooks = append(c.Webhooks, config.WebhookConfig{
			URL:    hookSrv.URL,
			Events: []string{"case.transition"},
			Stages: []string{string(domain.StageNoteSEF)},
			Secret: "s3cr3t",
		})
	})
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases", map[string]any{
		"objet": "Réfection de la toiture",
	}, asActor("admin-1"))
	var created domain.SpendingCase
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal case: %v", err)
	}
	doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+created.ID+"/start", nil, asActor("admin-1"))

	select {
	case got := <-received:
		if got.evtType != "case.transition" {
			t.Fatalf("event type filter let through %q", got.evtType)
		}
		if got.unite != "daf" {
			t.Fatalf("unite header = %q", got.unite)
		}
		if want := signWebhookBody("s3cr3t", got.body); got.signature != want {
			t.Fatalf("signature = %q, want %q", got.signature, want)
		}
		var evt webhookEvent
		if err := json.Unmarshal(got.body, &evt); err != nil {
			t.Fatalf("unmarshal delivery: %v", err)
		}
		if evt.CaseID != created.ID || evt.ToStage != string(domain.StageNoteSEF) {
			t.Fatalf("unexpected transition fields: %+v", evt)
		}
		if evt.CaseStatus != string(domain.CaseDraft) {
			t.Fatalf("case status = %q", evt.CaseStatus)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no webhook delivery")
	}
}
