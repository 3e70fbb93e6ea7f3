package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"budgetline/internal/config"
	"budgetline/internal/db"
	"budgetline/internal/domain"
	"budgetline/internal/engine"
	"budgetline/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, mutate ...func(*config.Config)) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("daf")
	for _, fn := range mutate {
		fn(cfg)
	}
	e := engine.New(conn, cfg)
	seedActors(t, e)

	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func seedActors(t *testing.T, e engine.Engine) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	defer tx.Rollback()
	actors := []domain.Actor{
		{ID: "admin-1", Profile: domain.ProfileAdmin, Level: 5},
		{ID: "dg-1", Profile: domain.ProfileDG, Role: domain.RoleDG, Level: 5},
		{ID: "cb-1", Profile: domain.ProfileControleur, Role: domain.RoleCB, Level: 3},
		{ID: "tres-1", Profile: domain.ProfileTresorerie, Role: domain.RoleTresorerie, Level: 3},
	}
	for _, a := range actors {
		if err := e.Repo.UpsertActor(ctx, tx, a, now); err != nil {
			t.Fatalf("seed actor %s: %v", a.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asActor(id string) map[string]string {
	return map[string]string{"X-Actor-Id": id}
}

// errorCode unwraps the nested error envelope: {"error":{"code","message"}}.
func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope %s: %v", string(data), err)
	}
	if envelope.Error.Code == "" {
		t.Fatalf("error envelope missing code: %s", string(data))
	}
	return envelope.Error.Code
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/cases", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}
}

func TestCaseLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases", map[string]any{
		"objet":            "Achat de mobilier de bureau",
		"estimated_amount": 1_200_000,
	}, asActor("admin-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create case: %d %s", res.StatusCode, string(data))
	}
	var created domain.SpendingCase
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal case: %v", err)
	}
	if created.Reference == "" || created.Status != domain.CaseDraft {
		t.Fatalf("unexpected created case: %+v", created)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+created.ID+"/start", nil, asActor("admin-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start: %d %s", res.StatusCode, string(data))
	}

	// Starting twice is a conflict.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+created.ID+"/start", nil, asActor("admin-1"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on second start, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "already_started" {
		t.Fatalf("expected already_started, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/cases/"+created.ID+"/status", nil, asActor("dg-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: %d %s", res.StatusCode, string(data))
	}
	var st engine.StatusResult
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if !st.Exists || st.CurrentStage != domain.StageNoteSEF {
		t.Fatalf("unexpected status: %+v", st)
	}

	// Treasury cannot validate the SEF note.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+created.ID+"/actions", map[string]any{
		"action": "validate",
	}, asActor("tres-1"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("expected unauthorized, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+created.ID+"/actions", map[string]any{
		"action": "validate",
	}, asActor("dg-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate: %d %s", res.StatusCode, string(data))
	}
	var adv engine.AdvanceResult
	if err := json.Unmarshal(data, &adv); err != nil {
		t.Fatalf("unmarshal advance: %v", err)
	}
	if adv.NewStage != domain.StageNoteAEF {
		t.Fatalf("expected note_aef, got %s", adv.NewStage)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/cases/"+created.ID+"/history", nil, asActor("dg-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history: %d %s", res.StatusCode, string(data))
	}
	var hist []domain.HistoryEntry
	if err := json.Unmarshal(data, &hist); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(hist) != 2 || hist[0].Action != "start" || hist[1].Action != "valide" {
		t.Fatalf("unexpected history: %+v", hist)
	}
}

func TestDeferRequiresMotif(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases", map[string]any{
		"objet": "Maintenance climatisation",
	}, asActor("admin-1"))
	var created domain.SpendingCase
	_ = json.Unmarshal(data, &created)
	doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+created.ID+"/start", nil, asActor("admin-1"))

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+created.ID+"/actions", map[string]any{
		"action": "defer",
	}, asActor("dg-1"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(body))
	}
	if code := errorCode(t, body); code != "missing_reason" {
		t.Fatalf("expected missing_reason, got %s", code)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+created.ID+"/actions", map[string]any{
		"action": "defer",
		"motif":  "attente budget rectificatif",
	}, asActor("dg-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("defer: %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+created.ID+"/resume", nil, asActor("dg-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resume: %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+created.ID+"/resume", nil, asActor("dg-1"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on double resume, got %d %s", res.StatusCode, string(body))
	}
	if code := errorCode(t, body); code != "not_blocked" {
		t.Fatalf("expected not_blocked, got %s", code)
	}
}

func TestCaseNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/cases/does-not-exist", nil, asActor("admin-1"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "not_found" {
		t.Fatalf("expected not_found, got %s", code)
	}
}

func TestErrorEnvelopeShape(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/cases/nope", nil, asActor("admin-1"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := raw["error"]; !ok {
		t.Fatalf("error body must nest under \"error\": %s", string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "not_found" || envelope.Error.Message == "" {
		t.Fatalf("unexpected envelope: %s", string(data))
	}
}

func TestJWTAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "dg-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Profile: string(domain.ProfileDG),
		Role:    domain.RoleDG,
		Level:   5,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var me MeResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "dg-1" || me.Profile != domain.ProfileDG || me.Source != "jwt" {
		t.Fatalf("unexpected principal: %+v", me)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", res.StatusCode)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/apikeys", map[string]any{
		"actor_id": "cb-1",
		"name":     "ci",
	}, asActor("admin-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key: %d %s", res.StatusCode, string(data))
	}
	var createdKey APIKeyCreatedResponse
	if err := json.Unmarshal(data, &createdKey); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if !strings.HasPrefix(createdKey.Key, "blk_") {
		t.Fatalf("raw key should carry the blk_ prefix, got %q", createdKey.Key)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"X-Api-Key": createdKey.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me via api key: %d %s", res.StatusCode, string(data))
	}
	var me MeResponse
	_ = json.Unmarshal(data, &me)
	if me.ActorID != "cb-1" || me.Profile != domain.ProfileControleur || me.Source != "api_key" {
		t.Fatalf("unexpected principal: %+v", me)
	}

	// A successful authentication stamps the key; the hash never leaves the server.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/apikeys", nil, asActor("admin-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list keys: %d %s", res.StatusCode, string(data))
	}
	var keys []domain.APIKey
	if err := json.Unmarshal(data, &keys); err != nil {
		t.Fatalf("unmarshal keys: %v", err)
	}
	if len(keys) != 1 || keys[0].KeyHash != "" {
		t.Fatalf("unexpected key listing: %+v", keys)
	}
	if keys[0].LastUsedAt == nil {
		t.Fatal("last_used_at should be stamped after authentication")
	}

	// Non-admin callers cannot mint keys.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/apikeys", map[string]any{
		"actor_id": "cb-1",
	}, asActor("dg-1"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for _, objet := range []string{"Dossier A", "Dossier B"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases", map[string]any{"objet": objet}, asActor("admin-1"))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create: %d %s", res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/stats", nil, asActor("admin-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stats: %d %s", res.StatusCode, string(data))
	}
	var stats StatsResponse
	if err := json.Unmarshal(data, &stats); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if stats.ByStage["creation"] != 2 || stats.ByStatus["draft"] != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
