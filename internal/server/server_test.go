package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"casetrail/internal/agents"
	"casetrail/internal/config"
	"casetrail/internal/db"
	"casetrail/internal/domain"
	"casetrail/internal/engine"
	"casetrail/internal/migrate"
	"casetrail/internal/orchestrate"
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

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("casetrail")
	e := engine.New(conn, cfg)
	ctx := context.Background()
	if err := e.Seed(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// Store-side role assignments used by the legacy header path.
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	for actor, role := range map[string]string{
		"devon": "DEVELOPER",
		"vera":  "FINAL_APPROVER",
		"root":  "ADMIN",
	} {
		if err := e.Auth.EnsureActor(ctx, tx, actor); err != nil {
			t.Fatalf("ensure actor: %v", err)
		}
		if err := e.Repo.AssignRole(ctx, tx, actor, role); err != nil {
			t.Fatalf("assign role: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	orch := orchestrate.New(e, agents.NewLocal(), time.Minute)
	srvCtx, cancel := context.WithCancel(ctx)
	handler, err := New(srvCtx, Config{
		Engine:       e,
		Orchestrator: orch,
		BasePath:     "/v1",
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
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			cancel()
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
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

func asActor(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func createCase(t *testing.T, srv *testServer, actor string) domain.BusinessCase {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/cases", map[string]any{
		"title":             "Checkout rewrite",
		"problem_statement": "Cart abandonment is 40% on mobile.",
	}, asActor(actor))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create case: %d %s", res.StatusCode, string(data))
	}
	var c domain.BusinessCase
	if err := json.Unmarshal(data, &c); err != nil {
		t.Fatalf("unmarshal case: %v", err)
	}
	return c
}

func TestCaseLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	c := createCase(t, srv, "alice")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+c.ID+"/prd/generate", map[string]any{}, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("generate prd: %d %s", res.StatusCode, string(data))
	}
	var after domain.BusinessCase
	_ = json.Unmarshal(data, &after)
	if after.Status != "PRD_DRAFTING" {
		t.Fatalf("status %s after generate", after.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/cases/"+c.ID+"/prd", nil, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get prd: %d %s", res.StatusCode, string(data))
	}
	var draft domain.Draft
	_ = json.Unmarshal(data, &draft)
	if draft.ContentMarkdown == "" {
		t.Fatalf("empty generated PRD")
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/cases/"+c.ID+"/prd", map[string]any{
		"content_markdown": "# PRD\n\nRevised by the owner.",
	}, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("edit prd: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+c.ID+"/prd/submit", map[string]any{}, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit prd: %d %s", res.StatusCode, string(data))
	}

	// Approval chains into system design drafting via the orchestrator.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+c.ID+"/prd/approve", map[string]any{}, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve prd: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &after)
	if after.Status != "SYSTEM_DESIGN_DRAFTED" {
		t.Fatalf("status %s after prd approval", after.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/cases/"+c.ID+"/history", nil, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history: %d %s", res.StatusCode, string(data))
	}
	var page struct {
		Items []map[string]any `json:"items"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(page.Items) < 4 {
		t.Fatalf("expected history entries, got %d", len(page.Items))
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	c := createCase(t, srv, "alice")

	// Out-of-order action: 409 invalid_transition.
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+c.ID+"/prd/approve", map[string]any{}, asActor("alice"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_transition" {
		t.Fatalf("code %s", code)
	}

	// Wrong actor on a legal action: 403 unauthorized.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+c.ID+"/prd/generate", map[string]any{}, asActor("mallory"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("code %s", code)
	}

	// Stale version: 409 concurrent_modification.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+c.ID+"/prd/generate", map[string]any{
		"version": c.Version + 10,
	}, asActor("alice"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "concurrent_modification" {
		t.Fatalf("code %s", code)
	}

	// Unknown case: 404 not_found.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/cases/no-such-case", nil, asActor("alice"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}

	// No credentials at all: 401.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/cases", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
}

func TestRoleBasedReview(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	c := createCase(t, srv, "alice")

	for _, step := range []string{"prd/generate", "prd/submit", "prd/approve", "system-design/submit"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+c.ID+"/"+step, map[string]any{}, asActor("alice"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s: %d %s", step, res.StatusCode, string(data))
		}
	}

	// The owner lacks DEVELOPER, so design approval is forbidden.
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+c.ID+"/system-design/approve", map[string]any{}, asActor("alice"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for owner, got %d %s", res.StatusCode, string(data))
	}

	// devon holds DEVELOPER in the store; the legacy header picks it up.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+c.ID+"/system-design/approve", map[string]any{}, asActor("devon"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("developer approval: %d %s", res.StatusCode, string(data))
	}
	var after domain.BusinessCase
	_ = json.Unmarshal(data, &after)
	if after.Status != "PLANNING_COMPLETE" {
		t.Fatalf("status %s after design approval", after.Status)
	}
}

func TestRateCardPermission(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	body := map[string]any{
		"currency": "EUR",
		"rates":    map[string]float64{"backend_engineer": 110},
	}
	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v1/rate-cards/eu-rates", body, asActor("alice"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "forbidden" {
		t.Fatalf("code %s", code)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/rate-cards/eu-rates", body, asActor("root"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin upsert: %d %s", res.StatusCode, string(data))
	}
	var card domain.RateCard
	_ = json.Unmarshal(data, &card)
	if card.Currency != "EUR" || !card.IsActive {
		t.Fatalf("unexpected card %+v", card)
	}
}

func TestJWTAuth(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	claims := jwt.MapClaims{
		"sub":   "carol",
		"roles": []string{"DEVELOPER"},
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var me struct {
		ActorID string   `json:"actor_id"`
		Roles   []string `json:"roles"`
		Source  string   `json:"source"`
	}
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "carol" || me.Source != "jwt" {
		t.Fatalf("unexpected principal %+v", me)
	}

	// A token signed with the wrong key is rejected.
	bad, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other-secret"))
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"Authorization": "Bearer " + bad,
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", res.StatusCode)
	}
}
