package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"reviewline/internal/config"
	"reviewline/internal/db"
	"reviewline/internal/domain"
	"reviewline/internal/engine"
	"reviewline/internal/migrate"
	"reviewline/internal/transport"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

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
	e := engine.New(conn, config.Default("contest"))
	if err := e.InitContest(context.Background(), "contest", "tester"); err != nil {
		t.Fatalf("init contest: %v", err)
	}
	router := transport.NewRouter(e, transport.LogNotifier{Log: slog.Default()}, nil)
	handler, err := New(Config{
		Engine:   e,
		Router:   router,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowAnonymousParticipants: true},
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
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func adminToken(t *testing.T) string {
	t.Helper()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "organizer"},
		Admin:            true,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, bearer string) (*http.Response, []byte) {
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
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
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

func TestSubmissionReviewFlow(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	admin := adminToken(t)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/curators", map[string]any{
		"name": "Casey", "channel_id": "cur-1",
	}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add curator status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/participants", map[string]any{
		"channel_id": "part-1", "name": "Pat", "group": "A",
	}, "")
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register status %d: %s", res.StatusCode, data)
	}
	var reg struct {
		Participant domain.Participant `json:"participant"`
		Curator     domain.Curator     `json:"curator"`
	}
	if err := json.Unmarshal(data, &reg); err != nil {
		t.Fatalf("unmarshal registration: %v", err)
	}
	if reg.Curator.ChannelID != "cur-1" {
		t.Fatalf("assigned curator = %s", reg.Curator.ChannelID)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/participants/part-1/submissions", map[string]any{
		"task_id":   2,
		"fragments": []map[string]any{{"kind": "text", "text": "my answer"}},
	}, "")
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, data)
	}
	var sub struct {
		Submission domain.Submission `json:"submission"`
	}
	if err := json.Unmarshal(data, &sub); err != nil {
		t.Fatalf("unmarshal submission: %v", err)
	}
	if sub.Submission.Status != domain.StatusPending {
		t.Fatalf("submission status = %s", sub.Submission.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/curators/cur-1/queue/next", nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("queue status %d: %s", res.StatusCode, data)
	}
	var next struct {
		Item engine.ReviewItem `json:"item"`
	}
	if err := json.Unmarshal(data, &next); err != nil {
		t.Fatalf("unmarshal queue: %v", err)
	}
	if next.Item.Submission.ID != sub.Submission.ID {
		t.Fatalf("queue head = %s, want %s", next.Item.Submission.ID, sub.Submission.ID)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/submissions/"+sub.Submission.ID+"/decision", map[string]any{
		"accept": true,
	}, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decision status %d: %s", res.StatusCode, data)
	}
	var decision engine.Decision
	if err := json.Unmarshal(data, &decision); err != nil {
		t.Fatalf("unmarshal decision: %v", err)
	}
	if decision.Points != 1 || decision.Total != 1 {
		t.Fatalf("decision = %+v", decision)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/standings", nil, "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("standings status %d: %s", res.StatusCode, data)
	}
	var standings struct {
		Rows []domain.StandingsRow `json:"rows"`
	}
	if err := json.Unmarshal(data, &standings); err != nil {
		t.Fatalf("unmarshal standings: %v", err)
	}
	if len(standings.Rows) != 1 || standings.Rows[0].Points != 1 || standings.Rows[0].Rank != 1 {
		t.Fatalf("standings = %+v", standings.Rows)
	}
}

func TestAdminEndpointsRejectAnonymous(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/curators", map[string]any{
		"name": "Casey", "channel_id": "cur-1",
	}, "")
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("anonymous add curator status %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "forbidden" {
		t.Fatalf("error code = %q", envelope.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/curators/cur-1/queue/next", nil, "")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous queue status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/submissions/x/decision", map[string]any{
		"accept": true,
	}, "")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous decision status %d: %s", res.StatusCode, data)
	}
}

func TestDomainErrorsMapToStatus(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	admin := adminToken(t)

	// no curators yet: registration is refused
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/participants", map[string]any{
		"channel_id": "part-1", "name": "Pat",
	}, "")
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("no-curator register status %d: %s", res.StatusCode, data)
	}

	// unknown participant: profile is 404
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/participants/ghost", nil, "")
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("ghost profile status %d: %s", res.StatusCode, data)
	}

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/curators", map[string]any{"name": "Casey", "channel_id": "cur-1"}, admin)
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/participants", map[string]any{"channel_id": "part-1", "name": "Pat"}, "")

	// locked final task
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/participants/part-1/submissions", map[string]any{
		"task_id":   13,
		"fragments": []map[string]any{{"kind": "photo", "ref": "f1"}},
	}, "")
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("locked task status %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "task_locked" {
		t.Fatalf("error code = %q", envelope.Error.Code)
	}
}

func TestEventIngest(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	admin := adminToken(t)

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/curators", map[string]any{"name": "Casey", "channel_id": "cur-1"}, admin)

	payload, _ := json.Marshal(map[string]any{"participant_id": "part-1", "name": "Pat", "group": "A"})
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/events", map[string]any{
		"type":    "registered",
		"payload": json.RawMessage(payload),
	}, admin)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("ingest status %d: %s", res.StatusCode, data)
	}

	p, err := srv.Engine.Repo.GetParticipant(context.Background(), "part-1")
	if err != nil {
		t.Fatalf("participant not created: %v", err)
	}
	if p.CuratorOrdinal == nil {
		t.Fatal("participant has no curator")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/events", map[string]any{
		"type":    "registered",
		"payload": json.RawMessage(payload),
	}, "")
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("anonymous ingest status %d: %s", res.StatusCode, data)
	}
}

func TestCuratorTokenAuth(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	admin := adminToken(t)

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/curators", map[string]any{"name": "Casey", "channel_id": "cur-1"}, admin)
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/curators", map[string]any{"name": "Riley", "channel_id": "cur-2"}, admin)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/curators/cur-1/tokens", nil, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("mint token status %d: %s", res.StatusCode, data)
	}
	var minted struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &minted); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/curators/cur-1/queue/next", nil, minted.Token)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("own empty queue status %d, want 404: %s", res.StatusCode, data)
	}

	// the token is bound to cur-1 only
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/curators/cur-2/queue/next", nil, minted.Token)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign queue status %d, want 403: %s", res.StatusCode, data)
	}
}

func TestInviteFlow(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	admin := adminToken(t)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/curators/invites", nil, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("mint invite status %d: %s", res.StatusCode, data)
	}
	var invite struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &invite); err != nil {
		t.Fatalf("unmarshal invite: %v", err)
	}

	// joining with an invite token needs no admin identity
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/curators", map[string]any{
		"name": "Newcomer", "channel_id": "cur-2", "invite_token": invite.Token,
	}, "")
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("join status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/curators", map[string]any{
		"name": "Tagalong", "channel_id": "cur-3", "invite_token": invite.Token,
	}, "")
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("reused invite status %d: %s", res.StatusCode, data)
	}
}
