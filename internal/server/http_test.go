package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alfredjeanlab/switchboard/internal/auth"
	"github.com/alfredjeanlab/switchboard/internal/bus"
	"github.com/alfredjeanlab/switchboard/internal/directory"
	"github.com/alfredjeanlab/switchboard/internal/eventlog"
	"github.com/alfredjeanlab/switchboard/internal/events"
	"github.com/alfredjeanlab/switchboard/internal/model"
	"github.com/alfredjeanlab/switchboard/internal/sequence"
)

const (
	testSecret       = "test-secret"
	testServiceToken = "svc-token"
)

type testServer struct {
	t        *testing.T
	bus      *bus.Bus
	hub      *events.Hub
	dir      *directory.Static
	verifier *auth.Verifier
	srv      *httptest.Server
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	hub := events.NewHub()
	b := bus.New(sequence.NewMemory(), eventlog.NewMemory(eventlog.Options{}), hub, bus.Options{})
	dir := directory.NewStatic()
	v := auth.NewVerifier(testSecret)

	opts.Directory = dir
	opts.Verifier = v
	if opts.ServiceToken == "" {
		opts.ServiceToken = testServiceToken
	}
	srv := httptest.NewServer(New(b, opts).NewHTTPHandler())
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
	})
	return &testServer{t: t, bus: b, hub: hub, dir: dir, verifier: v, srv: srv}
}

func (ts *testServer) token(userID string) string {
	ts.t.Helper()
	tok, err := ts.verifier.Mint(userID, time.Hour)
	if err != nil {
		ts.t.Fatal(err)
	}
	return tok
}

func (ts *testServer) publish(resourceID string, n int) {
	ts.t.Helper()
	for range n {
		if _, err := ts.bus.Publish(context.Background(), model.PublishRequest{
			Type:       model.TypeMessageNew,
			ResourceID: resourceID,
		}); err != nil {
			ts.t.Fatal(err)
		}
	}
}

// get issues an authenticated GET as userID and decodes the JSON body.
func (ts *testServer) get(userID, path string, out any) int {
	ts.t.Helper()
	req, _ := http.NewRequest(http.MethodGet, ts.srv.URL+path, nil)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token(userID))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		ts.t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			ts.t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	ts := newTestServer(t, Options{Checks: map[string]HealthCheck{
		"redis": func(context.Context) error {
			if healthy.Load() {
				return nil
			}
			return errors.New("connection refused")
		},
	}})

	var body map[string]any
	if code := ts.get("", "/health", &body); code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthy: %d %v", code, body)
	}

	healthy.Store(false)
	body = nil
	if code := ts.get("", "/health", &body); code != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Fatalf("unhealthy: %d %v", code, body)
	}
	failing, _ := body["failing"].(map[string]any)
	if failing["redis"] != "connection refused" {
		t.Errorf("failing = %v", body["failing"])
	}
}

func TestSequence_Batched(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.dir.Set(directory.Membership{UserID: "u1", DMs: []string{"42", "43"}})
	ts.publish("dm:42", 4)

	var body struct {
		Sequences map[string]int64 `json:"sequences"`
	}
	if code := ts.get("u1", "/events/sequence?resource_ids=dm:42,dm:43", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(body.Sequences) != 2 || body.Sequences["dm:42"] != 4 || body.Sequences["dm:43"] != 0 {
		t.Errorf("sequences = %v, want dm:42=4 dm:43=0", body.Sequences)
	}
}

func TestSequence_Single(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.dir.Set(directory.Membership{UserID: "u1", Channels: []string{"c1"}})
	ts.publish("channel:c1", 2)

	var body struct {
		ResourceID string `json:"resource_id"`
		Sequence   int64  `json:"sequence"`
	}
	if code := ts.get("u1", "/events/sequence?resource_id=channel:c1", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body.ResourceID != "channel:c1" || body.Sequence != 2 {
		t.Errorf("body = %+v", body)
	}
}

func TestResync(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.dir.Set(directory.Membership{UserID: "u1", Channels: []string{"c1"}})
	ts.publish("channel:c1", 5)

	tests := []struct {
		query   string
		want    []int64
		hasMore bool
	}{
		{"resource_id=channel:c1&last_sequence=0", []int64{1, 2, 3, 4, 5}, false},
		{"resource_id=channel:c1&last_sequence=2", []int64{3, 4, 5}, false},
		{"resource_id=channel:c1&last_sequence=1&limit=2", []int64{2, 3}, true},
		{"resource_id=channel:c1&last_sequence=5", []int64{}, false},
	}
	for _, tc := range tests {
		t.Run(tc.query, func(t *testing.T) {
			var page model.Page
			if code := ts.get("u1", "/events/resync?"+tc.query, &page); code != http.StatusOK {
				t.Fatalf("status = %d", code)
			}
			if page.ResourceID != "channel:c1" || page.HasMore != tc.hasMore {
				t.Errorf("page = %+v", page)
			}
			if page.Events == nil {
				t.Fatal("events is null, want []")
			}
			var got []int64
			for _, e := range page.Events {
				got = append(got, e.Sequence)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("got %v, want %v", got, tc.want)
				}
			}
		})
	}
}

func TestResync_LimitCapped(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.dir.Set(directory.Membership{UserID: "u1", Channels: []string{"c1"}})
	ts.publish("channel:c1", eventlog.MaxLimit+10)

	var page model.Page
	if code := ts.get("u1", "/events/resync?resource_id=channel:c1&last_sequence=0&limit=1000", &page); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(page.Events) != eventlog.MaxLimit || !page.HasMore {
		t.Errorf("got %d events (has_more %v), want %d with more", len(page.Events), page.HasMore, eventlog.MaxLimit)
	}
}

func TestFallbackEndpoints_Errors(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.dir.Set(directory.Membership{UserID: "u1", Channels: []string{"c1"}})

	tests := []struct {
		name    string
		user    string
		path    string
		want    int
		message string
	}{
		{"resync no resource", "u1", "/events/resync?last_sequence=0", 400, "resource_id is required"},
		{"resync bad resource", "u1", "/events/resync?resource_id=room:1&last_sequence=0", 400, `invalid resource id "room:1"`},
		{"resync no last", "u1", "/events/resync?resource_id=channel:c1", 400, "last_sequence is required"},
		{"resync negative", "u1", "/events/resync?resource_id=channel:c1&last_sequence=-1", 400, "last_sequence must be a non-negative integer"},
		{"resync not int", "u1", "/events/resync?resource_id=channel:c1&last_sequence=abc", 400, "last_sequence must be a non-negative integer"},
		{"resync bad limit", "u1", "/events/resync?resource_id=channel:c1&last_sequence=0&limit=0", 400, "limit must be a positive integer"},
		{"resync forbidden", "u1", "/events/resync?resource_id=channel:c2&last_sequence=0", 403, "forbidden"},
		{"resync unauthenticated", "", "/events/resync?resource_id=channel:c1&last_sequence=0", 401, "invalid token"},
		{"sequence no params", "u1", "/events/sequence", 400, "resource_id or resource_ids is required"},
		{"sequence empty list", "u1", "/events/sequence?resource_ids=,", 400, "resource_id or resource_ids is required"},
		{"sequence bad id", "u1", "/events/sequence?resource_ids=channel:c1,bogus", 400, `invalid resource id "bogus"`},
		{"sequence forbidden", "u1", "/events/sequence?resource_ids=channel:c1,dm:9", 403, "forbidden"},
		{"stream unauthenticated", "", "/events/stream", 401, "invalid token"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var body map[string]string
			code := ts.get(tc.user, tc.path, &body)
			if code != tc.want || body["error"] != tc.message {
				t.Errorf("got %d %q, want %d %q", code, body["error"], tc.want, tc.message)
			}
		})
	}
}

func postPublish(t *testing.T, ts *testServer, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, ts.srv.URL+"/events/publish", strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestPublish(t *testing.T) {
	ts := newTestServer(t, Options{})

	resp, body := postPublish(t, ts, testServiceToken,
		`{"type":"message.new","actor_id":"app","resource_id":"channel:c1","payload":{"text":"hi"}}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	if body["sequence"] != float64(1) || body["resource_id"] != "channel:c1" {
		t.Errorf("envelope = %v", body)
	}
	if p, _ := body["payload"].(map[string]any); p["text"] != "hi" {
		t.Errorf("payload = %v", body["payload"])
	}

	tests := []struct {
		name  string
		token string
		body  string
		want  int
	}{
		{"no token", "", `{"type":"message.new","resource_id":"channel:c1"}`, 401},
		{"user token", ts.token("u1"), `{"type":"message.new","resource_id":"channel:c1"}`, 401},
		{"bad json", testServiceToken, `{`, 400},
		{"unknown field", testServiceToken, `{"type":"message.new","resource_id":"channel:c1","extra":1}`, 400},
		{"missing type", testServiceToken, `{"resource_id":"channel:c1"}`, 400},
		{"bad resource", testServiceToken, `{"type":"message.new","resource_id":"nope"}`, 400},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := postPublish(t, ts, tc.token, tc.body)
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d (body %v)", resp.StatusCode, tc.want, body)
			}
		})
	}

	seq, _ := ts.bus.CurrentSequence(context.Background(), "channel:c1")
	if seq != 1 {
		t.Errorf("sequence = %d after rejected publishes, want 1", seq)
	}
}

func TestRoutes_GatewayMount(t *testing.T) {
	var gotUser string
	ts := newTestServer(t, Options{Gateway: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = auth.UserFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})})
	if code := ts.get("u7", "/gateway", nil); code != http.StatusNoContent {
		t.Fatalf("status = %d", code)
	}
	if gotUser != "u7" {
		t.Errorf("gateway saw user %q", gotUser)
	}
	if code := ts.get("", "/gateway", nil); code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d", code)
	}
}
