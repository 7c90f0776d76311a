package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concord-consortium/guide-server/internal/catalog"
	"github.com/concord-consortium/guide-server/internal/concepts"
	"github.com/concord-consortium/guide-server/internal/genetics"
	"github.com/concord-consortium/guide-server/internal/i18n"
	"github.com/concord-consortium/guide-server/internal/model"
	"github.com/concord-consortium/guide-server/internal/rules"
	"github.com/concord-consortium/guide-server/internal/store"
	"github.com/concord-consortium/guide-server/internal/tutor"
)

func TestMain(m *testing.M) {
	if err := i18n.Init("en"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type stubCatalog struct {
	cleared []string
}

func (c *stubCatalog) RulesFor(context.Context, string, string) ([]*rules.Rule, error) {
	return nil, nil
}

func (c *stubCatalog) MatrixFor(context.Context, string, string, string) (concepts.Matrix, error) {
	return nil, nil
}

func (c *stubCatalog) ClearCache(_ context.Context, name string) error {
	if name == "missing" {
		return catalog.ErrGroupNotFound
	}
	c.cleared = append(c.cleared, name)
	return nil
}

type testServer struct {
	*httptest.Server
	store   *store.Store
	catalog *stubCatalog
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cat := &stubCatalog{}
	tu := tutor.New(db, cat, genetics.MustNew(), tutor.WithIntn(func(int) int { return 1 }))
	h := New(db, tu, cat, nil)

	r := chi.NewRouter()
	r.Use(i18n.Middleware())
	h.Routes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, store: db, catalog: cat}
}

func (s *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/guide-protocol"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

type frame struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

func send(t *testing.T, conn *websocket.Conn, ev any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{"channel": model.ChannelEvent, "data": ev}))
}

func receive(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var f frame
	require.NoError(t, wsjson.Read(ctx, conn, &f))
	return f
}

func startedEvent() map[string]any {
	return map[string]any{
		"actor": "SYSTEM", "action": "STARTED", "target": "SESSION",
		"username": "alice", "session": "sess-1",
		"time":    "2024-05-01T09:00:00Z",
		"context": map[string]any{"group": "default"},
	}
}

func TestSocketRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	conn := srv.dial(t)

	send(t, conn, startedEvent())
	f := receive(t, conn)
	require.Equal(t, model.ChannelDialog, f.Channel)

	var d model.Dialog
	require.NoError(t, json.Unmarshal(f.Data, &d))
	assert.Equal(t, "ITS.HELLO.2", d.ID)
	assert.Equal(t, "Hi there!", d.Text)
	assert.Equal(t, "alice", d.Args["username"])

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))

	require.Eventually(t, func() bool {
		sess, err := srv.store.GetSession(context.Background(), "sess-1")
		return err == nil && !sess.Active && sess.StudentID == "alice"
	}, 5*time.Second, 20*time.Millisecond)

	st, err := srv.store.GetStudent(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, st.TotalSessions)
}

func TestSocketsShareSession(t *testing.T) {
	srv := newTestServer(t)
	first, second := srv.dial(t), srv.dial(t)

	send(t, first, startedEvent())
	require.Equal(t, model.ChannelDialog, receive(t, first).Channel)

	send(t, second, map[string]any{
		"actor": "USER", "action": "NAVIGATED", "target": "CHALLENGE",
		"username": "alice", "session": "sess-1",
		"context": map[string]any{"case": 1, "challenge": 2},
	})
	f := receive(t, second)
	require.Equal(t, model.ChannelDialog, f.Channel)
	var d model.Dialog
	require.NoError(t, json.Unmarshal(f.Data, &d))
	assert.Equal(t, "ITS.CHALLENGE.INTRO.2", d.ID)

	send(t, first, map[string]any{
		"actor": "USER", "action": "CHANGED", "target": "ALLELE",
		"username": "alice", "session": "sess-1",
	})
	require.Equal(t, model.ChannelDialog, receive(t, first).Channel)

	require.Eventually(t, func() bool {
		sess, err := srv.store.GetSession(context.Background(), "sess-1")
		return err == nil && len(sess.Events) == 3 && len(sess.Responses) == 3
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSocketEventWithoutStudentRaisesAlert(t *testing.T) {
	srv := newTestServer(t)
	conn := srv.dial(t)

	send(t, conn, map[string]any{
		"actor": "USER", "action": "NAVIGATED", "target": "CHALLENGE",
		"username": "alice", "session": "sess-2",
	})
	f := receive(t, conn)
	require.Equal(t, model.ChannelAlert, f.Channel)

	var a model.Alert
	require.NoError(t, json.Unmarshal(f.Data, &a))
	assert.Equal(t, model.SeverityError, a.Severity)
	assert.Contains(t, a.Message, "Unable to process USER-NAVIGATED-CHALLENGE")
	assert.Equal(t, "sess-2", a.SessionID)

	alerts, err := srv.store.ListAlerts(context.Background())
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, a.ID, alerts[0].ID)
}

func TestSocketInvalidEventRaisesAlert(t *testing.T) {
	srv := newTestServer(t)
	conn := srv.dial(t)

	send(t, conn, map[string]any{"actor": "ROBOT", "action": "STARTED", "target": "SESSION", "session": "s"})
	f := receive(t, conn)
	assert.Equal(t, model.ChannelAlert, f.Channel)

	// The connection survives a bad message.
	send(t, conn, startedEvent())
	assert.Equal(t, model.ChannelDialog, receive(t, conn).Channel)
}

func TestSocketBadPayloadRaisesAlert(t *testing.T) {
	srv := newTestServer(t)
	conn := srv.dial(t)

	send(t, conn, "not an event")
	f := receive(t, conn)
	require.Equal(t, model.ChannelAlert, f.Channel)
	var a model.Alert
	require.NoError(t, json.Unmarshal(f.Data, &a))
	assert.True(t, strings.HasPrefix(a.Message, "Unable to read message"), a.Message)
}

func getJSON(t *testing.T, method, url string, v any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestStudentAPI(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	assert.Equal(t, http.StatusNotFound, getJSON(t, http.MethodGet, srv.URL+"/api/students/bob", nil))

	st := model.NewStudent("bob")
	st.TotalSessions = 3
	st.ApplyAdjustments(map[string]float64{"LG1.A3": -2})
	require.NoError(t, srv.store.SaveStudent(ctx, st))

	var got model.Student
	require.Equal(t, http.StatusOK, getJSON(t, http.MethodGet, srv.URL+"/api/students/bob", &got))
	assert.Equal(t, 3, got.TotalSessions)
	assert.Equal(t, -2.0, got.ConceptStates["LG1.A3"].Value)

	var reset model.Student
	require.Equal(t, http.StatusOK, getJSON(t, http.MethodPost, srv.URL+"/api/students/bob/reset", &reset))
	assert.Equal(t, 0, reset.TotalSessions)
	assert.Empty(t, reset.ConceptStates)

	assert.Equal(t, http.StatusNotFound, getJSON(t, http.MethodPost, srv.URL+"/api/students/nobody/reset", nil))
}

func TestSessionAPI(t *testing.T) {
	srv := newTestServer(t)

	assert.Equal(t, http.StatusNotFound, getJSON(t, http.MethodGet, srv.URL+"/api/sessions/nope", nil))

	sess := model.NewSession("sess-9")
	sess.Start("carol", time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	require.NoError(t, srv.store.SaveSession(context.Background(), sess))

	var got model.Session
	require.Equal(t, http.StatusOK, getJSON(t, http.MethodGet, srv.URL+"/api/sessions/sess-9", &got))
	assert.Equal(t, "carol", got.StudentID)
	assert.True(t, got.Active)
}

func TestClearCacheAPI(t *testing.T) {
	srv := newTestServer(t)

	assert.Equal(t, http.StatusOK, getJSON(t, http.MethodPost, srv.URL+"/api/groups/default/clear-cache", nil))
	assert.Equal(t, []string{"default"}, srv.catalog.cleared)
	assert.Equal(t, http.StatusNotFound, getJSON(t, http.MethodPost, srv.URL+"/api/groups/missing/clear-cache", nil))
}

func TestAlertsAPI(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, srv.store.AddAlert(ctx, &model.Alert{Severity: model.SeverityWarning, Message: "no rules"}))

	var alerts []model.Alert
	require.Equal(t, http.StatusOK, getJSON(t, http.MethodGet, srv.URL+"/api/alerts", &alerts))
	require.Len(t, alerts, 1)
	assert.Equal(t, "no rules", alerts[0].Message)

	var cleared map[string]int64
	require.Equal(t, http.StatusOK, getJSON(t, http.MethodDelete, srv.URL+"/api/alerts", &cleared))
	assert.Equal(t, int64(1), cleared["cleared"])
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	var body map[string]string
	require.Equal(t, http.StatusOK, getJSON(t, http.MethodGet, srv.URL+"/healthz", &body))
	assert.Equal(t, "ok", body["status"])
}
