package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/askqwen/gptuidemo/internal/auth"
	"github.com/askqwen/gptuidemo/internal/completion"
	"github.com/askqwen/gptuidemo/internal/config"
	"github.com/askqwen/gptuidemo/internal/events"
	"github.com/askqwen/gptuidemo/internal/handoff"
	"github.com/askqwen/gptuidemo/internal/models"
	"github.com/askqwen/gptuidemo/internal/session"
	"github.com/askqwen/gptuidemo/internal/storage"
)

type stateBody struct {
	ChatID   string               `json:"chatId"`
	Messages []models.ChatMessage `json:"messages"`
	Model    string               `json:"model"`
	Phase    string               `json:"phase"`
}

type turnBody struct {
	State stateBody           `json:"state"`
	Turn  *session.TurnResult `json:"turn"`
}

func TestChatFlow(t *testing.T) {
	srv := newTestServer(t)
	headers := clientHeader("alice")

	modelsResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/models", nil, headers)
	assertStatus(t, modelsResp, http.StatusOK)
	var catalog struct {
		Models  []config.ModelEntry `json:"models"`
		Default string              `json:"default"`
	}
	decodeJSON(t, modelsResp.Body.Bytes(), &catalog)
	if catalog.Default != "model-A" || len(catalog.Models) != 2 {
		t.Fatalf("unexpected catalog: %+v", catalog)
	}

	msgResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat/messages", map[string]string{"content": "Hello"}, headers)
	assertStatus(t, msgResp, http.StatusOK)
	var body turnBody
	decodeJSON(t, msgResp.Body.Bytes(), &body)
	if body.Turn == nil || body.Turn.Reply == nil || body.Turn.Reply.Content != "echo: Hello" {
		t.Fatalf("unexpected turn: %+v", body.Turn)
	}
	if len(body.State.Messages) != 2 || body.State.Phase != string(session.PhaseActive) {
		t.Fatalf("unexpected state: %+v", body.State)
	}

	listResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/chats", nil, headers)
	assertStatus(t, listResp, http.StatusOK)
	var list struct {
		Chats []models.Chat `json:"chats"`
	}
	decodeJSON(t, listResp.Body.Bytes(), &list)
	if len(list.Chats) != 1 {
		t.Fatalf("expected 1 chat, got %d", len(list.Chats))
	}
	if list.Chats[0].ID != body.State.ChatID || list.Chats[0].Title != "Hello" || list.Chats[0].Model != "model-A" {
		t.Fatalf("unexpected stored chat: %+v", list.Chats[0])
	}

	// other clients see nothing
	otherResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/chats", nil, clientHeader("bob"))
	assertStatus(t, otherResp, http.StatusOK)
	decodeJSON(t, otherResp.Body.Bytes(), &list)
	if len(list.Chats) != 0 {
		t.Fatalf("expected no chats for another client, got %d", len(list.Chats))
	}
}

func TestEmptyMessageSkipped(t *testing.T) {
	srv := newTestServer(t)
	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat/messages", map[string]string{"content": "   "}, clientHeader("alice"))
	assertStatus(t, resp, http.StatusOK)
	var body turnBody
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Turn == nil || !body.Turn.Skipped {
		t.Fatalf("expected skipped turn, got %+v", body.Turn)
	}
	if srv.calls != 0 {
		t.Fatalf("expected no completion calls, got %d", srv.calls)
	}
}

func TestSetModel(t *testing.T) {
	srv := newTestServer(t)
	headers := clientHeader("alice")

	resp := doJSONRequest(t, srv.router, http.MethodPut, "/api/chat/model", map[string]string{"model": "model-Z"}, headers)
	assertStatus(t, resp, http.StatusBadRequest)

	resp = doJSONRequest(t, srv.router, http.MethodPut, "/api/chat/model", map[string]string{"model": "model-B"}, headers)
	assertStatus(t, resp, http.StatusOK)
	var state stateBody
	decodeJSON(t, resp.Body.Bytes(), &state)
	if state.Model != "model-B" {
		t.Fatalf("expected model-B, got %q", state.Model)
	}
}

func TestHandoffMount(t *testing.T) {
	srv := newTestServer(t)
	headers := clientHeader("alice")

	empty := doJSONRequest(t, srv.router, http.MethodPost, "/api/handoff", map[string]string{"message": " "}, headers)
	assertStatus(t, empty, http.StatusNoContent)

	bad := doJSONRequest(t, srv.router, http.MethodPost, "/api/handoff", map[string]string{"message": "hi", "model": "model-Z"}, headers)
	assertStatus(t, bad, http.StatusBadRequest)

	created := doJSONRequest(t, srv.router, http.MethodPost, "/api/handoff", map[string]string{"message": "hi", "model": "model-B"}, headers)
	assertStatus(t, created, http.StatusCreated)
	var tok struct {
		Token string `json:"token"`
	}
	decodeJSON(t, created.Body.Bytes(), &tok)
	if tok.Token == "" {
		t.Fatalf("expected handoff token")
	}

	mounted := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat/mount", map[string]string{"handoff": tok.Token}, headers)
	assertStatus(t, mounted, http.StatusOK)
	var first turnBody
	decodeJSON(t, mounted.Body.Bytes(), &first)
	if first.Turn == nil || first.Turn.Reply == nil || first.Turn.Reply.Content != "echo: hi" {
		t.Fatalf("unexpected turn: %+v", first.Turn)
	}
	if first.State.Model != "model-B" || len(first.State.Messages) != 2 {
		t.Fatalf("unexpected state: %+v", first.State)
	}

	// the token is single use; a second mount restores the same chat
	again := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat/mount", map[string]string{"handoff": tok.Token}, headers)
	assertStatus(t, again, http.StatusOK)
	var second turnBody
	decodeJSON(t, again.Body.Bytes(), &second)
	if second.Turn != nil {
		t.Fatalf("expected no turn on second mount, got %+v", second.Turn)
	}
	if second.State.ChatID != first.State.ChatID || len(second.State.Messages) != 2 {
		t.Fatalf("unexpected restored state: %+v", second.State)
	}
	if srv.calls != 1 {
		t.Fatalf("expected 1 completion call, got %d", srv.calls)
	}
}

func TestMountWithoutBody(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/chat/mount", nil)
	req.Header.Set(srv.auth.ClientHeaderName(), "alice")
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusOK)
	var body turnBody
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.State.Phase != string(session.PhaseEmpty) || body.Turn != nil {
		t.Fatalf("unexpected mount: %+v", body)
	}
}

func TestNewLoadAndDeleteChat(t *testing.T) {
	srv := newTestServer(t)
	headers := clientHeader("alice")

	msgResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat/messages", map[string]string{"content": "first"}, headers)
	assertStatus(t, msgResp, http.StatusOK)
	var body turnBody
	decodeJSON(t, msgResp.Body.Bytes(), &body)
	chatID := body.State.ChatID

	newResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat/new", nil, headers)
	assertStatus(t, newResp, http.StatusOK)
	var state stateBody
	decodeJSON(t, newResp.Body.Bytes(), &state)
	if state.ChatID != "" || len(state.Messages) != 0 {
		t.Fatalf("expected empty view, got %+v", state)
	}

	missing := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat/load", map[string]string{"chat_id": "nope"}, headers)
	assertStatus(t, missing, http.StatusNotFound)

	noID := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat/load", map[string]string{}, headers)
	assertStatus(t, noID, http.StatusBadRequest)

	loadResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat/load", map[string]string{"chat_id": chatID}, headers)
	assertStatus(t, loadResp, http.StatusOK)
	decodeJSON(t, loadResp.Body.Bytes(), &state)
	if state.ChatID != chatID || len(state.Messages) != 2 {
		t.Fatalf("unexpected loaded state: %+v", state)
	}

	delResp := doJSONRequest(t, srv.router, http.MethodDelete, "/api/chats/"+chatID, nil, headers)
	assertStatus(t, delResp, http.StatusNoContent)

	// the view showing the deleted chat is reset
	getResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/chat", nil, headers)
	assertStatus(t, getResp, http.StatusOK)
	state = stateBody{}
	decodeJSON(t, getResp.Body.Bytes(), &state)
	if state.ChatID != "" {
		t.Fatalf("expected view reset after delete, got %q", state.ChatID)
	}

	delAgain := doJSONRequest(t, srv.router, http.MethodDelete, "/api/chats/"+chatID, nil, headers)
	assertStatus(t, delAgain, http.StatusNotFound)
}

func TestCookieClientRequiresCSRF(t *testing.T) {
	srv := newTestServer(t)

	first := doJSONRequest(t, srv.router, http.MethodGet, "/api/chat", nil, nil)
	assertStatus(t, first, http.StatusOK)
	var clientCookie, csrfCookie *http.Cookie
	for _, ck := range first.Result().Cookies() {
		switch ck.Name {
		case srv.auth.ClientCookieName():
			clientCookie = ck
		case srv.auth.CSRFCookieName():
			csrfCookie = ck
		}
	}
	if clientCookie == nil || csrfCookie == nil {
		t.Fatalf("expected client and csrf cookies to be issued")
	}

	post := func(withToken bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/chat/new", nil)
		req.AddCookie(clientCookie)
		req.AddCookie(csrfCookie)
		if withToken {
			req.Header.Set(srv.auth.CSRFHeaderName(), csrfCookie.Value)
		}
		rec := httptest.NewRecorder()
		srv.router.ServeHTTP(rec, req)
		return rec
	}
	assertStatus(t, post(false), http.StatusForbidden)
	assertStatus(t, post(true), http.StatusOK)
}

func TestEventsStream(t *testing.T) {
	srv := newTestServer(t)
	srv.handler.heartbeat = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	req.Header.Set(srv.auth.ClientHeaderName(), "carol")
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.router.ServeHTTP(rec, req)
	}()

	bus := srv.hub.Bus()
	deadline := time.Now().Add(2 * time.Second)
	for bus.Subscribers("carol") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("event stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	bus.Publish(events.ChatsUpdated{ClientID: "carol"})
	bus.Publish(events.ChatsUpdated{ClientID: "dave"})
	bus.Publish(events.LoadChat{ClientID: "carol", Chat: models.Chat{ID: "c1", Title: "t"}})

	// signals are buffered, give the stream a moment to drain them
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("event stream did not end with the request")
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	evts := parseSSE(t, rec.Body.String())
	if len(evts) != 3 {
		t.Fatalf("expected 3 events, got %+v", evts)
	}
	if evts[0].Name != "ready" || evts[1].Name != string(events.KindChatsUpdated) || evts[2].Name != string(events.KindLoadChat) {
		t.Fatalf("unexpected events: %+v", evts)
	}
	var payload struct {
		Chat models.Chat `json:"chat"`
	}
	decodeJSON(t, []byte(evts[2].Data), &payload)
	if payload.Chat.ID != "c1" {
		t.Fatalf("unexpected load payload: %s", evts[2].Data)
	}
	if bus.Subscribers("carol") != 0 {
		t.Fatalf("expected stream to unsubscribe")
	}
}

func TestInvalidClientHeader(t *testing.T) {
	srv := newTestServer(t)
	resp := doJSONRequest(t, srv.router, http.MethodGet, "/api/chat", nil, clientHeader("bad id!"))
	assertStatus(t, resp, http.StatusBadRequest)
}

type testServer struct {
	router  *gin.Engine
	handler *Handler
	hub     *session.Hub
	auth    *auth.Service
	calls   int
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	srv := &testServer{}
	completer := completion.ClientFunc(func(_ context.Context, req completion.Request) (string, error) {
		srv.calls++
		return "echo: " + req.Messages[len(req.Messages)-1].Content, nil
	})
	memDB := storage.NewMemoryDB()
	handoffs := handoff.NewMemoryStore(time.Minute, zap.NewNop())
	catalog := []config.ModelEntry{
		{ID: "model-A", Name: "Model A"},
		{ID: "model-B", Name: "Model B"},
	}
	srv.hub = session.NewHub(session.HubConfig{
		Stores:       func(clientID string) session.Store { return memDB.ForClient(clientID) },
		Handoffs:     handoffs,
		Completer:    completer,
		Bus:          events.NewBus(),
		DefaultModel: "model-A",
		Models:       []string{"model-A", "model-B"},
	})
	t.Cleanup(srv.hub.CloseAll)
	srv.auth = auth.NewService(time.Hour)
	srv.handler = NewHandler(Options{
		Hub:          srv.hub,
		Handoffs:     handoffs,
		Auth:         srv.auth,
		Models:       catalog,
		DefaultModel: "model-A",
	})
	srv.router = gin.New()
	srv.handler.RegisterRoutes(srv.router)
	return srv
}

func clientHeader(id string) map[string]string {
	return map[string]string{"X-Client-ID": id}
}

type sseEvent struct {
	Name string
	Data string
}

func parseSSE(t *testing.T, payload string) []sseEvent {
	t.Helper()
	var evts []sseEvent
	for _, chunk := range strings.Split(payload, "\n\n") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" || strings.HasPrefix(chunk, ":") {
			continue
		}
		var evt sseEvent
		for _, line := range strings.Split(chunk, "\n") {
			switch {
			case strings.HasPrefix(line, "event:"):
				evt.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				evt.Data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
		evts = append(evts, evt)
	}
	return evts
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}
