package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstogner/codeagent/pkg/domain"
	"github.com/nstogner/codeagent/pkg/sandbox"
	"github.com/nstogner/codeagent/pkg/store"
	"github.com/nstogner/codeagent/pkg/store/sqlite"
)

// MockAgent echoes user text back through the real store.
type MockAgent struct {
	st      store.Store
	mu      sync.Mutex
	sent    [][]domain.Content
	sendErr error
}

func (m *MockAgent) CreateSession(ctx context.Context) (*domain.Session, error) {
	sess := &domain.Session{ID: fmt.Sprintf("s-%d", time.Now().UnixNano())}
	if err := m.st.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (m *MockAgent) Info(ctx context.Context, id string) (domain.Session, int, error) {
	sess, err := m.st.GetSession(ctx, id)
	if err != nil {
		return domain.Session{}, 0, err
	}
	total, err := m.st.TotalTokens(ctx, id)
	return *sess, total, err
}

func (m *MockAgent) Send(ctx context.Context, id string, content []domain.Content) (*domain.Message, error) {
	m.mu.Lock()
	m.sent = append(m.sent, content)
	m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	one := 1
	if _, err := m.st.Append(ctx, id, domain.RoleUser, content, &one); err != nil {
		return nil, err
	}
	text := domain.Message{Content: content}.Text()
	return m.st.Append(ctx, id, domain.RoleAssistant, domain.TextContent("echo: "+text), &one)
}

func (m *MockAgent) Compact(ctx context.Context, id string) (bool, error) {
	if _, err := m.st.GetSession(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

type MockSandbox struct {
	State sandbox.State
}

func (m *MockSandbox) Status(ctx context.Context) (sandbox.State, error) {
	return m.State, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *MockAgent, *sqlite.Store) {
	t.Helper()
	st, err := sqlite.New(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	agent := &MockAgent{st: st}
	srv := New(agent, st, &MockSandbox{State: sandbox.StateRunning})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, agent, st
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestSessionLifecycle(t *testing.T) {
	ts, _, _ := newTestServer(t)

	var sess domain.Session
	require.Equal(t, http.StatusCreated, doJSON(t, "POST", ts.URL+"/api/sessions", nil, &sess))
	require.NotEmpty(t, sess.ID)

	var list []domain.Session
	require.Equal(t, http.StatusOK, doJSON(t, "GET", ts.URL+"/api/sessions", nil, &list))
	require.Len(t, list, 1)
	assert.Equal(t, sess.ID, list[0].ID)

	var reply domain.Message
	code := doJSON(t, "POST", ts.URL+"/api/sessions/"+sess.ID+"/messages", map[string]string{"text": "hello"}, &reply)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "echo: hello", reply.Text())
	assert.Equal(t, domain.RoleAssistant, reply.Role)

	var msgs []domain.Message
	require.Equal(t, http.StatusOK, doJSON(t, "GET", ts.URL+"/api/sessions/"+sess.ID+"/messages", nil, &msgs))
	assert.Len(t, msgs, 2)

	require.Equal(t, http.StatusOK, doJSON(t, "GET", ts.URL+"/api/sessions/"+sess.ID+"/messages?limit=1", nil, &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "echo: hello", msgs[0].Text())

	var info sessionResponse
	require.Equal(t, http.StatusOK, doJSON(t, "GET", ts.URL+"/api/sessions/"+sess.ID, nil, &info))
	assert.Equal(t, sess.ID, info.Session.ID)
	assert.Equal(t, 2, info.TotalTokens)

	var compacted map[string]bool
	require.Equal(t, http.StatusOK, doJSON(t, "POST", ts.URL+"/api/sessions/"+sess.ID+"/compact", nil, &compacted))
	assert.False(t, compacted["compacted"])
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	ts, _, _ := newTestServer(t)

	var body map[string]string
	assert.Equal(t, http.StatusNotFound, doJSON(t, "GET", ts.URL+"/api/sessions/missing", nil, &body))
	assert.Contains(t, body["error"], "not found")
	assert.Equal(t, http.StatusNotFound, doJSON(t, "GET", ts.URL+"/api/sessions/missing/messages", nil, nil))
	assert.Equal(t, http.StatusNotFound, doJSON(t, "POST", ts.URL+"/api/sessions/missing/compact", nil, nil))
}

func TestSendMessageValidation(t *testing.T) {
	ts, agent, _ := newTestServer(t)
	var sess domain.Session
	require.Equal(t, http.StatusCreated, doJSON(t, "POST", ts.URL+"/api/sessions", nil, &sess))
	url := ts.URL + "/api/sessions/" + sess.ID + "/messages"

	assert.Equal(t, http.StatusBadRequest, doJSON(t, "POST", url, map[string]string{}, nil))
	assert.Equal(t, http.StatusBadRequest, doJSON(t, "POST", url, map[string]any{
		"content": []domain.Content{{Kind: domain.ContentToolResult, ToolResult: &domain.ToolResult{}}},
	}, nil))
	assert.Equal(t, http.StatusBadRequest, doJSON(t, "GET", ts.URL+"/api/sessions/"+sess.ID+"/messages?limit=x", nil, nil))

	resp, err := http.Post(url, "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Empty(t, agent.sent)
}

func TestSendMessageAcceptsParts(t *testing.T) {
	ts, agent, _ := newTestServer(t)
	var sess domain.Session
	require.Equal(t, http.StatusCreated, doJSON(t, "POST", ts.URL+"/api/sessions", nil, &sess))

	code := doJSON(t, "POST", ts.URL+"/api/sessions/"+sess.ID+"/messages", map[string]any{
		"text": "look at this",
		"content": []domain.Content{
			{Kind: domain.ContentImage, Image: &domain.Image{MediaType: "image/png", URL: "https://example.com/a.png"}},
		},
	}, nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, agent.sent, 1)
	require.Len(t, agent.sent[0], 2)
	assert.Equal(t, domain.ContentText, agent.sent[0][0].Kind)
	assert.Equal(t, domain.ContentImage, agent.sent[0][1].Kind)
}

func TestSendMessageModelFailure(t *testing.T) {
	ts, agent, _ := newTestServer(t)
	agent.sendErr = errors.New("calling model: quota exceeded")
	var sess domain.Session
	require.Equal(t, http.StatusCreated, doJSON(t, "POST", ts.URL+"/api/sessions", nil, &sess))

	var body map[string]string
	code := doJSON(t, "POST", ts.URL+"/api/sessions/"+sess.ID+"/messages", map[string]string{"text": "hi"}, &body)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Contains(t, body["error"], "quota exceeded")
}

func TestListRuns(t *testing.T) {
	ts, _, st := newTestServer(t)
	var sess domain.Session
	require.Equal(t, http.StatusCreated, doJSON(t, "POST", ts.URL+"/api/sessions", nil, &sess))

	run, err := st.StartRun(context.Background(), sess.ID)
	require.NoError(t, err)
	require.NoError(t, st.FinishRun(context.Background(), run.ID, nil))

	var runs []domain.Run
	require.Equal(t, http.StatusOK, doJSON(t, "GET", ts.URL+"/api/sessions/"+sess.ID+"/runs", nil, &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunCompleted, runs[0].Status)
}

func TestSandboxStatus(t *testing.T) {
	ts, _, _ := newTestServer(t)
	var body map[string]string
	require.Equal(t, http.StatusOK, doJSON(t, "GET", ts.URL+"/api/sandbox", nil, &body))
	assert.Equal(t, "running", body["status"])
}

func TestChatWebSocket(t *testing.T) {
	ts, _, st := newTestServer(t)
	ctx := context.Background()

	var sess domain.Session
	require.Equal(t, http.StatusCreated, doJSON(t, "POST", ts.URL+"/api/sessions", nil, &sess))
	one := 1
	_, err := st.Append(ctx, sess.ID, domain.RoleUser, domain.TextContent("earlier"), &one)
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/sessions/" + sess.ID + "/chat"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	// Existing history arrives first.
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, "message", ev.Type)
	assert.Equal(t, "earlier", ev.Message.Text())

	require.NoError(t, conn.WriteJSON(map[string]string{"text": "ping"}))

	var texts []string
	for len(texts) < 2 {
		var ev Event
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == "message" {
			texts = append(texts, ev.Message.Text())
		}
	}
	assert.Equal(t, []string{"ping", "echo: ping"}, texts)
}

func TestChatWebSocketClosesWhenStoreCloses(t *testing.T) {
	ts, _, st := newTestServer(t)

	var sess domain.Session
	require.Equal(t, http.StatusCreated, doJSON(t, "POST", ts.URL+"/api/sessions", nil, &sess))

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/sessions/" + sess.ID + "/chat"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, st.Close())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev Event
	err = conn.ReadJSON(&ev)
	require.Error(t, err)
	var netErr net.Error
	assert.False(t, errors.As(err, &netErr) && netErr.Timeout(), "connection should close, not idle: %v", err)
}

func TestChatWebSocketUnknownSession(t *testing.T) {
	ts, _, _ := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/sessions/missing/chat"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
