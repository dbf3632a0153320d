package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nstogner/backrooms/pkg/connection"
	"github.com/nstogner/backrooms/pkg/domain"
	"github.com/nstogner/backrooms/pkg/model"
	"github.com/nstogner/backrooms/pkg/registry"
	"github.com/nstogner/backrooms/pkg/store/sqlite"
	"github.com/nstogner/backrooms/pkg/transcript"
	"github.com/nstogner/backrooms/pkg/turn"
)

const testKey = "sk-server-test-secret"

// echoAdapter replies with the agent id, word by word when streaming. Models
// whose id is "broken" fail.
type echoAdapter struct{}

func (echoAdapter) Vendor() domain.Vendor { return domain.VendorGeneric }

func (echoAdapter) ListModels(ctx context.Context) ([]domain.ProviderModel, error) {
	return []domain.ProviderModel{{ID: "m"}}, nil
}

func (echoAdapter) Generate(ctx context.Context, req model.Request) (domain.Message, error) {
	if req.Model == "broken" {
		return domain.Message{}, model.GenerationError(errors.New("upstream unavailable"))
	}
	return model.AssembleReply(req.AgentID, "hello from "+req.AgentID)
}

func (echoAdapter) Stream(ctx context.Context, req model.Request) (model.Stream, error) {
	words := []string{"hello ", "from ", req.AgentID}
	recv := func() (string, error) {
		if len(words) == 0 {
			return "", io.EOF
		}
		w := words[0]
		words = words[1:]
		return w, nil
	}
	return model.NewTextStream(req.AgentID, recv, nil), nil
}

type echoFactory struct{}

func (echoFactory) For(ctx context.Context, p *domain.Provider) (model.Adapter, error) {
	return echoAdapter{}, nil
}

type testServer struct {
	*httptest.Server
	t *testing.T
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s, err := sqlite.New(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := registry.New(s, s)
	tr := transcript.New(s, s)
	engine := turn.New(tr, reg, echoFactory{}, turn.WithTokenCounter(model.Estimator), turn.WithTimeout(time.Second))
	srv := New(reg, tr, engine, connection.New(echoFactory{}, time.Second), nil, "")

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, t: t}
}

// do sends a JSON request as user u1 and decodes the response into out.
func (ts *testServer) do(method, path string, body, out any) int {
	ts.t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			ts.t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	if err != nil {
		ts.t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(DefaultUserHeader, "u1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		ts.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		ts.t.Fatal(err)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			ts.t.Fatalf("%s %s: decoding %q: %v", method, path, raw, err)
		}
	}
	return resp.StatusCode
}

// seed creates a provider with models "m" and "broken" and one agent per
// name, returning the agent ids.
func (ts *testServer) seed(modelID string, names ...string) (providerID string, agentIDs []string) {
	ts.t.Helper()
	var p domain.Provider
	status := ts.do("POST", "/api/providers", map[string]any{
		"name":     "local",
		"base_url": "http://localhost:11434/v1",
		"api_key":  testKey,
		"models":   []map[string]any{{"id": "m"}, {"id": "broken"}},
		"active":   true,
	}, &p)
	if status != http.StatusCreated {
		ts.t.Fatalf("create provider status = %d", status)
	}
	for _, name := range names {
		var a domain.Agent
		status := ts.do("POST", "/api/agents", map[string]any{
			"name":           name,
			"provider_id":    p.ID,
			"model_id":       modelID,
			"system_prompt":  "You are " + name + ".",
			"memory_enabled": true,
		}, &a)
		if status != http.StatusCreated {
			ts.t.Fatalf("create agent status = %d", status)
		}
		agentIDs = append(agentIDs, a.ID)
	}
	return p.ID, agentIDs
}

func (ts *testServer) conversation(agentIDs []string) string {
	ts.t.Helper()
	var c domain.Conversation
	if status := ts.do("POST", "/api/conversations", map[string]any{"name": "chat", "agent_ids": agentIDs}, &c); status != http.StatusCreated {
		ts.t.Fatalf("create conversation status = %d", status)
	}
	return c.ID
}

func TestProviderAPI(t *testing.T) {
	ts := newTestServer(t)
	id, _ := ts.seed("m")

	req, _ := http.NewRequest("GET", ts.URL+"/api/providers/"+id, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if strings.Contains(string(raw), testKey) {
		t.Errorf("provider response leaks the API key: %s", raw)
	}

	var res connection.Result
	if status := ts.do("POST", "/api/providers/"+id+"/test", nil, &res); status != http.StatusOK || !res.OK {
		t.Errorf("test provider status = %d, result = %+v", status, res)
	}

	var body errorBody
	status := ts.do("POST", "/api/providers", map[string]any{"name": "bad", "base_url": "not a url", "api_key": "k"}, &body)
	if status != http.StatusBadRequest || body.Kind != domain.KindValidation {
		t.Errorf("invalid provider: status = %d, body = %+v", status, body)
	}
	if status := ts.do("GET", "/api/providers/nope", nil, &body); status != http.StatusNotFound {
		t.Errorf("unknown provider status = %d", status)
	}
}

func TestAgentAPI(t *testing.T) {
	ts := newTestServer(t)
	pid, ids := ts.seed("m", "Alice")

	var a domain.Agent
	if status := ts.do("GET", "/api/agents/"+ids[0], nil, &a); status != http.StatusOK {
		t.Fatalf("get agent status = %d", status)
	}
	if a.UserID != "u1" || a.SessionLimit != domain.DefaultSessionLimit {
		t.Errorf("agent = %+v", a)
	}

	if status := ts.do("PATCH", "/api/agents/"+ids[0], map[string]any{"name": "Alicia"}, &a); status != http.StatusOK || a.Name != "Alicia" {
		t.Errorf("patch status = %d, name = %q", status, a.Name)
	}

	var body errorBody
	status := ts.do("POST", "/api/agents", map[string]any{
		"name": "Ghost", "provider_id": pid, "model_id": "missing", "system_prompt": "boo",
	}, &body)
	if status != http.StatusBadRequest {
		t.Errorf("unknown model status = %d, body = %+v", status, body)
	}

	if status := ts.do("POST", "/api/agents", map[string]any{"unknown_field": true}, &body); status != http.StatusBadRequest {
		t.Errorf("unknown field status = %d", status)
	}

	if status := ts.do("DELETE", "/api/agents/"+ids[0], nil, nil); status != http.StatusNoContent {
		t.Errorf("delete status = %d", status)
	}
	if status := ts.do("GET", "/api/agents/"+ids[0], nil, &body); status != http.StatusNotFound {
		t.Errorf("get deleted status = %d", status)
	}
}

func TestConversationFlow(t *testing.T) {
	ts := newTestServer(t)
	_, ids := ts.seed("m", "Alice", "Bob")

	var body errorBody
	if status := ts.do("POST", "/api/conversations", map[string]any{"name": "solo", "agent_ids": ids[:1]}, &body); status != http.StatusBadRequest {
		t.Errorf("single-agent conversation status = %d", status)
	}

	convID := ts.conversation(ids)
	var res turn.Result
	if status := ts.do("POST", "/api/conversations/"+convID+"/messages", map[string]any{"content": "Hi"}, &res); status != http.StatusCreated {
		t.Fatalf("submit status = %d", status)
	}
	if len(res.Replies) != 2 || res.Replies[0].AgentID != ids[0] || res.Replies[1].AgentID != ids[1] {
		t.Errorf("replies = %+v", res.Replies)
	}

	var msg domain.Message
	if status := ts.do("POST", "/api/conversations/"+convID+"/advance", nil, &msg); status != http.StatusCreated || msg.AgentID != ids[0] {
		t.Errorf("advance status = %d, msg = %+v", status, msg)
	}

	var msgs []domain.Message
	if status := ts.do("GET", "/api/conversations/"+convID+"/messages", nil, &msgs); status != http.StatusOK || len(msgs) != 4 {
		t.Errorf("messages status = %d, len = %d", status, len(msgs))
	}

	resp, err := http.Get(ts.URL + "/api/conversations/" + convID + "/export")
	if err != nil {
		t.Fatal(err)
	}
	exported, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || strings.Count(string(exported), "\n") != 5 {
		t.Errorf("export status = %d, body = %s", resp.StatusCode, exported)
	}

	if status := ts.do("POST", "/api/conversations/"+convID+"/messages", map[string]any{"content": "  "}, &body); status != http.StatusBadRequest {
		t.Errorf("blank message status = %d", status)
	}

	if status := ts.do("DELETE", "/api/conversations/"+convID, nil, nil); status != http.StatusNoContent {
		t.Errorf("delete status = %d", status)
	}
	if status := ts.do("GET", "/api/conversations/"+convID+"/messages", nil, &body); status != http.StatusNotFound {
		t.Errorf("messages after delete status = %d", status)
	}
}

func TestGenerationFailureIsBadGateway(t *testing.T) {
	ts := newTestServer(t)
	_, ids := ts.seed("broken", "Alice", "Bob")
	convID := ts.conversation(ids)

	var body errorBody
	status := ts.do("POST", "/api/conversations/"+convID+"/advance", nil, &body)
	if status != http.StatusBadGateway || body.Kind != domain.KindGeneration || !body.Retryable {
		t.Errorf("status = %d, body = %+v", status, body)
	}
}

func TestChatWebSocket(t *testing.T) {
	ts := newTestServer(t)
	_, ids := ts.seed("m", "Alice", "Bob")
	convID := ts.conversation(ids)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/conversations/" + convID + "/chat"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(map[string]string{"content": "Hi"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var (
		fragments = map[string]string{}
		messages  []domain.Message
	)
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var f Frame
		if err := ws.ReadJSON(&f); err != nil {
			t.Fatalf("ReadJSON: %v", err)
		}
		if f.Type == FrameIdle {
			break
		}
		switch f.Type {
		case FrameFragment:
			fragments[f.AgentID] += f.Fragment
		case FrameMessage:
			messages = append(messages, *f.Message)
		case FrameError:
			t.Fatalf("error frame: %+v", f)
		}
	}

	for _, id := range ids {
		if fragments[id] != "hello from "+id {
			t.Errorf("fragments[%s] = %q", id, fragments[id])
		}
	}
	if len(messages) != 3 || messages[0].Role != domain.RoleUser || messages[2].AgentID != ids[1] {
		t.Errorf("messages = %+v", messages)
	}
}

func TestChatWebSocketUnknownConversation(t *testing.T) {
	ts := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/conversations/nope/chat"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("resp = %+v", resp)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
