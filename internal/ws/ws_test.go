package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ashureev/toolchat/internal/chat"
	"github.com/ashureev/toolchat/internal/domain"
	"github.com/ashureev/toolchat/internal/metrics"
	"github.com/ashureev/toolchat/internal/middleware"
)

const testSession = "session_ws123456"

type fakeTurner struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (f *fakeTurner) ProcessMessage(ctx context.Context, sessionID, text string) (*chat.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	if f.err != nil {
		return nil, f.err
	}
	return &chat.Response{SessionID: sessionID, ResponseText: "echo: " + text}, nil
}

func TestConnManager_Register(t *testing.T) {
	m := NewConnManager()
	conn := &websocket.Conn{}

	m.Register(testSession, conn)

	if active := m.Get(testSession); active != conn {
		t.Errorf("Expected connection %v, got %v", conn, active)
	}
	if m.Len() != 1 {
		t.Errorf("Expected 1 connection, got %d", m.Len())
	}
}

func TestConnManager_UnregisterStale(t *testing.T) {
	m := NewConnManager()
	conn1 := &websocket.Conn{}
	conn2 := &websocket.Conn{}

	m.Register("session_one1", conn1)
	m.Register("session_two2", conn2)
	m.Unregister("session_two2", conn1)

	if active := m.Get("session_two2"); active != conn2 {
		t.Errorf("Expected stale unregister to be ignored, got %v", active)
	}
	m.Unregister("session_one1", conn1)
	if active := m.Get("session_one1"); active != nil {
		t.Errorf("Expected nil connection, got %v", active)
	}
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, h *Handler, query string) *client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return &client{t: t, conn: conn}
}

func (c *client) send(v any) {
	c.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		c.t.Fatalf("Marshal failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.t.Fatalf("Write failed: %v", err)
	}
}

func (c *client) recv() outbound {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		c.t.Fatalf("Read failed: %v", err)
	}
	var out outbound
	if err := json.Unmarshal(data, &out); err != nil {
		c.t.Fatalf("Unmarshal failed: %v", err)
	}
	return out
}

func TestHandlerRunsTurns(t *testing.T) {
	t.Parallel()
	turner := &fakeTurner{}
	m := metrics.New(prometheus.NewRegistry())
	c := dial(t, NewHandler(turner, NewConnManager(), nil, m, "", true), "?session_id="+testSession)

	hello := c.recv()
	if hello.Type != TypeSession || hello.SessionID != testSession {
		t.Fatalf("unexpected session frame %+v", hello)
	}
	if got := testutil.ToFloat64(m.WebSocketClients); got != 1 {
		t.Fatalf("websocket clients = %v, want 1", got)
	}

	c.send(inbound{Type: TypePing})
	if out := c.recv(); out.Type != TypePong {
		t.Fatalf("expected pong, got %+v", out)
	}

	c.send(inbound{Type: TypeMessage, Content: "Where is my package?"})
	out := c.recv()
	if out.Type != TypeResponse || out.Response == nil || out.Response.ResponseText != "echo: Where is my package?" {
		t.Fatalf("unexpected response %+v", out)
	}
}

func TestHandlerGeneratesSessionID(t *testing.T) {
	t.Parallel()
	c := dial(t, NewHandler(&fakeTurner{}, NewConnManager(), nil, nil, "", true), "")

	hello := c.recv()
	if !domain.ValidSessionID(hello.SessionID) {
		t.Fatalf("expected a generated session id, got %q", hello.SessionID)
	}
}

func TestHandlerReportsErrors(t *testing.T) {
	t.Parallel()
	turner := &fakeTurner{err: &chat.ValidationError{Kind: chat.KindValidation, Message: "Please enter a message."}}
	c := dial(t, NewHandler(turner, NewConnManager(), nil, nil, "", true), "?session_id="+testSession)
	c.recv()

	c.send(inbound{Type: TypeMessage, Content: ""})
	out := c.recv()
	if out.Type != TypeError || out.Error != "Please enter a message." || out.ErrorType != string(chat.KindValidation) {
		t.Fatalf("unexpected error frame %+v", out)
	}

	turner.mu.Lock()
	turner.err = errors.New("boom")
	turner.mu.Unlock()
	c.send(inbound{Type: TypeMessage, Content: "hello"})
	if out := c.recv(); out.ErrorType != string(chat.KindOrchestration) {
		t.Fatalf("expected orchestration error, got %+v", out)
	}
}

func TestHandlerRateLimits(t *testing.T) {
	t.Parallel()
	limiter := middleware.NewRateLimiter(1, time.Minute)
	defer limiter.Close()
	c := dial(t, NewHandler(&fakeTurner{}, NewConnManager(), limiter, nil, "", true), "?session_id="+testSession)
	c.recv()

	c.send(inbound{Type: TypeMessage, Content: "first"})
	if out := c.recv(); out.Type != TypeResponse {
		t.Fatalf("expected response, got %+v", out)
	}
	c.send(inbound{Type: TypeMessage, Content: "second"})
	if out := c.recv(); out.ErrorType != "rate_limit" {
		t.Fatalf("expected rate limit error, got %+v", out)
	}
}

func TestCheckOrigin(t *testing.T) {
	t.Parallel()
	h := NewHandler(&fakeTurner{}, NewConnManager(), nil, nil, "https://chat.example.com", false)

	req := httptest.NewRequest("GET", "/ws/chat", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	if h.checkOrigin(req) {
		t.Fatal("expected foreign origin to be rejected")
	}
	req.Header.Set("Origin", "https://chat.example.com")
	if !h.checkOrigin(req) {
		t.Fatal("expected configured origin to be accepted")
	}
}
