package gateway

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/require"
)

// stubGateway is an in-process gateway speaking the wire protocol over a
// real WebSocket. Behavior is driven per test through the fields below.
type stubGateway struct {
	t *testing.T

	// sendChallenge pushes a connect.challenge event before the handshake.
	sendChallenge bool
	nonce         string
	// verifySignatures checks the device signature on connect frames.
	verifySignatures bool
	token            string

	srv     *httptest.Server
	runSeq  atomic.Int64
	mu      sync.Mutex
	conns   []*websocket.Conn
	origin  string
	cookie  string
	// chats records runId → the session key it was sent under.
	chats map[string]string

	// agentList answers agents.list when set; souls answers
	// agents.files.get by agent id.
	agentList json.RawMessage
	souls     map[string]string
}

func newStubGateway(t *testing.T) *stubGateway {
	g := &stubGateway{t: t, nonce: "test-nonce", chats: make(map[string]string)}
	g.srv = httptest.NewServer(http.HandlerFunc(g.handle))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *stubGateway) wsURL() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *stubGateway) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/login" {
		http.SetCookie(w, &http.Cookie{Name: "connect.sid", Value: "stub-session"})
		return
	}

	g.mu.Lock()
	g.origin = r.Header.Get("Origin")
	g.cookie = r.Header.Get("Cookie")
	g.mu.Unlock()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	g.mu.Lock()
	g.conns = append(g.conns, conn)
	g.mu.Unlock()

	ctx := r.Context()
	if g.sendChallenge {
		g.send(ctx, conn, map[string]any{
			"type": "event", "event": "connect.challenge",
			"payload": map[string]any{"nonce": g.nonce},
		})
	}
	g.serve(ctx, conn)
}

type stubRequest struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (g *stubGateway) serve(ctx context.Context, conn *websocket.Conn) {
	for {
		var req stubRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}

		switch req.Method {
		case "connect":
			g.handleConnect(ctx, conn, &req)
		case "echo":
			g.respond(ctx, conn, req.ID, json.RawMessage(req.Params))
		case "chat.send":
			g.handleChatSend(ctx, conn, &req)
		case "agents.list":
			g.mu.Lock()
			list := g.agentList
			g.mu.Unlock()
			if list == nil {
				g.send(ctx, conn, map[string]any{
					"type": "res", "id": req.ID, "ok": false,
					"error": map[string]any{"code": "unavailable", "message": "no agents"},
				})
				break
			}
			g.respond(ctx, conn, req.ID, list)
		case "agents.files.get":
			g.handleFilesGet(ctx, conn, &req)
		case "slow.call":
			// Never answered; exercises timeout and close rejection.
		case "fail.call":
			g.send(ctx, conn, map[string]any{
				"type": "res", "id": req.ID, "ok": false,
				"error": map[string]any{"code": "denied", "message": "not allowed"},
			})
		default:
			g.send(ctx, conn, map[string]any{
				"type": "res", "id": req.ID, "ok": false,
				"error": map[string]any{"code": "unknown_method", "message": req.Method},
			})
		}
	}
}

func (g *stubGateway) handleConnect(ctx context.Context, conn *websocket.Conn, req *stubRequest) {
	var params connectParams
	require.NoError(g.t, json.Unmarshal(req.Params, &params))
	require.Equal(g.t, 3, params.MinProtocol)
	require.Equal(g.t, 3, params.MaxProtocol)
	require.NotNil(g.t, params.Device)

	if g.verifySignatures {
		pub, err := base64.RawURLEncoding.DecodeString(params.Device.PublicKey)
		require.NoError(g.t, err)

		version := "v1"
		fields := []string{
			version, params.Device.ID, params.Client.ID, params.Client.Mode,
			params.Role, strings.Join(params.Scopes, ","),
			strconv.FormatInt(params.Device.SignedAt, 10), g.token,
		}
		if params.Device.Nonce != "" {
			fields[0] = "v2"
			fields = append(fields, params.Device.Nonce)
		}
		sig, err := base64.RawURLEncoding.DecodeString(params.Device.Signature)
		require.NoError(g.t, err)
		require.True(g.t, ed25519.Verify(ed25519.PublicKey(pub), []byte(strings.Join(fields, "|")), sig),
			"handshake signature does not verify")
	}

	g.respond(ctx, conn, req.ID, json.RawMessage(`{"server":{"version":"stub"},"methods":["chat.send","agents.list"]}`))
}

func (g *stubGateway) handleChatSend(ctx context.Context, conn *websocket.Conn, req *stubRequest) {
	var params struct {
		Message    string `json:"message"`
		SessionKey string `json:"sessionKey"`
	}
	require.NoError(g.t, json.Unmarshal(req.Params, &params))

	runID := fmt.Sprintf("run-%d", g.runSeq.Add(1))
	g.mu.Lock()
	g.chats[runID] = params.SessionKey
	g.mu.Unlock()

	g.respond(ctx, conn, req.ID, json.RawMessage(`{"runId":"`+runID+`"}`))
}

func (g *stubGateway) handleFilesGet(ctx context.Context, conn *websocket.Conn, req *stubRequest) {
	var params struct {
		AgentID string `json:"agentId"`
		Name    string `json:"name"`
	}
	require.NoError(g.t, json.Unmarshal(req.Params, &params))
	require.Equal(g.t, "SOUL.md", params.Name)

	g.mu.Lock()
	content, ok := g.souls[params.AgentID]
	g.mu.Unlock()
	if !ok {
		g.send(ctx, conn, map[string]any{
			"type": "res", "id": req.ID, "ok": false,
			"error": map[string]any{"code": "not_found", "message": "no SOUL.md"},
		})
		return
	}
	payload, err := json.Marshal(map[string]string{"content": content})
	require.NoError(g.t, err)
	g.respond(ctx, conn, req.ID, payload)
}

// finishChat emits streaming progress then the final event for runID.
func (g *stubGateway) finishChat(runID, text string) {
	g.mu.Lock()
	conns := append([]*websocket.Conn(nil), g.conns...)
	g.mu.Unlock()

	ctx := context.Background()
	for _, conn := range conns {
		g.send(ctx, conn, map[string]any{
			"type": "event", "event": "chat",
			"payload": map[string]any{"runId": runID, "state": "streaming"},
		})
		g.send(ctx, conn, map[string]any{
			"type": "event", "event": "chat",
			"payload": map[string]any{
				"runId": runID, "state": "final",
				"message": map[string]any{
					"content": []map[string]any{{"type": "text", "text": text}},
				},
			},
		})
	}
}

func (g *stubGateway) failChat(runID, message string) {
	g.mu.Lock()
	conns := append([]*websocket.Conn(nil), g.conns...)
	g.mu.Unlock()

	for _, conn := range conns {
		g.send(context.Background(), conn, map[string]any{
			"type": "event", "event": "chat",
			"payload": map[string]any{
				"runId": runID, "state": "error",
				"error": map[string]any{"code": "chat_failed", "message": message},
			},
		})
	}
}

func (g *stubGateway) closeConns() {
	g.mu.Lock()
	conns := g.conns
	g.conns = nil
	g.mu.Unlock()
	for _, conn := range conns {
		conn.Close(websocket.StatusGoingAway, "stub shutdown")
	}
}

func (g *stubGateway) respond(ctx context.Context, conn *websocket.Conn, id string, payload json.RawMessage) {
	g.send(ctx, conn, map[string]any{"type": "res", "id": id, "ok": true, "payload": payload})
}

func (g *stubGateway) send(ctx context.Context, conn *websocket.Conn, frame map[string]any) {
	_ = wsjson.Write(ctx, conn, frame)
}

func (g *stubGateway) sessionKeyFor(runID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.chats[runID]
}

func newTestIdentity(t *testing.T) *DeviceIdentity {
	t.Helper()
	id, err := LoadOrCreateIdentity(t.TempDir() + "/identity.json")
	require.NoError(t, err)
	return id
}

func newTestClient(t *testing.T, g *stubGateway, token string) *Client {
	t.Helper()
	c := NewClient(ClientConfig{
		Name:     "stub",
		URL:      g.wsURL(),
		Token:    token,
		Identity: newTestIdentity(t),
	})
	t.Cleanup(func() { _ = c.Close() })
	return c
}
