package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// Handshake constants. The protocol version is fixed; the client
// identifies itself as a control-plane webchat operator.
const (
	protocolVersion = 3
	clientID        = "openclaw-control-ui"
	clientMode      = "webchat"
	clientVersion   = "1.0.0"
	clientRole      = "operator"

	connectTimeout     = 30 * time.Second
	challengeTimeout   = 800 * time.Millisecond
	defaultCallTimeout = 30 * time.Second
	defaultChatTimeout = 120 * time.Second
)

var defaultScopes = []string{"operator"}

// ClientConfig configures one gateway connection.
type ClientConfig struct {
	// Name labels the gateway in logs and the registry.
	Name string
	// URL is the ws:// or wss:// endpoint.
	URL string
	// Token is the bearer token presented at login and in the connect
	// frame. Optional.
	Token string
	// Identity backs the signed handshake. Required.
	Identity *DeviceIdentity
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// HTTPClient is used for the pre-connect login request.
	HTTPClient *http.Client
}

type pendingResult struct {
	frame *inboundFrame
	err   error
}

type chatWaiter struct {
	ch chan pendingResult
}

// Client is a gateway connection: one WebSocket, a signed device
// handshake, request/response correlation by frame id, and chat-stream
// correlation by runId. All methods are safe for concurrent use.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger
	httpc  *http.Client

	mu           sync.Mutex
	conn         *websocket.Conn
	connected    bool
	connecting   chan struct{}
	connectErr   error
	hello        *Hello
	challengeCh  chan string
	pending      map[string]chan pendingResult
	pendingChats map[string]*chatWaiter
}

// NewClient creates a client. It does not connect; Connect (or the first
// Call) performs the handshake.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		cfg:          cfg,
		logger:       logger.With("gateway", cfg.Name),
		httpc:        httpc,
		pending:      make(map[string]chan pendingResult),
		pendingChats: make(map[string]*chatWaiter),
	}
}

// Name returns the gateway's configured name.
func (c *Client) Name() string { return c.cfg.Name }

// Hello returns the handshake payload of the current connection, or nil
// when disconnected.
func (c *Client) Hello() *Hello {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hello
}

// Connected reports whether the handshake has completed on a live socket.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect performs the login and signed WebSocket handshake. Concurrent
// calls coalesce onto the in-flight attempt; a connected client returns
// immediately.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.connecting != nil {
		done := c.connecting
		c.mu.Unlock()
		select {
		case <-done:
			c.mu.Lock()
			err := c.connectErr
			c.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	c.connecting = done
	c.mu.Unlock()

	err := c.handshake(ctx)

	c.mu.Lock()
	c.connectErr = err
	c.connected = err == nil
	c.connecting = nil
	c.mu.Unlock()
	close(done)
	return err
}

// handshake runs the full connect sequence under the overall connect
// timeout.
func (c *Client) handshake(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	origin, err := httpOrigin(c.cfg.URL)
	if err != nil {
		return err
	}

	// Login is best-effort: a gateway without a login endpoint still
	// accepts the signed connect frame.
	cookie := c.login(ctx, origin)

	header := http.Header{}
	header.Set("Origin", origin)
	if cookie != "" {
		header.Set("Cookie", cookie)
	}

	conn, _, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: c.httpc,
	})
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(1 << 22)

	challengeCh := make(chan string, 1)
	c.mu.Lock()
	c.conn = conn
	c.hello = nil
	c.challengeCh = challengeCh
	c.mu.Unlock()

	go c.readLoop(conn)

	// The server may push a connect.challenge event right after the
	// upgrade. If none arrives in time, sign the v1 payload without a
	// nonce.
	nonce := ""
	select {
	case nonce = <-challengeCh:
	case <-time.After(challengeTimeout):
	case <-ctx.Done():
		conn.Close(websocket.StatusNormalClosure, "connect cancelled")
		return ctx.Err()
	}
	c.mu.Lock()
	c.challengeCh = nil
	c.mu.Unlock()

	params := c.buildConnectParams(nonce)
	frame, err := c.roundTrip(ctx, conn, "connect", params, connectTimeout)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "handshake failed")
		return fmt.Errorf("gateway handshake: %w", err)
	}

	var hello Hello
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &hello); err != nil {
			c.logger.Warn("unparseable hello payload", "error", err)
		}
	}
	c.mu.Lock()
	c.hello = &hello
	c.mu.Unlock()

	c.logger.Info("gateway connected", "url", c.cfg.URL, "protocol", nonceVersion(nonce))
	return nil
}

// buildConnectParams signs the handshake payload and assembles the
// connect frame body.
func (c *Client) buildConnectParams(nonce string) connectParams {
	signedAt := time.Now().UnixMilli()
	version := nonceVersion(nonce)

	fields := []string{
		version,
		c.cfg.Identity.DeviceID,
		clientID,
		clientMode,
		clientRole,
		strings.Join(defaultScopes, ","),
		strconv.FormatInt(signedAt, 10),
		c.cfg.Token,
	}
	if nonce != "" {
		fields = append(fields, nonce)
	}
	signature := c.cfg.Identity.Sign([]byte(strings.Join(fields, "|")))

	return connectParams{
		MinProtocol: protocolVersion,
		MaxProtocol: protocolVersion,
		Client: connectClient{
			ID:      clientID,
			Mode:    clientMode,
			Version: clientVersion,
		},
		Role:   clientRole,
		Scopes: defaultScopes,
		Caps:   []string{},
		Auth:   connectAuth{Token: c.cfg.Token},
		Device: &connectDevice{
			ID:        c.cfg.Identity.DeviceID,
			PublicKey: c.cfg.Identity.PublicKeyBase64URL(),
			Signature: base64.RawURLEncoding.EncodeToString(signature),
			SignedAt:  signedAt,
			Nonce:     nonce,
		},
	}
}

func nonceVersion(nonce string) string {
	if nonce != "" {
		return "v2"
	}
	return "v1"
}

// login posts the token to the gateway's login endpoint and returns the
// session cookie, or "" when login is unavailable.
func (c *Client) login(ctx context.Context, origin string) string {
	if c.cfg.Token == "" {
		return ""
	}
	form := url.Values{"token": {c.cfg.Token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, origin+"/login", strings.NewReader(form.Encode()))
	if err != nil {
		return ""
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(req)
	if err != nil {
		c.logger.Debug("gateway login unavailable", "error", err)
		return ""
	}
	defer resp.Body.Close()

	for _, ck := range resp.Cookies() {
		if ck.Name == "connect.sid" {
			return "connect.sid=" + ck.Value
		}
	}
	return ""
}

// Call sends a request frame and waits for the matching response,
// connecting first if needed. The returned payload is the raw response
// body; error frames surface as *GatewayError.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.CallTimeout(ctx, method, params, defaultCallTimeout)
}

// CallTimeout is Call with an explicit per-request timeout. On timeout the
// pending entry is dropped but the socket stays open.
func (c *Client) CallTimeout(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	// A disconnect can land between Connect returning and the read of
	// c.conn above.
	if conn == nil {
		return nil, &GatewayError{Code: "closed", Message: "Connection closed"}
	}

	frame, err := c.roundTrip(ctx, conn, method, params, timeout)
	if err != nil {
		return nil, err
	}
	return frame.Payload, nil
}

// roundTrip correlates one request with its response frame.
func (c *Client) roundTrip(ctx context.Context, conn *websocket.Conn, method string, params any, timeout time.Duration) (*inboundFrame, error) {
	id := uuid.NewString()
	ch := make(chan pendingResult, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := requestFrame{Type: "req", ID: id, Method: method, Params: params}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		return nil, fmt.Errorf("sending %s: %w", method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if !res.frame.OK {
			return nil, res.frame.Error.toError()
		}
		return res.frame, nil
	case <-timer.C:
		return nil, &GatewayError{Code: "timeout", Message: fmt.Sprintf("%s timed out after %s", method, timeout)}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ChatOptions tunes one chat invocation.
type ChatOptions struct {
	// SessionKey groups related chats at the gateway. Required for
	// meaningful routing; a fresh key isolates the exchange.
	SessionKey string
	// AgentID is accepted for call-site clarity but not transmitted; the
	// server routes by session key.
	AgentID string
	// Timeout bounds the wait for the final event. Defaults to 120 s.
	Timeout time.Duration
}

// Chat sends a message and waits for the final assistant text. Delivery is
// asynchronous: chat.send returns a runId immediately and the reply
// arrives later as chat events correlated by that runId, so any number of
// chats may be in flight on one socket.
func (c *Client) Chat(ctx context.Context, message string, opts ChatOptions) (string, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultChatTimeout
	}

	payload, err := c.Call(ctx, "chat.send", map[string]any{
		"message":        message,
		"sessionKey":     opts.SessionKey,
		"idempotencyKey": uuid.NewString(),
		"deliver":        false,
	})
	if err != nil {
		return "", err
	}

	var sent struct {
		RunID string `json:"runId"`
	}
	if err := json.Unmarshal(payload, &sent); err != nil || sent.RunID == "" {
		return "", &GatewayError{Code: "protocol", Message: "chat.send response has no runId"}
	}

	w := &chatWaiter{ch: make(chan pendingResult, 1)}
	c.mu.Lock()
	c.pendingChats[sent.RunID] = w
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pendingChats, sent.RunID)
		c.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-w.ch:
		if res.err != nil {
			return "", res.err
		}
		return finalChatText(res.frame.Payload), nil
	case <-timer.C:
		return "", &GatewayError{Code: "timeout", Message: fmt.Sprintf("chat %s timed out after %s", sent.RunID, timeout)}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// finalChatText extracts the assistant text from a final chat event:
// the concatenated content[*].text, or the raw message JSON when the
// message does not match that shape.
func finalChatText(payload json.RawMessage) string {
	var ev chatEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return string(payload)
	}
	var msg chatMessage
	if err := json.Unmarshal(ev.Message, &msg); err == nil && len(msg.Content) > 0 {
		var sb strings.Builder
		for _, part := range msg.Content {
			sb.WriteString(part.Text)
		}
		if sb.Len() > 0 {
			return sb.String()
		}
	}
	return string(ev.Message)
}

// readLoop consumes inbound frames until the socket dies, routing
// responses to pending calls and chat events to pending chats. The
// challenge event is routed to an in-progress handshake. On any close
// every waiter is rejected.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var frame inboundFrame
		if err := wsjson.Read(context.Background(), conn, &frame); err != nil {
			c.handleClose(conn, err)
			return
		}

		switch frame.Type {
		case "res":
			c.mu.Lock()
			ch, ok := c.pending[frame.ID]
			if ok {
				delete(c.pending, frame.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- pendingResult{frame: &frame}
			}
		case "event":
			c.handleEvent(&frame)
		default:
			c.logger.Debug("unknown frame type", "type", frame.Type)
		}
	}
}

func (c *Client) handleEvent(frame *inboundFrame) {
	switch frame.Event {
	case "connect.challenge":
		var p struct {
			Nonce string `json:"nonce"`
		}
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			c.logger.Warn("unparseable challenge event", "error", err)
			return
		}
		c.mu.Lock()
		ch := c.challengeCh
		c.mu.Unlock()
		if ch != nil {
			select {
			case ch <- p.Nonce:
			default:
			}
		}
	case "chat":
		var ev chatEvent
		if err := json.Unmarshal(frame.Payload, &ev); err != nil || ev.RunID == "" {
			return
		}
		switch ev.State {
		case "final":
			c.resolveChat(ev.RunID, pendingResult{frame: frame})
		case "error":
			c.resolveChat(ev.RunID, pendingResult{err: ev.Error.toError()})
		default:
			// Streaming progress; the final event carries the full text.
		}
	default:
		c.logger.Debug("unhandled event", "event", frame.Event)
	}
}

func (c *Client) resolveChat(runID string, res pendingResult) {
	c.mu.Lock()
	w, ok := c.pendingChats[runID]
	if ok {
		delete(c.pendingChats, runID)
	}
	c.mu.Unlock()
	if ok {
		w.ch <- res
	}
}

// handleClose marks the client disconnected and rejects every pending
// call and chat.
func (c *Client) handleClose(conn *websocket.Conn, cause error) {
	code := websocket.CloseStatus(cause)
	if code == -1 {
		code = websocket.StatusAbnormalClosure
	}
	closeErr := fmt.Errorf("Connection closed (code=%d)", code)

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	c.hello = nil
	pending := c.pending
	chats := c.pendingChats
	c.pending = make(map[string]chan pendingResult)
	c.pendingChats = make(map[string]*chatWaiter)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- pendingResult{err: closeErr}
	}
	for _, w := range chats {
		w.ch <- pendingResult{err: closeErr}
	}
	c.logger.Info("gateway disconnected", "code", code)
}

// Close shuts the socket down. Pending calls are rejected by the read
// loop.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "client closed")
}

// Health probes the gateway's health method.
func (c *Client) Health(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, "health", nil)
}

// Models lists the models the gateway exposes.
func (c *Client) Models(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, "models.list", nil)
}

// Sessions lists the gateway's active chat sessions.
func (c *Client) Sessions(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, "sessions.list", nil)
}

// httpOrigin rewrites a ws(s) URL to its http(s) origin.
func httpOrigin(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("parsing gateway url %s: %w", wsURL, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported gateway scheme %q", u.Scheme)
	}
	return u.Scheme + "://" + u.Host, nil
}
