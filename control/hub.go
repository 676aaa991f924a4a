package control

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/john/printlink/event"
	"github.com/john/printlink/logger"
	"github.com/john/printlink/transport"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 1 << 16
	sendQueue  = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

type rpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

type rpcNotification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// errInvalidParams marks a method error as a bad request.
var errInvalidParams = errors.New("invalid params")

// Method handles one JSON-RPC method. It runs on the connection's reader
// goroutine.
type Method func(params json.RawMessage) (interface{}, error)

type wsClient struct {
	conn *websocket.Conn
	out  chan []byte
	once sync.Once
	done chan struct{}
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub fans notifications out to websocket clients and dispatches their
// JSON-RPC requests. It also implements appctx.UI.
type Hub struct {
	loop transport.Poster
	log  *logger.Logger
	opts UIOptions

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	methods map[string]Method

	ui uiState
}

// NewHub returns a hub with the ui.* methods registered.
func NewHub(loop transport.Poster, log *logger.Logger, opts UIOptions) *Hub {
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 2 * time.Minute
	}
	h := &Hub{
		loop:    loop,
		log:     log.Named("hub"),
		opts:    opts,
		clients: make(map[*wsClient]struct{}),
		methods: make(map[string]Method),
		ui:      newUIState(),
	}
	h.Register("ui.confirm", h.rpcConfirm)
	h.Register("ui.rename", h.rpcRename)
	h.Register("ui.action", h.rpcAction)
	return h
}

// Register adds or replaces a JSON-RPC method.
func (h *Hub) Register(name string, m Method) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.methods[name] = m
}

// Attach forwards bus events as notify_<kind>. Camera frames stay off the
// socket; clients fetch them over HTTP.
func (h *Hub) Attach(bus *event.Bus) (detach func()) {
	return bus.Subscribe(func(e event.Event) {
		if e.Kind == event.CameraFrame {
			return
		}
		h.Broadcast("notify_"+string(e.Kind), []interface{}{e})
	})
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends a notification to every client. The params are encoded
// before returning so callers may mutate them afterwards.
func (h *Hub) Broadcast(method string, params interface{}) {
	data, err := json.Marshal(rpcNotification{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		h.log.Warnw("encoding notification failed", "method", method, "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.out <- data:
		default:
			h.log.Warnw("websocket client too slow, dropping", "method", method)
			delete(h.clients, c)
			c.close()
		}
	}
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// HandleWebSocket upgrades the request and serves JSON-RPC until the client
// leaves.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Errorw("websocket upgrade failed", "error", err)
		return
	}
	client := &wsClient{
		conn: conn,
		out:  make(chan []byte, sendQueue),
		done: make(chan struct{}),
	}
	h.register(client)
	h.log.Infow("websocket client connected", "remote", c.Request.RemoteAddr)

	go h.writer(client)
	h.reader(client)

	h.unregister(client)
	client.close()
	h.log.Infow("websocket client left", "remote", c.Request.RemoteAddr)
}

func (h *Hub) reader(c *wsClient) {
	c.conn.SetReadLimit(maxMsgSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Infow("websocket read failed", "error", err)
			}
			return
		}
		var req rpcRequest
		if err := json.Unmarshal(message, &req); err != nil {
			h.reply(c, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: "Parse error"}})
			continue
		}
		h.reply(c, h.dispatch(&req))
	}
}

func (h *Hub) dispatch(req *rpcRequest) rpcResponse {
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	h.mu.Lock()
	m, ok := h.methods[req.Method]
	h.mu.Unlock()
	if !ok {
		resp.Error = &rpcError{Code: codeMethodNotFound, Message: "Method not found: " + req.Method}
		return resp
	}
	result, err := m(req.Params)
	switch {
	case errors.Is(err, errInvalidParams):
		resp.Error = &rpcError{Code: codeInvalidParams, Message: err.Error()}
	case err != nil:
		resp.Error = &rpcError{Code: codeServerError, Message: err.Error()}
	default:
		if result == nil {
			result = "ok"
		}
		resp.Result = result
	}
	if resp.Error != nil {
		h.log.Debugw("rpc failed", "method", req.Method, "code", resp.Error.Code, "error", resp.Error.Message)
	}
	return resp
}

func (h *Hub) reply(c *wsClient, resp rpcResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		h.log.Warnw("encoding response failed", "error", err)
		return
	}
	select {
	case c.out <- data:
	case <-c.done:
	}
}

func (h *Hub) writer(c *wsClient) {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.log.Infow("websocket write failed", "error", err)
				c.close()
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.log.Infow("websocket ping failed", "error", err)
				c.close()
				return
			}
		}
	}
}

func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return errInvalidParams
	}
	if err := json.Unmarshal(params, v); err != nil {
		return errors.Join(errInvalidParams, err)
	}
	return nil
}
