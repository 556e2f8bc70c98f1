package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"golang.org/x/text/language"

	"github.com/tjfontaine/hospital-gateway/internal/domain"
	"github.com/tjfontaine/hospital-gateway/internal/hospital"
	"github.com/tjfontaine/hospital-gateway/internal/metrics"
	"github.com/tjfontaine/hospital-gateway/internal/pipeline"
	"github.com/tjfontaine/hospital-gateway/internal/reqctx"
)

const wsProtocol = "graphql-transport-ws"

// graphql-transport-ws message types.
const (
	msgConnectionInit = "connection_init"
	msgConnectionAck  = "connection_ack"
	msgPing           = "ping"
	msgPong           = "pong"
	msgSubscribe      = "subscribe"
	msgNext           = "next"
	msgError          = "error"
	msgComplete       = "complete"
)

// Close codes defined by the protocol.
const (
	closeBadRequest         = 4400
	closeUnauthorized       = 4401
	closeForbidden          = 4403
	closeSubprotocol        = 4406
	closeInitTimeout        = 4408
	closeSubscriberExists   = 4409
	closeTooManyInitRequest = 4429
)

const wsWriteTimeout = 10 * time.Second

type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// wsConn is one graphql-transport-ws connection. The identity is resolved
// once from connection_init and shared by every operation on it.
type wsConn struct {
	h      *Handler
	conn   *websocket.Conn
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	ip     string
	tag    language.Tag

	writeMu sync.Mutex

	mu       sync.Mutex
	inited   bool
	acked    bool
	identity *domain.Identity
	ops      map[string]context.CancelFunc

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func (h *Handler) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	// The connection outlives the upgrade request.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	c := &wsConn{
		h:      h,
		conn:   conn,
		logger: h.logger.With(slog.String("conn_id", uuid.New().String())),
		ctx:    ctx,
		cancel: cancel,
		ip:     clientIP(r),
		tag:    h.language(r.Header.Get("Accept-Language")),
		ops:    make(map[string]context.CancelFunc),
	}
	if conn.Subprotocol() != wsProtocol {
		c.close(closeSubprotocol, "Subprotocol not acceptable")
		return
	}

	h.track(c)
	defer h.untrack(c)
	c.serve()
}

func (h *Handler) track(c *wsConn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Handler) untrack(c *wsConn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

// Close ends every open websocket connection with a going-away frame and
// cancels their operations.
func (h *Handler) Close() {
	h.mu.Lock()
	conns := make([]*wsConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}

func (c *wsConn) serve() {
	defer func() {
		c.cancel()
		c.wg.Wait()
		c.close(websocket.CloseNormalClosure, "")
	}()

	opts := c.h.opts
	if opts.MaxBodyBytes > 0 {
		c.conn.SetReadLimit(opts.MaxBodyBytes)
	}
	deadline := 2 * opts.PingInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	initTimer := time.AfterFunc(opts.InitTimeout, func() {
		c.mu.Lock()
		inited := c.inited
		c.mu.Unlock()
		if !inited {
			c.close(closeInitTimeout, "Connection initialisation timeout")
		}
	})
	defer initTimer.Stop()

	c.wg.Add(1)
	go c.pingLoop(opts.PingInterval)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(deadline))

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
			c.close(closeBadRequest, "Invalid message received")
			return
		}
		if !c.handle(msg) {
			return
		}
	}
}

// handle processes one client message. It returns false once the
// connection has been closed.
func (c *wsConn) handle(msg wsMessage) bool {
	switch msg.Type {
	case msgConnectionInit:
		return c.init(msg.Payload)
	case msgPing:
		c.write(wsMessage{Type: msgPong})
	case msgPong:
	case msgSubscribe:
		return c.subscribe(msg)
	case msgComplete:
		c.mu.Lock()
		cancel, ok := c.ops[msg.ID]
		delete(c.ops, msg.ID)
		c.mu.Unlock()
		if ok {
			cancel()
		}
	default:
		c.close(closeBadRequest, "Invalid message received")
		return false
	}
	return true
}

func (c *wsConn) init(raw json.RawMessage) bool {
	c.mu.Lock()
	if c.inited {
		c.mu.Unlock()
		c.close(closeTooManyInitRequest, "Too many initialisation requests")
		return false
	}
	c.inited = true
	c.mu.Unlock()

	var payload map[string]any
	if len(raw) > 0 && string(raw) != "null" {
		if err := decodeJSON(bytes.NewReader(raw), &payload); err != nil {
			c.close(closeBadRequest, "Invalid connection_init payload")
			return false
		}
	}
	id, err := c.h.auth.FromInitPayload(c.ctx, payload)
	if err != nil {
		c.logger.Info("websocket connection rejected", slog.String("error", err.Error()))
		c.close(closeForbidden, "Forbidden")
		return false
	}

	c.mu.Lock()
	c.identity = id
	c.acked = true
	c.mu.Unlock()
	c.write(wsMessage{Type: msgConnectionAck})
	return true
}

func (c *wsConn) subscribe(msg wsMessage) bool {
	c.mu.Lock()
	acked := c.acked
	_, exists := c.ops[msg.ID]
	c.mu.Unlock()
	switch {
	case !acked:
		c.close(closeUnauthorized, "Unauthorized")
		return false
	case msg.ID == "":
		c.close(closeBadRequest, "Invalid message received")
		return false
	case exists:
		c.close(closeSubscriberExists, "Subscriber for "+msg.ID+" already exists")
		return false
	}

	var params Params
	if err := decodeJSON(bytes.NewReader(msg.Payload), &params); err != nil || params.Query == "" {
		c.close(closeBadRequest, "Invalid message received")
		return false
	}

	ctx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	c.ops[msg.ID] = cancel
	identity := c.identity
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.finish(msg.ID)
		defer c.recoverOperation(msg.ID)
		c.run(ctx, msg.ID, identity, params)
	}()
	return true
}

// recoverOperation keeps a panicking operation from taking the process
// down; the client gets an internal error for id.
func (c *wsConn) recoverOperation(id string) {
	r := recover()
	if r == nil {
		return
	}
	c.logger.Error("websocket operation panic",
		slog.String("id", id),
		slog.Any("panic", r),
		slog.String("stack", string(debug.Stack())))
	err := domain.New(domain.KindInternal, "internal.error", fmt.Sprintf("panic: %v", r))
	c.sendErrors(id, c.h.exec.formatError(c.tag, "", err, nil))
}

// finish forgets the operation id so it can be reused.
func (c *wsConn) finish(id string) {
	c.mu.Lock()
	cancel, ok := c.ops[id]
	delete(c.ops, id)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// run executes one operation. Queries and mutations produce a single next
// message; subscriptions stream until the source ends or the client
// completes the id.
func (c *wsConn) run(ctx context.Context, id string, identity *domain.Identity, params Params) {
	exec := c.h.exec
	rc, err := c.h.newRequestContext(uuid.New().String(), identity, c.tag, c.ip)
	if err != nil {
		c.sendErrors(id, exec.formatError(c.tag, "", err, nil))
		return
	}
	ctx = reqctx.With(ctx, rc)

	req, errs := c.h.prepare(params)
	if len(errs) > 0 {
		metrics.RecordOperation("unknown", "invalid")
		c.sendErrors(id, errs...)
		return
	}

	op := &pipeline.Operation{Document: req.Document, Operation: req.Operation, Variables: req.Variables, Request: rc}
	if err := c.h.pipeline.Run(ctx, op); err != nil {
		metrics.RecordOperation(op.Type(), "rejected")
		c.sendErrors(id, exec.FormatError(ctx, err, nil))
		return
	}

	if req.Operation.Operation != ast.Subscription {
		resp := exec.Execute(ctx, req)
		metrics.RecordOperation(op.Type(), outcomeOf(resp))
		if ctx.Err() == nil {
			c.next(id, resp)
			c.write(wsMessage{ID: id, Type: msgComplete})
		}
		return
	}

	events, err := exec.Subscribe(ctx, req)
	if err != nil {
		metrics.RecordOperation(op.Type(), "rejected")
		c.sendErrors(id, exec.FormatError(ctx, err, nil))
		return
	}
	metrics.RecordOperation(op.Type(), "ok")
	metrics.SubscriptionStarted()
	defer metrics.SubscriptionEnded()
	c.logger.Debug("subscription started", slog.String("id", id), slog.String("operation", req.Operation.Name))

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					c.write(wsMessage{ID: id, Type: msgComplete})
				}
				return
			}
			// Each event resolves with its own loader bundle.
			evRC := rc.WithLoaders(hospital.NewLoaders(rc.Session(), c.logger))
			evReq := req
			evReq.Root = ev
			c.next(id, exec.Execute(reqctx.With(ctx, evRC), evReq))
		}
	}
}

func outcomeOf(resp *Response) string {
	if len(resp.Errors) > 0 {
		return "partial"
	}
	return "ok"
}

func (c *wsConn) next(id string, resp *Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("encode response", slog.String("error", err.Error()))
		return
	}
	c.write(wsMessage{ID: id, Type: msgNext, Payload: payload})
}

func (c *wsConn) sendErrors(id string, errs ...*gqlerror.Error) {
	payload, err := json.Marshal(gqlerror.List(errs))
	if err != nil {
		c.logger.Error("encode errors", slog.String("error", err.Error()))
		return
	}
	c.write(wsMessage{ID: id, Type: msgError, Payload: payload})
}

func (c *wsConn) write(msg wsMessage) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := c.conn.WriteJSON(msg); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.logger.Debug("websocket write failed", slog.String("type", msg.Type), slog.String("error", err.Error()))
	}
}

func (c *wsConn) pingLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				c.logger.Debug("websocket ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// close sends a close frame with code and releases the connection. Later
// calls are no-ops.
func (c *wsConn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.conn.Close()
		if code != websocket.CloseNormalClosure {
			c.logger.Info("websocket closed", slog.Int("code", code), slog.String("reason", reason))
		}
	})
}
