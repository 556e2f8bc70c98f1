package graph

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/validator"
	"golang.org/x/text/language"

	"github.com/tjfontaine/hospital-gateway/internal/auth"
	"github.com/tjfontaine/hospital-gateway/internal/domain"
	"github.com/tjfontaine/hospital-gateway/internal/hospital"
	"github.com/tjfontaine/hospital-gateway/internal/i18n"
	"github.com/tjfontaine/hospital-gateway/internal/metrics"
	"github.com/tjfontaine/hospital-gateway/internal/pipeline"
	"github.com/tjfontaine/hospital-gateway/internal/reqctx"
	"github.com/tjfontaine/hospital-gateway/internal/server"
	"github.com/tjfontaine/hospital-gateway/internal/upstream"
)

//go:embed graphiql.html
var graphiqlPage []byte

// Extension codes of request-level failures.
const (
	CodeParseFailed      = "GRAPHQL_PARSE_FAILED"
	CodeValidationFailed = "GRAPHQL_VALIDATION_FAILED"
)

// HandlerOptions tunes the transports.
type HandlerOptions struct {
	// GraphiQL serves the in-browser IDE on GET requests accepting HTML.
	GraphiQL bool
	// MaxBodyBytes limits POST bodies. 0 means unlimited.
	MaxBodyBytes int64
	// InitTimeout bounds the wait for connection_init on websockets.
	InitTimeout time.Duration
	// PingInterval is the keep-alive period of websocket connections.
	PingInterval time.Duration
	// AllowedOrigins restricts websocket upgrades. Empty allows any origin.
	AllowedOrigins []string
}

// HandlerConfig lists the handler's dependencies. Translator is optional.
type HandlerConfig struct {
	Executor   *Executor
	Pipeline   *pipeline.Executor
	Auth       *auth.Builder
	Translator *i18n.Translator
	Upstream   *upstream.Client
	Logger     *slog.Logger
	Options    HandlerOptions
}

// Handler serves GraphQL over HTTP (POST and GET) and over websockets
// using the graphql-transport-ws protocol on the same path.
type Handler struct {
	exec       *Executor
	pipeline   *pipeline.Executor
	auth       *auth.Builder
	translator *i18n.Translator
	upstream   *upstream.Client
	logger     *slog.Logger
	opts       HandlerOptions
	upgrader   websocket.Upgrader
	now        func() time.Time

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

// NewHandler creates the transport handler.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts := cfg.Options
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	h := &Handler{
		exec:       cfg.Executor,
		pipeline:   cfg.Pipeline,
		auth:       cfg.Auth,
		translator: cfg.Translator,
		upstream:   cfg.Upstream,
		logger:     logger,
		opts:       opts,
		now:        time.Now,
		conns:      make(map[*wsConn]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		Subprotocols:    []string{wsProtocol},
		CheckOrigin:     h.checkOrigin,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return h
}

// Params is the GraphQL request envelope.
type Params struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		h.serveWebsocket(w, r)
		return
	}

	ctx := r.Context()
	tag := h.language(r.Header.Get("Accept-Language"))
	requestID := server.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
		w.Header().Set("X-Request-ID", requestID)
	}

	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET, POST")
		h.writeError(w, http.StatusMethodNotAllowed, h.exec.formatError(tag, requestID,
			domain.ErrBadRequest("method not allowed"), nil))
		return
	}
	if r.Method == http.MethodGet && h.opts.GraphiQL && acceptsHTML(r.Header.Get("Accept")) && r.URL.Query().Get("query") == "" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(graphiqlPage)
		return
	}

	params, status, err := parseParams(r, h.opts.MaxBodyBytes)
	if err != nil {
		metrics.RecordOperation("unknown", "invalid")
		h.writeError(w, status, h.exec.formatError(tag, requestID, err, nil))
		return
	}

	identity, err := h.auth.FromRequest(r)
	if err != nil {
		server.AddError(ctx, err)
		metrics.RecordOperation("unknown", "unauthenticated")
		h.writeError(w, domain.KindOf(err).HTTPStatus(), h.exec.formatError(tag, requestID, err, nil))
		return
	}

	rc, err := h.newRequestContext(requestID, identity, tag, clientIP(r))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, h.exec.formatError(tag, requestID, err, nil))
		return
	}
	ctx = reqctx.With(ctx, rc)
	if identity != nil {
		server.AddLogField(ctx, "user_id", identity.ID)
		server.AddLogField(ctx, "user_role", string(identity.Role))
	}

	op, errs := h.prepare(params)
	if len(errs) > 0 {
		metrics.RecordOperation("unknown", "invalid")
		h.writeResponse(w, rc, http.StatusBadRequest, ErrorResponse(errs...))
		return
	}
	server.AddLogField(ctx, "operation", op.Operation.Name)
	server.AddLogField(ctx, "operation_type", string(op.Operation.Operation))

	switch {
	case op.Operation.Operation == ast.Subscription:
		h.writeResponse(w, rc, http.StatusBadRequest, ErrorResponse(h.exec.FormatError(ctx,
			domain.ErrBadRequest("subscriptions require the websocket transport"), nil)))
		return
	case op.Operation.Operation == ast.Mutation && r.Method == http.MethodGet:
		w.Header().Set("Allow", "POST")
		h.writeResponse(w, rc, http.StatusMethodNotAllowed, ErrorResponse(h.exec.FormatError(ctx,
			domain.ErrBadRequest("mutations must use POST"), nil)))
		return
	}

	pop := &pipeline.Operation{Document: op.Document, Operation: op.Operation, Variables: op.Variables, Request: rc}
	if err := h.pipeline.Run(ctx, pop); err != nil {
		server.AddError(ctx, err)
		metrics.RecordOperation(pop.Type(), "rejected")
		h.writeResponse(w, rc, domain.KindOf(err).HTTPStatus(), ErrorResponse(h.exec.FormatError(ctx, err, nil)))
		return
	}

	resp := h.exec.Execute(ctx, op)
	outcome := "ok"
	if len(resp.Errors) > 0 {
		outcome = "partial"
	}
	metrics.RecordOperation(pop.Type(), outcome)
	h.writeResponse(w, rc, http.StatusOK, resp)
}

// prepare parses and validates params against the schema, selects the
// operation and coerces its variables.
func (h *Handler) prepare(p Params) (Request, gqlerror.List) {
	schema := h.exec.Schema()
	doc, errs := gqlparser.LoadQueryWithRules(schema, p.Query, nil)
	if len(errs) > 0 {
		code := CodeValidationFailed
		if doc == nil && len(errs) == 1 && errs[0].Rule == "" {
			code = CodeParseFailed
		}
		for _, e := range errs {
			if e.Extensions == nil {
				e.Extensions = map[string]any{}
			}
			e.Extensions["code"] = code
		}
		return Request{}, errs
	}

	var op *ast.OperationDefinition
	switch {
	case p.OperationName != "":
		op = doc.Operations.ForName(p.OperationName)
	case len(doc.Operations) == 1:
		op = doc.Operations[0]
	}
	if op == nil {
		msg := "operation not found"
		if p.OperationName == "" {
			msg = "operationName is required when the document has several operations"
		}
		return Request{}, gqlerror.List{{Message: msg, Extensions: map[string]any{"code": "BAD_USER_INPUT"}}}
	}

	vars, err := validator.VariableValues(schema, op, p.Variables)
	if err != nil {
		var ge *gqlerror.Error
		if !errors.As(err, &ge) {
			ge = gqlerror.Wrap(err)
		}
		if ge.Extensions == nil {
			ge.Extensions = map[string]any{}
		}
		ge.Extensions["code"] = "BAD_USER_INPUT"
		return Request{}, gqlerror.List{ge}
	}
	return Request{Document: doc, Operation: op, Variables: vars}, nil
}

func (h *Handler) newRequestContext(requestID string, id *domain.Identity, tag language.Tag, ip string) (*reqctx.RequestContext, error) {
	session := h.upstream.Session(requestID, tag.String())
	return reqctx.New(reqctx.Scope{
		RequestID: requestID,
		Start:     h.now(),
		Identity:  id,
		Language:  tag,
		ClientIP:  ip,
		Session:   session,
		Loaders:   hospital.NewLoaders(session, h.logger),
	})
}

func (h *Handler) language(accept string) language.Tag {
	if h.translator == nil {
		return language.English
	}
	return h.translator.Match(accept)
}

func (h *Handler) writeResponse(w http.ResponseWriter, rc *reqctx.RequestContext, status int, resp *Response) {
	server.SetGatewayHeaders(w.Header(), rc, h.now())
	writeJSON(w, status, resp)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err *gqlerror.Error) {
	writeJSON(w, status, ErrorResponse(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		http.Error(w, `{"errors":[{"message":"internal server error"}]}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// parseParams reads the envelope from the query string (GET) or a JSON
// body (POST). The returned status applies when err is non-nil.
func parseParams(r *http.Request, maxBody int64) (Params, int, error) {
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		p := Params{Query: q.Get("query"), OperationName: q.Get("operationName")}
		if v := q.Get("variables"); v != "" {
			if err := decodeJSON(strings.NewReader(v), &p.Variables); err != nil {
				return Params{}, http.StatusBadRequest, domain.ErrBadRequest("invalid variables JSON")
			}
		}
		if p.Query == "" {
			return Params{}, http.StatusBadRequest, domain.ErrBadRequest("missing query")
		}
		return p, 0, nil
	}

	if ct := r.Header.Get("Content-Type"); ct != "" {
		mediaType, _, _ := strings.Cut(ct, ";")
		if strings.TrimSpace(strings.ToLower(mediaType)) != "application/json" {
			return Params{}, http.StatusUnsupportedMediaType, domain.ErrBadRequest("unsupported Content-Type " + ct)
		}
	}
	body := r.Body
	if maxBody > 0 {
		body = http.MaxBytesReader(nil, r.Body, maxBody)
	}
	var p Params
	if err := decodeJSON(body, &p); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return Params{}, http.StatusRequestEntityTooLarge, domain.ErrBadRequest("request body too large")
		}
		return Params{}, http.StatusBadRequest, domain.ErrBadRequest("invalid JSON body")
	}
	if p.Query == "" {
		return Params{}, http.StatusBadRequest, domain.ErrBadRequest("missing query")
	}
	return p, 0, nil
}

func decodeJSON(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	return dec.Decode(v)
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func acceptsHTML(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mediaType, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if mediaType == "text/html" {
			return true
		}
	}
	return false
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range h.opts.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
