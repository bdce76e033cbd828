package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rendis/houndflow/internal/engine"
	"github.com/rendis/houndflow/pkg/schema"
)

// DefaultBrowserURL is the endpoint of a locally running browser backend.
const DefaultBrowserURL = "ws://localhost:8765/browser"

const (
	defaultDialTimeout    = 10 * time.Second
	defaultCommandTimeout = 30 * time.Second
	writeTimeout          = 5 * time.Second
)

// BrowserStepTypes are the step types performed by the browser backend.
var BrowserStepTypes = []schema.StepType{
	schema.StepTypeNavigate,
	schema.StepTypeClick,
	schema.StepTypeFill,
	schema.StepTypeExtract,
	schema.StepTypeDetect,
	schema.StepTypeWait,
	schema.StepTypeScreenshot,
}

// WSConfig configures the WebSocket browser backend.
type WSConfig struct {
	URL string
	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration
	// CommandTimeout is sent to the browser when a request carries no deadline.
	CommandTimeout time.Duration
}

type wsRequest struct {
	CommandID string         `json:"command_id"`
	Type      string         `json:"type"`
	Params    map[string]any `json:"params"`
}

type wsResponse struct {
	CommandID string `json:"command_id"`
	Type      string `json:"type,omitempty"`
	Success   bool   `json:"success"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// WSBackend performs browser steps over a single multiplexed WebSocket
// connection. Responses are matched to requests by command_id. A broken
// connection fails every in-flight command and is redialed on next use.
type WSBackend struct {
	cfg    WSConfig
	dialer *websocket.Dialer
	logger *zap.Logger
	seq    atomic.Uint64

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan wsResponse
	closed  bool

	writeMu sync.Mutex
}

// NewWSBackend creates the backend. The connection is dialed lazily.
func NewWSBackend(cfg WSConfig, logger *zap.Logger) *WSBackend {
	if cfg.URL == "" {
		cfg.URL = DefaultBrowserURL
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSBackend{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		logger:  logger,
		pending: make(map[string]chan wsResponse),
	}
}

// Execute sends the command for req and waits for its response, ctx end, or
// the connection dropping.
func (b *WSBackend) Execute(ctx context.Context, req *engine.StepRequest) (*engine.StepResponse, error) {
	command, params, err := b.translate(req)
	if err != nil {
		return nil, err
	}

	conn, err := b.connect(ctx)
	if err != nil {
		return nil, err
	}

	id := fmt.Sprintf("cmd-%d", b.seq.Add(1))
	ch := make(chan wsResponse, 1)
	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	b.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = conn.WriteJSON(wsRequest{CommandID: id, Type: command, Params: params})
	b.writeMu.Unlock()
	if err != nil {
		b.drop(conn, err)
		return nil, schema.NewErrorf(schema.ErrCodeNetwork, "send %s command", command).
			WithCause(err).WithStep(req.StepID)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-ch:
		if !resp.Success {
			return nil, classifyBrowserError(command, resp.Error).WithStep(req.StepID)
		}
		return &engine.StepResponse{Outputs: resultOutputs(resp.Result)}, nil
	}
}

// Close closes the connection and fails in-flight commands.
func (b *WSBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return nil
	}
	b.drop(conn, errors.New("backend closed"))
	return nil
}

func (b *WSBackend) connect(ctx context.Context) (*websocket.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, schema.NewError(schema.ErrCodeBackendUnavailable, "browser backend is closed")
	}
	if b.conn != nil {
		return b.conn, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, b.cfg.DialTimeout)
	defer cancel()
	conn, _, err := b.dialer.DialContext(dialCtx, b.cfg.URL, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeBackendUnavailable, "connect to browser backend at %s", b.cfg.URL).
			WithCause(err)
	}
	b.logger.Info("browser backend connected", zap.String("url", b.cfg.URL))
	b.conn = conn
	go b.readLoop(conn)
	return conn, nil
}

func (b *WSBackend) readLoop(conn *websocket.Conn) {
	for {
		var resp wsResponse
		if err := conn.ReadJSON(&resp); err != nil {
			b.drop(conn, err)
			return
		}
		if resp.CommandID == "" {
			// Greetings and unsolicited events.
			continue
		}
		b.mu.Lock()
		ch, ok := b.pending[resp.CommandID]
		delete(b.pending, resp.CommandID)
		b.mu.Unlock()
		if !ok {
			b.logger.Debug("response for unknown command", zap.String("command_id", resp.CommandID))
			continue
		}
		ch <- resp
	}
}

// drop forgets conn and fails every pending command. Calls for a connection
// that was already replaced are no-ops.
func (b *WSBackend) drop(conn *websocket.Conn, cause error) {
	b.mu.Lock()
	if b.conn != conn {
		b.mu.Unlock()
		return
	}
	b.conn = nil
	pending := b.pending
	b.pending = make(map[string]chan wsResponse)
	b.mu.Unlock()

	_ = conn.Close()
	if cause != nil && !websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		b.logger.Warn("browser backend connection lost", zap.Error(cause))
	}
	for id, ch := range pending {
		ch <- wsResponse{CommandID: id, Error: "connection lost: " + errString(cause)}
	}
}

// translate maps a step onto a browser command and its params.
func (b *WSBackend) translate(req *engine.StepRequest) (string, map[string]any, error) {
	params := make(map[string]any, len(req.Params)+1)
	for k, v := range req.Params {
		params[k] = v
	}

	var command string
	switch req.Type {
	case schema.StepTypeNavigate:
		command = "navigate"
	case schema.StepTypeClick:
		command = "click"
	case schema.StepTypeFill:
		command = "fill_form"
		if _, ok := params["fields"]; !ok {
			selector := stringParam(params, "selector", "")
			params["fields"] = map[string]any{selector: params["value"]}
			delete(params, "selector")
			delete(params, "value")
		}
	case schema.StepTypeExtract:
		command = "get_content"
		if _, ok := params["selector"]; !ok {
			params["selector"] = "body"
		}
	case schema.StepTypeDetect:
		command = "detect_forms"
		if stringParam(params, "kind", "forms") == "captcha" {
			command = "detect_captcha"
		}
		delete(params, "kind")
	case schema.StepTypeWait:
		command = "wait_for_element"
	case schema.StepTypeScreenshot:
		command = "screenshot"
	default:
		return "", nil, schema.NewErrorf(schema.ErrCodeInvalidParams, "browser backend cannot perform %s steps", req.Type).
			WithStep(req.StepID)
	}

	if _, ok := params["timeout"]; !ok {
		timeout := b.cfg.CommandTimeout
		if !req.Deadline.IsZero() {
			timeout = time.Until(req.Deadline)
		}
		params["timeout"] = timeout.Milliseconds()
	} else if d, ok, err := durationParam(params, "timeout"); ok {
		if err != nil {
			return "", nil, err
		}
		params["timeout"] = d.Milliseconds()
	}
	return command, params, nil
}

// classifyBrowserError maps a browser error message to an error code.
// Connection, timeout, missing element and navigation failures are
// transient; everything else is permanent.
func classifyBrowserError(command, message string) *schema.EngineError {
	if message == "" {
		message = "unknown error"
	}
	lower := strings.ToLower(message)

	code := schema.ErrCodePermanent
	switch {
	case strings.HasPrefix(lower, "connection lost"), strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "connection reset"):
		code = schema.ErrCodeNetwork
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "timed out"):
		code = schema.ErrCodeTimeout
	case strings.Contains(lower, "element not found"), strings.Contains(lower, "no element"),
		strings.Contains(lower, "no such element"):
		code = schema.ErrCodeElementNotFound
	case strings.Contains(lower, "navigation"), strings.Contains(lower, "net::err"):
		code = schema.ErrCodeNavigation
	case strings.Contains(lower, "invalid"), strings.Contains(lower, "unknown command"):
		code = schema.ErrCodeInvalidParams
	}
	return schema.NewErrorf(code, "%s: %s", command, message).
		WithDetails(map[string]any{"command": command})
}

func resultOutputs(result any) map[string]any {
	switch r := result.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return r
	default:
		return map[string]any{"result": r}
	}
}

func errString(err error) string {
	if err == nil {
		return "closed"
	}
	return err.Error()
}
