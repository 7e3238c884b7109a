package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tmaxmax/go-sse"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server exposes a ToolDispatcher over the MCP SSE transport. Clients open a stream with
// HandleSSE, receive an endpoint event carrying their session id, and post JSON-RPC messages to
// HandleMessage. Responses are written back on the stream.
//
// Instances should be created using NewServer and shut down using Shutdown.
type Server struct {
	info         Info
	instructions string
	tools        *ToolDispatcher
	registry     *SessionRegistry

	messageURL        string
	idleTimeout       time.Duration
	keepAliveInterval time.Duration
	sendTimeout       time.Duration
	maxMessageSize    int64
	clock             clockwork.Clock
	logger            *slog.Logger

	onClientConnected    func(string)
	onClientDisconnected func(string)

	lock              sync.Mutex
	shuttingDown      bool
	sessionsWaitGroup *sync.WaitGroup
	done              chan struct{}
	reaperClosed      chan struct{}
}

const (
	sessionIDQueryParam = "sessionId"
	sessionIDHeader     = "Mcp-Session-Id"

	eventEndpoint = "endpoint"
	eventMessage  = "message"
)

var (
	defaultMessageURL        = "/messages"
	defaultServerSendTimeout = 30 * time.Second
	defaultMaxMessageSize    = int64(4 << 20)

	healthResponse = []byte(`{"status":"ok"}`)
)

// NewServer creates a server that dispatches tools/call requests to tools. The session registry
// and, when an idle timeout is configured, its reaper are started immediately.
func NewServer(info Info, tools *ToolDispatcher, options ...ServerOption) *Server {
	s := &Server{
		info:              info,
		tools:             tools,
		messageURL:        defaultMessageURL,
		sendTimeout:       defaultServerSendTimeout,
		maxMessageSize:    defaultMaxMessageSize,
		clock:             clockwork.NewRealClock(),
		logger:            slog.Default(),
		sessionsWaitGroup: &sync.WaitGroup{},
		done:              make(chan struct{}),
		reaperClosed:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}

	s.registry = NewSessionRegistry(
		WithIdleTimeout(s.idleTimeout),
		WithRegistryClock(s.clock),
		WithRegistryLogger(s.logger),
	)

	go func() {
		defer close(s.reaperClosed)
		s.registry.Reap(s.done)
	}()

	return s
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "hello-mcp"),
			slog.String("component", "server"),
		)
	}
}

// WithMessageURL sets the URL advertised in the endpoint event. It may be relative, clients
// resolve it against the stream URL. Defaults to "/messages".
func WithMessageURL(messageURL string) ServerOption {
	return func(s *Server) {
		s.messageURL = messageURL
	}
}

// WithInstructions sets the instructions returned from initialize.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerIdleTimeout closes sessions that post nothing for d. Zero disables it.
func WithServerIdleTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.idleTimeout = d
	}
}

// WithKeepAliveInterval makes every stream send an SSE comment each interval, so dead peers are
// detected by the failing write. Zero disables it.
func WithKeepAliveInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.keepAliveInterval = interval
	}
}

// WithSendTimeout bounds each write of a response to a stream. Zero leaves writes unbounded,
// they still end when the stream closes.
func WithSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithMaxMessageSize limits the size of a posted message body in bytes, larger bodies are
// rejected with 413. Defaults to 4 MiB.
func WithMaxMessageSize(size int64) ServerOption {
	return func(s *Server) {
		s.maxMessageSize = size
	}
}

// WithServerClock sets the clock driving keep-alives and the idle reaper.
func WithServerClock(clock clockwork.Clock) ServerOption {
	return func(s *Server) {
		s.clock = clock
	}
}

// WithServerOnClientConnected sets the callback invoked with the session id of each new stream.
func WithServerOnClientConnected(onClientConnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets the callback invoked with the session id of each closed stream.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// Registry returns the registry holding the server's sessions.
func (s *Server) Registry() *SessionRegistry {
	return s.registry
}

// HandleSSE returns an http.Handler for GET requests establishing a stream. The handler opens a
// session, sends its message endpoint as the first event, then processes the session's messages
// until the client disconnects or the session is closed.
func (s *Server) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.acquireStream() {
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		}
		defer s.sessionsWaitGroup.Done()

		w.Header().Set("Cache-Control", "no-cache")

		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		t := newSSETransport(r.Context(), sess, s.logger, s.clock, s.keepAliveInterval)
		session := s.registry.Open(t)
		logger := s.logger.With(slog.String("sessionID", session.ID()))

		// A session opened after Shutdown took its snapshot would never be closed by it.
		if s.isShuttingDown() {
			_ = s.registry.Close(session.ID())
			t.wait()
			return
		}

		// The client learns its session id from the first event on the stream.
		endpoint := fmt.Sprintf("%s?%s=%s", s.messageURL, sessionIDQueryParam, session.ID())
		if err := t.Send(r.Context(), eventEndpoint, []byte(endpoint)); err != nil {
			logger.Error("failed to write endpoint event", "err", err)
			_ = s.registry.Close(session.ID())
			t.wait()
			return
		}

		if s.onClientConnected != nil {
			s.onClientConnected(session.ID())
		}

		// Returns once the session is closed, which also closes the transport.
		s.serveSession(session, logger)

		if s.onClientDisconnected != nil {
			s.onClientDisconnected(session.ID())
		}

		t.wait()
		logger.Debug("stream closed")
	})
}

// HandleMessage returns an http.Handler for POST requests carrying a JSON-RPC message. The
// session is taken from the sessionId query parameter or the Mcp-Session-Id header. Messages for
// a missing or closed session are rejected with 500 and ErrSessionNotInitialized. Accepted
// messages are answered with 202, their responses are sent on the session's stream.
func (s *Server) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get(sessionIDQueryParam)
		if sessID == "" {
			sessID = r.Header.Get(sessionIDHeader)
		}

		session, err := s.registry.Get(sessID)
		if err != nil {
			s.logger.Warn("message for unknown session",
				slog.String("sessionID", sessID),
				slog.String("err", err.Error()))
			http.Error(w, ErrSessionNotInitialized.Error(), http.StatusInternalServerError)
			return
		}

		var msg JSONRPCMessage
		body := http.MaxBytesReader(w, r.Body, s.maxMessageSize)
		if err := json.NewDecoder(body).Decode(&msg); err != nil {
			nErr := fmt.Errorf("failed to decode message: %w", err)
			s.logger.Warn("failed to decode message", slog.String("err", nErr.Error()))

			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, nErr.Error(), http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		if err := session.deliver(r.Context(), msg); err != nil {
			if errors.Is(err, ErrSessionClosed) {
				http.Error(w, ErrSessionNotInitialized.Error(), http.StatusInternalServerError)
				return
			}
			s.logger.Warn("failed to deliver message",
				slog.String("sessionID", sessID),
				slog.String("err", err.Error()))
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("Accepted"))
	})
}

// HandleHealth returns an http.Handler answering every request with {"status":"ok"}.
func (s *Server) HandleHealth() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(healthResponse)
	})
}

// Shutdown closes every session and waits for their streams to finish. New streams are refused
// with 503 from then on. It returns an error if ctx is done first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.lock.Lock()
	if !s.shuttingDown {
		s.shuttingDown = true
		close(s.done)
	}
	s.lock.Unlock()

	s.registry.CloseAll()

	streamsDone := make(chan struct{})
	go func() {
		s.sessionsWaitGroup.Wait()
		close(streamsDone)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for sessions: %w", ctx.Err())
	case <-streamsDone:
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to stop idle reaper: %w", ctx.Err())
	case <-s.reaperClosed:
	}

	return nil
}

func (s *Server) acquireStream() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.shuttingDown {
		return false
	}
	s.sessionsWaitGroup.Add(1)
	return true
}

func (s *Server) isShuttingDown() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.shuttingDown
}

// serveSession handles the session's messages one at a time, in arrival order, until the
// session closes.
func (s *Server) serveSession(session *Session, logger *slog.Logger) {
	for msg := range session.Messages() {
		res, ok := s.handleMessage(session.Context(), msg, logger)
		if !ok {
			continue
		}
		s.reply(session, res, logger)
	}
}

// handleMessage returns the response to msg, ok is false when msg needs no response.
func (s *Server) handleMessage(ctx context.Context, msg JSONRPCMessage, logger *slog.Logger) (JSONRPCMessage, bool) {
	isRequest := msg.ID != "" && msg.Method != ""

	if msg.JSONRPC != JSONRPCVersion {
		logger.Info("invalid jsonrpc version", slog.String("version", msg.JSONRPC))
		if !isRequest {
			return JSONRPCMessage{}, false
		}
		return errorResponse(msg, jsonRPCInvalidRequestCode, "invalid jsonrpc version"), true
	}

	if !isRequest {
		// Notifications and responses from the client need no answer.
		if msg.Method == methodNotificationsInitialized {
			logger.Debug("client initialized")
		}
		return JSONRPCMessage{}, false
	}

	var (
		result any
		err    error
	)

	switch msg.Method {
	case MethodInitialize:
		result, err = s.handleInitialize(msg, logger)
	case MethodPing:
		result = struct{}{}
	case MethodToolsList:
		result = ListToolsResult{Tools: s.tools.Tools()}
	case MethodToolsCall:
		result, err = s.handleCallTool(ctx, msg, logger)
	default:
		err = JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: fmt.Sprintf("method not found: %s", msg.Method),
		}
	}

	if err != nil {
		jsonErr := JSONRPCError{}
		if !errors.As(err, &jsonErr) {
			logger.Error("failed to handle message", slog.String("method", msg.Method), slog.String("err", err.Error()))
			jsonErr = JSONRPCError{Code: jsonRPCInternalErrorCode, Message: errMsgInternalError}
		}
		return errorResponse(msg, jsonErr.Code, jsonErr.Message), true
	}

	resBs, err := json.Marshal(result)
	if err != nil {
		logger.Error("failed to marshal result", slog.String("method", msg.Method), slog.String("err", err.Error()))
		return errorResponse(msg, jsonRPCInternalErrorCode, errMsgInternalError), true
	}

	res := responseTo(msg)
	res.Result = resBs
	return res, true
}

func (s *Server) handleInitialize(msg JSONRPCMessage, logger *slog.Logger) (InitializeResult, error) {
	var params InitializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return InitializeResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err.Error()),
		}
	}

	logger.Info("client initializing",
		slog.String("clientName", params.ClientInfo.Name),
		slog.String("clientVersion", params.ClientInfo.Version),
		slog.String("protocolVersion", params.ProtocolVersion))

	return InitializeResult{
		ProtocolVersion: negotiateProtocolVersion(params.ProtocolVersion),
		Capabilities: ServerCapabilities{
			Tools: &ToolsCapability{},
		},
		ServerInfo:   s.info,
		Instructions: s.instructions,
	}, nil
}

func (s *Server) handleCallTool(ctx context.Context, msg JSONRPCMessage, logger *slog.Logger) (CallToolResult, error) {
	var params CallToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err.Error()),
		}
	}

	output, err := s.tools.Dispatch(ctx, params.Name, params.callParams())
	switch {
	case err == nil:
	case errors.Is(err, ErrUnknownTool), errors.Is(err, ErrInvalidInput):
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: err.Error(),
		}
	case errors.Is(err, ErrToolExecution):
		// The cause stays in the server log, the client only learns that the tool failed.
		logger.Error("tool execution failed", slog.String("tool", params.Name), slog.String("err", err.Error()))
		return CallToolResult{
			Content: []Content{{Type: ContentTypeText, Text: errMsgToolExecutionFailed}},
			IsError: true,
		}, nil
	default:
		return CallToolResult{}, err
	}

	return CallToolResult{
		Content:           []Content{{Type: ContentTypeText, Text: string(output)}},
		StructuredContent: output,
	}, nil
}

func (s *Server) reply(session *Session, msg JSONRPCMessage, logger *slog.Logger) {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		logger.Error("failed to marshal response", slog.String("err", err.Error()))
		return
	}

	ctx := context.Background()
	if s.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.sendTimeout)
		defer cancel()
	}

	if err := session.Transport().Send(ctx, eventMessage, msgBs); err != nil {
		if errors.Is(err, ErrTransportClosed) {
			// Nobody is left to notify.
			logger.Debug("dropping response for closed transport", slog.String("id", string(msg.ID)))
			return
		}
		logger.Error("failed to send response", slog.String("err", err.Error()))
	}
}

func errorResponse(req JSONRPCMessage, code int, message string) JSONRPCMessage {
	res := responseTo(req)
	res.Error = &JSONRPCError{
		Code:    code,
		Message: message,
	}
	return res
}
