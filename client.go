package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEClient connects to an MCP SSE server. It holds the event stream open, posts requests to the
// endpoint announced by the server and matches responses from the stream to pending calls.
// Instances should be created using NewSSEClient and released with Close.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	logger     *slog.Logger

	maxPayloadSize int

	lock       sync.Mutex
	started    bool
	messageURL string
	sessionID  string
	pending    map[MustString]chan JSONRPCMessage
	cancel     context.CancelFunc

	closed chan struct{}
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

// NewSSEClient creates an SSE client that connects to the specified connectURL. The optional
// httpClient parameter allows custom HTTP client configuration - if nil, the default HTTP
// client is used. The client must call Connect to begin communication.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	c := &SSEClient{
		httpClient: cli,
		connectURL: connectURL,
		logger:     slog.Default(),
		pending:    make(map[MustString]chan JSONRPCMessage),
		closed:     make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithSSEClientMaxPayloadSize sets the maximum size of an event that can be received from the
// server. If an event exceeds this limit, the error is logged and the client is disconnected.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(c *SSEClient) {
		c.maxPayloadSize = size
	}
}

// WithSSEClientLogger sets the logger for the client.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(c *SSEClient) {
		c.logger = logger.With(
			slog.String("package", "hello-mcp"),
			slog.String("component", "sse-client"),
		)
	}
}

// Connect opens the event stream and blocks until the server announced the message endpoint,
// ctx is done, or the stream fails. The stream stays open until Close is called. A client reads
// at most one stream: once a stream was opened, later calls return ErrClientConnected, even if
// the first one failed afterwards.
func (c *SSEClient) Connect(ctx context.Context) error {
	c.lock.Lock()
	if c.started {
		c.lock.Unlock()
		return ErrClientConnected
	}
	c.started = true
	c.lock.Unlock()

	// Until the stream is read, a failed attempt may be retried.
	release := func() {
		c.lock.Lock()
		c.started = false
		c.lock.Unlock()
	}

	base, err := url.Parse(c.connectURL)
	if err != nil {
		release()
		return fmt.Errorf("invalid connect URL: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.connectURL, nil)
	if err != nil {
		cancel()
		release()
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The connect deadline applies to the handshake only, not to the stream.
	stop := context.AfterFunc(ctx, cancel)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		stop()
		cancel()
		release()
		return fmt.Errorf("failed to connect to SSE server: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		stop()
		resp.Body.Close()
		cancel()
		release()
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	c.lock.Lock()
	c.cancel = cancel
	c.lock.Unlock()

	ready := make(chan error, 1)
	go c.listenSSEMessages(base, resp.Body, ready)

	select {
	case err := <-ready:
		if !stop() {
			// ctx fired while the endpoint arrived, the stream was cancelled with it.
			return fmt.Errorf("failed to connect to SSE server: %w", ctx.Err())
		}
		if err != nil {
			cancel()
			return err
		}
		return nil
	case <-ctx.Done():
		cancel()
		return fmt.Errorf("failed to connect to SSE server: %w", ctx.Err())
	}
}

// SessionID returns the session id announced by the server, empty before Connect succeeds.
func (c *SSEClient) SessionID() string {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.sessionID
}

// MessageURL returns the absolute URL messages are posted to, empty before Connect succeeds.
func (c *SSEClient) MessageURL() string {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.messageURL
}

// Send transmits a JSON-encoded message to the server through an HTTP POST request. Returns an
// error if message encoding fails, the request cannot be created, or the server does not answer
// with 200 or 202.
func (c *SSEClient) Send(ctx context.Context, msg JSONRPCMessage) error {
	messageURL := c.MessageURL()
	if messageURL == "" {
		return ErrSessionNotInitialized
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status code: %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}

// Call sends a request and waits for its response on the stream. A JSON-RPC error response is
// returned as JSONRPCError. If result is non-nil the response result is decoded into it.
func (c *SSEClient) Call(ctx context.Context, method string, params, result any) error {
	var paramsBs json.RawMessage
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsBs = bs
	}

	id := MustString(uuid.New().String())
	results := make(chan JSONRPCMessage, 1)

	c.lock.Lock()
	c.pending[id] = results
	c.lock.Unlock()

	defer func() {
		c.lock.Lock()
		delete(c.pending, id)
		c.lock.Unlock()
	}()

	if err := c.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  paramsBs,
	}); err != nil {
		return err
	}

	var res JSONRPCMessage
	select {
	case res = <-results:
	case <-c.closed:
		return ErrTransportClosed
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for %s response: %w", method, ctx.Err())
	}

	if res.Error != nil {
		return *res.Error
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(res.Result, result); err != nil {
		return fmt.Errorf("failed to unmarshal %s result: %w", method, err)
	}
	return nil
}

// Initialize performs the initialize handshake and sends the initialized notification.
func (c *SSEClient) Initialize(ctx context.Context, info Info) (InitializeResult, error) {
	var res InitializeResult
	if err := c.Call(ctx, MethodInitialize, InitializeParams{
		ProtocolVersion: LatestProtocolVersion,
		ClientInfo:      info,
	}, &res); err != nil {
		return InitializeResult{}, err
	}

	if err := c.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodNotificationsInitialized,
	}); err != nil {
		return InitializeResult{}, fmt.Errorf("failed to send initialized notification: %w", err)
	}
	return res, nil
}

// ListTools retrieves the tools offered by the server.
func (c *SSEClient) ListTools(ctx context.Context) (ListToolsResult, error) {
	var res ListToolsResult
	if err := c.Call(ctx, MethodToolsList, struct{}{}, &res); err != nil {
		return ListToolsResult{}, err
	}
	return res, nil
}

// CallTool invokes the named tool with arguments, which must marshal to a JSON object.
func (c *SSEClient) CallTool(ctx context.Context, name string, arguments any) (CallToolResult, error) {
	args, err := json.Marshal(arguments)
	if err != nil {
		return CallToolResult{}, fmt.Errorf("failed to marshal arguments: %w", err)
	}

	var res CallToolResult
	if err := c.Call(ctx, MethodToolsCall, CallToolParams{Name: name, Arguments: args}, &res); err != nil {
		return CallToolResult{}, err
	}
	return res, nil
}

// Close disconnects from the server. Pending calls fail with ErrTransportClosed.
func (c *SSEClient) Close() {
	c.lock.Lock()
	cancel := c.cancel
	c.lock.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-c.closed
}

func (c *SSEClient) listenSSEMessages(base *url.URL, body io.ReadCloser, ready chan<- error) {
	defer func() {
		body.Close()
		close(c.closed)
	}()

	var config *sse.ReadConfig
	if c.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: c.maxPayloadSize,
		}
	}

	connected := false
	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.logger.Error("failed to read SSE message", "err", err)
			}
			if !connected {
				ready <- fmt.Errorf("failed to read endpoint event: %w", err)
			}
			return
		}

		switch ev.Type {
		case eventEndpoint:
			// The endpoint may be relative to the stream URL.
			u, err := base.Parse(ev.Data)
			if err == nil && u.Query().Get(sessionIDQueryParam) == "" {
				err = errors.New("no session ID in endpoint URL")
			}
			if err != nil {
				if connected {
					c.logger.Error("ignoring invalid endpoint event", "err", err)
					continue
				}
				ready <- fmt.Errorf("invalid endpoint event: %w", err)
				return
			}
			sessID := u.Query().Get(sessionIDQueryParam)

			c.lock.Lock()
			c.messageURL = u.String()
			c.sessionID = sessID
			c.lock.Unlock()

			if !connected {
				connected = true
				ready <- nil
			}
		case eventMessage:
			if !connected {
				c.logger.Error("received message before endpoint URL")
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				c.logger.Error("failed to unmarshal message", "err", err)
				continue
			}
			c.route(msg)
		default:
			c.logger.Debug("unhandled event type", "type", ev.Type)
		}
	}

	if !connected {
		ready <- errors.New("stream ended before endpoint event")
	}
}

func (c *SSEClient) route(msg JSONRPCMessage) {
	if msg.Method != "" {
		c.logger.Debug("ignoring server initiated message", slog.String("method", msg.Method))
		return
	}

	c.lock.Lock()
	results, ok := c.pending[msg.ID]
	c.lock.Unlock()

	if !ok {
		c.logger.Warn("response for unknown request", slog.String("id", string(msg.ID)))
		return
	}

	select {
	case results <- msg:
	default:
	}
}
