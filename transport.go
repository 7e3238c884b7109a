package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tmaxmax/go-sse"
)

// Transport abstracts one server-push connection to a client. Session lifecycle is tied to the
// Transport rather than to a specific HTTP response, so other stream types can be plugged in
// without touching dispatch.
type Transport interface {
	// Send writes a single event to the client and flushes it. It returns ErrTransportClosed once
	// the underlying stream has ended; writes after close are rejected, never queued.
	Send(ctx context.Context, event string, data []byte) error

	// OnClose registers fn to be called exactly once when the connection terminates, whether by
	// the peer, by a write error, or by Close. If the transport is already closed, fn is called
	// immediately.
	OnClose(fn func())

	// Close terminates the connection. It is safe to call more than once.
	Close() error

	// Done returns a channel that is closed when the transport terminates.
	Done() <-chan struct{}
}

type sseTransport struct {
	sess              *sse.Session
	logger            *slog.Logger
	clock             clockwork.Clock
	keepAliveInterval time.Duration

	sendMsgs chan sseTransportSendMsg

	lock     sync.Mutex
	closed   bool
	onCloses []func()

	done       chan struct{}
	loopClosed chan struct{}
}

type sseTransportSendMsg struct {
	msg  *sse.Message
	errs chan<- error
}

const keepAliveComment = "keep-alive"

// newSSETransport wraps an upgraded go-sse session. The transport closes itself when ctx is done,
// which for a server handler is the request context ending on peer disconnect.
func newSSETransport(
	ctx context.Context,
	sess *sse.Session,
	logger *slog.Logger,
	clock clockwork.Clock,
	keepAliveInterval time.Duration,
) *sseTransport {
	t := &sseTransport{
		sess:              sess,
		logger:            logger,
		clock:             clock,
		keepAliveInterval: keepAliveInterval,
		sendMsgs:          make(chan sseTransportSendMsg),
		done:              make(chan struct{}),
		loopClosed:        make(chan struct{}),
	}

	go t.processSendMessages(ctx)

	return t
}

func (t *sseTransport) Send(ctx context.Context, event string, data []byte) error {
	if t.isClosed() {
		return ErrTransportClosed
	}

	msg := &sse.Message{
		Type: sse.Type(event),
	}
	msg.AppendData(string(data))

	errs := make(chan error, 1)

	// Queue the message for the writer goroutine, the go-sse session must not be written concurrently.
	select {
	case t.sendMsgs <- sseTransportSendMsg{msg: msg, errs: errs}:
	case <-t.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errs:
		return err
	case <-t.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *sseTransport) OnClose(fn func()) {
	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		fn()
		return
	}
	t.onCloses = append(t.onCloses, fn)
	t.lock.Unlock()
}

func (t *sseTransport) Close() error {
	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return nil
	}
	t.closed = true
	fns := t.onCloses
	t.onCloses = nil
	close(t.done)
	t.lock.Unlock()

	for _, fn := range fns {
		fn()
	}
	return nil
}

func (t *sseTransport) Done() <-chan struct{} { return t.done }

// wait blocks until the writer goroutine exits. After it returns the go-sse session is not
// touched again, so the HTTP handler owning the response may return.
func (t *sseTransport) wait() {
	<-t.loopClosed
}

func (t *sseTransport) isClosed() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.closed
}

func (t *sseTransport) processSendMessages(ctx context.Context) {
	defer close(t.loopClosed)

	var keepAlive <-chan time.Time
	if t.keepAliveInterval > 0 {
		ticker := t.clock.NewTicker(t.keepAliveInterval)
		defer ticker.Stop()
		keepAlive = ticker.Chan()
	}

	for {
		select {
		case <-ctx.Done():
			t.logger.Debug("stream context done, closing transport")
			_ = t.Close()
			return
		case <-t.done:
			return
		case sm := <-t.sendMsgs:
			// Close may have raced with the queueing, reject instead of writing to a closed stream.
			select {
			case <-t.done:
				sm.errs <- ErrTransportClosed
				return
			default:
			}

			err := t.write(sm.msg)
			sm.errs <- err
			if err != nil {
				t.logger.Warn("failed to send event", slog.String("err", err.Error()))
				_ = t.Close()
				return
			}
		case <-keepAlive:
			msg := &sse.Message{}
			msg.AppendComment(keepAliveComment)
			if err := t.write(msg); err != nil {
				t.logger.Info("keep-alive failed, closing transport", slog.String("err", err.Error()))
				_ = t.Close()
				return
			}
		}
	}
}

func (t *sseTransport) write(msg *sse.Message) error {
	if err := t.sess.Send(msg); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := t.sess.Flush(); err != nil {
		return fmt.Errorf("failed to flush event: %w", err)
	}
	return nil
}
