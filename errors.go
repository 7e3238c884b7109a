package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotInitialized is reported to clients that post a message without an open session.
	ErrSessionNotInitialized = errors.New(errMsgSessionNotInitialized)
	// ErrSessionNotFound is returned by the registry for ids it does not hold.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed is returned when a session is closing or already closed.
	ErrSessionClosed = errors.New("session is closed")
	// ErrClientConnected is returned by SSEClient.Connect once a stream was opened before.
	ErrClientConnected = errors.New("client already connected")
	// ErrTransportClosed is returned by Transport.Send after the underlying stream ended.
	ErrTransportClosed = errors.New("transport is closed")

	// ErrDuplicateTool is returned when registering a tool name twice.
	ErrDuplicateTool = errors.New("duplicate tool")
	// ErrUnknownTool is returned when dispatching to a tool that was never registered.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidInput is returned when tool input does not satisfy the tool's input schema.
	ErrInvalidInput = errors.New("invalid input")
	// ErrToolExecution matches every *ToolExecutionError via errors.Is.
	ErrToolExecution = errors.New("tool execution error")
)

// ToolExecutionError wraps a failure raised by a tool handler, including panics and
// outputs that do not satisfy the tool's output schema.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %q failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// Is reports whether target is ErrToolExecution.
func (e *ToolExecutionError) Is(target error) bool {
	return target == ErrToolExecution
}
