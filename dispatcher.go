package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/qri-io/jsonschema"
)

// ToolHandler executes a tool. The input has already been validated against the tool's input
// schema; the returned value is marshaled to JSON and validated against the output schema.
type ToolHandler func(ctx context.Context, input json.RawMessage) (any, error)

// ToolRegistration describes a tool and its handler. It must not be modified after it is
// registered.
type ToolRegistration struct {
	Name        string
	Description string

	// InputSchema validates call arguments. A nil schema accepts any JSON value.
	InputSchema *jsonschema.Schema
	// OutputSchema validates handler output before it reaches the client. A nil schema accepts
	// any JSON value.
	OutputSchema *jsonschema.Schema

	Handler ToolHandler
}

// ToolCallObserver is notified after every dispatch, err is nil on success.
type ToolCallObserver func(name string, duration time.Duration, err error)

// ToolDispatcher maps tool names to registrations, validates input and output, and turns handler
// failures into ToolExecutionError so they never escape the dispatch boundary.
type ToolDispatcher struct {
	lock  sync.RWMutex
	tools map[string]ToolRegistration
	order []string

	observer ToolCallObserver
	logger   *slog.Logger
}

// DispatcherOption represents the options for the ToolDispatcher.
type DispatcherOption func(*ToolDispatcher)

// NewToolDispatcher creates a dispatcher without any registered tools.
func NewToolDispatcher(options ...DispatcherOption) *ToolDispatcher {
	d := &ToolDispatcher{
		tools:  make(map[string]ToolRegistration),
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// WithToolCallObserver sets a callback invoked after each Dispatch.
func WithToolCallObserver(observer ToolCallObserver) DispatcherOption {
	return func(d *ToolDispatcher) {
		d.observer = observer
	}
}

// WithDispatcherLogger sets the logger for the dispatcher.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *ToolDispatcher) {
		d.logger = logger.With(
			slog.String("package", "hello-mcp"),
			slog.String("component", "dispatcher"),
		)
	}
}

// Register adds a tool. It fails with ErrDuplicateTool if the name is taken, in which case the
// existing registration stays active.
func (d *ToolDispatcher) Register(reg ToolRegistration) error {
	if reg.Name == "" {
		return errors.New("tool name is required")
	}
	if reg.Handler == nil {
		return fmt.Errorf("tool %q has no handler", reg.Name)
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	if _, ok := d.tools[reg.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, reg.Name)
	}
	d.tools[reg.Name] = reg
	d.order = append(d.order, reg.Name)
	return nil
}

// Tools returns the descriptors of the registered tools in registration order.
func (d *ToolDispatcher) Tools() []Tool {
	d.lock.RLock()
	defer d.lock.RUnlock()

	tools := make([]Tool, 0, len(d.order))
	for _, name := range d.order {
		reg := d.tools[name]
		tool := Tool{
			Name:        reg.Name,
			Description: reg.Description,
		}
		if reg.InputSchema != nil {
			bs, err := json.Marshal(reg.InputSchema)
			if err != nil {
				d.logger.Error("failed to marshal input schema", slog.String("tool", name), "err", err)
			} else {
				tool.InputSchema = bs
			}
		}
		if reg.OutputSchema != nil {
			bs, err := json.Marshal(reg.OutputSchema)
			if err != nil {
				d.logger.Error("failed to marshal output schema", slog.String("tool", name), "err", err)
			} else {
				tool.OutputSchema = bs
			}
		}
		tools = append(tools, tool)
	}
	return tools
}

// Dispatch validates rawInput and invokes the named tool.
//
// It returns ErrUnknownTool for unregistered names and an error wrapping ErrInvalidInput when the
// input does not satisfy the input schema, in both cases without invoking the handler. Handler
// errors, handler panics and outputs rejected by the output schema are returned as
// *ToolExecutionError.
func (d *ToolDispatcher) Dispatch(ctx context.Context, name string, rawInput json.RawMessage) (json.RawMessage, error) {
	start := time.Now()
	out, err := d.dispatch(ctx, name, rawInput)
	if d.observer != nil {
		d.observer(name, time.Since(start), err)
	}
	return out, err
}

func (d *ToolDispatcher) dispatch(ctx context.Context, name string, rawInput json.RawMessage) (json.RawMessage, error) {
	d.lock.RLock()
	reg, ok := d.tools[name]
	d.lock.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	input := bytes.TrimSpace(rawInput)
	if len(input) == 0 || bytes.Equal(input, []byte("null")) {
		input = []byte("{}")
	}

	if err := validate(ctx, reg.InputSchema, input); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, err.Error())
	}

	result, err := invoke(ctx, reg, input)
	if err != nil {
		return nil, &ToolExecutionError{Tool: name, Err: err}
	}

	output, err := json.Marshal(result)
	if err != nil {
		return nil, &ToolExecutionError{Tool: name, Err: fmt.Errorf("failed to marshal output: %w", err)}
	}

	if err := validate(ctx, reg.OutputSchema, output); err != nil {
		return nil, &ToolExecutionError{Tool: name, Err: fmt.Errorf("invalid output: %w", err)}
	}

	return output, nil
}

func invoke(ctx context.Context, reg ToolRegistration, input json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return reg.Handler(ctx, input)
}

func validate(ctx context.Context, schema *jsonschema.Schema, data []byte) error {
	if !json.Valid(data) {
		return errors.New("malformed json")
	}
	if schema == nil {
		return nil
	}

	keyErrs, err := schema.ValidateBytes(ctx, data)
	if err != nil {
		return err
	}
	if len(keyErrs) == 0 {
		return nil
	}

	msgs := make([]string, 0, len(keyErrs))
	for _, ke := range keyErrs {
		msgs = append(msgs, ke.Error())
	}
	return errors.New(strings.Join(msgs, ", "))
}
