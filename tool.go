package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	invopop "github.com/invopop/jsonschema"
	"github.com/qri-io/jsonschema"
)

// NewTool builds a ToolRegistration from a typed handler. Input and output schemas are reflected
// from In and Out, honoring `json` and `jsonschema` struct tags. Fields without omitempty are
// required and unknown input fields are rejected.
func NewTool[In, Out any](
	name, description string,
	fn func(ctx context.Context, input In) (Out, error),
) (ToolRegistration, error) {
	inSchema, err := reflectSchema[In]()
	if err != nil {
		return ToolRegistration{}, fmt.Errorf("failed to reflect input schema of %q: %w", name, err)
	}
	outSchema, err := reflectSchema[Out]()
	if err != nil {
		return ToolRegistration{}, fmt.Errorf("failed to reflect output schema of %q: %w", name, err)
	}

	return ToolRegistration{
		Name:         name,
		Description:  description,
		InputSchema:  inSchema,
		OutputSchema: outSchema,
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in In
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, fmt.Errorf("failed to decode input: %w", err)
			}
			return fn(ctx, in)
		},
	}, nil
}

// MustTool is like NewTool but panics on error. It is meant for package-level tool definitions.
func MustTool[In, Out any](
	name, description string,
	fn func(ctx context.Context, input In) (Out, error),
) ToolRegistration {
	reg, err := NewTool(name, description, fn)
	if err != nil {
		panic(err)
	}
	return reg
}

func reflectSchema[T any]() (*jsonschema.Schema, error) {
	r := &invopop.Reflector{
		Anonymous:      true,
		DoNotReference: true,
	}
	s := r.Reflect(new(T))
	// The draft URI is dropped, the validator works on the keywords alone.
	s.Version = ""

	bs, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}

	var schema jsonschema.Schema
	if err := json.Unmarshal(bs, &schema); err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return &schema, nil
}
