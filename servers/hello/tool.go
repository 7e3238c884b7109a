package hello

import (
	"context"
	"fmt"

	mcp "github.com/MegaGrindStone/hello-mcp"
)

// SayHelloInput is the input of the say_hello tool.
type SayHelloInput struct {
	Name string `json:"name" jsonschema:"description=Name of the person to greet"`
}

// SayHelloOutput is the output of the say_hello tool.
type SayHelloOutput struct {
	Message string `json:"message" jsonschema:"description=Greeting for the person"`
}

// ToolSayHello is the name the greeting tool is registered under.
const ToolSayHello = "say_hello"

const greetingSuffix = "👋"

var sayHelloTool = mcp.MustTool(ToolSayHello, "Greets a person by name", SayHello)

// SayHello greets input.Name. Any string is accepted, including the empty one.
func SayHello(_ context.Context, input SayHelloInput) (SayHelloOutput, error) {
	return SayHelloOutput{
		Message: "Hello, " + input.Name + "! " + greetingSuffix,
	}, nil
}

// NewDispatcher returns a dispatcher with every tool of the hello server registered.
func NewDispatcher(options ...mcp.DispatcherOption) (*mcp.ToolDispatcher, error) {
	d := mcp.NewToolDispatcher(options...)
	if err := d.Register(sayHelloTool); err != nil {
		return nil, fmt.Errorf("failed to register %s: %w", ToolSayHello, err)
	}
	return d, nil
}
