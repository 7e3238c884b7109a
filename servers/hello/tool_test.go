package hello_test

import (
	"context"
	"encoding/json"
	"testing"

	mcp "github.com/MegaGrindStone/hello-mcp"
	"github.com/MegaGrindStone/hello-mcp/servers/hello"
	"github.com/stretchr/testify/require"
)

func TestSayHello(t *testing.T) {
	names := []string{"Ada", "", "Grace Hopper", "李雷", `quote " and \ backslash`}
	for _, name := range names {
		out, err := hello.SayHello(context.Background(), hello.SayHelloInput{Name: name})
		require.NoError(t, err)
		require.Equal(t, "Hello, "+name+"! 👋", out.Message)
	}
}

func TestDispatcherSayHello(t *testing.T) {
	d, err := hello.NewDispatcher()
	require.NoError(t, err)

	tools := d.Tools()
	require.Len(t, tools, 1)
	require.Equal(t, hello.ToolSayHello, tools[0].Name)
	require.NotEmpty(t, tools[0].InputSchema)
	require.NotEmpty(t, tools[0].OutputSchema)

	out, err := d.Dispatch(context.Background(), hello.ToolSayHello, json.RawMessage(`{"name":"Ada"}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"message":"Hello, Ada! 👋"}`, string(out))
}

func TestDispatcherSayHelloInvalidInput(t *testing.T) {
	d, err := hello.NewDispatcher()
	require.NoError(t, err)

	inputs := []string{
		`{}`,
		`{"name":42}`,
		`{"name":"Ada","age":36}`,
		`["Ada"]`,
	}
	for _, input := range inputs {
		_, err := d.Dispatch(context.Background(), hello.ToolSayHello, json.RawMessage(input))
		require.ErrorIs(t, err, mcp.ErrInvalidInput, input)
	}
}

func TestDispatcherRejectsSecondSayHello(t *testing.T) {
	d, err := hello.NewDispatcher()
	require.NoError(t, err)

	err = d.Register(mcp.ToolRegistration{
		Name: hello.ToolSayHello,
		Handler: func(context.Context, json.RawMessage) (any, error) {
			return map[string]string{"message": "replaced"}, nil
		},
	})
	require.ErrorIs(t, err, mcp.ErrDuplicateTool)

	out, err := d.Dispatch(context.Background(), hello.ToolSayHello, json.RawMessage(`{"name":"Ada"}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"message":"Hello, Ada! 👋"}`, string(out))
}
