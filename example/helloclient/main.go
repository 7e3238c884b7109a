package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	mcp "github.com/MegaGrindStone/hello-mcp"
	"github.com/MegaGrindStone/hello-mcp/servers/hello"
	"github.com/lmittmann/tint"
	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:  "helloclient",
		Usage: "Connect to a hello MCP server and call say_hello",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "url",
				Aliases: []string{"u"},
				Usage:   "SSE endpoint of the server",
				Value:   "http://localhost:3000/sse",
				Sources: cli.EnvVars("MCP_SSE_URL"),
			},
			&cli.StringFlag{
				Name:    "name",
				Aliases: []string{"n"},
				Usage:   "The name to greet",
				Value:   "World",
			},
			&cli.BoolFlag{
				Name:  "initialize",
				Usage: "Perform the initialize handshake and list tools before the call",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Timeout for connecting and for the call",
				Value: 10 * time.Second,
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Log the client's debug output",
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	level := slog.LevelWarn
	if cmd.Bool("verbose") {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))

	ctx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
	defer cancel()

	client := mcp.NewSSEClient(cmd.String("url"), nil, mcp.WithSSEClientLogger(logger))
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer client.Close()

	logger.Debug("connected", slog.String("sessionID", client.SessionID()))

	if cmd.Bool("initialize") {
		res, err := client.Initialize(ctx, mcp.Info{Name: "helloclient", Version: "1.0.0"})
		if err != nil {
			return fmt.Errorf("failed to initialize: %w", err)
		}
		fmt.Printf("Connected to %s %s (protocol %s)\n", res.ServerInfo.Name, res.ServerInfo.Version, res.ProtocolVersion)

		tools, err := client.ListTools(ctx)
		if err != nil {
			return fmt.Errorf("failed to list tools: %w", err)
		}
		for _, tool := range tools.Tools {
			fmt.Printf("  %s: %s\n", tool.Name, tool.Description)
		}
	}

	res, err := client.CallTool(ctx, hello.ToolSayHello, hello.SayHelloInput{Name: cmd.String("name")})
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", hello.ToolSayHello, err)
	}
	if res.IsError {
		return fmt.Errorf("%s failed: %s", hello.ToolSayHello, res.Content[0].Text)
	}

	var out hello.SayHelloOutput
	if err := json.Unmarshal(res.StructuredContent, &out); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	fmt.Println(out.Message)
	return nil
}
