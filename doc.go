// Package mcp implements a Model Context Protocol (MCP) server over the Server-Sent Events (SSE)
// transport, following the specification at https://spec.modelcontextprotocol.io/specification/.
//
// A client opens a long-lived event stream with a GET request. The server opens a Session for
// the connection and sends an "endpoint" event carrying the URL, with the session id in its
// sessionId query parameter, that the client POSTs JSON-RPC messages to. Responses are written
// back on the stream as "message" events. Every connection gets its own Session, so any number
// of clients can be served concurrently.
//
// The server is assembled from three parts:
//   - SessionRegistry maps session ids to open sessions and closes them on disconnect.
//   - Transport abstracts the stream a session writes to.
//   - ToolDispatcher validates tool input and output against JSON Schemas and runs tool handlers.
//
// A minimal server:
//
//	tools := mcp.NewToolDispatcher()
//	_ = tools.Register(mcp.MustTool("say_hello", "Greets a person", sayHello))
//
//	srv := mcp.NewServer(mcp.Info{Name: "hello", Version: "1.0.0"}, tools)
//	http.Handle("/sse", srv.HandleSSE())
//	http.Handle("/messages", srv.HandleMessage())
//	http.Handle("/health", srv.HandleHealth())
//
// SSEClient is the matching client, used by tests and command line tools.
package mcp
