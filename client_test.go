package mcp_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	mcp "github.com/MegaGrindStone/hello-mcp"
)

func writeEvent(w http.ResponseWriter, event, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	w.(http.Flusher).Flush()
}

func TestSSEClientConnectErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "unexpected status",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", http.StatusNotFound)
			},
		},
		{
			name: "stream ends before endpoint",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "text/event-stream")
				writeEvent(w, "message", `{}`)
			},
		},
		{
			name: "endpoint without session",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "text/event-stream")
				writeEvent(w, "endpoint", "/messages")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testServer := httptest.NewServer(tt.handler)
			defer testServer.Close()

			client := mcp.NewSSEClient(testServer.URL, testServer.Client())
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := client.Connect(ctx); err == nil {
				client.Close()
				t.Fatal("expected connect error")
			}
			if client.SessionID() != "" {
				t.Errorf("got session id %q after failed connect", client.SessionID())
			}
		})
	}
}

func TestSSEClientConnectTimeout(t *testing.T) {
	testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer testServer.Close()

	client := mcp.NewSSEClient(testServer.URL, testServer.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := client.Connect(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got error %v, want %v", err, context.DeadlineExceeded)
	}
	client.Close()
}

func TestSSEClientAbsoluteEndpoint(t *testing.T) {
	messages := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer messages.Close()

	stream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(w, "endpoint", messages.URL+"/post?sessionId=abc")
		<-r.Context().Done()
	}))
	defer stream.Close()

	client := mcp.NewSSEClient(stream.URL+"/sse", stream.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Close()

	if client.SessionID() != "abc" {
		t.Errorf("got session id %q, want %q", client.SessionID(), "abc")
	}
	if client.MessageURL() != messages.URL+"/post?sessionId=abc" {
		t.Errorf("got message URL %q", client.MessageURL())
	}

	err := client.Send(ctx, mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: "notifications/initialized"})
	if err != nil {
		t.Errorf("failed to send: %v", err)
	}
}

func TestSSEClientSendBeforeConnect(t *testing.T) {
	client := mcp.NewSSEClient("http://localhost:0/sse", nil)

	err := client.Send(context.Background(), mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: mcp.MethodPing})
	if !errors.Is(err, mcp.ErrSessionNotInitialized) {
		t.Errorf("got error %v, want %v", err, mcp.ErrSessionNotInitialized)
	}

	// Close without Connect returns at once.
	client.Close()
}

func TestSSEClientCallStreamClosed(t *testing.T) {
	closeStream := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(w, "endpoint", "/messages?sessionId=abc")
		select {
		case <-closeStream:
		case <-r.Context().Done():
		}
	})
	mux.HandleFunc("/messages", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		close(closeStream)
	})
	testServer := httptest.NewServer(mux)
	defer testServer.Close()

	client := mcp.NewSSEClient(testServer.URL+"/sse", testServer.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Close()

	err := client.Call(ctx, mcp.MethodPing, nil, nil)
	if !errors.Is(err, mcp.ErrTransportClosed) {
		t.Errorf("got error %v, want %v", err, mcp.ErrTransportClosed)
	}
}

func TestSSEClientSendRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(w, "endpoint", "/messages?sessionId=abc")
		<-r.Context().Done()
	})
	mux.HandleFunc("/messages", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "session not initialized", http.StatusInternalServerError)
	})
	testServer := httptest.NewServer(mux)
	defer testServer.Close()

	client := mcp.NewSSEClient(testServer.URL+"/sse", testServer.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Close()

	err := client.Call(ctx, mcp.MethodPing, nil, nil)
	if err == nil {
		t.Fatal("expected error for rejected message")
	}
}

func TestSSEClientConnectTwice(t *testing.T) {
	_, testServer := newTestServer(t, nil)
	client := newTestClient(t, testServer)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(ctx); !errors.Is(err, mcp.ErrClientConnected) {
		t.Fatalf("got error %v, want %v", err, mcp.ErrClientConnected)
	}
	if err := client.Call(ctx, mcp.MethodPing, struct{}{}, nil); err != nil {
		t.Errorf("first stream stopped working: %v", err)
	}
}

func TestSSEClientConnectRetry(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr error
	}{
		{
			name: "retry after rejected request",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", http.StatusNotFound)
			},
		},
		{
			name: "retry after broken stream",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "text/event-stream")
				writeEvent(w, "message", `{}`)
			},
			wantErr: mcp.ErrClientConnected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testServer := httptest.NewServer(tt.handler)
			defer testServer.Close()

			client := mcp.NewSSEClient(testServer.URL, testServer.Client())
			defer client.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := client.Connect(ctx); err == nil {
				t.Fatal("expected connect error")
			}

			err := client.Connect(ctx)
			if err == nil {
				t.Fatal("expected connect error on retry")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("got error %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && errors.Is(err, mcp.ErrClientConnected) {
				t.Errorf("got %v after a request that never opened a stream", err)
			}
		})
	}
}
