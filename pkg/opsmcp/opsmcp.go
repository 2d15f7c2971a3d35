// Package opsmcp exposes kiosk operations as MCP tools so operator
// assistants can inspect and drive a kiosk through its status API.
package opsmcp

import (
	"context"
	"encoding/json"
	"io"

	"github.com/germanamz/rvm/pkg/kiosk"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Kiosk is the operation surface behind the tools.
// [*statusapi.Client] implements it.
type Kiosk interface {
	Status(ctx context.Context) (kiosk.Snapshot, error)
	Items(ctx context.Context) ([]kiosk.Item, error)
	StartGuest(ctx context.Context) (string, error)
	EndSession(ctx context.Context) (kiosk.EndResult, error)
	EmergencyStop(ctx context.Context) error
}

type handler func(ctx context.Context) (any, error)

type tool struct {
	name        string
	description string
	handler     handler
}

// Server serves the kiosk tools over MCP.
type Server struct {
	server *mcp.Server
	k      Kiosk
}

// New creates a Server for k with all tools registered.
func New(k Kiosk, version string) *Server {
	s := &Server{
		server: mcp.NewServer(&mcp.Implementation{Name: "rvm-ops", Version: version}, nil),
		k:      k,
	}

	for _, t := range s.tools() {
		s.server.AddTool(&mcp.Tool{
			Name:        t.name,
			Description: t.description,
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}, toSDKHandler(t.handler))
	}

	return s
}

func (s *Server) tools() []tool {
	return []tool{
		{
			name:        "kiosk_status",
			description: "Current kiosk status: status, message, detection phase, compactor state and the active session counters.",
			handler:     func(ctx context.Context) (any, error) { return s.k.Status(ctx) },
		},
		{
			name:        "session_items",
			description: "Items accepted in the current session, in order.",
			handler:     func(ctx context.Context) (any, error) { return s.k.Items(ctx) },
		},
		{
			name:        "start_guest_session",
			description: "Start a guest session and return its session code.",
			handler: func(ctx context.Context) (any, error) {
				code, err := s.k.StartGuest(ctx)
				if err != nil {
					return nil, err
				}
				return map[string]string{"sessionCode": code}, nil
			},
		},
		{
			name:        "end_session",
			description: "End the current session with the accounting service and reset the hardware. Returns the session summary.",
			handler:     func(ctx context.Context) (any, error) { return s.k.EndSession(ctx) },
		},
		{
			name:        "emergency_stop",
			description: "Immediately stop all motors, close the gate and deactivate the session.",
			handler: func(ctx context.Context) (any, error) {
				if err := s.k.EmergencyStop(ctx); err != nil {
					return nil, err
				}
				return map[string]bool{"stopped": true}, nil
			},
		},
	}
}

// Serve serves MCP requests read from in and writes responses to out. It
// blocks until ctx is cancelled or the transport closes.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	transport := &mcp.IOTransport{
		Reader: io.NopCloser(in),
		Writer: nopWriteCloser{out},
	}

	return s.run(ctx, transport)
}

func (s *Server) run(ctx context.Context, transport mcp.Transport) error {
	return s.server.Run(ctx, transport)
}

func toSDKHandler(h handler) mcp.ToolHandler {
	return func(ctx context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := h(ctx)
		if err != nil {
			return errorResult(err), nil
		}

		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return errorResult(err), nil
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	}
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
		IsError: true,
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
