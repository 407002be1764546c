// Package mcp exposes read-only room tools (memory snapshot, archived
// context, global summary) to MCP clients over a websocket.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/deal-signal-lab/internal/archive"
	"github.com/deal-signal-lab/internal/logging"
	"github.com/deal-signal-lab/internal/memory"
)

const (
	ToolRoomSnapshot    = "room_snapshot"
	ToolRetrieveContext = "retrieve_context"
	ToolGlobalSummary   = "global_summary"
)

type RoomArgs struct {
	RoomID string `json:"room_id" jsonschema:"conversation room id"`
}

type ContextArgs struct {
	RoomID string `json:"room_id" jsonschema:"conversation room id"`
	Query  string `json:"query" jsonschema:"text to match against archived chunks"`
	K      int    `json:"k,omitempty" jsonschema:"maximum number of chunks, defaults to the room setting"`
}

// Server serves the room tools. The archive is optional; without it only
// room_snapshot is registered.
type Server struct {
	impl     *sdk.Server
	memory   *memory.Store
	archive  *archive.Archive
	upgrader websocket.Upgrader
}

func NewServer(mem *memory.Store, arc *archive.Archive, version string) *Server {
	s := &Server{
		impl:     sdk.NewServer(&sdk.Implementation{Name: "deal-signal", Version: version}, nil),
		memory:   mem,
		archive:  arc,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	sdk.AddTool(s.impl, &sdk.Tool{
		Name:        ToolRoomSnapshot,
		Description: "Bounded view of a room's deal memory: stage, signals and recent insights.",
	}, s.roomSnapshot)
	if arc != nil {
		sdk.AddTool(s.impl, &sdk.Tool{
			Name:        ToolRetrieveContext,
			Description: "Archived chunks of a room most related to a query, newest first when no embeddings exist.",
		}, s.retrieveContext)
		sdk.AddTool(s.impl, &sdk.Tool{
			Name:        ToolGlobalSummary,
			Description: "Running summary of the whole conversation in a room.",
		}, s.globalSummary)
	}
	return s
}

// ServeHTTP upgrades the request and runs one MCP session on it until the
// client goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw("mcp: websocket upgrade failed", "err", err)
		return
	}
	go s.serve(conn)
}

func (s *Server) serve(conn *websocket.Conn) {
	session, err := s.impl.Connect(context.Background(), newFrameTransport(conn, "server"), nil)
	if err != nil {
		logging.Errorw("mcp: server connect failed", "err", err)
		_ = conn.Close()
		return
	}
	logging.Debugw("mcp: session started", "remote", conn.RemoteAddr().String())
	if err := session.Wait(); err != nil {
		logging.Debugw("mcp: session ended", "err", err)
	}
}

func (s *Server) roomSnapshot(ctx context.Context, _ *sdk.CallToolRequest, args RoomArgs) (*sdk.CallToolResult, any, error) {
	unlock := s.memory.Lock(args.RoomID)
	st, err := s.memory.Load(ctx, args.RoomID)
	unlock()
	if err != nil {
		return toolError(err), nil, nil
	}
	return jsonResult(memory.SummarizeForPrompt(st))
}

func (s *Server) retrieveContext(ctx context.Context, _ *sdk.CallToolRequest, args ContextArgs) (*sdk.CallToolResult, any, error) {
	if args.K < 0 {
		return toolError(fmt.Errorf("k must not be negative")), nil, nil
	}
	hits, err := s.archive.RetrieveRelevant(ctx, args.RoomID, args.Query, args.K)
	if err != nil {
		return toolError(err), nil, nil
	}
	for i := range hits {
		hits[i].Chunk = hits[i].Chunk.WithoutEmbedding()
	}
	return jsonResult(hits)
}

func (s *Server) globalSummary(ctx context.Context, _ *sdk.CallToolRequest, args RoomArgs) (*sdk.CallToolResult, any, error) {
	gs, err := s.archive.GlobalSummary(ctx, args.RoomID)
	if err != nil {
		return toolError(err), nil, nil
	}
	return jsonResult(gs)
}

func jsonResult(v any) (*sdk.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: string(data)}}}, nil, nil
}

func toolError(err error) *sdk.CallToolResult {
	return &sdk.CallToolResult{
		IsError: true,
		Content: []sdk.Content{&sdk.TextContent{Text: err.Error()}},
	}
}
