// Command dealctl queries a running server's room tools over MCP.
//
//	dealctl -url ws://localhost:8000/mcp/ws snapshot sala-1
//	dealctl context sala-1 "preço do plano anual" 3
//	dealctl summary sala-1
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/deal-signal-lab/internal/mcp"
)

var version = "dev"

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [-url URL] [-timeout D] snapshot|context|summary ROOM [QUERY [K]]\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	url := flag.String("url", envOr("DEALSIGNAL_MCP_URL", "ws://localhost:8000/mcp/ws"), "MCP websocket endpoint")
	timeout := flag.Duration("timeout", 10*time.Second, "overall deadline")
	flag.Usage = usage
	flag.Parse()

	tool, args, err := toolCall(flag.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client, err := mcp.Dial(ctx, *url, "dealctl", version)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		os.Exit(1)
	}
	defer client.Close()

	out, err := client.Call(ctx, tool, args)
	if err != nil {
		fmt.Fprintln(os.Stderr, tool+":", err)
		os.Exit(1)
	}
	fmt.Println(out)
}

func toolCall(argv []string) (string, map[string]any, error) {
	if len(argv) < 2 {
		return "", nil, fmt.Errorf("command and room are required")
	}
	args := map[string]any{"room_id": argv[1]}
	switch argv[0] {
	case "snapshot":
		return mcp.ToolRoomSnapshot, args, nil
	case "summary":
		return mcp.ToolGlobalSummary, args, nil
	case "context":
		if len(argv) < 3 {
			return "", nil, fmt.Errorf("context needs a query")
		}
		args["query"] = argv[2]
		if len(argv) > 3 {
			k, err := strconv.Atoi(argv[3])
			if err != nil {
				return "", nil, fmt.Errorf("k: %w", err)
			}
			args["k"] = k
		}
		return mcp.ToolRetrieveContext, args, nil
	}
	return "", nil, fmt.Errorf("unknown command %q", argv[0])
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
