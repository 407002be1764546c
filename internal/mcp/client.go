package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/deal-signal-lab/internal/logging"
)

// Client is a session against the room tools of a running server.
type Client struct {
	client  *sdk.Client
	session *sdk.ClientSession
	stop    chan struct{}
}

// Dial connects to rawurl; http and https schemes are rewritten to ws and
// wss.
func Dial(ctx context.Context, rawurl, name, version string) (*Client, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	c := &Client{
		client: sdk.NewClient(&sdk.Implementation{Name: name, Version: version}, nil),
		stop:   make(chan struct{}),
	}
	sess, err := c.client.Connect(ctx, newFrameTransport(conn, "client"), nil)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.session = sess
	go c.keepalive(30 * time.Second)
	logging.Debugw("mcp: client connected", "url", u.String())
	return c, nil
}

func (c *Client) keepalive(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), every/2)
			_ = c.session.Ping(ctx, nil)
			cancel()
		}
	}
}

// Call invokes a tool and returns its text output. A tool level failure
// is returned as an error carrying the tool message.
func (c *Client) Call(ctx context.Context, tool string, args map[string]any) (string, error) {
	res, err := c.session.CallTool(ctx, &sdk.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, content := range res.Content {
		if text, ok := content.(*sdk.TextContent); ok {
			sb.WriteString(text.Text)
		}
	}
	if res.IsError {
		return "", errors.New(sb.String())
	}
	return sb.String(), nil
}

func (c *Client) Close() error {
	close(c.stop)
	return c.session.Close()
}
