package mcp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/deal-signal-lab/internal/logging"
)

// maxFrameBytes bounds one JSON-RPC message. Room snapshots and archive
// summaries stay well below it.
const maxFrameBytes = 4 << 20

// frameTransport carries JSON-RPC over a websocket that is already open,
// one message per text frame. Binary frames are accepted on read.
type frameTransport struct {
	conn *websocket.Conn
	role string
}

func newFrameTransport(conn *websocket.Conn, role string) sdk.Transport {
	return &frameTransport{conn: conn, role: role}
}

func (t *frameTransport) Connect(context.Context) (sdk.Connection, error) {
	t.conn.SetReadLimit(maxFrameBytes)
	return &frameConn{conn: t.conn, role: t.role, id: uuid.NewString()}, nil
}

// frameConn serializes writers: gorilla allows one concurrent writer and
// the keepalive ping shares the socket with tool traffic.
type frameConn struct {
	conn *websocket.Conn
	role string
	id   string

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *frameConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(dl)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			continue
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		msg, err := jsonrpc.DecodeMessage(data)
		if err != nil {
			logging.Warnw("mcp: undecodable frame", "session", c.id, "role", c.role, "bytes", len(data), "err", err)
			return nil, fmt.Errorf("decode frame: %w", err)
		}
		return msg, nil
	}
}

func (c *frameConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *frameConn) Close() error {
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		c.closeErr = c.conn.Close()
		logging.Debugw("mcp: connection closed", "session", c.id, "role", c.role)
	})
	return c.closeErr
}

func (c *frameConn) SessionID() string { return c.id }
