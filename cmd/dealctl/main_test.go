package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deal-signal-lab/internal/mcp"
)

func TestToolCall(t *testing.T) {
	tool, args, err := toolCall([]string{"context", "sala", "preço", "3"})
	require.NoError(t, err)
	assert.Equal(t, mcp.ToolRetrieveContext, tool)
	assert.Equal(t, map[string]any{"room_id": "sala", "query": "preço", "k": 3}, args)

	tool, _, err = toolCall([]string{"snapshot", "sala"})
	require.NoError(t, err)
	assert.Equal(t, mcp.ToolRoomSnapshot, tool)

	for _, argv := range [][]string{nil, {"snapshot"}, {"context", "sala"}, {"context", "sala", "q", "x"}, {"drop", "sala"}} {
		_, _, err := toolCall(argv)
		assert.Error(t, err, argv)
	}
}
