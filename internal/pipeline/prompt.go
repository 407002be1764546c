package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/deal-signal-lab/internal/archive"
	"github.com/deal-signal-lab/internal/memory"
)

// PromptInput is everything an analysis prompt is assembled from.
type PromptInput struct {
	Instructions string
	ContextHint  string
	Snapshot     memory.Snapshot
	BufferText   string
	Latest       string
	Related      []archive.ScoredChunk
	RoomID       *string
	Seq          *int
	Timestamp    *float64
}

const maxRelatedChars = 600

// BuildPrompt renders the analysis prompt sections in a fixed order.
func BuildPrompt(in PromptInput) (string, error) {
	snap, err := json.Marshal(in.Snapshot)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	var b strings.Builder
	b.WriteString(in.Instructions)
	b.WriteString("\n\nContexto adicional:\n")
	b.WriteString(strings.TrimSpace(in.ContextHint))
	b.WriteString("\n\nMemória atual (snapshot):\n")
	b.Write(snap)
	if len(in.Related) > 0 {
		b.WriteString("\n\nTrechos anteriores relacionados:\n")
		for _, r := range in.Related {
			text := r.Chunk.ShortSummary
			if strings.TrimSpace(text) == "" {
				text = r.Chunk.Transcript
			}
			b.WriteString("- ")
			b.WriteString(clip(strings.TrimSpace(text), maxRelatedChars))
			b.WriteString("\n")
		}
	}
	b.WriteString("\n\nTranscrição acumulada (buffer recente):\n")
	b.WriteString(in.BufferText)
	b.WriteString("\n\nÚltimo trecho (mais recente):\n")
	b.WriteString(in.Latest)
	b.WriteString("\n\nMetadados:\n")
	fmt.Fprintf(&b, "- roomId: %s\n", orNone(in.RoomID))
	seq := "None"
	if in.Seq != nil {
		seq = strconv.Itoa(*in.Seq)
	}
	fmt.Fprintf(&b, "- seq: %s\n", seq)
	ts := "None"
	if in.Timestamp != nil {
		ts = strconv.FormatFloat(*in.Timestamp, 'f', -1, 64)
	}
	fmt.Fprintf(&b, "- timestamp: %s\n", ts)
	return b.String(), nil
}

func orNone(s *string) string {
	if s == nil {
		return "None"
	}
	return *s
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
