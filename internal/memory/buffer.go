package memory

import (
	"strings"
	"unicode/utf8"
)

// AddChunkText appends a transcribed chunk to the room buffer and the live
// summary. Blank text is ignored and reported as false so silence never
// reaches the gate.
func (s *Store) AddChunkText(st *RoomState, text string, seq *int, lang *string, ts *float64) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	at := epoch(s.now())
	if ts != nil {
		at = *ts
	}
	st.Chunks = append(st.Chunks, ChunkText{Seq: seq, TS: at, Text: text, Lang: lang})
	if over := len(st.Chunks) - s.settings.MaxChunks; over > 0 {
		st.Chunks = append([]ChunkText(nil), st.Chunks[over:]...)
	}

	combined := text
	if prev := strings.TrimSpace(st.SummaryLive); prev != "" {
		combined = prev + " " + text
	}
	st.SummaryLive = tailRunes(combined, s.settings.SummaryMaxChars)
	return true
}

// BufferText is the transcript window the gate scores: the newest
// BufferMaxChunks chunks, then whole oldest chunks dropped until the text
// fits BufferMaxChars. The newest chunk is always kept.
func (s *Store) BufferText(st *RoomState) string {
	parts := lastTexts(st.Chunks, s.settings.BufferMaxChunks)
	for len(parts) > 1 && utf8.RuneCountInString(strings.Join(parts, " ")) > s.settings.BufferMaxChars {
		parts = parts[1:]
	}
	return strings.Join(parts, " ")
}

func lastTexts(chunks []ChunkText, n int) []string {
	if n > 0 && len(chunks) > n {
		chunks = chunks[len(chunks)-n:]
	}
	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if t := strings.TrimSpace(c.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return parts
}

func tailRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[len(r)-max:])
}
