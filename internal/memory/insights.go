package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
)

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Fingerprint hashes the normalized type, title, why and action of an
// insight. Case and whitespace differences produce the same fingerprint.
func Fingerprint(in Insight) string {
	key := strings.Join([]string{
		normalize(in.Type),
		normalize(in.Title),
		normalize(in.WhyText()),
		normalize(in.ActionText()),
	}, "|")
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}

// AddInsights appends every candidate whose fingerprint is not in the
// room's recent-hash window and returns the accepted ones. Duplicates are
// dropped silently.
func (s *Store) AddInsights(st *RoomState, candidates []Insight) []Insight {
	window := st.Dedupe.Window
	if window <= 0 {
		window = s.settings.DedupeWindow
		st.Dedupe.Window = window
	}
	var accepted []Insight
	for _, c := range candidates {
		h := c.IDHash
		if h == "" {
			h = Fingerprint(c)
		}
		if slices.Contains(st.Dedupe.RecentHashes, h) {
			continue
		}
		c.IDHash = h
		if c.CreatedAt == 0 {
			c.CreatedAt = epoch(s.now())
		}
		st.InsightsFeed = append(st.InsightsFeed, c)
		accepted = append(accepted, c)

		st.Dedupe.RecentHashes = append(st.Dedupe.RecentHashes, h)
		if over := len(st.Dedupe.RecentHashes) - window; over > 0 {
			st.Dedupe.RecentHashes = append([]string(nil), st.Dedupe.RecentHashes[over:]...)
		}
	}
	return accepted
}

// CanEmitInsights reports whether the insight cooldown has elapsed since
// the last accepted insight.
func (s *Store) CanEmitInsights(st *RoomState) bool {
	return epoch(s.now())-st.Meta.LastInsightAt >= s.settings.InsightCooldown.Seconds()
}

// MarkInsightEmitted starts the insight cooldown. last_insight_at never
// moves backwards.
func (s *Store) MarkInsightEmitted(st *RoomState) {
	if now := epoch(s.now()); now > st.Meta.LastInsightAt {
		st.Meta.LastInsightAt = now
	}
}
