// Package gate decides whether the accumulated transcript of a room carries
// enough signal to pay for an LLM analysis.
package gate

import (
	"fmt"
	"strings"
	"time"

	"github.com/deal-signal-lab/internal/docstore"
)

// Failure and diagnostic hit types.
const (
	ReasonCooldown       = "cooldown"
	ReasonEmptyBuffer    = "empty_buffer"
	ReasonTooShort       = "too_short_buffer"
	ReasonNoisy          = "noisy_buffer"
	ReasonNoSignal       = "no_signal"
	ReasonLengthFallback = "length_fallback"
)

const maxHits = 12

type Config struct {
	MinWordsBuffer      int
	MinCharsBuffer      int
	Cooldown            time.Duration
	KeywordScore        int
	MinScoreToPass      int
	LengthFallbackWords int
	MinAlphaRatio       float64
	Categories          []Category
}

// DefaultConfig returns the thresholds tuned for short Portuguese sales
// calls.
func DefaultConfig() Config {
	return Config{
		MinWordsBuffer:      18,
		MinCharsBuffer:      60,
		Cooldown:            8 * time.Second,
		KeywordScore:        2,
		MinScoreToPass:      3,
		LengthFallbackWords: 36,
		MinAlphaRatio:       0.55,
	}
}

// Decision is the gate verdict plus the hits that explain it.
type Decision struct {
	OK    bool  `json:"ok"`
	Score int   `json:"score"`
	Hits  []Hit `json:"hits"`
}

// Reason returns the first hit type of a failed decision, or "" when the
// decision passed.
func (d Decision) Reason() string {
	if d.OK || len(d.Hits) == 0 {
		return ""
	}
	return d.Hits[0].Type
}

// Label is Reason for failures and "pass" otherwise. Used as a metric label.
func (d Decision) Label() string {
	if d.OK {
		return "pass"
	}
	return d.Reason()
}

func fail(score int, hitType, match string) Decision {
	return Decision{Score: score, Hits: []Hit{{Type: hitType, Match: match}}}
}

type SignalGate struct {
	cfg      Config
	detector *KeywordDetector
	cooldown *CooldownTracker
}

// New builds a gate. now is the clock used for cooldowns; nil selects
// time.Now.
func New(cfg Config, now func() time.Time) *SignalGate {
	return &SignalGate{
		cfg:      cfg,
		detector: NewKeywordDetector(cfg.Categories),
		cooldown: NewCooldownTracker(now),
	}
}

// ShouldAnalyze evaluates the buffered text of roomID. The verdict looks at
// the whole buffer, never at the latest chunk alone.
func (g *SignalGate) ShouldAnalyze(roomID, bufferText string) Decision {
	room := docstore.RoomID(roomID)

	if remaining, cooling := g.cooldown.Remaining(room, g.cfg.Cooldown); cooling {
		return fail(0, ReasonCooldown, fmt.Sprintf("remaining=%.1fs", remaining.Seconds()))
	}

	buf := strings.TrimSpace(bufferText)
	if buf == "" {
		return fail(0, ReasonEmptyBuffer, "no_text")
	}

	words, chars := CountWords(buf), CountChars(buf)
	if words < g.cfg.MinWordsBuffer && chars < g.cfg.MinCharsBuffer {
		return fail(0, ReasonTooShort, fmt.Sprintf("%dw/%dc", words, chars))
	}

	if ratio := AlphaRatio(buf); ratio < g.cfg.MinAlphaRatio {
		return fail(0, ReasonNoisy, fmt.Sprintf("alpha_ratio=%.2f", ratio))
	}

	hits := g.detector.Hits(buf)
	score := len(hits) * g.cfg.KeywordScore
	if score < g.cfg.MinScoreToPass {
		if words < g.cfg.LengthFallbackWords {
			if len(hits) == 0 {
				return fail(score, ReasonNoSignal, "no_keywords")
			}
			lead := Hit{Type: ReasonNoSignal, Match: fmt.Sprintf("score=%d<%d", score, g.cfg.MinScoreToPass)}
			return Decision{Score: score, Hits: truncate(append([]Hit{lead}, hits...))}
		}
		score = g.cfg.MinScoreToPass
		hits = append(hits, Hit{Type: ReasonLengthFallback, Match: fmt.Sprintf(">=%dw", g.cfg.LengthFallbackWords)})
	}
	return Decision{OK: true, Score: score, Hits: truncate(hits)}
}

// MarkAnalyzed starts the room cooldown. Call it right after invoking the
// analysis backend, whatever the outcome of that call.
func (g *SignalGate) MarkAnalyzed(roomID string) {
	g.cooldown.Mark(docstore.RoomID(roomID))
}

func truncate(hits []Hit) []Hit {
	if len(hits) > maxHits {
		return hits[:maxHits]
	}
	return hits
}
