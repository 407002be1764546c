// Package memory keeps the per-room conversation memory: the transcript
// window, structured deal signals, the deduplicated insight feed and the
// prompt snapshot.
package memory

import (
	"encoding/json"
	"time"
)

// Unknown is the placeholder for deal fields nobody has inferred yet.
const Unknown = "unknown"

type RoomState struct {
	RoomID       string      `json:"roomId"`
	Deal         Deal        `json:"deal"`
	Signals      Signals     `json:"signals"`
	SummaryLive  string      `json:"summary_live"`
	Chunks       []ChunkText `json:"chunks"`
	InsightsFeed []Insight   `json:"insights_feed"`
	Dedupe       Dedupe      `json:"dedupe"`
	Meta         Meta        `json:"meta"`
}

type Deal struct {
	Stage            string `json:"stage"`
	IntentLevel      string `json:"intent_level"`
	OpportunityScore *int   `json:"opportunity_score"`
}

type Signals struct {
	PainPoints []PainPoint `json:"pain_points"`
	Objections []Objection `json:"objections"`
	Budget     Budget      `json:"budget"`
	Decision   Decision    `json:"decision"`
}

type PainPoint struct {
	Topic    string `json:"topic"`
	Evidence string `json:"evidence,omitempty"`
}

type Objection struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

// UnmarshalJSON also accepts the bare string older documents stored.
func (p *PainPoint) UnmarshalJSON(b []byte) error {
	var topic string
	if json.Unmarshal(b, &topic) == nil {
		*p = PainPoint{Topic: topic}
		return nil
	}
	type plain PainPoint
	return json.Unmarshal(b, (*plain)(p))
}

// UnmarshalJSON also accepts a bare string as the objection detail.
func (o *Objection) UnmarshalJSON(b []byte) error {
	var detail string
	if json.Unmarshal(b, &detail) == nil {
		*o = Objection{Type: "other", Detail: detail}
		return nil
	}
	type plain Objection
	return json.Unmarshal(b, (*plain)(o))
}

type Budget struct {
	HasBudget *bool    `json:"has_budget"`
	Evidence  []string `json:"evidence"`
}

type Decision struct {
	DecisionMaker string   `json:"decision_maker"`
	Stakeholders  []string `json:"stakeholders"`
	Timeline      string   `json:"timeline"`
}

// ChunkText is one transcribed chunk in the room buffer.
type ChunkText struct {
	Seq  *int    `json:"seq"`
	TS   float64 `json:"ts"`
	Text string  `json:"text"`
	Lang *string `json:"lang"`
}

// Insight is an actionable card shown to the seller. Evidence and Action
// are older spellings of Why and NextAction still found in stored feeds.
type Insight struct {
	Type       string  `json:"type"`
	Title      string  `json:"title"`
	Why        string  `json:"why"`
	NextAction string  `json:"next_action"`
	Evidence   string  `json:"evidence,omitempty"`
	Action     string  `json:"action,omitempty"`
	Confidence float64 `json:"confidence"`
	IDHash     string  `json:"id_hash,omitempty"`
	CreatedAt  float64 `json:"created_at,omitempty"`
}

// WhyText prefers Why and falls back to Evidence.
func (i Insight) WhyText() string {
	if i.Why != "" {
		return i.Why
	}
	return i.Evidence
}

// ActionText prefers NextAction and falls back to Action.
func (i Insight) ActionText() string {
	if i.NextAction != "" {
		return i.NextAction
	}
	return i.Action
}

type Dedupe struct {
	RecentHashes []string `json:"recent_hashes"`
	Window       int      `json:"window"`
}

// Meta timestamps are epoch seconds.
type Meta struct {
	CreatedAt     float64 `json:"created_at"`
	UpdatedAt     float64 `json:"updated_at"`
	LastInsightAt float64 `json:"last_insight_at"`
}

func epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// NewRoomState returns the default document for a room that has never been
// seen before.
func NewRoomState(roomID string, dedupeWindow int, now time.Time) *RoomState {
	ts := epoch(now)
	return &RoomState{
		RoomID: roomID,
		Deal:   Deal{Stage: Unknown, IntentLevel: Unknown},
		Signals: Signals{
			PainPoints: []PainPoint{},
			Objections: []Objection{},
			Budget:     Budget{Evidence: []string{}},
			Decision: Decision{
				DecisionMaker: Unknown,
				Stakeholders:  []string{},
				Timeline:      Unknown,
			},
		},
		Chunks:       []ChunkText{},
		InsightsFeed: []Insight{},
		Dedupe:       Dedupe{RecentHashes: []string{}, Window: dedupeWindow},
		Meta:         Meta{CreatedAt: ts, UpdatedAt: ts},
	}
}
