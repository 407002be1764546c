package memory

import "strings"

const snapshotItems = 5

// Snapshot is the bounded view of a room embedded into prompts and
// returned to clients.
type Snapshot struct {
	Deal           Deal          `json:"deal"`
	Signals        Signals       `json:"signals"`
	SummaryLive    string        `json:"summary_live"`
	BufferText     string        `json:"buffer_text"`
	RecentInsights []SlimInsight `json:"recent_insights"`
}

type SlimInsight struct {
	Type       string  `json:"type"`
	Title      string  `json:"title"`
	Why        string  `json:"why"`
	NextAction string  `json:"next_action"`
	Confidence float64 `json:"confidence"`
}

// SummarizeForPrompt projects st onto a Snapshot: deal and signals, the
// live summary, the last five chunk texts and the last five insights.
func SummarizeForPrompt(st *RoomState) Snapshot {
	feed := st.InsightsFeed
	if len(feed) > snapshotItems {
		feed = feed[len(feed)-snapshotItems:]
	}
	slim := make([]SlimInsight, 0, len(feed))
	for _, in := range feed {
		slim = append(slim, SlimInsight{
			Type:       in.Type,
			Title:      in.Title,
			Why:        in.WhyText(),
			NextAction: in.ActionText(),
			Confidence: in.Confidence,
		})
	}
	return Snapshot{
		Deal:           st.Deal,
		Signals:        st.Signals,
		SummaryLive:    st.SummaryLive,
		BufferText:     strings.Join(lastTexts(st.Chunks, snapshotItems), " "),
		RecentInsights: slim,
	}
}
