package memory

import "encoding/json"

// fieldDecoder fills a RoomState from a decoded JSON object one field at a
// time. A field that does not fit the schema keeps the value already in the
// target, and a list element that does not fit is skipped. Every such path
// is recorded in dropped.
type fieldDecoder struct {
	dropped []string
}

func (d *fieldDecoder) object(obj map[string]any, key, path string) map[string]any {
	raw, ok := obj[key]
	if !ok || raw == nil {
		return nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		d.dropped = append(d.dropped, path+key)
		return nil
	}
	return m
}

func decodeField[T any](d *fieldDecoder, obj map[string]any, key, path string, dst *T) {
	raw, ok := obj[key]
	if !ok {
		return
	}
	v := *dst
	if err := remarshal(raw, &v); err != nil {
		d.dropped = append(d.dropped, path+key)
		return
	}
	*dst = v
}

func decodeList[T any](d *fieldDecoder, obj map[string]any, key, path string, dst *[]T) {
	raw, ok := obj[key]
	if !ok || raw == nil {
		return
	}
	items, ok := raw.([]any)
	if !ok {
		d.dropped = append(d.dropped, path+key)
		return
	}
	out := make([]T, 0, len(items))
	bad := false
	for _, it := range items {
		var v T
		if err := remarshal(it, &v); err != nil {
			bad = true
			continue
		}
		out = append(out, v)
	}
	if bad {
		d.dropped = append(d.dropped, path+key+"[]")
	}
	*dst = out
}

func remarshal(v any, dst any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

// decodeFields overlays doc onto st, which holds the defaults.
func decodeFields(doc map[string]any, st *RoomState) []string {
	d := &fieldDecoder{}
	decodeField(d, doc, "roomId", "", &st.RoomID)
	if deal := d.object(doc, "deal", ""); deal != nil {
		decodeField(d, deal, "stage", "deal.", &st.Deal.Stage)
		decodeField(d, deal, "intent_level", "deal.", &st.Deal.IntentLevel)
		decodeField(d, deal, "opportunity_score", "deal.", &st.Deal.OpportunityScore)
	}
	if sig := d.object(doc, "signals", ""); sig != nil {
		decodeList(d, sig, "pain_points", "signals.", &st.Signals.PainPoints)
		decodeList(d, sig, "objections", "signals.", &st.Signals.Objections)
		if b := d.object(sig, "budget", "signals."); b != nil {
			decodeField(d, b, "has_budget", "signals.budget.", &st.Signals.Budget.HasBudget)
			decodeList(d, b, "evidence", "signals.budget.", &st.Signals.Budget.Evidence)
		}
		if dec := d.object(sig, "decision", "signals."); dec != nil {
			decodeField(d, dec, "decision_maker", "signals.decision.", &st.Signals.Decision.DecisionMaker)
			decodeList(d, dec, "stakeholders", "signals.decision.", &st.Signals.Decision.Stakeholders)
			decodeField(d, dec, "timeline", "signals.decision.", &st.Signals.Decision.Timeline)
		}
	}
	decodeField(d, doc, "summary_live", "", &st.SummaryLive)
	decodeList(d, doc, "chunks", "", &st.Chunks)
	decodeList(d, doc, "insights_feed", "", &st.InsightsFeed)
	if dd := d.object(doc, "dedupe", ""); dd != nil {
		decodeList(d, dd, "recent_hashes", "dedupe.", &st.Dedupe.RecentHashes)
		decodeField(d, dd, "window", "dedupe.", &st.Dedupe.Window)
	}
	if meta := d.object(doc, "meta", ""); meta != nil {
		decodeField(d, meta, "created_at", "meta.", &st.Meta.CreatedAt)
		decodeField(d, meta, "updated_at", "meta.", &st.Meta.UpdatedAt)
		decodeField(d, meta, "last_insight_at", "meta.", &st.Meta.LastInsightAt)
	}
	return d.dropped
}
