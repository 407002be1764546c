package pipeline

import (
	"fmt"
	"math"
	"strings"

	"github.com/deal-signal-lab/internal/memory"
	"github.com/deal-signal-lab/llm"
)

const (
	painPointAction = "Explorar impacto e priorização dessa dor; quantificar custo/tempo."
	objectionAction = "Validar objeção e aprofundar; responder com prova/ROI."
	riskAction      = "Mitigar risco com alinhamento de critérios e próximos passos claros."
)

// ExtractInsights turns an analysis into insight cards: one per pain
// point, objection, risk and recommended action. Entries missing their
// key field are skipped.
func ExtractInsights(a llm.Analysis) []memory.Insight {
	var out []memory.Insight
	for _, p := range objects(a["pain_points"]) {
		topic := str(p["topic"])
		if topic == "" {
			continue
		}
		out = append(out, memory.Insight{
			Type:       "pain_point",
			Title:      "Dor: " + topic,
			Why:        str(p["evidence"]),
			NextAction: painPointAction,
			Confidence: 0.82,
		})
	}
	for _, o := range objects(a["objections"]) {
		detail := str(o["detail"])
		if detail == "" {
			continue
		}
		kind := str(o["type"])
		if kind == "" {
			kind = "other"
		}
		out = append(out, memory.Insight{
			Type:       "objection_" + kind,
			Title:      fmt.Sprintf("Objeção detectada (%s)", kind),
			Why:        detail,
			NextAction: objectionAction,
			Confidence: 0.80,
		})
	}
	for _, r := range objects(a["risks"]) {
		risk := str(r["risk"])
		if risk == "" {
			continue
		}
		out = append(out, memory.Insight{
			Type:       "risk",
			Title:      "Risco no deal",
			Why:        risk,
			NextAction: riskAction,
			Confidence: 0.78,
		})
	}
	for _, n := range objects(a["next_best_actions"]) {
		action := str(n["action"])
		if action == "" {
			continue
		}
		priority := str(n["priority"])
		if priority == "" {
			priority = "medium"
		}
		out = append(out, memory.Insight{
			Type:       "next_action",
			Title:      fmt.Sprintf("Ação recomendada (%s)", priority),
			Why:        str(n["reason"]),
			NextAction: action,
			Confidence: 0.85,
		})
	}
	return out
}

// MemoryPatch maps an analysis onto a room state patch. Deal fields and
// the budget and decision signals replace what is stored; pain points,
// objections and budget evidence not yet present in st are appended.
// It returns nil when the analysis carries nothing to merge.
func MemoryPatch(a llm.Analysis, st *memory.RoomState) memory.Patch {
	deal := memory.Merge{}
	if stage := str(a["deal_stage"]); stage != "" {
		deal["stage"] = memory.Set(stage)
	}
	if op, ok := a["opportunity_score"].(map[string]any); ok {
		if score, ok := op["score"].(float64); ok && !math.IsNaN(score) {
			deal["opportunity_score"] = memory.Set(clampScore(score))
		}
	}
	if intent, ok := a["customer_intent"].(map[string]any); ok {
		if level := str(intent["level"]); level != "" {
			deal["intent_level"] = memory.Set(level)
		}
	}

	signals := memory.Merge{}
	if pains := newPainPoints(a, st); len(pains) > 0 {
		signals["pain_points"] = memory.Add(pains...)
	}
	if objs := newObjections(a, st); len(objs) > 0 {
		signals["objections"] = memory.Add(objs...)
	}
	if b, ok := a["budget_signals"].(map[string]any); ok {
		budget := memory.Merge{}
		if has, ok := b["has_budget"].(bool); ok {
			budget["has_budget"] = memory.Set(has)
		}
		var fresh []any
		for _, e := range strs(b["evidence"]) {
			if !containsFold(st.Signals.Budget.Evidence, e) {
				fresh = append(fresh, e)
			}
		}
		if len(fresh) > 0 {
			budget["evidence"] = memory.Add(fresh...)
		}
		if len(budget) > 0 {
			signals["budget"] = budget
		}
	}
	if d, ok := a["decision_process"].(map[string]any); ok {
		decision := memory.Merge{}
		if dm := str(d["decision_maker"]); dm != "" {
			decision["decision_maker"] = memory.Set(dm)
		}
		if sh := strs(d["stakeholders"]); len(sh) > 0 {
			decision["stakeholders"] = memory.Set(sh)
		}
		if tl := str(d["timeline"]); tl != "" {
			decision["timeline"] = memory.Set(tl)
		}
		if len(decision) > 0 {
			signals["decision"] = decision
		}
	}

	p := memory.Merge{}
	if len(deal) > 0 {
		p["deal"] = deal
	}
	if len(signals) > 0 {
		p["signals"] = signals
	}
	if len(p) == 0 {
		return nil
	}
	return p
}

func newPainPoints(a llm.Analysis, st *memory.RoomState) []any {
	var out []any
	seen := map[string]bool{}
	for _, p := range st.Signals.PainPoints {
		seen[fold(p.Topic)] = true
	}
	for _, p := range objects(a["pain_points"]) {
		topic := str(p["topic"])
		if topic == "" || seen[fold(topic)] {
			continue
		}
		seen[fold(topic)] = true
		out = append(out, memory.PainPoint{Topic: topic, Evidence: str(p["evidence"])})
	}
	return out
}

func newObjections(a llm.Analysis, st *memory.RoomState) []any {
	var out []any
	key := func(t, d string) string { return fold(t) + "|" + fold(d) }
	seen := map[string]bool{}
	for _, o := range st.Signals.Objections {
		seen[key(o.Type, o.Detail)] = true
	}
	for _, o := range objects(a["objections"]) {
		detail := str(o["detail"])
		kind := str(o["type"])
		if kind == "" {
			kind = "other"
		}
		if detail == "" || seen[key(kind, detail)] {
			continue
		}
		seen[key(kind, detail)] = true
		out = append(out, memory.Objection{Type: kind, Detail: detail})
	}
	return out
}

func clampScore(f float64) int {
	n := int(f)
	return max(0, min(100, n))
}

func objects(v any) []map[string]any {
	list, _ := v.([]any)
	out := make([]map[string]any, 0, len(list))
	for _, it := range list {
		if m, ok := it.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func str(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func strs(v any) []string {
	list, _ := v.([]any)
	var out []string
	for _, it := range list {
		if s := str(it); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func fold(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func containsFold(list []string, s string) bool {
	for _, it := range list {
		if fold(it) == fold(s) {
			return true
		}
	}
	return false
}
