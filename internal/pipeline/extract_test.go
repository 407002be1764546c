package pipeline

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deal-signal-lab/internal/archive"
	"github.com/deal-signal-lab/internal/memory"
	"github.com/deal-signal-lab/llm"
)

func decode(t *testing.T, s string) llm.Analysis {
	t.Helper()
	var a llm.Analysis
	require.NoError(t, json.Unmarshal([]byte(s), &a))
	return a
}

func TestExtractInsightsCards(t *testing.T) {
	a := decode(t, `{
	  "pain_points": [{"topic": "integração", "evidence": "ERP antigo"}, {"topic": ""}, "lixo"],
	  "objections": [{"detail": "não confia"}, {"type": "price"}],
	  "risks": [{"risk": "concorrente"}],
	  "next_best_actions": [{"action": "agendar demo"}]
	}`)
	got := ExtractInsights(a)
	require.Len(t, got, 4)

	assert.Equal(t, memory.Insight{Type: "pain_point", Title: "Dor: integração", Why: "ERP antigo", NextAction: painPointAction, Confidence: 0.82}, got[0])
	assert.Equal(t, "objection_other", got[1].Type)
	assert.Equal(t, "Objeção detectada (other)", got[1].Title)
	assert.Equal(t, 0.80, got[1].Confidence)
	assert.Equal(t, "Risco no deal", got[2].Title)
	assert.Equal(t, "concorrente", got[2].Why)
	assert.Equal(t, "Ação recomendada (medium)", got[3].Title)
	assert.Equal(t, "agendar demo", got[3].NextAction)
	assert.Equal(t, 0.85, got[3].Confidence)
}

func TestExtractInsightsToleratesWrongShapes(t *testing.T) {
	a := decode(t, `{"pain_points": "none", "risks": null, "objections": {"type": "x"}}`)
	assert.Empty(t, ExtractInsights(a))
}

func TestMemoryPatchAppliesToState(t *testing.T) {
	store := memory.NewStore(nil, memory.DefaultSettings(), nil)
	st := memory.NewRoomState("r", 200, time.Now())
	st.Signals.PainPoints = []memory.PainPoint{{Topic: "Custo"}}

	a := decode(t, `{
	  "deal_stage": "evaluation",
	  "opportunity_score": {"score": 140},
	  "customer_intent": {"level": "medium"},
	  "pain_points": [{"topic": "custo "}, {"topic": "suporte", "evidence": "demora"}],
	  "objections": [{"type": "timing", "detail": "só ano que vem"}],
	  "budget_signals": {"has_budget": false, "evidence": []},
	  "decision_process": {"decision_maker": "CFO", "stakeholders": null, "timeline": ""}
	}`)
	p := MemoryPatch(a, st)
	require.NotNil(t, p)
	require.NoError(t, store.ApplyPatch(st, p))

	assert.Equal(t, "evaluation", st.Deal.Stage)
	assert.Equal(t, "medium", st.Deal.IntentLevel)
	assert.Equal(t, 100, *st.Deal.OpportunityScore)
	assert.Equal(t, []memory.PainPoint{{Topic: "Custo"}, {Topic: "suporte", Evidence: "demora"}}, st.Signals.PainPoints)
	assert.Equal(t, []memory.Objection{{Type: "timing", Detail: "só ano que vem"}}, st.Signals.Objections)
	require.NotNil(t, st.Signals.Budget.HasBudget)
	assert.False(t, *st.Signals.Budget.HasBudget)
	assert.Equal(t, "CFO", st.Signals.Decision.DecisionMaker)
	assert.Equal(t, memory.Unknown, st.Signals.Decision.Timeline)
	assert.Empty(t, st.Signals.Decision.Stakeholders)
}

func TestMemoryPatchIgnoresNonNumericScore(t *testing.T) {
	st := memory.NewRoomState("r", 200, time.Now())
	assert.Nil(t, MemoryPatch(decode(t, `{"opportunity_score": {"score": "alto"}}`), st))
	assert.Nil(t, MemoryPatch(llm.Analysis{}, st))
}

func TestBuildPromptSectionOrder(t *testing.T) {
	room := "sala"
	seq := 4
	ts := 12.5
	got, err := BuildPrompt(PromptInput{
		Instructions: "INSTR",
		ContextHint:  "  cliente B2B  ",
		Snapshot:     memory.SummarizeForPrompt(memory.NewRoomState("sala", 200, time.Now())),
		BufferText:   "buffer",
		Latest:       "last",
		Related:      []archive.ScoredChunk{{Chunk: archive.Chunk{Transcript: "antes"}}},
		RoomID:       &room,
		Seq:          &seq,
		Timestamp:    &ts,
	})
	require.NoError(t, err)

	order := []string{"INSTR", "Contexto adicional:\ncliente B2B", "Memória atual (snapshot):\n{", "Trechos anteriores relacionados:\n- antes",
		"Transcrição acumulada (buffer recente):\nbuffer", "Último trecho (mais recente):\nlast", "- roomId: sala", "- seq: 4", "- timestamp: 12.5"}
	last := -1
	for _, s := range order {
		i := strings.Index(got, s)
		require.GreaterOrEqual(t, i, 0, s)
		assert.Greater(t, i, last, s)
		last = i
	}
}

func TestBuildPromptMissingMetadata(t *testing.T) {
	got, err := BuildPrompt(PromptInput{})
	require.NoError(t, err)
	assert.Contains(t, got, "- roomId: None\n- seq: None\n- timestamp: None")
	assert.NotContains(t, got, "Trechos anteriores")
}
