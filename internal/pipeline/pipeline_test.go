package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deal-signal-lab/internal/archive"
	"github.com/deal-signal-lab/internal/docstore"
	"github.com/deal-signal-lab/internal/gate"
	"github.com/deal-signal-lab/internal/memory"
	"github.com/deal-signal-lab/internal/voice"
	"github.com/deal-signal-lab/llm"
)

const salesTalk = "O preço está caro e o diretor precisa de aprovação ainda esta semana para fechar o contrato com a gente"

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fakeNormalizer struct{ err error }

func (f *fakeNormalizer) Normalize(_ context.Context, _, dst string) error {
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(dst, []byte("wav"), 0o644)
}

type fakeTranscriber struct{ tr voice.Transcription }

func (f *fakeTranscriber) Transcribe(_ context.Context, wav string) (voice.Transcription, error) {
	if _, err := os.Stat(wav); err != nil {
		return voice.Transcription{}, err
	}
	return f.tr, nil
}

type fakeAnalyzer struct {
	out     llm.Analysis
	err     error
	prompts []string
}

func (f *fakeAnalyzer) Analyze(_ context.Context, prompt string) (llm.Analysis, error) {
	f.prompts = append(f.prompts, prompt)
	return f.out, f.err
}

type recorder struct{ results []*Result }

func (r *recorder) Publish(_ string, res *Result) { r.results = append(r.results, res) }

type harness struct {
	p        *Pipeline
	clk      *clock
	stt      *fakeTranscriber
	norm     *fakeNormalizer
	llm      *fakeAnalyzer
	mem      *memory.Store
	backend  docstore.Backend
	archive  *archive.Archive
	recorder *recorder
}

func newHarness(t *testing.T, withLLM bool, gateCfg gate.Config) *harness {
	t.Helper()
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	backend, err := docstore.NewFileBackend(t.TempDir(), "", false)
	require.NoError(t, err)
	ctxBackend, err := docstore.NewFileBackend(t.TempDir(), "room_", false)
	require.NoError(t, err)

	h := &harness{
		clk:      clk,
		stt:      &fakeTranscriber{},
		norm:     &fakeNormalizer{},
		mem:      memory.NewStore(backend, memory.DefaultSettings(), clk.Now),
		backend:  backend,
		archive:  archive.New(ctxBackend, nil, archive.DefaultSettings(), clk.Now),
		recorder: &recorder{},
	}
	d := Deps{
		Normalizer:  h.norm,
		Transcriber: h.stt,
		Memory:      h.mem,
		Gate:        gate.New(gateCfg, clk.Now),
		Archive:     h.archive,
		Publisher:   h.recorder,
		Now:         clk.Now,
	}
	if withLLM {
		h.llm = &fakeAnalyzer{out: sampleAnalysis()}
		d.Analyzer = h.llm
	}
	h.p, err = New(d)
	require.NoError(t, err)
	return h
}

func (h *harness) job(t *testing.T, room string, seq int) *Job {
	dir := t.TempDir()
	in := filepath.Join(dir, "chunk.webm")
	require.NoError(t, os.WriteFile(in, []byte("webm"), 0o644))
	return &Job{ID: "chunk-" + room, RoomID: &room, Seq: &seq, InputPath: in, TempDir: dir}
}

func (h *harness) say(text string) {
	h.stt.tr = voice.Transcription{Text: text, Segments: []voice.Segment{{Start: 0, End: 2.5, Text: text}}}
}

func sampleAnalysis() llm.Analysis {
	return llm.Analysis{
		"deal_stage":        "negotiation",
		"customer_intent":   map[string]any{"level": "high"},
		"opportunity_score": map[string]any{"score": 80.6, "rationale": "diretor engajado"},
		"pain_points":       []any{map[string]any{"topic": "custo", "evidence": "preço está caro"}},
		"objections":        []any{map[string]any{"type": "price", "detail": "acha caro"}},
		"risks":             []any{map[string]any{"risk": "aprovação pendente", "impact": "high"}},
		"next_best_actions": []any{map[string]any{"priority": "high", "action": "enviar ROI", "reason": "justificar preço"}},
		"budget_signals":    map[string]any{"has_budget": true, "evidence": []any{"tem verba no trimestre"}},
		"decision_process":  map[string]any{"decision_maker": "diretor", "stakeholders": []any{"financeiro"}, "timeline": "esta semana"},
	}
}

func TestGateFailureSkipsAnalysisButKeepsTranscript(t *testing.T) {
	h := newHarness(t, true, gate.DefaultConfig())
	h.say("oi tudo bem")

	res, err := h.p.Process(context.Background(), h.job(t, "r1", 1))
	require.NoError(t, err)
	assert.False(t, res.Gate.OK)
	assert.Equal(t, gate.ReasonTooShort, res.Gate.Reason())
	assert.Equal(t, true, res.Analysis["skipped"])
	assert.Equal(t, "gate_or_cooldown_or_no_llm", res.Analysis["reason"])
	assert.True(t, res.LLMEnabled)
	assert.Empty(t, h.llm.prompts)
	assert.Empty(t, res.NewInsights)
	assert.Equal(t, "oi tudo bem", res.MemoryState.BufferText)

	st, err := h.mem.Load(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, st.Chunks, 1)
	assert.Equal(t, 1, *st.Chunks[0].Seq)
}

func TestAnalysisUpdatesMemoryAndEmitsInsights(t *testing.T) {
	h := newHarness(t, true, gate.DefaultConfig())
	h.say(salesTalk)

	res, err := h.p.Process(context.Background(), h.job(t, "r1", 7))
	require.NoError(t, err)
	require.True(t, res.Gate.OK)
	require.Len(t, h.llm.prompts, 1)

	prompt := h.llm.prompts[0]
	for _, section := range []string{"Contexto adicional:", "Memória atual (snapshot):", "Transcrição acumulada (buffer recente):", "Último trecho (mais recente):", "- roomId: r1", "- seq: 7"} {
		assert.Contains(t, prompt, section)
	}

	require.Len(t, res.NewInsights, 4)
	types := []string{}
	for _, in := range res.NewInsights {
		types = append(types, in.Type)
		assert.Len(t, in.IDHash, 16)
	}
	assert.Equal(t, []string{"pain_point", "objection_price", "risk", "next_action"}, types)

	deal := res.MemoryState.Deal
	assert.Equal(t, "negotiation", deal.Stage)
	assert.Equal(t, "high", deal.IntentLevel)
	assert.Equal(t, 80, *deal.OpportunityScore)
	assert.Equal(t, "diretor", res.MemoryState.Signals.Decision.DecisionMaker)
	assert.Equal(t, []string{"tem verba no trimestre"}, res.MemoryState.Signals.Budget.Evidence)
	require.Len(t, res.MemoryState.RecentInsights, 4)

	st, err := h.mem.Load(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, float64(h.clk.Now().Unix()), st.Meta.LastInsightAt)
	require.Len(t, h.recorder.results, 1)
	assert.Same(t, res, h.recorder.results[0])
}

func TestGateCooldownAfterAnalysis(t *testing.T) {
	h := newHarness(t, true, gate.DefaultConfig())
	h.say(salesTalk)
	_, err := h.p.Process(context.Background(), h.job(t, "r1", 1))
	require.NoError(t, err)

	h.clk.Advance(2 * time.Second)
	res, err := h.p.Process(context.Background(), h.job(t, "r1", 2))
	require.NoError(t, err)
	assert.Equal(t, gate.ReasonCooldown, res.Gate.Reason())
	assert.Len(t, h.llm.prompts, 1)
}

func TestInsightCooldownBlocksAnalysis(t *testing.T) {
	cfg := gate.DefaultConfig()
	cfg.Cooldown = 0
	h := newHarness(t, true, cfg)
	h.say(salesTalk)
	_, err := h.p.Process(context.Background(), h.job(t, "r1", 1))
	require.NoError(t, err)

	h.clk.Advance(5 * time.Second)
	res, err := h.p.Process(context.Background(), h.job(t, "r1", 2))
	require.NoError(t, err)
	assert.True(t, res.Gate.OK)
	assert.Equal(t, true, res.Analysis["skipped"])
	assert.Len(t, h.llm.prompts, 1)
}

func TestRepeatedAnalysisIsDeduplicated(t *testing.T) {
	cfg := gate.DefaultConfig()
	cfg.Cooldown = 0
	h := newHarness(t, true, cfg)
	h.say(salesTalk)
	_, err := h.p.Process(context.Background(), h.job(t, "r1", 1))
	require.NoError(t, err)
	first, err := h.mem.Load(context.Background(), "r1")
	require.NoError(t, err)

	h.clk.Advance(11 * time.Second)
	res, err := h.p.Process(context.Background(), h.job(t, "r1", 2))
	require.NoError(t, err)
	assert.Len(t, h.llm.prompts, 2)
	assert.Empty(t, res.NewInsights)

	st, err := h.mem.Load(context.Background(), "r1")
	require.NoError(t, err)
	assert.Len(t, st.InsightsFeed, 4)
	assert.Equal(t, first.Meta.LastInsightAt, st.Meta.LastInsightAt, "no accepted insight, no new cooldown")
	assert.Len(t, st.Signals.PainPoints, 1, "known pain points are not appended twice")
	assert.Len(t, st.Signals.Budget.Evidence, 1)
}

func TestDegradedAnalysisDoesNotFailJob(t *testing.T) {
	h := newHarness(t, true, gate.DefaultConfig())
	h.llm.out = (&llm.AnalysisParseError{Raw: "not json", Err: errors.New("boom")}).Payload()
	h.say(salesTalk)

	res, err := h.p.Process(context.Background(), h.job(t, "r1", 1))
	require.NoError(t, err)
	assert.True(t, res.Analysis.Degraded())
	assert.Equal(t, "not json", res.Analysis["raw"])
	assert.Empty(t, res.NewInsights)
	assert.Equal(t, memory.Unknown, res.MemoryState.Deal.Stage)
}

func TestAnalyzerErrorFailsJobWithoutSaving(t *testing.T) {
	h := newHarness(t, true, gate.DefaultConfig())
	h.llm.err = llm.ErrPermanent
	h.say(salesTalk)

	_, err := h.p.Process(context.Background(), h.job(t, "r1", 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrPermanent)
	_, err = h.backend.Get(context.Background(), "r1")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestConversionErrorFailsJob(t *testing.T) {
	h := newHarness(t, true, gate.DefaultConfig())
	h.norm.err = &voice.ConversionError{ExitCode: 1, Stderr: "Invalid data"}

	_, err := h.p.Process(context.Background(), h.job(t, "r1", 1))
	var convErr *voice.ConversionError
	require.ErrorAs(t, err, &convErr)
	_, err = h.backend.Get(context.Background(), "r1")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestBlankTranscriptLeavesBufferAlone(t *testing.T) {
	h := newHarness(t, true, gate.DefaultConfig())
	h.stt.tr = voice.Transcription{}

	res, err := h.p.Process(context.Background(), h.job(t, "", 1))
	require.NoError(t, err)
	assert.Equal(t, gate.ReasonEmptyBuffer, res.Gate.Reason())
	assert.Empty(t, res.MemoryState.BufferText)

	chunks, err := h.archive.ListChunks(context.Background(), "global")
	require.NoError(t, err)
	assert.Empty(t, chunks, "silence is not archived")

	require.Len(t, res.TranscriptBySpeaker, 1)
	assert.Equal(t, []voice.Segment{{Start: 0, End: 0, Text: ""}}, res.TranscriptBySpeaker[0].Segments)
	assert.Equal(t, 0.0, res.Diarization[0].End)
}

func TestSTTOnlyMode(t *testing.T) {
	h := newHarness(t, false, gate.DefaultConfig())
	h.say(salesTalk)
	res, err := h.p.Process(context.Background(), h.job(t, "r1", 1))
	require.NoError(t, err)
	assert.True(t, res.Gate.OK)
	assert.False(t, res.LLMEnabled)
	assert.Equal(t, true, res.Analysis["skipped"])
}

func TestArchiveFeedsLaterPrompts(t *testing.T) {
	cfg := gate.DefaultConfig()
	cfg.Cooldown = 0
	h := newHarness(t, true, cfg)
	h.say(salesTalk)
	_, err := h.p.Process(context.Background(), h.job(t, "r1", 1))
	require.NoError(t, err)

	chunks, err := h.archive.ListChunks(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, salesTalk, chunks[0].Transcript)
	assert.Equal(t, "diretor engajado", chunks[0].FullSummary)
	gs, err := h.archive.GlobalSummary(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, salesTalk, gs.Text)

	h.clk.Advance(11 * time.Second)
	res, err := h.p.Process(context.Background(), h.job(t, "r1", 2))
	require.NoError(t, err)
	require.Len(t, h.llm.prompts, 2)
	assert.Contains(t, h.llm.prompts[1], "Trechos anteriores relacionados:")
	require.Len(t, res.RelatedContext, 1)
	assert.Nil(t, res.RelatedContext[0].Score)
}

func TestResultMetadata(t *testing.T) {
	h := newHarness(t, false, gate.DefaultConfig())
	h.stt.tr = voice.Transcription{Text: "a b", Segments: []voice.Segment{{Start: 0, End: 1, Text: "a"}, {Start: 1, End: 3.5, Text: "b"}}}
	job := h.job(t, "r9", 3)
	client := "web-1"
	ts := 1700000000.5
	job.ClientID, job.Timestamp = &client, &ts

	res, err := h.p.Process(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, job.ID, res.ChunkID)
	assert.Equal(t, job.ID, res.Meta.ChunkID)
	assert.Equal(t, "r9", *res.Meta.RoomID)
	assert.Equal(t, "web-1", *res.Meta.ClientID)
	assert.Equal(t, 3, *res.Seq)
	assert.True(t, strings.HasSuffix(res.Meta.ReceivedAt, "Z"))
	assert.Equal(t, []SpeakerTurn{{Speaker: "SPEAKER_0", Start: 0, End: 3.5, Confidence: 0.9}}, res.Diarization)
	assert.Len(t, res.TranscriptBySpeaker[0].Segments, 2)
}

func TestChunkKeepsClientTimestamp(t *testing.T) {
	h := newHarness(t, false, gate.DefaultConfig())
	h.stt.tr = voice.Transcription{Text: "o preço está alto"}

	stamped := h.job(t, "r1", 1)
	ts := 1600000000.25
	stamped.Timestamp = &ts
	_, err := h.p.Process(context.Background(), stamped)
	require.NoError(t, err)

	_, err = h.p.Process(context.Background(), h.job(t, "r1", 2))
	require.NoError(t, err)

	st, err := h.mem.Load(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, st.Chunks, 2)
	assert.Equal(t, ts, st.Chunks[0].TS)
	assert.Equal(t, float64(h.clk.Now().Unix()), st.Chunks[1].TS, "unstamped chunks use the server clock")
}
