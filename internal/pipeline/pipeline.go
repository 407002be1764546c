package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/deal-signal-lab/internal/archive"
	"github.com/deal-signal-lab/internal/docstore"
	"github.com/deal-signal-lab/internal/gate"
	"github.com/deal-signal-lab/internal/logging"
	"github.com/deal-signal-lab/internal/memory"
	"github.com/deal-signal-lab/internal/voice"
	"github.com/deal-signal-lab/llm"
)

type Normalizer interface {
	Normalize(ctx context.Context, src, dst string) error
}

type Transcriber interface {
	Transcribe(ctx context.Context, wavPath string) (voice.Transcription, error)
}

type Analyzer interface {
	Analyze(ctx context.Context, prompt string) (llm.Analysis, error)
}

// Observer receives pipeline events for metrics. *metrics.Collector
// satisfies it.
type Observer interface {
	RecordGate(reason string)
	RecordLLM(status string, d time.Duration)
	AddInsights(n int)
	RecordRetrieval(mode string)
}

type noopObserver struct{}

func (noopObserver) RecordGate(string)               {}
func (noopObserver) RecordLLM(string, time.Duration) {}
func (noopObserver) AddInsights(int)                 {}
func (noopObserver) RecordRetrieval(string)          {}

// Publisher is told about every finished result, e.g. to push it to
// websocket subscribers of the room.
type Publisher interface {
	Publish(room string, r *Result)
}

// Deps wires a Pipeline. Analyzer, Archive, Observer and Publisher are
// optional.
type Deps struct {
	Normalizer  Normalizer
	Transcriber Transcriber
	Analyzer    Analyzer
	Memory      *memory.Store
	Gate        *gate.SignalGate
	Archive     *archive.Archive
	Observer    Observer
	Publisher   Publisher
	Now         func() time.Time
}

type Pipeline struct {
	d            Deps
	instructions string
}

func New(d Deps) (*Pipeline, error) {
	if d.Normalizer == nil || d.Transcriber == nil || d.Memory == nil || d.Gate == nil {
		return nil, errors.New("pipeline: normalizer, transcriber, memory and gate are required")
	}
	if d.Observer == nil {
		d.Observer = noopObserver{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Pipeline{d: d, instructions: llm.Instructions()}, nil
}

// LLMEnabled reports whether an analysis backend is configured.
func (p *Pipeline) LLMEnabled() bool { return p.d.Analyzer != nil }

// Process runs job to completion. Room state is persisted only when every
// stage succeeds; any failure is returned and leaves the room untouched.
func (p *Pipeline) Process(ctx context.Context, job *Job) (*Result, error) {
	if logging.CorrelationID(ctx) != job.ID {
		ctx = logging.WithFields(ctx, logging.JobFields(job.ID, job.Room(), job.Seq)...)
	}

	wav := filepath.Join(job.TempDir, job.ID+".wav")
	if err := p.d.Normalizer.Normalize(ctx, job.InputPath, wav); err != nil {
		return nil, fmt.Errorf("normalize audio: %w", err)
	}
	tr, err := p.d.Transcriber.Transcribe(ctx, wav)
	if err != nil {
		return nil, fmt.Errorf("transcribe: %w", err)
	}
	text := strings.TrimSpace(tr.Text)
	diarization, bySpeaker := diarize(tr)

	room := docstore.RoomID(job.Room())
	unlock := p.d.Memory.Lock(room)
	defer unlock()

	st, err := p.d.Memory.Load(ctx, room)
	if err != nil {
		return nil, err
	}
	p.d.Memory.AddChunkText(st, text, job.Seq, tr.Language, job.Timestamp)
	buf := p.d.Memory.BufferText(st)

	decision := p.d.Gate.ShouldAnalyze(room, buf)
	p.d.Observer.RecordGate(decision.Label())
	logging.DebugwCtx(ctx, "pipeline: gate decision", "ok", decision.OK, "score", decision.Score, "reason", decision.Label())

	analysis := skippedAnalysis()
	accepted := []memory.Insight{}
	var related []archive.ScoredChunk

	if decision.OK && p.d.Memory.CanEmitInsights(st) && p.d.Analyzer != nil {
		related = p.related(ctx, room, text)
		prompt, err := BuildPrompt(PromptInput{
			Instructions: p.instructions,
			ContextHint:  job.ContextHint,
			Snapshot:     memory.SummarizeForPrompt(st),
			BufferText:   buf,
			Latest:       text,
			Related:      related,
			RoomID:       job.RoomID,
			Seq:          job.Seq,
			Timestamp:    job.Timestamp,
		})
		if err != nil {
			return nil, err
		}

		started := time.Now()
		analysis, err = p.d.Analyzer.Analyze(ctx, prompt)
		p.d.Gate.MarkAnalyzed(room)
		if err != nil {
			p.d.Observer.RecordLLM("error", time.Since(started))
			return nil, fmt.Errorf("analyze: %w", err)
		}
		if analysis.Degraded() {
			p.d.Observer.RecordLLM("degraded", time.Since(started))
		} else {
			p.d.Observer.RecordLLM("ok", time.Since(started))
			if patch := MemoryPatch(analysis, st); patch != nil {
				if err := p.d.Memory.ApplyPatch(st, patch); err != nil {
					logging.WarnwCtx(ctx, "pipeline: analysis patch rejected", "err", err)
				}
			}
			if got := p.d.Memory.AddInsights(st, ExtractInsights(analysis)); len(got) > 0 {
				accepted = got
				p.d.Memory.MarkInsightEmitted(st)
				p.d.Observer.AddInsights(len(got))
			}
		}
	}

	if err := p.d.Memory.Save(ctx, room, st); err != nil {
		return nil, err
	}
	p.record(ctx, room, job.ID, text, analysis, st.SummaryLive)

	res := &Result{
		ChunkID: job.ID,
		Seq:     job.Seq,
		Meta: Meta{
			RoomID:     job.RoomID,
			Seq:        job.Seq,
			ClientID:   job.ClientID,
			ChunkID:    job.ID,
			Timestamp:  job.Timestamp,
			ReceivedAt: p.d.Now().UTC().Format("2006-01-02T15:04:05.000000Z"),
		},
		Gate:                decision,
		NewInsights:         accepted,
		MemoryState:         memory.SummarizeForPrompt(st),
		Diarization:         diarization,
		Transcript:          tr,
		TranscriptBySpeaker: bySpeaker,
		Analysis:            analysis,
		LLMEnabled:          p.LLMEnabled(),
		RelatedContext:      related,
	}
	if p.d.Publisher != nil {
		p.d.Publisher.Publish(room, res)
	}
	return res, nil
}

// related fetches archived chunks similar to the latest transcript.
// Archive failures only cost context and are logged.
func (p *Pipeline) related(ctx context.Context, room, query string) []archive.ScoredChunk {
	if p.d.Archive == nil || query == "" {
		return nil
	}
	got, err := p.d.Archive.RetrieveRelevant(ctx, room, query, 0)
	if err != nil {
		logging.WarnwCtx(ctx, "pipeline: context retrieval failed", "err", err)
		return nil
	}
	mode := "recency"
	if len(got) > 0 && got[0].Score != nil {
		mode = "similarity"
	}
	p.d.Observer.RecordRetrieval(mode)
	for i := range got {
		got[i].Chunk = got[i].Chunk.WithoutEmbedding()
	}
	return got
}

// record archives the chunk and refreshes the room summary. It runs after
// room state was saved so archive failures never fail the job.
func (p *Pipeline) record(ctx context.Context, room, chunkID, text string, a llm.Analysis, summary string) {
	if p.d.Archive == nil || text == "" {
		return
	}
	var full string
	if op, ok := a["opportunity_score"].(map[string]any); ok {
		full = str(op["rationale"])
	}
	if err := p.d.Archive.AddChunk(ctx, room, chunkID, "", full, text); err != nil {
		logging.WarnwCtx(ctx, "pipeline: archive chunk failed", "err", err)
		return
	}
	if err := p.d.Archive.UpdateGlobalSummary(ctx, room, summary); err != nil {
		logging.WarnwCtx(ctx, "pipeline: archive summary failed", "err", err)
	}
}
