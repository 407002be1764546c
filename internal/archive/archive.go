// Package archive keeps a per-room archive of analysed chunks and retrieves
// the ones related to a query, by embedding similarity when an embedder is
// configured and by recency otherwise.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/philippgille/chromem-go"

	"github.com/deal-signal-lab/internal/docstore"
	"github.com/deal-signal-lab/internal/logging"
)

type Settings struct {
	KRetrieval      int `json:"k_retrieval"`
	RetentionChunks int `json:"retention_chunks"`
}

func DefaultSettings() Settings {
	return Settings{KRetrieval: 5, RetentionChunks: 500}
}

type GlobalSummary struct {
	Text      string   `json:"text"`
	UpdatedAt *float64 `json:"updated_at"`
}

// Chunk is one archived chunk. Embedding is nil when no embedder was
// available or embedding failed.
type Chunk struct {
	ChunkID      string    `json:"chunk_id"`
	ShortSummary string    `json:"short_summary"`
	FullSummary  string    `json:"full_summary"`
	Transcript   string    `json:"transcript"`
	Embedding    []float32 `json:"embedding"`
	CreatedAt    float64   `json:"created_at"`
}

// WithoutEmbedding returns a copy of c with the vector dropped, for
// display surfaces.
func (c Chunk) WithoutEmbedding() Chunk {
	c.Embedding = nil
	return c
}

// Record is the stored document of one room. Chunks are newest first.
type Record struct {
	RoomID        string        `json:"roomId"`
	CreatedAt     float64       `json:"created_at"`
	Settings      Settings      `json:"settings"`
	GlobalSummary GlobalSummary `json:"global_summary"`
	Chunks        []Chunk       `json:"chunks"`
}

// ScoredChunk is a retrieval result. Score is nil for recency results.
type ScoredChunk struct {
	Score *float64 `json:"score"`
	Chunk Chunk    `json:"chunk"`
}

// Archive is safe for concurrent use. Operations on one room are
// serialized.
type Archive struct {
	backend  docstore.Backend
	embed    chromem.EmbeddingFunc
	defaults Settings
	now      func() time.Time
	locks    docstore.KeyedMutex
}

// New builds an archive over backend. embed may be nil, which disables
// similarity search. now nil selects time.Now.
func New(backend docstore.Backend, embed chromem.EmbeddingFunc, defaults Settings, now func() time.Time) *Archive {
	if now == nil {
		now = time.Now
	}
	if defaults.KRetrieval <= 0 {
		defaults.KRetrieval = DefaultSettings().KRetrieval
	}
	if defaults.RetentionChunks <= 0 {
		defaults.RetentionChunks = DefaultSettings().RetentionChunks
	}
	return &Archive{backend: backend, embed: embed, defaults: defaults, now: now}
}

// EmbeddingsEnabled reports whether similarity retrieval is possible.
func (a *Archive) EmbeddingsEnabled() bool { return a.embed != nil }

func (a *Archive) epoch() float64 {
	return float64(a.now().UnixNano()) / 1e9
}

func (a *Archive) newRecord(room string, s Settings) *Record {
	return &Record{
		RoomID:    room,
		CreatedAt: a.epoch(),
		Settings:  s,
		Chunks:    []Chunk{},
	}
}

// load returns the room record, creating and persisting a default one when
// the room is unknown or its document cannot be decoded. Callers hold the
// room lock.
func (a *Archive) load(ctx context.Context, room string) (*Record, error) {
	raw, err := a.backend.Get(ctx, room)
	if errors.Is(err, docstore.ErrNotFound) {
		rec := a.newRecord(room, a.defaults)
		return rec, a.save(ctx, rec)
	}
	if err != nil {
		return nil, fmt.Errorf("load archive %s: %w", room, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		logging.WarnwCtx(ctx, "archive: corrupt room document, recreating", "room.id", room, "err", err)
		fresh := a.newRecord(room, a.defaults)
		return fresh, a.save(ctx, fresh)
	}
	if rec.RoomID == "" {
		rec.RoomID = room
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = a.epoch()
	}
	if rec.Settings.KRetrieval <= 0 {
		rec.Settings.KRetrieval = a.defaults.KRetrieval
	}
	if rec.Settings.RetentionChunks <= 0 {
		rec.Settings.RetentionChunks = a.defaults.RetentionChunks
	}
	if rec.Chunks == nil {
		rec.Chunks = []Chunk{}
	}
	return &rec, nil
}

func (a *Archive) save(ctx context.Context, rec *Record) error {
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode archive %s: %w", rec.RoomID, err)
	}
	if err := a.backend.Put(ctx, rec.RoomID, b); err != nil {
		return fmt.Errorf("save archive %s: %w", rec.RoomID, err)
	}
	return nil
}

func (a *Archive) lock(room string) func() {
	return a.locks.Lock(docstore.SafeKey(room))
}

// CreateRoom creates or resets the archive of roomID. Zero fields of
// settings fall back to the archive defaults.
func (a *Archive) CreateRoom(ctx context.Context, roomID string, settings *Settings) error {
	room := docstore.RoomID(roomID)
	s := a.defaults
	if settings != nil {
		if settings.KRetrieval > 0 {
			s.KRetrieval = settings.KRetrieval
		}
		if settings.RetentionChunks > 0 {
			s.RetentionChunks = settings.RetentionChunks
		}
	}
	defer a.lock(room)()
	return a.save(ctx, a.newRecord(room, s))
}

// AddChunk archives a chunk at the head of the room list. The embedding is
// computed from shortSummary, or from transcript when the summary is
// blank.
func (a *Archive) AddChunk(ctx context.Context, roomID, chunkID, shortSummary, fullSummary, transcript string) error {
	room := docstore.RoomID(roomID)
	var emb []float32
	if text := embeddingText(shortSummary, transcript); text != "" {
		emb = a.encode(ctx, text)
	}

	defer a.lock(room)()
	rec, err := a.load(ctx, room)
	if err != nil {
		return err
	}
	c := Chunk{
		ChunkID:      chunkID,
		ShortSummary: shortSummary,
		FullSummary:  fullSummary,
		Transcript:   transcript,
		Embedding:    emb,
		CreatedAt:    a.epoch(),
	}
	rec.Chunks = append([]Chunk{c}, rec.Chunks...)
	if len(rec.Chunks) > rec.Settings.RetentionChunks {
		rec.Chunks = rec.Chunks[:rec.Settings.RetentionChunks]
	}
	return a.save(ctx, rec)
}

func embeddingText(shortSummary, transcript string) string {
	if s := strings.TrimSpace(shortSummary); s != "" {
		return s
	}
	return strings.TrimSpace(transcript)
}

// encode returns nil when embeddings are disabled or the embedder fails.
func (a *Archive) encode(ctx context.Context, text string) []float32 {
	if a.embed == nil {
		return nil
	}
	v, err := a.embed(ctx, text)
	if err != nil {
		logging.WarnwCtx(ctx, "archive: embedding failed", "err", err)
		return nil
	}
	if len(v) == 0 {
		return nil
	}
	return v
}

// RetrieveRelevant returns up to k chunks related to query. With an
// embedder and at least one embedded chunk, chunks are ranked by cosine
// similarity; otherwise the k most recent are returned with a nil score.
// k <= 0 uses the room setting.
func (a *Archive) RetrieveRelevant(ctx context.Context, roomID, query string, k int) ([]ScoredChunk, error) {
	room := docstore.RoomID(roomID)
	rec, err := a.loadLocked(ctx, room)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		k = rec.Settings.KRetrieval
	}
	if len(rec.Chunks) == 0 || k <= 0 {
		return []ScoredChunk{}, nil
	}

	if a.embed != nil && anyEmbedded(rec.Chunks) {
		if q := a.encode(ctx, query); q != nil {
			scored := make([]ScoredChunk, 0, len(rec.Chunks))
			for _, c := range rec.Chunks {
				if len(c.Embedding) == 0 {
					continue
				}
				s := cosine(q, c.Embedding)
				scored = append(scored, ScoredChunk{Score: &s, Chunk: c})
			}
			sort.SliceStable(scored, func(i, j int) bool { return *scored[i].Score > *scored[j].Score })
			if len(scored) > k {
				scored = scored[:k]
			}
			return scored, nil
		}
	}

	n := min(k, len(rec.Chunks))
	out := make([]ScoredChunk, 0, n)
	for _, c := range rec.Chunks[:n] {
		out = append(out, ScoredChunk{Chunk: c})
	}
	return out, nil
}

func (a *Archive) loadLocked(ctx context.Context, room string) (*Record, error) {
	defer a.lock(room)()
	return a.load(ctx, room)
}

func anyEmbedded(chunks []Chunk) bool {
	for _, c := range chunks {
		if len(c.Embedding) > 0 {
			return true
		}
	}
	return false
}

// cosine returns 0 when either vector has zero norm. Extra dimensions of
// the longer vector are ignored.
func cosine(a, b []float32) float64 {
	n := min(len(a), len(b))
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	for _, x := range a {
		na += float64(x) * float64(x)
	}
	for _, x := range b {
		nb += float64(x) * float64(x)
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// UpdateGlobalSummary replaces the room summary and stamps it.
func (a *Archive) UpdateGlobalSummary(ctx context.Context, roomID, text string) error {
	room := docstore.RoomID(roomID)
	defer a.lock(room)()
	rec, err := a.load(ctx, room)
	if err != nil {
		return err
	}
	ts := a.epoch()
	rec.GlobalSummary = GlobalSummary{Text: text, UpdatedAt: &ts}
	return a.save(ctx, rec)
}

func (a *Archive) GlobalSummary(ctx context.Context, roomID string) (GlobalSummary, error) {
	rec, err := a.loadLocked(ctx, docstore.RoomID(roomID))
	if err != nil {
		return GlobalSummary{}, err
	}
	return rec.GlobalSummary, nil
}

// ListChunks returns the archived chunks newest first.
func (a *Archive) ListChunks(ctx context.Context, roomID string) ([]Chunk, error) {
	rec, err := a.loadLocked(ctx, docstore.RoomID(roomID))
	if err != nil {
		return nil, err
	}
	return rec.Chunks, nil
}

// Settings returns the effective settings of roomID.
func (a *Archive) Settings(ctx context.Context, roomID string) (Settings, error) {
	rec, err := a.loadLocked(ctx, docstore.RoomID(roomID))
	if err != nil {
		return Settings{}, err
	}
	return rec.Settings, nil
}
