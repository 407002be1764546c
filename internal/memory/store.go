package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deal-signal-lab/internal/docstore"
	"github.com/deal-signal-lab/internal/logging"
)

type Settings struct {
	DedupeWindow    int
	InsightCooldown time.Duration
	MaxChunks       int
	SummaryMaxChars int
	BufferMaxChunks int
	BufferMaxChars  int
	MaxSignalItems  int
}

func DefaultSettings() Settings {
	return Settings{
		DedupeWindow:    200,
		InsightCooldown: 10 * time.Second,
		MaxChunks:       80,
		SummaryMaxChars: 1200,
		BufferMaxChunks: 8,
		BufferMaxChars:  2200,
		MaxSignalItems:  50,
	}
}

// CorruptStateError describes a stored room document that did not fully
// decode. Fields lists the paths that were reset to their defaults; it is
// empty when the whole document was unreadable and the room started over.
type CorruptStateError struct {
	Room   string
	Fields []string
	Err    error
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("corrupt room state %q: %v", e.Room, e.Err)
}

func (e *CorruptStateError) Unwrap() error { return e.Err }

// Scope is "fields" for a partial recovery and "document" when the room
// started over.
func (e *CorruptStateError) Scope() string {
	if len(e.Fields) > 0 {
		return "fields"
	}
	return "document"
}

// Store loads and saves RoomState documents and owns the state transforms
// that depend on settings or the clock.
type Store struct {
	backend  docstore.Backend
	settings Settings
	now      func() time.Time
	locks    docstore.KeyedMutex

	// OnCorrupt, when set, is told about every recovered document.
	OnCorrupt func(*CorruptStateError)
}

// NewStore wires a Store to backend. now is the clock; nil selects
// time.Now.
func NewStore(backend docstore.Backend, settings Settings, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{backend: backend, settings: settings, now: now}
}

func (s *Store) Settings() Settings { return s.settings }

// Lock serializes read-modify-write cycles on one room. Every caller that
// loads, mutates and saves a room must hold it for the whole cycle.
func (s *Store) Lock(roomID string) func() {
	return s.locks.Lock(docstore.SafeKey(docstore.RoomID(roomID)))
}

// Load returns the stored state of roomID over the default schema, so
// documents written by older versions gain any missing fields. A field that
// does not fit the schema falls back to its default on its own; only a
// document that is not a JSON object starts the room over. Only backend
// failures are returned as errors.
func (s *Store) Load(ctx context.Context, roomID string) (*RoomState, error) {
	room := docstore.RoomID(roomID)
	raw, err := s.backend.Get(ctx, room)
	if errors.Is(err, docstore.ErrNotFound) {
		return NewRoomState(room, s.settings.DedupeWindow, s.now()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", room, err)
	}
	st, dropped, err := s.decode(room, raw)
	switch {
	case err != nil:
		logging.WarnwCtx(ctx, "memory: corrupt room state, starting over", "room.id", room, "err", err)
		s.reportCorrupt(&CorruptStateError{Room: room, Err: err})
		return NewRoomState(room, s.settings.DedupeWindow, s.now()), nil
	case len(dropped) > 0:
		logging.WarnwCtx(ctx, "memory: room state fields reset to defaults", "room.id", room, "fields", dropped)
		s.reportCorrupt(&CorruptStateError{Room: room, Fields: dropped, Err: errors.New("fields do not fit schema")})
	}
	return st, nil
}

func (s *Store) reportCorrupt(e *CorruptStateError) {
	if s.OnCorrupt != nil {
		s.OnCorrupt(e)
	}
}

func (s *Store) decode(room string, raw []byte) (*RoomState, []string, error) {
	var stored any
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, nil, err
	}
	doc, ok := stored.(map[string]any)
	if !ok {
		return nil, nil, fmt.Errorf("document is %T, not an object", stored)
	}
	st := NewRoomState(room, s.settings.DedupeWindow, s.now())
	dropped := decodeFields(doc, st)
	s.repair(room, st)
	return st, dropped, nil
}

// repair restores invariants a hand-edited or legacy document may break.
func (s *Store) repair(room string, st *RoomState) {
	if st.RoomID == "" {
		st.RoomID = room
	}
	if st.Chunks == nil {
		st.Chunks = []ChunkText{}
	}
	if st.InsightsFeed == nil {
		st.InsightsFeed = []Insight{}
	}
	if st.Dedupe.RecentHashes == nil {
		st.Dedupe.RecentHashes = []string{}
	}
	if st.Dedupe.Window <= 0 {
		st.Dedupe.Window = s.settings.DedupeWindow
	}
	if over := len(st.Chunks) - s.settings.MaxChunks; over > 0 {
		st.Chunks = st.Chunks[over:]
	}
	if over := len(st.Dedupe.RecentHashes) - st.Dedupe.Window; over > 0 {
		st.Dedupe.RecentHashes = st.Dedupe.RecentHashes[over:]
	}
	if st.Meta.UpdatedAt < st.Meta.CreatedAt {
		st.Meta.UpdatedAt = st.Meta.CreatedAt
	}
	s.capSignals(st)
}

func (s *Store) capSignals(st *RoomState) {
	n := s.settings.MaxSignalItems
	if n <= 0 {
		return
	}
	st.Signals.PainPoints = keepLast(st.Signals.PainPoints, n)
	st.Signals.Objections = keepLast(st.Signals.Objections, n)
	st.Signals.Budget.Evidence = keepLast(st.Signals.Budget.Evidence, n)
	st.Signals.Decision.Stakeholders = keepLast(st.Signals.Decision.Stakeholders, n)
	if st.Signals.PainPoints == nil {
		st.Signals.PainPoints = []PainPoint{}
	}
	if st.Signals.Objections == nil {
		st.Signals.Objections = []Objection{}
	}
	if st.Signals.Budget.Evidence == nil {
		st.Signals.Budget.Evidence = []string{}
	}
	if st.Signals.Decision.Stakeholders == nil {
		st.Signals.Decision.Stakeholders = []string{}
	}
}

func keepLast[T any](items []T, n int) []T {
	if len(items) <= n {
		return items
	}
	return append([]T(nil), items[len(items)-n:]...)
}

// Save stamps updated_at and rewrites the whole room document.
func (s *Store) Save(ctx context.Context, roomID string, st *RoomState) error {
	room := docstore.RoomID(roomID)
	now := epoch(s.now())
	if now < st.Meta.CreatedAt {
		now = st.Meta.CreatedAt
	}
	st.Meta.UpdatedAt = now
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode room %s: %w", room, err)
	}
	if err := s.backend.Put(ctx, room, b); err != nil {
		return fmt.Errorf("save room %s: %w", room, err)
	}
	return nil
}

// ApplyPatch merges p into st in place. On error st is left untouched.
// The result is held to the same bounds as stored state: room id, created_at
// and the dedupe window stay as they were, and last_insight_at never moves
// backwards.
func (s *Store) ApplyPatch(st *RoomState, p Patch) error {
	doc, err := toDocument(st)
	if err != nil {
		return err
	}
	merged, err := Apply(doc, p)
	if err != nil {
		return err
	}
	out, err := fromDocument(merged)
	if err != nil {
		return fmt.Errorf("patched state does not fit schema: %w", err)
	}
	out.RoomID = st.RoomID
	out.Meta.CreatedAt = st.Meta.CreatedAt
	out.Dedupe.Window = st.Dedupe.Window
	if out.Meta.LastInsightAt < st.Meta.LastInsightAt {
		out.Meta.LastInsightAt = st.Meta.LastInsightAt
	}
	s.repair(st.RoomID, out)
	*st = *out
	return nil
}
