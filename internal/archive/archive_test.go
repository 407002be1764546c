package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deal-signal-lab/internal/docstore"
)

// bagOfWords embeds text over a tiny fixed vocabulary so related texts get
// high cosine similarity.
var vocab = []string{"preço", "contrato", "prazo", "diretor", "suporte", "integração"}

func bagOfWords(_ context.Context, text string) ([]float32, error) {
	if strings.Contains(text, "explode") {
		return nil, errors.New("embedder down")
	}
	v := make([]float32, len(vocab))
	lower := strings.ToLower(text)
	for i, w := range vocab {
		v[i] = float32(strings.Count(lower, w))
	}
	return v, nil
}

type tick struct{ t time.Time }

func (c *tick) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newArchive(t *testing.T, embed bool, s Settings) (*Archive, docstore.Backend) {
	t.Helper()
	b, err := docstore.NewFileBackend(t.TempDir(), "room_", false)
	require.NoError(t, err)
	clk := &tick{t: time.Unix(1_700_000_000, 0)}
	if embed {
		return New(b, bagOfWords, s, clk.Now), b
	}
	return New(b, nil, s, clk.Now), b
}

func TestChunksAreNewestFirstAndRetained(t *testing.T) {
	a, _ := newArchive(t, false, Settings{KRetrieval: 2, RetentionChunks: 3})
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		require.NoError(t, a.AddChunk(ctx, "r", fmt.Sprintf("c%d", i), "", "", fmt.Sprintf("trecho %d", i)))
	}
	chunks, err := a.ListChunks(ctx, "r")
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, "c5", chunks[0].ChunkID)
	assert.Equal(t, "c3", chunks[2].ChunkID)
	assert.Nil(t, chunks[0].Embedding)
}

func TestRetrieveFallsBackToRecency(t *testing.T) {
	a, _ := newArchive(t, false, DefaultSettings())
	ctx := context.Background()
	for i := 1; i <= 7; i++ {
		require.NoError(t, a.AddChunk(ctx, "r", fmt.Sprintf("c%d", i), "", "", "preço"))
	}
	got, err := a.RetrieveRelevant(ctx, "r", "preço", 0)
	require.NoError(t, err)
	require.Len(t, got, 5, "k defaults to the room setting")
	assert.Equal(t, "c7", got[0].Chunk.ChunkID)
	for _, sc := range got {
		assert.Nil(t, sc.Score)
	}
}

func TestRetrieveRanksBySimilarity(t *testing.T) {
	a, _ := newArchive(t, true, DefaultSettings())
	ctx := context.Background()
	require.NoError(t, a.AddChunk(ctx, "r", "price", "cliente achou o preço alto", "", ""))
	require.NoError(t, a.AddChunk(ctx, "r", "boss", "", "", "o diretor assina o contrato"))
	require.NoError(t, a.AddChunk(ctx, "r", "smalltalk", "", "", "bom dia tudo bem"))

	got, err := a.RetrieveRelevant(ctx, "r", "quem é o diretor", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "boss", got[0].Chunk.ChunkID)
	require.NotNil(t, got[0].Score)
	assert.Greater(t, *got[0].Score, *got[1].Score)

	self, err := a.RetrieveRelevant(ctx, "r", "cliente achou o preço alto", 1)
	require.NoError(t, err)
	assert.Equal(t, "price", self[0].Chunk.ChunkID)
	assert.InDelta(t, 1.0, *self[0].Score, 1e-6)
}

func TestEmbeddingFailureStoresNullAndFallsBack(t *testing.T) {
	a, _ := newArchive(t, true, DefaultSettings())
	ctx := context.Background()
	require.NoError(t, a.AddChunk(ctx, "r", "c1", "isso explode", "", "preço"))
	chunks, err := a.ListChunks(ctx, "r")
	require.NoError(t, err)
	assert.Nil(t, chunks[0].Embedding)

	require.NoError(t, a.AddChunk(ctx, "r", "c2", "", "", "preço"))
	got, err := a.RetrieveRelevant(ctx, "r", "explode", 5)
	require.NoError(t, err)
	require.Len(t, got, 2, "query embedding failure returns recent chunks")
	assert.Nil(t, got[0].Score)
	assert.Equal(t, "c2", got[0].Chunk.ChunkID)
}

func TestEmptyRoomRetrievesNothing(t *testing.T) {
	a, _ := newArchive(t, true, DefaultSettings())
	got, err := a.RetrieveRelevant(context.Background(), "nova", "preço", 3)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCreateRoomResetsWithSettings(t *testing.T) {
	a, _ := newArchive(t, false, DefaultSettings())
	ctx := context.Background()
	require.NoError(t, a.AddChunk(ctx, "r", "c1", "", "", "x"))
	require.NoError(t, a.CreateRoom(ctx, "r", &Settings{KRetrieval: 2}))

	s, err := a.Settings(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, Settings{KRetrieval: 2, RetentionChunks: 500}, s)
	chunks, err := a.ListChunks(ctx, "r")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestGlobalSummary(t *testing.T) {
	a, _ := newArchive(t, false, DefaultSettings())
	ctx := context.Background()
	gs, err := a.GlobalSummary(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, gs.Text)
	assert.Nil(t, gs.UpdatedAt)

	require.NoError(t, a.UpdateGlobalSummary(ctx, "", "cliente quer desconto"))
	gs, err = a.GlobalSummary(ctx, "global")
	require.NoError(t, err)
	assert.Equal(t, "cliente quer desconto", gs.Text)
	require.NotNil(t, gs.UpdatedAt)
}

func TestCorruptDocumentIsRecreated(t *testing.T) {
	a, b := newArchive(t, false, DefaultSettings())
	ctx := context.Background()
	require.NoError(t, b.Put(ctx, "r", []byte("[[[")))

	chunks, err := a.ListChunks(ctx, "r")
	require.NoError(t, err)
	assert.Empty(t, chunks)

	raw, err := b.Get(ctx, "r")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"roomId": "r"`)
}

func TestLoadCreatesDocument(t *testing.T) {
	a, b := newArchive(t, false, DefaultSettings())
	ctx := context.Background()
	_, err := a.GlobalSummary(ctx, "fresh")
	require.NoError(t, err)
	_, err = b.Get(ctx, "fresh")
	assert.NoError(t, err)
}

func TestRedisBackedArchive(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := docstore.NewRedisBackendFromClient(client, "ctx")
	a := New(b, bagOfWords, DefaultSettings(), nil)
	ctx := context.Background()

	require.NoError(t, a.AddChunk(ctx, "sala", "c1", "", "", "preço do contrato"))
	got, err := a.RetrieveRelevant(ctx, "sala", "contrato", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.NotNil(t, got[0].Score)
	assert.True(t, mr.Exists("ctx:sala"))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Zero(t, cosine([]float32{0, 0}, []float32{1, 1}))
}

func TestNewEmbedder(t *testing.T) {
	f, err := NewEmbedder(EmbedderConfig{})
	require.NoError(t, err)
	assert.Nil(t, f)

	f, err = NewEmbedder(EmbedderConfig{Provider: "ollama"})
	require.NoError(t, err)
	assert.NotNil(t, f)

	_, err = NewEmbedder(EmbedderConfig{Provider: "openai"})
	assert.Error(t, err)

	_, err = NewEmbedder(EmbedderConfig{Provider: "word2vec"})
	assert.Error(t, err)
}
