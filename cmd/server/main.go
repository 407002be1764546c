package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/deal-signal-lab/internal/archive"
	"github.com/deal-signal-lab/internal/config"
	"github.com/deal-signal-lab/internal/docstore"
	"github.com/deal-signal-lab/internal/gate"
	"github.com/deal-signal-lab/internal/httpapi"
	"github.com/deal-signal-lab/internal/logging"
	"github.com/deal-signal-lab/internal/mcp"
	"github.com/deal-signal-lab/internal/memory"
	"github.com/deal-signal-lab/internal/metrics"
	"github.com/deal-signal-lab/internal/pipeline"
	"github.com/deal-signal-lab/internal/queue"
	"github.com/deal-signal-lab/internal/voice"
	"github.com/deal-signal-lab/llm"
)

var version = "dev"

func main() {
	sugar := logging.Init()
	if sugar == nil {
		l, _ := zap.NewProduction()
		sugar = l.Sugar()
		logging.SetLogger(sugar)
	}
	defer func() { _ = logging.Sync() }()

	cfg, err := config.FromEnv()
	if err != nil {
		sugar.Fatalw("invalid configuration", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		sugar.Fatalw("server stopped with error", "err", err)
	}
	sugar.Infow("server stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	roomDocs, contextDocs, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := contextDocs.Close(); err != nil {
			logging.Warnw("closing context store", "err", err)
		}
		if err := roomDocs.Close(); err != nil {
			logging.Warnw("closing room store", "err", err)
		}
	}()

	collector := metrics.NewCollector("dealsignal")
	hub := httpapi.NewHub()

	mem := memory.NewStore(roomDocs, memorySettings(cfg), nil)
	mem.OnCorrupt = func(e *memory.CorruptStateError) { collector.RecordCorruptRoom(e.Scope()) }

	var arc *archive.Archive
	if cfg.Archive.Enabled {
		embed, err := archive.NewEmbedder(archive.EmbedderConfig{
			Provider: cfg.Embedding.Provider,
			Model:    cfg.Embedding.Model,
			APIKey:   cfg.Embedding.APIKey,
			BaseURL:  cfg.Embedding.BaseURL,
		})
		if err != nil {
			return fmt.Errorf("embedder: %w", err)
		}
		arc = archive.New(contextDocs, embed, archive.Settings{
			KRetrieval:      cfg.Archive.KRetrieval,
			RetentionChunks: cfg.Archive.RetentionChunks,
		}, nil)
	}

	if cfg.Whisper.URL == "" {
		return errors.New("WHISPER_URL is required")
	}
	stt, err := voice.NewWhisperClient(voice.WhisperOptions{
		URL:       cfg.Whisper.URL,
		Timeout:   time.Duration(cfg.Whisper.TimeoutMS) * time.Millisecond,
		Language:  cfg.Whisper.Language,
		BeamSize:  cfg.Whisper.BeamSize,
		Translate: cfg.Whisper.Translate,
	})
	if err != nil {
		return err
	}

	deps := pipeline.Deps{
		Normalizer:  voice.NewFFmpegNormalizer(cfg.Audio.FFmpegBin),
		Transcriber: stt,
		Memory:      mem,
		Gate:        gate.New(gateConfig(cfg), nil),
		Archive:     arc,
		Observer:    collector,
		Publisher:   hub,
	}
	if cfg.LLMEnabled() {
		client, err := llm.NewClient(llm.Config{
			APIKey:        cfg.LLM.APIKey,
			BaseURL:       cfg.LLM.BaseURL,
			Model:         cfg.LLM.Model,
			FallbackModel: cfg.LLM.FallbackModel,
			Timeout:       time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
			Temperature:   cfg.LLM.Temperature,
			JSONMode:      true,
		})
		if err != nil {
			return err
		}
		deps.Analyzer = llm.NewAnalyzer(client)
		logging.Infow("analysis backend enabled", "model", client.Model())
	} else {
		logging.Warnw("no GROQ_API_KEY configured, running in transcription-only mode")
	}

	pl, err := pipeline.New(deps)
	if err != nil {
		return err
	}

	runner := queue.NewRunner(pl.Process, queue.Options{
		MaxSize:  cfg.Queue.MaxSize,
		Workers:  cfg.Queue.Workers,
		Observer: collector,
	})
	runner.Start()

	var wg sync.WaitGroup
	tempDir := cfg.Queue.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	wg.Add(1)
	voice.StartJobDirCleaner(ctx, &wg, tempDir, time.Duration(cfg.Queue.TempRetentionMinutes)*time.Minute, time.Minute)

	var mcpHandler http.Handler
	if cfg.Server.EnableMCP {
		mcpHandler = mcp.NewServer(mem, arc, version)
	}
	api := httpapi.New(httpapi.Options{
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		JobTimeout:     cfg.JobTimeout(),
		TempDir:        tempDir,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
		LLMEnabled:     pl.LLMEnabled(),
	}, httpapi.Deps{
		Runner:  runner,
		Memory:  mem,
		Archive: arc,
		Hub:     hub,
		Metrics: collector,
		MCP:     mcpHandler,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Infow("http server listening", "addr", cfg.Server.Addr, "version", version,
			"llm_enabled", pl.LLMEnabled(), "storage", cfg.Storage.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logging.Infow("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warnw("http shutdown incomplete", "err", err)
	}
	if err := runner.Close(shutdownCtx); err != nil {
		logging.Warnw("queue did not drain before shutdown deadline", "err", err)
	}
	wg.Wait()
	return nil
}

// openBackends returns the document backends for room state and the
// context archive.
func openBackends(ctx context.Context, cfg *config.Config) (docstore.Backend, docstore.Backend, error) {
	st := cfg.Storage
	switch st.Backend {
	case "redis":
		opts := docstore.RedisOptions{Addr: st.RedisAddr, Password: st.RedisPassword, DB: st.RedisDB}
		rooms, err := docstore.NewRedisBackend(ctx, opts, st.RedisPrefix+":room")
		if err != nil {
			return nil, nil, err
		}
		return rooms, docstore.NewRedisBackendFromClient(rooms.Client(), st.RedisPrefix+":ctx"), nil
	case "sqlite":
		rooms, err := docstore.OpenSQLBackend(st.SQLitePath, "room")
		if err != nil {
			return nil, nil, err
		}
		archived, err := docstore.NewSQLBackend(rooms.DB(), "context")
		if err != nil {
			_ = rooms.Close()
			return nil, nil, err
		}
		return rooms, archived, nil
	default:
		rooms, err := docstore.NewFileBackend(cfg.Memory.Dir, "", st.FileLocking)
		if err != nil {
			return nil, nil, err
		}
		archived, err := docstore.NewFileBackend(cfg.Archive.Dir, "ctx_", st.FileLocking)
		if err != nil {
			return nil, nil, err
		}
		return rooms, archived, nil
	}
}

func memorySettings(cfg *config.Config) memory.Settings {
	m := cfg.Memory
	return memory.Settings{
		DedupeWindow:    m.DedupeWindow,
		InsightCooldown: time.Duration(m.InsightCooldownSeconds * float64(time.Second)),
		MaxChunks:       m.MaxChunks,
		SummaryMaxChars: m.SummaryMaxChars,
		BufferMaxChunks: m.BufferMaxChunks,
		BufferMaxChars:  m.BufferMaxChars,
		MaxSignalItems:  m.MaxSignalItems,
	}
}

func gateConfig(cfg *config.Config) gate.Config {
	g := cfg.Gate
	gc := gate.Config{
		MinWordsBuffer:      g.MinWordsBuffer,
		MinCharsBuffer:      g.MinCharsBuffer,
		Cooldown:            time.Duration(g.CooldownSeconds * float64(time.Second)),
		KeywordScore:        g.KeywordScore,
		MinScoreToPass:      g.MinScoreToPass,
		LengthFallbackWords: g.LengthFallbackWords,
		MinAlphaRatio:       g.MinAlphaRatio,
	}
	for _, c := range g.Keywords {
		gc.Categories = append(gc.Categories, gate.Category{Name: c.Name, Keywords: c.Keywords})
	}
	return gc
}
