// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command raglite is the CLI for the raglite retrieval core.
//
// Usage:
//
//	raglite ingest --scope bot1 --file document.txt
//	raglite search --scope bot1 --query "how do refunds work" --mode hybrid
//	raglite jobs upload --scope bot1 --owner user1 --file document.txt
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/raglite/pkg/cache"
	"github.com/kadirpekel/raglite/pkg/chunking"
	"github.com/kadirpekel/raglite/pkg/config"
	"github.com/kadirpekel/raglite/pkg/embedder"
	"github.com/kadirpekel/raglite/pkg/jobs"
	"github.com/kadirpekel/raglite/pkg/logger"
	"github.com/kadirpekel/raglite/pkg/observability"
	"github.com/kadirpekel/raglite/pkg/reranker"
	"github.com/kadirpekel/raglite/pkg/retry"
	"github.com/kadirpekel/raglite/pkg/search"
	"github.com/kadirpekel/raglite/pkg/store"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Ingest  IngestCmd  `cmd:"" help:"Chunk, embed and store a document."`
	Search  SearchCmd  `cmd:"" help:"Search stored chunks."`
	Delete  DeleteCmd  `cmd:"" help:"Soft-delete a document or chunk."`
	Jobs    JobsCmd    `cmd:"" help:"Run and inspect asynchronous jobs."`
	Stats   StatsCmd   `cmd:"" help:"Show cache statistics."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("raglite version %s\n", version)
	return nil
}

// IngestCmd ingests one document synchronously.
type IngestCmd struct {
	Scope    string `required:"" help:"Scope (tenant) the document belongs to."`
	File     string `help:"Text file to ingest." type:"existingfile"`
	Text     string `help:"Inline text to ingest (alternative to --file)."`
	Document string `help:"Document ID (generated when empty)."`
}

func (c *IngestCmd) Run(cli *CLI) error {
	text, err := readInput(c.File, c.Text)
	if err != nil {
		return err
	}

	app, err := newApp(cli.Config)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx := signalContext()
	result, err := app.engine.Ingest(ctx, search.IngestRequest{
		DocumentID: c.Document,
		ScopeID:    c.Scope,
		Text:       text,
	})
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	fmt.Printf("Ingested document %s (%d chunks)\n", result.DocumentID, result.ChunkCount)
	return nil
}

// SearchCmd searches stored chunks.
type SearchCmd struct {
	Scope     string  `required:"" help:"Scope to search in."`
	Query     string  `required:"" help:"Query text."`
	Mode      string  `help:"Search mode (vector, hybrid, keyword)." default:""`
	TopK      int     `name:"top-k" help:"Maximum results." default:"10"`
	Threshold float64 `help:"Minimum similarity score." default:"0"`
	JSON      bool    `help:"Emit results as JSON."`
}

func (c *SearchCmd) Run(cli *CLI) error {
	app, err := newApp(cli.Config)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx := signalContext()
	result, err := app.engine.Search(ctx, search.Request{
		ScopeID:   c.Scope,
		Query:     c.Query,
		Mode:      search.Mode(c.Mode),
		TopK:      c.TopK,
		Threshold: c.Threshold,
	})
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if c.JSON {
		return json.NewEncoder(os.Stdout).Encode(result)
	}

	fmt.Printf("%d results (mode=%s, cached=%v, took=%s)\n",
		len(result.Chunks), result.Mode, result.Cached, result.Took.Round(time.Millisecond))
	for i, chunk := range result.Chunks {
		fmt.Printf("%2d. [%.4f] %s\n", i+1, chunk.Combined, firstLine(chunk.Content))
	}
	return nil
}

// DeleteCmd soft-deletes a document or a single chunk.
type DeleteCmd struct {
	Document string `xor:"target" help:"Document ID to delete (cascades to chunks)."`
	Chunk    string `xor:"target" help:"Chunk ID to delete."`
}

func (c *DeleteCmd) Run(cli *CLI) error {
	if c.Document == "" && c.Chunk == "" {
		return fmt.Errorf("either --document or --chunk is required")
	}

	app, err := newApp(cli.Config)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx := signalContext()
	if c.Document != "" {
		if err := app.engine.DeleteDocument(ctx, c.Document); err != nil {
			return fmt.Errorf("failed to delete document: %w", err)
		}
		fmt.Printf("Deleted document %s\n", c.Document)
		return nil
	}

	if err := app.engine.DeleteChunk(ctx, c.Chunk); err != nil {
		return fmt.Errorf("failed to delete chunk: %w", err)
	}
	fmt.Printf("Deleted chunk %s\n", c.Chunk)
	return nil
}

// JobsCmd groups the asynchronous job operations.
type JobsCmd struct {
	Upload    JobsUploadCmd    `cmd:"" help:"Upload a text as an asynchronous ingestion job."`
	Embed     JobsEmbedCmd     `cmd:"" help:"Re-embed documents as an asynchronous job."`
	Reprocess JobsReprocessCmd `cmd:"" help:"Migrate a scope's chunks to the configured model."`
	Cleanup   JobsCleanupCmd   `cmd:"" help:"Remove finished jobs older than a threshold."`
}

// JobsUploadCmd runs a text-upload job and waits for its outcome.
type JobsUploadCmd struct {
	Scope string `required:"" help:"Scope the document belongs to."`
	Owner string `required:"" help:"Submitting user ID."`
	File  string `help:"Text file to upload." type:"existingfile"`
	Text  string `help:"Inline text to upload (alternative to --file)."`
}

func (c *JobsUploadCmd) Run(cli *CLI) error {
	text, err := readInput(c.File, c.Text)
	if err != nil {
		return err
	}

	app, err := newApp(cli.Config)
	if err != nil {
		return err
	}
	defer app.Close()

	jobID, err := app.jobs.SubmitTextUpload(c.Owner, c.Scope, text)
	if err != nil {
		return fmt.Errorf("failed to submit upload job: %w", err)
	}
	return app.awaitJob(jobID)
}

// JobsEmbedCmd runs an embed job over the given documents.
type JobsEmbedCmd struct {
	Scope     string   `required:"" help:"Scope the documents belong to."`
	Owner     string   `required:"" help:"Submitting user ID."`
	Documents []string `required:"" help:"Document IDs to re-embed."`
	BatchSize int      `name:"batch-size" help:"Chunk batch size (0 = configured default)."`
}

func (c *JobsEmbedCmd) Run(cli *CLI) error {
	app, err := newApp(cli.Config)
	if err != nil {
		return err
	}
	defer app.Close()

	jobID, err := app.jobs.SubmitEmbedJob(c.Owner, c.Scope, c.Documents, c.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to submit embed job: %w", err)
	}
	return app.awaitJob(jobID)
}

// JobsReprocessCmd migrates a scope's chunks onto the configured model.
type JobsReprocessCmd struct {
	Scope     string `required:"" help:"Scope to reprocess."`
	Owner     string `required:"" help:"Submitting user ID."`
	OldModel  string `name:"old-model" help:"Only migrate chunks embedded with this model (empty = all)."`
	BatchSize int    `name:"batch-size" help:"Chunk batch size (0 = configured default)."`
}

func (c *JobsReprocessCmd) Run(cli *CLI) error {
	app, err := newApp(cli.Config)
	if err != nil {
		return err
	}
	defer app.Close()

	jobID, err := app.jobs.SubmitReprocessJob(c.Owner, c.Scope, c.OldModel, c.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to submit reprocess job: %w", err)
	}
	return app.awaitJob(jobID)
}

// JobsCleanupCmd removes old finished jobs.
type JobsCleanupCmd struct {
	MaxAgeHours int `name:"max-age-hours" help:"Age threshold in hours (0 = configured default)."`
}

func (c *JobsCleanupCmd) Run(cli *CLI) error {
	app, err := newApp(cli.Config)
	if err != nil {
		return err
	}
	defer app.Close()

	maxAge := c.MaxAgeHours
	if maxAge <= 0 {
		maxAge = app.cfg.Jobs.CleanupMaxAgeHours
	}
	removed := app.jobs.CleanupJobs(maxAge)
	fmt.Printf("Removed %d finished jobs\n", removed)
	return nil
}

// StatsCmd prints cache statistics.
type StatsCmd struct{}

func (c *StatsCmd) Run(cli *CLI) error {
	app, err := newApp(cli.Config)
	if err != nil {
		return err
	}
	defer app.Close()

	stats := app.engine.CacheStats()
	for name, s := range stats {
		fmt.Printf("%s: size=%d/%d hits=%d misses=%d hit_rate=%.2f ttl=%s\n",
			name, s.Size, s.MaxSize, s.Hits, s.Misses, s.HitRate, s.TTL)
	}
	return nil
}

// app wires the retrieval pipeline from configuration.
type app struct {
	cfg    *config.Config
	engine *search.Engine
	jobs   *jobs.Service

	closers []func()
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}

	metrics, err := observability.InitMetrics(context.Background(), cfg.Metrics.Enabled)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	observability.SetGlobal(metrics)
	if cfg.Metrics.Enabled {
		server := observability.NewMetricsServer(cfg.Metrics.Port)
		server.Start()
		a.closers = append(a.closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = server.Shutdown(ctx)
		})
	}

	st, err := newStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = st.Close() })

	emb, err := embedder.NewFromConfig(cfg.Embedder)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = emb.Close() })

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.Retry.MaxAttempts
	retryCfg.BaseDelay = time.Duration(cfg.Retry.BaseDelayMS) * time.Millisecond
	retryCfg.Multiplier = cfg.Retry.Multiplier
	retryCfg.MaxDelay = time.Duration(cfg.Retry.MaxDelayMS) * time.Millisecond
	retryCfg.Jitter = cfg.Retry.Jitter
	retryer := retry.New(retryCfg)
	breaker := retry.NewCircuitBreaker(retry.DefaultBreakerConfig())

	embeddingCache := cache.New[[]float32](cache.Config{
		MaxSize: cfg.Caches.Embedding.MaxSize,
		TTL:     cfg.Caches.Embedding.TTL(),
	})
	a.closers = append(a.closers, embeddingCache.Close)

	manager, err := embedder.NewManager(embedder.ManagerConfig{
		Embedder:       emb,
		Cache:          embeddingCache,
		Retryer:        retryer,
		Breaker:        breaker,
		BatchSize:      cfg.Embedder.BatchSize,
		Adaptive:       cfg.Embedder.Adaptive,
		MaxConcurrency: cfg.Embedder.MaxConcurrency,
	})
	if err != nil {
		return nil, err
	}

	var rerankSvc *reranker.Service
	if cfg.Rerank.Enabled {
		encoder, err := reranker.NewHTTPEncoder(reranker.HTTPEncoderConfig{
			URL:     cfg.Rerank.URL,
			Timeout: time.Duration(cfg.Rerank.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = encoder.Close() })
		rerankSvc = reranker.NewService(encoder, reranker.HybridRanker{
			VectorWeight: cfg.Rerank.VectorWeight,
			RerankWeight: cfg.Rerank.RerankWeight,
			ScoreMin:     cfg.Rerank.ScoreMin,
			ScoreMax:     cfg.Rerank.ScoreMax,
		})
	}

	resultsCache := cache.New[[]search.ScoredChunk](cache.Config{
		MaxSize: cfg.Caches.Results.MaxSize,
		TTL:     cfg.Caches.Results.TTL(),
	})
	a.closers = append(a.closers, resultsCache.Close)

	splitter := chunking.NewSplitter(cfg.Chunking)

	engine, err := search.NewEngine(search.Config{
		Splitter: splitter,
		Manager:  manager,
		Store:    st,
		Reranker: rerankSvc,
		Results:  resultsCache,
	})
	if err != nil {
		return nil, err
	}
	a.engine = engine

	jobSvc, err := jobs.NewService(jobs.ServiceConfig{
		Registry:  jobs.NewRegistry(cfg.Jobs.MaxConcurrentJobs),
		Manager:   manager,
		Store:     st,
		Splitter:  splitter,
		BatchSize: cfg.Jobs.BatchSize,
	})
	if err != nil {
		return nil, err
	}
	a.jobs = jobSvc

	return a, nil
}

func newStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Type {
	case "qdrant":
		return store.NewQdrantStore(store.QdrantConfig{
			Host:       cfg.Host,
			Port:       cfg.Port,
			APIKey:     cfg.APIKey,
			UseTLS:     cfg.UseTLS,
			Collection: cfg.Collection,
		})
	default:
		return store.NewChromemStore(store.ChromemConfig{
			Collection:  cfg.Collection,
			PersistPath: cfg.PersistPath,
			Compress:    cfg.Compress,
		})
	}
}

// awaitJob blocks until the job reaches a terminal state, printing
// progress along the way.
func (a *app) awaitJob(jobID string) error {
	fmt.Printf("Job %s submitted\n", jobID)

	ctx := signalContext()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := a.jobs.CancelJob(jobID); err != nil {
				slog.Warn("Failed to cancel job", "job_id", jobID, "error", err)
			}
			a.jobs.Wait()
			return fmt.Errorf("interrupted")
		case <-ticker.C:
			job, err := a.jobs.GetJob(jobID)
			if err != nil {
				return err
			}
			if !job.Status.Terminal() {
				continue
			}
			fmt.Printf("Job %s %s: %d/%d processed, %d failed\n",
				jobID, job.Status, job.ProcessedItems, job.TotalItems, job.FailedItems)
			if job.Status == jobs.StatusFailed {
				return fmt.Errorf("job failed: %s", job.ErrorMessage)
			}
			return nil
		}
	}
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func readInput(file, text string) (string, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("failed to read input file: %w", err)
		}
		return string(data), nil
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("either --file or --text is required")
	}
	return text, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}

func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()
	return ctx
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("raglite"),
		kong.Description("raglite - two-stage retrieval core (chunk, embed, search, rerank)"),
		kong.UsageOnError(),
	)

	level, _ := logger.ParseLevel(cli.LogLevel)
	output := os.Stderr
	if cli.LogFile != "" {
		file, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()
		output = file
	}
	logger.Init(level, output, cli.LogFormat)

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
