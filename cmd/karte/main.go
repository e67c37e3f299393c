// Package main is the Karte CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/karteio/karte/internal/chat"
	"github.com/karteio/karte/internal/chunker"
	"github.com/karteio/karte/internal/config"
	"github.com/karteio/karte/internal/embedding"
	"github.com/karteio/karte/internal/ingest"
	"github.com/karteio/karte/internal/keyword"
	"github.com/karteio/karte/internal/llm"
	"github.com/karteio/karte/internal/patientindex"
	"github.com/karteio/karte/internal/server"
	"github.com/karteio/karte/internal/storage"
	"github.com/karteio/karte/internal/watcher"
	"github.com/karteio/karte/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/karte/config.yaml"

// loadConfig loads config from path. When path is the default, it first looks
// for config.yaml in the current directory so running from the project dir
// uses the project's config.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "ingest":
		runIngest()
	case "import-csv":
		runImportCSV()
	case "search":
		runSearch()
	case "ask":
		runAsk()
	case "summary":
		runSummary()
	case "stats":
		runStats()
	case "delete":
		runDelete()
	case "version", "--version", "-v":
		fmt.Printf("karte version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	if cfg.Watch.Enabled && cfg.Watch.Directory != "" {
		pipeline := components.Pipeline
		dropWatcher := watcher.New(cfg.Watch.Directory, func(patientID, path string) {
			content, err := os.ReadFile(path)
			if err != nil {
				logger.Warn("dropped file unreadable", zap.String("path", path), zap.Error(err))
				return
			}
			report, err := pipeline.IngestFile(context.Background(), patientID, filepath.Base(path), content, nil)
			if err != nil {
				logger.Warn("dropped file ingest failed", zap.String("path", path), zap.Error(err))
				return
			}
			logger.Info("dropped file ingested",
				zap.String("patient_id", patientID), zap.Int64("report_id", report.ID))
			if err := os.Remove(path); err != nil {
				logger.Warn("dropped file cleanup failed", zap.String("path", path), zap.Error(err))
			}
		}, logger)
		if err := dropWatcher.Start(watchCtx); err != nil {
			logger.Fatal("Failed to start watcher", zap.Error(err))
		}
		defer dropWatcher.Stop()
	}

	srv := server.NewServer(
		components.Pipeline,
		components.Index,
		components.KeywordIndex,
		components.Chat,
		components.Storage,
		cfg,
		logger,
	)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	watchCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
}

func runIngest() {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	patientID := fs.String("patient", "", "patient ID the report belongs to")
	_ = fs.Parse(os.Args[2:])

	if *patientID == "" || fs.NArg() < 1 {
		fmt.Println("Usage: karte ingest --patient <id> <file>")
		os.Exit(1)
	}
	path := fs.Arg(0)

	components, cleanup := mustInitialize(*configPath)
	defer cleanup()

	content, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("Failed to read file: %v\n", err)
		os.Exit(1)
	}
	report, err := components.Pipeline.IngestFile(context.Background(), *patientID, filepath.Base(path), content, nil)
	if err != nil {
		fmt.Printf("Ingest failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Report %d ingested for patient %s (%s)\n", report.ID, report.PatientID, report.ReportType)
}

func runImportCSV() {
	fs := flag.NewFlagSet("import-csv", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: karte import-csv [flags] <file.csv>")
		os.Exit(1)
	}
	content, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Printf("Failed to read file: %v\n", err)
		os.Exit(1)
	}

	components, cleanup := mustInitialize(*configPath)
	defer cleanup()

	created, err := components.Pipeline.ImportLabCSV(context.Background(), content)
	if err != nil {
		fmt.Printf("Import failed after %d report(s): %v\n", created, err)
		os.Exit(1)
	}
	fmt.Printf("Imported %d lab report(s)\n", created)
}

func runSearch() {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	patientID := fs.String("patient", "", "patient ID to search")
	topK := fs.Int("top-k", 0, "number of results (default from config)")
	_ = fs.Parse(os.Args[2:])

	if *patientID == "" || fs.NArg() < 1 {
		fmt.Println("Usage: karte search --patient <id> <query>")
		os.Exit(1)
	}
	query := strings.TrimSpace(strings.Join(fs.Args(), " "))

	components, cleanup := mustInitialize(*configPath)
	defer cleanup()

	k := *topK
	if k <= 0 {
		k = components.Config.Search.TopK
	}
	entries, err := components.Index.SearchText(context.Background(), *patientID, query, k)
	if err != nil {
		fmt.Printf("Search failed: %v\n", err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		fmt.Println("No results.")
		return
	}
	for i, entry := range entries {
		fmt.Printf("%d. [report %d | %s] %s\n", i+1, entry.ReportID, entry.Type, utils.Truncate(entry.Text, 120))
	}
}

func runAsk() {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	patientID := fs.String("patient", "", "patient ID to ask about")
	_ = fs.Parse(os.Args[2:])

	if *patientID == "" || fs.NArg() < 1 {
		fmt.Println("Usage: karte ask --patient <id> <question>")
		os.Exit(1)
	}
	question := strings.TrimSpace(strings.Join(fs.Args(), " "))

	components, cleanup := mustInitialize(*configPath)
	defer cleanup()

	entry, err := components.Chat.Ask(context.Background(), *patientID, question)
	if err != nil {
		fmt.Printf("Ask failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(entry.Answer)
}

func runSummary() {
	fs := flag.NewFlagSet("summary", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	patientID := fs.String("patient", "", "patient ID to summarize")
	audience := fs.String("audience", "doctor", "summary audience: patient or doctor")
	_ = fs.Parse(os.Args[2:])

	if *patientID == "" {
		fmt.Println("Usage: karte summary --patient <id> [--audience patient|doctor]")
		os.Exit(1)
	}

	components, cleanup := mustInitialize(*configPath)
	defer cleanup()

	summary, err := components.Chat.Summarize(context.Background(), *patientID, chat.Audience(*audience))
	if err != nil {
		fmt.Printf("Summary failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(summary)
}

func runStats() {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	patientID := fs.String("patient", "", "patient ID (empty = global counts)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	components, cleanup := mustInitialize(*configPath)
	defer cleanup()
	ctx := context.Background()

	if *patientID != "" {
		stats, err := components.Index.Stats(*patientID)
		if err != nil {
			fmt.Printf("Stats failed: %v\n", err)
			os.Exit(1)
		}
		if *outputFormat == "json" {
			_ = json.NewEncoder(os.Stdout).Encode(stats)
			return
		}
		fmt.Printf("Patient %s: %d vector(s), %d metadata entr(ies)\n",
			stats.PatientID, stats.Vectors, stats.MetadataLen)
		return
	}

	patients, err := components.Storage.CountPatients(ctx)
	if err != nil {
		fmt.Printf("Stats failed: %v\n", err)
		os.Exit(1)
	}
	reports, err := components.Storage.CountReports(ctx)
	if err != nil {
		fmt.Printf("Stats failed: %v\n", err)
		os.Exit(1)
	}
	keywordDocs, _ := components.KeywordIndex.DocCount()
	if *outputFormat == "json" {
		_ = json.NewEncoder(os.Stdout).Encode(map[string]any{
			"patients":     patients,
			"reports":      reports,
			"keyword_docs": keywordDocs,
		})
		return
	}
	fmt.Printf("Patients: %d\nReports: %d\nKeyword docs: %d\n", patients, reports, keywordDocs)
}

func runDelete() {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: karte delete [flags] <report-id>")
		os.Exit(1)
	}
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		fmt.Printf("Invalid report ID: %v\n", err)
		os.Exit(1)
	}

	components, cleanup := mustInitialize(*configPath)
	defer cleanup()

	if err := components.Pipeline.DeleteReport(context.Background(), id); err != nil {
		fmt.Printf("Deletion failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Report %d deleted\n", id)
}

// mustInitialize loads config, builds components, and exits on failure.
// Returns the components and a cleanup function.
func mustInitialize(configPath string) (*Components, func()) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	return components, func() {
		components.Close()
		_ = logger.Sync()
	}
}

// Components holds initialized services.
type Components struct {
	Config       *config.Config
	Storage      storage.Storage
	Embedder     embedding.Embedder
	Index        *patientindex.Service
	KeywordIndex keyword.Index
	Pipeline     *ingest.Pipeline
	Chat         *chat.Engine
}

func (c *Components) Close() {
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
	if c.KeywordIndex != nil {
		_ = c.KeywordIndex.Close()
	}
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	var embedder embedding.Embedder
	switch {
	case cfg.Embedding.OllamaURL != "":
		embedder = embedding.NewOllamaEmbedder(
			cfg.Embedding.OllamaURL,
			cfg.Embedding.TextModel,
			cfg.Embedding.TextDimensions,
			cfg.Embedding.CacheSize,
		)
	case cfg.Embedding.ModelPath != "":
		embedder, err = embedding.NewONNXEmbedder(
			cfg.Embedding.ModelPath,
			cfg.Embedding.TextDimensions,
			cfg.Embedding.MaxTokens,
			cfg.Embedding.CacheSize,
		)
		if err != nil {
			logger.Warn("ONNX embedder unavailable, using mock embedder", zap.Error(err))
			embedder = embedding.NewMockEmbedder(cfg.Embedding.TextDimensions)
		}
	default:
		embedder = embedding.NewMockEmbedder(cfg.Embedding.TextDimensions)
	}

	idxStore, err := patientindex.NewStore(cfg.Storage.IndexDir, cfg.Embedding.UnifiedWidth(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize patient index store: %w", err)
	}
	ck := chunker.New(cfg.Search.ChunkSize, cfg.Search.ChunkOverlap)
	index := patientindex.NewService(idxStore, embedder, ck, logger)

	keywordIndex, err := keyword.NewBleveIndex(cfg.Storage.BleveIndexPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize keyword index: %w", err)
	}

	pipeline := ingest.NewPipeline(store, index, keywordIndex, cfg.Storage.ReportsDir, logger)
	generator := llm.NewClient(cfg.LLM.URL, cfg.LLM.Model)
	chatEngine := chat.NewEngine(store, index, generator, cfg.Search.ChatTopK, logger)

	return &Components{
		Config:       cfg,
		Storage:      store,
		Embedder:     embedder,
		Index:        index,
		KeywordIndex: keywordIndex,
		Pipeline:     pipeline,
		Chat:         chatEngine,
	}, nil
}

func printUsage() {
	fmt.Println(`karte - Per-patient clinical record retrieval and chat

Usage:
  karte server [flags]                         Start the HTTP server
  karte ingest --patient <id> <file>           Ingest a report file
  karte import-csv [flags] <file.csv>          Bulk-import lab results
  karte search --patient <id> <query>          Semantic search over a patient's records
  karte ask --patient <id> <question>          Ask a question about a patient
  karte summary --patient <id> [flags]         Generate a record summary
  karte stats [flags]                          Show index/storage statistics
  karte delete [flags] <report-id>             Delete a report
  karte version                                Show version
  karte help                                   Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/karte/config.yaml)

Server Flags:
  --debug            Enable debug logging

Summary Flags:
  --audience string  patient or doctor (default: doctor)

Stats Flags:
  --patient string   Patient ID for per-patient index stats
  --output string    Output format: text or json (default: text)

Examples:
  karte server
  karte ingest --patient P001 discharge_summary.pdf
  karte import-csv labs.csv
  karte search --patient P001 blood pressure trends
  karte ask --patient P001 "What medications is the patient taking?"
  karte summary --patient P001 --audience patient
  karte stats --patient P001`)
}
