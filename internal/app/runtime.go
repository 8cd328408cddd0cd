package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"horse.fit/vofc/internal/cli"
	"horse.fit/vofc/internal/config"
	"horse.fit/vofc/internal/db"
	"horse.fit/vofc/internal/dedup"
	"horse.fit/vofc/internal/extraction"
	"horse.fit/vofc/internal/ingestion"
	"horse.fit/vofc/internal/linker"
	"horse.fit/vofc/internal/logging"
	"horse.fit/vofc/internal/normalize"
	"horse.fit/vofc/internal/storage"
)

// runtime is the set of components one command works with. The pool and the
// object store are created once and shared by every component.
type runtime struct {
	cfg          *config.Config
	logger       zerolog.Logger
	pool         *db.Pool
	objects      *storage.S3Store
	detector     *dedup.Detector
	linker       *linker.Linker
	orchestrator *ingestion.Orchestrator
	registry     *prometheus.Registry
}

func loadConfig(envLoader *cli.EnvLoader) (*config.Config, zerolog.Logger, error) {
	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Logger{}, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return nil, zerolog.Logger{}, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

// connectPool loads config and opens the pool; the returned context carries timeout.
func connectPool(timeout time.Duration, envLoader *cli.EnvLoader) (context.Context, context.CancelFunc, *config.Config, zerolog.Logger, *db.Pool, error) {
	cfg, logger, err := loadConfig(envLoader)
	if err != nil {
		return nil, nil, nil, zerolog.Logger{}, nil, err
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		cancel()
		return nil, nil, nil, zerolog.Logger{}, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return ctx, cancel, cfg, logger, pool, nil
}

func newRuntime(ctx context.Context, cfg *config.Config, logger zerolog.Logger, pool *db.Pool) (*runtime, error) {
	rt := &runtime{
		cfg:      cfg,
		logger:   logger,
		pool:     pool,
		detector: dedup.NewDetector(pool, cfg.DuplicateThreshold),
		registry: prometheus.NewRegistry(),
	}
	rt.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var err error
	rt.linker, err = linker.New(pool, linker.DefaultCacheSize, logging.Component(logger, "linker"))
	if err != nil {
		return nil, err
	}

	if cfg.ObjectStoreEnabled() {
		rt.objects, err = storage.NewS3Store(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("init object store: %w", err)
		}
	}

	var disciplines *normalize.DisciplineSet
	if path := strings.TrimSpace(cfg.DisciplinesFile); path != "" {
		disciplines, err = normalize.LoadDisciplines(path)
		if err != nil {
			return nil, err
		}
	}

	metrics, err := ingestion.NewMetrics(rt.registry)
	if err != nil {
		return nil, fmt.Errorf("register ingestion metrics: %w", err)
	}

	extractor := extraction.NewExtractor(extraction.NewRegistryFromConfig(cfg), extraction.Options{
		ProviderName:   cfg.ExtractionProvider,
		Timeout:        cfg.ExtractionTimeout,
		MinTextLength:  cfg.ExtractionMinTextLength,
		MaxPromptChars: cfg.ExtractionMaxPromptChars,
	}, logging.Component(logger, "extraction"))

	deps := ingestion.Dependencies{
		Store:      pool,
		Extractor:  extractor,
		Linker:     rt.linker,
		Detector:   rt.detector,
		Normalizer: normalize.NewNormalizer(disciplines),
		Metrics:    metrics,
		Logger:     logging.Component(logger, "ingestion"),
	}
	if rt.objects != nil {
		deps.ObjectStore = rt.objects
	}

	rt.orchestrator, err = ingestion.New(deps, ingestion.Options{
		Source:          cfg.BatchSource,
		Limit:           cfg.BatchLimit,
		Pacing:          cfg.BatchPacing,
		StaleClaimAfter: cfg.BatchStaleClaim,
	})
	if err != nil {
		return nil, err
	}
	return rt, nil
}

func loadJSONInput(inlineValue, filePath, label string) (json.RawMessage, error) {
	if path := strings.TrimSpace(filePath); path != "" {
		payload, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s file %q: %w", label, path, err)
		}
		trimmed := strings.TrimSpace(string(payload))
		if trimmed == "" {
			return nil, fmt.Errorf("%s file %q is empty", label, path)
		}
		return json.RawMessage(trimmed), nil
	}

	trimmed := strings.TrimSpace(inlineValue)
	if trimmed == "" {
		return nil, fmt.Errorf("%s JSON is empty", label)
	}
	return json.RawMessage(trimmed), nil
}

func printJSON(value any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
