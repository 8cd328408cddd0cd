package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"horse.fit/vofc/internal/auth"
	"horse.fit/vofc/internal/cli"
	"horse.fit/vofc/internal/config"
	"horse.fit/vofc/internal/db"
	"horse.fit/vofc/internal/httpapi"
	"horse.fit/vofc/internal/ingestion"
	"horse.fit/vofc/internal/logging"
)

// perItemAllowance covers document loading and persistence on top of the model call.
const perItemAllowance = 30 * time.Second

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	host := fs.String("host", "0.0.0.0", "Host interface to bind")
	port := fs.Int("port", 8095, "HTTP port")
	readTimeout := fs.Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	writeTimeout := fs.Duration("write-timeout", 15*time.Minute, "HTTP write timeout")
	shutdownTimeout := fs.Duration("shutdown-timeout", 10*time.Second, "Graceful shutdown timeout")
	cronSpec := fs.String("cron", "", "Batch schedule (default BATCH_CRON, empty disables)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if *port <= 0 || *port > 65535 {
		fmt.Fprintln(os.Stderr, "--port must be between 1 and 65535")
		return 2
	}

	cfg, logger, err := loadConfig(envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		<-sigCh
		cancel()
	}()

	initCtx, initCancel := context.WithTimeout(ctx, 10*time.Second)
	defer initCancel()

	pool, err := db.NewPool(initCtx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("serve failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	rt, err := newRuntime(initCtx, cfg, logger, pool)
	if err != nil {
		logger.Error().Err(err).Msg("serve failed to initialize ingestion")
		fmt.Fprintf(os.Stderr, "Failed to initialize ingestion: %v\n", err)
		return 1
	}

	timeout := batchTimeout(cfg)
	spec := strings.TrimSpace(*cronSpec)
	if spec == "" {
		spec = strings.TrimSpace(cfg.BatchCron)
	}
	if spec != "" {
		scheduler, err := ingestion.NewScheduler(rt.orchestrator, spec, ingestion.BatchOptions{}, timeout, logging.Component(logger, "scheduler"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid batch schedule: %v\n", err)
			return 2
		}
		scheduler.Start()
		defer scheduler.Stop()
		logger.Info().Str("cron", spec).Msg("batch scheduler started")
	}

	deps := httpapi.Dependencies{
		Store:      pool,
		Batches:    rt.orchestrator,
		Duplicates: rt.detector,
		Sources:    rt.linker,
		Authorizer: auth.NewAuthorizer(cfg.AuthJWTSecret, cfg.SchedulerAPIKeyHash),
		Metrics:    promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}),
	}
	if rt.objects != nil {
		deps.Objects = rt.objects
	}

	srv := httpapi.NewServer(deps, logging.Component(logger, "httpapi"), httpapi.Options{
		Host:               *host,
		Port:               *port,
		ReadTimeout:        *readTimeout,
		WriteTimeout:       *writeTimeout,
		ShutdownTimeout:    *shutdownTimeout,
		CORSAllowedOrigins: cfg.CORSAllowedOriginsList(),
		BatchTimeout:       timeout,
	})

	if err := srv.Start(ctx); err != nil {
		logger.Error().Err(err).Str("host", *host).Int("port", *port).Msg("server failed")
		fmt.Fprintf(os.Stderr, "Server failed: %v\n", err)
		return 1
	}

	return 0
}

// batchTimeout bounds one batch run from the configured limit, pacing and call timeout.
func batchTimeout(cfg *config.Config) time.Duration {
	if cfg == nil || cfg.BatchLimit <= 0 {
		return 0
	}
	return time.Duration(cfg.BatchLimit) * (cfg.BatchPacing + cfg.ExtractionTimeout + perItemAllowance)
}
