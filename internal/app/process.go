package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"horse.fit/vofc/internal/cli"
	"horse.fit/vofc/internal/ingestion"
)

func runProcess(args []string) int {
	fs := flag.NewFlagSet("process", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Minute, "Command timeout")
	source := fs.String("source", "", "Submission source to process (default BATCH_SOURCE)")
	limit := fs.Int("limit", 0, "Max submissions to process (default BATCH_LIMIT)")
	pacing := fs.Duration("pacing", 0, "Delay between submissions (default BATCH_PACING)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *limit < 0 || *pacing < 0 {
		fmt.Fprintln(os.Stderr, "--limit and --pacing must be >= 0")
		return 2
	}

	ctx, cancel, cfg, logger, pool, err := connectPool(*timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer pool.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg, logger, pool)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize ingestion: %v\n", err)
		return 1
	}

	result, err := rt.orchestrator.RunBatch(ctx, ingestion.BatchOptions{
		Source: *source,
		Limit:  *limit,
		Pacing: *pacing,
	})
	if err != nil {
		logger.Error().Err(err).Int("processed", result.Processed).Msg("batch failed")
		fmt.Fprintf(os.Stderr, "Batch failed: %v\n", err)
		if errors.Is(err, ingestion.ErrStoreUnreachable) {
			return 1
		}
	}
	if printErr := printJSON(result); printErr != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", printErr)
		return 1
	}
	if err != nil {
		return 1
	}
	return 0
}

func runProcessOne(args []string) int {
	fs := flag.NewFlagSet("process-one", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 5*time.Minute, "Command timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: vofc process-one [flags] <submission-uuid>")
		return 2
	}
	submissionUUID := strings.TrimSpace(fs.Arg(0))

	ctx, cancel, cfg, logger, pool, err := connectPool(*timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer pool.Close()

	rt, err := newRuntime(ctx, cfg, logger, pool)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize ingestion: %v\n", err)
		return 1
	}

	item, found, err := rt.orchestrator.ProcessOne(ctx, submissionUUID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Process failed: %v\n", err)
		return 1
	}
	if !found {
		fmt.Fprintf(os.Stderr, "Submission %s not found or not processable\n", submissionUUID)
		return 1
	}
	if err := printJSON(item); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
		return 1
	}
	if !item.Success {
		return 1
	}
	return 0
}
