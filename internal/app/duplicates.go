package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"horse.fit/vofc/internal/cli"
	"horse.fit/vofc/internal/dedup"
)

func runCheckDuplicates(args []string) int {
	fs := flag.NewFlagSet("check-duplicates", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	text := fs.String("text", "", "Vulnerability text to check")
	threshold := fs.Float64("threshold", 0, "Similarity threshold in (0, 1] (default DUPLICATE_THRESHOLD)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	candidate := strings.TrimSpace(*text)
	if candidate == "" {
		candidate = strings.TrimSpace(strings.Join(fs.Args(), " "))
	}
	if candidate == "" {
		fmt.Fprintln(os.Stderr, "--text is required")
		return 2
	}
	if *threshold < 0 || *threshold > 1 {
		fmt.Fprintln(os.Stderr, "--threshold must be in (0, 1]")
		return 2
	}

	ctx, cancel, cfg, _, pool, err := connectPool(*timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer pool.Close()

	detector := dedup.NewDetector(pool, cfg.DuplicateThreshold)
	result, err := detector.CheckAgainstCorpus(ctx, candidate, *threshold)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Duplicate check failed: %v\n", err)
		return 1
	}
	if err := printJSON(result); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
		return 1
	}
	return 0
}
