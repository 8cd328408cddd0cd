package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/vofc/internal/cli"
	"horse.fit/vofc/internal/linker"
	"horse.fit/vofc/internal/logging"
)

type sourceLinkFlags struct {
	envLoader  *cli.EnvLoader
	timeout    *time.Duration
	reference  *int
	entityType *string
	entityID   *int64
}

func newSourceLinkFlagSet(name string) (*flag.FlagSet, sourceLinkFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	return fs, sourceLinkFlags{
		envLoader:  cli.AddEnvFlag(fs, ".env", "Path to the .env file"),
		timeout:    fs.Duration("timeout", 30*time.Second, "Command timeout"),
		reference:  fs.Int("ref", 0, "Source reference number"),
		entityType: fs.String("entity-type", "", "Entity kind: vulnerability or ofc"),
		entityID:   fs.Int64("entity-id", 0, "Entity id"),
	}
}

func (f sourceLinkFlags) validate() error {
	if *f.reference < 1 {
		return fmt.Errorf("--ref must be a positive integer")
	}
	if *f.entityType == "" {
		return fmt.Errorf("--entity-type is required")
	}
	if *f.entityID < 1 {
		return fmt.Errorf("--entity-id must be a positive integer")
	}
	return nil
}

type sourceLinkAction func(ctx context.Context, l *linker.Linker, kind string, entityID int64, referenceNumber int) (any, error)

func runLinkSource(args []string) int {
	return runSourceLinkChange("link-source", args, func(ctx context.Context, l *linker.Linker, kind string, entityID int64, ref int) (any, error) {
		return l.LinkSourceToEntity(ctx, kind, entityID, ref)
	})
}

func runUnlinkSource(args []string) int {
	return runSourceLinkChange("unlink-source", args, func(ctx context.Context, l *linker.Linker, kind string, entityID int64, ref int) (any, error) {
		return l.UnlinkSourceFromEntity(ctx, kind, entityID, ref)
	})
}

func runSourceLinkChange(name string, args []string, action sourceLinkAction) int {
	fs, flags := newSourceLinkFlagSet(name)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if err := flags.validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	ctx, cancel, _, logger, pool, err := connectPool(*flags.timeout, flags.envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer pool.Close()

	l, err := linker.New(pool, linker.DefaultCacheSize, logging.Component(logger, "linker"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize linker: %v\n", err)
		return 1
	}

	result, err := action(ctx, l, *flags.entityType, *flags.entityID, *flags.reference)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", name, err)
		if errors.Is(err, linker.ErrSourceNotFound) || errors.Is(err, linker.ErrUnknownEntityKind) {
			return 2
		}
		return 1
	}
	if err := printJSON(result); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
		return 1
	}
	return 0
}

func runPruneCitations(args []string) int {
	fs := flag.NewFlagSet("prune-citations", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 10*time.Minute, "Command timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	ctx, cancel, _, logger, pool, err := connectPool(*timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer pool.Close()

	l, err := linker.New(pool, linker.DefaultCacheSize, logging.Component(logger, "linker"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize linker: %v\n", err)
		return 1
	}
	report, err := l.PruneEntityCitations(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Citation cleanup failed: %v\n", err)
		return 1
	}
	if err := printJSON(report); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
		return 1
	}
	return 0
}
