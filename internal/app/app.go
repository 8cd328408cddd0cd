package app

import (
	"fmt"
	"os"
	"strings"
)

// Run executes the CLI command and returns a process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "--help", "-h":
		printUsage()
		return 0
	case "health":
		return runHealth(args[1:])
	case "submit":
		return runSubmit(args[1:])
	case "process", "process-queue":
		return runProcess(args[1:])
	case "process-one":
		return runProcessOne(args[1:])
	case "check-duplicates":
		return runCheckDuplicates(args[1:])
	case "prune-citations":
		return runPruneCitations(args[1:])
	case "link-source":
		return runLinkSource(args[1:])
	case "unlink-source":
		return runUnlinkSource(args[1:])
	case "hash-api-key":
		return runHashAPIKey(args[1:])
	case "serve":
		return runServe(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "vofc CLI")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  vofc <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  health            Verify database connectivity")
	fmt.Fprintln(os.Stderr, "  submit            Queue one submission for extraction")
	fmt.Fprintln(os.Stderr, "  process           Run one ingestion batch over pending submissions")
	fmt.Fprintln(os.Stderr, "  process-queue     Alias for process")
	fmt.Fprintln(os.Stderr, "  process-one       Process one submission by UUID")
	fmt.Fprintln(os.Stderr, "  check-duplicates  Compare a text against stored vulnerabilities")
	fmt.Fprintln(os.Stderr, "  prune-citations   Drop citation markers and links to missing sources")
	fmt.Fprintln(os.Stderr, "  link-source       Link a source to a vulnerability or OFC")
	fmt.Fprintln(os.Stderr, "  unlink-source     Remove a source link")
	fmt.Fprintln(os.Stderr, "  hash-api-key      Print a bcrypt hash for SCHEDULER_API_KEY_HASH")
	fmt.Fprintln(os.Stderr, "  serve             Start the Echo API server")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Use \"vofc <command> -h\" for command-specific flags.")
}
