package app

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"horse.fit/vofc/internal/auth"
)

// runHashAPIKey prints a bcrypt hash for the scheduler key. With --generate a new key
// is created and printed once alongside its hash.
func runHashAPIKey(args []string) int {
	fs := flag.NewFlagSet("hash-api-key", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	generate := fs.Bool("generate", false, "Generate a new random key")
	stdin := fs.Bool("stdin", false, "Read the key from stdin")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	var key string
	switch {
	case *generate:
		generated, err := auth.GenerateAPIKey()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		key = generated
		fmt.Printf("key: %s\n", key)
	case *stdin:
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintf(os.Stderr, "Failed to read key: %v\n", err)
			return 2
		}
		key = strings.TrimSpace(line)
	case fs.NArg() == 1:
		key = fs.Arg(0)
	default:
		fmt.Fprintln(os.Stderr, "usage: vofc hash-api-key [--generate | --stdin | <key>]")
		return 2
	}

	hash, err := auth.HashAPIKey(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to hash key: %v\n", err)
		return 2
	}
	fmt.Printf("SCHEDULER_API_KEY_HASH=%s\n", hash)
	return 0
}
