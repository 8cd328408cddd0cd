package app

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"horse.fit/vofc/internal/cli"
	"horse.fit/vofc/internal/db"
	"horse.fit/vofc/internal/storage"
	payloadschema "horse.fit/vofc/schema"
)

func runSubmit(args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 60*time.Second, "Command timeout")
	kind := fs.String("kind", db.EntityVulnerability, "Submission kind: vulnerability or ofc")
	source := fs.String("source", "manual", "Provenance tag")
	payload := fs.String("payload", `{}`, "Submission payload JSON")
	payloadFile := fs.String("payload-file", "", "Path to payload JSON file (overrides --payload)")
	documentKey := fs.String("document-key", "", "Object key of an already uploaded document")
	documentFile := fs.String("document-file", "", "Local document to upload with the submission")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "submit does not accept positional arguments")
		return 2
	}

	payloadJSON, err := loadJSONInput(*payload, *payloadFile, "payload")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid payload: %v\n", err)
		return 2
	}

	request := map[string]any{
		"kind":    strings.TrimSpace(*kind),
		"source":  strings.TrimSpace(*source),
		"payload": payloadJSON,
	}
	if key := strings.TrimSpace(*documentKey); key != "" {
		request["document_key"] = key
	}
	if path := strings.TrimSpace(*documentFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read document: %v\n", err)
			return 2
		}
		request["document_name"] = filepath.Base(path)
		request["document_base64"] = base64.StdEncoding.EncodeToString(data)
	}
	raw, err := json.Marshal(request)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode submission: %v\n", err)
		return 1
	}
	intake, err := payloadschema.ValidateIntake(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid submission: %v\n", err)
		return 2
	}

	ctx, cancel, cfg, logger, pool, err := connectPool(*timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer pool.Close()

	submissionUUID := uuid.NewString()
	key := intake.DocumentKey
	if len(intake.Document) > 0 {
		if !cfg.ObjectStoreEnabled() {
			fmt.Fprintln(os.Stderr, "--document-file needs S3_BUCKET to be configured")
			return 2
		}
		objects, err := storage.NewS3Store(ctx, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to init object store: %v\n", err)
			return 1
		}
		uploadKey := storage.UploadKey(submissionUUID, *intake.DocumentName)
		if err := objects.Put(ctx, uploadKey, intake.Document, mimetype.Detect(intake.Document).String()); err != nil {
			logger.Error().Err(err).Str("key", uploadKey).Msg("document upload failed")
			fmt.Fprintf(os.Stderr, "Failed to upload document: %v\n", err)
			return 1
		}
		key = &uploadKey
	}

	row, err := pool.InsertSubmission(ctx, db.InsertSubmissionParams{
		SubmissionUUID: submissionUUID,
		Kind:           intake.Kind,
		Source:         intake.Source,
		Payload:        intake.Payload,
		DocumentKey:    key,
	})
	if err != nil {
		logger.Error().Err(err).Msg("submit failed")
		fmt.Fprintf(os.Stderr, "Failed to store submission: %v\n", err)
		return 1
	}

	logger.Info().
		Str("submission_uuid", row.SubmissionUUID).
		Str("source", row.Source).
		Msg("submission queued")
	if err := printJSON(map[string]any{
		"submission_uuid": row.SubmissionUUID,
		"status":          row.Status,
		"document_key":    row.DocumentKey,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
		return 1
	}
	return 0
}
