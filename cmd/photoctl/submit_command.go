package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/courtside/photodesk/internal/catalog"
	"github.com/courtside/photodesk/internal/imaging"
	"github.com/courtside/photodesk/internal/ingest"
	"github.com/courtside/photodesk/internal/models"
	"github.com/courtside/photodesk/internal/storage"
	"github.com/courtside/photodesk/internal/submit"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

type submitOptions struct {
	token    string
	endpoint string
	dryRun   bool
}

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	opts := &submitOptions{}

	cmd := &cobra.Command{
		Use:   "submit <photo>...",
		Short: "Process photos and upload them as one batch",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd, ctx, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.token, "token", "", "access token (defaults to the configured token or PHOTODESK_TOKEN)")
	cmd.Flags().StringVar(&opts.endpoint, "endpoint", "", "upload URL (defaults to the configured backend)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "process the photos and show the report without uploading")

	return cmd
}

func runSubmit(cmd *cobra.Command, ctx *commandContext, opts *submitOptions, paths []string) error {
	cfg, err := ctx.loadConfig()
	if err != nil {
		return err
	}
	policy, err := cfg.Policy()
	if err != nil {
		return err
	}
	logger := ctx.logger(cmd.ErrOrStderr())
	out := cmd.OutOrStdout()

	files, err := readSourceFiles(paths, policy.MaxSourceBytes)
	if err != nil {
		return err
	}

	previewDir, err := os.MkdirTemp("", "photoctl-previews-*")
	if err != nil {
		return fmt.Errorf("create preview directory: %w", err)
	}
	defer os.RemoveAll(previewDir)

	previews, err := storage.NewLocalStore(previewDir)
	if err != nil {
		return err
	}
	cat := catalog.New(policy.MaxItemCount, previews, logger)
	orch := ingest.New(policy, imaging.NewDeriver(cfg.DeriverOptions(), logger), cat, previews,
		append(cfg.IngestOptions(), ingest.WithLogger(logger))...)

	report, err := orch.Select(cmd.Context(), files)
	if err != nil {
		var batchErr *ingest.BatchError
		if errors.As(err, &batchErr) {
			return errors.New(batchErr.Message)
		}
		return err
	}

	fmt.Fprintln(out, renderReport(files, report, cat.Snapshot()))

	if opts.dryRun {
		fmt.Fprintf(out, "Dry run: %d of %d photos ready, nothing uploaded.\n", cat.Len(), len(files))
		return nil
	}
	if cat.Len() == 0 {
		return errors.New("no photos could be processed, nothing to upload")
	}

	endpoint := opts.endpoint
	if endpoint == "" {
		endpoint = cfg.GetUploadURL()
	}
	credential := submit.FirstCredential(
		submit.StaticCredential(opts.token),
		submit.StaticCredential(cfg.Backend.Token),
	)()

	coordinator := submit.New(cat, submit.NewHTTPSink(endpoint, cfg.BackendTimeout(), logger), logger)
	ack, err := coordinator.Submit(cmd.Context(), credential)
	if err != nil {
		var subErr *submit.SubmissionError
		switch {
		case errors.Is(err, models.ErrUnauthorized):
			return errors.New("no access token: pass --token or set PHOTODESK_TOKEN")
		case errors.As(err, &subErr):
			return errors.New(subErr.Reason)
		default:
			return err
		}
	}

	fmt.Fprintf(out, "%s (%d photos)\n", ack.Message, ack.Count)
	return nil
}

// readSourceFiles loads each path. Files over maxBytes are not read; the
// orchestrator rejects them by size alone.
func readSourceFiles(paths []string, maxBytes int64) ([]models.SourceFile, error) {
	files := make([]models.SourceFile, 0, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("file does not exist: %s", path)
			}
			return nil, fmt.Errorf("inspect file: %w", err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory", path)
		}

		name := filepath.Base(path)
		if info.Size() > maxBytes {
			files = append(files, models.SourceFile{Name: name, Size: info.Size()})
			continue
		}

		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		files = append(files, models.NewSourceFile(name, data))
	}
	return files, nil
}

// renderReport lists every selected file in order. Accepted items appear in
// the catalog in the same relative order as their files.
func renderReport(files []models.SourceFile, report *ingest.Report, items []models.BatchItem) string {
	failed := make(map[int]models.FileError, len(report.Errors))
	for _, fe := range report.Errors {
		failed[fe.Index] = fe
	}

	rows := make([][]string, 0, len(files))
	next := 0
	for i, f := range files {
		row := []string{strconv.Itoa(i + 1), f.Name, humanize.IBytes(uint64(f.Size)), "", "", ""}
		if fe, ok := failed[i]; ok {
			row[5] = fe.Message
			rows = append(rows, row)
			continue
		}
		if next < len(items) {
			up := items[next].Upload
			next++
			row[3] = fmt.Sprintf("%d×%d", up.Width, up.Height)
			row[4] = humanize.IBytes(uint64(up.Size()))
			row[5] = "ready"
			if up.BestEffort {
				row[5] = "ready (over size budget)"
			}
		}
		rows = append(rows, row)
	}

	return renderTable(
		[]string{"#", "File", "Source", "Upload", "Upload Size", "Status"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignRight, alignRight, alignRight, alignLeft},
	)
}
