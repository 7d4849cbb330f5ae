package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/timmy/sourcescan/internal/domain"
	"github.com/timmy/sourcescan/internal/service"
)

func runCmd(c *cli) *cobra.Command {
	var (
		file      string
		mapping   map[string]string
		out       string
		interval  time.Duration
		noWorkers bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Submit a catalog and process it to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			colMapping, err := parseMapping(mapping)
			if err != nil {
				return err
			}
			a, err := c.pipeline(ctx)
			if err != nil {
				return err
			}

			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("failed to open catalog: %w", err)
			}
			defer f.Close()

			job, err := a.Jobs.Submit(ctx, &service.Upload{
				Owner:    c.owner,
				Filename: filepath.Base(file),
				Content:  f,
				Mapping:  colMapping,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s: %d rows in %d chunks\n", job.ID, job.TotalRows, job.ChunkCount)

			workerCtx, cancelWorkers := context.WithCancel(ctx)
			defer cancelWorkers()
			workersDone := make(chan error, 1)
			if noWorkers {
				close(workersDone)
			} else {
				go func() { workersDone <- a.Workers.Run(workerCtx) }()
			}

			view, err := follow(ctx, a.Jobs, c.owner, job.ID, interval, cmd.OutOrStdout())
			cancelWorkers()
			<-workersDone
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), view)

			if out != "" {
				var buf bytes.Buffer
				rows, err := a.Jobs.WriteResultsCSV(ctx, job.ID, &buf)
				if err != nil {
					return err
				}
				if err := os.WriteFile(out, buf.Bytes(), 0o644); err != nil {
					return fmt.Errorf("failed to write results: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %d rows to %s\n", rows, out)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Catalog file (csv, tsv or xlsx)")
	cmd.Flags().StringToStringVarP(&mapping, "mapping", "m", nil, "Column mapping as field=column, e.g. code=UPC")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write results as CSV to this path")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Progress polling interval")
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "Only submit and follow; rely on a separate worker process")
	cmd.MarkFlagRequired("file")
	return cmd
}

func previewCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "preview <file>",
		Short: "Show the detected columns and the proposed mapping",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.pipeline(cmd.Context())
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open catalog: %w", err)
			}
			defer f.Close()

			preview, err := a.Jobs.Preview(cmd.Context(), filepath.Base(args[0]), f)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), preview)
		},
	}
}

func statusCmd(c *cli) *cobra.Command {
	var showChunks bool
	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's progress and error summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.pipeline(cmd.Context())
			if err != nil {
				return err
			}
			view, err := a.Jobs.Status(cmd.Context(), c.owner, args[0])
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), view)
			if !showChunks {
				return nil
			}
			chunks, err := a.Jobs.Chunks(cmd.Context(), c.owner, args[0])
			if err != nil {
				return err
			}
			return printChunks(cmd.OutOrStdout(), chunks)
		},
	}
	cmd.Flags().BoolVar(&showChunks, "chunks", false, "Also list every chunk with its attempts and last error")
	return cmd
}

func cancelCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job; workers stop at the next row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.pipeline(cmd.Context())
			if err != nil {
				return err
			}
			job, err := a.Jobs.Cancel(cmd.Context(), c.owner, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s: %s\n", job.ID, job.Status)
			return nil
		},
	}
}

func listCmd(c *cli) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the owner's most recent jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.pipeline(cmd.Context())
			if err != nil {
				return err
			}
			jobs, err := a.Jobs.List(cmd.Context(), c.owner, limit, 0)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tFILE\tSTATUS\tROWS\tPROCESSED\tFAILED\tCREATED")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n", j.ID, j.SourceFilename, j.Status,
					j.TotalRows, j.ProcessedCount, j.FailedCount, j.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of jobs to list")
	return cmd
}

func workerCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the worker pool and maintenance until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.pipeline(ctx)
			if err != nil {
				return err
			}
			if err := a.Maintenance.Start(ctx); err != nil {
				return err
			}
			defer a.Maintenance.Stop()
			return a.Workers.Run(ctx)
		},
	}
}

// follow polls a job until it reaches a terminal status, printing progress
// whenever the processed count moves.
func follow(ctx context.Context, jobs *service.JobService, owner, jobID string, interval time.Duration, w io.Writer) (*service.JobStatusView, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := -1
	for {
		view, err := jobs.Status(ctx, owner, jobID)
		if err != nil {
			return nil, err
		}
		if view.ProcessedCount != last {
			last = view.ProcessedCount
			fmt.Fprintf(w, "%s: %d/%d processed (%.0f%%), %d failed\n",
				view.Status, view.ProcessedCount, view.TotalRows, view.Progress, view.FailedCount)
		}
		if view.Status.IsTerminal() {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func printSummary(w io.Writer, view *service.JobStatusView) {
	fmt.Fprintf(w, "job %s (%s): %s\n", view.ID, view.SourceFilename, view.Status)
	fmt.Fprintf(w, "  rows: %d total, %d succeeded, %d failed\n", view.TotalRows, view.SucceededCount, view.FailedCount)
	if view.FailureReason != "" {
		fmt.Fprintf(w, "  reason: %s\n", view.FailureReason)
	}
	for _, e := range view.Errors {
		fmt.Fprintf(w, "  %s: %d\n", e.Kind, e.Occurrences)
	}
}

func printChunks(w io.Writer, chunks []domain.Chunk) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHUNK\tROWS\tSTATUS\tATTEMPTS\tLAST ERROR")
	for _, ch := range chunks {
		fmt.Fprintf(tw, "%d\t%d-%d\t%s\t%d\t%s\n", ch.Index, ch.RowStart, ch.RowEnd-1, ch.Status, ch.Attempts, ch.LastError)
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseMapping turns field=column flag values into a column mapping.
// An empty input means the proposed mapping is used.
func parseMapping(raw map[string]string) (domain.ColumnMapping, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	known := make(map[domain.Field]bool, len(domain.AllFields))
	for _, f := range domain.AllFields {
		known[f] = true
	}

	fields := make([]string, 0, len(raw))
	for k := range raw {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	mapping := make(domain.ColumnMapping, len(raw))
	for _, k := range fields {
		field := domain.Field(strings.ToLower(strings.TrimSpace(k)))
		if !known[field] {
			return nil, fmt.Errorf("unknown mapping field %q", k)
		}
		column := strings.TrimSpace(raw[k])
		if column == "" {
			return nil, fmt.Errorf("mapping for %q has no column", k)
		}
		mapping[field] = column
	}
	return mapping, nil
}
