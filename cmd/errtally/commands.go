package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/tinytelemetry/errtally/internal/duckdb"
	"github.com/tinytelemetry/errtally/internal/enrich"
	"github.com/tinytelemetry/errtally/internal/httpserver"
	"github.com/tinytelemetry/errtally/internal/logsource"
	"github.com/tinytelemetry/errtally/internal/pipeline"
	"github.com/tinytelemetry/errtally/internal/tui"
)

// remoteTimeout bounds API calls of one-shot commands. A remote run waits
// for the whole run.
const remoteTimeout = 10 * time.Minute

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func (c *cli) runCmd() *cobra.Command {
	var remote, asJSON bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once",
		Long: `run fetches new inbox messages, prunes raw logs older than the retention
horizon, recomputes the window counts and reconciles the group table.
With --remote the run is triggered on a serving errtally over its API,
which is required while serve holds the database open.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			var sum pipeline.Summary
			var err error
			if remote {
				ctx, cancel := context.WithTimeout(ctx, remoteTimeout)
				defer cancel()
				sum, err = httpserver.NewClient(c.cfg.APIURL).Run(ctx)
			} else {
				sum, err = c.runLocal(ctx)
			}
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), sum)
			}
			printRunSummary(cmd.OutOrStdout(), sum)
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "trigger the run through the HTTP API of a running serve")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the run summary as JSON")
	return cmd
}

func (c *cli) runLocal(ctx context.Context) (pipeline.Summary, error) {
	b, err := openBackend(ctx, c.cfg)
	if err != nil {
		return pipeline.Summary{}, err
	}
	defer b.Close()
	runner, err := b.newRunner()
	if err != nil {
		return pipeline.Summary{}, err
	}
	return runner.Run(ctx)
}

func (c *cli) importCmd() *cobra.Command {
	var paragraphs, runAfter bool
	cmd := &cobra.Command{
		Use:   "import [file...]",
		Short: "Queue error messages from files or stdin in the inbox",
		Long: `import appends one inbox message per line of each file, or of stdin when
no file or "-" is given. With --paragraphs, blank lines separate messages
so multi-line stack traces stay together.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			b, err := openBackend(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			if !cmd.Flags().Changed("paragraphs") {
				paragraphs = c.cfg.StdinParagraphs
			}
			if len(args) == 0 {
				args = []string{"-"}
			}
			total := 0
			for _, name := range args {
				n, err := importFile(ctx, b.store, name, cmd.InOrStdin(), paragraphs, c.cfg.InsertBatchSize)
				total += n
				if err != nil {
					return fmt.Errorf("import %s: %w", name, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %d messages\n", total)

			if !runAfter {
				return nil
			}
			runner, err := b.newRunner()
			if err != nil {
				return err
			}
			sum, err := runner.Run(ctx)
			if err != nil {
				return err
			}
			printRunSummary(cmd.OutOrStdout(), sum)
			return nil
		},
	}
	cmd.Flags().BoolVar(&paragraphs, "paragraphs", false, "treat blank-line separated blocks as one message (default stdin-paragraphs)")
	cmd.Flags().BoolVar(&runAfter, "run", false, "run the pipeline after importing")
	return cmd
}

// importFile queues the messages of one file in batches.
func importFile(ctx context.Context, store *duckdb.Store, name string, stdin io.Reader, paragraphs bool, batchSize int) (int, error) {
	r := stdin
	if name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		r = f
	}
	if batchSize <= 0 {
		batchSize = defaultInsertBatchSize
	}

	now := time.Now().UTC()
	batch := make([]duckdb.InboxLine, 0, batchSize)
	total := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := store.InsertInboxBatch(batch); err != nil {
			return err
		}
		total += len(batch)
		batch = batch[:0]
		return nil
	}

	err := logsource.Split(r, paragraphs, logsource.DefaultStdinMaxLineSize, func(msg string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch = append(batch, duckdb.InboxLine{ReceivedAt: now, Source: "import", Text: msg})
		if len(batch) >= batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return total, err
	}
	return total, flush()
}

func (c *cli) enrichCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enrich",
		Short: "Fill diagnostic code and resolution notes of group rows",
	}
	sub := func(use, short string, build func(appConfig) ([]enrichJob, error)) *cobra.Command {
		var asJSON bool
		sc := &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx, stop := signalContext(cmd)
				defer stop()

				jobs, err := build(c.cfg)
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					return fmt.Errorf("no enrichment job is configured (set bitbucket-repo and/or openai-api-key)")
				}
				b, err := openBackend(ctx, c.cfg)
				if err != nil {
					return err
				}
				defer b.Close()
				runner, err := b.newRunner()
				if err != nil {
					return err
				}
				results, err := runJobs(ctx, runner, b.groups, jobs)
				if asJSON {
					if werr := writeJSON(cmd.OutOrStdout(), results); werr != nil {
						return werr
					}
				} else {
					for _, job := range jobs {
						if res, ok := results[job.name]; ok {
							fmt.Fprintf(cmd.OutOrStdout(), "%-9s candidates=%d written=%d failed=%d\n", job.name, res.Candidates, res.Written, res.Failed)
						}
					}
				}
				return err
			},
		}
		sc.Flags().BoolVar(&asJSON, "json", false, "print the results as JSON")
		return sc
	}

	cmd.AddCommand(
		sub("snippets", "Fetch source excerpts around error addresses from Bitbucket", func(cfg appConfig) ([]enrichJob, error) {
			job, err := newSnippetJob(cfg)
			return []enrichJob{job}, err
		}),
		sub("explain", "Ask the chat model how to fix unhandled groups", func(cfg appConfig) ([]enrichJob, error) {
			job, err := newExplainJob(cfg)
			return []enrichJob{job}, err
		}),
		sub("all", "Run every configured enrichment job", enrichmentJobs),
	)
	return cmd
}

func (c *cli) digestCmd() *cobra.Command {
	var send, remote, asJSON bool
	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Summarize the last day's errors per category",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			d, err := c.buildDigest(ctx, remote)
			if err != nil {
				return err
			}
			if asJSON {
				if err := writeJSON(cmd.OutOrStdout(), d); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), d.Text())
			}
			if !send {
				return nil
			}
			sender, err := enrich.NewTelegramSender(enrich.TelegramConfig{
				BaseURL: c.cfg.TelegramURL,
				Token:   c.cfg.TelegramToken,
				ChatID:  c.cfg.TelegramChatID,
			})
			if err != nil {
				return err
			}
			return sender.Send(ctx, d.Text())
		},
	}
	cmd.Flags().BoolVar(&send, "send", false, "send the digest to the configured Telegram chat")
	cmd.Flags().BoolVar(&remote, "remote", false, "read the digest from the HTTP API of a running serve")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the digest as JSON")
	return cmd
}

func (c *cli) buildDigest(ctx context.Context, remote bool) (enrich.Digest, error) {
	if remote {
		ctx, cancel := context.WithTimeout(ctx, remoteTimeout)
		defer cancel()
		d, err := httpserver.NewClient(c.cfg.APIURL).Digest(ctx)
		if err != nil {
			return d, err
		}
		if d.Link == "" {
			d.Link = c.cfg.DigestLink
		}
		return d, nil
	}
	b, err := openBackend(ctx, c.cfg)
	if err != nil {
		return enrich.Digest{}, err
	}
	defer b.Close()
	rows, err := b.groups.ReadAll(ctx)
	if err != nil {
		return enrich.Digest{}, err
	}
	return enrich.BuildDigest(rows, time.Now(), c.cfg.DigestLink)
}

func (c *cli) reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Build reports from the raw log table",
	}
	var asJSON, dryRun bool
	unknownTx := &cobra.Command{
		Use:   "unknown-tx",
		Short: "Break the last day's unknown transaction types down by platform",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			b, err := openBackend(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer b.Close()
			entries, err := b.rawLogs.ReadAll(ctx)
			if err != nil {
				return err
			}
			r := enrich.BuildUnknownTxReport(entries, time.Now())
			if !dryRun {
				if err := b.reports.ReplaceRows(ctx, r.Table()); err != nil {
					return fmt.Errorf("write report: %w", err)
				}
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), r)
			}
			printUnknownTx(cmd.OutOrStdout(), r)
			return nil
		},
	}
	unknownTx.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	unknownTx.Flags().BoolVar(&dryRun, "dry-run", false, "print the report without storing it")
	cmd.AddCommand(unknownTx)
	return cmd
}

func printUnknownTx(w io.Writer, r enrich.UnknownTxReport) {
	rows := r.Table()
	fmt.Fprintln(w, boldStyle.Render("Unknown transaction types")+
		dimStyle.Render(fmt.Sprintf(" %d matched, %d malformed", r.Matched, len(r.MalformedIDs))))
	if len(rows) == 1 {
		fmt.Fprintln(w, dimStyle.Render("  none in the last day"))
		return
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(rows[0]...).
		Rows(rows[1:]...)
	fmt.Fprintln(w, t.String())
}

func (c *cli) tuiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Browse the group table of a running serve",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()
			client := httpserver.NewClient(c.cfg.APIURL)
			return tui.Run(ctx, client, tui.Config{RefreshInterval: c.cfg.TUIRefreshInterval})
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRunSummary(w io.Writer, sum pipeline.Summary) {
	row := func(label string, value any) string {
		return fmt.Sprintf("  %-10s %s", dimStyle.Render(label), fmt.Sprint(value))
	}
	lines := []string{
		boldStyle.Render("Run "+sum.RunID) + dimStyle.Render(" in "+sum.Duration.Round(time.Millisecond).String()),
		row("fetched", sum.Fetched),
		row("retained", fmt.Sprintf("%d (%d pruned)", sum.Retained, sum.Pruned)),
		row("groups", sum.Groups),
		row("inserted", greenStyle.Render(fmt.Sprint(sum.Inserted))),
		row("updated", cyanStyle.Render(fmt.Sprint(sum.Updated))),
		row("deleted", redStyle.Render(fmt.Sprint(sum.Deleted))),
		row("unchanged", sum.Unchanged),
		row("sorted", sum.Sorted),
		row("cursor", sum.Cursor),
	}
	fmt.Fprintln(w, strings.Join(lines, "\n"))
}
