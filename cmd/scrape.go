package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/safety-monitor/internal/ingest"
	"github.com/sells-group/safety-monitor/internal/model"
	"github.com/sells-group/safety-monitor/internal/store"
)

var scrapeCmd = &cobra.Command{
	Use:   "scrape [source-code...]",
	Short: "Run one scrape of the given sources",
	Long:  "Scrapes each named source once (or every active source with --all), recording a scrape run per source. With --analyze, pending findings are analysed afterwards.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		all, _ := cmd.Flags().GetBool("all")
		analyze, _ := cmd.Flags().GetBool("analyze")
		if !all && len(args) == 0 {
			return eris.New("scrape: name at least one source code or pass --all")
		}

		if err := cfg.Validate("scrape"); err != nil {
			return err
		}
		if analyze {
			if err := cfg.Validate("analyze"); err != nil {
				return err
			}
		}

		env, err := initEnv(ctx, analyze)
		if err != nil {
			return err
		}
		defer env.Close()

		sources, err := selectSources(ctx, env.Store, args, all)
		if err != nil {
			return err
		}

		results := runScrapes(ctx, env.Ingest, sources, cfg.Scheduler.Workers)
		formatScrapeResults(os.Stdout, results)

		if analyze {
			summary, err := env.Pipeline.RunPending(ctx, cfg.Analysis.BatchSize)
			if err != nil {
				return eris.Wrap(err, "scrape: analyze pending")
			}
			zap.L().Info("analysis batch complete", zap.Any("summary", summary))
		}

		failed := 0
		for _, r := range results {
			if r.Err != nil {
				failed++
			}
		}
		if failed > 0 {
			return eris.Errorf("scrape: %d of %d runs failed", failed, len(results))
		}
		return nil
	},
}

func init() {
	scrapeCmd.Flags().Bool("all", false, "scrape every active source")
	scrapeCmd.Flags().Bool("analyze", false, "analyse pending findings after scraping")
	rootCmd.AddCommand(scrapeCmd)
}

// selectSources resolves codes to stored sources. Named sources are run
// even when inactive; --all only picks active ones.
func selectSources(ctx context.Context, st store.Store, codes []string, all bool) ([]model.Source, error) {
	if all {
		sources, err := st.ListSources(ctx, true)
		if err != nil {
			return nil, eris.Wrap(err, "scrape: list sources")
		}
		if len(sources) == 0 {
			return nil, eris.New("scrape: no active sources registered")
		}
		return sources, nil
	}

	sources := make([]model.Source, 0, len(codes))
	for _, code := range codes {
		src, err := st.GetSource(ctx, code)
		if err != nil {
			return nil, eris.Wrapf(err, "scrape: source %s", code)
		}
		sources = append(sources, *src)
	}
	return sources, nil
}

// runScrapes runs each source on a bounded pool. Results keep input order.
func runScrapes(ctx context.Context, orch *ingest.Orchestrator, sources []model.Source, workers int) []*ingest.Result {
	if workers <= 0 {
		workers = 1
	}
	results := make([]*ingest.Result, len(sources))

	var g errgroup.Group
	g.SetLimit(workers)
	for i, src := range sources {
		g.Go(func() error {
			res, err := orch.Run(ctx, src)
			if res == nil {
				res = &ingest.Result{SourceCode: src.Code, State: ingest.StateFailedAfterRetries}
			}
			if err != nil && res.Err == nil {
				res.Err = err
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// formatScrapeResults writes one line per run to out.
func formatScrapeResults(out io.Writer, results []*ingest.Result) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SOURCE\tSTATE\tPAGES\tSCANNED\tNEW\tDUPLICATE\tFAILED\tDURATION\tERROR")
	for _, r := range results {
		errMsg := ""
		if r.Err != nil {
			errMsg = r.Err.Error()
			if len(errMsg) > 60 {
				errMsg = errMsg[:57] + "..."
			}
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.SourceCode, r.State,
			r.Summary.Pages, r.Summary.Scanned, r.Summary.New, r.Summary.Duplicate, r.Summary.Failed,
			r.Duration.Round(time.Millisecond), errMsg)
	}
	_ = w.Flush()
}
