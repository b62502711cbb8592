package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/safety-monitor/internal/config"
	"github.com/sells-group/safety-monitor/internal/model"
	"github.com/sells-group/safety-monitor/internal/source"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage the source catalogue",
}

// -- sources list --

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered sources",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		activeOnly, _ := cmd.Flags().GetBool("active")
		sources, err := st.ListSources(ctx, activeOnly)
		if err != nil {
			return eris.Wrap(err, "sources list")
		}

		if len(sources) == 0 {
			fmt.Fprintln(os.Stderr, "No sources registered. Run `sources seed` first.")
			return nil
		}

		formatSourcesList(os.Stdout, sources)
		return nil
	},
}

// -- sources seed --

var sourcesSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Register sources from a YAML file or the config",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		defs := cfg.Sources
		if path, _ := cmd.Flags().GetString("file"); path != "" {
			loaded, err := config.LoadSourceFile(path)
			if err != nil {
				return err
			}
			defs = loaded
		}
		if len(defs) == 0 {
			return eris.New("sources seed: no sources in config; pass --file")
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		registered, err := registerSources(ctx, st, source.DefaultRegistry(), defs, cfg.Scheduler.DefaultSchedule)
		if err != nil {
			return err
		}

		zap.L().Info("sources seeded", zap.Int("count", len(registered)))
		formatSourcesList(os.Stdout, derefSources(registered))
		return nil
	},
}

func init() {
	sourcesListCmd.Flags().Bool("active", false, "only show active sources")
	sourcesSeedCmd.Flags().String("file", "", "YAML file with a top-level sources list (default: sources from config)")

	sourcesCmd.AddCommand(sourcesListCmd)
	sourcesCmd.AddCommand(sourcesSeedCmd)
	rootCmd.AddCommand(sourcesCmd)
}

func derefSources(in []*model.Source) []model.Source {
	out := make([]model.Source, 0, len(in))
	for _, s := range in {
		out = append(out, *s)
	}
	return out
}

// formatSourcesList writes a tabular list of sources to out.
func formatSourcesList(out io.Writer, sources []model.Source) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CODE\tNAME\tCOUNTRY\tSCRAPER\tSCHEDULE\tACTIVE\tLAST_RUN")
	for _, s := range sources {
		lastRun := "never"
		if s.LastRunAt != nil {
			lastRun = s.LastRunAt.UTC().Format("2006-01-02 15:04")
		}
		country := s.Country
		if s.Region != "" {
			country += "/" + s.Region
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			s.Code, s.Name, country, s.Scraper, s.Schedule, s.Active, lastRun)
	}
	_ = w.Flush()
}
