package main

import (
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

	"github.com/velocityfibre/onemap-sync/internal/gissync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync drop installations from 1Map",
	Long: `Fetches drop installations for every enabled site (or --site) from 1Map and
upserts new and changed records. Each site run is recorded in the sync log.

Use --full to rewrite every record regardless of checksum.
Use --dry-run to fetch and count without writing anything.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.ValidateOneMap(); err != nil {
			return err
		}

		site, _ := cmd.Flags().GetString("site")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		full, _ := cmd.Flags().GetBool("full")
		maxPages, _ := cmd.Flags().GetInt("max-pages")

		st, err := syncStore(ctx, dryRun)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		engine := gissync.NewEngine(st, newOneMapClient(cfg.OneMap), cfg.Sync)
		log := zap.L().With(zap.String("command", "sync"))

		summary, err := engine.SyncAllSites(ctx, gissync.Options{
			SiteCode: site,
			MaxPages: maxPages,
			DryRun:   dryRun,
			FullSync: full,
			OnProgress: func(p gissync.Progress) {
				log.Debug("page fetched",
					zap.String("site", p.Site),
					zap.Int("page", p.Page),
					zap.Int("total_pages", p.TotalPages),
					zap.Int("percent", p.Percent()),
				)
			},
		})
		if summary != nil {
			formatSummary(os.Stdout, summary)
		}
		if err != nil {
			return eris.Wrap(err, "sync")
		}
		if summary.Failed > 0 {
			return eris.Errorf("sync: %d of %d sites failed", summary.Failed, len(summary.Sites))
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().String("site", "", "sync a single site code (e.g. LAW)")
	syncCmd.Flags().Bool("dry-run", false, "fetch and count without writing")
	syncCmd.Flags().Bool("full", false, "rewrite every record regardless of checksum")
	syncCmd.Flags().Int("max-pages", 0, "max pages per site (0 = config default)")
	rootCmd.AddCommand(syncCmd)
}

// formatSummary writes one line per site and a totals line to out.
func formatSummary(out io.Writer, s *gissync.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SITE\tSTATE\tFETCHED\tCREATED\tUPDATED\tUNCHANGED\tFAILED\tSKIPPED\tDURATION\tERROR")
	_, _ = fmt.Fprintln(w, "----\t-----\t-------\t-------\t-------\t---------\t------\t-------\t--------\t-----")

	for _, r := range s.Sites {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.SiteCode,
			r.State,
			r.RecordsFetched,
			r.RecordsCreated,
			r.RecordsUpdated,
			r.RecordsUnchanged,
			r.RecordsFailed,
			r.RecordsSkipped,
			r.Duration.Round(time.Millisecond),
			truncate(r.Error, 60),
		)
	}
	_, _ = fmt.Fprintf(w, "TOTAL\t%d ok / %d failed\t%d\t%d\t%d\t%d\t%d\t%d\t%s\t\n",
		s.Succeeded,
		s.Failed,
		s.TotalFetched,
		s.TotalCreated,
		s.TotalUpdated,
		s.TotalUnchanged,
		s.TotalFailed,
		s.TotalSkipped,
		s.Duration.Round(time.Millisecond),
	)
	_ = w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
