package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/velocityfibre/onemap-sync/internal/monitoring"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check sync health and send alerts",
	Long: `Evaluates recent sync runs and site freshness against the monitoring
thresholds. Alerts are posted to monitoring.webhook_url when set.
With --watch the check repeats every monitoring.check_interval_secs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		watch, _ := cmd.Flags().GetBool("watch")

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		checker := monitoring.NewChecker(st, cfg.Monitoring)
		if watch {
			checker.Run(ctx)
			return nil
		}

		rep, err := checker.Check(ctx)
		if err != nil {
			return eris.Wrap(err, "check")
		}
		formatCheck(os.Stdout, rep)
		return nil
	},
}

func init() {
	checkCmd.Flags().Bool("watch", false, "repeat the check until interrupted")
	rootCmd.AddCommand(checkCmd)
}

func formatCheck(out io.Writer, rep *monitoring.Report) {
	snap := rep.Snapshot
	_, _ = fmt.Fprintf(out, "Last %dh: %d runs, %d failed (%.1f%%), %d records failed; %d enabled sites\n",
		snap.LookbackHours, snap.SyncTotal, snap.SyncFailed, snap.SyncFailRate*100, snap.RecordsFailed, snap.EnabledSites)
	if rep.Healthy() {
		_, _ = fmt.Fprintln(out, "OK: no alerts")
		return
	}
	for _, a := range rep.Alerts {
		_, _ = fmt.Fprintf(out, "[%s] %s: %s\n", a.Severity, a.Type, a.Message)
	}
	if rep.Notified {
		_, _ = fmt.Fprintf(out, "%d alert(s) sent to webhook\n", len(rep.Alerts))
	}
}
