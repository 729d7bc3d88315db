package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/velocityfibre/onemap-sync/internal/hldimport"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import drops from an HLD workbook",
	Long: `Loads drops from the HLD sheet of a project tracker workbook into a site.
Rows are matched by DR number with the same change detection as a 1Map sync;
existing rows are never deleted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		site, _ := cmd.Flags().GetString("site")
		file, _ := cmd.Flags().GetString("file")
		sheet, _ := cmd.Flags().GetString("sheet")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		res, err := hldimport.NewImporter(st).Import(ctx, hldimport.Options{
			SiteCode: site,
			Path:     file,
			Sheet:    sheet,
			DryRun:   dryRun,
		})
		if res != nil {
			formatImportResult(os.Stdout, res, dryRun)
		}
		return err
	},
}

func init() {
	importCmd.Flags().String("site", "", "site code to import into (required)")
	importCmd.Flags().String("file", "", "path to the .xlsx workbook (required)")
	importCmd.Flags().String("sheet", hldimport.DefaultSheet, "worksheet name")
	importCmd.Flags().Bool("dry-run", false, "validate rows without writing")
	_ = importCmd.MarkFlagRequired("site")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}

func formatImportResult(out io.Writer, r *hldimport.Result, dryRun bool) {
	if dryRun {
		_, _ = fmt.Fprintf(out, "%s: would import %d of %d rows (%d invalid)\n",
			r.SiteCode, r.Rows-r.Failed, r.Rows, r.Failed)
		return
	}
	_, _ = fmt.Fprintf(out, "%s: %d rows, %d created, %d updated, %d unchanged, %d failed, %d skipped, %d poles in %s\n",
		r.SiteCode, r.Rows, r.Created, r.Updated, r.Unchanged, r.Failed, r.Skipped, r.Poles,
		r.Duration.Round(time.Millisecond))
}
