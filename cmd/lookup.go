package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/velocityfibre/onemap-sync/pkg/onemap"
)

var lookupCmd = &cobra.Command{
	Use:   "lookup DR_NUMBER",
	Short: "Look up one drop in 1Map",
	Long:  "Searches 1Map for a drop number and prints the matching record as JSON.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.ValidateOneMap(); err != nil {
			return err
		}
		return runLookup(cmd.Context(), newOneMapClient(cfg.OneMap), args[0], os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(lookupCmd)
}

// ErrDropNotFound is returned when 1Map has no record with the DR number.
var ErrDropNotFound = eris.New("lookup: drop not found")

func runLookup(ctx context.Context, client onemap.Client, dr string, out io.Writer) error {
	dr = strings.ToUpper(strings.TrimSpace(dr))
	rec, err := client.GetDR(ctx, dr)
	if err != nil {
		return eris.Wrapf(err, "lookup: %s", dr)
	}
	if rec == nil {
		return eris.Wrapf(ErrDropNotFound, "lookup: %s", dr)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(rec), "lookup: encode record")
}
