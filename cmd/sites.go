package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/velocityfibre/onemap-sync/internal/store"
)

var sitesCmd = &cobra.Command{
	Use:   "sites",
	Short: "Manage sync sites",
}

var sitesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured sites",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		enabledOnly, _ := cmd.Flags().GetBool("enabled")

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sites, err := st.ListSites(ctx, enabledOnly)
		if err != nil {
			return eris.Wrap(err, "sites list")
		}
		formatSites(os.Stdout, sites)
		return nil
	},
}

var sitesSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create or update sites from a YAML file",
	Long: `Reads a YAML file of the form

  sites:
    - code: LAW
      name: Lawley
      search_term: LAW
      enabled: true

and upserts each site by code. Sites without an enabled key are enabled.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		path, _ := cmd.Flags().GetString("file")

		sites, err := loadSiteFile(path)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		for i := range sites {
			if err := st.UpsertSite(ctx, &sites[i]); err != nil {
				return eris.Wrapf(err, "sites seed: %s", sites[i].Code)
			}
		}
		zap.L().Info("sites seeded", zap.Int("count", len(sites)), zap.String("file", path))
		return nil
	},
}

func init() {
	sitesListCmd.Flags().Bool("enabled", false, "only list enabled sites")
	sitesSeedCmd.Flags().String("file", "sites.yaml", "YAML file with a sites list")
	sitesCmd.AddCommand(sitesListCmd, sitesSeedCmd)
	rootCmd.AddCommand(sitesCmd)
}

type siteFile struct {
	Sites []siteEntry `yaml:"sites"`
}

// siteEntry is one seed file row. Enabled defaults to true when omitted.
type siteEntry struct {
	Code       string  `yaml:"code"`
	Name       string  `yaml:"name"`
	SearchTerm string  `yaml:"search_term"`
	ProjectID  *string `yaml:"project_id"`
	Enabled    *bool   `yaml:"enabled"`
}

// loadSiteFile parses and normalises a sites seed file. Codes are
// upper-cased and must be unique.
func loadSiteFile(path string) ([]store.Site, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "sites seed: read %s", path)
	}

	var f siteFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "sites seed: parse %s", path)
	}
	if len(f.Sites) == 0 {
		return nil, eris.Errorf("sites seed: %s has no sites", path)
	}

	sites := make([]store.Site, 0, len(f.Sites))
	seen := make(map[string]bool, len(f.Sites))
	for i, e := range f.Sites {
		s := store.Site{
			Code:       strings.ToUpper(strings.TrimSpace(e.Code)),
			Name:       e.Name,
			SearchTerm: e.SearchTerm,
			ProjectID:  e.ProjectID,
			Enabled:    e.Enabled == nil || *e.Enabled,
		}
		if s.Code == "" {
			return nil, eris.Errorf("sites seed: entry %d has no code", i+1)
		}
		if seen[s.Code] {
			return nil, eris.Errorf("sites seed: duplicate code %s", s.Code)
		}
		seen[s.Code] = true
		if s.Name == "" {
			s.Name = s.Code
		}
		sites = append(sites, s)
	}
	return sites, nil
}

func formatSites(out io.Writer, sites []store.Site) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CODE\tNAME\tQUERY\tENABLED\tDROPS\tLAST FULL\tLAST INCREMENTAL")
	_, _ = fmt.Fprintln(w, "----\t----\t-----\t-------\t-----\t---------\t----------------")
	for _, s := range sites {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%s\t%s\n",
			s.Code,
			s.Name,
			s.Query(),
			s.Enabled,
			s.TotalInstallations,
			formatTime(s.LastFullSync),
			formatTime(s.LastIncrementalSync),
		)
	}
	_ = w.Flush()
}
