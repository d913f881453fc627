package cache

import (
	"strings"

	"github.com/apx-pm/apx/internal/app"
	"github.com/apx-pm/apx/pkg/debver"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Removes cached package downloads",
	Args:  cobra.NoArgs,
	RunE:  clean,
}

const flagOld = "old"

func init() {
	cleanCmd.Flags().Bool(flagOld, false, "keep the newest cached version of each package")
}

func clean(cmd *cobra.Command, _ []string) error {
	log := logr.FromContextOrDiscard(cmd.Context())

	a, err := app.FromCommand(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	old, _ := cmd.Flags().GetBool(flagOld)
	if !old {
		freed, err := a.Cache.Clean(cmd.Context(), 0)
		if err != nil {
			return err
		}
		log.Info("cleaned cache", "freed", freed)
		return nil
	}

	keep, err := newestChecksums(cmd, a)
	if err != nil {
		return err
	}
	freed, err := a.Cache.CleanOld(cmd.Context(), keep)
	if err != nil {
		return err
	}
	log.Info("cleaned old cache entries", "freed", freed)
	return nil
}

// newestChecksums maps out the checksum of the highest known version
// of every package, so the sweep can keep exactly those.
func newestChecksums(cmd *cobra.Command, a *app.App) (map[string]bool, error) {
	packages, err := a.Index.AllPackages(cmd.Context())
	if err != nil {
		return nil, err
	}
	type best struct {
		version string
		sha256  string
	}
	newest := map[string]best{}
	for _, p := range packages {
		b, ok := newest[p.Name]
		if !ok {
			newest[p.Name] = best{version: p.Version, sha256: p.SHA256}
			continue
		}
		if c, err := debver.Compare(p.Version, b.version); err == nil && c > 0 {
			newest[p.Name] = best{version: p.Version, sha256: p.SHA256}
		}
	}
	keep := make(map[string]bool, len(newest))
	for _, b := range newest {
		keep[strings.ToLower(b.sha256)] = true
	}
	return keep, nil
}
