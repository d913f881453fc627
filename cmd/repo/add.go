package repo

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/apx-pm/apx/internal/app"
	"github.com/apx-pm/apx/pkg/apxerr"
	"github.com/apx-pm/apx/pkg/index"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
)

var addCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "add a package repository",
	Args:  cobra.MaximumNArgs(1),
	RunE:  add,
}

const (
	flagDistribution = "distribution"
	flagComponents   = "components"
	flagFingerprint  = "fingerprint"
	flagPriority     = "priority"
	flagFromApt      = "from-apt"
)

func init() {
	addCmd.Flags().StringP(flagDistribution, "d", "stable", "distribution to track")
	addCmd.Flags().StringSlice(flagComponents, []string{"main"}, "components to enable")
	addCmd.Flags().StringSlice(flagFingerprint, nil, "key fingerprints accepted for this repository")
	addCmd.Flags().Int(flagPriority, 0, "repository priority. Higher wins")
	addCmd.Flags().String(flagFromApt, "", "import repositories from an apt sources.list file")
}

func add(cmd *cobra.Command, args []string) error {
	a, err := app.FromCommand(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if aptPath, _ := cmd.Flags().GetString(flagFromApt); aptPath != "" {
		return importAptSources(cmd, a, aptPath)
	}
	if len(args) != 1 {
		return fmt.Errorf("%w: a repository URL is required", apxerr.ErrConfig)
	}

	distribution, _ := cmd.Flags().GetString(flagDistribution)
	components, _ := cmd.Flags().GetStringSlice(flagComponents)
	fingerprints, _ := cmd.Flags().GetStringSlice(flagFingerprint)
	priority, _ := cmd.Flags().GetInt(flagPriority)

	id, err := a.Index.AddRepo(cmd.Context(), index.Repo{
		URL:          strings.TrimSuffix(args[0], "/"),
		Distribution: distribution,
		Components:   components,
		Fingerprints: fingerprints,
		Priority:     priority,
	})
	if err != nil {
		return err
	}
	logr.FromContextOrDiscard(cmd.Context()).Info("added repository", "id", id, "url", args[0])
	return nil
}

// importAptSources reads an apt sources.list and adds every binary
// line. Options in square brackets are ignored; deb-src lines are
// skipped.
func importAptSources(cmd *cobra.Command, a *app.App, path string) error {
	log := logr.FromContextOrDiscard(cmd.Context())

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", apxerr.ErrConfig, path, err)
	}
	defer f.Close()

	var added int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		repo, ok := parseAptLine(scanner.Text())
		if !ok {
			continue
		}
		id, err := a.Index.AddRepo(cmd.Context(), repo)
		if err != nil {
			log.Info("skipping repository", "url", repo.URL, "reason", err.Error())
			continue
		}
		log.Info("imported repository", "id", id, "url", repo.URL, "distribution", repo.Distribution)
		added++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: reading %s: %v", apxerr.ErrConfig, path, err)
	}
	if added == 0 {
		return fmt.Errorf("%w: no usable deb lines in %s", apxerr.ErrConfig, path)
	}
	return nil
}

func parseAptLine(line string) (index.Repo, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return index.Repo{}, false
	}
	fields := strings.Fields(line)
	if len(fields) < 4 || fields[0] != "deb" {
		return index.Repo{}, false
	}
	fields = fields[1:]
	if strings.HasPrefix(fields[0], "[") {
		for len(fields) > 0 && !strings.HasSuffix(fields[0], "]") {
			fields = fields[1:]
		}
		if len(fields) > 0 {
			fields = fields[1:]
		}
		if len(fields) < 3 {
			return index.Repo{}, false
		}
	}
	return index.Repo{
		URL:          strings.TrimSuffix(fields[0], "/"),
		Distribution: fields[1],
		Components:   fields[2:],
	}, true
}
