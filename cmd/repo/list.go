package repo

import (
	"fmt"
	"strings"

	"github.com/apx-pm/apx/internal/app"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "list configured repositories",
	Args:  cobra.NoArgs,
	RunE:  list,
}

func list(cmd *cobra.Command, _ []string) error {
	a, err := app.FromCommand(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	repos, err := a.Index.ListRepos(cmd.Context())
	if err != nil {
		return err
	}
	for _, repo := range repos {
		cmd.Println(fmt.Sprintf("%s %s %s (priority %d)",
			repo.URL, repo.Distribution, strings.Join(repo.Components, " "), repo.Priority))
	}
	return nil
}
