package repo

import (
	"strings"

	"github.com/apx-pm/apx/internal/app"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
)

var removeCmd = &cobra.Command{
	Use:   "remove <url>",
	Short: "remove a package repository",
	Args:  cobra.ExactArgs(1),
	RunE:  remove,
}

func remove(cmd *cobra.Command, args []string) error {
	a, err := app.FromCommand(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Index.RemoveRepo(cmd.Context(), strings.TrimSuffix(args[0], "/")); err != nil {
		return err
	}
	logr.FromContextOrDiscard(cmd.Context()).Info("removed repository", "url", args[0])
	return nil
}
