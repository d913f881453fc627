package cmd

import (
	"github.com/apx-pm/apx/internal/app"
	"github.com/spf13/cobra"
)

var removeCmd = &cobra.Command{
	Use:   "remove <package>...",
	Short: "remove installed packages",
	Args:  cobra.MinimumNArgs(1),
	RunE:  remove,
}

func remove(cmd *cobra.Command, args []string) error {
	a, err := app.FromCommand(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := a.Solver(cmd.Context())
	if err != nil {
		return err
	}
	tx, err := s.Remove(cmd.Context(), args)
	if err != nil {
		return err
	}
	return runTransaction(cmd, a, tx)
}
