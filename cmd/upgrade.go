package cmd

import (
	"github.com/apx-pm/apx/internal/app"
	"github.com/spf13/cobra"
)

var upgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "upgrade every installed package to its best available version",
	Args:  cobra.NoArgs,
	RunE:  upgrade,
}

func upgrade(cmd *cobra.Command, _ []string) error {
	a, err := app.FromCommand(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := a.Solver(cmd.Context())
	if err != nil {
		return err
	}
	tx, err := s.Upgrade(cmd.Context())
	if err != nil {
		return err
	}
	return runTransaction(cmd, a, tx)
}
