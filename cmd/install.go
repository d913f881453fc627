package cmd

import (
	"github.com/apx-pm/apx/internal/app"
	"github.com/apx-pm/apx/pkg/solver"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
)

var installCmd = &cobra.Command{
	Use:   "install <package>...",
	Short: "install packages and their dependencies",
	Args:  cobra.MinimumNArgs(1),
	RunE:  install,
}

func install(cmd *cobra.Command, args []string) error {
	a, err := app.FromCommand(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := a.Solver(cmd.Context())
	if err != nil {
		return err
	}
	tx, err := s.Install(cmd.Context(), args)
	if err != nil {
		return err
	}
	return runTransaction(cmd, a, tx)
}

// runTransaction prints the plan and, unless this is a dry run,
// applies it.
func runTransaction(cmd *cobra.Command, a *app.App, tx *solver.Transaction) error {
	log := logr.FromContextOrDiscard(cmd.Context())

	if tx.Empty() {
		cmd.Println("nothing to do")
		return nil
	}
	for _, step := range tx.Steps {
		cmd.Println(step.String())
	}
	if dryRun, _ := cmd.Flags().GetBool(flagDryRun); dryRun {
		log.V(1).Info("dry run, stopping before apply")
		return nil
	}
	ins, err := a.Installer()
	if err != nil {
		return err
	}
	return ins.Apply(cmd.Context(), tx)
}
