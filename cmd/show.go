package cmd

import (
	"fmt"
	"strings"

	"github.com/apx-pm/apx/internal/app"
	"github.com/apx-pm/apx/pkg/apxerr"
	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show <package>[=version]",
	Short: "show details of a package",
	Args:  cobra.ExactArgs(1),
	RunE:  show,
}

func show(cmd *cobra.Command, args []string) error {
	a, err := app.FromCommand(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	name, version, _ := strings.Cut(args[0], "=")
	matches, err := a.Index.Show(cmd.Context(), name, version)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return fmt.Errorf("%w: no package named %q", apxerr.ErrConfig, args[0])
	}
	inst, err := a.Index.GetInstalled(cmd.Context(), name)
	if err != nil {
		return err
	}

	for i, p := range matches {
		if i > 0 {
			cmd.Println()
		}
		cmd.Printf("Package: %s\n", p.Name)
		cmd.Printf("Version: %s\n", p.Version)
		cmd.Printf("Architecture: %s\n", p.Architecture)
		if inst != nil && inst.Version == p.Version {
			cmd.Printf("Status: installed (%s)\n", inst.InstalledAt.Format("2006-01-02"))
		}
		cmd.Printf("Size: %d\n", p.Size)
		cmd.Printf("SHA256: %s\n", p.SHA256)
		if len(p.Depends) > 0 {
			cmd.Printf("Depends: %s\n", strings.Join(p.Depends, ", "))
		}
		if len(p.Conflicts) > 0 {
			cmd.Printf("Conflicts: %s\n", strings.Join(p.Conflicts, ", "))
		}
		if len(p.Provides) > 0 {
			cmd.Printf("Provides: %s\n", strings.Join(p.Provides, ", "))
		}
		if len(p.Replaces) > 0 {
			cmd.Printf("Replaces: %s\n", strings.Join(p.Replaces, ", "))
		}
		if p.Description != "" {
			cmd.Printf("Description: %s\n", p.Description)
		}
	}
	return nil
}
