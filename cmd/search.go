package cmd

import (
	"fmt"

	"github.com/apx-pm/apx/internal/app"
	"github.com/spf13/cobra"
)

var searchCmd = &cobra.Command{
	Use:   "search <term>",
	Short: "search package names and descriptions",
	Args:  cobra.ExactArgs(1),
	RunE:  search,
}

func search(cmd *cobra.Command, args []string) error {
	a, err := app.FromCommand(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	matches, err := a.Index.QueryFullText(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	installed := map[string]string{}
	list, err := a.Index.ListInstalled(cmd.Context())
	if err != nil {
		return err
	}
	for _, inst := range list {
		installed[inst.Name] = inst.Version
	}

	seen := map[string]bool{}
	for _, p := range matches {
		if seen[p.Name] {
			continue
		}
		seen[p.Name] = true
		marker := " "
		if installed[p.Name] != "" {
			marker = "i"
		}
		cmd.Println(fmt.Sprintf("%s %s %s - %s", marker, p.Name, p.Version, p.Description))
	}
	if len(seen) == 0 {
		cmd.Printf("no packages matching %q\n", args[0])
	}
	return nil
}
