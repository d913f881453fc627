package repo

import "github.com/spf13/cobra"

var Command = &cobra.Command{
	Use:   "repo",
	Short: "manage package repositories",
}

func init() {
	Command.AddCommand(addCmd, removeCmd, listCmd)
}
