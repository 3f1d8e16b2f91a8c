package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(exportCmd)
}

var exportCmd = &cobra.Command{
	Use:   "export <project.json> <dir>",
	Short: "Write a project file's sources to a directory tree",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		project, err := readProjectFile(args[0])
		if err != nil {
			return err
		}
		if err := exportProject(project, args[1]); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Exported %d files to %s.\n", len(project.Files), args[1])
		return nil
	},
}
