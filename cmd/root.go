package cmd

import (
	"github.com/spf13/cobra"
)

// Execute runs the griddle CLI.
func Execute() error {
	var root = &cobra.Command{Use: "griddle"}

	root.AddCommand(serveCMD(), workerCMD(), migrateCMD(), schemaCMD())
	return root.Execute()
}
