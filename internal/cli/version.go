package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the switchboard version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("switchboard version %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
