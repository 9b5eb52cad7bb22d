package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the mnemod version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mnemod %s\n", version)
	},
}
