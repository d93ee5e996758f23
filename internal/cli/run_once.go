package cli

import (
	"github.com/spf13/cobra"
)

var runOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Run exactly one decision cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RunOnceNow(cmd.Context())
	},
}
