package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/reglet-dev/reglet-embed/config"
)

// validateCmd represents the validate command
var validateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Check a configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			path = "guesthost.yaml"
		}

		f, err := config.ReadFile(path)
		if err != nil {
			return err
		}
		if err := config.Validate(f); err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: configuration is valid (%d scripts)\n", path, len(f.Scripts))
		return err
	},
}
