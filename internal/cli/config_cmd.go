package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := os.Getenv("PANOSTITCH_CONFIG")
			if cfgPath == "" {
				cfgPath = "(default) ~/.config/panostitch/config.json"
			}
			data, err := yaml.Marshal(root.cfg)
			if err != nil {
				return err
			}
			cmd.Printf("# config file: %s\n", cfgPath)
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for settings that would make a run fail",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			cmd.Println("configuration OK")
			return nil
		},
	})
	return cmd
}
