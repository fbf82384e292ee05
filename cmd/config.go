package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jarney/snackbot/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and generate configuration files",
}

// --- snackbot config init ---

var (
	initFormat string
	initOut    string
)

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration",
	Long:  "Write the default configuration to --out, or to stdout in --format when --out is empty.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.DefaultConfig()
		if initOut != "" {
			if err := config.Save(cfg, initOut); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", initOut)
			return nil
		}

		format, err := config.ParseFormat(initFormat)
		if err != nil {
			return err
		}
		return config.Encode(cmd.OutOrStdout(), cfg, format)
	},
}

// --- snackbot config check ---

var checkFormat string

var configCheckCmd = &cobra.Command{
	Use:   "check [file]",
	Short: "Validate a configuration file and print the effective configuration",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file := ""
		if len(args) == 1 {
			file = args[0]
			if _, err := os.Stat(file); err != nil {
				return err
			}
		}
		cfg, err := config.NewLoader().Load(file)
		if err != nil {
			return err
		}

		format, err := config.ParseFormat(checkFormat)
		if err != nil {
			return err
		}
		return config.Encode(cmd.OutOrStdout(), cfg, format)
	},
}

func init() {
	configInitCmd.Flags().StringVarP(&initFormat, "format", "f", "yaml", "Output format: yaml, json or toml")
	configInitCmd.Flags().StringVarP(&initOut, "out", "o", "", "Output file; the format follows its extension")
	configCheckCmd.Flags().StringVarP(&checkFormat, "format", "f", "yaml", "Output format: yaml, json or toml")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configCheckCmd)
}
