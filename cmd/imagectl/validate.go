package main

import (
	"github.com/gridctl/imagectl/pkg/output"
	"github.com/gridctl/imagectl/pkg/tags"

	"github.com/spf13/cobra"
)

var validateTags string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration file or a tag list",
	Long: `Loads and validates the configuration file.

With --tags only the given tag templates are checked against the tag
grammar; the configuration file is not read.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		printer := output.NewWithWriter(cmd.OutOrStdout())
		if cmd.Flags().Changed("tags") {
			if err := tags.ValidateTemplates(validateTags); err != nil {
				return err
			}
			printer.Info("Tags valid", "count", len(tags.ParseList(validateTags)))
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		printer.Info("Configuration valid",
			"file", configPath,
			"hosts", len(cfg.Hosts),
			"nodes", len(cfg.Nodes),
			"tags", len(cfg.Step.Templates()))
		return nil
	},
}

func init() {
	validateCmd.Flags().StringVar(&validateTags, "tags", "", "Newline-delimited tag templates to check")
}
