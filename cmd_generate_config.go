package main

import (
	"github.com/phuslu/log"
	"github.com/spf13/cobra"

	"etw_decoder/internal/config"
)

func newGenerateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate-config [file]",
		Short: "Write an example configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "config.example.toml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.GenerateExampleConfig(path); err != nil {
				return err
			}
			log.Info().Str("file", path).Msg("Example configuration generated")
			return nil
		},
	}
}
