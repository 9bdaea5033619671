// main.go
package main

import (
	"fmt"
	"os"

	"github.com/phuslu/log"
	"github.com/spf13/cobra"

	"etw_decoder/internal/config"
	"etw_decoder/internal/logger"
	"etw_decoder/internal/maps"
)

var (
	version = "0.1.0"
)

var (
	configPath string
	appConfig  *config.AppConfig
)

var rootCmd = &cobra.Command{
	Use:   "etw_decoder",
	Short: "Decode kernel trace sessions and trace log files",
	Long: `etw_decoder decodes the classic kernel event categories (process,
thread, image, page fault, disk and file I/O) from trace log files,
rebuilds process and module state from them and exports decoder
statistics to Prometheus.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfiguration,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (optional).")
	rootCmd.AddCommand(newReplayCmd(), newSynthCmd(), newGenerateConfigCmd())
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("etw_decoder version %s\n", version))
}

// loadConfiguration runs before every command: it loads the configuration,
// configures the loggers and applies the process-wide settings.
func loadConfiguration(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		if cfg == nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
	}

	// Configure loggers based on configuration
	if err := logger.ConfigureLogging(cfg.Logging); err != nil {
		return fmt.Errorf("failed to configure loggers: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	impl, _ := maps.ParseImplementation(cfg.Dispatch.MapImplementation)
	maps.SetDefaultImplementation(impl)

	log.Debug().
		Str("version", version).
		Str("config", configPath).
		Str("map_implementation", string(impl)).
		Strs("kernel_groups", cfg.Session.KernelGroups).
		Msg("Configuration loaded")

	appConfig = cfg
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
