package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/udplink/internal/config"
	"github.com/1ureka/udplink/internal/util"
)

var version = "dev"

var (
	configPath string
	debugMode  bool
	portsFlag  string
)

var rootCmd = &cobra.Command{
	Use:           "udplink",
	Short:         "Reliable, ordered messaging over UDP",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		pterm.Info.Println(fmt.Sprintf("udplink v%s", version))
		pterm.Println()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "TOML configuration file")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(listenCmd, sendCmd, chatCmd)
}

// Execute runs the command tree until it returns or Ctrl+C is pressed.
func Execute() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		stop()
		os.Exit(1)
	}
}

// loadConfig loads --config and applies the flags shared by every command.
// Flags win over the file and the environment.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}

	if cmd.Flags().Changed("ports") {
		if cfg.Ports, err = config.ParsePorts(portsFlag); err != nil {
			return config.Config{}, err
		}
	}

	if err := util.SetLogLevel(cfg.LogLevel); err != nil {
		return config.Config{}, err
	}
	if debugMode {
		util.EnableDebug()
	}
	return cfg, nil
}
