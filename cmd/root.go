package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/moziai/mozi/internal/config"
	"github.com/moziai/mozi/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/moziai/mozi/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "mozi",
	Short: "Mozi personal multi-agent runtime",
	Long:  "Mozi runs always-on agents behind a local WebSocket gateway: persistent sessions, sandboxed tools, subagents, heartbeats, and an operator CLI.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGateway()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $MOZI_CONFIG_PATH or ~/.mozi/config.jsonc)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(gatewayCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(secretsCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(chatCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mozi %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return config.ExpandHome(cfgFile)
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the effective config. A missing file at the default
// path yields defaults; an explicitly requested --config path must exist.
func loadConfig() (*config.Config, error) {
	path := resolveConfigPath()
	if cfgFile != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", config.ErrNotFound, path)
		}
	}
	return config.Load(path)
}

// Execute runs the root cobra command.
func Execute() {
	// godotenv.Load never overwrites variables already set.
	for _, f := range []string{".env.local", ".env"} {
		_ = godotenv.Load(f)
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
