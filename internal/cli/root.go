package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ppiankov/policycache/internal/cache"
	"github.com/ppiankov/policycache/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	verbose bool
	timeout time.Duration
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "policycache",
	Short: "policycache - URL-keyed cache of policy document summaries",
	Long: `policycache manages the cache of generated summaries for legal policy
documents (privacy policies, terms of service). Summaries are keyed by the
normalized document URL and stored either in a local JSON file or in a
DynamoDB table.

The summarization service reads and writes the same store; these commands
inspect, prune and migrate it.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "policycache v0.3.0")
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.policycache/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (debug logging)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall command timeout")
	rootCmd.PersistentFlags().String("backend", "", "storage backend (file, table)")
	rootCmd.PersistentFlags().String("file", "", "JSON database path (file backend)")
	rootCmd.PersistentFlags().String("table", "", "DynamoDB table name (table backend)")
	rootCmd.PersistentFlags().String("region", "", "AWS region (table backend)")
	rootCmd.PersistentFlags().String("endpoint", "", "DynamoDB endpoint override, e.g. http://localhost:8000")

	// Bind flags to viper
	_ = viper.BindPFlag("backend", rootCmd.PersistentFlags().Lookup("backend"))
	_ = viper.BindPFlag("file.path", rootCmd.PersistentFlags().Lookup("file"))
	_ = viper.BindPFlag("table.name", rootCmd.PersistentFlags().Lookup("table"))
	_ = viper.BindPFlag("table.region", rootCmd.PersistentFlags().Lookup("region"))
	_ = viper.BindPFlag("table.endpoint", rootCmd.PersistentFlags().Lookup("endpoint"))

	// Add subcommands
	rootCmd.AddCommand(versionCmd)
}

// initConfig reads in config file and ENV variables
func initConfig() {
	if err := config.SetDefaults(viper.GetViper()); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading environment: %v\n", err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			return
		}

		viper.AddConfigPath(home + "/.policycache")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// loadConfig resolves the configuration and the logger it describes
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, nil, err
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// openCache loads the configuration and opens the configured store
func openCache(ctx context.Context) (*cache.Cache, *config.Config, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	c, err := cfg.NewCache(ctx, logger)
	if err != nil {
		return nil, nil, err
	}
	return c, cfg, nil
}

// commandContext bounds a command by the --timeout flag
func commandContext() (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), timeout)
}
