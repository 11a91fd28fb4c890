package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ppiankov/policycache/internal/store"
	"github.com/ppiankov/policycache/internal/worker"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	migrateFrom    string
	migrateTo      string
	migrateTimeout time.Duration
	tableWait      time.Duration
)

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show record counts and storage details",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		c, _, err := openCache(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		stats, err := c.Stats(ctx)
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(stats)
		if err != nil {
			return fmt.Errorf("error marshaling stats: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

// migrateCmd represents the migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Copy every summary from one backend to another",
	Long: `Migrate copies all summaries between backends, keeping ids and timestamps,
so links to existing summaries keep working after a move from the JSON file
to DynamoDB (or back). A summary already stored for the same URL in the
destination is replaced.

Writes are spread over migrate.workers goroutines and throttled to
migrate.rate writes per second.

Example:
  policycache migrate --from file --to table --file summaries_db.json --table naked-policy-summaries`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

// tableCmd groups DynamoDB table management
var tableCmd = &cobra.Command{
	Use:   "table",
	Short: "Manage the DynamoDB table",
}

var tableCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create the summaries table and its url_hash index",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), tableWait+timeout)
		defer cancel()

		client, err := store.NewDynamoClient(ctx, cfg.StoreConfig())
		if err != nil {
			return err
		}
		if err := store.CreateTable(ctx, client, cfg.Table.Name, tableWait, logger); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "✓ Table %s ready in %s\n", cfg.Table.Name, cfg.Table.Region)
		fmt.Fprintf(cmd.OutOrStdout(), "  Primary key: summary_id\n")
		fmt.Fprintf(cmd.OutOrStdout(), "  Index:       %s\n", store.URLHashIndex)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd, migrateCmd, tableCmd)
	tableCmd.AddCommand(tableCreateCmd)

	migrateCmd.Flags().StringVar(&migrateFrom, "from", store.BackendFile, "source backend (file, table)")
	migrateCmd.Flags().StringVar(&migrateTo, "to", store.BackendTable, "destination backend (file, table)")
	migrateCmd.Flags().DurationVar(&migrateTimeout, "migrate-timeout", 30*time.Minute, "total timeout for the migration")

	tableCreateCmd.Flags().DurationVar(&tableWait, "wait", 5*time.Minute, "how long to wait for the table to become active")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	if migrateFrom == migrateTo {
		return fmt.Errorf("source and destination are both %q", migrateFrom)
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
	defer cancel()

	src, err := cfg.OpenBackend(ctx, migrateFrom, logger)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer func() { _ = src.Close() }()

	dst, err := cfg.OpenBackend(ctx, migrateTo, logger)
	if err != nil {
		return fmt.Errorf("open destination: %w", err)
	}
	defer func() { _ = dst.Close() }()

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  From:     %s\n", src.Name())
	fmt.Fprintf(os.Stderr, "  To:       %s\n", dst.Name())
	fmt.Fprintf(os.Stderr, "  Workers:  %d\n", cfg.Migrate.Workers)
	fmt.Fprintf(os.Stderr, "  Rate:     %.1f writes/s\n", cfg.Migrate.Rate)
	fmt.Fprintf(os.Stderr, "\n")

	m := worker.NewMigrator(src, dst, cfg.Migrate.Workers, cfg.Migrate.Rate, cfg.Migrate.Burst, logger)
	report, err := m.Run(ctx)
	if err != nil {
		return err
	}

	for _, res := range report.Results {
		fmt.Fprintf(os.Stderr, "✗ %s (%s): %v\n", res.ID, res.URL, res.Error)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "  Total:     %d\n", report.Total)
	fmt.Fprintf(cmd.OutOrStdout(), "  Copied:    %d\n", report.Copied)
	fmt.Fprintf(cmd.OutOrStdout(), "  Failures:  %d\n", report.Failed())

	if report.Failed() > 0 {
		return fmt.Errorf("%d of %d summaries were not copied", report.Failed(), report.Total)
	}
	return nil
}
