package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/ppiankov/policycache/internal/model"
	"github.com/spf13/cobra"
)

var (
	putShort    string
	putFull     string
	putFullFile string
	putTypes    []string
	recentLimit int
	deleteByURL bool
	pruneDays   int
)

// getCmd represents the get command
var getCmd = &cobra.Command{
	Use:   "get <url>",
	Short: "Look up the cached summary for a URL",
	Long: `Get applies the configured expiry (cache.expiry_days) exactly like the
summarization service does: an expired summary is reported as a miss.

Example:
  policycache get https://www.example.com/privacy/
  policycache get example.com/tos --backend table`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		c, _, err := openCache(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		rec, ok, err := c.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no fresh summary cached for %s", args[0])
		}
		return writeJSON(cmd.OutOrStdout(), rec)
	},
}

// showCmd represents the show command
var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a cached summary by id, ignoring expiry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		c, _, err := openCache(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		rec, ok, err := c.GetByID(ctx, args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no summary with id %s", args[0])
		}
		return writeJSON(cmd.OutOrStdout(), rec)
	},
}

// putCmd represents the put command
var putCmd = &cobra.Command{
	Use:   "put <url>",
	Short: "Store summaries for a URL (insert or update)",
	Long: `Put stores a summary the same way the summarization service does. An
existing entry for the same normalized URL keeps its id.

Example:
  policycache put example.com/tos --short "Short text" --full-file full.md --type terms`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		full := putFull
		if putFullFile != "" {
			data, err := os.ReadFile(putFullFile)
			if err != nil {
				return fmt.Errorf("read full summary: %w", err)
			}
			full = string(data)
		}

		ctx, cancel := commandContext()
		defer cancel()

		c, _, err := openCache(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		id, err := c.Put(ctx, model.Entry{
			URL:          args[0],
			ShortSummary: putShort,
			FullSummary:  full,
			PolicyTypes:  putTypes,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

// recentCmd represents the recent command
var recentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List the most recently written summaries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		c, _, err := openCache(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		records, err := c.Recent(ctx, recentLimit)
		if err != nil {
			return err
		}
		return writeRecordTable(cmd.OutOrStdout(), records)
	},
}

// deleteCmd represents the delete command
var deleteCmd = &cobra.Command{
	Use:   "delete <id|url>",
	Short: "Delete a cached summary by id (or by URL with --url)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		c, _, err := openCache(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		var removed bool
		if deleteByURL {
			removed, err = c.DeleteByURL(ctx, args[0])
		} else {
			removed, err = c.Delete(ctx, args[0])
		}
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("nothing cached for %s", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Deleted %s\n", args[0])
		return nil
	},
}

// pruneCmd represents the prune command
var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete summaries older than --days",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		c, _, err := openCache(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		n, err := c.ClearOld(ctx, pruneDays)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Removed %d summaries older than %d days\n", n, pruneDays)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(getCmd, showCmd, putCmd, recentCmd, deleteCmd, pruneCmd)

	putCmd.Flags().StringVar(&putShort, "short", "", "short summary text")
	putCmd.Flags().StringVar(&putFull, "full", "", "full summary text")
	putCmd.Flags().StringVar(&putFullFile, "full-file", "", "read the full summary from a file")
	putCmd.Flags().StringSliceVar(&putTypes, "type", nil, "policy type (repeatable), e.g. privacy, terms")

	recentCmd.Flags().IntVar(&recentLimit, "limit", 10, "maximum number of summaries to list")

	deleteCmd.Flags().BoolVar(&deleteByURL, "url", false, "treat the argument as a URL")

	pruneCmd.Flags().IntVar(&pruneDays, "days", 30, "delete summaries last written more than this many days ago")
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func writeRecordTable(w io.Writer, records []model.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUPDATED\tTYPES\tURL")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%v\t%s\n", r.ID, r.UpdatedAt, r.PolicyTypes, r.URL)
	}
	return tw.Flush()
}
