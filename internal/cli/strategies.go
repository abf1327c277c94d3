package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andywolf/walletguard/internal/config"
	"github.com/andywolf/walletguard/internal/llm"
	"github.com/andywolf/walletguard/internal/storage"
	"github.com/spf13/cobra"
)

var strategiesCmd = &cobra.Command{
	Use:   "strategies",
	Short: "List stored security strategies",
	Long: `List the strategies stored by previous cycles, newest first.

Examples:
  walletguard strategies
  walletguard strategies --limit 3 --json`,
	RunE: listStrategies,
}

func init() {
	rootCmd.AddCommand(strategiesCmd)

	strategiesCmd.Flags().Int("limit", 10, "Maximum number of strategies to show (0 for all)")
	strategiesCmd.Flags().Bool("json", false, "Print full records as JSON")
}

func listStrategies(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if _, err := os.Stat(cfg.Storage.SQLitePath); err != nil {
		return fmt.Errorf("no database at %s: %w", cfg.Storage.SQLitePath, err)
	}
	store, err := storage.Open(ctx, cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = store.Close() }()

	records, err := store.FetchAllStrategies(ctx, cfg.AgentID())
	if err != nil {
		return err
	}

	limit, _ := cmd.Flags().GetInt("limit")
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}

	asJSON, _ := cmd.Flags().GetBool("json")
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	printStrategies(cmd.OutOrStdout(), records)
	return nil
}

func printStrategies(w io.Writer, records []storage.StrategyRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No strategies stored yet.")
		return
	}

	fmt.Fprintf(w, "%-36s  %-8s  %-20s  %s\n", "ID", "OUTCOME", "CREATED", "SUMMARY")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for _, r := range records {
		summary := strings.Join(strings.Fields(r.SummarizedDesc), " ")
		fmt.Fprintf(w, "%-36s  %-8s  %-20s  %s\n",
			r.ID, r.Outcome, r.CreatedAt.Format("2006-01-02 15:04:05"), llm.Truncate(summary, 60))
	}
}
