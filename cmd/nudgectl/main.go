// Command nudgectl runs the intervention engine offline against a transaction
// file: replay a spending history day by day, run the detectors once, fit
// seasonal factors, or print the effective thresholds.
//
// Usage:
//
//	nudgectl replay txs.json --moment REPEAT_PURCHASE --respond viewed
//	nudgectl detect txs.json --at 2026-03-10T09:00:00Z
//	nudgectl calibrate txs.json
//	nudgectl thresholds --thresholds thresholds.yaml
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/mbd888/nudge/internal/behavior"
	"github.com/mbd888/nudge/internal/logging"
)

// Build info - set by ldflags
var Version = "dev"

// rootOptions are the flags every subcommand shares.
type rootOptions struct {
	thresholds string
	logLevel   string
}

func (o *rootOptions) engineConfig() (behavior.Config, error) {
	if o.thresholds == "" {
		return behavior.DefaultConfig(), nil
	}
	return behavior.LoadConfigFile(o.thresholds)
}

func (o *rootOptions) logger(w io.Writer) *slog.Logger {
	return logging.NewWithWriter(w, o.logLevel, "text")
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "nudgectl",
		Short:         "Run the behavioral intervention engine offline",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.thresholds, "thresholds", "", "YAML file overlaid on the default thresholds")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "engine log level (debug, info, warn, error)")

	root.AddCommand(
		newReplayCmd(opts),
		newDetectCmd(opts),
		newCalibrateCmd(opts),
		newThresholdsCmd(opts),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadTransactions reads a JSON array of transactions, or an object with a
// "transactions" array, sorted by time.
func loadTransactions(path string) ([]behavior.Transaction, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied input file
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var txs []behavior.Transaction
	if err := json.Unmarshal(data, &txs); err != nil {
		var wrapped struct {
			Transactions []behavior.Transaction `json:"transactions"`
		}
		if err2 := json.Unmarshal(data, &wrapped); err2 != nil || wrapped.Transactions == nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		txs = wrapped.Transactions
	}
	if len(txs) == 0 {
		return nil, fmt.Errorf("%s contains no transactions", path)
	}
	for i, tx := range txs {
		if tx.OccurredAt.IsZero() {
			return nil, fmt.Errorf("transaction %d: occurredAt is required", i)
		}
	}

	sort.SliceStable(txs, func(i, j int) bool { return txs[i].OccurredAt.Before(txs[j].OccurredAt) })
	return txs, nil
}
