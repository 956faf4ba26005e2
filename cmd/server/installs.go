package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/ledger"
)

var installsLimit int

var installsCmd = &cobra.Command{
	Use:   "installs",
	Short: "Show recent dependency install attempts from the ledger",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.New()
		if err != nil {
			return err
		}
		if cfg.Dependencies.LedgerPath == "" {
			return fmt.Errorf("dependencies.ledger_path is not configured")
		}

		store, err := openLedger(cfg.Dependencies.LedgerPath)
		if err != nil {
			return err
		}
		defer store.Close()

		entries, err := store.List(cmd.Context(), installsLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No install attempts recorded.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "WHEN\tMODULE\tPACKAGE\tSIZE\tOUTCOME\tERROR")
		for _, e := range entries {
			size := "-"
			if e.SizeBytes > 0 {
				size = humanize.Bytes(uint64(e.SizeBytes))
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				humanize.RelTime(e.CreatedAt, time.Now(), "ago", "from now"),
				e.Module, e.Package, size, e.Outcome, e.Error)
		}
		return w.Flush()
	},
}

func init() {
	installsCmd.Flags().IntVarP(&installsLimit, "limit", "n", 20, "number of entries to show")
	rootCmd.AddCommand(installsCmd)
}

func openLedger(path string) (*ledger.Store, error) {
	store, err := ledger.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening install ledger: %w", err)
	}
	return store, nil
}
