package main

import (
	"github.com/spf13/cobra"

	"strategy-pipeline/internal/dedup"
)

var dedupCmd = &cobra.Command{
	Use:   "dedup",
	Short: "Remove duplicate catalog rows",
}

var dedupEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Delete duplicate events, keeping the most informative row per group",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		report, err := (&dedup.EventCleaner{Store: st}).Run(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), report)
	},
}

var dedupVenuesCmd = &cobra.Command{
	Use:   "venues",
	Short: "Merge duplicate venues and repoint their dependents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		report, err := (&dedup.VenueCleaner{Store: st}).Run(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), report)
	},
}

func init() {
	dedupCmd.AddCommand(dedupEventsCmd, dedupVenuesCmd)
	rootCmd.AddCommand(dedupCmd)
}
