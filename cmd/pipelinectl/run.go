package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"strategy-pipeline/internal/notify"
	"strategy-pipeline/internal/pipeline"
	"strategy-pipeline/internal/queue"
)

var runCmd = &cobra.Command{
	Use:   "run <job_id>",
	Short: "Run one strategy job in-process",
	Long:  "Claims the job and drives it through every stage in this process, bypassing the queue. Terminal transitions are published on the configured notifier.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		client := queue.NewRedisClient(cfg)
		defer client.Close()
		notifier, err := notify.FromConfig(cfg.Notifier, client, st.Pool())
		if err != nil {
			return err
		}
		o, err := pipeline.FromConfig(ctx, cfg, st, notifier)
		if err != nil {
			return err
		}
		defer o.Close()
		job, err := o.Run(ctx, args[0])
		if err != nil {
			return fmt.Errorf("run %s: %w", args[0], err)
		}
		return printJSON(cmd.OutOrStdout(), job)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
