package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"strategy-pipeline/internal/models"
	"strategy-pipeline/internal/queue"
)

var enqueueFresh bool

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <snapshot_id>",
	Short: "Ensure a strategy job exists for a snapshot and queue it",
	Long:  "Ensures a strategy job for the snapshot and pushes it onto the trigger queue. With --fresh a new job is created even when one exists.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if _, err := st.GetSnapshot(ctx, args[0]); err != nil {
			return err
		}
		var job models.Job
		if enqueueFresh {
			job, _, err = st.CreateJob(ctx, args[0], models.KindStrategy)
		} else {
			job, _, err = st.EnsureJob(ctx, args[0], models.KindStrategy)
		}
		if err != nil {
			return err
		}
		if job.Terminal() {
			return printJSON(cmd.OutOrStdout(), job)
		}

		client := queue.NewRedisClient(cfg)
		defer client.Close()
		pushed, err := queue.NewRedisQueue(client, cfg.VisibilityTimeout).Enqueue(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", job.ID, err)
		}
		if !pushed {
			fmt.Fprintf(cmd.ErrOrStderr(), "job %s already queued\n", job.ID)
		}
		return printJSON(cmd.OutOrStdout(), job)
	},
}

func init() {
	enqueueCmd.Flags().BoolVar(&enqueueFresh, "fresh", false, "Create a new job instead of reusing the latest one")
	rootCmd.AddCommand(enqueueCmd)
}
