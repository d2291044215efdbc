// Command pipelinectl runs administrative tasks against the strategy store and queue.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"strategy-pipeline/internal/config"
	"strategy-pipeline/internal/logging"
	"strategy-pipeline/internal/store"
)

var cfg config.Config

var rootCmd = &cobra.Command{
	Use:           "pipelinectl",
	Short:         "Administer the strategy pipeline",
	Long:          "pipelinectl applies migrations, enqueues strategy jobs, cleans duplicate catalog rows and runs single jobs in-process.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		_, flush := logging.New(cfg.Env, cfg.LogLevel)
		cobra.OnFinalize(flush)
	},
}

func init() {
	cfg = config.Load()
	rootCmd.PersistentFlags().StringVar(&cfg.PostgresDSN, "db-url", cfg.PostgresDSN, "Postgres connection string")
	rootCmd.PersistentFlags().StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address")
	rootCmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context) (*store.Store, error) {
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return st, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
