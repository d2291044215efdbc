package pipeline

import (
	"context"
	"fmt"

	"strategy-pipeline/internal/archive"
	"strategy-pipeline/internal/config"
	"strategy-pipeline/internal/notify"
	"strategy-pipeline/internal/ranking"
	"strategy-pipeline/internal/stage"
)

// FromConfig assembles an orchestrator with the configured stage back ends,
// a haversine ranker and the archive target, if any. Close the orchestrator
// to release the back ends.
func FromConfig(ctx context.Context, cfg config.Config, st Store, pub notify.Publisher) (*Orchestrator, error) {
	clients, err := stage.NewClients(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("stage clients: %w", err)
	}
	thresholds := ranking.Thresholds{GradeAMin: cfg.GradeAMin, GradeBMin: cfg.GradeBMin, MinEarnings: cfg.MinEarnings}
	ranker := ranking.NewRanker(ranking.NewHaversineResolver(cfg.AvgSpeedMPH), thresholds, cfg.DefaultEarnings)

	o, err := New(st, clients, ranker, pub, OptionsFromConfig(cfg))
	if err != nil {
		_ = stage.CloseClients(clients)
		return nil, err
	}
	arch, err := archive.New(ctx, cfg)
	if err != nil {
		_ = o.Close()
		return nil, fmt.Errorf("archive: %w", err)
	}
	if arch != nil {
		o.SetArchiver(arch)
	}
	return o, nil
}
