package backup

import (
	"context"
)

// StatsCollector reports storage usage from the cached backup sizes
type StatsCollector struct {
	db Database
}

// NewStatsCollector creates a new stats collector
func NewStatsCollector(db Database) *StatsCollector {
	return &StatsCollector{db: db}
}

// TargetSize sums the stored size of every backup of a target, recycled ones included
func (sc *StatsCollector) TargetSize(ctx context.Context, targetID string) (int64, error) {
	backups, err := sc.db.ListBackupsForTarget(ctx, targetID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, b := range backups {
		total += b.Filesize
	}
	return total, nil
}

// Collect gathers counts and sizes across all targets
func (sc *StatsCollector) Collect(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	targets, err := sc.db.ListTargets(ctx)
	if err != nil {
		return nil, err
	}
	stats.Targets = len(targets)

	for _, t := range targets {
		size, err := sc.TargetSize(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		stats.TotalTargetSize += size
	}

	if stats.Backups, err = sc.db.CountBackups(ctx); err != nil {
		return nil, err
	}

	recycled, err := sc.db.ListRecycledBackups(ctx)
	if err != nil {
		return nil, err
	}
	stats.RecycledBackups = len(recycled)
	for _, b := range recycled {
		stats.TotalRecycleBinSize += b.Filesize
	}

	return stats, nil
}
