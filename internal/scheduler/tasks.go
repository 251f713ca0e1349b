package scheduler

import (
	"context"
	"fmt"
	"time"
)

// TaskRegistry holds the callbacks the periodic jobs invoke. Each field is
// wired at startup; a nil field makes its task fail loudly rather than
// silently doing nothing.
type TaskRegistry struct {
	// RefreshStats recomputes the cached ingest statistics.
	RefreshStats func(ctx context.Context) error
	// RediscoverWAN re-detects WAN and gateway IPs from recent traffic.
	RediscoverWAN func(ctx context.Context) error
	// RunRetention deletes rows past the retention windows.
	RunRetention func(ctx context.Context) error
	// FetchBlacklist refreshes the bulk reputation feed.
	FetchBlacklist func(ctx context.Context) error
}

func wrap(name string, fn func(ctx context.Context) error) TaskFunc {
	return func(ctx context.Context) error {
		if fn == nil {
			return fmt.Errorf("%s function not configured", name)
		}
		return fn(ctx)
	}
}

// NewStatsRefreshTask keeps the dashboard's ingest counters warm.
func NewStatsRefreshTask(registry *TaskRegistry, interval time.Duration) *Task {
	return &Task{
		ID:          "stats-refresh",
		Name:        "Ingest Statistics",
		Description: "Recompute ingest rate and per-type counters",
		Schedule:    Every(interval),
		Enabled:     true,
		RunOnStart:  true,
		Timeout:     time.Minute,
		Func:        wrap("stats refresh", registry.RefreshStats),
	}
}

// NewWANRediscoveryTask re-learns WAN and gateway addressing from traffic,
// catching ISP address changes between controller polls.
func NewWANRediscoveryTask(registry *TaskRegistry, interval time.Duration) *Task {
	return &Task{
		ID:          "wan-rediscovery",
		Name:        "WAN Rediscovery",
		Description: "Re-detect WAN and gateway IPs from recent logs",
		Schedule:    Every(interval),
		Enabled:     true,
		RunOnStart:  true,
		Timeout:     time.Minute,
		Func:        wrap("WAN rediscovery", registry.RediscoverWAN),
	}
}

// NewRetentionTask prunes old rows nightly, off-peak.
func NewRetentionTask(registry *TaskRegistry) *Task {
	return &Task{
		ID:          "retention-cleanup",
		Name:        "Retention Cleanup",
		Description: "Delete logs past the retention windows",
		Schedule:    Daily(3, 0),
		Enabled:     true,
		RunOnStart:  false,
		Timeout:     10 * time.Minute,
		Func:        wrap("retention", registry.RunRetention),
	}
}

// NewBlacklistRefreshTask pulls the bulk reputation feed daily, with a
// first fetch shortly after startup once the rest of the system is up.
func NewBlacklistRefreshTask(registry *TaskRegistry) *Task {
	return &Task{
		ID:          "blacklist-refresh",
		Name:        "Blacklist Refresh",
		Description: "Refresh the bulk threat feed",
		Schedule:    Every(24 * time.Hour),
		Enabled:     true,
		RunOnStart:  true,
		StartDelay:  30 * time.Second,
		Timeout:     5 * time.Minute,
		Func:        wrap("blacklist refresh", registry.FetchBlacklist),
	}
}

// RegisterAll adds the standard task set to the scheduler.
func RegisterAll(s *Scheduler, registry *TaskRegistry) error {
	tasks := []*Task{
		NewStatsRefreshTask(registry, 15*time.Minute),
		NewWANRediscoveryTask(registry, 15*time.Minute),
		NewRetentionTask(registry),
		NewBlacklistRefreshTask(registry),
	}
	for _, t := range tasks {
		if err := s.AddTask(t); err != nil {
			return err
		}
	}
	return nil
}
