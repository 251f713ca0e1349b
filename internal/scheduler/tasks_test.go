package scheduler

import (
	"context"
	"testing"
	"time"
)

func TestRegisterAll(t *testing.T) {
	s := New(nil)
	registry := &TaskRegistry{
		RefreshStats:   func(context.Context) error { return nil },
		RediscoverWAN:  func(context.Context) error { return nil },
		RunRetention:   func(context.Context) error { return nil },
		FetchBlacklist: func(context.Context) error { return nil },
	}

	if err := RegisterAll(s, registry); err != nil {
		t.Fatalf("RegisterAll failed: %v", err)
	}

	for _, id := range []string{"stats-refresh", "wan-rediscovery", "retention-cleanup", "blacklist-refresh"} {
		if _, ok := s.GetTaskStatus(id); !ok {
			t.Errorf("task %s not registered", id)
		}
	}

	// Double registration must fail, not silently replace.
	if err := RegisterAll(s, registry); err == nil {
		t.Error("expected error registering tasks twice")
	}
}

func TestRetentionTaskSchedule(t *testing.T) {
	task := NewRetentionTask(&TaskRegistry{})

	after := time.Date(2025, 2, 8, 12, 0, 0, 0, time.UTC)
	next := task.Schedule.Next(after)
	want := time.Date(2025, 2, 9, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("retention next run = %v, want %v", next, want)
	}
	if task.RunOnStart {
		t.Error("retention should not run at startup")
	}
}

func TestBlacklistTaskStartup(t *testing.T) {
	task := NewBlacklistRefreshTask(&TaskRegistry{})
	if !task.RunOnStart {
		t.Error("blacklist refresh should run after startup")
	}
	if task.StartDelay != 30*time.Second {
		t.Errorf("blacklist startup delay = %v, want 30s", task.StartDelay)
	}
}

func TestUnconfiguredTaskFails(t *testing.T) {
	task := NewStatsRefreshTask(&TaskRegistry{}, 15*time.Minute)
	if err := task.Func(context.Background()); err == nil {
		t.Error("expected error from unconfigured stats task")
	}
}

func TestConfiguredTaskRuns(t *testing.T) {
	ran := false
	registry := &TaskRegistry{
		RefreshStats: func(context.Context) error {
			ran = true
			return nil
		},
	}
	task := NewStatsRefreshTask(registry, 15*time.Minute)
	if err := task.Func(context.Background()); err != nil {
		t.Fatalf("task failed: %v", err)
	}
	if !ran {
		t.Error("stats callback did not run")
	}
}
