package container

import (
	"context"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
)

const reaperInterval = 5 * time.Minute

// StartReaper runs a background goroutine that periodically removes runner
// containers older than maxAge. Runs normally remove their own container; the
// reaper catches the ones left behind by a crash or a cancelled request.
func StartReaper(ctx context.Context, r *DockerRunner, maxAge time.Duration) {
	ticker := time.NewTicker(reaperInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Runner reaper started", "interval", reaperInterval, "max_age", maxAge)

		for {
			select {
			case <-ticker.C:
				r.reapStale(ctx, maxAge, time.Now())
			case <-ctx.Done():
				slog.Info("Runner reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// reapStale removes labelled runner containers created before now-maxAge.
// It returns the number of containers removed.
func (r *DockerRunner) reapStale(ctx context.Context, maxAge time.Duration, now time.Time) int {
	list, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", RunnerLabel+"=true")),
	})
	if err != nil {
		slog.Error("Runner reaper failed to list containers", "error", err)
		return 0
	}

	cutoff := now.Add(-maxAge).Unix()
	removed := 0
	for _, c := range list {
		if c.Created >= cutoff {
			continue
		}
		slog.Info("Runner reaper removing stale container", "container_id", c.ID, "state", c.State)
		r.remove(ctx, c.ID)
		removed++
	}

	if removed > 0 {
		slog.Info("Runner reaper cleanup completed", "removed", removed)
	}
	return removed
}
