// Package procstats samples resource usage of session shells.
package procstats

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashureev/termshare/internal/domain"
	"github.com/shirou/gopsutil/v3/process"
)

// ErrNoProcess is returned for sessions without a local process.
var ErrNoProcess = errors.New("no local process")

// Inspect samples the process pid and, summed in, its descendants: a
// shell's cost is mostly whatever it is running.
func Inspect(ctx context.Context, pid int) (*domain.ProcessStats, error) {
	if pid <= 0 {
		return nil, ErrNoProcess
	}

	root, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, fmt.Errorf("inspect pid %d: %w", pid, err)
	}

	stats := &domain.ProcessStats{PID: pid}
	if name, err := root.NameWithContext(ctx); err == nil {
		stats.Command = name
	}

	for _, p := range append([]*process.Process{root}, descendants(ctx, root)...) {
		if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
			stats.CPUPercent += cpu
		}
		if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
			stats.RSSBytes += mem.RSS
		}
		if n, err := p.NumThreadsWithContext(ctx); err == nil {
			stats.Threads += n
		}
	}
	return stats, nil
}

func descendants(ctx context.Context, p *process.Process) []*process.Process {
	children, err := p.ChildrenWithContext(ctx)
	if err != nil {
		return nil
	}
	out := children
	for _, c := range children {
		out = append(out, descendants(ctx, c)...)
	}
	return out
}
