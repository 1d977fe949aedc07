// Package procinfo describes operating system processes for activity reports
// that cannot be built from browser metadata.
package procinfo

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/gaspardpetit/activitybridge/internal/activity"
)

// Provider looks processes up through gopsutil.
type Provider struct{}

// Lookup returns the name of pid and, as its icon, the path of its executable.
// A missing executable path is not an error.
func (Provider) Lookup(ctx context.Context, pid uint32) (activity.Process, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return activity.Process{}, fmt.Errorf("process %d: %w", pid, err)
	}
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return activity.Process{}, fmt.Errorf("process %d name: %w", pid, err)
	}
	out := activity.Process{Name: name, PID: pid}
	if exe, err := p.ExeWithContext(ctx); err == nil && exe != "" {
		out.Icon = exe
		if out.Name == "" {
			out.Name = filepath.Base(exe)
		}
	}
	return out, nil
}

// Fill completes p with whatever the operating system knows, keeping the
// fields the caller already set.
func (pr Provider) Fill(ctx context.Context, p activity.Process) activity.Process {
	if p.Name != "" && p.Icon != "" {
		return p
	}
	found, err := pr.Lookup(ctx, p.PID)
	if err != nil {
		return p
	}
	if p.Name == "" {
		p.Name = found.Name
	}
	if p.Icon == "" {
		p.Icon = found.Icon
	}
	return p
}
