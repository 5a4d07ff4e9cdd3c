// Package preflight checks for host applications that hold the device open.
// An update must not start while the official control app or the daemon is
// running, since they would race the updater on the USB handle.
package preflight

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/mixerkit/goxlr-updater/internal/events"
	"github.com/mixerkit/goxlr-updater/pkg/log"
)

// Process names that conflict with an update session.
const (
	appProcess     = "GoXLR App.exe"
	betaAppProcess = "GoXLR Beta App.exe"
	daemonProcess  = "goxlr-daemon"
	daemonExe      = "goxlr-daemon.exe"
)

const defaultInterval = time.Second

// Monitor watches the host process table for conflicting applications.
type Monitor struct {
	bus      events.Publisher
	logger   log.Logger
	interval time.Duration

	// snapshot is swapped out in tests.
	snapshot func(ctx context.Context) (events.PreflightStatus, error)
}

// NewMonitor creates a monitor publishing status on bus.
func NewMonitor(bus events.Publisher) *Monitor {
	return &Monitor{
		bus:      bus,
		logger:   log.WithName("preflight"),
		interval: defaultInterval,
		snapshot: scanProcesses,
	}
}

// Check takes one snapshot of the conflicting-process status.
func (m *Monitor) Check(ctx context.Context) (events.PreflightStatus, error) {
	return m.snapshot(ctx)
}

// Wait polls the process table until no conflicting application remains,
// publishing each snapshot. It returns nil once the table is clear.
func (m *Monitor) Wait(ctx context.Context) error {
	for {
		status, err := m.snapshot(ctx)
		if err != nil {
			return err
		}
		m.bus.Publish(events.Preflight(status))

		if status.Clear() {
			return nil
		}
		m.logger.Info("Waiting for conflicting applications to exit",
			"app", status.App, "betaApp", status.BetaApp, "daemon", status.Daemon)

		t := time.NewTimer(m.interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func scanProcesses(ctx context.Context) (events.PreflightStatus, error) {
	var status events.PreflightStatus

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return status, err
	}

	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			// The process may have exited between listing and lookup.
			continue
		}
		switch name {
		case appProcess:
			status.App = true
		case betaAppProcess:
			status.BetaApp = true
		case daemonProcess, daemonExe:
			status.Daemon = true
		}
	}
	return status, nil
}
