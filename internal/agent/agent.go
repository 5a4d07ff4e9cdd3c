// Package agent composes the background workers of the updater: the device
// scan loop, the preflight process monitor, the notification consumer and
// the update sessions started through the local API.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mixerkit/goxlr-updater/internal/device"
	"github.com/mixerkit/goxlr-updater/internal/download"
	"github.com/mixerkit/goxlr-updater/internal/events"
	"github.com/mixerkit/goxlr-updater/internal/firmware"
	"github.com/mixerkit/goxlr-updater/internal/pkg/metrics"
	"github.com/mixerkit/goxlr-updater/internal/preflight"
	"github.com/mixerkit/goxlr-updater/internal/update"
	"github.com/mixerkit/goxlr-updater/pkg/log"
	"github.com/mixerkit/goxlr-updater/pkg/options"
	"github.com/mixerkit/goxlr-updater/pkg/version"
)

var (
	// ErrUnknownDevice reports a serial that was not in the last scan.
	ErrUnknownDevice = errors.New("no connected device with that serial")

	// ErrUpdateInProgress reports that another session already runs.
	ErrUpdateInProgress = errors.New("an update is already in progress")

	// ErrConflictingApps reports that official GoXLR software still holds
	// the device.
	ErrConflictingApps = errors.New("conflicting GoXLR applications are running")

	// ErrFamilyMismatch reports an image built for the other device family.
	ErrFamilyMismatch = errors.New("firmware image does not match the device family")

	// ErrNotAnUpgrade reports a downgrade or reinstall that was not forced.
	ErrNotAnUpgrade = errors.New("target firmware is not newer than the installed version")
)

// Change classifies a candidate firmware version against the installed one.
type Change string

const (
	ChangeUpgrade   Change = "upgrade"
	ChangeReinstall Change = "reinstall"
	ChangeDowngrade Change = "downgrade"
)

func classify(target, current version.Number) Change {
	switch {
	case target.Equal(current):
		return ChangeReinstall
	case target.NewerOrEqual(current):
		return ChangeUpgrade
	default:
		return ChangeDowngrade
	}
}

// UpdateRequest asks for an update of one connected device.
type UpdateRequest struct {
	// Serial selects the device from the last scan.
	Serial string `json:"serial"`

	// File is a local image path. Empty means fetch the catalog image for
	// the device's family first.
	File string `json:"file,omitempty"`

	// Force allows downgrades and reinstalls.
	Force bool `json:"force,omitempty"`
}

// Status is the externally visible snapshot of the updater, rebuilt from the
// notification stream.
type Status struct {
	Running         bool                   `json:"running"`
	Stage           string                 `json:"stage,omitempty"`
	Percent         uint8                  `json:"percent"`
	DownloadPercent uint8                  `json:"downloadPercent"`
	Message         string                 `json:"message,omitempty"`
	Complete        bool                   `json:"complete"`
	Error           bool                   `json:"error"`
	Preflight       events.PreflightStatus `json:"preflight"`
}

// preflightChecker is the slice of the preflight monitor the agent needs.
type preflightChecker interface {
	Check(ctx context.Context) (events.PreflightStatus, error)
}

// Agent owns the device registry, the notification bus and the downloader,
// and runs the long-lived workers.
type Agent struct {
	updateOpts *options.UpdateOptions

	bus        *events.Bus
	registry   *device.Registry
	scanner    *device.Scanner
	downloader *download.Downloader
	monitor    preflightChecker
	logger     log.Logger

	mu      sync.Mutex
	runCtx  context.Context
	devices []device.Identity
	status  Status
}

// New creates an agent over the given USB transport.
func New(transport device.Transport, catalogOpts *options.CatalogOptions, updateOpts *options.UpdateOptions) *Agent {
	bus := events.NewBus(0)
	registry := device.NewRegistry(transport)

	return &Agent{
		updateOpts: updateOpts,
		bus:        bus,
		registry:   registry,
		scanner:    device.NewScanner(registry, bus),
		downloader: download.NewDownloader(catalogOpts, bus),
		monitor:    preflight.NewMonitor(bus),
		logger:     log.WithName("agent"),
	}
}

// Run starts the scan loop, the preflight publisher and the notification
// consumer, and blocks until ctx is canceled or a worker fails.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	a.runCtx = ctx
	a.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.scanLoop(ctx) })
	g.Go(func() error { return a.preflightLoop(ctx) })
	g.Go(func() error { return a.consumeLoop(ctx) })
	return g.Wait()
}

// Devices returns the selectable set from the last scan.
func (a *Agent) Devices() []device.Identity {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]device.Identity, len(a.devices))
	copy(out, a.devices)
	return out
}

// UpdateStatus returns the current status snapshot.
func (a *Agent) UpdateStatus() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// StartDownload fetches the catalog image for the device with the given
// serial and returns the local path. It blocks for the whole transfer.
func (a *Agent) StartDownload(ctx context.Context, serial string) (string, error) {
	identity, err := a.findDevice(serial)
	if err != nil {
		return "", err
	}
	return a.downloader.Fetch(ctx, identity.Family)
}

// StartUpdate resolves the image, applies the gating checks and launches an
// update session in the background. It returns once the session is accepted.
func (a *Agent) StartUpdate(ctx context.Context, req UpdateRequest) error {
	a.mu.Lock()
	if a.status.Running {
		a.mu.Unlock()
		return ErrUpdateInProgress
	}
	identity, ok := a.lookupDeviceLocked(req.Serial)
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownDevice, req.Serial)
	}

	runCtx := a.runCtx
	if runCtx == nil {
		runCtx = context.Background()
	}

	// Claim the session slot before the slow work so a second request is
	// rejected immediately.
	a.status = Status{Running: true, Preflight: a.status.Preflight}
	a.mu.Unlock()

	release := func() {
		a.mu.Lock()
		a.status.Running = false
		a.mu.Unlock()
	}

	pf, err := a.monitor.Check(ctx)
	if err != nil {
		release()
		return fmt.Errorf("preflight check: %w", err)
	}
	if !pf.Clear() {
		release()
		return ErrConflictingApps
	}

	img, err := a.resolveImage(ctx, identity, req.File)
	if err != nil {
		release()
		return err
	}

	if img.Family != identity.Family {
		release()
		return fmt.Errorf("%w: image is %s, device is %s",
			ErrFamilyMismatch, img.Family, identity.Family)
	}

	if change := classify(img.Version, identity.Version); change != ChangeUpgrade && !req.Force {
		release()
		return fmt.Errorf("%w: %s from %s to %s (use force to proceed)",
			ErrNotAnUpgrade, change, identity.Version, img.Version)
	}

	handle, err := a.registry.LookupOrOpen(identity.Key)
	if err != nil {
		release()
		return err
	}

	session := update.NewSession(handle, img, a.bus,
		update.WithPollInterval(a.updateOpts.PollInterval),
		update.WithStageTimeout(a.updateOpts.StageTimeout))

	go func() {
		defer release()
		if err := session.Run(runCtx); err != nil {
			a.logger.Error(err, "Update session failed",
				"serial", identity.Serial, "version", img.Version.String())
		}
	}()
	return nil
}

func (a *Agent) resolveImage(ctx context.Context, identity device.Identity, file string) (*firmware.Image, error) {
	if file == "" {
		path, err := a.downloader.Fetch(ctx, identity.Family)
		if err != nil {
			return nil, err
		}
		file = path
	}
	return firmware.Load(file)
}

func (a *Agent) findDevice(serial string) (device.Identity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	identity, ok := a.lookupDeviceLocked(serial)
	if !ok {
		return device.Identity{}, fmt.Errorf("%w: %q", ErrUnknownDevice, serial)
	}
	return identity, nil
}

func (a *Agent) lookupDeviceLocked(serial string) (device.Identity, bool) {
	for _, id := range a.devices {
		if id.Serial == serial {
			return id, true
		}
	}
	return device.Identity{}, false
}

// scanLoop rebuilds the device list on the configured interval. Individual
// scan failures are logged and retried, not fatal.
func (a *Agent) scanLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.updateOpts.ScanInterval)
	defer ticker.Stop()

	for {
		identities, err := a.scanner.Scan(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Warn("Device scan failed", "error", err)
		} else {
			a.mu.Lock()
			a.devices = identities
			a.mu.Unlock()
			metrics.ConnectedDevices.Set(float64(len(identities)))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// preflightLoop publishes the conflicting-process status once per second so
// the API always reports a fresh value.
func (a *Agent) preflightLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		status, err := a.monitor.Check(ctx)
		if err != nil {
			a.logger.Warn("Preflight check failed", "error", err)
		} else {
			a.bus.Publish(events.Preflight(status))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// consumeLoop is the single observer of the notification bus. It mirrors
// notifications into the status snapshot and logs the interesting ones.
func (a *Agent) consumeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-a.bus.Notifications():
			a.observe(n)
		}
	}
}

func (a *Agent) observe(n events.Notification) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch n.Type {
	case events.TypeDeviceList:
		a.logger.Debug("Device list updated", "devices", len(n.Devices))
	case events.TypeDownloadPercent:
		a.status.DownloadPercent = n.Percent
	case events.TypeUpdateStage:
		a.logger.Info("Update stage", "stage", n.Stage)
		a.status.Stage = n.Stage
		a.status.Percent = 0
	case events.TypeUpdatePercent:
		a.status.Percent = n.Percent
	case events.TypeUpdateMessage:
		a.logger.Info("Update message", "message", n.Message)
		a.status.Message = n.Message
	case events.TypeUpdateComplete:
		a.status.Complete = n.Complete
	case events.TypeUpdateError:
		a.status.Error = n.Error
	case events.TypePreflight:
		a.status.Preflight = n.Preflight
	}
}
