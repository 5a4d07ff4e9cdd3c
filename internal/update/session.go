// Package update implements the multi-stage firmware update protocol: erase,
// upload, validate, hardware verify, finalize, reboot. A failed stage skips
// the remaining stages but still reboots the device, which rolls back to the
// last-known-good firmware instead of leaving the unit bricked.
package update

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mixerkit/goxlr-updater/internal/device"
	"github.com/mixerkit/goxlr-updater/internal/events"
	"github.com/mixerkit/goxlr-updater/internal/firmware"
	"github.com/mixerkit/goxlr-updater/internal/pkg/metrics"
	"github.com/mixerkit/goxlr-updater/pkg/log"
)

// Protocol constants fixed by the hardware.
const (
	// packetSize is the payload size of one firmware upload packet. The
	// last packet of an image may be shorter.
	packetSize = 1012

	// eraseComplete is the saturated sentinel on the device's native
	// erase-progress scale.
	eraseComplete = 255
)

const defaultPollInterval = 100 * time.Millisecond

// ErrLengthMismatch reports that the device consumed more bytes during
// validation than the image contains. The device call itself succeeded; the
// overrun is treated as fatal anyway.
var ErrLengthMismatch = errors.New("firmware validation length mismatch")

// Option configures a Session.
type Option func(*Session)

// WithPollInterval overrides the delay between device progress queries.
func WithPollInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithStageTimeout bounds each polled stage. The default of zero keeps the
// protocol's poll-forever behavior.
func WithStageTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.stageTimeout = d
		}
	}
}

// Session drives one device through one firmware update run. It owns the
// image for the duration of the run and holds the device handle's lock from
// start to terminal state. A Session is not reused.
type Session struct {
	handle *device.Handle
	image  *firmware.Image
	bus    events.Publisher
	logger log.Logger

	machine      *stageMachine
	pollInterval time.Duration
	stageTimeout time.Duration
	terminalSent bool
}

// NewSession creates a session installing image on the device behind handle.
func NewSession(handle *device.Handle, image *firmware.Image, bus events.Publisher, opts ...Option) *Session {
	logger := log.WithName("update")
	s := &Session{
		handle:       handle,
		image:        image,
		bus:          bus,
		logger:       logger,
		machine:      newStageMachine(logger),
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stage returns the session's current protocol stage.
func (s *Session) Stage() string {
	return s.machine.Current()
}

// Run executes the update to a terminal state. It blocks for the whole run
// and returns the error of the failed stage, if any. Exactly one reboot
// command is issued per session once any stage has started, on the success
// and the failure path alike.
func (s *Session) Run(ctx context.Context) error {
	s.handle.Lock()
	defer s.handle.Unlock()
	dev := s.handle.Device()

	s.logger.Info("Starting firmware update",
		"device", s.handle.Key().String(),
		"family", s.image.Family.String(),
		"version", s.image.Version.String(),
		"bytes", s.image.Size())

	// Update mode must be entered before the first stage. Nothing has been
	// touched on the device yet, so a failure here needs no rollback reboot.
	if err := dev.BeginFirmwareUpload(); err != nil {
		err = fmt.Errorf("failed to put device in update mode: %w", err)
		s.setupError(ctx, err)
		return err
	}

	stages := []struct {
		event string
		name  string
		title string
		run   func(context.Context, device.Device) error
	}{
		{eventErase, StageEraseStorage, "Preparing Update Partition", s.eraseStorage},
		{eventUpload, StageUpload, "Uploading Firmware to Device", s.uploadFirmware},
		{eventValidate, StageValidate, "Verifying File Upload", s.validateUpload},
		{eventVerify, StageHardwareVerify, "Device Firmware Verification", s.hardwareVerify},
		{eventFinalize, StageFinalize, "Writing Firmware", s.finalize},
	}

	for _, st := range stages {
		if err := s.machine.advance(ctx, st.event); err != nil {
			s.failTerminal(ctx, dev, err)
			return err
		}
		s.reportStage(st.title)

		if err := s.runStage(ctx, dev, st.run); err != nil {
			metrics.UpdateStagesTotal.WithLabelValues(st.name, "failed").Inc()
			s.logger.Error(err, "Update stage failed", "stage", st.name)
			s.failTerminal(ctx, dev, err)
			return err
		}
		metrics.UpdateStagesTotal.WithLabelValues(st.name, "success").Inc()
	}

	if err := s.machine.advance(ctx, eventComplete); err != nil {
		s.failTerminal(ctx, dev, err)
		return err
	}

	s.finishComplete()
	s.reboot(dev)
	metrics.UpdatesTotal.WithLabelValues("success").Inc()
	s.logger.Info("Firmware update complete", "device", s.handle.Key().String())
	return nil
}

// runStage executes one stage body, applying the opt-in stage timeout.
func (s *Session) runStage(ctx context.Context, dev device.Device, run func(context.Context, device.Device) error) error {
	if s.stageTimeout > 0 {
		stageCtx, cancel := context.WithTimeout(ctx, s.stageTimeout)
		defer cancel()
		return run(stageCtx, dev)
	}
	return run(ctx, dev)
}

// failTerminal converts a stage failure into the terminal error state:
// machine to Rebooted, terminal notifications, rollback reboot.
func (s *Session) failTerminal(ctx context.Context, dev device.Device, err error) {
	s.machine.fail(ctx)
	s.finishError(err)
	s.reboot(dev)
	metrics.UpdatesTotal.WithLabelValues("error").Inc()
}

// eraseStorage clears the device's non-volatile firmware region, polling
// the native 0..255 progress scale until it saturates.
func (s *Session) eraseStorage(ctx context.Context, dev device.Device) error {
	return s.pollToCompletion(ctx,
		func() error {
			if err := dev.BeginEraseNVR(); err != nil {
				return fmt.Errorf("unable to start storage erase: %w", err)
			}
			return nil
		},
		func() (pollStatus, error) {
			progress, err := dev.PollEraseNVR()
			if err != nil {
				return pollStatus{}, fmt.Errorf("error polling storage erase: %w", err)
			}
			return pollStatus{
				complete: progress == eraseComplete,
				done:     uint64(progress),
				total:    eraseComplete,
			}, nil
		},
		s.newReporter())
}

// uploadFirmware transfers the image in fixed-size packets, each tagged with
// its cumulative byte offset. A single packet failure fails the whole
// upload; there are no retries.
func (s *Session) uploadFirmware(ctx context.Context, dev device.Device) error {
	data := s.image.Bytes()
	total := uint64(len(data))
	rep := s.newReporter()

	var sent uint64
	for offset := 0; offset < len(data); offset += packetSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := offset + packetSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[offset:end]

		if err := dev.SendFirmwarePacket(uint64(offset), chunk); err != nil {
			return fmt.Errorf("error uploading firmware chunk at offset %d: %w", offset, err)
		}

		sent += uint64(len(chunk))
		rep.report(sent, total)
	}
	return nil
}

// validateUpload asks the device to checksum the uploaded image span by
// span. The hash chains from call to call, seeded with zero. The device
// reports how many bytes each call consumed; consuming past the image length
// is fatal even though the call itself succeeded.
func (s *Session) validateUpload(ctx context.Context, dev device.Device) error {
	total := uint32(s.image.Size())
	rep := s.newReporter()

	var processed, hash uint32
	remaining := total
	for remaining > 0 {
		if err := s.wait(ctx); err != nil {
			return err
		}

		nextHash, consumed, err := dev.ValidateFirmwarePacket(processed, hash, remaining)
		if err != nil {
			return fmt.Errorf("error validating firmware packet: %w", err)
		}

		processed += consumed
		if processed > total {
			return fmt.Errorf("%w: device consumed %d of %d bytes", ErrLengthMismatch, processed, total)
		}
		remaining -= consumed
		hash = nextHash

		rep.report(uint64(processed), uint64(total))
	}
	return nil
}

// hardwareVerify runs the on-device verification of the written image.
func (s *Session) hardwareVerify(ctx context.Context, dev device.Device) error {
	return s.pollToCompletion(ctx,
		func() error {
			if err := dev.VerifyFirmwareStatus(); err != nil {
				return fmt.Errorf("unable to start hardware verification: %w", err)
			}
			return nil
		},
		func() (pollStatus, error) {
			complete, total, done, err := dev.PollVerifyFirmwareStatus()
			if err != nil {
				return pollStatus{}, fmt.Errorf("hardware verification failed: %w", err)
			}
			return pollStatus{complete: complete, done: uint64(done), total: uint64(total)}, nil
		},
		s.newReporter())
}

// finalize commits the written image. Identical begin+poll shape to
// hardwareVerify, different device calls.
func (s *Session) finalize(ctx context.Context, dev device.Device) error {
	return s.pollToCompletion(ctx,
		func() error {
			if err := dev.FinaliseFirmwareUpload(); err != nil {
				return fmt.Errorf("unable to start firmware write: %w", err)
			}
			return nil
		},
		func() (pollStatus, error) {
			complete, total, done, err := dev.PollFinaliseFirmwareUpload()
			if err != nil {
				return pollStatus{}, fmt.Errorf("firmware write progress check failed: %w", err)
			}
			return pollStatus{complete: complete, done: uint64(done), total: uint64(total)}, nil
		},
		s.newReporter())
}

// reboot issues the rollback/commit reboot. Best-effort cleanup: its own
// result is not surfaced.
func (s *Session) reboot(dev device.Device) {
	if err := dev.RebootAfterFirmwareUpload(); err != nil {
		s.logger.Debug("Reboot command failed", "error", err)
	}
}

// reportStage announces a stage transition: stage name first, then the
// percentage reset.
func (s *Session) reportStage(title string) {
	s.bus.Publish(events.UpdateStage(title))
	s.bus.Publish(events.UpdatePercent(0))
}

// setupError reports a failure before any stage ran.
func (s *Session) setupError(ctx context.Context, err error) {
	s.machine.fail(ctx)
	s.reportStage("Preparing...")
	s.finishError(err)
	metrics.UpdatesTotal.WithLabelValues("error").Inc()
}

// finishComplete emits the success terminal set. At most one terminal set is
// emitted per session.
func (s *Session) finishComplete() {
	if s.terminalSent {
		return
	}
	s.terminalSent = true

	s.bus.Publish(events.UpdateMessage("Your GoXLR has updated successfully!"))
	s.bus.Publish(events.UpdatePercent(100))
	s.bus.Publish(events.UpdateComplete(true))
}

// finishError emits the failure terminal set.
func (s *Session) finishError(err error) {
	if s.terminalSent {
		return
	}
	s.terminalSent = true

	s.bus.Publish(events.UpdateMessage("Error: " + err.Error()))
	s.bus.Publish(events.UpdateError(true))
	s.bus.Publish(events.UpdateComplete(true))
}

// wait sleeps for one poll interval, honoring cancellation.
func (s *Session) wait(ctx context.Context) error {
	t := time.NewTimer(s.pollInterval)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
