package device

import (
	"context"
	"fmt"

	"github.com/mixerkit/goxlr-updater/internal/events"
	"github.com/mixerkit/goxlr-updater/internal/firmware"
	"github.com/mixerkit/goxlr-updater/pkg/log"
)

// Scanner rebuilds the selectable device list from the transport, reusing
// registry handles, and reports the result on the event bus.
type Scanner struct {
	registry *Registry
	bus      events.Publisher
	logger   log.Logger
}

// NewScanner creates a scanner over the given registry.
func NewScanner(registry *Registry, bus events.Publisher) *Scanner {
	return &Scanner{
		registry: registry,
		bus:      bus,
		logger:   log.WithName("scanner"),
	}
}

// Scan enumerates attached devices and returns the selectable set: devices
// with a known family, a non-empty serial and a readable firmware version.
// Devices failing any query are skipped, not fatal. The resulting list is
// published as a device-list notification.
func (s *Scanner) Scan(ctx context.Context) ([]Identity, error) {
	keys, err := s.registry.transport.List()
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}

	identities := make([]Identity, 0, len(keys))
	for _, key := range keys {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		identity, ok := s.probe(key)
		if !ok {
			continue
		}
		identities = append(identities, identity)
	}

	s.publish(identities)
	return identities, nil
}

// probe queries one device through its cached handle. A handle busy with an
// update session blocks the probe until the session releases it; the scan
// path never interleaves with an update on the same handle.
func (s *Scanner) probe(key ConnectionKey) (Identity, bool) {
	h, err := s.registry.LookupOrOpen(key)
	if err != nil {
		s.logger.Warn("Skipping device: open failed", "key", key.String(), "error", err)
		return Identity{}, false
	}

	h.Lock()
	defer h.Unlock()
	dev := h.Device()

	family, err := dev.Family()
	if err != nil {
		s.logger.Warn("Skipping device: descriptor read failed", "key", key.String(), "error", err)
		return Identity{}, false
	}
	if family == firmware.FamilyUnknown {
		return Identity{}, false
	}

	serial, err := dev.SerialNumber()
	if err != nil || serial == "" {
		s.logger.Warn("Skipping device without serial", "key", key.String())
		return Identity{}, false
	}

	ver, err := dev.FirmwareVersion()
	if err != nil {
		s.logger.Warn("Skipping device: firmware version query failed", "key", key.String(), "error", err)
		return Identity{}, false
	}

	return Identity{
		Family:  family,
		Serial:  serial,
		Version: ver,
		Key:     key,
	}, true
}

func (s *Scanner) publish(identities []Identity) {
	summaries := make([]events.DeviceSummary, 0, len(identities))
	for _, id := range identities {
		summaries = append(summaries, events.DeviceSummary{
			Family:  id.Family.String(),
			Serial:  id.Serial,
			Version: id.Version,
		})
	}
	s.bus.Publish(events.DeviceList(summaries))
}
