// Package sim provides an in-memory device transport. The real USB driver is
// an external collaborator behind the device capability interface; the
// simulator implements the same protocol surface so the full pipeline can run
// without hardware.
package sim

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mixerkit/goxlr-updater/internal/device"
	"github.com/mixerkit/goxlr-updater/internal/firmware"
	"github.com/mixerkit/goxlr-updater/pkg/version"
)

// progress step sizes per poll, chosen so a small image still takes a few
// polls to move through each stage.
const (
	eraseStep  = 64
	verifyDiv  = 4
	chunkLimit = 4096
)

// Device is one simulated GoXLR. It tracks enough protocol state to satisfy
// an update session end to end, including the chained validation hash and
// the staged progress counters.
type Device struct {
	mu sync.Mutex

	family  firmware.Family
	serial  string
	version version.Number

	updateMode bool
	erase      int
	buf        []byte
	verified   uint32
	finalized  uint32
}

// NewDevice creates a simulated device.
func NewDevice(family firmware.Family, serial string, ver version.Number) *Device {
	return &Device{family: family, serial: serial, version: ver}
}

func (d *Device) Family() (firmware.Family, error) { return d.family, nil }
func (d *Device) SerialNumber() (string, error)    { return d.serial, nil }

func (d *Device) FirmwareVersion() (version.Number, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version, nil
}

func (d *Device) BeginFirmwareUpload() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updateMode = true
	return nil
}

func (d *Device) BeginEraseNVR() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.updateMode {
		return errors.New("device is not in update mode")
	}
	d.erase = 0
	d.buf = nil
	return nil
}

func (d *Device) PollEraseNVR() (uint8, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.erase += eraseStep
	if d.erase > 255 {
		d.erase = 255
	}
	return uint8(d.erase), nil
}

func (d *Device) SendFirmwarePacket(offset uint64, chunk []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.updateMode {
		return errors.New("device is not in update mode")
	}
	if offset != uint64(len(d.buf)) {
		return fmt.Errorf("packet offset %d does not match received %d bytes", offset, len(d.buf))
	}
	d.buf = append(d.buf, chunk...)
	return nil
}

func (d *Device) ValidateFirmwarePacket(processed, hash, remaining uint32) (uint32, uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if processed > uint32(len(d.buf)) {
		return 0, 0, fmt.Errorf("validation offset %d past received %d bytes", processed, len(d.buf))
	}
	consumed := remaining
	if consumed > chunkLimit {
		consumed = chunkLimit
	}
	if rest := uint32(len(d.buf)) - processed; consumed > rest {
		consumed = rest
	}

	next := hash
	for _, b := range d.buf[processed : processed+consumed] {
		next = next*31 + uint32(b)
	}
	return next, consumed, nil
}

func (d *Device) VerifyFirmwareStatus() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.verified = 0
	return nil
}

func (d *Device) PollVerifyFirmwareStatus() (bool, uint32, uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	total := uint32(len(d.buf))
	if total == 0 {
		return true, 0, 0, errors.New("nothing to verify")
	}
	d.verified += total/verifyDiv + 1
	if d.verified > total {
		d.verified = total
	}
	return d.verified == total, total, d.verified, nil
}

func (d *Device) FinaliseFirmwareUpload() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finalized = 0
	return nil
}

func (d *Device) PollFinaliseFirmwareUpload() (bool, uint32, uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	total := uint32(len(d.buf))
	if total == 0 {
		return true, 0, 0, errors.New("nothing to write")
	}
	d.finalized += total/verifyDiv + 1
	if d.finalized > total {
		d.finalized = total
	}
	return d.finalized == total, total, d.finalized, nil
}

// RebootAfterFirmwareUpload applies the uploaded image: a fully written image
// becomes the running firmware, anything else is discarded.
func (d *Device) RebootAfterFirmwareUpload() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if img, err := firmware.Parse(d.buf); err == nil &&
		img.Family == d.family &&
		d.finalized == uint32(len(d.buf)) {
		d.version = img.Version
	}

	d.updateMode = false
	d.buf = nil
	d.verified = 0
	d.finalized = 0
	return nil
}

func (d *Device) Close() error { return nil }

// Transport enumerates a fixed set of simulated devices.
type Transport struct {
	mu      sync.Mutex
	devices map[device.ConnectionKey]*Device
	next    uint8
}

// NewTransport creates an empty simulated bus.
func NewTransport() *Transport {
	return &Transport{devices: make(map[device.ConnectionKey]*Device)}
}

// Attach plugs a simulated device into the bus and returns its key.
func (t *Transport) Attach(d *Device) device.ConnectionKey {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.next++
	key := device.ConnectionKey{
		Bus:        1,
		Address:    t.next,
		Identifier: fmt.Sprintf("sim-1.%d", t.next),
	}
	t.devices[key] = d
	return key
}

func (t *Transport) List() ([]device.ConnectionKey, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := make([]device.ConnectionKey, 0, len(t.devices))
	for k := range t.devices {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Address < keys[j].Address })
	return keys, nil
}

func (t *Transport) Open(key device.ConnectionKey) (device.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.devices[key]
	if !ok {
		return nil, fmt.Errorf("no simulated device at %s", key)
	}
	return d, nil
}
