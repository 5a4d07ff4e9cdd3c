// Package device models connected GoXLR hardware: the capability surface of
// an open device handle, the identity of a physical unit, and the registry
// that caches handles across re-scans.
//
// The USB transport itself (enumeration, descriptor reads, packet I/O) lives
// behind the Transport interface and is supplied by the caller.
package device

import (
	"github.com/mixerkit/goxlr-updater/internal/firmware"
	"github.com/mixerkit/goxlr-updater/pkg/version"
)

// Device is the capability surface of one open device handle. All calls are
// synchronous; the caller serializes access through the owning Handle.
type Device interface {
	// Family reports the hardware family from the device descriptor.
	Family() (firmware.Family, error)

	// SerialNumber reports the device-unique serial. Devices reporting an
	// empty serial are excluded from the selectable set.
	SerialNumber() (string, error)

	// FirmwareVersion queries the firmware version currently running.
	FirmwareVersion() (version.Number, error)

	// BeginFirmwareUpload puts the device into update mode. It must be
	// issued before any other update-protocol call.
	BeginFirmwareUpload() error

	// BeginEraseNVR starts erasing the non-volatile firmware region.
	BeginEraseNVR() error

	// PollEraseNVR reports erase progress on the device's native 0..255
	// scale; 255 means the erase is complete.
	PollEraseNVR() (uint8, error)

	// SendFirmwarePacket transfers one image chunk at the given cumulative
	// byte offset from the start of the image.
	SendFirmwarePacket(offset uint64, chunk []byte) error

	// ValidateFirmwarePacket asks the device to validate a span of the
	// uploaded image. hash chains from call to call (0 on the first call);
	// the device returns the next hash and how many bytes it consumed.
	ValidateFirmwarePacket(processed, hash, remaining uint32) (nextHash, consumed uint32, err error)

	// VerifyFirmwareStatus starts the on-device hardware verification.
	VerifyFirmwareStatus() error

	// PollVerifyFirmwareStatus reports verification progress.
	PollVerifyFirmwareStatus() (complete bool, total, done uint32, err error)

	// FinaliseFirmwareUpload starts committing the written image.
	FinaliseFirmwareUpload() error

	// PollFinaliseFirmwareUpload reports finalize progress.
	PollFinaliseFirmwareUpload() (complete bool, total, done uint32, err error)

	// RebootAfterFirmwareUpload reboots the device into whichever firmware
	// image is valid. Issued exactly once per update session, on both the
	// success and the failure path.
	RebootAfterFirmwareUpload() error

	// Close releases the underlying transport handle.
	Close() error
}

// Transport is the boundary to the USB driver collaborator.
type Transport interface {
	// List enumerates the connection keys of candidate devices currently
	// attached to the host.
	List() ([]ConnectionKey, error)

	// Open opens a handle for the device at the given key.
	Open(key ConnectionKey) (Device, error)
}
