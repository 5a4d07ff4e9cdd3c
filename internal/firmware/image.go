// Package firmware parses GoXLR firmware images. An image carries a 64-byte
// header: a null-terminated device tag at offset 0 and a packed version word
// plus build number at offset 24. Everything past the header is opaque
// payload transferred verbatim to the device.
package firmware

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/mixerkit/goxlr-updater/pkg/version"
)

const (
	// headerSize is the minimum length of a parseable image.
	headerSize = 64

	tagOffset     = 0
	tagLength     = 16
	versionOffset = 24
	versionLength = 8
)

// Device tags as written by the vendor's build system.
const (
	tagFull = "GoXLR Firmware"
	tagMini = "GoXLR-Mini"
)

var (
	ErrImageTooShort     = errors.New("firmware image shorter than header")
	ErrUnknownDevice     = errors.New("unknown device tag in firmware header")
	ErrVersionUnreadable = errors.New("unable to read firmware version")
)

// Family identifies the hardware family an image or device belongs to.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyFull
	FamilyMini
)

func (f Family) String() string {
	switch f {
	case FamilyFull:
		return "GoXLR"
	case FamilyMini:
		return "GoXLR Mini"
	default:
		return "Unknown"
	}
}

// Image is a parsed firmware image. The payload is owned by the component
// that loaded it and handed to the orchestrator for the length of one update
// session.
type Image struct {
	Family  Family
	Version version.Number

	data []byte
}

// Bytes returns the full image, header included. The device consumes the
// image verbatim from offset 0.
func (i *Image) Bytes() []byte {
	return i.data
}

// Size returns the total image length in bytes.
func (i *Image) Size() int {
	return len(i.data)
}

// Parse interprets data as a firmware image. It validates only the header;
// the payload is not inspected.
func Parse(data []byte) (*Image, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrImageTooShort, len(data))
	}

	family, err := parseTag(data[tagOffset : tagOffset+tagLength])
	if err != nil {
		return nil, err
	}

	ver, err := parseVersion(data[versionOffset : versionOffset+versionLength])
	if err != nil {
		return nil, err
	}

	return &Image{
		Family:  family,
		Version: ver,
		data:    data,
	}, nil
}

// Load reads and parses the firmware image at path.
func Load(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read firmware file: %w", err)
	}
	return Parse(data)
}

// parseTag decodes the null-terminated ASCII device tag. Bytes after the
// first zero are ignored.
func parseTag(src []byte) (Family, error) {
	tag := src
	if i := bytes.IndexByte(src, 0x00); i >= 0 {
		tag = src[:i]
	}

	switch string(tag) {
	case tagFull:
		return FamilyFull, nil
	case tagMini:
		return FamilyMini, nil
	default:
		return FamilyUnknown, fmt.Errorf("%w: %q", ErrUnknownDevice, string(tag))
	}
}

// parseVersion decodes two little-endian 32-bit words: the packed
// major/minor/patch word and the raw build number.
func parseVersion(src []byte) (version.Number, error) {
	if len(src) < versionLength {
		return version.Number{}, ErrVersionUnreadable
	}

	packed := binary.LittleEndian.Uint32(src[0:4])
	build := binary.LittleEndian.Uint32(src[4:8])

	return version.Number{
		Major: packed >> 12,
		Minor: (packed >> 8) & 0xF,
		Patch: packed & 0xFF,
		Build: build,
	}, nil
}
