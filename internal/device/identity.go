package device

import (
	"fmt"

	"github.com/mixerkit/goxlr-updater/internal/firmware"
	"github.com/mixerkit/goxlr-updater/pkg/version"
)

// ConnectionKey identifies a physical device instance across re-scans. A
// device reconnecting at the same bus, address and identifier reuses its
// existing open handle.
type ConnectionKey struct {
	Bus        uint8
	Address    uint8
	Identifier string
}

func (k ConnectionKey) String() string {
	if k.Identifier == "" {
		return fmt.Sprintf("bus %d addr %d", k.Bus, k.Address)
	}
	return fmt.Sprintf("bus %d addr %d (%s)", k.Bus, k.Address, k.Identifier)
}

// Identity describes one selectable device as reported by the last scan.
type Identity struct {
	Family  firmware.Family
	Serial  string
	Version version.Number
	Key     ConnectionKey
}
