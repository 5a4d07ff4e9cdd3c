package sim

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/mixerkit/goxlr-updater/internal/device"
	"github.com/mixerkit/goxlr-updater/internal/events"
	"github.com/mixerkit/goxlr-updater/internal/firmware"
	"github.com/mixerkit/goxlr-updater/internal/update"
	"github.com/mixerkit/goxlr-updater/pkg/version"
)

func buildImage(t *testing.T, tag string, v version.Number, size int) *firmware.Image {
	t.Helper()

	data := make([]byte, size)
	copy(data, tag)
	binary.LittleEndian.PutUint32(data[24:], v.Major<<12|v.Minor<<8|v.Patch)
	binary.LittleEndian.PutUint32(data[28:], v.Build)

	img, err := firmware.Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	return img
}

// The simulator must carry a real session through every protocol stage and
// come back up running the new firmware.
func TestSessionAgainstSimulatedDevice(t *testing.T) {
	dev := NewDevice(firmware.FamilyMini, "SIM-1", version.New(1, 1, 0, 5))
	transport := NewTransport()
	key := transport.Attach(dev)

	registry := device.NewRegistry(transport)
	handle, err := registry.LookupOrOpen(key)
	if err != nil {
		t.Fatal(err)
	}

	bus := events.NewBus(512)
	img := buildImage(t, "GoXLR-Mini", version.New(1, 2, 0, 1), 5000)

	session := update.NewSession(handle, img, bus, update.WithPollInterval(time.Millisecond))
	if err := session.Run(context.Background()); err != nil {
		t.Fatalf("session against simulator failed: %v", err)
	}

	got, err := dev.FirmwareVersion()
	if err != nil {
		t.Fatal(err)
	}
	want := version.New(1, 2, 0, 1)
	if !got.Equal(want) {
		t.Errorf("device reports firmware %s after update, want %s", got, want)
	}
}

func TestScannerOverSimulatedBus(t *testing.T) {
	transport := NewTransport()
	transport.Attach(NewDevice(firmware.FamilyFull, "SIM-F", version.New(1, 4, 0, 0)))
	transport.Attach(NewDevice(firmware.FamilyMini, "SIM-M", version.New(1, 2, 52, 7)))

	bus := events.NewBus(8)
	scanner := device.NewScanner(device.NewRegistry(transport), bus)

	identities, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(identities) != 2 {
		t.Fatalf("scan found %d devices, want 2", len(identities))
	}
	if identities[0].Serial != "SIM-F" || identities[1].Serial != "SIM-M" {
		t.Errorf("unexpected scan order: %+v", identities)
	}
}

func TestPacketOffsetEnforced(t *testing.T) {
	dev := NewDevice(firmware.FamilyMini, "SIM-1", version.Number{})
	if err := dev.BeginFirmwareUpload(); err != nil {
		t.Fatal(err)
	}
	if err := dev.BeginEraseNVR(); err != nil {
		t.Fatal(err)
	}

	if err := dev.SendFirmwarePacket(0, make([]byte, 100)); err != nil {
		t.Fatalf("first packet rejected: %v", err)
	}
	if err := dev.SendFirmwarePacket(200, make([]byte, 100)); err == nil {
		t.Fatal("out-of-order packet offset must be rejected")
	}
}

func TestUpdateModeRequired(t *testing.T) {
	dev := NewDevice(firmware.FamilyMini, "SIM-1", version.Number{})

	if err := dev.BeginEraseNVR(); err == nil {
		t.Fatal("erase outside update mode must be rejected")
	}
	if err := dev.SendFirmwarePacket(0, []byte{1}); err == nil {
		t.Fatal("upload outside update mode must be rejected")
	}
}
