package agent

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mixerkit/goxlr-updater/internal/device"
	"github.com/mixerkit/goxlr-updater/internal/events"
	"github.com/mixerkit/goxlr-updater/internal/firmware"
	"github.com/mixerkit/goxlr-updater/pkg/options"
	"github.com/mixerkit/goxlr-updater/pkg/version"
)

// agentDevice is a cooperative fake: every protocol stage succeeds
// immediately.
type agentDevice struct {
	family  firmware.Family
	serial  string
	version version.Number
	reboots int
}

func (d *agentDevice) Family() (firmware.Family, error)         { return d.family, nil }
func (d *agentDevice) SerialNumber() (string, error)            { return d.serial, nil }
func (d *agentDevice) FirmwareVersion() (version.Number, error) { return d.version, nil }
func (d *agentDevice) BeginFirmwareUpload() error               { return nil }
func (d *agentDevice) BeginEraseNVR() error                     { return nil }
func (d *agentDevice) PollEraseNVR() (uint8, error)             { return 255, nil }
func (d *agentDevice) SendFirmwarePacket(uint64, []byte) error  { return nil }
func (d *agentDevice) ValidateFirmwarePacket(processed, hash, remaining uint32) (uint32, uint32, error) {
	return hash + 1, remaining, nil
}
func (d *agentDevice) VerifyFirmwareStatus() error { return nil }
func (d *agentDevice) PollVerifyFirmwareStatus() (bool, uint32, uint32, error) {
	return true, 1, 1, nil
}
func (d *agentDevice) FinaliseFirmwareUpload() error { return nil }
func (d *agentDevice) PollFinaliseFirmwareUpload() (bool, uint32, uint32, error) {
	return true, 1, 1, nil
}
func (d *agentDevice) RebootAfterFirmwareUpload() error {
	d.reboots++
	return nil
}
func (d *agentDevice) Close() error { return nil }

type agentTransport struct {
	devices map[device.ConnectionKey]*agentDevice
}

func (t *agentTransport) List() ([]device.ConnectionKey, error) {
	keys := make([]device.ConnectionKey, 0, len(t.devices))
	for k := range t.devices {
		keys = append(keys, k)
	}
	return keys, nil
}

func (t *agentTransport) Open(key device.ConnectionKey) (device.Device, error) {
	d, ok := t.devices[key]
	if !ok {
		return nil, errors.New("no such device")
	}
	return d, nil
}

type clearChecker struct {
	status events.PreflightStatus
	err    error
}

func (c clearChecker) Check(context.Context) (events.PreflightStatus, error) {
	return c.status, c.err
}

func testUpdateOptions() *options.UpdateOptions {
	opts := options.NewUpdateOptions()
	opts.PollInterval = time.Millisecond
	opts.ScanInterval = 10 * time.Millisecond
	return opts
}

// newTestAgent wires an agent around one fake device and seeds the device
// list as if a scan had run.
func newTestAgent(t *testing.T, dev *agentDevice) (*Agent, device.ConnectionKey) {
	t.Helper()

	key := device.ConnectionKey{Bus: 1, Address: 3, Identifier: "usb-1.3"}
	transport := &agentTransport{devices: map[device.ConnectionKey]*agentDevice{key: dev}}

	a := New(transport, options.NewCatalogOptions(), testUpdateOptions())
	a.monitor = clearChecker{}
	a.devices = []device.Identity{{
		Family:  dev.family,
		Serial:  dev.serial,
		Version: dev.version,
		Key:     key,
	}}
	return a, key
}

// writeImageFile builds a minimal valid firmware file on disk.
func writeImageFile(t *testing.T, tag string, v version.Number, size int) string {
	t.Helper()

	data := make([]byte, size)
	copy(data, tag)
	packed := v.Major<<12 | v.Minor<<8 | v.Patch
	binary.LittleEndian.PutUint32(data[24:], packed)
	binary.LittleEndian.PutUint32(data[28:], v.Build)

	path := filepath.Join(t.TempDir(), "image.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func waitForIdle(t *testing.T, a *Agent) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !a.UpdateStatus().Running {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("update session did not finish in time")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name            string
		target, current version.Number
		want            Change
	}{
		{"newer build", version.New(1, 2, 3, 5), version.New(1, 2, 3, 4), ChangeUpgrade},
		{"same version", version.New(1, 2, 3, 4), version.New(1, 2, 3, 4), ChangeReinstall},
		{"older patch", version.New(1, 2, 2, 9), version.New(1, 2, 3, 0), ChangeDowngrade},
		{"major jump", version.New(2, 0, 0, 0), version.New(1, 9, 9, 9), ChangeUpgrade},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.target, tt.current); got != tt.want {
				t.Errorf("classify(%s, %s) = %s, want %s", tt.target, tt.current, got, tt.want)
			}
		})
	}
}

func TestStartUpdateUnknownSerial(t *testing.T) {
	a, _ := newTestAgent(t, &agentDevice{family: firmware.FamilyMini, serial: "M1"})

	err := a.StartUpdate(context.Background(), UpdateRequest{Serial: "NOPE"})
	if !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("StartUpdate returned %v, want ErrUnknownDevice", err)
	}
}

func TestStartUpdateRejectsConcurrentSession(t *testing.T) {
	a, _ := newTestAgent(t, &agentDevice{family: firmware.FamilyMini, serial: "M1"})
	a.status.Running = true

	err := a.StartUpdate(context.Background(), UpdateRequest{Serial: "M1"})
	if !errors.Is(err, ErrUpdateInProgress) {
		t.Fatalf("StartUpdate returned %v, want ErrUpdateInProgress", err)
	}
}

func TestStartUpdateBlockedByConflictingApps(t *testing.T) {
	a, _ := newTestAgent(t, &agentDevice{family: firmware.FamilyMini, serial: "M1"})
	a.monitor = clearChecker{status: events.PreflightStatus{Daemon: true}}

	err := a.StartUpdate(context.Background(), UpdateRequest{Serial: "M1"})
	if !errors.Is(err, ErrConflictingApps) {
		t.Fatalf("StartUpdate returned %v, want ErrConflictingApps", err)
	}
	if a.UpdateStatus().Running {
		t.Error("rejected request must release the session slot")
	}
}

func TestStartUpdateFamilyMismatch(t *testing.T) {
	dev := &agentDevice{family: firmware.FamilyFull, serial: "F1", version: version.New(1, 0, 0, 0)}
	a, _ := newTestAgent(t, dev)

	path := writeImageFile(t, "GoXLR-Mini", version.New(1, 1, 0, 0), 2048)
	err := a.StartUpdate(context.Background(), UpdateRequest{Serial: "F1", File: path})
	if !errors.Is(err, ErrFamilyMismatch) {
		t.Fatalf("StartUpdate returned %v, want ErrFamilyMismatch", err)
	}
}

func TestStartUpdateRefusesDowngrade(t *testing.T) {
	dev := &agentDevice{family: firmware.FamilyMini, serial: "M1", version: version.New(1, 4, 0, 0)}
	a, _ := newTestAgent(t, dev)

	path := writeImageFile(t, "GoXLR-Mini", version.New(1, 3, 9, 9), 2048)
	err := a.StartUpdate(context.Background(), UpdateRequest{Serial: "M1", File: path})
	if !errors.Is(err, ErrNotAnUpgrade) {
		t.Fatalf("StartUpdate returned %v, want ErrNotAnUpgrade", err)
	}
	if a.UpdateStatus().Running {
		t.Error("rejected request must release the session slot")
	}
}

func TestStartUpdateForcedReinstall(t *testing.T) {
	dev := &agentDevice{family: firmware.FamilyMini, serial: "M1", version: version.New(1, 4, 0, 0)}
	a, _ := newTestAgent(t, dev)

	path := writeImageFile(t, "GoXLR-Mini", version.New(1, 4, 0, 0), 2048)
	err := a.StartUpdate(context.Background(), UpdateRequest{Serial: "M1", File: path, Force: true})
	if err != nil {
		t.Fatalf("forced reinstall rejected: %v", err)
	}
	waitForIdle(t, a)

	a.mu.Lock()
	defer a.mu.Unlock()
	if dev.reboots != 1 {
		t.Errorf("device rebooted %d times, want 1", dev.reboots)
	}
}

func TestStartUpdateRunsSessionToCompletion(t *testing.T) {
	dev := &agentDevice{family: firmware.FamilyMini, serial: "M1", version: version.New(1, 2, 0, 0)}
	a, _ := newTestAgent(t, dev)

	path := writeImageFile(t, "GoXLR-Mini", version.New(1, 3, 0, 0), 4096)
	if err := a.StartUpdate(context.Background(), UpdateRequest{Serial: "M1", File: path}); err != nil {
		t.Fatalf("StartUpdate returned error: %v", err)
	}
	waitForIdle(t, a)

	a.mu.Lock()
	defer a.mu.Unlock()
	if dev.reboots != 1 {
		t.Errorf("device rebooted %d times, want 1", dev.reboots)
	}
}

func TestRunScansAndMirrorsNotifications(t *testing.T) {
	dev := &agentDevice{family: firmware.FamilyMini, serial: "M1", version: version.New(1, 2, 0, 0)}
	a, _ := newTestAgent(t, dev)
	a.devices = nil // Run's scan loop must rebuild the list.

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(a.Devices()) == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if got := a.Devices(); len(got) != 1 || got[0].Serial != "M1" {
		t.Fatalf("scan loop produced device list %+v, want one device M1", got)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
