package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mixerkit/goxlr-updater/internal/agent"
	"github.com/mixerkit/goxlr-updater/internal/device"
	"github.com/mixerkit/goxlr-updater/internal/firmware"
	"github.com/mixerkit/goxlr-updater/pkg/options"
	"github.com/mixerkit/goxlr-updater/pkg/version"
)

type fakeBackend struct {
	devices []device.Identity
	status  agent.Status

	updateErr   error
	updateReqs  []agent.UpdateRequest
	downloadErr error
	downloaded  []string
}

func (b *fakeBackend) Devices() []device.Identity   { return b.devices }
func (b *fakeBackend) UpdateStatus() agent.Status   { return b.status }
func (b *fakeBackend) StartUpdate(_ context.Context, req agent.UpdateRequest) error {
	b.updateReqs = append(b.updateReqs, req)
	return b.updateErr
}
func (b *fakeBackend) StartDownload(_ context.Context, serial string) (string, error) {
	b.downloaded = append(b.downloaded, serial)
	if b.downloadErr != nil {
		return "", b.downloadErr
	}
	return "/tmp/GoXLR_MINI_Firmware.bin", nil
}

func newTestServer(backend Backend) *Server {
	return New(backend, options.NewHttpOptions())
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s := newTestServer(&fakeBackend{})

	rec := doRequest(t, s, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /healthz = %d, want 200", rec.Code)
	}
}

func TestMetricsExposed(t *testing.T) {
	s := newTestServer(&fakeBackend{})

	rec := doRequest(t, s, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d, want 200", rec.Code)
	}
}

func TestGetDevices(t *testing.T) {
	backend := &fakeBackend{
		devices: []device.Identity{
			{
				Family:  firmware.FamilyMini,
				Serial:  "M100",
				Version: version.New(1, 2, 52, 7),
				Key:     device.ConnectionKey{Bus: 2, Address: 5},
			},
		},
	}
	s := newTestServer(backend)

	rec := doRequest(t, s, http.MethodGet, "/api/devices", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/devices = %d, want 200", rec.Code)
	}

	var infos []deviceInfo
	if err := json.NewDecoder(rec.Body).Decode(&infos); err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 {
		t.Fatalf("device list carries %d entries, want 1", len(infos))
	}
	got := infos[0]
	if got.Serial != "M100" || got.Version != "1.2.52.7" || got.Bus != 2 || got.Address != 5 {
		t.Errorf("device entry = %+v", got)
	}
}

func TestGetUpdateStatus(t *testing.T) {
	backend := &fakeBackend{
		status: agent.Status{Running: true, Stage: "Uploading Firmware to Device", Percent: 42},
	}
	s := newTestServer(backend)

	rec := doRequest(t, s, http.MethodGet, "/api/update", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/update = %d, want 200", rec.Code)
	}

	var status agent.Status
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if !status.Running || status.Percent != 42 {
		t.Errorf("status = %+v", status)
	}
}

func TestPostUpdateAccepted(t *testing.T) {
	backend := &fakeBackend{}
	s := newTestServer(backend)

	rec := doRequest(t, s, http.MethodPost, "/api/update",
		agent.UpdateRequest{Serial: "M100", Force: true})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /api/update = %d, want 202 (%s)", rec.Code, rec.Body.String())
	}
	if len(backend.updateReqs) != 1 || backend.updateReqs[0].Serial != "M100" || !backend.updateReqs[0].Force {
		t.Errorf("backend received requests %+v", backend.updateReqs)
	}
}

func TestPostUpdateErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unknown device", agent.ErrUnknownDevice, http.StatusNotFound},
		{"busy", agent.ErrUpdateInProgress, http.StatusConflict},
		{"conflicting apps", agent.ErrConflictingApps, http.StatusConflict},
		{"downgrade", agent.ErrNotAnUpgrade, http.StatusConflict},
		{"family mismatch", agent.ErrFamilyMismatch, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&fakeBackend{updateErr: tt.err})
			rec := doRequest(t, s, http.MethodPost, "/api/update", agent.UpdateRequest{Serial: "X"})
			if rec.Code != tt.want {
				t.Errorf("POST /api/update = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestPostUpdateRequiresSerial(t *testing.T) {
	s := newTestServer(&fakeBackend{})

	rec := doRequest(t, s, http.MethodPost, "/api/update", agent.UpdateRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("POST /api/update without serial = %d, want 400", rec.Code)
	}
}

func TestPostDownload(t *testing.T) {
	backend := &fakeBackend{}
	s := newTestServer(backend)

	rec := doRequest(t, s, http.MethodPost, "/api/download", downloadRequest{Serial: "M100"})
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /api/download = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}

	var resp downloadResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Path == "" {
		t.Error("download response carries no path")
	}
	if len(backend.downloaded) != 1 || backend.downloaded[0] != "M100" {
		t.Errorf("backend received downloads %v", backend.downloaded)
	}
}
