// Package events carries progress notifications from the background workers
// (device scan, preflight check, download, update run) to the single
// observer. Delivery is best-effort: a slow or absent observer drops
// notifications instead of stalling a worker.
package events

import "github.com/mixerkit/goxlr-updater/pkg/version"

// Type discriminates the notification payload.
type Type string

const (
	TypeDeviceList      Type = "device.list"
	TypeDownloadPercent Type = "download.percent"
	TypeUpdateStage     Type = "update.stage"
	TypeUpdatePercent   Type = "update.percent"
	TypeUpdateMessage   Type = "update.message"
	TypeUpdateComplete  Type = "update.complete"
	TypeUpdateError     Type = "update.error"
	TypePreflight       Type = "preflight.status"
)

// DeviceSummary describes one connected device in a device-list notification.
type DeviceSummary struct {
	Family  string         `json:"family"`
	Serial  string         `json:"serial"`
	Version version.Number `json:"version"`
}

// PreflightStatus reports which conflicting host applications are still
// running.
type PreflightStatus struct {
	App     bool `json:"app"`
	BetaApp bool `json:"betaApp"`
	Daemon  bool `json:"daemon"`
}

// Clear reports whether no conflicting application remains.
func (s PreflightStatus) Clear() bool {
	return !s.App && !s.BetaApp && !s.Daemon
}

// Notification is one message on the progress channel. Only the fields
// relevant to Type are set.
type Notification struct {
	Type Type

	Devices   []DeviceSummary
	Percent   uint8
	Stage     string
	Message   string
	Error     bool
	Complete  bool
	Preflight PreflightStatus
}

func DeviceList(devices []DeviceSummary) Notification {
	return Notification{Type: TypeDeviceList, Devices: devices}
}

func DownloadPercent(percent uint8) Notification {
	return Notification{Type: TypeDownloadPercent, Percent: percent}
}

func UpdateStage(stage string) Notification {
	return Notification{Type: TypeUpdateStage, Stage: stage}
}

func UpdatePercent(percent uint8) Notification {
	return Notification{Type: TypeUpdatePercent, Percent: percent}
}

func UpdateMessage(message string) Notification {
	return Notification{Type: TypeUpdateMessage, Message: message}
}

func UpdateComplete(complete bool) Notification {
	return Notification{Type: TypeUpdateComplete, Complete: complete}
}

func UpdateError(isError bool) Notification {
	return Notification{Type: TypeUpdateError, Error: isError}
}

func Preflight(status PreflightStatus) Notification {
	return Notification{Type: TypePreflight, Preflight: status}
}
