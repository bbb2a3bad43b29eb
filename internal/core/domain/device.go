package domain

import (
	"strings"
	"time"
)

type DeviceKind string

const (
	DeviceAndroid DeviceKind = "Android"
	DeviceIOS     DeviceKind = "iOS"
	DeviceWindows DeviceKind = "Windows"
	DeviceMac     DeviceKind = "Mac"
)

func (k DeviceKind) Valid() bool {
	switch k {
	case DeviceAndroid, DeviceIOS, DeviceWindows, DeviceMac:
		return true
	}
	return false
}

// ParseDeviceKind matches a kind name case-insensitively.
func ParseDeviceKind(s string) (DeviceKind, bool) {
	for _, k := range []DeviceKind{DeviceAndroid, DeviceIOS, DeviceWindows, DeviceMac} {
		if strings.EqualFold(string(k), strings.TrimSpace(s)) {
			return k, true
		}
	}
	return "", false
}

// DetectDeviceKind maps a GOOS value onto the closed set of device kinds.
// Anything that is not Android, iOS or Windows reports as Mac.
func DetectDeviceKind(goos string) DeviceKind {
	switch goos {
	case "android":
		return DeviceAndroid
	case "ios":
		return DeviceIOS
	case "windows":
		return DeviceWindows
	default:
		return DeviceMac
	}
}

type Liveness string

const (
	LivenessOnline  Liveness = "online"
	LivenessOffline Liveness = "offline"
)

// Device is a remote participant that completed the handshake. Entries are
// never removed; a closed connection only flips Liveness to Offline. The open
// connection handle for an Online device is held by the handshake layer,
// keyed by ID.
type Device struct {
	ID          PeerID     `json:"id"`
	DisplayName string     `json:"name"`
	Kind        DeviceKind `json:"type"`
	Liveness    Liveness   `json:"liveness"`
	FirstSeen   time.Time  `json:"first_seen"`
	ConnectedAt time.Time  `json:"connected_at"`
	LastSeen    time.Time  `json:"last_seen"`
}

func (d *Device) Online() bool {
	return d.Liveness == LivenessOnline
}
