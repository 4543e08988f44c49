package fleetota

import (
	"strings"

	"github.com/google/uuid"
)

// DeviceStatus is the per-device deployment state vocabulary. It is the
// single source of truth for status strings; device-reported strings must go
// through ParseDeviceStatus before comparison.
type DeviceStatus string

const (
	StatusInProgress DeviceStatus = "IN_PROGRESS"
	StatusSucceeded  DeviceStatus = "SUCCEEDED"
	StatusFailed     DeviceStatus = "FAILED"
	StatusCancelled  DeviceStatus = "CANCELLED"
	StatusTimeout    DeviceStatus = "TIMEOUT"
)

// IsTerminal reports whether a device with this status is no longer polled.
func (s DeviceStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	default:
		return false
	}
}

// ParseDeviceStatus normalizes a device-reported status string. The device
// pipeline is free-form, so a couple of legacy spellings are accepted.
func ParseDeviceStatus(raw string) (DeviceStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "IN_PROGRESS", "DOWNLOADING":
		return StatusInProgress, true
	case "SUCCEEDED", "SUCCESS":
		return StatusSucceeded, true
	case "FAILED", "FAILURE":
		return StatusFailed, true
	case "CANCELLED", "CANCELED":
		return StatusCancelled, true
	case "TIMEOUT":
		return StatusTimeout, true
	default:
		return "", false
	}
}

// OverallStatus is the deployment-level aggregate state. COMPLETED is
// terminal; once recorded the deployment is retired from reconciliation.
type OverallStatus string

const (
	OverallInProgress OverallStatus = "IN_PROGRESS"
	OverallCompleted  OverallStatus = "COMPLETED"
)

// Kind distinguishes firmware from advertisement deployments. The kind is
// encoded as the command-id prefix so the reconciler can pick type-specific
// post-processing without an extra lookup.
type Kind string

const (
	KindFirmware Kind = "firmware"
	KindAds      Kind = "advertisement"
)

func (k Kind) commandPrefix() string {
	if k == KindAds {
		return "AD"
	}
	return "FW"
}

// NewCommandID mints a fresh correlation id for a deployment of kind k.
func NewCommandID(k Kind) string {
	return k.commandPrefix() + "-" + uuid.NewString()
}

// KindFromCommandID recovers the deployment kind from a correlation id.
func KindFromCommandID(commandID string) (Kind, bool) {
	prefix, _, ok := strings.Cut(commandID, "-")
	if !ok {
		return "", false
	}
	switch prefix {
	case "FW":
		return KindFirmware, true
	case "AD":
		return KindAds, true
	default:
		return "", false
	}
}

// TargetSelector records the granularity at which deployment targets were
// chosen. It drives which descriptor list the detail query returns.
type TargetSelector string

const (
	SelectDevice   TargetSelector = "DEVICE"
	SelectDivision TargetSelector = "DIVISION"
	SelectRegion   TargetSelector = "REGION"
)
