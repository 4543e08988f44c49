package fleetota

import "time"

// Deployment is one fan-out operation pushing artifacts to a resolved set of
// devices. Rows are immutable after creation; progress lives in the
// append-only status logs.
type Deployment struct {
	ID          int64
	CommandID   string
	Kind        Kind
	ArtifactIDs []int64
	Selector    TargetSelector
	DeployedAt  time.Time
	ExpiresAt   time.Time
}

// ArtifactMeta describes one deployable payload (a firmware build or an
// advertisement bundle).
type ArtifactMeta struct {
	ID          int64
	Kind        Kind
	Name        string
	FileHash    string
	FileSize    int64
	StoragePath string
}

// TargetFilter is a disjunctive filter over explicit devices, divisions and
// regions. At least one list must be non-empty.
type TargetFilter struct {
	DeviceIDs   []int64
	DivisionIDs []int64
	RegionIDs   []int64
}

// Empty reports whether no filter dimension is set.
func (f TargetFilter) Empty() bool {
	return len(f.DeviceIDs) == 0 && len(f.DivisionIDs) == 0 && len(f.RegionIDs) == 0
}

// Selector returns the granularity recorded on the deployment. Explicit
// devices win over divisions, divisions over regions.
func (f TargetFilter) Selector() TargetSelector {
	switch {
	case len(f.DeviceIDs) > 0:
		return SelectDevice
	case len(f.DivisionIDs) > 0:
		return SelectDivision
	default:
		return SelectRegion
	}
}

// TargetDevice is one resolved deployment target.
type TargetDevice struct {
	ID   int64
	Name string
}

// DeviceStatusChange is one row appended to the per-device status log.
type DeviceStatusChange struct {
	DeviceID   int64
	Status     DeviceStatus
	ObservedAt time.Time
}

// ProgressEvent is a device-reported fact from the event ingest store.
// Multiple events per device per deployment may exist; only the most recent
// matters.
type ProgressEvent struct {
	CommandID string
	DeviceID  int64
	Status    string
	Message   string
	Progress  int64
	Timestamp time.Time
}

// SignedURL is a time-limited download reference handed to devices.
type SignedURL struct {
	URL              string `json:"url"`
	ExpiresInSeconds int    `json:"expiresInSeconds"`
}

// FileInfo identifies the payload behind a signed URL.
type FileInfo struct {
	ArtifactID int64  `json:"artifactId"`
	FileHash   string `json:"fileHash"`
	FileSize   int64  `json:"fileSize"`
}

// DeploymentContent pairs a signed URL with its payload metadata. Firmware
// deployments carry exactly one entry, advertisement deployments one per ad.
type DeploymentContent struct {
	SignedURL SignedURL `json:"signedUrl"`
	File      FileInfo  `json:"fileInfo"`
}

// TargetDeviceRef is the wire form of one target device.
type TargetDeviceRef struct {
	DeviceID int64 `json:"deviceId"`
}

// DeploymentCommand is the descriptor dispatched to the external command
// handler.
type DeploymentCommand struct {
	CommandID     string              `json:"commandId"`
	Kind          Kind                `json:"-"`
	Content       []DeploymentContent `json:"content"`
	TargetDevices []TargetDeviceRef   `json:"targetDevices"`
	Timestamp     time.Time           `json:"timestamp"`
}

// ProgressCount aggregates the latest per-device statuses of one deployment.
// TIMEOUT and CANCELLED count as failed; the per-device detail keeps them
// distinct.
type ProgressCount struct {
	Total      int64 `json:"totalCount"`
	Succeeded  int64 `json:"successCount"`
	InProgress int64 `json:"inProgressCount"`
	Failed     int64 `json:"failedCount"`
}

// FoldProgressCount collapses a latest-per-device status histogram into the
// aggregate buckets.
func FoldProgressCount(byStatus map[DeviceStatus]int64) ProgressCount {
	var pc ProgressCount
	for status, n := range byStatus {
		switch status {
		case StatusInProgress:
			pc.InProgress += n
		case StatusSucceeded:
			pc.Succeeded += n
		case StatusFailed, StatusCancelled, StatusTimeout:
			pc.Failed += n
		}
		pc.Total += n
	}
	return pc
}

// TargetInfo names one target descriptor (device, division or region,
// depending on the deployment selector).
type TargetInfo struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// DeviceStatusDetail is the latest reported state of one device within a
// deployment, as shown in the detail view.
type DeviceStatusDetail struct {
	DeviceID  int64     `json:"deviceId"`
	Status    string    `json:"status"`
	Progress  int64     `json:"progress"`
	Timestamp time.Time `json:"timestamp"`
}

// DeploymentSummary is one row of the paginated deployment list.
type DeploymentSummary struct {
	Deployment
	Overall OverallStatus
	Targets []TargetInfo
	Counts  ProgressCount
}

// DeploymentDetail is the full aggregate view of one deployment.
type DeploymentDetail struct {
	DeploymentSummary
	Devices []DeviceStatusDetail
}

// Pagination describes one page of a listing.
type Pagination struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	TotalPages int64 `json:"totalPages"`
	TotalItems int64 `json:"totalItems"`
}

// OutstandingDeployment is a deployment whose latest overall status is still
// IN_PROGRESS, together with the devices lacking a terminal row. Used to
// rebuild the tracking store after a restart.
type OutstandingDeployment struct {
	Deployment
	PendingDeviceIDs []int64
}
