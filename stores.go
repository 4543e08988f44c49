package fleetota

import (
	"context"
	"time"
)

// RecordStore is the durable source of truth for deployments and their
// status history. Status logs are append-only; the latest row per key wins.
type RecordStore interface {
	// ArtifactsByIDs resolves artifact metadata of one kind. Missing ids are
	// simply absent from the result.
	ArtifactsByIDs(ctx context.Context, kind Kind, ids []int64) ([]ArtifactMeta, error)

	// ResolveTargets returns the deduplicated union of devices matched by any
	// filter dimension.
	ResolveTargets(ctx context.Context, filter TargetFilter) ([]TargetDevice, error)

	// CreateDeployment persists the deployment, its initial IN_PROGRESS
	// overall row and one IN_PROGRESS row per device, all in one transaction.
	// On success dep.ID is populated.
	CreateDeployment(ctx context.Context, dep *Deployment, deviceIDs []int64) error

	DeploymentByID(ctx context.Context, id int64) (*Deployment, error)
	DeploymentByCommandID(ctx context.Context, commandID string) (*Deployment, error)

	// AppendDeviceStatuses appends terminal (or synthesized) per-device rows
	// as one batch.
	AppendDeviceStatuses(ctx context.Context, deploymentID int64, changes []DeviceStatusChange) error

	AppendOverallStatus(ctx context.Context, deploymentID int64, status OverallStatus, at time.Time) error
	LatestOverallStatus(ctx context.Context, deploymentID int64) (OverallStatus, error)

	// StatusCounts aggregates the latest row per device into progress buckets.
	StatusCounts(ctx context.Context, deploymentID int64) (ProgressCount, error)

	// TargetsByDeployment lists the descriptors matching the deployment's
	// selector: device names, division names or region names.
	TargetsByDeployment(ctx context.Context, dep *Deployment) ([]TargetInfo, error)

	// ApplyArtifacts rolls the per-device assignment history for devices that
	// completed successfully: open assignments are closed and a fresh row is
	// inserted per deployed artifact.
	ApplyArtifacts(ctx context.Context, dep *Deployment, deviceIDs []int64, at time.Time) error

	// ListDeployments returns one newest-first page and the total row count.
	ListDeployments(ctx context.Context, page, limit int) ([]Deployment, int64, error)

	// OutstandingDeployments returns deployments without a COMPLETED overall
	// row plus their devices still lacking a terminal status.
	OutstandingDeployments(ctx context.Context) ([]OutstandingDeployment, error)
}

// TrackingStore is the ephemeral per-deployment set of still-outstanding
// device ids, keyed by command id. It is an index only; losing it never
// corrupts the relational history.
type TrackingStore interface {
	Seed(ctx context.Context, key string, deviceIDs []int64) error
	// Remove deletes members atomically per element; concurrent removals of
	// disjoint ids must not lose updates.
	Remove(ctx context.Context, key string, deviceIDs []int64) error
	Members(ctx context.Context, key string) ([]int64, error)
	// Size returns 0 for a non-existent key.
	Size(ctx context.Context, key string) (int, error)
	Delete(ctx context.Context, key string) error
}

// EventStore reads device-reported progress from the time-series ingest
// pipeline. The core never deletes ingested events.
type EventStore interface {
	// LatestPerDevice returns at most one event per device, the most recent
	// by timestamp. A nil deviceIDs slice means no device filter.
	LatestPerDevice(ctx context.Context, commandID string, deviceIDs []int64) ([]ProgressEvent, error)

	// AppendTimeouts writes synthetic TIMEOUT facts so later event queries
	// agree with the relational history.
	AppendTimeouts(ctx context.Context, commandID string, deviceIDs []int64, at time.Time) error
}

// Dispatcher delivers the deployment descriptor to the external command
// channel. Delivery is fire-and-forget; a nil error only means the handler
// accepted the request.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd DeploymentCommand) error
}

// URLSigner mints time-limited download URLs for artifact storage paths.
type URLSigner interface {
	Sign(storagePath string, expiresAt time.Time) (string, error)
}

// TaskStarter registers a reconciliation task for a freshly dispatched
// deployment. Starting an already-registered id is a no-op.
type TaskStarter interface {
	Start(commandID string)
}
