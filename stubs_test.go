package fleetota

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// In-memory collaborators shared by the initiator, reconciler and query
// service tests.

type fakeRecords struct {
	mu          sync.Mutex
	artifacts   map[Kind]map[int64]ArtifactMeta
	devices     []TargetDevice
	nextID      int64
	deployments map[int64]*Deployment
	byCommand   map[string]int64
	deviceRows  map[int64][]DeviceStatusChange
	overall     map[int64][]OverallStatus
	applied     map[int64][]int64
	targets     map[int64][]TargetInfo

	createErr error
	appendErr error
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{
		artifacts:   map[Kind]map[int64]ArtifactMeta{KindFirmware: {}, KindAds: {}},
		deployments: map[int64]*Deployment{},
		byCommand:   map[string]int64{},
		deviceRows:  map[int64][]DeviceStatusChange{},
		overall:     map[int64][]OverallStatus{},
		applied:     map[int64][]int64{},
		targets:     map[int64][]TargetInfo{},
	}
}

func (f *fakeRecords) addArtifact(meta ArtifactMeta) {
	f.artifacts[meta.Kind][meta.ID] = meta
}

func (f *fakeRecords) ArtifactsByIDs(ctx context.Context, kind Kind, ids []int64) ([]ArtifactMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ArtifactMeta
	seen := map[int64]bool{}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if meta, ok := f.artifacts[kind][id]; ok {
			out = append(out, meta)
		}
	}
	return out, nil
}

func (f *fakeRecords) ResolveTargets(ctx context.Context, filter TargetFilter) ([]TargetDevice, error) {
	return f.devices, nil
}

func (f *fakeRecords) CreateDeployment(ctx context.Context, dep *Deployment, deviceIDs []int64) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	dep.ID = f.nextID
	clone := *dep
	f.deployments[dep.ID] = &clone
	f.byCommand[dep.CommandID] = dep.ID
	for _, deviceID := range deviceIDs {
		f.deviceRows[dep.ID] = append(f.deviceRows[dep.ID],
			DeviceStatusChange{DeviceID: deviceID, Status: StatusInProgress, ObservedAt: dep.DeployedAt})
	}
	f.overall[dep.ID] = append(f.overall[dep.ID], OverallInProgress)
	return nil
}

func (f *fakeRecords) DeploymentByID(ctx context.Context, id int64) (*Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dep, ok := f.deployments[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "deployment %d", id)
	}
	clone := *dep
	return &clone, nil
}

func (f *fakeRecords) DeploymentByCommandID(ctx context.Context, commandID string) (*Deployment, error) {
	f.mu.Lock()
	id, ok := f.byCommand[commandID]
	f.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "command %s", commandID)
	}
	return f.DeploymentByID(ctx, id)
}

func (f *fakeRecords) AppendDeviceStatuses(ctx context.Context, deploymentID int64, changes []DeviceStatusChange) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deviceRows[deploymentID] = append(f.deviceRows[deploymentID], changes...)
	return nil
}

func (f *fakeRecords) AppendOverallStatus(ctx context.Context, deploymentID int64, status OverallStatus, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overall[deploymentID] = append(f.overall[deploymentID], status)
	return nil
}

func (f *fakeRecords) LatestOverallStatus(ctx context.Context, deploymentID int64) (OverallStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	log := f.overall[deploymentID]
	if len(log) == 0 {
		return "", errors.Wrapf(ErrNotFound, "no overall status for deployment %d", deploymentID)
	}
	return log[len(log)-1], nil
}

func (f *fakeRecords) latestPerDevice(deploymentID int64) map[int64]DeviceStatus {
	latest := map[int64]DeviceStatus{}
	for _, row := range f.deviceRows[deploymentID] {
		latest[row.DeviceID] = row.Status
	}
	return latest
}

func (f *fakeRecords) StatusCounts(ctx context.Context, deploymentID int64) (ProgressCount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byStatus := map[DeviceStatus]int64{}
	for _, status := range f.latestPerDevice(deploymentID) {
		byStatus[status]++
	}
	return FoldProgressCount(byStatus), nil
}

func (f *fakeRecords) TargetsByDeployment(ctx context.Context, dep *Deployment) ([]TargetInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.targets[dep.ID], nil
}

func (f *fakeRecords) ApplyArtifacts(ctx context.Context, dep *Deployment, deviceIDs []int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied[dep.ID] = append(f.applied[dep.ID], deviceIDs...)
	return nil
}

func (f *fakeRecords) ListDeployments(ctx context.Context, page, limit int) ([]Deployment, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Deployment
	for id := f.nextID; id >= 1; id-- {
		if dep, ok := f.deployments[id]; ok {
			out = append(out, *dep)
		}
	}
	total := int64(len(out))
	start := (page - 1) * limit
	if start >= len(out) {
		return nil, total, nil
	}
	end := start + limit
	if end > len(out) {
		end = len(out)
	}
	return out[start:end], total, nil
}

func (f *fakeRecords) OutstandingDeployments(ctx context.Context) ([]OutstandingDeployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []OutstandingDeployment
	for id := int64(1); id <= f.nextID; id++ {
		dep, ok := f.deployments[id]
		if !ok {
			continue
		}
		log := f.overall[id]
		if len(log) > 0 && log[len(log)-1] == OverallCompleted {
			continue
		}
		var pending []int64
		for deviceID, status := range f.latestPerDevice(id) {
			if !status.IsTerminal() {
				pending = append(pending, deviceID)
			}
		}
		out = append(out, OutstandingDeployment{Deployment: *dep, PendingDeviceIDs: pending})
	}
	return out, nil
}

func (f *fakeRecords) overallLog(deploymentID int64) []OverallStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]OverallStatus(nil), f.overall[deploymentID]...)
}

type fakeTracking struct {
	mu   sync.Mutex
	sets map[string]map[int64]struct{}

	seedErr error
}

func newFakeTracking() *fakeTracking {
	return &fakeTracking{sets: map[string]map[int64]struct{}{}}
}

func (f *fakeTracking) Seed(ctx context.Context, key string, deviceIDs []int64) error {
	if f.seedErr != nil {
		return f.seedErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.sets[key]
	if !ok {
		set = map[int64]struct{}{}
		f.sets[key] = set
	}
	for _, id := range deviceIDs {
		set[id] = struct{}{}
	}
	return nil
}

func (f *fakeTracking) Remove(ctx context.Context, key string, deviceIDs []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range deviceIDs {
		delete(f.sets[key], id)
	}
	return nil
}

func (f *fakeTracking) Members(ctx context.Context, key string) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int64
	for id := range f.sets[key] {
		out = append(out, id)
	}
	return out, nil
}

func (f *fakeTracking) Size(ctx context.Context, key string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sets[key]), nil
}

func (f *fakeTracking) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sets, key)
	return nil
}

func (f *fakeTracking) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sets[key]
	return ok
}

type fakeEvents struct {
	mu       sync.Mutex
	events   map[string][]ProgressEvent
	queryErr error
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{events: map[string][]ProgressEvent{}}
}

func (f *fakeEvents) report(ev ProgressEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[ev.CommandID] = append(f.events[ev.CommandID], ev)
}

func (f *fakeEvents) LatestPerDevice(ctx context.Context, commandID string, deviceIDs []int64) ([]ProgressEvent, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var filter map[int64]struct{}
	if deviceIDs != nil {
		filter = map[int64]struct{}{}
		for _, id := range deviceIDs {
			filter[id] = struct{}{}
		}
	}
	latest := map[int64]ProgressEvent{}
	for _, ev := range f.events[commandID] {
		if filter != nil {
			if _, ok := filter[ev.DeviceID]; !ok {
				continue
			}
		}
		if prev, ok := latest[ev.DeviceID]; !ok || ev.Timestamp.After(prev.Timestamp) {
			latest[ev.DeviceID] = ev
		}
	}
	var out []ProgressEvent
	for _, ev := range latest {
		out = append(out, ev)
	}
	return out, nil
}

func (f *fakeEvents) AppendTimeouts(ctx context.Context, commandID string, deviceIDs []int64, at time.Time) error {
	for _, deviceID := range deviceIDs {
		f.report(ProgressEvent{
			CommandID: commandID,
			DeviceID:  deviceID,
			Status:    string(StatusTimeout),
			Message:   "Timeout",
			Timestamp: at,
		})
	}
	return nil
}

type fakeDispatcher struct {
	mu   sync.Mutex
	cmds []DeploymentCommand
	err  error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, cmd DeploymentCommand) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
	return nil
}

type fakeSigner struct{}

func (fakeSigner) Sign(storagePath string, expiresAt time.Time) (string, error) {
	return "https://cdn.test" + storagePath + "?signed=1", nil
}

type fakeStarter struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeStarter) Start(commandID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, commandID)
}

func (f *fakeStarter) started() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}
