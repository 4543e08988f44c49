package fleetota

import (
	"context"

	"github.com/pkg/errors"
)

// QueryService assembles aggregate deployment views from the record store and
// the event ingest store. Results reflect the latest durably recorded state,
// which may lag real device state by up to one polling interval.
type QueryService struct {
	records RecordStore
	events  EventStore
}

// NewQueryService builds a query service.
func NewQueryService(records RecordStore, events EventStore) (*QueryService, error) {
	if records == nil || events == nil {
		return nil, errors.New("query service requires record and event stores")
	}
	return &QueryService{records: records, events: events}, nil
}

// DeploymentDetail returns metadata, latest overall status, target
// descriptors, latest-wins progress counts and the per-device latest reported
// events for one deployment.
func (s *QueryService) DeploymentDetail(ctx context.Context, deploymentID int64) (*DeploymentDetail, error) {
	dep, err := s.records.DeploymentByID(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	summary, err := s.summarize(ctx, dep)
	if err != nil {
		return nil, err
	}

	events, err := s.events.LatestPerDevice(ctx, dep.CommandID, nil)
	if err != nil {
		return nil, errors.Wrap(err, "query device events failed")
	}
	devices := make([]DeviceStatusDetail, 0, len(events))
	for _, ev := range events {
		devices = append(devices, DeviceStatusDetail{
			DeviceID:  ev.DeviceID,
			Status:    ev.Status,
			Progress:  ev.Progress,
			Timestamp: ev.Timestamp,
		})
	}
	return &DeploymentDetail{DeploymentSummary: *summary, Devices: devices}, nil
}

// ListDeployments returns one newest-first page of deployment summaries.
func (s *QueryService) ListDeployments(ctx context.Context, page, limit int) ([]DeploymentSummary, Pagination, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	deployments, total, err := s.records.ListDeployments(ctx, page, limit)
	if err != nil {
		return nil, Pagination{}, errors.Wrap(err, "list deployments failed")
	}
	summaries := make([]DeploymentSummary, 0, len(deployments))
	for idx := range deployments {
		summary, err := s.summarize(ctx, &deployments[idx])
		if err != nil {
			return nil, Pagination{}, err
		}
		summaries = append(summaries, *summary)
	}
	totalPages := total / int64(limit)
	if total%int64(limit) != 0 {
		totalPages++
	}
	return summaries, Pagination{Page: page, Limit: limit, TotalPages: totalPages, TotalItems: total}, nil
}

func (s *QueryService) summarize(ctx context.Context, dep *Deployment) (*DeploymentSummary, error) {
	overall, err := s.records.LatestOverallStatus(ctx, dep.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "latest overall status for deployment %d", dep.ID)
	}
	targets, err := s.records.TargetsByDeployment(ctx, dep)
	if err != nil {
		return nil, errors.Wrapf(err, "targets for deployment %d", dep.ID)
	}
	counts, err := s.records.StatusCounts(ctx, dep.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "status counts for deployment %d", dep.ID)
	}
	return &DeploymentSummary{Deployment: *dep, Overall: overall, Targets: targets, Counts: counts}, nil
}
