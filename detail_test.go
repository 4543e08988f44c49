package fleetota

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestDeploymentDetailAggregates(t *testing.T) {
	records := newFakeRecords()
	tracking := newFakeTracking()
	events := newFakeEvents()
	dep := deployFixture(t, records, tracking, []int64{10, 11, 12}, fixedNow().Add(10*time.Minute))
	records.targets[dep.ID] = []TargetInfo{{ID: 10, Name: "dev-a"}, {ID: 11, Name: "dev-b"}, {ID: 12, Name: "dev-c"}}

	records.AppendDeviceStatuses(context.Background(), dep.ID, []DeviceStatusChange{
		{DeviceID: 10, Status: StatusSucceeded, ObservedAt: fixedNow().Add(time.Minute)},
		{DeviceID: 12, Status: StatusFailed, ObservedAt: fixedNow().Add(time.Minute)},
	})
	events.report(ProgressEvent{CommandID: dep.CommandID, DeviceID: 10, Status: "SUCCESS", Progress: 100, Timestamp: fixedNow().Add(time.Minute)})
	events.report(ProgressEvent{CommandID: dep.CommandID, DeviceID: 11, Status: "DOWNLOADING", Progress: 55, Timestamp: fixedNow().Add(time.Minute)})
	events.report(ProgressEvent{CommandID: dep.CommandID, DeviceID: 12, Status: "FAILED", Progress: 80, Timestamp: fixedNow().Add(time.Minute)})

	svc, err := NewQueryService(records, events)
	if err != nil {
		t.Fatalf("NewQueryService: %v", err)
	}
	detail, err := svc.DeploymentDetail(context.Background(), dep.ID)
	if err != nil {
		t.Fatalf("DeploymentDetail: %v", err)
	}

	if detail.CommandID != dep.CommandID {
		t.Errorf("commandID = %q, want %q", detail.CommandID, dep.CommandID)
	}
	want := ProgressCount{Total: 3, Succeeded: 1, InProgress: 1, Failed: 1}
	if detail.Counts != want {
		t.Errorf("counts = %+v, want %+v", detail.Counts, want)
	}
	if detail.Overall != OverallInProgress {
		t.Errorf("overall = %q, want IN_PROGRESS", detail.Overall)
	}
	if len(detail.Targets) != 3 {
		t.Errorf("targets = %d, want 3", len(detail.Targets))
	}
	if len(detail.Devices) != 3 {
		t.Fatalf("devices = %d, want 3", len(detail.Devices))
	}
	byDevice := map[int64]DeviceStatusDetail{}
	for _, d := range detail.Devices {
		byDevice[d.DeviceID] = d
	}
	if d := byDevice[11]; d.Status != "DOWNLOADING" || d.Progress != 55 {
		t.Errorf("device 11 detail = %+v", d)
	}
}

func TestDeploymentDetailNotFound(t *testing.T) {
	svc, err := NewQueryService(newFakeRecords(), newFakeEvents())
	if err != nil {
		t.Fatalf("NewQueryService: %v", err)
	}
	if _, err := svc.DeploymentDetail(context.Background(), 404); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListDeploymentsPagination(t *testing.T) {
	records := newFakeRecords()
	tracking := newFakeTracking()
	for i := 0; i < 5; i++ {
		deployFixture(t, records, tracking, []int64{10}, fixedNow().Add(10*time.Minute))
	}
	svc, err := NewQueryService(records, newFakeEvents())
	if err != nil {
		t.Fatalf("NewQueryService: %v", err)
	}

	summaries, pagination, err := svc.ListDeployments(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("ListDeployments: %v", err)
	}
	if len(summaries) != 2 {
		t.Errorf("page size = %d, want 2", len(summaries))
	}
	if pagination.TotalItems != 5 || pagination.TotalPages != 3 {
		t.Errorf("pagination = %+v, want 5 items over 3 pages", pagination)
	}
	// Newest first.
	if summaries[0].ID != 5 || summaries[1].ID != 4 {
		t.Errorf("page ids = [%d, %d], want [5, 4]", summaries[0].ID, summaries[1].ID)
	}

	// Out-of-range parameters fall back to defaults.
	_, pagination, err = svc.ListDeployments(context.Background(), 0, -1)
	if err != nil {
		t.Fatalf("ListDeployments: %v", err)
	}
	if pagination.Page != 1 || pagination.Limit != 20 || pagination.TotalPages != 1 {
		t.Errorf("defaulted pagination = %+v", pagination)
	}
}
