package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/fleetota/fleetota"
)

type stubDeployer struct {
	got    fleetota.DeployRequest
	result *fleetota.DeployResult
	err    error
}

func (s *stubDeployer) Deploy(ctx context.Context, req fleetota.DeployRequest) (*fleetota.DeployResult, error) {
	s.got = req
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type stubQuerier struct {
	detail    *fleetota.DeploymentDetail
	summaries []fleetota.DeploymentSummary
	err       error
}

func (s *stubQuerier) DeploymentDetail(ctx context.Context, deploymentID int64) (*fleetota.DeploymentDetail, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.detail, nil
}

func (s *stubQuerier) ListDeployments(ctx context.Context, page, limit int) ([]fleetota.DeploymentSummary, fleetota.Pagination, error) {
	if s.err != nil {
		return nil, fleetota.Pagination{}, s.err
	}
	return s.summaries, fleetota.Pagination{Page: page, Limit: limit, TotalItems: int64(len(s.summaries)), TotalPages: 1}, nil
}

func doRequest(t *testing.T, deployer Deployer, querier Querier, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	router := NewRouter(deployer, querier)
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateDeploymentAccepted(t *testing.T) {
	deployer := &stubDeployer{result: &fleetota.DeployResult{
		DeploymentID: 7,
		Command:      fleetota.DeploymentCommand{CommandID: "FW-abc"},
		TargetCount:  3,
	}}
	w := doRequest(t, deployer, &stubQuerier{}, http.MethodPost, "/api/deployments",
		`{"kind":"firmware","artifactIds":[1],"deviceIds":[10,11,12]}`)

	require.Equal(t, http.StatusAccepted, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.EqualValues(t, 7, body["deploymentId"])
	require.Equal(t, "FW-abc", body["commandId"])
	require.EqualValues(t, 3, body["targetCount"])

	require.Equal(t, fleetota.KindFirmware, deployer.got.Kind)
	require.Equal(t, []int64{10, 11, 12}, deployer.got.Filter.DeviceIDs)
}

func TestCreateDeploymentRejectsEmptyTargets(t *testing.T) {
	w := doRequest(t, &stubDeployer{}, &stubQuerier{}, http.MethodPost, "/api/deployments",
		`{"kind":"firmware","artifactIds":[1]}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateDeploymentRejectsBadKind(t *testing.T) {
	w := doRequest(t, &stubDeployer{}, &stubQuerier{}, http.MethodPost, "/api/deployments",
		`{"kind":"malware","artifactIds":[1],"deviceIds":[10]}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{errors.Wrap(fleetota.ErrInvalidRequest, "zero targets"), http.StatusBadRequest},
		{errors.Wrap(fleetota.ErrNotFound, "unknown artifact"), http.StatusNotFound},
		{errors.Wrap(fleetota.ErrDispatchFailed, "handler down"), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		w := doRequest(t, &stubDeployer{err: tc.err}, &stubQuerier{}, http.MethodPost, "/api/deployments",
			`{"kind":"firmware","artifactIds":[1],"deviceIds":[10]}`)
		require.Equal(t, tc.code, w.Code, "err %v", tc.err)
	}
}

func TestDeploymentDetailRoute(t *testing.T) {
	querier := &stubQuerier{detail: &fleetota.DeploymentDetail{
		DeploymentSummary: fleetota.DeploymentSummary{
			Deployment: fleetota.Deployment{ID: 7, CommandID: "FW-abc", Kind: fleetota.KindFirmware},
			Overall:    fleetota.OverallInProgress,
			Counts:     fleetota.ProgressCount{Total: 3, Succeeded: 1, InProgress: 2},
		},
		Devices: []fleetota.DeviceStatusDetail{{DeviceID: 10, Status: "DOWNLOADING", Progress: 40}},
	}}
	w := doRequest(t, &stubDeployer{}, querier, http.MethodGet, "/api/deployments/7", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "FW-abc", body["commandId"])
	require.Equal(t, "IN_PROGRESS", body["status"])
	require.Len(t, body["devices"], 1)

	w = doRequest(t, &stubDeployer{}, &stubQuerier{err: fleetota.ErrNotFound}, http.MethodGet, "/api/deployments/404", "")
	require.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(t, &stubDeployer{}, querier, http.MethodGet, "/api/deployments/abc", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListDeploymentsRoute(t *testing.T) {
	querier := &stubQuerier{summaries: []fleetota.DeploymentSummary{
		{Deployment: fleetota.Deployment{ID: 2, CommandID: "FW-b"}},
		{Deployment: fleetota.Deployment{ID: 1, CommandID: "FW-a"}},
	}}
	w := doRequest(t, &stubDeployer{}, querier, http.MethodGet, "/api/deployments?page=1&limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Deployments []map[string]interface{} `json:"deployments"`
		Pagination  fleetota.Pagination      `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Deployments, 2)
	require.Equal(t, 1, body.Pagination.Page)
	require.Equal(t, 2, body.Pagination.Limit)
}

func TestHealthz(t *testing.T) {
	w := doRequest(t, &stubDeployer{}, &stubQuerier{}, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
}
