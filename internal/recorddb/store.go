package recorddb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/fleetota/fleetota"
)

var _ fleetota.RecordStore = (*Store)(nil)

func (s *Store) ArtifactsByIDs(ctx context.Context, kind fleetota.Kind, ids []int64) ([]fleetota.ArtifactMeta, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	table, nameCol := artifactTable(kind)
	query := fmt.Sprintf(
		`SELECT id, %s, file_hash, file_size, storage_path FROM %s WHERE id IN (%s) ORDER BY id`,
		nameCol, table, placeholders(len(ids)),
	)
	rows, err := s.db.QueryContext(ctx, query, int64Args(ids)...)
	if err != nil {
		return nil, errors.Wrap(err, "recorddb: query artifacts failed")
	}
	defer rows.Close()
	var out []fleetota.ArtifactMeta
	for rows.Next() {
		meta := fleetota.ArtifactMeta{Kind: kind}
		if err := rows.Scan(&meta.ID, &meta.Name, &meta.FileHash, &meta.FileSize, &meta.StoragePath); err != nil {
			return nil, errors.Wrap(err, "recorddb: scan artifact failed")
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

func (s *Store) ResolveTargets(ctx context.Context, filter fleetota.TargetFilter) ([]fleetota.TargetDevice, error) {
	if filter.Empty() {
		return nil, nil
	}
	var clauses []string
	var args []any
	if len(filter.DeviceIDs) > 0 {
		clauses = append(clauses, "id IN ("+placeholders(len(filter.DeviceIDs))+")")
		args = append(args, int64Args(filter.DeviceIDs)...)
	}
	if len(filter.DivisionIDs) > 0 {
		clauses = append(clauses, "division_id IN ("+placeholders(len(filter.DivisionIDs))+")")
		args = append(args, int64Args(filter.DivisionIDs)...)
	}
	if len(filter.RegionIDs) > 0 {
		clauses = append(clauses, "region_id IN ("+placeholders(len(filter.RegionIDs))+")")
		args = append(args, int64Args(filter.RegionIDs)...)
	}
	query := "SELECT id, name FROM device WHERE " + strings.Join(clauses, " OR ") + " ORDER BY id"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "recorddb: resolve targets failed")
	}
	defer rows.Close()
	var out []fleetota.TargetDevice
	for rows.Next() {
		var d fleetota.TargetDevice
		if err := rows.Scan(&d.ID, &d.Name); err != nil {
			return nil, errors.Wrap(err, "recorddb: scan target device failed")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) CreateDeployment(ctx context.Context, dep *fleetota.Deployment, deviceIDs []int64) error {
	if len(deviceIDs) == 0 {
		return errors.New("recorddb: refusing to create deployment with zero devices")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "recorddb: begin deployment tx failed")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO deployment (command_id, kind, selector, deployed_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		dep.CommandID, string(dep.Kind), string(dep.Selector), dep.DeployedAt.UnixNano(), dep.ExpiresAt.UnixNano(),
	)
	if err != nil {
		return errors.Wrap(err, "recorddb: insert deployment failed")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "recorddb: read deployment id failed")
	}

	for pos, artifactID := range dep.ArtifactIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO deployment_artifact (deployment_id, artifact_id, position) VALUES (?, ?, ?)`,
			id, artifactID, pos,
		); err != nil {
			return errors.Wrap(err, "recorddb: insert deployment artifact failed")
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO deployment_status (deployment_id, status, recorded_at) VALUES (?, ?, ?)`,
		id, string(fleetota.OverallInProgress), dep.DeployedAt.UnixNano(),
	); err != nil {
		return errors.Wrap(err, "recorddb: insert initial overall status failed")
	}

	values := make([]string, 0, len(deviceIDs))
	args := make([]any, 0, len(deviceIDs)*4)
	for _, deviceID := range deviceIDs {
		values = append(values, "(?, ?, ?, ?)")
		args = append(args, id, deviceID, string(fleetota.StatusInProgress), dep.DeployedAt.UnixNano())
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO device_deployment_status (deployment_id, device_id, status, observed_at) VALUES `+strings.Join(values, ", "),
		args...,
	); err != nil {
		return errors.Wrap(err, "recorddb: insert initial device statuses failed")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "recorddb: commit deployment tx failed")
	}
	dep.ID = id
	return nil
}

func (s *Store) DeploymentByID(ctx context.Context, id int64) (*fleetota.Deployment, error) {
	return s.deploymentBy(ctx, "id = ?", id)
}

func (s *Store) DeploymentByCommandID(ctx context.Context, commandID string) (*fleetota.Deployment, error) {
	return s.deploymentBy(ctx, "command_id = ?", commandID)
}

func (s *Store) deploymentBy(ctx context.Context, where string, arg any) (*fleetota.Deployment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, command_id, kind, selector, deployed_at, expires_at FROM deployment WHERE `+where, arg)
	dep, err := scanDeployment(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadArtifactIDs(ctx, dep); err != nil {
		return nil, err
	}
	return dep, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row rowScanner) (*fleetota.Deployment, error) {
	var dep fleetota.Deployment
	var kind, selector string
	var deployedAt, expiresAt int64
	err := row.Scan(&dep.ID, &dep.CommandID, &kind, &selector, &deployedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(fleetota.ErrNotFound, "deployment")
	}
	if err != nil {
		return nil, errors.Wrap(err, "recorddb: scan deployment failed")
	}
	dep.Kind = fleetota.Kind(kind)
	dep.Selector = fleetota.TargetSelector(selector)
	dep.DeployedAt = time.Unix(0, deployedAt).UTC()
	dep.ExpiresAt = time.Unix(0, expiresAt).UTC()
	return &dep, nil
}

func (s *Store) loadArtifactIDs(ctx context.Context, dep *fleetota.Deployment) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT artifact_id FROM deployment_artifact WHERE deployment_id = ? ORDER BY position`, dep.ID)
	if err != nil {
		return errors.Wrap(err, "recorddb: query deployment artifacts failed")
	}
	defer rows.Close()
	dep.ArtifactIDs = dep.ArtifactIDs[:0]
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return errors.Wrap(err, "recorddb: scan deployment artifact failed")
		}
		dep.ArtifactIDs = append(dep.ArtifactIDs, id)
	}
	return rows.Err()
}

func (s *Store) AppendDeviceStatuses(ctx context.Context, deploymentID int64, changes []fleetota.DeviceStatusChange) error {
	if len(changes) == 0 {
		return nil
	}
	values := make([]string, 0, len(changes))
	args := make([]any, 0, len(changes)*4)
	for _, c := range changes {
		values = append(values, "(?, ?, ?, ?)")
		args = append(args, deploymentID, c.DeviceID, string(c.Status), c.ObservedAt.UnixNano())
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_deployment_status (deployment_id, device_id, status, observed_at) VALUES `+strings.Join(values, ", "),
		args...,
	)
	return errors.Wrap(err, "recorddb: append device statuses failed")
}

func (s *Store) AppendOverallStatus(ctx context.Context, deploymentID int64, status fleetota.OverallStatus, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deployment_status (deployment_id, status, recorded_at) VALUES (?, ?, ?)`,
		deploymentID, string(status), at.UnixNano(),
	)
	return errors.Wrap(err, "recorddb: append overall status failed")
}

func (s *Store) LatestOverallStatus(ctx context.Context, deploymentID int64) (fleetota.OverallStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM deployment_status WHERE deployment_id = ? ORDER BY recorded_at DESC, id DESC LIMIT 1`,
		deploymentID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.Wrapf(fleetota.ErrNotFound, "overall status for deployment %d", deploymentID)
	}
	if err != nil {
		return "", errors.Wrap(err, "recorddb: query overall status failed")
	}
	return fleetota.OverallStatus(status), nil
}

func (s *Store) StatusCounts(ctx context.Context, deploymentID int64) (fleetota.ProgressCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM (
			SELECT status,
			       ROW_NUMBER() OVER (PARTITION BY device_id ORDER BY observed_at DESC, id DESC) AS rn
			FROM device_deployment_status
			WHERE deployment_id = ?
		)
		WHERE rn = 1
		GROUP BY status`, deploymentID)
	if err != nil {
		return fleetota.ProgressCount{}, errors.Wrap(err, "recorddb: count statuses failed")
	}
	defer rows.Close()
	byStatus := make(map[fleetota.DeviceStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return fleetota.ProgressCount{}, errors.Wrap(err, "recorddb: scan status count failed")
		}
		byStatus[fleetota.DeviceStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return fleetota.ProgressCount{}, err
	}
	return fleetota.FoldProgressCount(byStatus), nil
}

func (s *Store) TargetsByDeployment(ctx context.Context, dep *fleetota.Deployment) ([]fleetota.TargetInfo, error) {
	var query string
	switch dep.Selector {
	case fleetota.SelectDivision:
		query = `SELECT id, name FROM division WHERE id IN (
			SELECT DISTINCT d.division_id
			FROM device_deployment_status s JOIN device d ON s.device_id = d.id
			WHERE s.deployment_id = ?)`
	case fleetota.SelectRegion:
		query = `SELECT id, name FROM region WHERE id IN (
			SELECT DISTINCT d.region_id
			FROM device_deployment_status s JOIN device d ON s.device_id = d.id
			WHERE s.deployment_id = ?)`
	default:
		query = `SELECT DISTINCT d.id, d.name
			FROM device_deployment_status s JOIN device d ON s.device_id = d.id
			WHERE s.deployment_id = ?`
	}
	rows, err := s.db.QueryContext(ctx, query, dep.ID)
	if err != nil {
		return nil, errors.Wrap(err, "recorddb: query deployment targets failed")
	}
	defer rows.Close()
	var out []fleetota.TargetInfo
	for rows.Next() {
		var t fleetota.TargetInfo
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, errors.Wrap(err, "recorddb: scan deployment target failed")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) ApplyArtifacts(ctx context.Context, dep *fleetota.Deployment, deviceIDs []int64, at time.Time) error {
	if len(deviceIDs) == 0 || len(dep.ArtifactIDs) == 0 {
		return nil
	}
	table, fkCol := assignmentTable(dep.Kind)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "recorddb: begin assignment tx failed")
	}
	defer tx.Rollback()

	closeStmt := fmt.Sprintf(
		`UPDATE %s SET ended_at = ? WHERE ended_at IS NULL AND device_id IN (%s)`,
		table, placeholders(len(deviceIDs)),
	)
	args := append([]any{at.UnixNano()}, int64Args(deviceIDs)...)
	if _, err := tx.ExecContext(ctx, closeStmt, args...); err != nil {
		return errors.Wrap(err, "recorddb: close open assignments failed")
	}

	insertStmt := fmt.Sprintf(
		`INSERT INTO %s (device_id, %s, started_at) VALUES (?, ?, ?)`, table, fkCol)
	for _, deviceID := range deviceIDs {
		for _, artifactID := range dep.ArtifactIDs {
			if _, err := tx.ExecContext(ctx, insertStmt, deviceID, artifactID, at.UnixNano()); err != nil {
				return errors.Wrap(err, "recorddb: insert assignment failed")
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "recorddb: commit assignment tx failed")
	}
	log.Debug().
		Int64("deployment_id", dep.ID).
		Int("devices", len(deviceIDs)).
		Str("kind", string(dep.Kind)).
		Msg("rolled artifact assignments")
	return nil
}

func (s *Store) ListDeployments(ctx context.Context, page, limit int) ([]fleetota.Deployment, int64, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM deployment`).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "recorddb: count deployments failed")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, command_id, kind, selector, deployed_at, expires_at
		 FROM deployment ORDER BY deployed_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, (page-1)*limit)
	if err != nil {
		return nil, 0, errors.Wrap(err, "recorddb: list deployments failed")
	}
	defer rows.Close()
	var out []fleetota.Deployment
	for rows.Next() {
		dep, err := scanDeployment(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *dep)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for idx := range out {
		if err := s.loadArtifactIDs(ctx, &out[idx]); err != nil {
			return nil, 0, err
		}
	}
	return out, total, nil
}

func (s *Store) OutstandingDeployments(ctx context.Context) ([]fleetota.OutstandingDeployment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.command_id, d.kind, d.selector, d.deployed_at, d.expires_at
		FROM deployment d
		JOIN (
			SELECT deployment_id, status,
			       ROW_NUMBER() OVER (PARTITION BY deployment_id ORDER BY recorded_at DESC, id DESC) AS rn
			FROM deployment_status
		) os ON os.deployment_id = d.id AND os.rn = 1
		WHERE os.status = ?`, string(fleetota.OverallInProgress))
	if err != nil {
		return nil, errors.Wrap(err, "recorddb: query outstanding deployments failed")
	}
	defer rows.Close()
	var out []fleetota.OutstandingDeployment
	for rows.Next() {
		dep, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, fleetota.OutstandingDeployment{Deployment: *dep})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for idx := range out {
		if err := s.loadArtifactIDs(ctx, &out[idx].Deployment); err != nil {
			return nil, err
		}
		pending, err := s.pendingDeviceIDs(ctx, out[idx].ID)
		if err != nil {
			return nil, err
		}
		out[idx].PendingDeviceIDs = pending
	}
	return out, nil
}

// pendingDeviceIDs returns devices whose latest status row is not terminal.
func (s *Store) pendingDeviceIDs(ctx context.Context, deploymentID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id FROM (
			SELECT device_id, status,
			       ROW_NUMBER() OVER (PARTITION BY device_id ORDER BY observed_at DESC, id DESC) AS rn
			FROM device_deployment_status
			WHERE deployment_id = ?
		)
		WHERE rn = 1 AND status = ?
		ORDER BY device_id`, deploymentID, string(fleetota.StatusInProgress))
	if err != nil {
		return nil, errors.Wrap(err, "recorddb: query pending devices failed")
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "recorddb: scan pending device failed")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func artifactTable(kind fleetota.Kind) (table, nameCol string) {
	if kind == fleetota.KindAds {
		return "ads_metadata", "title"
	}
	return "firmware_metadata", "version"
}

func assignmentTable(kind fleetota.Kind) (table, fkCol string) {
	if kind == fleetota.KindAds {
		return "device_ads", "ads_id"
	}
	return "device_firmware", "firmware_id"
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
