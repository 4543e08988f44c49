package recorddb

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/fleetota/fleetota"
)

// Catalog helpers used by the seed command and by tests. Entity CRUD proper
// lives outside this core.

// AddRegion inserts a region and returns its id.
func (s *Store) AddRegion(ctx context.Context, code, name string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO region (code, name) VALUES (?, ?)`, code, name)
	if err != nil {
		return 0, errors.Wrap(err, "recorddb: insert region failed")
	}
	return res.LastInsertId()
}

// AddDivision inserts a division and returns its id.
func (s *Store) AddDivision(ctx context.Context, code, name string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO division (code, name) VALUES (?, ?)`, code, name)
	if err != nil {
		return 0, errors.Wrap(err, "recorddb: insert division failed")
	}
	return res.LastInsertId()
}

// AddDevice inserts a device under the given region and division.
func (s *Store) AddDevice(ctx context.Context, name string, regionID, divisionID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO device (name, region_id, division_id) VALUES (?, ?, ?)`, name, regionID, divisionID)
	if err != nil {
		return 0, errors.Wrap(err, "recorddb: insert device failed")
	}
	return res.LastInsertId()
}

// AddArtifact inserts firmware or advertisement metadata and returns its id.
func (s *Store) AddArtifact(ctx context.Context, meta fleetota.ArtifactMeta) (int64, error) {
	table, nameCol := artifactTable(meta.Kind)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO `+table+` (`+nameCol+`, file_hash, file_size, storage_path, created_at) VALUES (?, ?, ?, ?, ?)`,
		meta.Name, meta.FileHash, meta.FileSize, meta.StoragePath, time.Now().UnixNano())
	if err != nil {
		return 0, errors.Wrapf(err, "recorddb: insert %s artifact failed", meta.Kind)
	}
	return res.LastInsertId()
}

// CurrentAssignments returns the artifact ids currently assigned to a device
// (rows without ended_at) for the given kind.
func (s *Store) CurrentAssignments(ctx context.Context, kind fleetota.Kind, deviceID int64) ([]int64, error) {
	table, fkCol := assignmentTable(kind)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fkCol+` FROM `+table+` WHERE device_id = ? AND ended_at IS NULL ORDER BY id`, deviceID)
	if err != nil {
		return nil, errors.Wrap(err, "recorddb: query assignments failed")
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "recorddb: scan assignment failed")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
