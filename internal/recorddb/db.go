// Package recorddb implements the durable deployment record store on SQLite.
package recorddb

import (
	"database/sql"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed record store. It owns the catalog tables
// (regions, divisions, devices, artifacts) and the append-only deployment
// status logs.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the database at path and prepares the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "recorddb: open sqlite database failed")
	}
	if err := configure(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func configure(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=60000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return errors.Wrapf(err, "recorddb: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func prepareSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS region (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			code TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS division (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			code TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS device (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			region_id INTEGER NOT NULL REFERENCES region(id),
			division_id INTEGER NOT NULL REFERENCES division(id)
		);`,
		`CREATE TABLE IF NOT EXISTS firmware_metadata (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			version TEXT NOT NULL,
			file_hash TEXT NOT NULL,
			file_size INTEGER NOT NULL,
			storage_path TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ads_metadata (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL,
			file_hash TEXT NOT NULL,
			file_size INTEGER NOT NULL,
			storage_path TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS deployment (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			command_id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			selector TEXT NOT NULL,
			deployed_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS deployment_artifact (
			deployment_id INTEGER NOT NULL REFERENCES deployment(id),
			artifact_id INTEGER NOT NULL,
			position INTEGER NOT NULL,
			PRIMARY KEY (deployment_id, artifact_id)
		);`,
		`CREATE TABLE IF NOT EXISTS device_deployment_status (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			deployment_id INTEGER NOT NULL REFERENCES deployment(id),
			device_id INTEGER NOT NULL REFERENCES device(id),
			status TEXT NOT NULL,
			observed_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_dds_deployment_device
			ON device_deployment_status(deployment_id, device_id, observed_at DESC);`,
		`CREATE TABLE IF NOT EXISTS deployment_status (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			deployment_id INTEGER NOT NULL REFERENCES deployment(id),
			status TEXT NOT NULL,
			recorded_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ds_deployment
			ON deployment_status(deployment_id, recorded_at DESC);`,
		`CREATE TABLE IF NOT EXISTS device_firmware (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id INTEGER NOT NULL REFERENCES device(id),
			firmware_id INTEGER NOT NULL REFERENCES firmware_metadata(id),
			started_at INTEGER NOT NULL,
			ended_at INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS device_ads (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id INTEGER NOT NULL REFERENCES device(id),
			ads_id INTEGER NOT NULL REFERENCES ads_metadata(id),
			started_at INTEGER NOT NULL,
			ended_at INTEGER
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrap(err, "recorddb: init schema failed")
		}
	}
	return nil
}
