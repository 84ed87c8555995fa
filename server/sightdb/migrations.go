package sightdb

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE sighting(
			id INTEGER PRIMARY KEY,
			time INT NOT NULL,
			correlation_id TEXT NOT NULL,
			raw_text TEXT NOT NULL,
			matched TEXT NOT NULL,
			confidence REAL NOT NULL,
			detail BLOB
		);

		CREATE TABLE announcement(
			id INTEGER PRIMARY KEY,
			time INT NOT NULL,
			correlation_id TEXT NOT NULL,
			identifier TEXT NOT NULL,
			latency_ms INT NOT NULL
		);
	`))

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE INDEX idx_sighting_time ON sighting(time);
		CREATE INDEX idx_sighting_correlation_id ON sighting(correlation_id);
	`))

	return migs
}
