package index

import (
	"embed"

	"github.com/roasbeef/mailsync/internal/db"
)

// LatestMigrationVersion is the newest schema version this binary knows.
//
// NOTE: This MUST be updated when a new migration is added.
const LatestMigrationVersion uint = 2

//go:embed migrations/*.sql
var sqlSchemas embed.FS

// migrationSet describes the index schema migrations.
var migrationSet = db.MigrationSet{
	FS:            sqlSchemas,
	Dir:           "migrations",
	Table:         "index_migrations",
	LatestVersion: LatestMigrationVersion,
}
