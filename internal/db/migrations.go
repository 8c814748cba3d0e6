package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strings"
	"time"

	btclogv1 "github.com/btcsuite/btclog"
	"github.com/btcsuite/btclog/v2"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/httpfs"
)

// MigrationTarget is a functional option that can be passed to
// ApplyMigrations to specify a target version to migrate to.
// `currentDBVersion` is the current (migration) version of the database.
// `maxMigrationVersion` is the maximum migration version known to the
// caller.
type MigrationTarget func(mig *migrate.Migrate,
	currentDBVersion int, maxMigrationVersion uint) error

var (
	// TargetLatest is a MigrationTarget that migrates to the latest
	// version available.
	TargetLatest = func(mig *migrate.Migrate, _ int, _ uint) error {
		return mig.Up()
	}
)

var (
	// ErrMigrationDowngrade is returned when a database downgrade is
	// detected.
	ErrMigrationDowngrade = errors.New("database downgrade detected")
)

// MigrationSet names an embedded set of migration files.
type MigrationSet struct {
	// FS holds the migration files.
	FS fs.FS

	// Dir is the directory inside FS containing the files.
	Dir string

	// Table is the name of the schema version table. Distinct sets that
	// share a database file need distinct tables.
	Table string

	// LatestVersion is the newest version in the set. Databases at a
	// higher version are refused.
	//
	// NOTE: This MUST be updated when a new migration is added.
	LatestVersion uint
}

// migrateOptions holds options for migration execution.
type migrateOptions struct {
	target     MigrationTarget
	backupPath string
}

// MigrateOpt is a functional option that can be passed to migrate related
// methods to modify behavior.
type MigrateOpt func(*migrateOptions)

// WithBackup makes ApplyMigrations snapshot the database file next to path
// before upgrading a database that already has a schema.
func WithBackup(path string) MigrateOpt {
	return func(o *migrateOptions) {
		o.backupPath = path
	}
}

// migrationLogger adapts a btclog logger to the migrate.Logger interface.
type migrationLogger struct {
	log btclog.Logger
}

// Printf implements the migrate.Logger interface.
func (m *migrationLogger) Printf(format string, v ...any) {
	format = strings.TrimRight(format, "\n")
	m.log.Debugf(format, v...)
}

// Verbose returns true when verbose logging is enabled.
func (m *migrationLogger) Verbose() bool {
	return m.log.Level() <= btclogv1.LevelDebug
}

// ApplyMigrations brings the schema of db up to date with the given
// migration set.
func ApplyMigrations(ctx context.Context, db *sql.DB, set MigrationSet,
	log btclog.Logger, opts ...MigrateOpt) error {

	o := &migrateOptions{
		target: TargetLatest,
	}
	for _, opt := range opts {
		opt(o)
	}

	if log == nil {
		log = btclog.Disabled
	}

	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{
		MigrationsTable: set.Table,
	})
	if err != nil {
		return fmt.Errorf("unable to create migration driver: %w", err)
	}

	if o.backupPath != "" {
		version, _, err := driver.Version()
		if err != nil {
			return fmt.Errorf("unable to get current db version: "+
				"%w", err)
		}

		if version > 0 && uint(version) < set.LatestVersion {
			err := backupSqliteDatabase(ctx, db, o.backupPath, log)
			if err != nil {
				return fmt.Errorf("backup before migration: %w",
					err)
			}
		}
	}

	return applyMigrations(ctx, set, driver, o.target, log)
}

// applyMigrations executes the migration files of set using the passed
// database driver, up to or down to the given target version.
func applyMigrations(ctx context.Context, set MigrationSet,
	driver database.Driver, targetVersion MigrationTarget,
	log btclog.Logger) error {

	migrateFileServer, err := httpfs.New(http.FS(set.FS), set.Dir)
	if err != nil {
		return err
	}

	sqlMigrate, err := migrate.NewWithInstance(
		"migrations", migrateFileServer, "sqlite3", driver,
	)
	if err != nil {
		return err
	}

	migrationVersion, dirty, err := sqlMigrate.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("unable to determine current migration "+
			"version: %w", err)
	}

	// A dirty version means a previous migration did not complete and
	// requires manual intervention.
	if dirty {
		return fmt.Errorf("database is in a dirty state at version "+
			"%v, manual intervention required", migrationVersion)
	}

	// Down migrations may drop data, so a newer schema is never
	// silently rolled back.
	if migrationVersion > set.LatestVersion {
		return fmt.Errorf("%w: database version is newer than the "+
			"latest migration version, preventing downgrade: "+
			"db_version=%v, latest_migration_version=%v",
			ErrMigrationDowngrade, migrationVersion,
			set.LatestVersion)
	}

	currentDBVersion, _, err := driver.Version()
	if err != nil {
		return fmt.Errorf("unable to get current db version: %w", err)
	}

	sqlMigrate.Log = &migrationLogger{log}

	err = targetVersion(sqlMigrate, currentDBVersion, set.LatestVersion)
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		return nil

	case err != nil:
		return err
	}

	newVersion, _, err := driver.Version()
	if err != nil {
		return fmt.Errorf("unable to get current db version: %w", err)
	}

	log.InfoS(ctx, "Applied schema migrations",
		"table", set.Table,
		"from_version", currentDBVersion,
		"to_version", newVersion,
	)

	return nil
}

// backupSqliteDatabase creates a backup of the given SQLite database using
// VACUUM INTO.
func backupSqliteDatabase(ctx context.Context, srcDB *sql.DB,
	dbFullFilePath string, log btclog.Logger) error {

	backupFullFilePath := fmt.Sprintf(
		"%s.%d.backup", dbFullFilePath, time.Now().UnixNano(),
	)

	log.InfoS(ctx, "Creating backup of database file",
		"source", dbFullFilePath,
		"backup", backupFullFilePath,
	)

	_, err := srcDB.ExecContext(ctx, "VACUUM INTO ?", backupFullFilePath)

	return MapSQLError(err)
}
