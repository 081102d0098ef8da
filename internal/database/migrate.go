package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/heartline/matchcore/internal/config"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// migrateLogger adapts zap to golang-migrate's Logger interface.
type migrateLogger struct {
	log *zap.SugaredLogger
}

func (l migrateLogger) Printf(format string, v ...any) { l.log.Infof(format, v...) }
func (l migrateLogger) Verbose() bool                  { return false }

// Migrate brings the schema up to date. Postgres uses the versioned SQL
// migrations; SQLite and MySQL are kept in sync with the models through
// AutoMigrate.
func Migrate(db *gorm.DB, cfg config.DatabaseConfig, log *zap.Logger) error {
	if cfg.Driver == DriverPostgres {
		return MigratePostgres(cfg.DSN, log)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("database: automigrate: %w", err)
	}
	return nil
}

// MigratePostgres applies every pending migration. It opens a dedicated
// connection because closing the migrator closes its database handle.
func MigratePostgres(dsn string, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}

	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("database: open migration connection: %w", err)
	}

	src, err := iofs.New(postgresMigrations, "migrations/postgres")
	if err != nil {
		sqlDB.Close()
		return fmt.Errorf("database: migration source: %w", err)
	}

	driver, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
	if err != nil {
		sqlDB.Close()
		return fmt.Errorf("database: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		sqlDB.Close()
		return fmt.Errorf("database: migrator: %w", err)
	}
	m.Log = migrateLogger{log: log.Named("migrate").Sugar()}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("database: migrate up: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("database: migration version: %w", err)
	}
	log.Info("schema up to date", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}
