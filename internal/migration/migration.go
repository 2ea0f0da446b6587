package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	accountingdomain "github.com/smallbiznis/accountingproxy/internal/accounting/domain"
	"gorm.io/gorm"
)

const migrationsDir = "migrations"

var ErrUnsupportedDialect = errors.New("unsupported_migration_dialect")

// RunMigrations applies the embedded SQL migrations for mysql or postgres.
func RunMigrations(db *sql.DB, dialect string) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}
	dialect = strings.ToLower(strings.TrimSpace(dialect))

	src, err := Source(dialect)
	if err != nil {
		return err
	}

	var driver database.Driver
	switch dialect {
	case "postgres":
		driver, err = postgres.WithInstance(db, &postgres.Config{})
	case "mysql":
		driver, err = mysql.WithInstance(db, &mysql.Config{})
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedDialect, dialect)
	}
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", src, dialect, driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

// Source opens the embedded migration set for a dialect.
func Source(dialect string) (source.Driver, error) {
	sub, err := fs.Sub(embeddedMigrations, path.Join(migrationsDir, dialect))
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	if _, err := fs.Stat(sub, "000001_create_accounting.up.sql"); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDialect, dialect)
	}

	driver, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}
	return driver, nil
}

// AutoMigrate creates the schema from the gorm models. Used for sqlite, which has
// no embedded migration set.
func AutoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&accountingdomain.AccountingRecord{},
		&accountingdomain.SpecificationReference{},
		&accountingdomain.APIToken{},
	)
}
