package db

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	sqliteDriver "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	DefaultSQLitePath = "crab-care.db"
)

// OpenGorm opens a sqlite or postgres database with SQL logging silenced;
// callers log at their own layer. An empty driver means sqlite and an empty
// sqlite dsn means DefaultSQLitePath.
func OpenGorm(driver, dsn string) (*gorm.DB, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		driver = DriverSQLite
	}
	dialector, err := dialectorFor(driver, strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}

	gormDB, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// sqlite allows one writer; serialize through a single connection.
		sqlDB, err := gormDB.DB()
		if err != nil {
			return nil, fmt.Errorf("sqlite handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return gormDB, nil
}

// OpenMigrated opens the database and migrates models, closing the pool again
// when migration fails.
func OpenMigrated(driver, dsn string, models ...any) (*gorm.DB, error) {
	gormDB, err := OpenGorm(driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := gormDB.AutoMigrate(models...); err != nil {
		_ = Close(gormDB)
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return gormDB, nil
}

func dialectorFor(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case DriverSQLite:
		if dsn == "" {
			dsn = DefaultSQLitePath
		}
		if err := ensureSQLiteDirectory(dsn); err != nil {
			return nil, err
		}
		return sqliteDriver.Open(dsn), nil
	case DriverPostgres:
		if dsn == "" {
			return nil, fmt.Errorf("dsn is required for driver %q", driver)
		}
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

// Close releases the connection pool behind gormDB.
func Close(gormDB *gorm.DB) error {
	if gormDB == nil {
		return nil
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func ensureSQLiteDirectory(dsn string) error {
	path, ok := sqliteFilePath(dsn)
	if !ok {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sqlite db dir: %w", err)
	}
	return nil
}

func sqliteFilePath(dsn string) (string, bool) {
	lower := strings.ToLower(dsn)
	if lower == ":memory:" || strings.HasPrefix(lower, "file::memory:") {
		return "", false
	}
	if !strings.HasPrefix(lower, "file:") {
		return stripQuery(dsn), true
	}

	parsed, err := url.Parse(dsn)
	if err != nil {
		return stripQuery(dsn), true
	}
	if strings.EqualFold(parsed.Query().Get("mode"), "memory") {
		return "", false
	}
	switch {
	case parsed.Path != "":
		return parsed.Path, true
	case parsed.Opaque != "":
		return stripQuery(strings.TrimPrefix(dsn, "file:")), true
	}
	return "", false
}

func stripQuery(v string) string {
	if i := strings.IndexByte(v, '?'); i >= 0 {
		return v[:i]
	}
	return v
}
