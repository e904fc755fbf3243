package db

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenGormSQLiteCreatesParentDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "care", "crab-care.db")

	gormDB, err := OpenGorm("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open gorm sqlite: %v", err)
	}
	t.Cleanup(func() { _ = Close(gormDB) })

	if _, err := os.Stat(filepath.Dir(dbPath)); err != nil {
		t.Fatalf("expected parent dir to be created: %v", err)
	}
}

func TestOpenGormRejectsUnknownDriver(t *testing.T) {
	if _, err := OpenGorm("mysql", "x"); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
	if _, err := OpenGorm("postgres", ""); err == nil {
		t.Fatalf("expected missing dsn error")
	}
}

func TestSQLiteFilePath(t *testing.T) {
	tests := []struct {
		dsn    string
		want   string
		isFile bool
	}{
		{dsn: ":memory:", isFile: false},
		{dsn: "file::memory:?cache=shared", isFile: false},
		{dsn: "file:care.db?mode=memory", isFile: false},
		{dsn: "data/care.db?_pragma=busy_timeout(5000)", want: "data/care.db", isFile: true},
		{dsn: "file:/var/lib/care.db?cache=shared", want: "/var/lib/care.db", isFile: true},
	}
	for _, tc := range tests {
		got, ok := sqliteFilePath(tc.dsn)
		if ok != tc.isFile || got != tc.want {
			t.Fatalf("sqliteFilePath(%q) got=(%q,%v) want=(%q,%v)", tc.dsn, got, ok, tc.want, tc.isFile)
		}
	}
}

type probeRow struct {
	ID   uint `gorm:"primaryKey"`
	Note string
}

func TestOpenMigratedCreatesTables(t *testing.T) {
	gormDB, err := OpenMigrated("", filepath.Join(t.TempDir(), "probe.db"), &probeRow{})
	if err != nil {
		t.Fatalf("open migrated: %v", err)
	}
	t.Cleanup(func() { _ = Close(gormDB) })

	if !gormDB.Migrator().HasTable(&probeRow{}) {
		t.Fatalf("expected probe table to exist")
	}
	if err := gormDB.Create(&probeRow{Note: "ok"}).Error; err != nil {
		t.Fatalf("insert probe row: %v", err)
	}
}
