// Package dbtest opens throwaway sqlite databases for package tests.
package dbtest

import (
	"fmt"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/stockflow/pkg/db"
	"github.com/angelmondragon/stockflow/pkg/db/models"
)

// AllModels lists every persisted model in migration order.
func AllModels() []any {
	return models.All()
}

// Open returns a client over a private in-memory database migrated with the given models.
// With no models it migrates AllModels.
func Open(t testing.TB, migrate ...any) *db.Client {
	t.Helper()
	dsn := "file:stockflow_" + uuid.NewString() + "?mode=memory&cache=shared"
	return open(t, dsn, 1, migrate)
}

// OpenPool returns a client over a temporary on-disk database with up to conns
// open connections, so concurrent transactions really contend. Write
// transactions begin IMMEDIATE and wait on the busy timeout for the lock.
func OpenPool(t testing.TB, conns int, migrate ...any) *db.Client {
	t.Helper()
	if conns < 2 {
		conns = 2
	}
	path := filepath.Join(t.TempDir(), "stockflow.db")
	dsn := fmt.Sprintf("file:%s?_busy_timeout=10000&_txlock=immediate&_journal_mode=WAL", path)
	return open(t, dsn, conns, migrate)
}

func open(t testing.TB, dsn string, conns int, migrate []any) *db.Client {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.New(
			log.New(io.Discard, "", log.LstdFlags),
			gormlogger.Config{LogLevel: gormlogger.Silent},
		),
		SkipDefaultTransaction: true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(conns)

	if len(migrate) == 0 {
		migrate = AllModels()
	}
	if err := conn.AutoMigrate(migrate...); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}

	t.Cleanup(func() { _ = sqlDB.Close() })
	return db.Wrap(conn)
}
