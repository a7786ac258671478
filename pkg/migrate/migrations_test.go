package migrate_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/angelmondragon/stockflow/pkg/db/dbtest"
	"github.com/angelmondragon/stockflow/pkg/db/models"
	"github.com/angelmondragon/stockflow/pkg/migrate"
)

func readMigration(t *testing.T, suffix string) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join("migrations", "*_"+suffix+".sql"))
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(matches) == 0 {
		t.Fatalf("no %s migration file found", suffix)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read migration file: %v", err)
	}
	return string(data)
}

func TestOrdersMigrationContainsConstraints(t *testing.T) {
	content := readMigration(t, "create_orders")
	checks := []string{
		"CREATE TABLE IF NOT EXISTS sequence_info",
		"VALUES ('order_info', 1, 1)",
		"CREATE TABLE IF NOT EXISTS stock_logs",
		"CHECK (status IN (1, 2, 3))",
		"CREATE TABLE IF NOT EXISTS order_info",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_order_info_stock_log_id ON order_info (stock_log_id)",
		"DROP TABLE IF EXISTS order_info",
	}
	for _, sub := range checks {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func TestTxMessagesMigrationContainsStates(t *testing.T) {
	content := readMigration(t, "create_tx_messages")
	checks := []string{
		"CREATE TABLE IF NOT EXISTS tx_messages",
		"'half', 'committed', 'rolled_back', 'published', 'discarded'",
		"CREATE TABLE IF NOT EXISTS tx_message_dlq",
		"'max_attempts', 'non_retryable', 'checkback_exhausted'",
		"DROP TABLE IF EXISTS tx_messages",
	}
	for _, sub := range checks {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func TestMigrationsValidateAndAreEmbedded(t *testing.T) {
	if err := migrate.ValidateDir("migrations"); err != nil {
		t.Fatalf("validate: %v", err)
	}

	onDisk, err := filepath.Glob(filepath.Join("migrations", "*.sql"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	embedded, err := migrate.Embedded()
	if err != nil {
		t.Fatalf("embedded: %v", err)
	}
	if len(embedded) != len(onDisk) {
		t.Fatalf("expected %d embedded migrations, got %d", len(onDisk), len(embedded))
	}
}

func TestCreateSQLMigration(t *testing.T) {
	dir := t.TempDir()
	path, err := migrate.CreateSQLMigration(dir, "Add Hint Index")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasSuffix(path, "_add_hint_index.sql") {
		t.Fatalf("unexpected path %q", path)
	}
	if err := migrate.ValidateDir(dir); err != nil {
		t.Fatalf("generated migration should validate: %v", err)
	}
}

func TestValidateDirRejectsBadNames(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "orders.sql"), []byte("-- +goose Up\n-- +goose Down\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := migrate.ValidateDir(dir); err == nil {
		t.Fatal("expected invalid filename to fail validation")
	}
}

func TestAutoMigrateSeedsSequenceOnce(t *testing.T) {
	client := dbtest.Open(t, &models.Item{})
	ctx := context.Background()

	if err := migrate.AutoMigrate(ctx, client, "order_info"); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	if err := client.DB().Model(&models.Sequence{}).
		Where("name = ?", "order_info").
		Update("current_value", 42).Error; err != nil {
		t.Fatalf("advance sequence: %v", err)
	}
	if err := migrate.AutoMigrate(ctx, client, "order_info"); err != nil {
		t.Fatalf("second auto-migrate: %v", err)
	}

	var seq models.Sequence
	if err := client.DB().Where("name = ?", "order_info").First(&seq).Error; err != nil {
		t.Fatalf("load sequence: %v", err)
	}
	if seq.CurrentValue != 42 || seq.Step != 1 {
		t.Fatalf("sequence reset by second run: %+v", seq)
	}
	if !client.DB().Migrator().HasTable(&models.TxMessageDLQ{}) {
		t.Fatal("expected dead-letter table to exist")
	}
}
