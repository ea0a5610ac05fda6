package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"tgpipeline/internal/models"
)

func TestRepositories_ImplementInterfaces(t *testing.T) {
	var _ RawMessageRepository = (*rawMessageRepository)(nil)
	var _ DetectionRepository = (*detectionRepository)(nil)
	var _ AnalyticsRepository = (*analyticsRepository)(nil)
}

func TestEscapeLike(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"vitamin", "vitamin"},
		{"100%", `100\%`},
		{"a_b", `a\_b`},
		{`c:\tmp`, `c:\\tmp`},
		{`%_\`, `\%\_\\`},
		{"Крем", "Крем"},
	}
	for _, tt := range tests {
		if got := EscapeLike(tt.in); got != tt.want {
			t.Errorf("EscapeLike(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// setupTestDB connects to TEST_DATABASE_URL and recreates the raw schema.
func setupTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("test database is unreachable: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cleanup := `
		DROP SCHEMA IF EXISTS analytics CASCADE;
		DROP SCHEMA IF EXISTS raw CASCADE;
		DROP TABLE IF EXISTS schema_migrations;
	`
	if _, err := db.Exec(cleanup); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	if err := NewSchema(dsn, zap.NewNop()).Ensure(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return db
}

func strPtr(s string) *string { return &s }

func TestSchemaEnsure_Idempotent(t *testing.T) {
	db := setupTestDB(t)

	if err := NewSchema(os.Getenv("TEST_DATABASE_URL"), zap.NewNop()).Ensure(context.Background()); err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	for _, table := range []string{"raw.telegram_messages", "raw.image_detections", "raw.load_manifest"} {
		var regclass *string
		if err := db.Get(&regclass, `SELECT to_regclass($1)::text`, table); err != nil {
			t.Fatalf("lookup %s: %v", table, err)
		}
		if regclass == nil {
			t.Errorf("table %s was not created", table)
		}
	}
}

func TestInsertMessage_ConflictIgnoresLaterWrites(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRawMessageRepository(db, 5*time.Second, zap.NewNop())
	ctx := context.Background()

	first := &models.RawMessage{
		ID:      42,
		Date:    time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC),
		Text:    strPtr("first"),
		Channel: "lobelia4cosmetics",
	}
	second := *first
	second.Text = strPtr("second")
	second.Channel = "tikvahpharma"

	inserted, err := repo.InsertMessage(ctx, first)
	if err != nil || !inserted {
		t.Fatalf("first insert = %v, %v; want true, nil", inserted, err)
	}
	inserted, err = repo.InsertMessage(ctx, &second)
	if err != nil || inserted {
		t.Fatalf("second insert = %v, %v; want false, nil", inserted, err)
	}

	count, err := repo.CountMessages(ctx)
	if err != nil {
		t.Fatalf("CountMessages: %v", err)
	}
	if count != 1 {
		t.Errorf("rows = %d, want 1", count)
	}

	var text, channel string
	if err := db.QueryRow(`SELECT text, channel FROM raw.telegram_messages WHERE id = 42`).Scan(&text, &channel); err != nil {
		t.Fatalf("select: %v", err)
	}
	if text != "first" || channel != "lobelia4cosmetics" {
		t.Errorf("stored (%q, %q), want the first write", text, channel)
	}
}

func TestLoadManifest(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRawMessageRepository(db, 5*time.Second, zap.NewNop())
	ctx := context.Background()

	if _, ok, err := repo.FileChecksum(ctx, "raw/2024-01-01/a/a_messages.json"); err != nil || ok {
		t.Fatalf("FileChecksum before load = %v, %v", ok, err)
	}
	if err := repo.MarkFileLoaded(ctx, "raw/2024-01-01/a/a_messages.json", "abc"); err != nil {
		t.Fatalf("MarkFileLoaded: %v", err)
	}
	if err := repo.MarkFileLoaded(ctx, "raw/2024-01-01/a/a_messages.json", "def"); err != nil {
		t.Fatalf("MarkFileLoaded again: %v", err)
	}
	sum, ok, err := repo.FileChecksum(ctx, "raw/2024-01-01/a/a_messages.json")
	if err != nil || !ok || sum != "def" {
		t.Errorf("FileChecksum = %q, %v, %v; want def, true, nil", sum, ok, err)
	}
}

func TestInsertDetections_ReloadDuplicates(t *testing.T) {
	db := setupTestDB(t)
	repo := NewDetectionRepository(db, 5*time.Second, zap.NewNop())
	ctx := context.Background()

	detections := []models.Detection{
		{MessageID: 1, ImagePath: "data/raw/2024-01-01/a/1.jpg", ObjectClass: "bottle", ConfidenceScore: 0.9123, Channel: "a", Date: "2024-01-01"},
		{MessageID: 2, ImagePath: "data/raw/2024-01-01/a/2.jpg", ObjectClass: "cup", ConfidenceScore: 0.5, Channel: "a", Date: "2024-01-01"},
	}
	for i := 0; i < 2; i++ {
		n, err := repo.InsertDetections(ctx, detections)
		if err != nil {
			t.Fatalf("load %d: %v", i, err)
		}
		if n != len(detections) {
			t.Errorf("load %d inserted %d, want %d", i, n, len(detections))
		}
	}

	count, err := repo.CountDetections(ctx)
	if err != nil {
		t.Fatalf("CountDetections: %v", err)
	}
	if count != 4 {
		t.Errorf("rows = %d, want 4", count)
	}
}
