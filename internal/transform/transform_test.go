package transform

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestLoadModels_EmbeddedOrder(t *testing.T) {
	models, err := LoadModels()
	if err != nil {
		t.Fatalf("LoadModels: %v", err)
	}

	want := []struct {
		name, materialized string
	}{
		{"stg_telegram_messages", "view"},
		{"stg_image_detections", "view"},
		{"fct_messages", "table"},
		{"fct_image_detections", "table"},
	}
	if len(models) != len(want) {
		t.Fatalf("got %d models, want %d", len(models), len(want))
	}
	for i, w := range want {
		if models[i].Name != w.name || models[i].Materialized != w.materialized {
			t.Errorf("model %d = %s (%s), want %s (%s)", i, models[i].Name, models[i].Materialized, w.name, w.materialized)
		}
		if strings.HasPrefix(models[i].SQL, "--") {
			t.Errorf("model %s kept its header in the body", models[i].Name)
		}
	}
}

func TestLoadModels_FactsReadStaging(t *testing.T) {
	models, err := LoadModels()
	if err != nil {
		t.Fatalf("LoadModels: %v", err)
	}
	byName := make(map[string]Model)
	for _, m := range models {
		byName[m.Name] = m
	}

	if !strings.Contains(byName["fct_messages"].SQL, "analytics.stg_telegram_messages") {
		t.Error("fct_messages does not read stg_telegram_messages")
	}
	if !strings.Contains(byName["fct_image_detections"].SQL, "analytics.stg_image_detections") {
		t.Error("fct_image_detections does not read stg_image_detections")
	}
	for _, col := range []string{"message_id", "channel", "date_day", "has_photo", "message_length", "text", "photo_path", "sender_id"} {
		if !strings.Contains(byName["stg_telegram_messages"].SQL, col) {
			t.Errorf("stg_telegram_messages is missing column %s", col)
		}
	}
}

func TestModelStatements(t *testing.T) {
	view := Model{Name: "stg_x", Materialized: "view", SQL: "SELECT 1"}
	got := view.Statements()
	want := []string{
		"DROP VIEW IF EXISTS analytics.stg_x CASCADE",
		"CREATE VIEW analytics.stg_x AS\nSELECT 1",
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("view statement %d = %q, want %q", i, got[i], want[i])
		}
	}

	table := Model{Name: "fct_x", Materialized: "table", SQL: "SELECT 2"}
	got = table.Statements()
	if got[0] != "DROP TABLE IF EXISTS analytics.fct_x CASCADE" {
		t.Errorf("table drop = %q", got[0])
	}
	if got[1] != "CREATE TABLE analytics.fct_x AS\nSELECT 2" {
		t.Errorf("table create = %q", got[1])
	}
}

func TestParseModels_Errors(t *testing.T) {
	tests := []struct {
		name  string
		files fstest.MapFS
	}{
		{
			name:  "missing header",
			files: fstest.MapFS{"m/01_a.sql": {Data: []byte("SELECT 1")}},
		},
		{
			name:  "unknown materialization",
			files: fstest.MapFS{"m/01_a.sql": {Data: []byte("-- materialized: incremental\nSELECT 1")}},
		},
		{
			name:  "bad file name",
			files: fstest.MapFS{"m/a.sql": {Data: []byte("-- materialized: view\nSELECT 1")}},
		},
		{
			name:  "empty body",
			files: fstest.MapFS{"m/01_a.sql": {Data: []byte("-- materialized: view\n;")}},
		},
		{
			name: "duplicate name",
			files: fstest.MapFS{
				"m/01_a.sql": {Data: []byte("-- materialized: view\nSELECT 1")},
				"m/02_a.sql": {Data: []byte("-- materialized: view\nSELECT 2")},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseModels(tt.files, "m"); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestParseModels_SortsAndTrims(t *testing.T) {
	files := fstest.MapFS{
		"m/02_b.sql":   {Data: []byte("-- materialized: table\nSELECT * FROM analytics.a;\n")},
		"m/01_a.sql":   {Data: []byte("--materialized:view\nSELECT 1\n")},
		"m/README.txt": {Data: []byte("ignored")},
	}
	models, err := parseModels(files, "m")
	if err != nil {
		t.Fatalf("parseModels: %v", err)
	}
	if len(models) != 2 || models[0].Name != "a" || models[1].Name != "b" {
		t.Fatalf("unexpected models: %+v", models)
	}
	if models[1].SQL != "SELECT * FROM analytics.a" {
		t.Errorf("trailing semicolon kept: %q", models[1].SQL)
	}
}
