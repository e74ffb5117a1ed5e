package db

import (
	"testing"
	"testing/fstest"
	"time"
)

func TestLoadMigrations(t *testing.T) {
	files := fstest.MapFS{
		"002_maintenance.sql": {Data: []byte("CREATE TABLE maintenance_schedules (id TEXT);")},
		"001_resources.sql":   {Data: []byte("CREATE TABLE rooms (id TEXT);")},
		"010_bookings.sql":    {Data: []byte("CREATE TABLE bookings (id TEXT);")},
		"README.md":           {Data: []byte("ignored")},
		"notes.sql":           {Data: []byte("ignored, no prefix")},
		"abc_bad.sql":         {Data: []byte("ignored, non numeric")},
	}

	migrations, err := NewMigrator(nil, files).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	want := []int{1, 2, 10}
	for i, v := range want {
		if migrations[i].Version != v {
			t.Errorf("migration %d: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
	if migrations[0].SQL != "CREATE TABLE rooms (id TEXT);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	files := fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"001_b.sql": {Data: []byte("SELECT 1;")},
	}
	if _, err := NewMigrator(nil, files).LoadMigrations(); err == nil {
		t.Fatal("expected error for duplicate version")
	}
}

func TestPendingAndStatus(t *testing.T) {
	migrations := []Migration{{Version: 1, Name: "001_a.sql"}, {Version: 2, Name: "002_b.sql"}}
	applied := map[int]time.Time{1: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	pending := Pending(migrations, applied)
	if len(pending) != 1 || pending[0].Version != 2 {
		t.Fatalf("expected only version 2 pending, got %+v", pending)
	}

	status := statusOf(migrations, applied)
	if !status[0].Applied || status[0].AppliedAt == nil {
		t.Error("expected version 1 applied")
	}
	if status[1].Applied {
		t.Error("expected version 2 pending")
	}
}
