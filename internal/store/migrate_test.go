package store

import (
	"context"
	"io/fs"
	"strings"
	"testing"
)

func TestMigrate_Validation(t *testing.T) {
	if err := Migrate("", "up"); err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Errorf("empty dsn: err = %v", err)
	}
	if err := Migrate("postgres://localhost/x", "sideways"); err == nil || !strings.Contains(err.Error(), "direction") {
		t.Errorf("bad direction: err = %v", err)
	}
}

func TestMigrationFS_Pairs(t *testing.T) {
	entries, err := fs.ReadDir(MigrationFS, "migrations")
	if err != nil {
		t.Fatal(err)
	}
	ups, downs := map[string]bool{}, map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Errorf("unexpected file %s", name)
		}
	}
	if len(ups) == 0 {
		t.Fatal("no migrations embedded")
	}
	for v := range ups {
		if !downs[v] {
			t.Errorf("migration %s has no down file", v)
		}
	}
}

func TestInitMigration_AcceptedUniqueIndex(t *testing.T) {
	b, err := fs.ReadFile(MigrationFS, "migrations/000001_init.up.sql")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "WHERE decision = 'accepted'") {
		t.Error("accepted-attempt partial unique index missing")
	}
}

func TestHealthy_Nil(t *testing.T) {
	var d *DB
	if d.Healthy(context.Background()) {
		t.Error("nil DB should not be healthy")
	}
	var r *Redis
	if r.Healthy(context.Background()) {
		t.Error("nil Redis should not be healthy")
	}
}
