package migrate

import (
	"testing"

	"questline/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	for i := 0; i < 2; i++ {
		if err := Migrate(conn); err != nil {
			t.Fatalf("migrate pass %d: %v", i+1, err)
		}
	}

	migrations, err := load()
	if err != nil {
		t.Fatal(err)
	}
	if len(migrations) == 0 {
		t.Fatal("no embedded migrations")
	}
	latest := migrations[len(migrations)-1].version

	var version int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != latest {
		t.Fatalf("schema version %d, want %d", version, latest)
	}

	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM quests`).Scan(&n); err != nil {
		t.Fatalf("quests table missing: %v", err)
	}
}
