package repos

import (
	"bufio"
	"strings"
	"testing"
)

func TestSplitStatements(t *testing.T) {
	src := `-- header
CREATE TABLE a (
    id TEXT
);

-- second
CREATE INDEX i ON a (id);
SELECT 1`
	stmts, err := splitStatements(bufio.NewScanner(strings.NewReader(src)))
	if err != nil {
		t.Fatal(err)
	}
	if len(stmts) != 3 {
		t.Fatalf("expected 3 statements, got %d: %q", len(stmts), stmts)
	}
	if !strings.HasPrefix(stmts[0], "CREATE TABLE a (") || strings.Contains(stmts[0], ";") {
		t.Fatalf("unexpected first statement: %q", stmts[0])
	}
	if stmts[1] != "CREATE INDEX i ON a (id)" || stmts[2] != "SELECT 1" {
		t.Fatalf("unexpected statements: %q", stmts)
	}
}

func TestMigrateRecordsVersionsOnce(t *testing.T) {
	db, dialect, err := Open("file::memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	dir := MigrationsDirFor("../../migrations", dialect)

	for i := 0; i < 2; i++ {
		if err := Migrate(db, dialect, dir); err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected one recorded migration, got %d", n)
	}
	if _, err := db.Exec(`INSERT INTO sync_cursors (user_id, device_id) VALUES ('u', 'd')`); err != nil {
		t.Fatalf("schema not created: %v", err)
	}
}
