package store

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/pubengine/internal/ir"
)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testTime returns a fixed instant n seconds after a reference point.
func testTime(n int) time.Time {
	return time.Date(2025, 1, 1, 0, 0, n, 0, time.UTC)
}

func testBaseline(scope, path, content string) ir.BaselineArtifact {
	return ir.BaselineArtifact{Scope: scope, ArtifactPath: path, Content: content, CapturedAt: testTime(0)}
}

func testTree(ids ...string) ir.Tree {
	t := ir.Tree{Root: []string{}, Nodes: []ir.Node{}}
	for _, id := range ids {
		t.Root = append(t.Root, id)
		t.Nodes = append(t.Nodes, ir.Node{ID: id, Type: "Block"})
	}
	return t
}

func testVersion(id, scope, pageType string, n int64, status ir.Stage) ir.ConfigurationVersion {
	return ir.ConfigurationVersion{
		ID:            id,
		Scope:         scope,
		PageType:      pageType,
		Tree:          testTree(id + "-root"),
		VersionNumber: n,
		Status:        status,
		CreatedAt:     testTime(int(n)),
		UpdatedAt:     testTime(int(n)),
	}
}

func getTableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		t.Fatalf("failed to get table info for %q: %v", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			t.Fatalf("failed to scan column info: %v", err)
		}
		columns = append(columns, name)
	}
	return columns
}

func getTableIndexes(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='index' AND tbl_name=?", table)
	if err != nil {
		t.Fatalf("failed to get indexes for %q: %v", table, err)
	}
	defer rows.Close()

	var indexes []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("failed to scan index name: %v", err)
		}
		indexes = append(indexes, name)
	}
	return indexes
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
