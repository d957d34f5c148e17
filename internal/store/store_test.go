package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	tables := []string{
		"baseline_artifacts", "overlay_records", "configuration_versions",
		"customization_records", "handler_scripts",
	}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_InMemory(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	defer s.Close()

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM configuration_versions").Scan(&count); err != nil {
		t.Errorf("query failed: %v", err)
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db")
	if err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}
}

// Pragma tests

func TestPragmas(t *testing.T) {
	s := createTestStore(t)

	tests := []struct {
		name, want string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"}, // NORMAL
		{"busy_timeout", "5000"},
		{"foreign_keys", "1"},
	}
	for _, tt := range tests {
		if err := s.verifyPragma(tt.name, tt.want); err != nil {
			t.Error(err)
		}
	}
}

// Schema tests

func TestSchema_ConfigurationVersionsTable(t *testing.T) {
	s := createTestStore(t)

	columns := getTableColumns(t, s.db, "configuration_versions")
	expected := []string{
		"id", "scope", "page_type", "configuration_tree", "version_number", "status",
		"parent_version_id", "current_edit_id", "published_at", "published_by",
		"acceptance_published_at", "acceptance_published_by", "created_at", "updated_at",
	}
	for _, col := range expected {
		if !contains(columns, col) {
			t.Errorf("configuration_versions table missing column %q", col)
		}
	}
}

func TestConstraint_VersionNumberUnique(t *testing.T) {
	s := createTestStore(t)

	insert := `INSERT INTO configuration_versions
		(id, scope, page_type, configuration_tree, version_number, status, created_at, updated_at)
		VALUES (?, 'store-1', 'cart', '{"nodes":[],"root":[]}', 1, 'draft', 0, 0)`
	if _, err := s.db.Exec(insert, "v-a"); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if _, err := s.db.Exec(insert, "v-b"); err == nil {
		t.Error("expected UNIQUE(scope, page_type, version_number) violation")
	}
}

func TestConstraint_StatusCheck(t *testing.T) {
	s := createTestStore(t)

	_, err := s.db.Exec(`INSERT INTO configuration_versions
		(id, scope, page_type, configuration_tree, version_number, status, created_at, updated_at)
		VALUES ('v-x', 's', 'p', '{}', 1, 'archived', 0, 0)`)
	if err == nil {
		t.Error("expected CHECK violation for unknown status")
	}
}

// Migration tests

func TestMigration_SchemaVersion(t *testing.T) {
	s := createTestStore(t)

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("failed to get user_version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d", version, currentSchemaVersion)
	}
}

func TestMigration_UpgradeFromV0(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}
	if _, err := db.Exec("PRAGMA user_version = 0"); err != nil {
		t.Fatalf("failed to set user_version: %v", err)
	}
	db.Close()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	indexes := getTableIndexes(t, s.db, "customization_records")
	if !contains(indexes, "idx_customization_records_target") {
		t.Errorf("expected target index after migration, got indexes: %v", indexes)
	}
}

// Transaction rollback paths, driven through sqlmock.

func TestCaptureBaseline_RollsBackOnInsertFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()
	s := newStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT scope, artifact_path").
		WillReturnRows(sqlmock.NewRows([]string{"scope", "artifact_path", "content", "content_hash", "captured_at"}))
	mock.ExpectExec("INSERT INTO baseline_artifacts").
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	_, _, err = s.CaptureBaseline(context.Background(), testBaseline("store-1", "theme.css", "a"))
	if err == nil {
		t.Fatal("expected error from failed insert")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithVersionLock_RollsBackOnCallbackError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()
	s := newStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE configuration_versions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	boom := errors.New("boom")
	err = s.WithVersionLock(context.Background(), "store-1", "cart", func(tx *VersionTx) error {
		if err := tx.ClearCurrentEditTo(context.Background(), "v-1", testTime(1)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithVersionLock_CommitsOnSuccess(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()
	s := newStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT MAX\\(version_number\\)").
		WithArgs("store-1", "cart").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectCommit()

	var next int64
	err = s.WithVersionLock(context.Background(), "store-1", "cart", func(tx *VersionTx) error {
		var err error
		next, err = tx.NextVersionNumber(context.Background())
		return err
	})
	if err != nil {
		t.Fatalf("WithVersionLock: %v", err)
	}
	if next != 1 {
		t.Errorf("next = %d, want 1", next)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	k := newKeyedMutex()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.lock("store-1\x00cart")
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxSeen)
	}
	if len(k.locks) != 0 {
		t.Errorf("lock table not drained: %d entries", len(k.locks))
	}
}
