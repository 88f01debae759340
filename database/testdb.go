package database

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"gorm.io/gorm"
)

var testDBSeq atomic.Uint64

// OpenTestDB opens a private, migrated in-memory database for a test and
// closes it on cleanup.
func OpenTestDB(t testing.TB) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, testDBSeq.Add(1))

	db, err := InitGormDB(dsn)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := AutoMigrateModels(db); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	t.Cleanup(func() {
		_ = Close(db)
	})
	return db
}
