package lists

import (
	"context"
	"path/filepath"
	"testing"
)

func TestSQLiteStore_Contract(t *testing.T) {
	st, err := OpenSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "shopsync.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	testStoreContract(t, st)
}

func TestOpenSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := OpenSQLiteStore(context.Background(), "  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
