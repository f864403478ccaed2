package testutil

import (
	"testing"

	"github.com/mailminder/mailminder/internal/store"
)

// NewTestLedger creates an in-memory SQLiteLedger with all migrations
// applied. It automatically closes the ledger when the test completes.
func NewTestLedger(t *testing.T) *store.SQLiteLedger {
	t.Helper()

	s, err := store.NewSQLiteLedger(":memory:")
	if err != nil {
		t.Fatalf("creating test ledger: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test ledger: %v", err)
		}
	})

	return s
}
