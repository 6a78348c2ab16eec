package postgres

import (
	"context"
	"ecobridge/internal/idgen"
	"ecobridge/internal/storage"
	"ecobridge/internal/storage/storagetest"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// Set ECOBRIDGE_TEST_POSTGRES_URL to run against a real server
func TestPostgresStorage_Conformance(t *testing.T) {
	url := os.Getenv("ECOBRIDGE_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("ECOBRIDGE_TEST_POSTGRES_URL not set")
	}

	storagetest.Run(t, func(t *testing.T) storage.Store {
		// A fresh namespace per subtest keeps them independent
		s, err := New(context.Background(), url, "test-"+idgen.New())
		require.NoError(t, err)
		t.Cleanup(func() {
			s.db.Exec(`DELETE FROM custom_data WHERE name = $1`, s.namespace)
			s.Close()
		})
		return s
	})
}
