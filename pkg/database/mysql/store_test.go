package mysql

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"go.f110.dev/certd/pkg/database"
	"go.f110.dev/certd/pkg/database/databasetest"
)

func TestStore(t *testing.T) {
	dsn := os.Getenv("CERTD_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("CERTD_TEST_MYSQL_DSN is not set")
	}

	db, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	databasetest.Run(t, func(t *testing.T) database.CertificateStore {
		ctx := context.Background()
		s := NewStore(db)
		require.NoError(t, s.Migrate(ctx))
		for _, table := range []string{"request", "signed_certificate", "revoked_certificate"} {
			_, err := db.ExecContext(ctx, "TRUNCATE TABLE `"+table+"`")
			require.NoError(t, err)
		}

		return s
	})
}
