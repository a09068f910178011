package ledger_test

import (
	"context"
	"database/sql"
	"io"
	"log"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/coopdrive/coopcore/internal/ledger"
)

// Runs against a real Postgres. Each run appends to ledger_events; the chain
// check covers everything in the table.
func TestPGBackendIntegration(t *testing.T) {
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("integration test skipped; set TEST_DATABASE_URL to run")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("postgres", dbURL)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.PingContext(ctx))

	backend := ledger.NewPGBackend(db)
	require.NoError(t, backend.EnsureSchema(ctx))

	origin := "it-" + ledger.NewUUID()
	client := ledger.NewClient(backend, ledger.Config{OriginID: origin, Logger: log.New(io.Discard, "", 0)})
	defer client.Close(ctx)

	_, err = client.RegisterAgent(ctx, origin, "vehicle")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		rec, err := client.Record(ctx, ledger.Event{
			EventType: ledger.EventPositionUpdate,
			Payload:   map[string]interface{}{"vehicle_id": origin, "position": ledger.Position{X: float64(i)}},
		})
		require.NoError(t, err)
		require.Equal(t, ledger.ReceiptCommitted, rec.Status)
	}

	it, err := client.Query(ctx, ledger.Filter{OriginID: origin, PageSize: 2})
	require.NoError(t, err)
	events, err := it.All()
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Zero(t, client.IntegrityFailures())

	require.NoError(t, ledger.VerifyChain(ctx, db))
}
