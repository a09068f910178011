package ledger_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/coopdrive/coopcore/internal/canonical"
	"github.com/ILLUVRSE/coopdrive/coopcore/internal/ledger"
)

func createArgs(id, payload string) []string {
	meta := `{"id":"` + id + `","origin_id":"veh-1","seq":1,"ts":"2024-05-01T10:00:00Z"}`
	return []string{ledger.EventSensorData, payload, canonical.HashHex([]byte(payload)), meta}
}

func TestPGBackendAppendsToChain(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	defer db.Close()

	backend := ledger.NewPGBackend(db)
	payload := `{"frame_digest":"abc","location":"s3://frames/1.png"}`
	contentHash := canonical.HashHex([]byte(payload))
	prev := canonical.HashHex([]byte("previous link"))
	wantChain, err := ledger.ChainHash(contentHash, prev)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT tx_id FROM ledger_events WHERE id").
		WithArgs("evt-1").
		WillReturnRows(sqlmock.NewRows([]string{"tx_id"}))
	mock.ExpectQuery("SELECT chain_hash FROM ledger_events").
		WillReturnRows(sqlmock.NewRows([]string{"chain_hash"}).AddRow(prev))
	mock.ExpectQuery("INSERT INTO ledger_events").
		WithArgs("evt-1", ledger.EventSensorData, payload, contentHash, "veh-1", int64(1), sqlmock.AnyArg(), prev, wantChain, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"position", "committed_at"}).AddRow(int64(7), time.Now().UTC()))
	mock.ExpectCommit()

	tx, err := backend.Invoke(context.Background(), "ch", "cc", ledger.FnCreateEvent, createArgs("evt-1", payload))
	require.NoError(t, err)
	assert.NotEmpty(t, tx.TxID)
	assert.Equal(t, uint64(7), tx.BlockNumber)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestPGBackendReplayReturnsOriginalTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT tx_id FROM ledger_events WHERE id").
		WithArgs("evt-1").
		WillReturnRows(sqlmock.NewRows([]string{"tx_id"}).AddRow("tx-original"))
	mock.ExpectRollback()

	tx, err := ledger.NewPGBackend(db).Invoke(context.Background(), "ch", "cc", ledger.FnCreateEvent, createArgs("evt-1", `{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, "tx-original", tx.TxID)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestPGBackendRejectsTamperedPayloadWithoutSQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	defer db.Close()

	args := createArgs("evt-1", `{"a":1}`)
	args[1] = `{"a":2}`
	_, err = ledger.NewPGBackend(db).Invoke(context.Background(), "ch", "cc", ledger.FnCreateEvent, args)
	assert.ErrorIs(t, err, ledger.ErrLedgerRejected)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestPGBackendQueryPages(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	defer db.Close()

	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	cols := []string{"position", "id", "event_type", "payload", "content_hash", "origin_id", "seq", "ts", "tx_id"}
	rows := sqlmock.NewRows(cols)
	for i, id := range []string{"e6", "e7", "e8"} {
		p := `{"n":` + string(rune('1'+i)) + `}`
		rows.AddRow(int64(6+i), id, ledger.EventPerceptionReport, p, canonical.HashHex([]byte(p)), "veh-2", int64(i), ts, "tx-"+id)
	}
	mock.ExpectQuery("SELECT position, id, event_type, payload, content_hash, origin_id, seq, ts, tx_id FROM ledger_events WHERE position > ").
		WithArgs(int64(5), sqlmock.AnyArg(), "veh-2", 3).
		WillReturnRows(rows)

	f := ledger.Filter{EventTypes: []string{ledger.EventPerceptionReport}, OriginID: "veh-2"}
	fb, err := json.Marshal(f)
	require.NoError(t, err)

	raw, err := ledger.NewPGBackend(db).Query(context.Background(), "ch", "cc", ledger.FnQueryEvents, []string{string(fb), "5", "2"})
	require.NoError(t, err)

	var page ledger.QueryPage
	require.NoError(t, json.Unmarshal(raw, &page))
	require.Len(t, page.Records, 2)
	assert.Equal(t, "e6", page.Records[0].ID)
	assert.Equal(t, "tx-e7", page.Records[1].TxID)
	assert.Equal(t, "7", page.Bookmark)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestPGBackendClassifiesErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	defer db.Close()
	backend := ledger.NewPGBackend(db)
	args := []string{"veh-1", "vehicle.audi.tt", "1714557600.5"}

	mock.ExpectExec("INSERT INTO ledger_agents").WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key"})
	_, err = backend.Invoke(context.Background(), "ch", "cc", ledger.FnRegisterVehicle, args)
	assert.ErrorIs(t, err, ledger.ErrLedgerRejected)

	mock.ExpectExec("INSERT INTO ledger_agents").WillReturnError(errors.New("connection reset by peer"))
	_, err = backend.Invoke(context.Background(), "ch", "cc", ledger.FnRegisterVehicle, args)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ledger.ErrLedgerRejected)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func chainRows(t *testing.T, tamper bool) *sqlmock.Rows {
	t.Helper()
	rows := sqlmock.NewRows([]string{"id", "event_type", "payload", "content_hash", "prev_hash", "chain_hash"})
	prev := ""
	for i, p := range []string{`{"a":1}`, `{"b":2}`, `{"c":3}`} {
		h := canonical.HashHex([]byte(p))
		chain, err := ledger.ChainHash(h, prev)
		require.NoError(t, err)
		stored := p
		if tamper && i == 1 {
			stored = `{"b":3}`
		}
		rows.AddRow("e"+string(rune('1'+i)), ledger.EventPositionUpdate, stored, h, prev, chain)
		prev = chain
	}
	return rows
}

func TestVerifyChain(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT id, event_type, payload, content_hash, prev_hash, chain_hash FROM ledger_events").
		WillReturnRows(chainRows(t, false))
	require.NoError(t, ledger.VerifyChain(context.Background(), db))

	mock.ExpectQuery("SELECT id, event_type, payload, content_hash, prev_hash, chain_hash FROM ledger_events").
		WillReturnRows(chainRows(t, true))
	err = ledger.VerifyChain(context.Background(), db)
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrIntegrityMismatch)
	assert.Contains(t, err.Error(), "e2")
}
