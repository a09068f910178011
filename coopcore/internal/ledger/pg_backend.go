package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"
)

// Schema creates the tables used by PGBackend.
const Schema = `
CREATE TABLE IF NOT EXISTS ledger_events (
	position     BIGSERIAL PRIMARY KEY,
	id           TEXT NOT NULL UNIQUE,
	event_type   TEXT NOT NULL,
	payload      TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	origin_id    TEXT NOT NULL DEFAULT '',
	seq          BIGINT NOT NULL,
	ts           TIMESTAMPTZ NOT NULL,
	prev_hash    TEXT NOT NULL DEFAULT '',
	chain_hash   TEXT NOT NULL,
	tx_id        TEXT NOT NULL,
	committed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS ledger_events_type_idx ON ledger_events (event_type, position);
CREATE TABLE IF NOT EXISTS ledger_agents (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	registered_at TIMESTAMPTZ NOT NULL,
	tx_id         TEXT NOT NULL
);
`

// appendLockKey is the advisory lock that serializes chain appends.
const appendLockKey = 0x636f6f70

// PGBackend emulates the event and registry chaincode on Postgres. Events
// form a hash chain: chain_hash = sha256(content_hash || prev chain_hash).
// Payloads are stored as the exact canonical text so that re-hashing on read
// is byte-stable.
type PGBackend struct {
	db *sql.DB
}

// NewPGBackend constructs a Postgres-backed Backend.
func NewPGBackend(db *sql.DB) *PGBackend {
	return &PGBackend{db: db}
}

// EnsureSchema applies Schema.
func (p *PGBackend) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply ledger schema: %w", err)
	}
	return nil
}

// Ping verifies connectivity to Postgres.
func (p *PGBackend) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Invoke implements Backend.
func (p *PGBackend) Invoke(ctx context.Context, channel, chaincode, function string, args []string) (TxReceipt, error) {
	switch function {
	case FnCreateEvent:
		ev, err := ParseCreateEventArgs(args)
		if err != nil {
			return TxReceipt{}, err
		}
		return p.appendEvent(ctx, ev)
	case FnRegisterVehicle:
		id, kind, ts, err := ParseRegisterArgs(args)
		if err != nil {
			return TxReceipt{}, err
		}
		txID := NewUUID()
		q := `
			INSERT INTO ledger_agents (id, kind, registered_at, tx_id)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET kind = EXCLUDED.kind
		`
		if _, err := p.db.ExecContext(ctx, q, id, kind, ts, txID); err != nil {
			return TxReceipt{}, classifyPG(fmt.Errorf("insert ledger_agent: %w", err))
		}
		return TxReceipt{TxID: txID, CommittedAt: time.Now().UTC()}, nil
	default:
		return TxReceipt{}, rejectedf("unknown function %q", function)
	}
}

func (p *PGBackend) appendEvent(ctx context.Context, ev StoredEvent) (TxReceipt, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return TxReceipt{}, classifyPG(fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
		return TxReceipt{}, classifyPG(fmt.Errorf("lock chain: %w", err))
	}

	// A retried createEvent whose first attempt committed returns the original tx.
	var existing string
	err = tx.QueryRowContext(ctx, `SELECT tx_id FROM ledger_events WHERE id = $1`, ev.ID).Scan(&existing)
	switch {
	case err == nil:
		return TxReceipt{TxID: existing}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return TxReceipt{}, classifyPG(fmt.Errorf("lookup event: %w", err))
	}

	var prev string
	err = tx.QueryRowContext(ctx, `SELECT chain_hash FROM ledger_events ORDER BY position DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return TxReceipt{}, classifyPG(fmt.Errorf("fetch last chain hash: %w", err))
	}
	chain, err := ChainHash(ev.ContentHash, prev)
	if err != nil {
		return TxReceipt{}, rejectedf("chain hash: %v", err)
	}

	txID := NewUUID()
	q := `
		INSERT INTO ledger_events
		  (id, event_type, payload, content_hash, origin_id, seq, ts, prev_hash, chain_hash, tx_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING position, committed_at
	`
	var (
		position    int64
		committedAt time.Time
	)
	if err := tx.QueryRowContext(ctx, q,
		ev.ID,
		ev.EventType,
		string(ev.Payload),
		ev.ContentHash,
		ev.OriginID,
		ev.Seq,
		ev.Ts,
		prev,
		chain,
		txID,
	).Scan(&position, &committedAt); err != nil {
		return TxReceipt{}, classifyPG(fmt.Errorf("insert ledger_event: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return TxReceipt{}, classifyPG(fmt.Errorf("commit: %w", err))
	}
	return TxReceipt{TxID: txID, BlockNumber: uint64(position), CommittedAt: committedAt}, nil
}

// Query implements Backend. Bookmarks are the last returned position.
func (p *PGBackend) Query(ctx context.Context, channel, chaincode, function string, args []string) ([]byte, error) {
	if function != FnQueryEvents {
		return nil, rejectedf("unknown query %q", function)
	}
	f, bookmark, size, err := ParseQueryEventsArgs(args)
	if err != nil {
		return nil, err
	}
	var after int64
	if bookmark != "" {
		after, err = strconv.ParseInt(bookmark, 10, 64)
		if err != nil {
			return nil, rejectedf("invalid bookmark %q", bookmark)
		}
	}

	q := `SELECT position, id, event_type, payload, content_hash, origin_id, seq, ts, tx_id FROM ledger_events WHERE position > $1`
	qargs := []interface{}{after}
	if len(f.EventTypes) > 0 {
		qargs = append(qargs, pq.Array(f.EventTypes))
		q += fmt.Sprintf(" AND event_type = ANY($%d)", len(qargs))
	}
	if f.OriginID != "" {
		qargs = append(qargs, f.OriginID)
		q += fmt.Sprintf(" AND origin_id = $%d", len(qargs))
	}
	if !f.Since.IsZero() {
		qargs = append(qargs, f.Since)
		q += fmt.Sprintf(" AND ts >= $%d", len(qargs))
	}
	if !f.Until.IsZero() {
		qargs = append(qargs, f.Until)
		q += fmt.Sprintf(" AND ts <= $%d", len(qargs))
	}
	qargs = append(qargs, size+1)
	q += fmt.Sprintf(" ORDER BY position ASC LIMIT $%d", len(qargs))

	rows, err := p.db.QueryContext(ctx, q, qargs...)
	if err != nil {
		return nil, classifyPG(fmt.Errorf("query ledger_events: %w", err))
	}
	defer rows.Close()

	page := QueryPage{Records: []StoredEvent{}}
	var last int64
	for rows.Next() {
		var (
			position int64
			rec      StoredEvent
			payload  string
		)
		if err := rows.Scan(&position, &rec.ID, &rec.EventType, &payload, &rec.ContentHash, &rec.OriginID, &rec.Seq, &rec.Ts, &rec.TxID); err != nil {
			return nil, fmt.Errorf("scan ledger_event: %w", err)
		}
		if len(page.Records) == size {
			page.Bookmark = strconv.FormatInt(last, 10)
			break
		}
		rec.Payload = []byte(payload)
		page.Records = append(page.Records, rec)
		last = position
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPG(fmt.Errorf("rows iteration error: %w", err))
	}
	return marshalPage(page)
}

// VerifyChain walks ledger_events in append order and verifies that every
// payload hashes to its content hash and every chain link is intact.
// Returns nil on success or an error wrapping ErrIntegrityMismatch that
// describes the first problem encountered.
func VerifyChain(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.New("db is nil")
	}
	q := `SELECT id, event_type, payload, content_hash, prev_hash, chain_hash FROM ledger_events ORDER BY position ASC`
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return fmt.Errorf("query ledger_events: %w", err)
	}
	defer rows.Close()

	prevChain := ""
	index := 0
	for rows.Next() {
		index++
		var (
			rec             StoredEvent
			payload         string
			prevHash, chain string
		)
		if err := rows.Scan(&rec.ID, &rec.EventType, &payload, &rec.ContentHash, &prevHash, &chain); err != nil {
			return fmt.Errorf("scan row %d: %w", index, err)
		}
		rec.Payload = []byte(payload)
		if _, err := verifyRecord(rec); err != nil {
			return fmt.Errorf("event %s (type=%s): %w", rec.ID, rec.EventType, err)
		}
		if prevHash != prevChain {
			return fmt.Errorf("%w: event %s links to %q, previous chain hash is %q", ErrIntegrityMismatch, rec.ID, prevHash, prevChain)
		}
		computed, err := ChainHash(rec.ContentHash, prevHash)
		if err != nil {
			return fmt.Errorf("%w: event %s: %v", ErrIntegrityMismatch, rec.ID, err)
		}
		if computed != chain {
			return fmt.Errorf("%w: chain hash for event %s: computed=%s stored=%s", ErrIntegrityMismatch, rec.ID, computed, chain)
		}
		prevChain = chain
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows iteration error: %w", err)
	}
	return nil
}

// ChainHash returns hex(sha256(contentHashBytes || prevChainBytes)).
func ChainHash(contentHash, prev string) (string, error) {
	concat, err := hex.DecodeString(contentHash)
	if err != nil {
		return "", fmt.Errorf("decode content hash: %w", err)
	}
	if prev != "" {
		prevBytes, err := hex.DecodeString(prev)
		if err != nil {
			return "", fmt.Errorf("decode prev hash: %w", err)
		}
		concat = append(concat, prevBytes...)
	}
	sum := sha256.Sum256(concat)
	return hex.EncodeToString(sum[:]), nil
}

// classifyPG marks constraint and data errors as permanent rejections.
// Connection and server faults stay transient.
func classifyPG(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23", "42":
			return fmt.Errorf("%w: %v", ErrLedgerRejected, err)
		}
	}
	return err
}
