package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Backend is the minimal invoke/query surface of the ledger network.
//
// Implementations return errors wrapping ErrLedgerRejected for permanent
// refusals. Every other error is treated as transient by the Client.
type Backend interface {
	Invoke(ctx context.Context, channel, chaincode, function string, args []string) (TxReceipt, error)
	Query(ctx context.Context, channel, chaincode, function string, args []string) ([]byte, error)
}

// createEvent args: event_type, payload, content_hash, meta.
func createEventArgs(s StoredEvent) ([]string, error) {
	meta, err := json.Marshal(EventMeta{ID: s.ID, OriginID: s.OriginID, Seq: s.Seq, Ts: s.Ts})
	if err != nil {
		return nil, err
	}
	return []string{s.EventType, string(s.Payload), s.ContentHash, string(meta)}, nil
}

// ParseCreateEventArgs decodes the createEvent argument list into a StoredEvent.
func ParseCreateEventArgs(args []string) (StoredEvent, error) {
	if len(args) != 4 {
		return StoredEvent{}, fmt.Errorf("%w: createEvent expects 4 args, got %d", ErrLedgerRejected, len(args))
	}
	var meta EventMeta
	if err := json.Unmarshal([]byte(args[3]), &meta); err != nil {
		return StoredEvent{}, fmt.Errorf("%w: createEvent meta: %v", ErrLedgerRejected, err)
	}
	if meta.ID == "" || args[0] == "" || args[2] == "" {
		return StoredEvent{}, fmt.Errorf("%w: createEvent requires id, event type and content hash", ErrLedgerRejected)
	}
	if !json.Valid([]byte(args[1])) {
		return StoredEvent{}, fmt.Errorf("%w: createEvent payload is not valid JSON", ErrLedgerRejected)
	}
	ev := StoredEvent{
		ID:          meta.ID,
		EventType:   args[0],
		Payload:     json.RawMessage(args[1]),
		ContentHash: args[2],
		OriginID:    meta.OriginID,
		Seq:         meta.Seq,
		Ts:          meta.Ts,
	}
	// the content hash is recomputed here, never taken on trust
	if _, err := verifyRecord(ev); err != nil {
		return StoredEvent{}, fmt.Errorf("%w: createEvent %s: %v", ErrLedgerRejected, meta.ID, err)
	}
	return ev, nil
}

// queryEvents args: filter, bookmark, page size.
func queryEventsArgs(f Filter, bookmark string, pageSize int) ([]string, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return []string{string(b), bookmark, strconv.Itoa(pageSize)}, nil
}

// ParseQueryEventsArgs decodes the queryEvents argument list.
func ParseQueryEventsArgs(args []string) (Filter, string, int, error) {
	if len(args) != 3 {
		return Filter{}, "", 0, fmt.Errorf("%w: queryEvents expects 3 args, got %d", ErrLedgerRejected, len(args))
	}
	var f Filter
	if err := json.Unmarshal([]byte(args[0]), &f); err != nil {
		return Filter{}, "", 0, fmt.Errorf("%w: queryEvents filter: %v", ErrLedgerRejected, err)
	}
	size, err := strconv.Atoi(args[2])
	if err != nil || size <= 0 {
		return Filter{}, "", 0, fmt.Errorf("%w: queryEvents page size %q", ErrLedgerRejected, args[2])
	}
	return f, args[1], size, nil
}

// ParseRegisterArgs decodes registerVehicle args: id, kind, unix timestamp.
func ParseRegisterArgs(args []string) (id, kind string, ts time.Time, err error) {
	if len(args) != 3 || args[0] == "" {
		return "", "", time.Time{}, fmt.Errorf("%w: registerVehicle expects id, kind, timestamp", ErrLedgerRejected)
	}
	secs, perr := strconv.ParseFloat(args[2], 64)
	if perr != nil {
		return "", "", time.Time{}, fmt.Errorf("%w: registerVehicle timestamp %q", ErrLedgerRejected, args[2])
	}
	whole := int64(secs)
	nanos := int64((secs - float64(whole)) * 1e9)
	return args[0], args[1], time.Unix(whole, nanos).UTC(), nil
}

func rejectedf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrLedgerRejected, fmt.Sprintf(format, args...))
}

// IsRejected reports whether err is a permanent ledger refusal.
func IsRejected(err error) bool {
	return errors.Is(err, ErrLedgerRejected)
}
