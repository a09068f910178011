package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ILLUVRSE/coopdrive/coopcore/internal/canonical"
)

// EventIterator pages through queryEvents results. It is finite and
// single-use; use it like sql.Rows:
//
//	for it.Next() {
//		ev := it.Event()
//	}
//	if err := it.Err(); err != nil { ... }
type EventIterator struct {
	c      *Client
	ctx    context.Context
	filter Filter

	bookmark  string
	buf       []StoredEvent
	exhausted bool
	yielded   int
	cur       Event
	err       error
}

// Next advances to the next verified event.
func (it *EventIterator) Next() bool {
	for {
		if it.err != nil {
			return false
		}
		if it.filter.Limit > 0 && it.yielded >= it.filter.Limit {
			return false
		}
		if len(it.buf) == 0 {
			if it.exhausted {
				return false
			}
			it.fetch()
			continue
		}
		rec := it.buf[0]
		it.buf = it.buf[1:]
		ev, err := verifyRecord(rec)
		if err != nil {
			it.c.integrityFailures.Add(1)
			it.c.logger.Printf("[ledger.client] excluding event %s (type=%s origin=%s): %v", rec.ID, rec.EventType, rec.OriginID, err)
			continue
		}
		it.cur = ev
		it.yielded++
		return true
	}
}

// Event returns the event at the current position.
func (it *EventIterator) Event() Event {
	return it.cur
}

// Err returns the error that stopped iteration, if any.
func (it *EventIterator) Err() error {
	return it.err
}

// All drains the iterator.
func (it *EventIterator) All() ([]Event, error) {
	var out []Event
	for it.Next() {
		out = append(out, it.Event())
	}
	return out, it.Err()
}

func (it *EventIterator) fetch() {
	args, err := queryEventsArgs(it.filter, it.bookmark, it.filter.PageSize)
	if err != nil {
		it.err = fmt.Errorf("ledger: encode query: %w", err)
		return
	}
	var raw []byte
	_, err = it.c.retry(it.ctx, "queryEvents", nil, func(ctx context.Context) error {
		var err error
		raw, err = it.c.backend.Query(ctx, it.c.cfg.Channel, it.c.cfg.EventsChaincode, FnQueryEvents, args)
		return err
	})
	if err != nil {
		it.err = err
		return
	}
	var page QueryPage
	if err := json.Unmarshal(raw, &page); err != nil {
		it.err = fmt.Errorf("ledger: decode query page: %w", err)
		return
	}
	if page.Bookmark != "" && page.Bookmark == it.bookmark {
		it.err = fmt.Errorf("ledger: query bookmark %q did not advance", page.Bookmark)
		return
	}
	it.buf = page.Records
	it.bookmark = page.Bookmark
	if page.Bookmark == "" {
		it.exhausted = true
	}
}

// verifyRecord decodes rec and recomputes its content hash from the payload.
func verifyRecord(rec StoredEvent) (Event, error) {
	ev, err := rec.event()
	if err != nil {
		return Event{}, fmt.Errorf("%w: decode payload: %v", ErrIntegrityMismatch, err)
	}
	digest, err := canonical.Hash(ev.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrIntegrityMismatch, err)
	}
	if !strings.EqualFold(digest, rec.ContentHash) {
		return Event{}, fmt.Errorf("%w: computed=%s stored=%s", ErrIntegrityMismatch, digest, rec.ContentHash)
	}
	ev.ContentHash = digest
	return ev, nil
}
