package ledger

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ILLUVRSE/coopdrive/coopcore/internal/canonical"
)

// Config configures a Client. Zero fields fall back to defaults.
type Config struct {
	Channel           string
	EventsChaincode   string
	RegistryChaincode string

	// OriginID is stamped on events that do not carry one.
	OriginID string

	// MaxAttempts bounds createEvent/queryEvents/registerVehicle attempts. Defaults to 3.
	MaxAttempts int
	// BaseBackoff is the delay after the first failed attempt; it doubles up to MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// AttemptTimeout bounds a single backend call. Defaults to 5s.
	AttemptTimeout time.Duration

	// PageSize is the default queryEvents page size. Defaults to 100.
	PageSize int

	// RateLimit caps backend invokes per second; 0 disables limiting.
	RateLimit float64
	RateBurst int

	// ReceiptRetention is how many finished receipts stay queryable. Defaults to 10000.
	ReceiptRetention int

	// OnCommit is called after an event commits. It must not block.
	OnCommit func(Event, Receipt)

	Logger *log.Logger
}

const (
	DefaultChannel           = "autochannel"
	DefaultEventsChaincode   = "autocc"
	DefaultRegistryChaincode = "vehicle-registry"
)

func (c *Config) applyDefaults() {
	if c.Channel == "" {
		c.Channel = DefaultChannel
	}
	if c.EventsChaincode == "" {
		c.EventsChaincode = DefaultEventsChaincode
	}
	if c.RegistryChaincode == "" {
		c.RegistryChaincode = DefaultRegistryChaincode
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = 10 * c.BaseBackoff
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 5 * time.Second
	}
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	if c.ReceiptRetention <= 0 {
		c.ReceiptRetention = 10000
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
}

// Client records events on a Backend and reads them back verified.
//
// Record and Submit share one retry loop per event id: a second submission of
// an event that is still in flight attaches to the existing receipt.
type Client struct {
	backend Backend
	cfg     Config
	limiter *rate.Limiter
	logger  *log.Logger
	now     func() time.Time

	seq               atomic.Int64
	integrityFailures atomic.Int64

	mu       sync.Mutex
	receipts map[string]*submission
	inflight map[string]*submission
	retired  []string

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type submission struct {
	receipt Receipt
	event   Event
	done    chan struct{}
	err     error
}

// NewClient constructs a Client over backend.
func NewClient(backend Backend, cfg Config) *Client {
	cfg.applyDefaults()
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		backend:  backend,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, cfg.RateBurst),
		logger:   cfg.Logger,
		now:      func() time.Time { return time.Now().UTC() },
		receipts: make(map[string]*submission),
		inflight: make(map[string]*submission),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Record submits ev and blocks until it commits, is rejected, or the retry
// budget is spent. The returned receipt is valid in every case except a
// payload that cannot be canonicalized.
func (c *Client) Record(ctx context.Context, ev Event) (Receipt, error) {
	prepared, stored, err := c.prepare(ev)
	if err != nil {
		return Receipt{}, err
	}
	sub, existing := c.begin(prepared)
	if existing {
		select {
		case <-sub.done:
		case <-ctx.Done():
			return c.snapshot(sub), ctx.Err()
		}
		return c.snapshot(sub), sub.err
	}
	c.run(ctx, sub, stored)
	return c.snapshot(sub), sub.err
}

// Submit is the fire-and-forget form of Record. It returns a pending receipt
// immediately; poll Status or Wait for the result. Concurrent submissions may
// commit in any order, so readers must order events by Seq and Ts rather than
// by commit order.
func (c *Client) Submit(ev Event) (Receipt, error) {
	prepared, stored, err := c.prepare(ev)
	if err != nil {
		return Receipt{}, err
	}
	sub, existing := c.begin(prepared)
	rec := c.snapshot(sub)
	if existing {
		return rec, nil
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(c.baseCtx, sub, stored)
	}()
	return rec, nil
}

// Status returns the current state of a receipt.
func (c *Client) Status(receiptID string) (Receipt, error) {
	c.mu.Lock()
	sub, ok := c.receipts[receiptID]
	c.mu.Unlock()
	if !ok {
		return Receipt{}, ErrNotFound
	}
	return c.snapshot(sub), nil
}

// Wait blocks until the receipt reaches a terminal status or ctx is done.
func (c *Client) Wait(ctx context.Context, receiptID string) (Receipt, error) {
	c.mu.Lock()
	sub, ok := c.receipts[receiptID]
	c.mu.Unlock()
	if !ok {
		return Receipt{}, ErrNotFound
	}
	select {
	case <-sub.done:
		return c.snapshot(sub), sub.err
	case <-ctx.Done():
		return c.snapshot(sub), ctx.Err()
	}
}

// RegisterAgent registers a vehicle with the registry chaincode.
func (c *Client) RegisterAgent(ctx context.Context, id, kind string) (TxReceipt, error) {
	ts := float64(c.now().UnixNano()) / 1e9
	args := []string{id, kind, strconv.FormatFloat(ts, 'f', 6, 64)}
	var tx TxReceipt
	_, err := c.retry(ctx, "registerVehicle "+id, nil, func(ctx context.Context) error {
		var err error
		tx, err = c.backend.Invoke(ctx, c.cfg.Channel, c.cfg.RegistryChaincode, FnRegisterVehicle, args)
		return err
	})
	if err != nil {
		return TxReceipt{}, err
	}
	return tx, nil
}

// Query returns a lazy, single-use iterator over events matching f. Records
// whose payload does not hash to their content hash are skipped and counted.
func (c *Client) Query(ctx context.Context, f Filter) (*EventIterator, error) {
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return nil, fmt.Errorf("ledger: invalid filter: until %s before since %s", f.Until, f.Since)
	}
	if f.Limit < 0 {
		return nil, fmt.Errorf("ledger: invalid filter: negative limit")
	}
	if f.PageSize <= 0 {
		f.PageSize = c.cfg.PageSize
	}
	return &EventIterator{c: c, ctx: ctx, filter: f}, nil
}

// IntegrityFailures returns how many records were excluded from query results
// because their content hash did not verify.
func (c *Client) IntegrityFailures() int64 {
	return c.integrityFailures.Load()
}

// InFlight returns the number of submissions not yet terminal.
func (c *Client) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// Close waits for background submissions to finish. When ctx expires first
// the remaining submissions are cancelled.
func (c *Client) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return ctx.Err()
	}
}

func (c *Client) prepare(ev Event) (Event, StoredEvent, error) {
	if ev.EventType == "" {
		return Event{}, StoredEvent{}, rejectedf("event type required")
	}
	canon, err := canonical.MarshalCanonical(ev.Payload)
	if err != nil {
		return Event{}, StoredEvent{}, fmt.Errorf("ledger: canonicalize %s payload: %w", ev.EventType, err)
	}
	if ev.ID == "" {
		ev.ID = NewUUID()
	}
	if ev.OriginID == "" {
		ev.OriginID = c.cfg.OriginID
	}
	ev.Seq = c.seq.Add(1)
	if ev.Ts.IsZero() {
		ev.Ts = c.now()
	}
	ev.ContentHash = canonical.HashHex(canon)

	stored := StoredEvent{
		ID:          ev.ID,
		EventType:   ev.EventType,
		Payload:     canon,
		ContentHash: ev.ContentHash,
		OriginID:    ev.OriginID,
		Seq:         ev.Seq,
		Ts:          ev.Ts,
	}
	return ev, stored, nil
}

// begin registers a submission for ev, or returns the one already in flight.
func (c *Client) begin(ev Event) (*submission, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.inflight[ev.ID]; ok {
		return sub, true
	}
	now := c.now()
	sub := &submission{
		receipt: Receipt{
			ID:          NewUUID(),
			EventID:     ev.ID,
			EventType:   ev.EventType,
			ContentHash: ev.ContentHash,
			Status:      ReceiptPending,
			SubmittedAt: now,
			UpdatedAt:   now,
		},
		event: ev,
		done:  make(chan struct{}),
	}
	c.inflight[ev.ID] = sub
	c.receipts[sub.receipt.ID] = sub
	return sub, false
}

func (c *Client) snapshot(sub *submission) Receipt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sub.receipt
}

func (c *Client) run(ctx context.Context, sub *submission, stored StoredEvent) {
	args, err := createEventArgs(stored)
	if err != nil {
		c.finish(sub, ReceiptRejected, "", fmt.Errorf("%w: encode args: %v", ErrLedgerRejected, err))
		return
	}
	var tx TxReceipt
	onAttempt := func(n int) {
		c.mu.Lock()
		sub.receipt.Attempts = n
		sub.receipt.UpdatedAt = c.now()
		c.mu.Unlock()
	}
	_, err = c.retry(ctx, "createEvent "+stored.ID, onAttempt, func(ctx context.Context) error {
		var err error
		tx, err = c.backend.Invoke(ctx, c.cfg.Channel, c.cfg.EventsChaincode, FnCreateEvent, args)
		return err
	})
	switch {
	case err == nil:
		c.finish(sub, ReceiptCommitted, tx.TxID, nil)
		if c.cfg.OnCommit != nil {
			c.cfg.OnCommit(sub.event, c.snapshot(sub))
		}
	case IsRejected(err):
		c.logger.Printf("[ledger.client] %s %s rejected: %v", stored.EventType, stored.ID, err)
		c.finish(sub, ReceiptRejected, "", err)
	default:
		c.logger.Printf("[ledger.client] %s %s unavailable: %v", stored.EventType, stored.ID, err)
		c.finish(sub, ReceiptUnavailable, "", err)
	}
}

func (c *Client) finish(sub *submission, status ReceiptStatus, txID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub.receipt.Status = status
	sub.receipt.TxID = txID
	sub.receipt.UpdatedAt = c.now()
	if err != nil {
		sub.receipt.LastError = err.Error()
	}
	sub.err = err
	close(sub.done)
	if c.inflight[sub.receipt.EventID] == sub {
		delete(c.inflight, sub.receipt.EventID)
	}
	c.retired = append(c.retired, sub.receipt.ID)
	for len(c.retired) > c.cfg.ReceiptRetention {
		delete(c.receipts, c.retired[0])
		c.retired = c.retired[1:]
	}
}

// retry runs fn up to MaxAttempts times with exponential backoff. Errors
// wrapping ErrLedgerRejected stop immediately; anything else is transient and
// surfaces as ErrLedgerUnavailable once the budget is spent.
func (c *Client) retry(ctx context.Context, op string, onAttempt func(int), fn func(context.Context) error) (int, error) {
	backoff := c.cfg.BaseBackoff
	var lastErr error
	attempt := 0
	for attempt < c.cfg.MaxAttempts {
		if err := c.limiter.Wait(ctx); err != nil {
			lastErr = err
			break
		}
		attempt++
		if onAttempt != nil {
			onAttempt(attempt)
		}
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return attempt, nil
		}
		if IsRejected(err) {
			return attempt, err
		}
		lastErr = err
		c.logger.Printf("[ledger.client] %s attempt %d/%d failed: %v", op, attempt, c.cfg.MaxAttempts, err)
		if attempt == c.cfg.MaxAttempts {
			break
		}
		if !sleepCtx(ctx, backoff) {
			lastErr = ctx.Err()
			break
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
	return attempt, fmt.Errorf("%w: %s after %d attempts: %w", ErrLedgerUnavailable, op, attempt, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
