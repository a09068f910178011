package anchor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ILLUVRSE/coopdrive/coopcore/internal/canonical"
	"github.com/ILLUVRSE/coopdrive/coopcore/internal/ledger"
)

// Config configures an Anchorer.
type Config struct {
	// QueueSize bounds pending events. Enqueue drops when full. Defaults to 1024.
	QueueSize int
	// MaxConcurrency bounds concurrent publish+archive work. Defaults to 5.
	MaxConcurrency int
	// EventTimeout bounds the work for one event. Defaults to 30s.
	EventTimeout time.Duration
	// ArchiveEvents also writes each envelope to the Archiver under events/.
	ArchiveEvents bool
	Logger        *log.Logger
}

// Stats counts Anchorer results.
type Stats struct {
	Published int64 `json:"published"`
	Archived  int64 `json:"archived"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

type job struct {
	ev  ledger.Event
	rec ledger.Receipt
}

// Anchorer publishes committed events to Kafka and optionally archives them.
// Enqueue is safe to call from ledger.Config.OnCommit.
type Anchorer struct {
	producer Producer
	archiver Archiver
	cfg      Config
	logger   *log.Logger
	queue    chan job
	wg       sync.WaitGroup

	published atomic.Int64
	archived  atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewAnchorer builds an Anchorer. Either producer or archiver may be nil.
func NewAnchorer(producer Producer, archiver Archiver, cfg Config) *Anchorer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Anchorer{
		producer: producer,
		archiver: archiver,
		cfg:      cfg,
		logger:   logger,
		queue:    make(chan job, cfg.QueueSize),
	}
}

// Enqueue hands an event to the workers without blocking. It reports false
// when the queue is full and the event was dropped.
func (a *Anchorer) Enqueue(ev ledger.Event, rec ledger.Receipt) bool {
	select {
	case a.queue <- job{ev: ev, rec: rec}:
		return true
	default:
		a.dropped.Add(1)
		a.logger.Printf("[anchor.anchorer] queue full, dropping event %s (%s)", ev.ID, ev.EventType)
		return false
	}
}

// Stats returns the current counters.
func (a *Anchorer) Stats() Stats {
	return Stats{
		Published: a.published.Load(),
		Archived:  a.archived.Load(),
		Failed:    a.failed.Load(),
		Dropped:   a.dropped.Load(),
	}
}

// Run processes the queue until ctx is cancelled, then drains what is
// already queued and closes the producer. Each event gets its own
// EventTimeout, independent of ctx.
func (a *Anchorer) Run(ctx context.Context) error {
	a.logger.Printf("[anchor.anchorer] starting (queue=%d, concurrency=%d)", a.cfg.QueueSize, a.cfg.MaxConcurrency)
	defer a.logger.Printf("[anchor.anchorer] stopped")

	sem := make(chan struct{}, a.cfg.MaxConcurrency)
	dispatch := func(j job) {
		sem <- struct{}{}
		a.wg.Add(1)
		go func() {
			defer func() {
				<-sem
				a.wg.Done()
			}()
			if err := a.process(j); err != nil {
				a.failed.Add(1)
				a.logger.Printf("[anchor.anchorer] event %s: %v", j.ev.ID, err)
			}
		}()
	}

	for {
		select {
		case j := <-a.queue:
			dispatch(j)
		case <-ctx.Done():
		drain:
			for {
				select {
				case j := <-a.queue:
					dispatch(j)
				default:
					break drain
				}
			}
			a.wg.Wait()
			if a.producer != nil {
				if err := a.producer.Close(); err != nil {
					a.logger.Printf("[anchor.anchorer] close producer: %v", err)
				}
			}
			return ctx.Err()
		}
	}
}

// Envelope is the canonical JSON published and archived for an event.
func Envelope(ev ledger.Event, rec ledger.Receipt) ([]byte, error) {
	return canonical.MarshalCanonical(map[string]interface{}{
		"id":           ev.ID,
		"event_type":   ev.EventType,
		"payload":      ev.Payload,
		"content_hash": ev.ContentHash,
		"origin_id":    ev.OriginID,
		"seq":          ev.Seq,
		"ts":           ev.Ts.Format(time.RFC3339Nano),
		"tx_id":        rec.TxID,
	})
}

func (a *Anchorer) process(j job) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.EventTimeout)
	defer cancel()

	body, err := Envelope(j.ev, j.rec)
	if err != nil {
		return fmt.Errorf("canonicalize envelope: %w", err)
	}

	if a.producer != nil {
		key := []byte(j.ev.OriginID)
		if len(key) == 0 {
			key = []byte(j.ev.ID)
		}
		headers := map[string]string{"event_type": j.ev.EventType, "content_hash": j.ev.ContentHash}
		if _, err := a.producer.Produce(ctx, key, body, headers); err != nil {
			return fmt.Errorf("kafka produce: %w", err)
		}
		a.published.Add(1)
	}

	if a.cfg.ArchiveEvents && a.archiver != nil {
		loc, err := a.archiver.Put(ctx, DatedKey("events", j.ev.Ts, j.ev.ID+".json"), body, "application/json")
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		a.archived.Add(1)
		a.logger.Printf("[anchor.anchorer] event %s archived at %s", j.ev.ID, loc)
	}
	return nil
}
