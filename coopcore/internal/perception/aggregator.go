package perception

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"github.com/ILLUVRSE/coopdrive/coopcore/internal/ledger"
)

// Ledger is the subset of ledger.Client the aggregator uses.
type Ledger interface {
	Query(ctx context.Context, f ledger.Filter) (*ledger.EventIterator, error)
	Submit(ev ledger.Event) (ledger.Receipt, error)
}

// Entity is one merged object in the view.
type Entity struct {
	ID         string          `json:"id,omitempty"`
	Kind       string          `json:"kind"`
	Position   ledger.Position `json:"position"`
	Confidence float64         `json:"confidence"`
	ObservedAt time.Time       `json:"observed_at"`
	Sources    []string        `json:"sources"`
}

// MergedView is the consolidated result of one Aggregate call.
type MergedView struct {
	Center    ledger.Position `json:"center"`
	Radius    float64         `json:"radius"`
	Peers     []string        `json:"peers"`
	Entities  []Entity        `json:"entities"`
	Discarded int             `json:"discarded"`
	BuiltAt   time.Time       `json:"built_at"`
}

// Empty reports whether no peer contributed to the view.
func (v MergedView) Empty() bool {
	return len(v.Peers) == 0
}

// Config tunes the aggregator.
type Config struct {
	// SelfID is excluded from aggregation and stamped on published reports.
	SelfID string
	// Window bounds how old a report may be. Defaults to 10s.
	Window time.Duration
	// MergeDistance is how close two unnamed observations of the same kind
	// must be to count as one entity. Defaults to 2m.
	MergeDistance float64
	// PageSize is the ledger page size used while scanning the window.
	// Defaults to 500. Every report in the window is read.
	PageSize int
	Logger     *log.Logger
}

// Aggregator builds MergedViews from PERCEPTION_REPORT events.
type Aggregator struct {
	ledger    Ledger
	cfg       Config
	logger    *log.Logger
	now       func() time.Time
	discarded atomic.Int64
}

func NewAggregator(l Ledger, cfg Config) *Aggregator {
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Second
	}
	if cfg.MergeDistance <= 0 {
		cfg.MergeDistance = 2
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Aggregator{
		ledger: l,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Discarded returns how many reports failed hash verification so far.
func (a *Aggregator) Discarded() int64 {
	return a.discarded.Load()
}

// Publish seals the report for this agent and submits it without waiting
// for the ledger.
func (a *Aggregator) Publish(ctx context.Context, r Report) (ledger.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Receipt{}, err
	}
	if r.ReporterID == "" {
		r.ReporterID = a.cfg.SelfID
	}
	if r.ReportedAt.IsZero() {
		r.ReportedAt = a.now()
	}
	if err := r.Seal(); err != nil {
		return ledger.Receipt{}, fmt.Errorf("perception: seal report: %w", err)
	}
	return a.ledger.Submit(ledger.Event{
		EventType: ledger.EventPerceptionReport,
		OriginID:  r.ReporterID,
		Payload:   r,
	})
}

// Aggregate merges the latest report of every peer within radius of self.
// No peers is not an error: the view is simply empty.
func (a *Aggregator) Aggregate(ctx context.Context, self ledger.Position, radius float64) (MergedView, error) {
	now := a.now()
	view := MergedView{Center: self, Radius: radius, Peers: []string{}, Entities: []Entity{}, BuiltAt: now}
	if radius < 0 {
		return view, fmt.Errorf("perception: negative radius %v", radius)
	}

	it, err := a.ledger.Query(ctx, ledger.Filter{
		EventTypes: []string{ledger.EventPerceptionReport},
		Since:      now.Add(-a.cfg.Window),
		PageSize:   a.cfg.PageSize,
	})
	if err != nil {
		return view, fmt.Errorf("perception: query reports: %w", err)
	}

	// Only the newest report per reporter is kept, so memory is bounded by
	// the number of peers rather than the size of the window.
	latest := make(map[string]Report)
	for it.Next() {
		ev := it.Event()
		var r Report
		if err := ev.DecodePayload(&r); err != nil {
			a.reject(&view, ev.OriginID, err)
			continue
		}
		if err := r.Verify(); err != nil {
			a.reject(&view, r.ReporterID, err)
			continue
		}
		if r.ReporterID == "" || r.ReporterID == a.cfg.SelfID || r.ReporterID != ev.OriginID {
			continue
		}
		if r.ReporterPosition.Distance(self) > radius {
			continue
		}
		if prev, ok := latest[r.ReporterID]; !ok || r.ReportedAt.After(prev.ReportedAt) {
			latest[r.ReporterID] = r
		}
	}
	if err := it.Err(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return view, err
		}
		return view, fmt.Errorf("perception: read reports: %w", err)
	}

	reports := make([]Report, 0, len(latest))
	for id, r := range latest {
		view.Peers = append(view.Peers, id)
		reports = append(reports, r)
	}
	sort.Strings(view.Peers)
	view.Entities = merge(reports, a.cfg.MergeDistance)
	return view, nil
}

func (a *Aggregator) reject(view *MergedView, reporter string, err error) {
	view.Discarded++
	a.discarded.Add(1)
	a.logger.Printf("[perception.aggregator] discarding report from %s: %v", reporter, err)
}

type sighting struct {
	obs      Observation
	reporter string
}

// merge folds observations into entities. Observations are visited newest
// first so the kept position of each entity is the most recent one. Two
// observations are the same entity when their ids match, or when at least one
// is unnamed and they share a kind within dist.
func merge(reports []Report, dist float64) []Entity {
	var all []sighting
	for _, r := range reports {
		for _, o := range r.Observations {
			all = append(all, sighting{obs: o, reporter: r.ReporterID})
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].obs.ObservedAt.Equal(all[j].obs.ObservedAt) {
			return all[i].obs.ObservedAt.After(all[j].obs.ObservedAt)
		}
		return all[i].reporter < all[j].reporter
	})

	entities := []Entity{}
	for _, s := range all {
		idx := -1
		for i := range entities {
			if sameEntity(entities[i], s.obs, dist) {
				idx = i
				break
			}
		}
		if idx < 0 {
			entities = append(entities, Entity{
				ID:         s.obs.EntityID,
				Kind:       s.obs.Kind,
				Position:   s.obs.Position,
				Confidence: s.obs.Confidence,
				ObservedAt: s.obs.ObservedAt,
				Sources:    []string{s.reporter},
			})
			continue
		}
		e := &entities[idx]
		if e.ID == "" {
			e.ID = s.obs.EntityID
		}
		if s.obs.Confidence > e.Confidence {
			e.Confidence = s.obs.Confidence
		}
		if !contains(e.Sources, s.reporter) {
			e.Sources = append(e.Sources, s.reporter)
		}
	}
	for i := range entities {
		sort.Strings(entities[i].Sources)
	}
	return entities
}

func sameEntity(e Entity, o Observation, dist float64) bool {
	if e.ID != "" && o.EntityID != "" {
		return e.ID == o.EntityID
	}
	return e.Kind == o.Kind && e.Position.Distance(o.Position) <= dist
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
