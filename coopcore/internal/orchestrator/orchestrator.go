// Package orchestrator drives one vehicle: perceive, decide with the quorum
// when needed, act, and anchor what happened on the ledger.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ILLUVRSE/coopdrive/coopcore/internal/anchor"
	"github.com/ILLUVRSE/coopdrive/coopcore/internal/canonical"
	"github.com/ILLUVRSE/coopdrive/coopcore/internal/consensus"
	"github.com/ILLUVRSE/coopdrive/coopcore/internal/ledger"
	"github.com/ILLUVRSE/coopdrive/coopcore/internal/perception"
)

// Frame is one raw sensor reading.
type Frame struct {
	Sensor      string
	Number      int64
	Data        []byte
	ContentType string
	CapturedAt  time.Time
}

// Simulator is the vehicle as seen through the simulator.
type Simulator interface {
	Position(ctx context.Context) (ledger.Position, error)
	// Velocity returns the velocity vector in m/s.
	Velocity(ctx context.Context) (ledger.Position, error)
	ApplyAction(ctx context.Context, a ledger.Action) error
	// Subscribe delivers frames from sensor to fn until the returned stop
	// function is called. fn must not block.
	Subscribe(ctx context.Context, sensor string, fn func(Frame)) (stop func(), err error)
}

// Ledger is the subset of ledger.Client the orchestrator uses.
type Ledger interface {
	Record(ctx context.Context, ev ledger.Event) (ledger.Receipt, error)
	Submit(ev ledger.Event) (ledger.Receipt, error)
	RegisterAgent(ctx context.Context, id, kind string) (ledger.TxReceipt, error)
}

// Perceiver is the subset of perception.Aggregator the orchestrator uses.
type Perceiver interface {
	Aggregate(ctx context.Context, self ledger.Position, radius float64) (perception.MergedView, error)
	Publish(ctx context.Context, r perception.Report) (ledger.Receipt, error)
}

// Decider is the subset of consensus.Coordinator the orchestrator uses.
type Decider interface {
	Propose(ctx context.Context, proposerID, decisionType string, action ledger.Action) (*consensus.Ticket, error)
	Cancel(proposalID string) (consensus.Outcome, error)
}

// Config configures an Orchestrator.
type Config struct {
	AgentID   string
	AgentKind string

	// Period is the loop interval. Defaults to 1s.
	Period time.Duration
	// MaxDuration stops the loop after this long; 0 runs until ctx is done.
	MaxDuration time.Duration
	// PerceptionRadius in meters. Defaults to 50.
	PerceptionRadius float64
	// DecisionWait bounds how long one cycle waits for consensus. Defaults to 2s.
	DecisionWait time.Duration
	// ShutdownTimeout bounds the final ledger flush. Defaults to 5s.
	ShutdownTimeout time.Duration

	// InitialAction is applied at start and held until a decision replaces it.
	InitialAction ledger.Action
	// Plan returns the action to propose at a decision point. Defaults to InitialAction.
	Plan func(decisionType string, pos ledger.Position, view perception.MergedView) ledger.Action

	// Sensor is subscribed at start. Defaults to "camera".
	Sensor string
	// SensorQueue bounds frames waiting for the sensor worker. Defaults to 64.
	SensorQueue int

	Logger *log.Logger
}

// Stats counts loop activity.
type Stats struct {
	Cycles         int64 `json:"cycles"`
	CycleErrors    int64 `json:"cycle_errors"`
	Decisions      int64 `json:"decisions"`
	Approved       int64 `json:"approved"`
	Held           int64 `json:"held"`
	FramesArchived int64 `json:"frames_archived"`
	FramesDropped  int64 `json:"frames_dropped"`
}

// Orchestrator owns one vehicle's loop. Create one per vehicle.
type Orchestrator struct {
	cfg       Config
	sim       Simulator
	ledger    Ledger
	perceiver Perceiver
	decider   Decider
	points    DecisionPoint
	archiver  anchor.Archiver
	logger    *log.Logger
	now       func() time.Time

	frames chan Frame

	mu       sync.Mutex
	lastSafe ledger.Action

	cycles         atomic.Int64
	cycleErrors    atomic.Int64
	decisions      atomic.Int64
	approved       atomic.Int64
	held           atomic.Int64
	framesArchived atomic.Int64
	framesDropped  atomic.Int64
}

// New wires an orchestrator. points and archiver may be nil: no decision
// points means the vehicle never proposes, no archiver means frames are only
// hashed.
func New(sim Simulator, l Ledger, p Perceiver, d Decider, points DecisionPoint, archiver anchor.Archiver, cfg Config) (*Orchestrator, error) {
	if sim == nil || l == nil || p == nil || d == nil {
		return nil, fmt.Errorf("orchestrator: simulator, ledger, perceiver and decider are required")
	}
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("orchestrator: agent id required")
	}
	if cfg.AgentKind == "" {
		cfg.AgentKind = "vehicle"
	}
	if cfg.Period <= 0 {
		cfg.Period = time.Second
	}
	if cfg.PerceptionRadius <= 0 {
		cfg.PerceptionRadius = 50
	}
	if cfg.DecisionWait <= 0 {
		cfg.DecisionWait = 2 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Sensor == "" {
		cfg.Sensor = "camera"
	}
	if cfg.SensorQueue <= 0 {
		cfg.SensorQueue = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{
		cfg:       cfg,
		sim:       sim,
		ledger:    l,
		perceiver: p,
		decider:   d,
		points:    points,
		archiver:  archiver,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		frames:    make(chan Frame, cfg.SensorQueue),
		lastSafe:  cfg.InitialAction,
	}, nil
}

func (o *Orchestrator) Stats() Stats {
	return Stats{
		Cycles:         o.cycles.Load(),
		CycleErrors:    o.cycleErrors.Load(),
		Decisions:      o.decisions.Load(),
		Approved:       o.approved.Load(),
		Held:           o.held.Load(),
		FramesArchived: o.framesArchived.Load(),
		FramesDropped:  o.framesDropped.Load(),
	}
}

// LastSafeAction is the action currently held.
func (o *Orchestrator) LastSafeAction() ledger.Action {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastSafe
}

// Run drives the loop until ctx is done or MaxDuration elapses. It always
// tries to record VEHICLE_DESTROYED before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.cfg.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.MaxDuration)
		defer cancel()
	}
	id := o.cfg.AgentID
	o.logger.Printf("[orchestrator] vehicle %s starting (period=%s radius=%.1fm)", id, o.cfg.Period, o.cfg.PerceptionRadius)

	if _, err := o.ledger.RegisterAgent(ctx, id, o.cfg.AgentKind); err != nil {
		o.logger.Printf("[orchestrator] register %s: %v", id, err)
	}
	created := map[string]interface{}{
		"vehicle_id": id,
		"type":       o.cfg.AgentKind,
		"timestamp":  unixSeconds(o.now()),
	}
	if pos, err := o.sim.Position(ctx); err == nil {
		created["position"] = pos
	}
	o.submit(ledger.EventVehicleCreated, created)

	if err := o.sim.ApplyAction(ctx, o.LastSafeAction()); err != nil {
		o.logger.Printf("[orchestrator] apply initial action: %v", err)
	}

	stopSensor, err := o.sim.Subscribe(ctx, o.cfg.Sensor, o.onFrame)
	if err != nil {
		o.logger.Printf("[orchestrator] subscribe %s: %v", o.cfg.Sensor, err)
		stopSensor = func() {}
	}
	workerDone := make(chan struct{})
	workerCtx, stopWorker := context.WithCancel(context.Background())
	go func() {
		defer close(workerDone)
		o.sensorWorker(workerCtx)
	}()

	ticker := time.NewTicker(o.cfg.Period)
	defer ticker.Stop()
	for {
		if err := o.cycle(ctx); err != nil && ctx.Err() == nil {
			o.cycleErrors.Add(1)
			o.logger.Printf("[orchestrator] cycle: %v", err)
		}
		select {
		case <-ctx.Done():
			stopSensor()
			stopWorker()
			<-workerDone
			o.shutdown()
			return nil
		case <-ticker.C:
		}
	}
}

// cycle runs perceive, decide, act, anchor once.
func (o *Orchestrator) cycle(ctx context.Context) error {
	o.cycles.Add(1)
	pos, err := o.sim.Position(ctx)
	if err != nil {
		return fmt.Errorf("read position: %w", err)
	}
	vel, err := o.sim.Velocity(ctx)
	if err != nil {
		return fmt.Errorf("read velocity: %w", err)
	}
	now := o.now()

	view, err := o.perceiver.Aggregate(ctx, pos, o.cfg.PerceptionRadius)
	if err != nil {
		o.logger.Printf("[orchestrator] aggregate: %v", err)
		view = perception.MergedView{Center: pos, Radius: o.cfg.PerceptionRadius}
	}
	if _, err := o.perceiver.Publish(ctx, perception.Report{
		ReporterID:       o.cfg.AgentID,
		ReporterPosition: pos,
		ReportedAt:       now,
		Observations: []perception.Observation{
			{EntityID: o.cfg.AgentID, Kind: o.cfg.AgentKind, Position: pos, Confidence: 1, ObservedAt: now},
		},
	}); err != nil {
		o.logger.Printf("[orchestrator] publish perception: %v", err)
	}

	if o.points != nil {
		if decisionType, ok := o.points.Check(pos, view); ok {
			o.decide(ctx, decisionType, pos, view)
		}
	}

	o.submit(ledger.EventPositionUpdate, map[string]interface{}{
		"vehicle_id": o.cfg.AgentID,
		"position":   pos,
		"speed":      math.Sqrt(vel.X*vel.X + vel.Y*vel.Y + vel.Z*vel.Z),
		"timestamp":  unixSeconds(now),
	})
	return ctx.Err()
}

// decide proposes an action and applies it only if approved within
// DecisionWait; otherwise the last safe action is held.
func (o *Orchestrator) decide(ctx context.Context, decisionType string, pos ledger.Position, view perception.MergedView) {
	o.decisions.Add(1)
	proposed := o.LastSafeAction()
	if o.cfg.Plan != nil {
		proposed = o.cfg.Plan(decisionType, pos, view)
	}

	ticket, err := o.decider.Propose(ctx, o.cfg.AgentID, decisionType, proposed)
	if err != nil {
		o.hold(ctx, fmt.Sprintf("propose %s: %v", decisionType, err))
		return
	}

	wait := time.NewTimer(o.cfg.DecisionWait)
	defer wait.Stop()
	select {
	case out := <-ticket.Done():
		if out.Approved() {
			o.apply(ctx, *out.Action)
			o.approved.Add(1)
			o.logger.Printf("[orchestrator] proposal %s approved (approve=%.3f of %.3f)", out.ProposalID, out.Tally.ApproveWeight, out.Tally.Required)
			return
		}
		o.hold(ctx, fmt.Sprintf("proposal %s %s", out.ProposalID, out.Status))
	case <-wait.C:
		if _, err := o.decider.Cancel(ticket.ProposalID); err != nil && !errors.Is(err, consensus.ErrAlreadyFinal) {
			o.logger.Printf("[orchestrator] cancel %s: %v", ticket.ProposalID, err)
		}
		o.hold(ctx, fmt.Sprintf("proposal %s not decided within %s", ticket.ProposalID, o.cfg.DecisionWait))
	case <-ctx.Done():
		if _, err := o.decider.Cancel(ticket.ProposalID); err != nil && !errors.Is(err, consensus.ErrAlreadyFinal) {
			o.logger.Printf("[orchestrator] cancel %s: %v", ticket.ProposalID, err)
		}
	}
}

func (o *Orchestrator) apply(ctx context.Context, a ledger.Action) {
	if err := o.sim.ApplyAction(ctx, a); err != nil {
		o.logger.Printf("[orchestrator] apply action: %v", err)
		return
	}
	o.mu.Lock()
	o.lastSafe = a
	o.mu.Unlock()
}

func (o *Orchestrator) hold(ctx context.Context, reason string) {
	o.held.Add(1)
	a := o.LastSafeAction()
	o.logger.Printf("[orchestrator] holding last safe action: %s", reason)
	if err := o.sim.ApplyAction(ctx, a); err != nil {
		o.logger.Printf("[orchestrator] re-apply action: %v", err)
	}
}

// onFrame is the sensor callback. It only enqueues.
func (o *Orchestrator) onFrame(f Frame) {
	select {
	case o.frames <- f:
	default:
		if n := o.framesDropped.Add(1); n == 1 || n%100 == 0 {
			o.logger.Printf("[orchestrator] sensor queue full, %d frames dropped", n)
		}
	}
}

// sensorWorker archives frames and records their digests. On stop it
// drains what is already queued.
func (o *Orchestrator) sensorWorker(ctx context.Context) {
	for {
		select {
		case f := <-o.frames:
			o.handleFrame(f)
		case <-ctx.Done():
			for {
				select {
				case f := <-o.frames:
					o.handleFrame(f)
				default:
					return
				}
			}
		}
	}
}

func (o *Orchestrator) handleFrame(f Frame) {
	if f.CapturedAt.IsZero() {
		f.CapturedAt = o.now()
	}
	sensor := f.Sensor
	if sensor == "" {
		sensor = o.cfg.Sensor
	}
	digest := canonical.HashHex(f.Data)
	location := ""
	if o.archiver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ShutdownTimeout)
		key := anchor.DatedKey("sensor", f.CapturedAt, fmt.Sprintf("%s/%s_%06d.data", o.cfg.AgentID, sensor, f.Number))
		loc, err := o.archiver.Put(ctx, key, f.Data, f.ContentType)
		cancel()
		if err != nil {
			o.logger.Printf("[orchestrator] archive frame %d: %v", f.Number, err)
		} else {
			location = loc
			o.framesArchived.Add(1)
		}
	}
	o.submit(ledger.EventSensorData, map[string]interface{}{
		"vehicle_id":        o.cfg.AgentID,
		"sensor_type":       sensor,
		"frame":             f.Number,
		"data_hash":         digest,
		"offchain_location": location,
		"timestamp":         unixSeconds(f.CapturedAt),
	})
}

// shutdown stops the vehicle and records VEHICLE_DESTROYED with a fresh
// timeout, since the run context is already done.
func (o *Orchestrator) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ShutdownTimeout)
	defer cancel()

	if err := o.sim.ApplyAction(ctx, ledger.FullStop); err != nil {
		o.logger.Printf("[orchestrator] stop vehicle: %v", err)
	}
	rec, err := o.ledger.Record(ctx, ledger.Event{
		EventType: ledger.EventVehicleDestroyed,
		OriginID:  o.cfg.AgentID,
		Payload: map[string]interface{}{
			"vehicle_id": o.cfg.AgentID,
			"timestamp":  unixSeconds(o.now()),
		},
	})
	if err != nil {
		o.logger.Printf("[orchestrator] record %s for %s: %v", ledger.EventVehicleDestroyed, o.cfg.AgentID, err)
	} else {
		o.logger.Printf("[orchestrator] vehicle %s stopped (tx=%s)", o.cfg.AgentID, rec.TxID)
	}
	st := o.Stats()
	o.logger.Printf("[orchestrator] cycles=%d decisions=%d approved=%d held=%d frames_archived=%d frames_dropped=%d",
		st.Cycles, st.Decisions, st.Approved, st.Held, st.FramesArchived, st.FramesDropped)
}

func (o *Orchestrator) submit(eventType string, payload map[string]interface{}) {
	if _, err := o.ledger.Submit(ledger.Event{EventType: eventType, OriginID: o.cfg.AgentID, Payload: payload}); err != nil {
		o.logger.Printf("[orchestrator] submit %s: %v", eventType, err)
	}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
