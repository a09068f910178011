package consensus

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ILLUVRSE/coopdrive/coopcore/internal/ledger"
)

// Config tunes the coordinator. Zero fields fall back to defaults.
type Config struct {
	// Threshold is the share of total quorum weight that must approve. Defaults to 2/3.
	Threshold float64
	// Timeout is how long a proposal stays open. Defaults to 2s.
	Timeout time.Duration
	// Reward is added to voters that agreed with the outcome. Defaults to 0.05.
	Reward float64
	// Penalty is subtracted from voters that disagreed. Defaults to 0.025.
	Penalty float64
	// Retention is how long decided proposals stay readable. Defaults to 10m.
	Retention time.Duration

	// Recorder, when set, receives DECISION_PROPOSAL and DECISION_OUTCOME events.
	Recorder Recorder
	// OnOutcome is called once per decided proposal, before the ticket is
	// notified. It must not call back into the Coordinator.
	OnOutcome func(Proposal, Outcome)

	Logger *log.Logger
}

const weightEpsilon = 1e-9

func (c *Config) applyDefaults() error {
	if c.Threshold == 0 {
		c.Threshold = 2.0 / 3.0
	}
	if c.Threshold <= 0 || c.Threshold > 1 {
		return fmt.Errorf("%w: threshold %v outside (0,1]", ErrInvalidConfig, c.Threshold)
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.Reward == 0 {
		c.Reward = 0.05
	}
	if c.Penalty == 0 {
		c.Penalty = 0.025
	}
	if c.Reward < 0 || c.Penalty < 0 {
		return fmt.Errorf("%w: reward and penalty must be positive", ErrInvalidConfig)
	}
	if c.Retention <= 0 {
		c.Retention = 10 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return nil
}

var statusCodes = []Status{StatusPending, StatusApproved, StatusRejected, StatusTimedOut, StatusCancelled}

func codeOf(s Status) int32 {
	for i, st := range statusCodes {
		if st == s {
			return int32(i)
		}
	}
	return -1
}

type round struct {
	mu       sync.Mutex
	state    atomic.Int32
	p        Proposal
	weights  map[string]float64
	total    float64
	required float64
	order    []string
	votes    map[string]Vote
	timer    *time.Timer
	cancel   context.CancelFunc
	ticket   chan Outcome
	outcome  Outcome
}

func (r *round) status() Status {
	return statusCodes[r.state.Load()]
}

func (r *round) tally() Tally {
	t := Tally{TotalWeight: r.total, Required: r.required}
	for _, id := range r.p.Quorum {
		if v, ok := r.votes[id]; ok {
			if v.Approve {
				t.ApproveWeight += v.Weight
			} else {
				t.RejectWeight += v.Weight
			}
			t.Votes++
			continue
		}
		t.OutstandingWeight += r.weights[id]
	}
	return t
}

func (r *round) snapshot() Proposal {
	p := r.p
	p.Status = r.status()
	p.Quorum = append([]string(nil), r.p.Quorum...)
	p.Votes = make([]Vote, 0, len(r.order))
	for _, id := range r.order {
		p.Votes = append(p.Votes, r.votes[id])
	}
	p.Tally = r.tally()
	return p
}

// Coordinator runs proposals concurrently. Each proposal has its own lock so
// votes are applied in arrival order, and its terminal transition is a
// compare-and-swap so it happens exactly once.
type Coordinator struct {
	cfg       Config
	quorum    Quorum
	transport Transport
	rep       Reputation
	logger    *log.Logger
	now       func() time.Time

	mu     sync.RWMutex
	rounds map[string]*round

	baseCtx context.Context
	stop    context.CancelFunc
}

// NewCoordinator wires a coordinator. A transport with a Bind(Voter) method
// is bound to the new coordinator.
func NewCoordinator(quorum Quorum, transport Transport, rep Reputation, cfg Config) (*Coordinator, error) {
	if quorum == nil || rep == nil {
		return nil, fmt.Errorf("%w: quorum and reputation are required", ErrInvalidConfig)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if transport == nil {
		transport = NopTransport{}
	}
	ctx, stop := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:       cfg,
		quorum:    quorum,
		transport: transport,
		rep:       rep,
		logger:    cfg.Logger,
		now:       func() time.Time { return time.Now().UTC() },
		rounds:    make(map[string]*round),
		baseCtx:   ctx,
		stop:      stop,
	}
	if b, ok := transport.(interface{ Bind(Voter) }); ok {
		b.Bind(c)
	}
	return c, nil
}

// Propose opens a proposal and returns immediately. The quorum and each
// member's weight are fixed now; votes are weighed with the voter's
// reputation when they arrive.
func (c *Coordinator) Propose(ctx context.Context, proposerID, decisionType string, action ledger.Action) (*Ticket, error) {
	if proposerID == "" || decisionType == "" {
		return nil, fmt.Errorf("consensus: proposer and decision type are required")
	}
	members, err := c.quorum.Members(ctx, proposerID, decisionType)
	if err != nil {
		return nil, fmt.Errorf("consensus: resolve quorum: %w", err)
	}
	members = dedupe(members)
	weights := make(map[string]float64, len(members))
	total := 0.0
	for _, id := range members {
		w := c.rep.Get(id)
		weights[id] = w
		total += w
	}
	if len(members) == 0 || total <= 0 {
		return nil, ErrEmptyQuorum
	}

	now := c.now()
	r := &round{
		p: Proposal{
			ID:           ledger.NewUUID(),
			ProposerID:   proposerID,
			DecisionType: decisionType,
			Action:       action,
			CreatedAt:    now,
			Deadline:     now.Add(c.cfg.Timeout),
			Quorum:       members,
		},
		weights:  weights,
		total:    total,
		required: c.cfg.Threshold * total,
		votes:    make(map[string]Vote),
		ticket:   make(chan Outcome, 1),
	}
	var rctx context.Context
	rctx, r.cancel = context.WithDeadline(c.baseCtx, r.p.Deadline)

	r.mu.Lock()
	c.mu.Lock()
	c.pruneLocked(now)
	c.rounds[r.p.ID] = r
	c.mu.Unlock()
	r.timer = time.AfterFunc(c.cfg.Timeout, func() { c.expire(r) })
	snap := r.snapshot()
	r.mu.Unlock()

	c.logger.Printf("[consensus.coordinator] proposal %s opened by %s (%s): quorum=%v total=%.3f required=%.3f",
		snap.ID, proposerID, decisionType, members, total, r.required)
	c.record(ledger.EventDecisionProposal, proposerID, map[string]interface{}{
		"proposal_id":     snap.ID,
		"proposer_id":     proposerID,
		"decision_type":   decisionType,
		"proposed_action": action,
		"quorum":          members,
		"deadline":        snap.Deadline.Format(time.RFC3339Nano),
	})

	if err := c.transport.Broadcast(rctx, VoteRequest{Proposal: snap, Voters: members}); err != nil {
		c.logger.Printf("[consensus.coordinator] proposal %s broadcast: %v", snap.ID, err)
	}
	return &Ticket{ProposalID: snap.ID, Deadline: snap.Deadline, ch: r.ticket}, nil
}

// Vote records a ballot. A second ballot from the same voter replaces the
// first. Ballots arriving after the decision or past the deadline are
// acknowledged but not counted; a pending round past its deadline times out.
func (c *Coordinator) Vote(proposalID, voterID string, approve bool) (VoteAck, error) {
	r, err := c.lookup(proposalID)
	if err != nil {
		return VoteAck{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if st := r.status(); st.Terminal() {
		c.logger.Printf("[consensus.coordinator] late vote from %s on %s ignored (status=%s)", voterID, proposalID, st)
		return VoteAck{Counted: false, Status: st}, nil
	}
	if c.now().After(r.p.Deadline) {
		c.finalize(r, StatusTimedOut)
		c.logger.Printf("[consensus.coordinator] vote from %s on %s arrived after the deadline; ignored", voterID, proposalID)
		return VoteAck{Counted: false, Status: r.status()}, nil
	}
	if _, ok := r.weights[voterID]; !ok {
		return VoteAck{}, fmt.Errorf("%w: %s on %s", ErrNotInQuorum, voterID, proposalID)
	}

	prev, replaced := r.votes[voterID]
	if replaced {
		c.logger.Printf("[consensus.coordinator] WARNING duplicate vote from %s on %s: approve %v -> %v, latest vote kept",
			voterID, proposalID, prev.Approve, approve)
	} else {
		r.order = append(r.order, voterID)
	}
	r.votes[voterID] = Vote{
		ProposalID: proposalID,
		VoterID:    voterID,
		Approve:    approve,
		Weight:     c.rep.Get(voterID),
		CastAt:     c.now(),
	}

	t := r.tally()
	switch {
	case t.ApproveWeight > 0 && t.ApproveWeight+weightEpsilon >= t.Required:
		c.finalize(r, StatusApproved)
	case t.ApproveWeight+t.OutstandingWeight+weightEpsilon < t.Required:
		c.finalize(r, StatusRejected)
	}
	return VoteAck{Counted: true, Replaced: replaced, Status: r.status()}, nil
}

// Cancel moves a pending proposal to Cancelled. Reputation is not touched.
func (c *Coordinator) Cancel(proposalID string) (Outcome, error) {
	r, err := c.lookup(proposalID)
	if err != nil {
		return Outcome{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status().Terminal() {
		return r.outcome, ErrAlreadyFinal
	}
	c.finalize(r, StatusCancelled)
	return r.outcome, nil
}

// Get returns the current state of a proposal. Reading a decided proposal
// always returns the same status.
func (c *Coordinator) Get(proposalID string) (Proposal, error) {
	r, err := c.lookup(proposalID)
	if err != nil {
		return Proposal{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot(), nil
}

// List returns all retained proposals, oldest first.
func (c *Coordinator) List() []Proposal {
	c.mu.RLock()
	rounds := make([]*round, 0, len(c.rounds))
	for _, r := range c.rounds {
		rounds = append(rounds, r)
	}
	c.mu.RUnlock()

	out := make([]Proposal, 0, len(rounds))
	for _, r := range rounds {
		r.mu.Lock()
		out = append(out, r.snapshot())
		r.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Pending returns the number of open proposals.
func (c *Coordinator) Pending() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, r := range c.rounds {
		if !r.status().Terminal() {
			n++
		}
	}
	return n
}

// Close cancels every open proposal and stops peer evaluation.
func (c *Coordinator) Close() {
	c.mu.RLock()
	rounds := make([]*round, 0, len(c.rounds))
	for _, r := range c.rounds {
		rounds = append(rounds, r)
	}
	c.mu.RUnlock()
	for _, r := range rounds {
		r.mu.Lock()
		if !r.status().Terminal() {
			c.finalize(r, StatusCancelled)
		}
		r.mu.Unlock()
	}
	c.stop()
}

func (c *Coordinator) lookup(id string) (*round, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rounds[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

func (c *Coordinator) expire(r *round) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status().Terminal() {
		return
	}
	c.finalize(r, StatusTimedOut)
}

// finalize performs the single terminal transition. r.mu must be held.
func (c *Coordinator) finalize(r *round, status Status) bool {
	if !r.state.CompareAndSwap(codeOf(StatusPending), codeOf(status)) {
		return false
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.cancel()
	r.p.DecidedAt = c.now()

	t := r.tally()
	out := Outcome{ProposalID: r.p.ID, Status: status, Tally: t, DecidedAt: r.p.DecidedAt}
	if status == StatusApproved {
		a := r.p.Action
		out.Action = &a
	}
	r.outcome = out

	if status != StatusCancelled {
		c.applyReputation(r, status)
	}

	c.logger.Printf("[consensus.coordinator] proposal %s %s: approve=%.3f reject=%.3f outstanding=%.3f required=%.3f votes=%d/%d",
		r.p.ID, status, t.ApproveWeight, t.RejectWeight, t.OutstandingWeight, t.Required, t.Votes, len(r.p.Quorum))

	snap := r.snapshot()
	c.record(ledger.EventDecisionOutcome, r.p.ProposerID, map[string]interface{}{
		"proposal_id":    r.p.ID,
		"decision_type":  r.p.DecisionType,
		"status":         string(status),
		"approve_weight": t.ApproveWeight,
		"reject_weight":  t.RejectWeight,
		"required":       t.Required,
		"votes":          snap.Votes,
	})
	if c.cfg.OnOutcome != nil {
		c.cfg.OnOutcome(snap, out)
	}
	r.ticket <- out
	return true
}

// applyReputation rewards voters whose ballot matches the outcome and
// penalizes the rest. Rejected and TimedOut both count as "not approved".
func (c *Coordinator) applyReputation(r *round, status Status) {
	approved := status == StatusApproved
	for _, id := range r.order {
		v := r.votes[id]
		if v.Approve == approved {
			c.rep.Update(id, c.cfg.Reward)
		} else {
			c.rep.Update(id, -c.cfg.Penalty)
		}
	}
}

func (c *Coordinator) record(eventType, origin string, payload map[string]interface{}) {
	if c.cfg.Recorder == nil {
		return
	}
	if _, err := c.cfg.Recorder.Submit(ledger.Event{EventType: eventType, OriginID: origin, Payload: payload}); err != nil {
		c.logger.Printf("[consensus.coordinator] record %s: %v", eventType, err)
	}
}

// pruneLocked drops decided proposals older than Retention. c.mu must be held.
func (c *Coordinator) pruneLocked(now time.Time) {
	for id, r := range c.rounds {
		if !r.status().Terminal() {
			continue
		}
		r.mu.Lock()
		decided := r.p.DecidedAt
		r.mu.Unlock()
		if now.Sub(decided) > c.cfg.Retention {
			delete(c.rounds, id)
		}
	}
}
