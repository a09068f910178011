package consensus_test

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/coopdrive/coopcore/internal/consensus"
	"github.com/ILLUVRSE/coopdrive/coopcore/internal/ledger"
	"github.com/ILLUVRSE/coopdrive/coopcore/internal/reputation"
)

var quiet = log.New(io.Discard, "", 0)

var crossing = ledger.Action{Throttle: 0.4, Steer: 0.1}

func seededStore() *reputation.Store {
	s := reputation.NewStore()
	s.Seed("A", 0.9)
	s.Seed("B", 0.6)
	s.Seed("C", 0.3)
	return s
}

func newCoordinator(t *testing.T, rep consensus.Reputation, transport consensus.Transport, cfg consensus.Config) *consensus.Coordinator {
	t.Helper()
	cfg.Logger = quiet
	c, err := consensus.NewCoordinator(consensus.StaticQuorum{"A", "B", "C", "D"}, transport, rep, cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func await(t *testing.T, ticket *consensus.Ticket) consensus.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	out, err := ticket.Await(ctx)
	require.NoError(t, err)
	return out
}

func TestHighWeightApprovalsApprove(t *testing.T) {
	rep := seededStore()
	c := newCoordinator(t, rep, nil, consensus.Config{Timeout: 5 * time.Second})

	ticket, err := c.Propose(context.Background(), "D", consensus.DecisionIntersectionNav, crossing)
	require.NoError(t, err)

	ack, err := c.Vote(ticket.ProposalID, "A", true)
	require.NoError(t, err)
	assert.True(t, ack.Counted)
	assert.Equal(t, consensus.StatusPending, ack.Status)

	ack, err = c.Vote(ticket.ProposalID, "B", true)
	require.NoError(t, err)
	assert.Equal(t, consensus.StatusApproved, ack.Status)

	out := await(t, ticket)
	assert.Equal(t, consensus.StatusApproved, out.Status)
	require.True(t, out.Approved())
	assert.Equal(t, crossing, *out.Action)
	assert.InDelta(t, 1.5, out.Tally.ApproveWeight, 1e-9)
	assert.InDelta(t, 1.8, out.Tally.TotalWeight, 1e-9)
	assert.InDelta(t, 1.2, out.Tally.Required, 1e-9)

	assert.InDelta(t, 0.95, rep.Get("A"), 1e-9)
	assert.InDelta(t, 0.65, rep.Get("B"), 1e-9)
	assert.InDelta(t, 0.3, rep.Get("C"), 1e-9, "non-voters are not updated")
}

func TestLowWeightApprovalTimesOut(t *testing.T) {
	rep := seededStore()
	c := newCoordinator(t, rep, nil, consensus.Config{Timeout: 50 * time.Millisecond})

	ticket, err := c.Propose(context.Background(), "D", consensus.DecisionIntersectionNav, crossing)
	require.NoError(t, err)
	_, err = c.Vote(ticket.ProposalID, "C", true)
	require.NoError(t, err)

	out := await(t, ticket)
	assert.Equal(t, consensus.StatusTimedOut, out.Status)
	assert.False(t, out.Approved())
	assert.Nil(t, out.Action)

	assert.InDelta(t, 0.275, rep.Get("C"), 1e-9)
	assert.InDelta(t, 0.9, rep.Get("A"), 1e-9)
	assert.InDelta(t, 0.6, rep.Get("B"), 1e-9)
}

func TestRejectedOnceThresholdIsUnreachable(t *testing.T) {
	rep := seededStore()
	c := newCoordinator(t, rep, nil, consensus.Config{Timeout: 5 * time.Second})

	ticket, err := c.Propose(context.Background(), "D", consensus.DecisionIntersectionNav, crossing)
	require.NoError(t, err)

	ack, err := c.Vote(ticket.ProposalID, "A", false)
	require.NoError(t, err)
	assert.Equal(t, consensus.StatusRejected, ack.Status)

	out := await(t, ticket)
	assert.Equal(t, consensus.StatusRejected, out.Status)
	assert.InDelta(t, 0.95, rep.Get("A"), 1e-9)

	late, err := c.Vote(ticket.ProposalID, "B", true)
	require.NoError(t, err)
	assert.False(t, late.Counted)
	assert.Equal(t, consensus.StatusRejected, late.Status)
	assert.InDelta(t, 0.6, rep.Get("B"), 1e-9)
}

func TestDuplicateVoteLatestWins(t *testing.T) {
	rep := seededStore()
	c := newCoordinator(t, rep, nil, consensus.Config{Timeout: 5 * time.Second})

	ticket, err := c.Propose(context.Background(), "D", consensus.DecisionIntersectionNav, crossing)
	require.NoError(t, err)

	ack, err := c.Vote(ticket.ProposalID, "B", true)
	require.NoError(t, err)
	assert.False(t, ack.Replaced)

	ack, err = c.Vote(ticket.ProposalID, "B", false)
	require.NoError(t, err)
	assert.True(t, ack.Replaced)
	assert.Equal(t, consensus.StatusPending, ack.Status)

	p, err := c.Get(ticket.ProposalID)
	require.NoError(t, err)
	require.Len(t, p.Votes, 1)
	assert.False(t, p.Votes[0].Approve)
	assert.Equal(t, 1, p.Tally.Votes)
	assert.Equal(t, 0.0, p.Tally.ApproveWeight)
	assert.InDelta(t, 0.6, p.Tally.RejectWeight, 1e-9)

	// B's earlier approval no longer counts, so A rejecting leaves only C.
	ack, err = c.Vote(ticket.ProposalID, "A", false)
	require.NoError(t, err)
	assert.Equal(t, consensus.StatusRejected, ack.Status)
}

func TestVoteErrors(t *testing.T) {
	c := newCoordinator(t, seededStore(), nil, consensus.Config{Timeout: 5 * time.Second})

	_, err := c.Vote("missing", "A", true)
	assert.ErrorIs(t, err, consensus.ErrNotFound)

	ticket, err := c.Propose(context.Background(), "D", consensus.DecisionIntersectionNav, crossing)
	require.NoError(t, err)

	_, err = c.Vote(ticket.ProposalID, "Z", true)
	assert.ErrorIs(t, err, consensus.ErrNotInQuorum)

	_, err = c.Vote(ticket.ProposalID, "D", true)
	assert.ErrorIs(t, err, consensus.ErrNotInQuorum, "proposer does not vote on its own proposal")
}

func TestCancelIsTerminalWithoutReputation(t *testing.T) {
	rep := seededStore()
	c := newCoordinator(t, rep, nil, consensus.Config{Timeout: 5 * time.Second})

	ticket, err := c.Propose(context.Background(), "D", consensus.DecisionLaneChange, crossing)
	require.NoError(t, err)
	_, err = c.Vote(ticket.ProposalID, "A", true)
	require.NoError(t, err)

	out, err := c.Cancel(ticket.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, consensus.StatusCancelled, out.Status)
	assert.Equal(t, consensus.StatusCancelled, await(t, ticket).Status)
	assert.InDelta(t, 0.9, rep.Get("A"), 1e-9)

	_, err = c.Cancel(ticket.ProposalID)
	assert.ErrorIs(t, err, consensus.ErrAlreadyFinal)
}

func TestExactlyOneTerminalStatus(t *testing.T) {
	c := newCoordinator(t, seededStore(), nil, consensus.Config{Timeout: 20 * time.Millisecond})

	ticket, err := c.Propose(context.Background(), "D", consensus.DecisionIntersectionNav, crossing)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, voter := range []string{"A", "B", "C", "A", "B"} {
		wg.Add(1)
		go func(v string) {
			defer wg.Done()
			_, _ = c.Vote(ticket.ProposalID, v, v != "C")
		}(voter)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = c.Cancel(ticket.ProposalID)
	}()
	wg.Wait()

	out := await(t, ticket)
	assert.True(t, out.Status.Terminal())

	select {
	case extra := <-ticket.Done():
		t.Fatalf("outcome delivered twice: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}

	for i := 0; i < 3; i++ {
		p, err := c.Get(ticket.ProposalID)
		require.NoError(t, err)
		assert.Equal(t, out.Status, p.Status)
	}
	assert.Equal(t, 0, c.Pending())
}

func TestEmptyQuorum(t *testing.T) {
	c, err := consensus.NewCoordinator(consensus.StaticQuorum{"D"}, nil, reputation.NewStore(), consensus.Config{Logger: quiet})
	require.NoError(t, err)
	_, err = c.Propose(context.Background(), "D", consensus.DecisionIntersectionNav, crossing)
	assert.ErrorIs(t, err, consensus.ErrEmptyQuorum)

	zero := reputation.NewStore(reputation.WithInitial(0))
	c, err = consensus.NewCoordinator(consensus.StaticQuorum{"A", "B"}, nil, zero, consensus.Config{Logger: quiet})
	require.NoError(t, err)
	_, err = c.Propose(context.Background(), "D", consensus.DecisionIntersectionNav, crossing)
	assert.ErrorIs(t, err, consensus.ErrEmptyQuorum)
}

func TestInvalidThreshold(t *testing.T) {
	_, err := consensus.NewCoordinator(consensus.StaticQuorum{"A"}, nil, reputation.NewStore(), consensus.Config{Threshold: 1.5})
	assert.ErrorIs(t, err, consensus.ErrInvalidConfig)
}

type recorder struct {
	mu     sync.Mutex
	events []ledger.Event
}

func (r *recorder) Submit(ev ledger.Event) (ledger.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return ledger.Receipt{Status: ledger.ReceiptPending}, nil
}

func TestRecorderAndOutcomeHook(t *testing.T) {
	rec := &recorder{}
	var hooked []consensus.Status
	c := newCoordinator(t, seededStore(), nil, consensus.Config{
		Timeout:   5 * time.Second,
		Recorder:  rec,
		OnOutcome: func(p consensus.Proposal, o consensus.Outcome) { hooked = append(hooked, o.Status) },
	})

	ticket, err := c.Propose(context.Background(), "D", consensus.DecisionIntersectionNav, crossing)
	require.NoError(t, err)
	_, err = c.Vote(ticket.ProposalID, "A", true)
	require.NoError(t, err)
	_, err = c.Vote(ticket.ProposalID, "B", true)
	require.NoError(t, err)
	await(t, ticket)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.events, 2)
	assert.Equal(t, ledger.EventDecisionProposal, rec.events[0].EventType)
	assert.Equal(t, ledger.EventDecisionOutcome, rec.events[1].EventType)
	assert.Equal(t, "D", rec.events[1].OriginID)
	assert.Equal(t, []consensus.Status{consensus.StatusApproved}, hooked)
}

func TestLocalTransportRunsPeerPolicies(t *testing.T) {
	policy := consensus.DefaultSafetyPolicy()
	transport := consensus.NewLocalTransport(quiet,
		consensus.Peer{ID: "A", Policy: policy},
		consensus.Peer{ID: "B", Policy: policy, Latency: 5 * time.Millisecond},
		consensus.Peer{ID: "C", Policy: policy, Latency: 10 * time.Millisecond},
	)
	c := newCoordinator(t, seededStore(), transport, consensus.Config{Timeout: 2 * time.Second})

	safe, err := c.Propose(context.Background(), "D", consensus.DecisionIntersectionNav, crossing)
	require.NoError(t, err)
	unsafe, err := c.Propose(context.Background(), "D", consensus.DecisionIntersectionNav, ledger.Action{Throttle: 1.0})
	require.NoError(t, err)

	assert.Equal(t, consensus.StatusApproved, await(t, safe).Status)
	assert.Equal(t, consensus.StatusRejected, await(t, unsafe).Status)
}

func TestManyConcurrentProposals(t *testing.T) {
	policy := consensus.DefaultSafetyPolicy()
	transport := consensus.NewLocalTransport(quiet,
		consensus.Peer{ID: "A", Policy: policy},
		consensus.Peer{ID: "B", Policy: policy},
		consensus.Peer{ID: "C", Policy: policy},
	)
	c := newCoordinator(t, seededStore(), transport, consensus.Config{Timeout: 2 * time.Second})

	var wg sync.WaitGroup
	results := make(chan consensus.Status, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := c.Propose(context.Background(), "D", consensus.DecisionIntersectionNav, crossing)
			if err != nil {
				results <- ""
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			out, err := ticket.Await(ctx)
			if err != nil {
				results <- ""
				return
			}
			results <- out.Status
		}()
	}
	wg.Wait()
	close(results)
	for st := range results {
		assert.Equal(t, consensus.StatusApproved, st)
	}
	assert.Len(t, c.List(), 20)
}

func TestVotesPastDeadlineAreNotCounted(t *testing.T) {
	rep := seededStore()
	c := newCoordinator(t, rep, nil, consensus.Config{Timeout: time.Hour})

	var mu sync.Mutex
	now := time.Now().UTC()
	c.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})

	ticket, err := c.Propose(context.Background(), "D", consensus.DecisionIntersectionNav, crossing)
	require.NoError(t, err)
	ack, err := c.Vote(ticket.ProposalID, "A", true)
	require.NoError(t, err)
	require.True(t, ack.Counted)

	// The timer has not fired yet, but the deadline has passed.
	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()

	ack, err = c.Vote(ticket.ProposalID, "B", true)
	require.NoError(t, err)
	assert.False(t, ack.Counted)
	assert.Equal(t, consensus.StatusTimedOut, ack.Status)

	out := await(t, ticket)
	assert.Equal(t, consensus.StatusTimedOut, out.Status)
	assert.InDelta(t, 0.9, out.Tally.ApproveWeight, 1e-9)
	assert.InDelta(t, 0.6, rep.Get("B"), 1e-9, "ignored ballots earn nothing")
}
