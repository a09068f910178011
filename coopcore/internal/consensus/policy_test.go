package consensus_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/coopdrive/coopcore/internal/consensus"
	"github.com/ILLUVRSE/coopdrive/coopcore/internal/ledger"
)

func proposalWith(a ledger.Action) consensus.Proposal {
	return consensus.Proposal{ID: "p1", ProposerID: "D", DecisionType: consensus.DecisionIntersectionNav, Action: a}
}

func TestSafetyThresholdPolicy(t *testing.T) {
	policy := consensus.DefaultSafetyPolicy()
	cases := []struct {
		name   string
		action ledger.Action
		want   bool
	}{
		{"gentle crossing", ledger.Action{Throttle: 0.4, Steer: 0.1}, true},
		{"full stop", ledger.FullStop, true},
		{"too much throttle", ledger.Action{Throttle: 0.9}, false},
		{"hard left", ledger.Action{Throttle: 0.2, Steer: -0.8}, false},
		{"reverse", ledger.Action{Throttle: 0.2, Reverse: true}, false},
		{"throttle while braking", ledger.Action{Throttle: 0.3, Brake: 0.5}, false},
		{"nan steer", ledger.Action{Steer: math.NaN()}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := policy.Evaluate(context.Background(), "A", proposalWith(tc.action))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	policy.AllowReverse = true
	got, err := policy.Evaluate(context.Background(), "A", proposalWith(ledger.Action{Throttle: 0.2, Reverse: true}))
	require.NoError(t, err)
	assert.True(t, got)
}

func TestCELPolicy(t *testing.T) {
	policy, err := consensus.NewCELPolicy(`decision_type == "INTERSECTION_NAV" && action.throttle <= 0.5 && !action.reverse && voter != proposer`)
	require.NoError(t, err)

	ok, err := policy.Evaluate(context.Background(), "A", proposalWith(ledger.Action{Throttle: 0.4}))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = policy.Evaluate(context.Background(), "A", proposalWith(ledger.Action{Throttle: 0.7}))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = policy.Evaluate(context.Background(), "D", proposalWith(ledger.Action{Throttle: 0.4}))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCELPolicyCompileErrors(t *testing.T) {
	_, err := consensus.NewCELPolicy(`action.throttle <`)
	assert.Error(t, err)

	_, err = consensus.NewCELPolicy(`"approve"`)
	assert.Error(t, err, "non-boolean expressions are refused")

	_, err = consensus.NewCELPolicy(`unknown_var == 1`)
	assert.Error(t, err)
}

func TestLocalTransportPolicyErrorCountsAsReject(t *testing.T) {
	failing := consensus.PolicyFunc(func(ctx context.Context, voterID string, p consensus.Proposal) (bool, error) {
		return true, assert.AnError
	})
	approving := consensus.PolicyFunc(func(ctx context.Context, voterID string, p consensus.Proposal) (bool, error) {
		return true, nil
	})
	transport := consensus.NewLocalTransport(quiet,
		consensus.Peer{ID: "A", Policy: failing},
		consensus.Peer{ID: "B", Policy: approving},
		consensus.Peer{ID: "C", Policy: approving},
	)
	assert.Equal(t, []string{"A", "B", "C"}, transport.Peers())

	c := newCoordinator(t, seededStore(), transport, consensus.Config{Timeout: 2 * time.Second})
	ticket, err := c.Propose(context.Background(), "D", consensus.DecisionLaneChange, crossing)
	require.NoError(t, err)

	out := await(t, ticket)
	transport.Wait()
	assert.Equal(t, consensus.StatusRejected, out.Status)

	p, err := c.Get(ticket.ProposalID)
	require.NoError(t, err)
	for _, v := range p.Votes {
		if v.VoterID == "A" {
			assert.False(t, v.Approve)
		}
	}
}

func TestLocalTransportRequiresBoundVoter(t *testing.T) {
	transport := consensus.NewLocalTransport(quiet)
	err := transport.Broadcast(context.Background(), consensus.VoteRequest{})
	assert.ErrorIs(t, err, consensus.ErrInvalidConfig)
}
