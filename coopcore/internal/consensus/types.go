// Package consensus runs reputation-weighted approval rounds for
// safety-relevant driving decisions.
package consensus

import (
	"context"
	"errors"
	"time"

	"github.com/ILLUVRSE/coopdrive/coopcore/internal/ledger"
)

// Status is the lifecycle of a proposal. Pending is the only non-terminal status.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusTimedOut  Status = "TIMED_OUT"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether s is final.
func (s Status) Terminal() bool {
	return s != StatusPending && s != ""
}

// Decision types proposed by vehicles.
const (
	DecisionIntersectionNav = "INTERSECTION_NAV"
	DecisionLaneChange      = "LANE_CHANGE"
	DecisionEmergencyStop   = "EMERGENCY_STOP"
)

var (
	ErrNotFound      = errors.New("proposal not found")
	ErrNotInQuorum   = errors.New("voter not in quorum")
	ErrEmptyQuorum   = errors.New("quorum has no weighted members")
	ErrAlreadyFinal  = errors.New("proposal already decided")
	ErrInvalidConfig = errors.New("invalid consensus config")
)

// Proposal is a snapshot of one consensus round.
type Proposal struct {
	ID           string        `json:"id"`
	ProposerID   string        `json:"proposer_id"`
	DecisionType string        `json:"decision_type"`
	Action       ledger.Action `json:"proposed_action"`
	CreatedAt    time.Time     `json:"created_at"`
	Deadline     time.Time     `json:"deadline"`
	DecidedAt    time.Time     `json:"decided_at,omitempty"`
	Status       Status        `json:"status"`
	Quorum       []string      `json:"quorum"`
	Votes        []Vote        `json:"votes"`
	Tally        Tally         `json:"tally"`
}

// Vote is the latest ballot of one quorum member.
type Vote struct {
	ProposalID string    `json:"proposal_id"`
	VoterID    string    `json:"voter_id"`
	Approve    bool      `json:"approve"`
	Weight     float64   `json:"voter_reputation_at_vote_time"`
	CastAt     time.Time `json:"cast_at"`
}

// VoteAck tells a voter what happened to its ballot.
type VoteAck struct {
	// Counted is false when the vote arrived after the proposal was decided.
	Counted bool `json:"counted"`
	// Replaced is true when this ballot overwrote an earlier one from the same voter.
	Replaced bool   `json:"replaced"`
	Status   Status `json:"status"`
}

// Tally is the weighted count at a point in time.
type Tally struct {
	ApproveWeight     float64 `json:"approve_weight"`
	RejectWeight      float64 `json:"reject_weight"`
	OutstandingWeight float64 `json:"outstanding_weight"`
	TotalWeight       float64 `json:"total_weight"`
	Required          float64 `json:"required"`
	Votes             int     `json:"votes"`
}

// Outcome is delivered once per proposal, when it reaches a terminal status.
type Outcome struct {
	ProposalID string         `json:"proposal_id"`
	Status     Status         `json:"status"`
	Action     *ledger.Action `json:"approved_action,omitempty"`
	Tally      Tally          `json:"tally"`
	DecidedAt  time.Time      `json:"decided_at"`
}

// Approved reports whether the proposed action may be applied.
func (o Outcome) Approved() bool {
	return o.Status == StatusApproved && o.Action != nil
}

// Ticket is the caller's handle on an in-flight proposal.
type Ticket struct {
	ProposalID string
	Deadline   time.Time
	ch         chan Outcome
}

// Done returns a channel that receives the outcome exactly once.
func (t *Ticket) Done() <-chan Outcome {
	return t.ch
}

// Await blocks until the outcome is available or ctx is done.
func (t *Ticket) Await(ctx context.Context) (Outcome, error) {
	select {
	case o := <-t.ch:
		return o, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Reputation is the subset of the reputation store the coordinator uses.
type Reputation interface {
	Get(agentID string) float64
	Update(agentID string, delta float64) float64
}

// Recorder anchors proposals and outcomes on the ledger without blocking.
type Recorder interface {
	Submit(ev ledger.Event) (ledger.Receipt, error)
}
