package consensus

import (
	"context"
	"log"
	"sync"
	"time"
)

// VoteRequest is broadcast to the quorum when a proposal opens.
type VoteRequest struct {
	Proposal Proposal
	Voters   []string
}

// Voter accepts ballots. The Coordinator implements it.
type Voter interface {
	Vote(proposalID, voterID string, approve bool) (VoteAck, error)
}

// Transport delivers vote requests to peers. Broadcast must not block on
// peers answering; ctx is cancelled when the proposal is decided.
type Transport interface {
	Broadcast(ctx context.Context, req VoteRequest) error
}

// NopTransport delivers nothing. Votes arrive out of band (e.g. over HTTP).
type NopTransport struct{}

func (NopTransport) Broadcast(ctx context.Context, req VoteRequest) error { return nil }

// Peer is an in-process quorum member.
type Peer struct {
	ID      string
	Policy  Policy
	Latency time.Duration
}

// LocalTransport simulates the peer network: every known voter evaluates the
// proposal with its own Policy in a goroutine and votes back through the
// bound Voter. A policy error counts as a rejection.
type LocalTransport struct {
	mu     sync.RWMutex
	peers  map[string]Peer
	voter  Voter
	logger *log.Logger
	wg     sync.WaitGroup
}

func NewLocalTransport(logger *log.Logger, peers ...Peer) *LocalTransport {
	if logger == nil {
		logger = log.Default()
	}
	t := &LocalTransport{peers: make(map[string]Peer), logger: logger}
	for _, p := range peers {
		t.peers[p.ID] = p
	}
	return t
}

// Bind sets the Voter that receives ballots. Call before the first Broadcast.
func (t *LocalTransport) Bind(v Voter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.voter = v
}

// AddPeer registers or replaces a peer.
func (t *LocalTransport) AddPeer(p Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[p.ID] = p
}

// Peers returns the ids of all registered peers.
func (t *LocalTransport) Peers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	return dedupe(ids)
}

func (t *LocalTransport) Broadcast(ctx context.Context, req VoteRequest) error {
	t.mu.RLock()
	voter := t.voter
	targets := make([]Peer, 0, len(req.Voters))
	for _, id := range req.Voters {
		if p, ok := t.peers[id]; ok {
			targets = append(targets, p)
		}
	}
	t.mu.RUnlock()
	if voter == nil {
		return ErrInvalidConfig
	}

	for _, p := range targets {
		t.wg.Add(1)
		go func(p Peer) {
			defer t.wg.Done()
			if p.Latency > 0 {
				timer := time.NewTimer(p.Latency)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return
				}
			}
			approve, err := p.Policy.Evaluate(ctx, p.ID, req.Proposal)
			if err != nil {
				t.logger.Printf("[consensus.transport] peer %s policy error on %s: %v", p.ID, req.Proposal.ID, err)
				approve = false
			}
			if _, err := voter.Vote(req.Proposal.ID, p.ID, approve); err != nil {
				t.logger.Printf("[consensus.transport] peer %s vote on %s: %v", p.ID, req.Proposal.ID, err)
			}
		}(p)
	}
	return nil
}

// Wait blocks until every peer goroutine has returned.
func (t *LocalTransport) Wait() {
	t.wg.Wait()
}
