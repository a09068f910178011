package orchestrator

import (
	"sync"

	"github.com/ILLUVRSE/coopdrive/coopcore/internal/consensus"
	"github.com/ILLUVRSE/coopdrive/coopcore/internal/ledger"
	"github.com/ILLUVRSE/coopdrive/coopcore/internal/perception"
)

// DecisionPoint tells the loop when a maneuver needs the quorum's approval.
type DecisionPoint interface {
	Check(pos ledger.Position, view perception.MergedView) (decisionType string, ok bool)
}

// Zone is a circular area that requires a decision on entry.
type Zone struct {
	Name         string          `json:"name"`
	Center       ledger.Position `json:"center"`
	Radius       float64         `json:"radius"`
	DecisionType string          `json:"decision_type"`
}

// ZoneDetector fires once each time the vehicle enters a zone. Leaving and
// re-entering fires again.
type ZoneDetector struct {
	mu     sync.Mutex
	zones  []Zone
	inside map[int]bool
}

func NewZoneDetector(zones ...Zone) *ZoneDetector {
	for i := range zones {
		if zones[i].DecisionType == "" {
			zones[i].DecisionType = consensus.DecisionIntersectionNav
		}
	}
	return &ZoneDetector{zones: zones, inside: make(map[int]bool)}
}

func (z *ZoneDetector) Check(pos ledger.Position, view perception.MergedView) (string, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()
	fired := ""
	for i, zone := range z.zones {
		in := zone.Center.Distance(pos) <= zone.Radius
		if in && !z.inside[i] && fired == "" {
			fired = zone.DecisionType
		}
		z.inside[i] = in
	}
	return fired, fired != ""
}
