// Package perception merges peer perception reports anchored on the ledger
// into one view of the surroundings.
package perception

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ILLUVRSE/coopdrive/coopcore/internal/canonical"
	"github.com/ILLUVRSE/coopdrive/coopcore/internal/ledger"
)

// ErrReportHash is returned when a report's observations do not hash to its
// content hash.
var ErrReportHash = errors.New("perception report hash mismatch")

// Observation is one entity seen by a reporter.
type Observation struct {
	EntityID   string          `json:"entity_id,omitempty"`
	Kind       string          `json:"kind"`
	Position   ledger.Position `json:"position"`
	Confidence float64         `json:"confidence"`
	ObservedAt time.Time       `json:"observed_at"`
}

// Report is what a vehicle publishes each cycle.
type Report struct {
	ReporterID       string          `json:"reporter_id"`
	ReporterPosition ledger.Position `json:"reporter_position"`
	Observations     []Observation   `json:"observed_entities"`
	ReportedAt       time.Time       `json:"reported_at"`
	ContentHash      string          `json:"content_hash"`
}

type reportBody struct {
	ReporterID       string          `json:"reporter_id"`
	ReporterPosition ledger.Position `json:"reporter_position"`
	Observations     []Observation   `json:"observed_entities"`
	ReportedAt       time.Time       `json:"reported_at"`
}

func (r Report) body() reportBody {
	obs := r.Observations
	if obs == nil {
		obs = []Observation{}
	}
	return reportBody{
		ReporterID:       r.ReporterID,
		ReporterPosition: r.ReporterPosition,
		Observations:     obs,
		ReportedAt:       r.ReportedAt,
	}
}

// Digest hashes everything in the report except ContentHash.
func (r Report) Digest() (string, error) {
	return canonical.Hash(r.body())
}

// Seal sets ContentHash.
func (r *Report) Seal() error {
	d, err := r.Digest()
	if err != nil {
		return err
	}
	r.ContentHash = d
	return nil
}

// Verify recomputes the digest and compares it with ContentHash.
func (r Report) Verify() error {
	d, err := r.Digest()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReportHash, err)
	}
	if r.ContentHash == "" || !strings.EqualFold(d, r.ContentHash) {
		return fmt.Errorf("%w: reporter=%s computed=%s stored=%s", ErrReportHash, r.ReporterID, d, r.ContentHash)
	}
	return nil
}
