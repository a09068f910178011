// Package ledger records vehicle events on a permissioned ledger and reads them
// back with content-hash verification.
package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the cooperative-driving core.
const (
	EventVehicleRegistered = "VEHICLE_REGISTERED"
	EventVehicleCreated    = "VEHICLE_CREATED"
	EventPositionUpdate    = "POSITION_UPDATE"
	EventSensorData        = "SENSOR_DATA"
	EventImageCaptured     = "IMAGE_CAPTURED"
	EventPerceptionReport  = "PERCEPTION_REPORT"
	EventDecisionProposal  = "DECISION_PROPOSAL"
	EventDecisionOutcome   = "DECISION_OUTCOME"
	EventReputationUpdate  = "REPUTATION_UPDATE"
	EventVehicleDestroyed  = "VEHICLE_DESTROYED"
)

// Chaincode function names understood by every Backend.
const (
	FnCreateEvent     = "createEvent"
	FnQueryEvents     = "queryEvents"
	FnRegisterVehicle = "registerVehicle"
)

var (
	// ErrNotFound is returned when a receipt or record cannot be located.
	ErrNotFound = errors.New("not found")

	// ErrLedgerUnavailable is returned once the retry budget for a transient fault is spent.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrLedgerRejected marks a permanent refusal by the ledger (e.g. chaincode validation).
	ErrLedgerRejected = errors.New("ledger rejected")

	// ErrIntegrityMismatch marks a record whose payload does not hash to its content hash.
	ErrIntegrityMismatch = errors.New("integrity mismatch")
)

// Event is an immutable fact recorded on the ledger.
type Event struct {
	ID          string      `json:"id"`
	EventType   string      `json:"event_type"`
	Payload     interface{} `json:"payload"`
	ContentHash string      `json:"content_hash"`
	OriginID    string      `json:"origin_id"`
	Seq         int64       `json:"seq"`
	Ts          time.Time   `json:"ts"`
}

// DecodePayload unmarshals the event payload into v.
func (e Event) DecodePayload(v interface{}) error {
	b, err := json.Marshal(e.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// StoredEvent is the wire and storage form of an Event. Payload holds the
// canonical JSON bytes exactly as they were submitted.
type StoredEvent struct {
	ID          string          `json:"id"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	ContentHash string          `json:"content_hash"`
	OriginID    string          `json:"origin_id"`
	Seq         int64           `json:"seq"`
	Ts          time.Time       `json:"ts"`
	TxID        string          `json:"tx_id,omitempty"`
}

func (s StoredEvent) event() (Event, error) {
	var payload interface{}
	if len(s.Payload) > 0 {
		dec := json.NewDecoder(bytes.NewReader(s.Payload))
		dec.UseNumber()
		if err := dec.Decode(&payload); err != nil {
			return Event{}, err
		}
	}
	return Event{
		ID:          s.ID,
		EventType:   s.EventType,
		Payload:     payload,
		ContentHash: s.ContentHash,
		OriginID:    s.OriginID,
		Seq:         s.Seq,
		Ts:          s.Ts,
	}, nil
}

// EventMeta travels as the last createEvent argument.
type EventMeta struct {
	ID       string    `json:"id"`
	OriginID string    `json:"origin_id"`
	Seq      int64     `json:"seq"`
	Ts       time.Time `json:"ts"`
}

// Filter selects events for Query. Zero fields match everything.
type Filter struct {
	EventTypes []string  `json:"event_types,omitempty"`
	OriginID   string    `json:"origin_id,omitempty"`
	Since      time.Time `json:"since"`
	Until      time.Time `json:"until"`

	// PageSize is the number of records fetched per backend call.
	PageSize int `json:"-"`
	// Limit caps the number of events yielded; 0 means no cap.
	Limit int `json:"-"`
}

// Match reports whether s satisfies the filter.
func (f Filter) Match(s StoredEvent) bool {
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if t == s.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.OriginID != "" && f.OriginID != s.OriginID {
		return false
	}
	if !f.Since.IsZero() && s.Ts.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && s.Ts.After(f.Until) {
		return false
	}
	return true
}

// QueryPage is the result of one queryEvents call.
type QueryPage struct {
	Records  []StoredEvent `json:"records"`
	Bookmark string        `json:"bookmark"`
}

// TxReceipt is what a Backend returns for a committed invoke.
type TxReceipt struct {
	TxID        string    `json:"tx_id"`
	BlockNumber uint64    `json:"block_number"`
	CommittedAt time.Time `json:"committed_at"`
}

// ReceiptStatus is the lifecycle of a submission.
type ReceiptStatus string

const (
	ReceiptPending     ReceiptStatus = "PENDING"
	ReceiptCommitted   ReceiptStatus = "COMMITTED"
	ReceiptUnavailable ReceiptStatus = "UNAVAILABLE"
	ReceiptRejected    ReceiptStatus = "REJECTED"
)

// Terminal reports whether no further transition can happen.
func (s ReceiptStatus) Terminal() bool {
	return s != ReceiptPending
}

// Receipt tracks one event submission.
type Receipt struct {
	ID          string        `json:"id"`
	EventID     string        `json:"event_id"`
	EventType   string        `json:"event_type"`
	ContentHash string        `json:"content_hash"`
	Status      ReceiptStatus `json:"status"`
	Attempts    int           `json:"attempts"`
	TxID        string        `json:"tx_id,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	SubmittedAt time.Time     `json:"submitted_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Position is a point in simulator world coordinates (meters).
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Distance returns the euclidean distance between p and q.
func (p Position) Distance(q Position) float64 {
	dx, dy, dz := p.X-q.X, p.Y-q.Y, p.Z-q.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Action is a vehicle control command.
type Action struct {
	Throttle  float64 `json:"throttle"`
	Steer     float64 `json:"steer"`
	Brake     float64 `json:"brake"`
	HandBrake bool    `json:"hand_brake"`
	Reverse   bool    `json:"reverse"`
}

// FullStop is the action applied when nothing better is known.
var FullStop = Action{Brake: 1}

// NewUUID returns a freshly-generated UUID string.
func NewUUID() string {
	return uuid.New().String()
}
