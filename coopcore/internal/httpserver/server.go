package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ILLUVRSE/coopdrive/coopcore/internal/canonical"
	"github.com/ILLUVRSE/coopdrive/coopcore/internal/consensus"
	"github.com/ILLUVRSE/coopdrive/coopcore/internal/ledger"
	"github.com/ILLUVRSE/coopdrive/coopcore/internal/perception"
)

type Ledger interface {
	Record(ctx context.Context, ev ledger.Event) (ledger.Receipt, error)
	Submit(ev ledger.Event) (ledger.Receipt, error)
	Status(receiptID string) (ledger.Receipt, error)
	Query(ctx context.Context, f ledger.Filter) (*ledger.EventIterator, error)
	IntegrityFailures() int64
	InFlight() int
}

type Coordinator interface {
	Propose(ctx context.Context, proposerID, decisionType string, action ledger.Action) (*consensus.Ticket, error)
	Vote(proposalID, voterID string, approve bool) (consensus.VoteAck, error)
	Cancel(proposalID string) (consensus.Outcome, error)
	Get(proposalID string) (consensus.Proposal, error)
	Pending() int
}

type Reputation interface {
	Get(agentID string) float64
	Snapshot() map[string]float64
}

type Perceiver interface {
	Aggregate(ctx context.Context, self ledger.Position, radius float64) (perception.MergedView, error)
}

// Deps are the collaborators served over HTTP. Ping and Metrics are optional.
type Deps struct {
	Ledger      Ledger
	Coordinator Coordinator
	Reputation  Reputation
	Perception  Perceiver
	Ping        func(ctx context.Context) error
	Metrics     func() map[string]interface{}
}

// Config controls auth and request limits.
type Config struct {
	JWTSecret     string
	DevToken      string
	AllowDevToken bool
	MaxBodyBytes  int64
	Logger        *log.Logger
}

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

type Server struct {
	cfg    Config
	deps   Deps
	auth   *authenticator
	logger *log.Logger
}

func New(cfg Config, deps Deps) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		cfg:    cfg,
		deps:   deps,
		auth:   newAuthenticator(cfg),
		logger: logger,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Get("/events", s.handleQueryEvents)
	r.Get("/receipts/{id}", s.handleGetReceipt)
	r.Get("/proposals/{id}", s.handleGetProposal)
	r.Get("/reputation", s.handleReputationSnapshot)
	r.Get("/reputation/{agentID}", s.handleGetReputation)
	r.Get("/perception", s.handlePerception)

	r.Group(func(r chi.Router) {
		r.Use(s.auth.middleware)
		r.Post("/events", s.handleRecordEvent)
		r.Post("/proposals", s.handlePropose)
		r.Post("/proposals/{id}/votes", s.handleVote)
		r.Post("/proposals/{id}/cancel", s.handleCancel)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if s.deps.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ping(ctx); err != nil {
			status["ok"] = false
			status["ledger"] = "down"
			status["error"] = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, status)
			return
		}
	}
	status["ledger"] = "up"
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{}
	if s.deps.Ledger != nil {
		out["ledger_in_flight"] = s.deps.Ledger.InFlight()
		out["ledger_integrity_failures"] = s.deps.Ledger.IntegrityFailures()
	}
	if s.deps.Coordinator != nil {
		out["proposals_pending"] = s.deps.Coordinator.Pending()
	}
	if s.deps.Metrics != nil {
		for k, v := range s.deps.Metrics() {
			out[k] = v
		}
	}
	respondJSON(w, http.StatusOK, out)
}

type recordEventRequest struct {
	EventType string      `json:"event_type"`
	OriginID  string      `json:"origin_id"`
	Payload   interface{} `json:"payload"`
	// Wait blocks until the event commits or the retry budget is spent.
	Wait bool `json:"wait"`
}

func (s *Server) handleRecordEvent(w http.ResponseWriter, r *http.Request) {
	var req recordEventRequest
	if err := decodeJSON(w, r, &req, s.cfg.MaxBodyBytes); err != nil {
		respondError(w, http.StatusBadRequest, "COOPCORE_BAD_REQUEST", err.Error())
		return
	}
	if req.EventType == "" {
		respondError(w, http.StatusBadRequest, "COOPCORE_BAD_REQUEST", "event_type is required")
		return
	}
	origin := req.OriginID
	if origin == "" {
		origin = subjectFrom(r.Context())
	}
	ev := ledger.Event{EventType: req.EventType, OriginID: origin, Payload: req.Payload}

	if !req.Wait {
		rec, err := s.deps.Ledger.Submit(ev)
		if err != nil {
			s.respondLedgerError(w, err)
			return
		}
		respondJSON(w, http.StatusAccepted, rec)
		return
	}
	rec, err := s.deps.Ledger.Record(r.Context(), ev)
	if err != nil {
		if rec.ID != "" && !errors.Is(err, canonical.ErrSerialization) {
			status := http.StatusServiceUnavailable
			if ledger.IsRejected(err) {
				status = http.StatusUnprocessableEntity
			}
			respondJSON(w, status, map[string]interface{}{
				"error":   err.Error(),
				"receipt": rec,
			})
			return
		}
		s.respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, rec)
}

func (s *Server) respondLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, canonical.ErrSerialization):
		respondError(w, http.StatusBadRequest, "COOPCORE_BAD_REQUEST", err.Error())
	case ledger.IsRejected(err):
		respondError(w, http.StatusUnprocessableEntity, "COOPCORE_LEDGER_REJECTED", err.Error())
	case errors.Is(err, ledger.ErrLedgerUnavailable), errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusServiceUnavailable, "COOPCORE_LEDGER_UNAVAILABLE", err.Error())
	default:
		s.logger.Printf("[httpserver] ledger error: %v", err)
		respondError(w, http.StatusInternalServerError, "COOPCORE_INTERNAL", err.Error())
	}
}

func (s *Server) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.Filter{
		EventTypes: splitCSV(q.Get("type")),
		OriginID:   q.Get("origin"),
		Limit:      defaultQueryLimit,
	}
	var err error
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		respondError(w, http.StatusBadRequest, "COOPCORE_BAD_REQUEST", "invalid since: "+err.Error())
		return
	}
	if f.Until, err = parseTime(q.Get("until")); err != nil {
		respondError(w, http.StatusBadRequest, "COOPCORE_BAD_REQUEST", "invalid until: "+err.Error())
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "COOPCORE_BAD_REQUEST", "limit must be a positive integer")
			return
		}
		if n > maxQueryLimit {
			n = maxQueryLimit
		}
		f.Limit = n
	}

	it, err := s.deps.Ledger.Query(r.Context(), f)
	if err != nil {
		respondError(w, http.StatusBadRequest, "COOPCORE_BAD_REQUEST", err.Error())
		return
	}
	events, err := it.All()
	if err != nil {
		s.respondLedgerError(w, err)
		return
	}
	if events == nil {
		events = []ledger.Event{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"events":             events,
		"count":              len(events),
		"integrity_failures": s.deps.Ledger.IntegrityFailures(),
	})
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Ledger.Status(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			respondError(w, http.StatusNotFound, "COOPCORE_NOT_FOUND", "receipt not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "COOPCORE_INTERNAL", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

type proposeRequest struct {
	ProposerID   string        `json:"proposer_id"`
	DecisionType string        `json:"decision_type"`
	Action       ledger.Action `json:"proposed_action"`
	// Wait blocks until the proposal is decided.
	Wait bool `json:"wait"`
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if err := decodeJSON(w, r, &req, s.cfg.MaxBodyBytes); err != nil {
		respondError(w, http.StatusBadRequest, "COOPCORE_BAD_REQUEST", err.Error())
		return
	}
	proposer, ok := actingAgent(r.Context(), req.ProposerID)
	if !ok {
		respondError(w, http.StatusForbidden, "COOPCORE_FORBIDDEN", "proposer_id must match the token subject")
		return
	}
	if proposer == "" || req.DecisionType == "" {
		respondError(w, http.StatusBadRequest, "COOPCORE_BAD_REQUEST", "proposer_id and decision_type are required")
		return
	}
	ticket, err := s.deps.Coordinator.Propose(r.Context(), proposer, req.DecisionType, req.Action)
	if err != nil {
		if errors.Is(err, consensus.ErrEmptyQuorum) {
			respondError(w, http.StatusConflict, "COOPCORE_EMPTY_QUORUM", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "COOPCORE_INTERNAL", err.Error())
		return
	}
	if !req.Wait {
		respondJSON(w, http.StatusAccepted, map[string]interface{}{
			"proposal_id": ticket.ProposalID,
			"deadline":    ticket.Deadline,
		})
		return
	}
	out, err := ticket.Await(r.Context())
	if err != nil {
		respondJSON(w, http.StatusAccepted, map[string]interface{}{
			"proposal_id": ticket.ProposalID,
			"deadline":    ticket.Deadline,
			"error":       err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Coordinator.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondConsensusError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

type voteRequest struct {
	VoterID string `json:"voter_id"`
	Approve *bool  `json:"approve"`
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := decodeJSON(w, r, &req, 4*1024); err != nil {
		respondError(w, http.StatusBadRequest, "COOPCORE_BAD_REQUEST", err.Error())
		return
	}
	voter, ok := actingAgent(r.Context(), req.VoterID)
	if !ok {
		respondError(w, http.StatusForbidden, "COOPCORE_FORBIDDEN", "voter_id must match the token subject")
		return
	}
	if voter == "" || req.Approve == nil {
		respondError(w, http.StatusBadRequest, "COOPCORE_BAD_REQUEST", "voter_id and approve are required")
		return
	}
	ack, err := s.deps.Coordinator.Vote(chi.URLParam(r, "id"), voter, *req.Approve)
	if err != nil {
		respondConsensusError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ack)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Coordinator.Cancel(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, consensus.ErrAlreadyFinal) {
			respondJSON(w, http.StatusConflict, map[string]interface{}{
				"error":   err.Error(),
				"code":    "COOPCORE_ALREADY_FINAL",
				"outcome": out,
			})
			return
		}
		respondConsensusError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func respondConsensusError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, consensus.ErrNotFound):
		respondError(w, http.StatusNotFound, "COOPCORE_NOT_FOUND", err.Error())
	case errors.Is(err, consensus.ErrNotInQuorum):
		respondError(w, http.StatusForbidden, "COOPCORE_NOT_IN_QUORUM", err.Error())
	case errors.Is(err, consensus.ErrAlreadyFinal):
		respondError(w, http.StatusConflict, "COOPCORE_ALREADY_FINAL", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "COOPCORE_INTERNAL", err.Error())
	}
}

func (s *Server) handleReputationSnapshot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"scores": s.deps.Reputation.Snapshot(),
	})
}

func (s *Server) handleGetReputation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentID")
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id": id,
		"score":    s.deps.Reputation.Get(id),
	})
}

func (s *Server) handlePerception(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var self ledger.Position
	var radius float64
	for _, p := range []struct {
		name string
		dst  *float64
	}{{"x", &self.X}, {"y", &self.Y}, {"z", &self.Z}, {"radius", &radius}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "COOPCORE_BAD_REQUEST", "invalid "+p.name)
			return
		}
		*p.dst = f
	}
	if q.Get("radius") == "" {
		radius = 50
	}
	if radius < 0 {
		respondError(w, http.StatusBadRequest, "COOPCORE_BAD_REQUEST", "radius must not be negative")
		return
	}
	view, err := s.deps.Perception.Aggregate(r.Context(), self, radius)
	if err != nil {
		respondError(w, http.StatusBadGateway, "COOPCORE_PERCEPTION", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, limit int64) error {
	if limit <= 0 {
		limit = 1 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, map[string]string{
		"error": msg,
		"code":  code,
	})
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}
