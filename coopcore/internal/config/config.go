package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures runtime settings for coopcore.
type Config struct {
	Addr      string
	AgentID   string
	AgentKind string

	// Ledger backend: Postgres when DatabaseURL is set, else the REST
	// gateway when LedgerGatewayURL is set, else in-memory.
	DatabaseURL        string
	LedgerGatewayURL   string
	LedgerGatewayToken string
	LedgerChannel      string
	EventsChaincode    string
	RegistryChaincode  string
	LedgerMaxAttempts  int
	LedgerBaseBackoff  time.Duration
	LedgerRateLimit    float64
	LedgerRateBurst    int

	KafkaBrokers     []string
	KafkaEventsTopic string
	KafkaFramesTopic string
	KafkaGroupID     string

	S3Bucket   string
	S3Prefix   string
	S3Endpoint string
	ArchiveDir string
	// ArchiveEvents also stores every committed event envelope off-chain.
	ArchiveEvents bool

	Quorum          []QuorumMember
	Threshold       float64
	ProposalTimeout time.Duration
	Reward          float64
	Penalty         float64
	VotePolicy      string
	MaxThrottle     float64
	MaxSteer        float64

	SimBridgeURL     string
	SimActorID       string
	Period           time.Duration
	MaxDuration      time.Duration
	PerceptionRadius float64
	DecisionWait     time.Duration
	Zones            []Zone

	JWTSecret     string
	DevToken      string
	AllowDevToken bool
}

// QuorumMember is a peer id with its starting reputation.
type QuorumMember struct {
	ID     string
	Weight float64
}

// Zone is a decision zone given as name:x:y:radius.
type Zone struct {
	Name   string
	X, Y   float64
	Radius float64
}

const (
	defaultAddr             = ":8060"
	defaultAgentID          = "coopcore-1"
	defaultAgentKind        = "vehicle"
	defaultEventsTopic      = "coopcore.events"
	defaultFramesTopic      = "coopcore.frames"
	defaultArchiveDir       = "offchain_data"
	defaultThreshold        = 2.0 / 3.0
	defaultProposalTimeout  = 2 * time.Second
	defaultPeriod           = time.Second
	defaultPerceptionRadius = 50.0
)

// Load reads COOPCORE_* environment variables and returns a Config.
func Load() (Config, error) {
	cfg := Config{
		Addr:      getEnv("COOPCORE_ADDR", defaultAddr),
		AgentID:   getEnv("COOPCORE_AGENT_ID", defaultAgentID),
		AgentKind: getEnv("COOPCORE_AGENT_KIND", defaultAgentKind),

		DatabaseURL:        firstNonEmpty(os.Getenv("COOPCORE_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		LedgerGatewayURL:   os.Getenv("COOPCORE_LEDGER_GATEWAY_URL"),
		LedgerGatewayToken: os.Getenv("COOPCORE_LEDGER_GATEWAY_TOKEN"),
		LedgerChannel:      getEnv("COOPCORE_LEDGER_CHANNEL", "autochannel"),
		EventsChaincode:    getEnv("COOPCORE_EVENTS_CHAINCODE", "autocc"),
		RegistryChaincode:  getEnv("COOPCORE_REGISTRY_CHAINCODE", "vehicle-registry"),
		LedgerMaxAttempts:  getInt("COOPCORE_LEDGER_MAX_ATTEMPTS", 3),
		LedgerBaseBackoff:  getDuration("COOPCORE_LEDGER_BASE_BACKOFF", 200*time.Millisecond),
		LedgerRateLimit:    getFloat("COOPCORE_LEDGER_RATE_LIMIT", 0),
		LedgerRateBurst:    getInt("COOPCORE_LEDGER_RATE_BURST", 10),

		KafkaBrokers:     parseCSV(os.Getenv("COOPCORE_KAFKA_BROKERS")),
		KafkaEventsTopic: getEnv("COOPCORE_KAFKA_EVENTS_TOPIC", defaultEventsTopic),
		KafkaFramesTopic: getEnv("COOPCORE_KAFKA_FRAMES_TOPIC", defaultFramesTopic),
		KafkaGroupID:     getEnv("COOPCORE_KAFKA_GROUP_ID", "coopcore"),

		S3Bucket:      os.Getenv("COOPCORE_S3_BUCKET"),
		S3Prefix:      os.Getenv("COOPCORE_S3_PREFIX"),
		S3Endpoint:    os.Getenv("COOPCORE_S3_ENDPOINT"),
		ArchiveDir:    getEnv("COOPCORE_ARCHIVE_DIR", defaultArchiveDir),
		ArchiveEvents: getBool("COOPCORE_ARCHIVE_EVENTS", false),

		Threshold:       getFloat("COOPCORE_THRESHOLD", defaultThreshold),
		ProposalTimeout: getDuration("COOPCORE_PROPOSAL_TIMEOUT", defaultProposalTimeout),
		Reward:          getFloat("COOPCORE_REPUTATION_REWARD", 0.05),
		Penalty:         getFloat("COOPCORE_REPUTATION_PENALTY", 0.025),
		VotePolicy:      os.Getenv("COOPCORE_VOTE_POLICY"),
		MaxThrottle:     getFloat("COOPCORE_MAX_THROTTLE", 0.6),
		MaxSteer:        getFloat("COOPCORE_MAX_STEER", 0.5),

		SimBridgeURL:     os.Getenv("COOPCORE_SIM_BRIDGE_URL"),
		SimActorID:       os.Getenv("COOPCORE_SIM_ACTOR_ID"),
		Period:           getDuration("COOPCORE_PERIOD", defaultPeriod),
		MaxDuration:      getDuration("COOPCORE_MAX_DURATION", 0),
		PerceptionRadius: getFloat("COOPCORE_PERCEPTION_RADIUS", defaultPerceptionRadius),
		DecisionWait:     getDuration("COOPCORE_DECISION_WAIT", defaultProposalTimeout),

		JWTSecret:     os.Getenv("COOPCORE_JWT_SECRET"),
		DevToken:      os.Getenv("COOPCORE_DEV_TOKEN"),
		AllowDevToken: getBool("COOPCORE_ALLOW_DEV_TOKEN", false),
	}

	quorum, err := ParseQuorum(getEnv("COOPCORE_QUORUM", "A:0.9,B:0.6,C:0.3"))
	if err != nil {
		return Config{}, err
	}
	cfg.Quorum = quorum
	zones, err := ParseZones(os.Getenv("COOPCORE_ZONES"))
	if err != nil {
		return Config{}, err
	}
	cfg.Zones = zones
	if cfg.SimActorID == "" {
		cfg.SimActorID = cfg.AgentID
	}

	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		return Config{}, fmt.Errorf("COOPCORE_THRESHOLD must be in (0,1], got %v", cfg.Threshold)
	}
	if cfg.AllowDevToken && cfg.DevToken == "" {
		return Config{}, fmt.Errorf("COOPCORE_DEV_TOKEN is required when COOPCORE_ALLOW_DEV_TOKEN is set")
	}
	return cfg, nil
}

// ParseQuorum parses "id:weight,id:weight". A missing weight means the
// neutral 0.5.
func ParseQuorum(raw string) ([]QuorumMember, error) {
	var out []QuorumMember
	seen := make(map[string]bool)
	for _, chunk := range parseCSV(raw) {
		id, weightStr, hasWeight := strings.Cut(chunk, ":")
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("quorum entry %q: empty id", chunk)
		}
		if seen[id] {
			return nil, fmt.Errorf("quorum entry %q: duplicate id", chunk)
		}
		seen[id] = true
		w := 0.5
		if hasWeight {
			v, err := strconv.ParseFloat(strings.TrimSpace(weightStr), 64)
			if err != nil || v < 0 || v > 1 {
				return nil, fmt.Errorf("quorum entry %q: weight must be a number in [0,1]", chunk)
			}
			w = v
		}
		out = append(out, QuorumMember{ID: id, Weight: w})
	}
	return out, nil
}

// ParseZones parses "name:x:y:radius,...".
func ParseZones(raw string) ([]Zone, error) {
	var out []Zone
	for _, chunk := range parseCSV(raw) {
		parts := strings.Split(chunk, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("zone %q: want name:x:y:radius", chunk)
		}
		var nums [3]float64
		for i, p := range parts[1:] {
			v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return nil, fmt.Errorf("zone %q: %w", chunk, err)
			}
			nums[i] = v
		}
		if nums[2] <= 0 {
			return nil, fmt.Errorf("zone %q: radius must be positive", chunk)
		}
		out = append(out, Zone{Name: strings.TrimSpace(parts[0]), X: nums[0], Y: nums[1], Radius: nums[2]})
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		ok, err := strconv.ParseBool(v)
		if err == nil {
			return ok
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			return i
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
