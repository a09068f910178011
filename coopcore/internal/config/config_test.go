package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8060", cfg.Addr)
	assert.Equal(t, "coopcore-1", cfg.AgentID)
	assert.Equal(t, cfg.AgentID, cfg.SimActorID)
	assert.InDelta(t, 2.0/3.0, cfg.Threshold, 1e-12)
	assert.Equal(t, 2*time.Second, cfg.ProposalTimeout)
	assert.Equal(t, 0.05, cfg.Reward)
	assert.Equal(t, 0.025, cfg.Penalty)
	assert.Len(t, cfg.Quorum, 3)
	assert.Empty(t, cfg.Zones)
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("COOPCORE_ADDR", ":9000")
	t.Setenv("DATABASE_URL", "postgres://ledger")
	t.Setenv("COOPCORE_KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("COOPCORE_QUORUM", "north:0.8,south")
	t.Setenv("COOPCORE_ZONES", "j1:10:20:15")
	t.Setenv("COOPCORE_PERIOD", "250ms")
	t.Setenv("COOPCORE_LEDGER_MAX_ATTEMPTS", "not-a-number")
	t.Setenv("COOPCORE_SIM_ACTOR_ID", "88")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, "postgres://ledger", cfg.DatabaseURL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, []QuorumMember{{ID: "north", Weight: 0.8}, {ID: "south", Weight: 0.5}}, cfg.Quorum)
	assert.Equal(t, []Zone{{Name: "j1", X: 10, Y: 20, Radius: 15}}, cfg.Zones)
	assert.Equal(t, 250*time.Millisecond, cfg.Period)
	assert.Equal(t, 3, cfg.LedgerMaxAttempts)
	assert.Equal(t, "88", cfg.SimActorID)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Run("threshold", func(t *testing.T) {
		t.Setenv("COOPCORE_THRESHOLD", "1.5")
		_, err := Load()
		assert.Error(t, err)
	})
	t.Run("dev token", func(t *testing.T) {
		t.Setenv("COOPCORE_ALLOW_DEV_TOKEN", "true")
		_, err := Load()
		assert.Error(t, err)
	})
	t.Run("quorum", func(t *testing.T) {
		t.Setenv("COOPCORE_QUORUM", "A:2")
		_, err := Load()
		assert.Error(t, err)
	})
	t.Run("zones", func(t *testing.T) {
		t.Setenv("COOPCORE_ZONES", "j1:1:2")
		_, err := Load()
		assert.Error(t, err)
	})
}

func TestParseQuorum(t *testing.T) {
	_, err := ParseQuorum("A:0.3,A:0.4")
	assert.Error(t, err)
	_, err = ParseQuorum(":0.3")
	assert.Error(t, err)
	members, err := ParseQuorum("")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestParseZones(t *testing.T) {
	_, err := ParseZones("j1:a:2:3")
	assert.Error(t, err)
	_, err = ParseZones("j1:1:2:0")
	assert.Error(t, err)
	zones, err := ParseZones("a:0:0:5, b:-3.5:4:1")
	require.NoError(t, err)
	require.Len(t, zones, 2)
	assert.Equal(t, -3.5, zones[1].X)
}
