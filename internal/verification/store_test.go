package verification

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentdir/internal/trust"
)

var storeEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleRecord(handle string, level trust.Level, checkedAt time.Time) *Record {
	agent := trust.Agent{ID: "agt_" + handle, Handle: handle, OwnerVerified: level != trust.LevelBasic}
	res := &trust.Result{
		Passed: true,
		Level:  level,
		Score:  40,
		Checks: []trust.Check{
			{
				Name: trust.CheckEndpointReachable, Status: trust.StatusPass, Required: true,
				Message: "Endpoint responded", Detail: trust.ReachabilityDetail{URL: "https://" + handle + ".example.com", ElapsedMs: 42, StatusCode: 200},
			},
			{Name: trust.CheckAgentCard, Status: trust.StatusSkip, Message: "Agent card not found"},
		},
		CheckedAt:          checkedAt,
		NextCheckAt:        checkedAt.Add(level.RecheckInterval()),
		EligibleForUpgrade: trust.LevelVerified,
		UpgradeBlockers:    []string{trust.BlockerOwnerUnproven},
	}
	return NewRecord(agent, res)
}

// testStoreContract runs the behavior every history Store must share. seed
// registers an agent for stores that enforce the directory foreign key.
func testStoreContract(t *testing.T, newStore func(t *testing.T) Store, seed func(t *testing.T, handle string)) {
	t.Run("latest and history", func(t *testing.T) {
		store := newStore(t)
		seed(t, "weather-bot")
		seed(t, "news-bot")
		ctx := context.Background()

		_, err := store.Latest(ctx, "weather-bot")
		assert.ErrorIs(t, err, ErrRecordNotFound)

		first := sampleRecord("weather-bot", trust.LevelBasic, storeEpoch)
		second := sampleRecord("weather-bot", trust.LevelVerified, storeEpoch.Add(time.Hour))
		other := sampleRecord("news-bot", trust.LevelBasic, storeEpoch.Add(2*time.Hour))
		require.NoError(t, store.Save(ctx, first))
		require.NoError(t, store.Save(ctx, second))
		require.NoError(t, store.Save(ctx, other))

		latest, err := store.Latest(ctx, "WEATHER-BOT")
		require.NoError(t, err)
		assert.Equal(t, second.ID, latest.ID)
		assert.Equal(t, trust.LevelVerified, latest.Level)
		assert.True(t, latest.CheckedAt.Equal(second.CheckedAt))

		history, err := store.History(ctx, "weather-bot", 10)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, second.ID, history[0].ID)
		assert.Equal(t, first.ID, history[1].ID)

		limited, err := store.History(ctx, "weather-bot", 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, second.ID, limited[0].ID)
	})

	t.Run("round trips checks and blockers", func(t *testing.T) {
		store := newStore(t)
		seed(t, "oracle")
		ctx := context.Background()

		rec := sampleRecord("oracle", trust.LevelBasic, storeEpoch)
		require.NoError(t, store.Save(ctx, rec))

		got, err := store.Latest(ctx, "oracle")
		require.NoError(t, err)
		assert.Equal(t, "agt_oracle", got.AgentID)
		assert.Equal(t, 40, got.Score)
		assert.True(t, got.Passed)
		assert.False(t, got.OwnerVerified)
		assert.Equal(t, trust.LevelVerified, got.EligibleForUpgrade)
		assert.Equal(t, []string{trust.BlockerOwnerUnproven}, got.Blockers)
		assert.True(t, got.NextCheckAt.Equal(storeEpoch.Add(24*time.Hour)))

		require.Len(t, got.Checks, 2)
		assert.Equal(t, trust.CheckEndpointReachable, got.Checks[0].Name)
		assert.True(t, got.Checks[0].Required)
		detail, ok := got.Checks[0].Detail.(trust.ReachabilityDetail)
		require.True(t, ok, "detail kind survives storage, got %T", got.Checks[0].Detail)
		assert.Equal(t, int64(42), detail.ElapsedMs)
		assert.Equal(t, trust.StatusSkip, got.Checks[1].Status)
		assert.Nil(t, got.Checks[1].Detail)
	})

	t.Run("records without blockers", func(t *testing.T) {
		store := newStore(t)
		seed(t, "veteran")
		ctx := context.Background()

		rec := sampleRecord("veteran", trust.LevelTrusted, storeEpoch)
		rec.EligibleForUpgrade = ""
		rec.Blockers = nil
		require.NoError(t, store.Save(ctx, rec))

		got, err := store.Latest(ctx, "veteran")
		require.NoError(t, err)
		assert.Empty(t, got.EligibleForUpgrade)
		assert.Empty(t, got.Blockers)
	})
}

func TestMemoryStore(t *testing.T) {
	testStoreContract(t,
		func(*testing.T) Store { return NewMemoryStore() },
		func(*testing.T, string) {},
	)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, sampleRecord("weather-bot", trust.LevelBasic, storeEpoch)))

	got, err := store.Latest(ctx, "weather-bot")
	require.NoError(t, err)
	got.Blockers[0] = "tampered"
	got.Checks[0].Message = "tampered"

	again, err := store.Latest(ctx, "weather-bot")
	require.NoError(t, err)
	assert.Equal(t, trust.BlockerOwnerUnproven, again.Blockers[0])
	assert.Equal(t, "Endpoint responded", again.Checks[0].Message)
}

func TestMemoryStore_SameTimestampLaterSaveWins(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	a := sampleRecord("twin", trust.LevelBasic, storeEpoch)
	b := sampleRecord("twin", trust.LevelVerified, storeEpoch)
	require.NoError(t, store.Save(ctx, a))
	require.NoError(t, store.Save(ctx, b))

	latest, err := store.Latest(ctx, "twin")
	require.NoError(t, err)
	assert.Equal(t, b.ID, latest.ID)
}

func TestNewRecord(t *testing.T) {
	rec := sampleRecord("Mixed-Case", trust.LevelBasic, storeEpoch.In(time.FixedZone("X", 3600)))

	assert.Equal(t, "mixed-case", rec.Handle)
	assert.Regexp(t, `^vr_[0-9a-f]{24}$`, rec.ID)
	assert.Equal(t, time.UTC, rec.CheckedAt.Location())
	assert.Equal(t, []string{trust.BlockerOwnerUnproven}, rec.Blockers)
}
