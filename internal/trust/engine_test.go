package trust

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var engineNow = time.Date(2026, 6, 15, 9, 30, 0, 0, time.UTC)

func testEngine(timeout time.Duration) *Engine {
	return NewEngine(
		WithProbeTimeout(timeout),
		WithClock(func() time.Time { return engineNow }),
	)
}

func TestEngine_ScenarioA_BareEndpoint(t *testing.T) {
	srv := agentServer(t, nil)
	agent := Agent{Handle: "bare", Endpoint: srv.URL, CreatedAt: engineNow.AddDate(0, 0, -3)}

	res := testEngine(time.Second).Verify(context.Background(), agent)

	assert.True(t, res.Passed)
	assert.Equal(t, LevelBasic, res.Level)
	assert.Equal(t, 40, res.Score)
	assert.Equal(t, LevelVerified, res.EligibleForUpgrade)
	assert.Contains(t, res.UpgradeBlockers, BlockerNoProtocol)
	assert.Equal(t, engineNow, res.CheckedAt)
	assert.Equal(t, engineNow.Add(24*time.Hour), res.NextCheckAt)
}

func TestEngine_ScenarioB_DeclaredAndOwnerVerified(t *testing.T) {
	srv := agentServer(t, nil)
	agent := Agent{
		Handle:        "declared",
		Endpoint:      srv.URL,
		Protocols:     []string{"a2a-v1"},
		OwnerVerified: true,
		CreatedAt:     engineNow.AddDate(0, 0, -3),
	}

	res := testEngine(time.Second).Verify(context.Background(), agent)

	assert.True(t, res.Passed)
	assert.Equal(t, LevelVerified, res.Level)
	// reachability + response time + protocols declared + owner verified
	assert.Equal(t, 60, res.Score)
	assert.Equal(t, LevelTrusted, res.EligibleForUpgrade)
	assert.Equal(t, engineNow.Add(72*time.Hour), res.NextCheckAt)
}

func TestEngine_ScenarioC_Trusted(t *testing.T) {
	srv := agentServer(t, map[string]string{
		"/.well-known/agent-card.json": `{"name":"Veteran"}`,
	})
	agent := Agent{
		Handle:        "veteran",
		Endpoint:      srv.URL,
		Protocols:     []string{"a2a-v1"},
		TrustLevel:    LevelVerified,
		Verified:      true,
		OwnerVerified: true,
		CreatedAt:     engineNow.AddDate(0, 0, -40),
		Stats:         Stats{TransactionCount: 45, AverageRating: 4.8, UptimePercent: 97},
	}

	res := testEngine(time.Second).Verify(context.Background(), agent)

	assert.Equal(t, LevelTrusted, res.Level)
	assert.Empty(t, res.EligibleForUpgrade)
	assert.Empty(t, res.UpgradeBlockers)
	assert.Equal(t, engineNow.Add(168*time.Hour), res.NextCheckAt)
}

func TestEngine_ScenarioD_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(slowHandler))
	defer srv.Close()

	res := testEngine(100*time.Millisecond).Verify(context.Background(), Agent{Handle: "sleepy", Endpoint: srv.URL})

	assert.False(t, res.Passed)
	assert.Equal(t, LevelNone, res.Level)
	assert.Equal(t, 0, res.Score)

	var required []Check
	for _, c := range res.Checks {
		if c.Required {
			required = append(required, c)
		}
	}
	require.Len(t, required, 1)
	assert.Equal(t, StatusFail, required[0].Status)
	assert.Contains(t, strings.ToLower(required[0].Message), "timeout")
	assert.Equal(t, engineNow.Add(24*time.Hour), res.NextCheckAt)
}

func TestEngine_PassedMatchesReachability(t *testing.T) {
	for _, code := range []int{200, 204, 404, 500, 503} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))

		agent := Agent{
			Handle:        "status",
			Endpoint:      srv.URL,
			Protocols:     []string{"a2a-v1"},
			OwnerVerified: true,
		}
		res := testEngine(time.Second).Verify(context.Background(), agent)
		srv.Close()

		reach, ok := res.Check(CheckEndpointReachable)
		require.True(t, ok)
		assert.Equal(t, reach.Passed(), res.Passed, "HTTP %d", code)
		if !res.Passed {
			assert.Equal(t, LevelNone, res.Level, "HTTP %d", code)
			// Scores stay additive even when the required check fails.
			assert.Equal(t, PointsProtocolsDeclared+PointsOwnerVerified, res.Score, "HTTP %d", code)
		}
	}
}

func TestEngine_ResultSurvivesJSON(t *testing.T) {
	srv := agentServer(t, map[string]string{
		"/.well-known/agent-card.json": `{"name":"Roundtrip"}`,
	})
	res := testEngine(time.Second).Verify(context.Background(), Agent{Handle: "rt", Endpoint: srv.URL})

	raw, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"detailKind":"protocol"`)

	var back Result
	require.NoError(t, json.Unmarshal(raw, &back))
	require.Len(t, back.Checks, len(res.Checks))

	card, ok := back.Check(CheckAgentCard)
	require.True(t, ok)
	detail, ok := card.Detail.(ProtocolDetail)
	require.True(t, ok, "detail should decode by kind, got %T", card.Detail)
	assert.Equal(t, "Roundtrip", detail.AgentName)
	assert.Equal(t, res.Level, back.Level)
	assert.True(t, back.CheckedAt.Equal(res.CheckedAt))
}

func TestCheck_UnknownDetailKindRejected(t *testing.T) {
	var c Check
	err := json.Unmarshal([]byte(`{"name":"owner_verified","status":"skip","detailKind":"signature","detail":{}}`), &c)
	assert.Error(t, err)
}
