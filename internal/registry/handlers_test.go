package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentdir/internal/realtime"
	"github.com/mbd888/agentdir/internal/trust"
)

type stubIssuer struct {
	handles []string
	err     error
}

func (s *stubIssuer) IssueKey(_ context.Context, handle string) (string, string, error) {
	if s.err != nil {
		return "", "", s.err
	}
	s.handles = append(s.handles, handle)
	return "sk_test_" + handle, "ak_" + handle, nil
}

func setupRouter(t *testing.T, check func(string) error) (*gin.Engine, *MemoryStore, *stubIssuer) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := NewMemoryStore()
	keys := &stubIssuer{}
	h := NewHandler(store, keys, check)

	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	h.RegisterAdminRoutes(r.Group("/v1/admin"))
	return r, store, keys
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRegisterAgent_IssuesKey(t *testing.T) {
	r, store, keys := setupRouter(t, nil)

	w := doJSON(r, "POST", "/v1/agents", gin.H{
		"handle":    "Weather-Oracle",
		"name":      "  Weather Oracle ",
		"endpoint":  "https://weather.example.com",
		"protocols": []string{"a2a-v1", " ", "mcp"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Agent  Agent  `json:"agent"`
		APIKey string `json:"apiKey"`
		KeyID  string `json:"keyId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "weather-oracle", resp.Agent.Handle)
	assert.Equal(t, "Weather Oracle", resp.Agent.Name)
	assert.Equal(t, []string{"a2a-v1", "mcp"}, resp.Agent.Protocols)
	assert.Equal(t, trust.LevelNone, resp.Agent.TrustLevel)
	assert.Equal(t, "sk_test_weather-oracle", resp.APIKey)
	assert.Equal(t, "ak_weather-oracle", resp.KeyID)
	assert.Equal(t, []string{"weather-oracle"}, keys.handles)

	_, err := store.GetAgent(context.Background(), "weather-oracle")
	assert.NoError(t, err)
}

func TestRegisterAgent_Duplicate(t *testing.T) {
	r, _, _ := setupRouter(t, nil)
	body := gin.H{"handle": "dup-agent", "name": "Dup", "endpoint": "https://dup.example.com"}

	require.Equal(t, http.StatusCreated, doJSON(r, "POST", "/v1/agents", body).Code)
	w := doJSON(r, "POST", "/v1/agents", body)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "agent_exists")
}

func TestRegisterAgent_Validation(t *testing.T) {
	deny := func(raw string) error {
		if strings.Contains(raw, "10.0.0.1") {
			return errors.New("endpoint not allowed: private addresses are not allowed")
		}
		return nil
	}
	r, _, keys := setupRouter(t, deny)

	tests := []struct {
		name string
		body any
	}{
		{"missing handle", gin.H{"name": "X", "endpoint": "https://x.example.com"}},
		{"bad handle", gin.H{"handle": "no_underscores", "name": "X", "endpoint": "https://x.example.com"}},
		{"blank name", gin.H{"handle": "ok-handle", "name": "   ", "endpoint": "https://x.example.com"}},
		{"private endpoint", gin.H{"handle": "ok-handle", "name": "X", "endpoint": "http://10.0.0.1"}},
		{"not json", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(r, "POST", "/v1/agents", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
	assert.Empty(t, keys.handles)
}

func TestRegisterAgent_KeyFailureStillRegisters(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := NewMemoryStore()
	r := gin.New()
	NewHandler(store, &stubIssuer{err: errors.New("store down")}, nil).RegisterRoutes(r.Group("/v1"))

	w := doJSON(r, "POST", "/v1/agents", gin.H{"handle": "lonely", "name": "L", "endpoint": "https://l.example.com"})
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), "warning")
	assert.NotContains(t, w.Body.String(), "apiKey")
}

func TestGetAgent(t *testing.T) {
	r, store, _ := setupRouter(t, nil)
	seedAgents(t, store, "alpha")

	w := doJSON(r, "GET", "/v1/agents/Alpha", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got Agent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "alpha", got.Handle)

	assert.Equal(t, http.StatusNotFound, doJSON(r, "GET", "/v1/agents/ghost", nil).Code)
	assert.Equal(t, http.StatusBadRequest, doJSON(r, "GET", "/v1/agents/bad_handle", nil).Code)
}

func TestListAgents_Paginates(t *testing.T) {
	r, store, _ := setupRouter(t, nil)
	seedAgents(t, store, "a1", "a2", "a3")

	type page struct {
		Agents     []Agent `json:"agents"`
		NextCursor string  `json:"nextCursor"`
		HasMore    bool    `json:"hasMore"`
	}

	w := doJSON(r, "GET", "/v1/agents?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var p1 page
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p1))
	require.Len(t, p1.Agents, 2)
	assert.Equal(t, "a3", p1.Agents[0].Handle)
	assert.True(t, p1.HasMore)

	w = doJSON(r, "GET", "/v1/agents?limit=2&cursor="+p1.NextCursor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var p2 page
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p2))
	require.Len(t, p2.Agents, 1)
	assert.Equal(t, "a1", p2.Agents[0].Handle)
	assert.False(t, p2.HasMore)
	assert.Empty(t, p2.NextCursor)
}

func TestListAgents_BadParams(t *testing.T) {
	r, _, _ := setupRouter(t, nil)

	for _, q := range []string{"cursor=not-a-cursor!", "level=gold", "verified=maybe"} {
		w := doJSON(r, "GET", "/v1/agents?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}

	w := doJSON(r, "GET", "/v1/agents?level=trusted&verified=true", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"agents":[]`)
}

func TestAdmin_OwnerVerifiedAndStats(t *testing.T) {
	r, store, _ := setupRouter(t, nil)
	seedAgents(t, store, "alpha")

	w := doJSON(r, "POST", "/v1/admin/agents/alpha/owner-verified", gin.H{"verified": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(r, "PUT", "/v1/admin/agents/alpha/stats", gin.H{
		"transactionCount": 45, "averageRating": 4.8, "uptimePercent": 97,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got, _ := store.GetAgent(context.Background(), "alpha")
	assert.True(t, got.OwnerVerified)
	assert.Equal(t, trust.Stats{TransactionCount: 45, AverageRating: 4.8, UptimePercent: 97}, got.Stats)

	// Withdrawing the attestation is allowed.
	w = doJSON(r, "POST", "/v1/admin/agents/alpha/owner-verified", gin.H{"verified": false})
	require.Equal(t, http.StatusOK, w.Code)
	got, _ = store.GetAgent(context.Background(), "alpha")
	assert.False(t, got.OwnerVerified)
}

func TestAdmin_Errors(t *testing.T) {
	r, store, _ := setupRouter(t, nil)
	seedAgents(t, store, "alpha")

	assert.Equal(t, http.StatusBadRequest,
		doJSON(r, "POST", "/v1/admin/agents/alpha/owner-verified", gin.H{}).Code)
	assert.Equal(t, http.StatusNotFound,
		doJSON(r, "POST", "/v1/admin/agents/ghost/owner-verified", gin.H{"verified": true}).Code)
	assert.Equal(t, http.StatusBadRequest,
		doJSON(r, "PUT", "/v1/admin/agents/alpha/stats", gin.H{"averageRating": 7}).Code)
	assert.Equal(t, http.StatusBadRequest,
		doJSON(r, "PUT", "/v1/admin/agents/alpha/stats", gin.H{"uptimePercent": -1}).Code)
	assert.Equal(t, http.StatusNotFound,
		doJSON(r, "PUT", "/v1/admin/agents/ghost/stats", gin.H{"uptimePercent": 50}).Code)
}

type capturedEvent struct {
	eventType realtime.EventType
	handle    string
}

type capturePublisher struct{ events []capturedEvent }

func (p *capturePublisher) Publish(eventType realtime.EventType, handle string, _ any) {
	p.events = append(p.events, capturedEvent{eventType, handle})
}

func TestRegisterAgent_AnnouncesRegistration(t *testing.T) {
	gin.SetMode(gin.TestMode)
	pub := &capturePublisher{}
	h := NewHandler(NewMemoryStore(), &stubIssuer{}, nil).WithEvents(pub)
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))

	w := doJSON(r, "POST", "/v1/agents", gin.H{
		"handle": "news-bot", "name": "News", "endpoint": "https://news.example.com",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Len(t, pub.events, 1)
	assert.Equal(t, realtime.EventAgentRegistered, pub.events[0].eventType)
	assert.Equal(t, "news-bot", pub.events[0].handle)

	w = doJSON(r, "POST", "/v1/agents", gin.H{
		"handle": "news-bot", "name": "News", "endpoint": "https://news.example.com",
	})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Len(t, pub.events, 1, "duplicates are not announced")
}
