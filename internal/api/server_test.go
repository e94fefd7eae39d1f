package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lerian-regulatory-engine/internal/analytics"
	"lerian-regulatory-engine/internal/config"
	"lerian-regulatory-engine/internal/detection"
	"lerian-regulatory-engine/internal/engine"
	"lerian-regulatory-engine/internal/escalation"
	"lerian-regulatory-engine/internal/events"
	"lerian-regulatory-engine/internal/logging"
	"lerian-regulatory-engine/internal/resolution"
	"lerian-regulatory-engine/internal/storage"
	"lerian-regulatory-engine/pkg/types"
)

type apiHarness struct {
	store   *storage.MemoryStore
	manager *escalation.Manager
	bus     *events.Bus
	server  *Server
	ts      *httptest.Server
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	store := storage.NewMemoryStore()
	logger := logging.NewNoOpLogger()
	bus := events.NewBus(64, logger)
	t.Cleanup(bus.Stop)

	detector := detection.NewDetector(config.DetectionConfig{
		SimilarityThreshold: 0.8,
		SeverityWeights:     config.SeverityWeights{AuthorityGap: 0.4, Reach: 0.3, Urgency: 0.3},
		MaxParallelBuckets:  2,
		UrgencyHorizon:      365 * 24 * time.Hour,
	}, nil, store, logger)

	manager := escalation.NewManager(config.EscalationConfig{
		SLAWindows:            []config.SLAWindow{{Level: 1, Window: time.Hour}, {Level: 2, Window: 4 * time.Hour}},
		MaxLevel:              3,
		HighSeverityThreshold: 0.8,
		TimerResolution:       time.Second,
	}, store, nil, bus, logger)

	resolver := resolution.NewResolver(config.ResolutionConfig{
		ConfidenceThreshold: 0.6,
		HarmonizationPolicy: "most_restrictive",
		MaxWriteRetries:     3,
	}, store, store, manager, bus, logger)

	recorder := analytics.NewRecorder(store, logger)
	eng := engine.New(detector, resolver, recorder, manager, bus, logger)

	server := NewServer(config.ServerConfig{Host: "localhost", Port: 0}, eng, store, store, store, manager, recorder, bus, logger)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &apiHarness{store: store, manager: manager, bus: bus, server: server, ts: ts}
}

func (h *apiHarness) postJSON(t *testing.T, path string, payload interface{}) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(h.ts.URL+path, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func (h *apiHarness) getJSON(t *testing.T, path string, out interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(h.ts.URL + path)
	require.NoError(t, err)
	if out != nil {
		defer resp.Body.Close()
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func cycleBody(provisions ...*types.NormativeProvision) cycleRequest {
	return cycleRequest{Provisions: provisions}
}

func apiProvision(id string, authority int, polarity types.ObligationPolarity) *types.NormativeProvision {
	return &types.NormativeProvision{
		ID:             id,
		FrameworkID:    "fw-1",
		Jurisdiction:   []string{"us"},
		AuthorityLevel: authority,
		EffectiveFrom:  time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		Polarity:       polarity,
		TopicTags:      []string{"data-retention"},
	}
}

func TestHealthz(t *testing.T) {
	h := newAPIHarness(t)
	var body map[string]string
	resp := h.getJSON(t, "/healthz", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestCycleThenQueryConflicts(t *testing.T) {
	h := newAPIHarness(t)

	resp := h.postJSON(t, "/api/v1/cycles", cycleBody(
		apiProvision("p-federal", 2, types.PolarityProhibits),
		apiProvision("p-state", 1, types.PolarityRequires),
	))
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report engine.CycleReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	require.Positive(t, report.Resolved)

	var listing struct {
		Conflicts []*types.Conflict `json:"conflicts"`
		Count     int               `json:"count"`
	}
	getResp := h.getJSON(t, "/api/v1/conflicts?status=resolved", &listing)
	assert.Equal(t, http.StatusOK, getResp.StatusCode)
	require.Equal(t, report.Resolved, listing.Count)

	one := listing.Conflicts[0]
	var fetched types.Conflict
	getResp = h.getJSON(t, "/api/v1/conflicts/"+one.ID, &fetched)
	assert.Equal(t, http.StatusOK, getResp.StatusCode)
	assert.Equal(t, one.ID, fetched.ID)

	var records struct {
		Resolutions []*types.ResolutionRecord `json:"resolutions"`
	}
	getResp = h.getJSON(t, "/api/v1/conflicts/"+one.ID+"/resolutions", &records)
	assert.Equal(t, http.StatusOK, getResp.StatusCode)
	require.Len(t, records.Resolutions, 1)
	assert.Equal(t, types.StrategyLexSuperior, records.Resolutions[0].Strategy.Type)
}

func TestCycleRequiresProvisions(t *testing.T) {
	h := newAPIHarness(t)
	resp := h.postJSON(t, "/api/v1/cycles", cycleRequest{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCycleScopeNarrowsProvisions(t *testing.T) {
	h := newAPIHarness(t)

	body := cycleBody(
		apiProvision("p-federal", 2, types.PolarityProhibits),
		apiProvision("p-state", 1, types.PolarityRequires),
	)
	body.Scope = []string{"eu"}
	resp := h.postJSON(t, "/api/v1/cycles", body)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body.Scope = []string{"US"}
	resp = h.postJSON(t, "/api/v1/cycles", body)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report engine.CycleReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Positive(t, report.Resolved)
}

func TestGetConflictNotFound(t *testing.T) {
	h := newAPIHarness(t)
	resp := h.getJSON(t, "/api/v1/conflicts/unknown", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListConflictsRejectsBadFilters(t *testing.T) {
	h := newAPIHarness(t)

	resp := h.getJSON(t, "/api/v1/conflicts?status=bogus", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.getJSON(t, "/api/v1/conflicts?min_severity=high", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.getJSON(t, "/api/v1/conflicts?limit=0", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEscalationCaseActions(t *testing.T) {
	h := newAPIHarness(t)

	// Unresolvable pair opens a review case.
	resp := h.postJSON(t, "/api/v1/cycles", cycleBody(
		apiProvision("p-a", 1, types.PolarityRequires),
		apiProvision("p-b", 1, types.PolarityProhibits),
	))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listing struct {
		Escalations []*types.EscalationCase `json:"escalations"`
	}
	getResp := h.getJSON(t, "/api/v1/escalations?status=open", &listing)
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	require.NotEmpty(t, listing.Escalations)
	caseID := listing.Escalations[0].ID

	// Missing actor is rejected.
	resp = h.postJSON(t, "/api/v1/escalations/"+caseID+"/ack", caseActionRequest{})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.postJSON(t, "/api/v1/escalations/"+caseID+"/ack", caseActionRequest{Actor: "analyst-7"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var acked types.EscalationCase
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&acked))
	assert.Equal(t, types.EscalationAcknowledged, acked.Status)

	resp = h.postJSON(t, "/api/v1/escalations/"+caseID+"/review", caseActionRequest{Actor: "analyst-7"})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.postJSON(t, "/api/v1/escalations/"+caseID+"/close", caseActionRequest{Actor: "analyst-7"})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Acting on a closed case conflicts with its state machine.
	resp = h.postJSON(t, "/api/v1/escalations/"+caseID+"/ack", caseActionRequest{Actor: "analyst-7"})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStatsEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	require.NoError(t, h.store.Merge(context.Background(), types.StatKey{
		ConflictType:       types.ConflictHierarchical,
		JurisdictionBucket: "us",
		Strategy:           types.StrategyLexSuperior,
	}, true))

	var body struct {
		Strategies map[string]types.StrategyOutcomeStat `json:"strategies"`
	}
	resp := h.getJSON(t, "/api/v1/stats", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body.Strategies, 1)
	for _, stat := range body.Strategies {
		assert.Equal(t, int64(1), stat.SuccessCount)
	}
}

func TestEventFeedStreamsCycleEvents(t *testing.T) {
	h := newAPIHarness(t)

	wsURL := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/api/v1/events?types=conflict.detected"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	postResp := h.postJSON(t, "/api/v1/cycles", cycleBody(
		apiProvision("p-federal", 2, types.PolarityProhibits),
		apiProvision("p-state", 1, types.PolarityRequires),
	))
	postResp.Body.Close()
	require.Equal(t, http.StatusOK, postResp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event events.Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, events.EventConflictDetected, event.Type)
	assert.NotEmpty(t, event.ID)
}
