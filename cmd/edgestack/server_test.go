package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phenomenon0/edgestack/pkg/scoring"
	"github.com/phenomenon0/edgestack/pkg/trader/ledger"
	"github.com/phenomenon0/edgestack/pkg/trader/metrics"
	"github.com/phenomenon0/edgestack/pkg/trader/orchestrator"
	"github.com/phenomenon0/edgestack/pkg/trader/policy"
	"github.com/phenomenon0/edgestack/pkg/trader/streaming"
)

const betBody = `{
  "entity": {"name": "Minnesota Timberwolves", "domain": "nba", "context": {"form": 1.5}},
  "opponent": {"name": "Utah Jazz", "domain": "nba", "context": {"form": -1.5}},
  "market": {"odds_a": 150, "odds_b": 150},
  "ref": "game-7"
}`

func newTestServer(t *testing.T) (*httptest.Server, *orchestrator.Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	p, err := scoring.New(scoring.DefaultConfig(), nil)
	require.NoError(t, err)
	book := ledger.New(nil)
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err = book.Seed(ctx, decimal.NewFromInt(10000), start)
	require.NoError(t, err)

	hub := streaming.NewHub(nil)
	go hub.Run(ctx)

	m := metrics.New()
	orch := orchestrator.NewOrchestrator(nil, p, policy.NewSizer(nil), book)
	orch.SetPublisher(hub)
	orch.SetMetrics(m)

	s := newServer(orch, hub, m)
	clock := start
	s.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	ts := httptest.NewServer(s.routes())
	t.Cleanup(ts.Close)
	return ts, orch
}

func do(t *testing.T, method, url, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)
	code, body := do(t, http.MethodGet, ts.URL+"/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestScoreEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	code, body := do(t, http.MethodPost, ts.URL+"/v1/score", `{"entity": {"name": "Utah Jazz", "domain": "nba"}}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Utah Jazz", body["entity"])
	assert.NotEmpty(t, body["layer_breakdown"])

	code, _ = do(t, http.MethodPost, ts.URL+"/v1/score", `{"entity": {"name": "Utah Jazz", "domain": "curling"}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	code, _ = do(t, http.MethodPost, ts.URL+"/v1/score", `{"entity": {"name": "Utah Jazz", "domain": "nba"}, "bogus": 1}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRecommendNeedsMarket(t *testing.T) {
	ts, orch := newTestServer(t)

	code, _ := do(t, http.MethodPost, ts.URL+"/v1/recommend", `{"entity": {"name": "Utah Jazz", "domain": "nba"}}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := do(t, http.MethodPost, ts.URL+"/v1/recommend", strings.Replace(betBody, `,
  "ref": "game-7"`, "", 1))
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "decision")
	assert.Empty(t, orch.Ledger().Bets(), "recommend reserves nothing")
}

func TestPlaceAndSettleEndpoints(t *testing.T) {
	ts, orch := newTestServer(t)

	code, body := do(t, http.MethodPost, ts.URL+"/v1/bets", betBody)
	require.Equal(t, http.StatusCreated, code, "%v", body)
	bet, ok := body["bet"].(map[string]any)
	require.True(t, ok)
	id := bet["id"].(string)
	assert.Equal(t, "game-7", bet["ref"])

	code, _ = do(t, http.MethodGet, ts.URL+"/v1/bets/"+id, "")
	assert.Equal(t, http.StatusOK, code)

	code, body = do(t, http.MethodPost, ts.URL+"/v1/bets/"+id+"/settle", `{"outcome": "won"}`)
	require.Equal(t, http.StatusOK, code, "%v", body)
	assert.True(t, orch.Ledger().OpenExposure().IsZero())
	require.NoError(t, orch.Ledger().Verify())

	code, _ = do(t, http.MethodPost, ts.URL+"/v1/bets/"+id+"/settle", `{"outcome": "lost"}`)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = do(t, http.MethodPost, ts.URL+"/v1/bets/nope/settle", `{"outcome": "won"}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, http.MethodPost, ts.URL+"/v1/bets/"+id+"/settle", `{"outcome": "maybe"}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestListBetsAndLedger(t *testing.T) {
	ts, _ := newTestServer(t)
	code, _ := do(t, http.MethodPost, ts.URL+"/v1/bets", betBody)
	require.Equal(t, http.StatusCreated, code)

	resp, err := http.Get(ts.URL + "/v1/bets?status=pending")
	require.NoError(t, err)
	var bets []ledger.Bet
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&bets))
	resp.Body.Close()
	assert.Len(t, bets, 1)

	code, body := do(t, http.MethodGet, ts.URL+"/v1/ledger?history=true", "")
	require.Equal(t, http.StatusOK, code)
	summary := body["summary"].(map[string]any)
	assert.Equal(t, "10000.00", summary["initial_balance"])
	assert.EqualValues(t, 1, summary["open_bets"])
	assert.Len(t, body["history"], 2)
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	do(t, http.MethodGet, ts.URL+"/health", "")

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `edgestack_http_requests_total{code="200",route="/health"} 1`)
}

func TestThrottle(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	limited := (&server{}).withRateLimit(0.001, 2).throttle(ok)
	codes := make([]int, 3)
	for i := range codes {
		rec := httptest.NewRecorder()
		limited.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
		codes[i] = rec.Code
		if rec.Code == http.StatusTooManyRequests {
			assert.Equal(t, "1", rec.Header().Get("Retry-After"))
			assert.Contains(t, rec.Body.String(), "rate limit exceeded")
		}
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	unlimited := (&server{}).withRateLimit(0, 0).throttle(ok)
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		unlimited.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}
