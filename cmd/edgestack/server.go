package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/phenomenon0/edgestack/pkg/features"
	"github.com/phenomenon0/edgestack/pkg/scoring"
	"github.com/phenomenon0/edgestack/pkg/trader/ledger"
	"github.com/phenomenon0/edgestack/pkg/trader/metrics"
	"github.com/phenomenon0/edgestack/pkg/trader/orchestrator"
	"github.com/phenomenon0/edgestack/pkg/trader/streaming"
)

const maxBodyBytes = 1 << 20

// server exposes the orchestrator over HTTP.
type server struct {
	orch    *orchestrator.Orchestrator
	hub     *streaming.Hub
	metrics *metrics.Metrics
	limiter *rate.Limiter // nil disables throttling of /v1
	now     func() time.Time
}

func newServer(orch *orchestrator.Orchestrator, hub *streaming.Hub, m *metrics.Metrics) *server {
	return &server{
		orch:    orch,
		hub:     hub,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP)
	r.Get("/ws", s.hub.ServeWS)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.throttle)
		r.Get("/status", s.handleStatus)
		r.Post("/score", s.handleScore)
		r.Post("/recommend", s.handleRecommend)
		r.Post("/recommend/batch", s.handleRecommendBatch)
		r.Get("/ledger", s.handleLedger)
		r.Get("/bets", s.handleListBets)
		r.Post("/bets", s.handlePlace)
		r.Get("/bets/{id}", s.handleGetBet)
		r.Post("/bets/{id}/settle", s.handleSettle)
	})
	return r
}

// withRateLimit throttles /v1 to rps requests per second with the given
// burst. rps <= 0 leaves the API unthrottled.
func (s *server) withRateLimit(rps float64, burst int) *server {
	if rps > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return s
}

// throttle rejects requests over the limiter's rate with 429.
func (s *server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrument records request counts and latency by route pattern.
func (s *server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.RecordRequest(route, strconv.Itoa(status), time.Since(start))
	})
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, s.orch.GetStatus())
}

func (s *server) handleScore(w http.ResponseWriter, r *http.Request) {
	var req scoring.Request
	if !decode(w, r, &req) {
		return
	}
	score, err := s.orch.Score(r.Context(), req)
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, score)
}

func (s *server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	var req scoring.Request
	if !decode(w, r, &req) {
		return
	}
	if req.Market == nil {
		respondError(w, http.StatusBadRequest, "market is required")
		return
	}
	rec, err := s.orch.Recommend(r.Context(), req)
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, rec)
}

func (s *server) handleRecommendBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []scoring.Request
	if !decode(w, r, &reqs) {
		return
	}
	for _, req := range reqs {
		if req.Market == nil {
			respondError(w, http.StatusBadRequest, "market is required for every request")
			return
		}
	}
	recs, err := s.orch.RecommendBatch(r.Context(), reqs)
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, recs)
}

type placeRequest struct {
	scoring.Request
	Ref string `json:"ref,omitempty"`
}

func (s *server) handlePlace(w http.ResponseWriter, r *http.Request) {
	var req placeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Market == nil {
		respondError(w, http.StatusBadRequest, "market is required")
		return
	}
	pl, err := s.orch.Place(r.Context(), req.Request, req.Ref, s.now())
	if err != nil {
		fail(w, err)
		return
	}
	status := http.StatusOK
	if pl.Bet != nil {
		status = http.StatusCreated
	}
	respond(w, status, pl)
}

type settleRequest struct {
	Outcome string `json:"outcome"`
}

func (s *server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if !decode(w, r, &req) {
		return
	}
	outcome, err := ledger.ParseOutcome(req.Outcome)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	bet, st, err := s.orch.Settle(r.Context(), chi.URLParam(r, "id"), outcome, s.now())
	if err != nil {
		fail(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"bet": bet, "bankroll": st})
}

func (s *server) handleGetBet(w http.ResponseWriter, r *http.Request) {
	bet, ok := s.orch.Ledger().Bet(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "bet not found")
		return
	}
	respond(w, http.StatusOK, bet)
}

func (s *server) handleListBets(w http.ResponseWriter, r *http.Request) {
	want := r.URL.Query().Get("status")
	bets := s.orch.Ledger().Bets()
	out := make([]ledger.Bet, 0, len(bets))
	for _, b := range bets {
		if want == "" || string(b.Status()) == want {
			out = append(out, b)
		}
	}
	respond(w, http.StatusOK, out)
}

func (s *server) handleLedger(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"summary": s.orch.Ledger().Summary()}
	if r.URL.Query().Get("history") == "true" {
		resp["history"] = s.orch.Ledger().History()
	}
	respond(w, http.StatusOK, resp)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// fail maps domain errors to HTTP statuses.
func fail(w http.ResponseWriter, err error) {
	var invalid *features.InvalidEntityError
	switch {
	case errors.As(err, &invalid):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ledger.ErrUnknownBet):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrAlreadySettled):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrInsufficientBalance), errors.Is(err, ledger.ErrOutOfOrder):
		respondError(w, http.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("write response")
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respond(w, status, map[string]string{"error": msg})
}
