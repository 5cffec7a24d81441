package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/fractal-lba/promoloop/internal/evaluate"
	"github.com/fractal-lba/promoloop/internal/forecast"
	"github.com/fractal-lba/promoloop/internal/histdata"
	"github.com/fractal-lba/promoloop/internal/learning"
	"github.com/fractal-lba/promoloop/internal/metrics"
	"github.com/fractal-lba/promoloop/internal/optimize"
	"github.com/fractal-lba/promoloop/internal/postmortem"
	"github.com/fractal-lba/promoloop/internal/promo"
	"github.com/fractal-lba/promoloop/internal/promoctx"
	"github.com/fractal-lba/promoloop/internal/uplift"
	"github.com/fractal-lba/promoloop/internal/validate"
	"github.com/fractal-lba/promoloop/pkg/otel"
)

type Server struct {
	store      histdata.SalesStore
	assembler  *promoctx.Assembler
	forecaster *forecast.Engine
	uplifter   *uplift.Engine
	evaluator  *evaluate.Engine
	validator  *validate.Engine
	optimizer  *optimize.Engine
	analyzer   *postmortem.Engine
	learner    *learning.Engine
	snapshots  histdata.SnapshotStore
	metrics    *metrics.Metrics
	limiter    *rate.Limiter
	metricsAuth struct {
		enabled  bool
		user     string
		password string
	}
}

func main() {
	// Historical data access backend
	var salesStore histdata.SalesStore
	switch backend := getEnv("SALES_BACKEND", "memory"); backend {
	case "memory":
		store := histdata.NewMemoryStore()
		if path := getEnv("SALES_DATA", ""); path != "" {
			n, err := store.LoadRowsFromFile(path)
			if err != nil {
				log.Fatalf("Failed to load sales data from %s: %v", path, err)
			}
			log.Printf("Loaded %d sales rows from %s", n, path)
		}
		salesStore = store
	case "postgres":
		connStr := getEnv("POSTGRES_CONN", "")
		store, err := histdata.NewPostgresStore(connStr)
		if err != nil {
			log.Fatalf("Failed to create Postgres store: %v", err)
		}
		defer store.Close()
		salesStore = store
	default:
		log.Fatalf("Unknown SALES_BACKEND: %s", backend)
	}

	// KPI snapshot persistence
	var snapshots histdata.SnapshotStore
	switch backend := getEnv("SNAPSHOT_BACKEND", "memory"); backend {
	case "memory":
		snapshots = histdata.NewMemorySnapshotStore()
	case "redis":
		redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
		ttlDays := getEnvInt("SNAPSHOT_TTL_DAYS", 90)
		store, err := histdata.NewRedisSnapshotStore(redisAddr, getEnv("REDIS_PASSWORD", ""), 0, time.Duration(ttlDays)*24*time.Hour)
		if err != nil {
			log.Fatalf("Failed to create Redis snapshot store: %v", err)
		}
		defer store.Close()
		snapshots = store
	default:
		log.Fatalf("Unknown SNAPSHOT_BACKEND: %s", backend)
	}

	// Engines
	holder := uplift.NewModelHolder(nil)
	if path := getEnv("UPLIFT_MODEL", ""); path != "" {
		model, err := loadModel(path)
		if err != nil {
			log.Fatalf("Failed to load uplift model from %s: %v", path, err)
		}
		if _, err := holder.Swap(model); err != nil {
			log.Fatalf("Failed to install uplift model: %v", err)
		}
		log.Printf("Loaded uplift model version %s", model.Version)
	}
	uplifter := uplift.NewEngine(holder, uplift.DefaultParams())
	forecaster := forecast.NewEngine(salesStore, forecast.DefaultParams())
	evaluator := evaluate.NewEngine(evaluate.DefaultParams(), uplifter)
	validator := validate.NewEngine(validate.DefaultRules(), evaluator)
	optimizer := optimize.NewEngine(optimize.DefaultParams(), evaluator)

	// Tracing
	if getEnv("OTEL_ENABLED", "false") == "true" {
		cfg := otel.DefaultConfig("promoloop-server")
		cfg.CollectorEndpoint = getEnv("OTEL_COLLECTOR", cfg.CollectorEndpoint)
		tp, err := otel.InitTracer(context.Background(), cfg)
		if err != nil {
			log.Fatalf("Failed to init tracer: %v", err)
		}
		defer otel.Shutdown(context.Background(), tp)
	}

	tokenRate := getEnvInt("TOKEN_RATE", 100)

	srv := &Server{
		store:      salesStore,
		assembler:  promoctx.NewAssembler(salesStore),
		forecaster: forecaster,
		uplifter:   uplifter,
		evaluator:  evaluator,
		validator:  validator,
		optimizer:  optimizer,
		analyzer:   postmortem.NewEngine(postmortem.DefaultParams()),
		learner:    learning.NewEngine(learning.DefaultParams()),
		snapshots:  snapshots,
		metrics:    metrics.New(),
		limiter:    rate.NewLimiter(rate.Limit(tokenRate), tokenRate*2),
	}
	srv.metricsAuth.enabled = getEnv("METRICS_USER", "") != ""
	srv.metricsAuth.user = getEnv("METRICS_USER", "")
	srv.metricsAuth.password = getEnv("METRICS_PASS", "")

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/baseline", srv.handleBaseline)
	mux.HandleFunc("/v1/scenarios/evaluate", srv.handleEvaluate)
	mux.HandleFunc("/v1/scenarios/validate", srv.handleValidate)
	mux.HandleFunc("/v1/scenarios/compare", srv.handleCompare)
	mux.HandleFunc("/v1/optimize", srv.handleOptimize)
	mux.HandleFunc("/v1/postmortem", srv.handlePostMortem)
	mux.HandleFunc("/v1/model", srv.handleModel)
	mux.HandleFunc("/v1/model/build", srv.handleModelBuild)
	mux.HandleFunc("/v1/model/learn", srv.handleModelLearn)
	mux.Handle("/metrics", srv.metricsHandler())
	mux.HandleFunc("/health", handleHealth)

	port := getEnv("PORT", "8080")
	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on port %s", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdown
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

type baselineRequest struct {
	DateRange promo.DateRange `json:"date_range"`
	Geo       string          `json:"geo,omitempty"`
	Targets   *promo.Targets  `json:"targets,omitempty"`
}

func (s *Server) handleBaseline(w http.ResponseWriter, r *http.Request) {
	var req baselineRequest
	if !s.acceptPost(w, r, &req) {
		return
	}

	ctx, span := otel.StartSpan(r.Context(), "promoloop", "baseline")
	defer span.End()

	pctx, err := s.buildContext(ctx, req.Geo, req.DateRange)
	if err != nil {
		s.respondError(w, span, err)
		return
	}
	baseline, err := s.forecaster.CalculateBaseline(ctx, req.DateRange, pctx)
	if err != nil {
		s.respondError(w, span, err)
		return
	}
	if req.Targets != nil {
		gap, err := s.forecaster.CalculateGapVsTargets(baseline, *req.Targets)
		if err != nil {
			s.respondError(w, span, err)
			return
		}
		baseline.GapVsTarget = gap
	}
	s.metrics.BaselinesComputed.Inc()
	respondJSON(w, http.StatusOK, baseline)
}

type evaluateRequest struct {
	Scenario promo.Scenario `json:"scenario"`
	Geo      string         `json:"geo,omitempty"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !s.acceptPost(w, r, &req) {
		return
	}
	if req.Scenario.ID == "" {
		req.Scenario.ID = uuid.NewString()
	}

	ctx, span := otel.StartSpan(r.Context(), "promoloop", "evaluate_scenario")
	defer span.End()

	kpi, err := s.evaluateWithBaseline(ctx, &req.Scenario, req.Geo)
	if err != nil {
		s.respondError(w, span, err)
		return
	}
	span.SetAttributes(otel.ScenarioAttributes(req.Scenario.ID, kpi.ModelVersion, kpi.LowConfidence)...)

	s.metrics.ScenariosEvaluated.Inc()
	if kpi.LowConfidence {
		s.metrics.FallbackEstimates.Inc()
	}
	if err := s.snapshots.SaveEvaluation(ctx, &histdata.EvaluationRecord{
		ScenarioID:   req.Scenario.ID,
		ModelVersion: kpi.ModelVersion,
		KPI:          *kpi,
		EvaluatedAt:  time.Now().UTC(),
	}); err != nil {
		log.Printf("Failed to persist KPI snapshot for %s: %v", req.Scenario.ID, err)
		// Snapshot persistence is best-effort for the caller
	}
	respondJSON(w, http.StatusOK, kpi)
}

func (s *Server) evaluateWithBaseline(ctx context.Context, sc *promo.Scenario, geo string) (*promo.ScenarioKPI, error) {
	pctx, err := s.buildContext(ctx, geo, sc.DateRange)
	if err != nil {
		return nil, err
	}
	baseline, err := s.forecaster.CalculateBaseline(ctx, sc.DateRange, pctx)
	if err != nil {
		return nil, err
	}
	return s.evaluator.EvaluateScenario(sc, baseline, nil)
}

type validateRequest struct {
	Scenario promo.Scenario     `json:"scenario"`
	Geo      string             `json:"geo,omitempty"`
	KPI      *promo.ScenarioKPI `json:"kpi,omitempty"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !s.acceptPost(w, r, &req) {
		return
	}
	if req.Scenario.ID == "" {
		req.Scenario.ID = uuid.NewString()
	}

	ctx, span := otel.StartSpan(r.Context(), "promoloop", "validate_scenario")
	defer span.End()

	kpi := req.KPI
	if kpi == nil {
		var err error
		kpi, err = s.evaluateWithBaseline(ctx, &req.Scenario, req.Geo)
		if err != nil {
			s.respondError(w, span, err)
			return
		}
	}
	report, err := s.validator.ValidateScenario(&req.Scenario, kpi, nil, nil)
	if err != nil {
		s.respondError(w, span, err)
		return
	}
	span.SetAttributes(otel.AttrStatus.String(string(report.Status)))
	s.metrics.ValidationsByStatus.WithLabelValues(string(report.Status)).Inc()
	respondJSON(w, http.StatusOK, report)
}

type compareRequest struct {
	KPIs []*promo.ScenarioKPI `json:"kpis"`
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	var req compareRequest
	if !s.acceptPost(w, r, &req) {
		return
	}
	report, err := postmortem.Compare(req.KPIs)
	if err != nil {
		s.respondError(w, nil, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

type optimizeRequest struct {
	Brief       promo.Brief        `json:"brief"`
	Geo         string             `json:"geo,omitempty"`
	Constraints *promo.Constraints `json:"constraints,omitempty"`
	Objectives  promo.Objectives   `json:"objectives,omitempty"`
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req optimizeRequest
	if !s.acceptPost(w, r, &req) {
		return
	}

	ctx, span := otel.StartSpan(r.Context(), "promoloop", "optimize")
	defer span.End()

	started := time.Now()
	candidates, err := s.optimizer.GenerateCandidates(req.Brief, req.Constraints)
	if err != nil {
		s.respondError(w, span, err)
		return
	}
	s.metrics.CandidatesGenerated.Add(float64(len(candidates)))
	span.SetAttributes(otel.AttrCandidates.Int(len(candidates)))

	pctx, err := s.buildContext(ctx, req.Geo, req.Brief.DateRange)
	if err != nil {
		s.respondError(w, span, err)
		return
	}
	baseline, err := s.forecaster.CalculateBaseline(ctx, req.Brief.DateRange, pctx)
	if err != nil {
		s.respondError(w, span, err)
		return
	}

	ranked, err := s.optimizer.OptimizeScenarios(candidates, req.Objectives, req.Constraints, baseline, nil)
	s.metrics.OptimizeRuns.Inc()
	s.metrics.OptimizeDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		var infeasible *promo.NoFeasibleScenarioError
		if errors.As(err, &infeasible) {
			s.metrics.InfeasibleRuns.Inc()
		}
		s.respondError(w, span, err)
		return
	}
	span.SetAttributes(otel.AttrSurvivors.Int(len(ranked.Scenarios)))
	respondJSON(w, http.StatusOK, ranked)
}

type postMortemRequest struct {
	Scenario    promo.Scenario     `json:"scenario"`
	ForecastKPI *promo.ScenarioKPI `json:"forecast_kpi"`
	Actuals     []promo.SalesRow   `json:"actuals"`
}

func (s *Server) handlePostMortem(w http.ResponseWriter, r *http.Request) {
	var req postMortemRequest
	if !s.acceptPost(w, r, &req) {
		return
	}

	_, span := otel.StartSpan(r.Context(), "promoloop", "post_mortem")
	defer span.End()

	report, err := s.analyzer.AnalyzePerformance(&req.Scenario, req.ForecastKPI, req.Actuals)
	if err != nil {
		s.respondError(w, span, err)
		return
	}
	s.metrics.PostMortems.Inc()
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	model := s.uplifter.Holder().Current()
	if model == nil {
		http.Error(w, "No uplift model loaded", http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, model)
}

type modelBuildRequest struct {
	DateRange   promo.DateRange    `json:"date_range"`
	Constraints *promo.Constraints `json:"constraints,omitempty"`
}

func (s *Server) handleModelBuild(w http.ResponseWriter, r *http.Request) {
	var req modelBuildRequest
	if !s.acceptPost(w, r, &req) {
		return
	}

	ctx, span := otel.StartSpan(r.Context(), "promoloop", "model_build")
	defer span.End()

	rows, err := s.store.GetAggregatedSales(ctx, req.DateRange, histdata.Filters{})
	if err != nil {
		s.respondError(w, span, err)
		return
	}
	model, err := s.uplifter.BuildModel(rows, req.Constraints)
	if err != nil {
		s.respondError(w, span, err)
		return
	}
	if _, err := s.uplifter.Holder().Swap(model); err != nil {
		s.respondError(w, span, err)
		return
	}
	s.metrics.ModelUpdates.Inc()
	span.SetAttributes(otel.AttrModelVersion.String(model.Version))
	respondJSON(w, http.StatusOK, model)
}

type modelLearnRequest struct {
	PostMortems []*promo.PostMortemReport `json:"post_mortems"`
}

func (s *Server) handleModelLearn(w http.ResponseWriter, r *http.Request) {
	var req modelLearnRequest
	if !s.acceptPost(w, r, &req) {
		return
	}

	_, span := otel.StartSpan(r.Context(), "promoloop", "model_learn")
	defer span.End()

	current := s.uplifter.Holder().Current()
	proposed, err := s.learner.UpdateUpliftModel(current, req.PostMortems)
	if err != nil {
		s.respondError(w, span, err)
		return
	}
	if _, err := s.uplifter.Holder().Swap(proposed); err != nil {
		s.respondError(w, span, err)
		return
	}
	s.metrics.ModelUpdates.Inc()
	span.SetAttributes(otel.AttrModelVersion.String(proposed.Version))
	respondJSON(w, http.StatusOK, proposed)
}

// buildContext assembles promo context when a geo is supplied; engines accept
// a nil context and skip the contextual adjustments.
func (s *Server) buildContext(ctx context.Context, geo string, dr promo.DateRange) (*promo.PromoContext, error) {
	if geo == "" {
		return nil, nil
	}
	return s.assembler.BuildContext(ctx, geo, dr)
}

// acceptPost enforces method, rate limit and body decoding for POST handlers.
func (s *Server) acceptPost(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if !s.limiter.Allow() {
		s.metrics.RateLimited.Inc()
		w.Header().Set("Retry-After", "10")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return false
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20)) // 4MB limit
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, into); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

type errorResponse struct {
	Error string `json:"error"`
	Type  string `json:"type"`
}

func (s *Server) respondError(w http.ResponseWriter, span trace.Span, err error) {
	if span != nil {
		otel.RecordError(span, err)
	}
	var (
		configErr     *promo.ConfigurationError
		dataErr       *promo.InsufficientDataError
		infeasibleErr *promo.NoFeasibleScenarioError
	)
	status := http.StatusInternalServerError
	errType := "internal"
	switch {
	case errors.As(err, &configErr):
		status, errType = http.StatusBadRequest, "configuration_error"
	case errors.As(err, &dataErr):
		status, errType = http.StatusUnprocessableEntity, "insufficient_data"
	case errors.As(err, &infeasibleErr):
		status, errType = http.StatusConflict, "no_feasible_scenario"
	}
	respondJSON(w, status, errorResponse{Error: err.Error(), Type: errType})
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.Handler()
	if !s.metricsAuth.enabled {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.metricsAuth.user || pass != s.metricsAuth.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func loadModel(path string) (*promo.UpliftModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var model promo.UpliftModel
	if err := json.Unmarshal(data, &model); err != nil {
		return nil, err
	}
	return &model, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
