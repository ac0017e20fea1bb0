package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/foresight-io/foresight/internal/api/middleware"
	"github.com/foresight-io/foresight/internal/model"
	"github.com/foresight-io/foresight/internal/prediction"
	"github.com/foresight-io/foresight/internal/storage"
)

// testServiceKey is a well-formed 77-character service key used by unit
// tests. Not a real credential.
const testServiceKey = "foresight_sk_abababababababababababababababababababababababababababababababab" // pragma: allowlist secret

func newTestConfig() *ServerConfig {
	return &ServerConfig{
		Port:               8080,
		Host:               "localhost",
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       30 * time.Second,
		ShutdownTimeout:    30 * time.Second,
		LogLevel:           slog.LevelError,
		MaxRequestSize:     defaultMaxRequestSize,
		MaxUploadSize:      defaultMaxUploadSize,
		CORSAllowedOrigins: []string{"*"},
		CORSAllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		CORSAllowedHeaders: []string{"Content-Type", "Authorization", "X-Correlation-ID", "X-Api-Key"},
		CORSMaxAge:         86400,
	}
}

func serveRequest(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rr, req)

	return rr
}

// withGatewayIdentity stamps the request with the identity headers the
// platform gateway injects after authenticating the end user.
func withGatewayIdentity(req *http.Request, userID string, roles ...middleware.Role) *http.Request {
	names := make([]string, len(roles))
	for i, role := range roles {
		names[i] = string(role)
	}

	req.Header.Set("X-User-Id", userID)
	req.Header.Set("X-Tenant-Id", "tenant-7")
	req.Header.Set("X-Roles", strings.Join(names, ","))

	return req
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	return req
}

func decodeProblem(t *testing.T, rr *httptest.ResponseRecorder) ProblemDetail {
	t.Helper()

	if ct := rr.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("error Content-Type = %q, want application/problem+json", ct)
	}

	var problem ProblemDetail
	if err := json.Unmarshal(rr.Body.Bytes(), &problem); err != nil {
		t.Fatalf("failed to decode problem response: %v (body %s)", err, rr.Body.String())
	}

	return problem
}

// authEnabledKeyStore returns a key store that recognizes testServiceKey
// with the given roles. Its presence alone switches authentication on.
func authEnabledKeyStore(roles ...string) *middleware.MockKeyStore {
	return &middleware.MockKeyStore{
		FindByKeyFunc: func(_ context.Context, key string) (*storage.ServiceKey, bool) {
			if key != testServiceKey {
				return nil, false
			}

			return &storage.ServiceKey{
				ID:        "key-1",
				Key:       testServiceKey,
				ServiceID: "test-service",
				Name:      "Test Service",
				Roles:     roles,
				CreatedAt: time.Now(),
				Active:    true,
			}, true
		},
	}
}

// Stub collaborators. Unset function fields answer with canned fixtures so
// tests only wire the behavior they assert on.

func testEnvelope() prediction.Envelope {
	return prediction.Envelope{
		PredictedValue:  42,
		Unit:            "units",
		ConfidenceLower: 40,
		ConfidenceUpper: 44,
		ModelVersion:    "1.2.0",
		CacheStatus:     model.CacheMiss,
		Timestamp:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

type stubEngine struct {
	printTime  func(ctx context.Context, req prediction.PrintTimeRequest) (*prediction.PrintTimeResponse, error)
	demand     func(ctx context.Context, req prediction.DemandForecastRequest) (*prediction.DemandForecastResponse, error)
	price      func(ctx context.Context, req prediction.PriceRequest) (*prediction.PriceResponse, error)
	churn      func(ctx context.Context, customerID string) (*prediction.ChurnRiskResponse, error)
	material   func(ctx context.Context, req prediction.MaterialDemandRequest) (*prediction.MaterialDemandResponse, error)
	bottleneck func(ctx context.Context, req prediction.BottleneckRequest) (*prediction.BottleneckResponse, error)
}

func (e *stubEngine) PredictPrintTime(ctx context.Context, req prediction.PrintTimeRequest) (*prediction.PrintTimeResponse, error) {
	if e.printTime != nil {
		return e.printTime(ctx, req)
	}

	return &prediction.PrintTimeResponse{Envelope: testEnvelope()}, nil
}

func (e *stubEngine) ForecastDemand(ctx context.Context, req prediction.DemandForecastRequest) (*prediction.DemandForecastResponse, error) {
	if e.demand != nil {
		return e.demand(ctx, req)
	}

	return &prediction.DemandForecastResponse{Envelope: testEnvelope(), ProductID: req.ProductID}, nil
}

func (e *stubEngine) RecommendPrice(ctx context.Context, req prediction.PriceRequest) (*prediction.PriceResponse, error) {
	if e.price != nil {
		return e.price(ctx, req)
	}

	return &prediction.PriceResponse{Envelope: testEnvelope(), OptimalPrice: 55.5}, nil
}

func (e *stubEngine) ScoreChurn(ctx context.Context, customerID string) (*prediction.ChurnRiskResponse, error) {
	if e.churn != nil {
		return e.churn(ctx, customerID)
	}

	return &prediction.ChurnRiskResponse{Envelope: testEnvelope(), CustomerID: customerID, RiskScore: 42, RiskTier: "Medium"}, nil
}

func (e *stubEngine) ForecastMaterialDemand(ctx context.Context, req prediction.MaterialDemandRequest) (*prediction.MaterialDemandResponse, error) {
	if e.material != nil {
		return e.material(ctx, req)
	}

	return &prediction.MaterialDemandResponse{Envelope: testEnvelope(), MaterialSKU: req.MaterialSKU}, nil
}

func (e *stubEngine) DetectBottlenecks(ctx context.Context, req prediction.BottleneckRequest) (*prediction.BottleneckResponse, error) {
	if e.bottleneck != nil {
		return e.bottleneck(ctx, req)
	}

	return &prediction.BottleneckResponse{Envelope: testEnvelope(), FacilityID: req.FacilityID}, nil
}

type stubBatches struct {
	submit  func(ctx context.Context, items []prediction.BatchItem) (string, error)
	status  func(id string) (prediction.BatchStatus, bool)
	results func(id string) ([]prediction.BatchResult, prediction.BatchStatus, bool)
}

func (b *stubBatches) Submit(ctx context.Context, items []prediction.BatchItem) (string, error) {
	if b.submit != nil {
		return b.submit(ctx, items)
	}

	return "batch-1", nil
}

func (b *stubBatches) Status(id string) (prediction.BatchStatus, bool) {
	if b.status != nil {
		return b.status(id)
	}

	return prediction.BatchStatus{ID: id, State: prediction.BatchQueued, Total: 1, SubmittedAt: time.Now().UTC()}, true
}

func (b *stubBatches) Results(id string) ([]prediction.BatchResult, prediction.BatchStatus, bool) {
	if b.results != nil {
		return b.results(id)
	}

	return nil, prediction.BatchStatus{ID: id, State: prediction.BatchQueued}, true
}

func activeModelFixture(t model.ModelType) *model.Model {
	deployed := time.Date(2025, 5, 20, 8, 0, 0, 0, time.UTC)

	return &model.Model{
		ID:         "model-1",
		Type:       t,
		Version:    model.Version{Major: 1, Minor: 2, Patch: 0},
		Status:     model.StatusActive,
		TrainedAt:  deployed.Add(-2 * time.Hour),
		DeployedAt: &deployed,
		Metrics: model.Metrics{
			Kind: model.MetricKindRegression,
			Values: map[model.MetricName]float64{
				model.MetricR2:  0.9,
				model.MetricMAE: 4.2,
			},
			SampleCount: 200,
		},
		DatasetSize: 5000,
		CreatedAt:   deployed.Add(-2 * time.Hour),
		UpdatedAt:   deployed,
	}
}

type stubRegistry struct {
	getActive    func(ctx context.Context, t model.ModelType) (*model.Model, error)
	listVersions func(ctx context.Context, t model.ModelType, statuses ...model.ModelStatus) ([]*model.Model, error)
	deploy       func(ctx context.Context, candidateID string, canaryPercent int, promotedBy string) (*model.Model, error)
	rollback     func(ctx context.Context, targetID, reason string) (*model.Model, error)
	health       func(ctx context.Context) error
}

func (r *stubRegistry) GetActive(ctx context.Context, t model.ModelType) (*model.Model, error) {
	if r.getActive != nil {
		return r.getActive(ctx, t)
	}

	return activeModelFixture(t), nil
}

func (r *stubRegistry) ListVersions(ctx context.Context, t model.ModelType, statuses ...model.ModelStatus) ([]*model.Model, error) {
	if r.listVersions != nil {
		return r.listVersions(ctx, t, statuses...)
	}

	return []*model.Model{activeModelFixture(t)}, nil
}

func (r *stubRegistry) Deploy(ctx context.Context, candidateID string, canaryPercent int, promotedBy string) (*model.Model, error) {
	if r.deploy != nil {
		return r.deploy(ctx, candidateID, canaryPercent, promotedBy)
	}

	m := activeModelFixture(model.ModelTypePrintTime)
	m.ID = candidateID

	return m, nil
}

func (r *stubRegistry) Rollback(ctx context.Context, targetID, reason string) (*model.Model, error) {
	if r.rollback != nil {
		return r.rollback(ctx, targetID, reason)
	}

	m := activeModelFixture(model.ModelTypePrintTime)
	m.ID = targetID
	m.Metadata = map[string]string{model.MetaRollbackReason: reason}

	return m, nil
}

func (r *stubRegistry) HealthCheck(ctx context.Context) error {
	if r.health != nil {
		return r.health(ctx)
	}

	return nil
}

func trainingJobFixture(t model.ModelType) *model.TrainingJob {
	return &model.TrainingJob{
		ID:        "job-1",
		ModelType: t,
		Status:    model.JobPending,
		Trigger:   model.TriggerManual,
		StartedAt: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}
}

type stubTrainer struct {
	trigger func(ctx context.Context, t model.ModelType, trigger model.TrainingTrigger) (*model.TrainingJob, error)
	recent  func(ctx context.Context, t model.ModelType, limit int) ([]*model.TrainingJob, error)
}

func (s *stubTrainer) Trigger(ctx context.Context, t model.ModelType, trigger model.TrainingTrigger) (*model.TrainingJob, error) {
	if s.trigger != nil {
		return s.trigger(ctx, t, trigger)
	}

	job := trainingJobFixture(t)
	job.Trigger = trigger

	return job, nil
}

func (s *stubTrainer) RecentJobs(ctx context.Context, t model.ModelType, limit int) ([]*model.TrainingJob, error) {
	if s.recent != nil {
		return s.recent(ctx, t, limit)
	}

	return nil, nil
}

type stubAuditReader struct {
	recentByRequest    func(ctx context.Context, requestID string, limit int) ([]model.AuditEntry, error)
	recentWithOutcomes func(ctx context.Context, t model.ModelType, version string, since time.Time) ([]model.AuditEntry, error)
	countSince         func(ctx context.Context, t model.ModelType, since time.Time) (int64, error)
}

func (s *stubAuditReader) RecentByRequest(ctx context.Context, requestID string, limit int) ([]model.AuditEntry, error) {
	if s.recentByRequest != nil {
		return s.recentByRequest(ctx, requestID, limit)
	}

	return nil, nil
}

func (s *stubAuditReader) RecentWithOutcomes(ctx context.Context, t model.ModelType, version string, since time.Time) ([]model.AuditEntry, error) {
	if s.recentWithOutcomes != nil {
		return s.recentWithOutcomes(ctx, t, version, since)
	}

	return nil, nil
}

func (s *stubAuditReader) CountSince(ctx context.Context, t model.ModelType, since time.Time) (int64, error) {
	if s.countSince != nil {
		return s.countSince(ctx, t, since)
	}

	return 0, nil
}

type stubPurger struct {
	purge func(ctx context.Context, userID string) (int64, error)
}

func (s *stubPurger) PurgeUser(ctx context.Context, userID string) (int64, error) {
	if s.purge != nil {
		return s.purge(ctx, userID)
	}

	return 0, nil
}

func TestLivenessProbeBypassesAuthentication(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// Authentication on, no credentials: probes must still answer.
	server := NewServer(newTestConfig(), Dependencies{KeyStore: authEnabledKeyStore()})

	req := httptest.NewRequest(http.MethodGet, "/predictionservice/liveness", nil)
	rr := serveRequest(server, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("liveness status = %d, want %d. Body: %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	if body := rr.Body.String(); body != "alive" {
		t.Errorf("liveness body = %q, want %q", body, "alive")
	}

	if rr.Header().Get("X-Foresight-Version") == "" {
		t.Error("expected X-Foresight-Version header on liveness response")
	}

	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Error("expected X-Correlation-ID header on liveness response")
	}
}

func TestReadinessProbe(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	storageDown := &stubRegistry{health: func(context.Context) error {
		return context.DeadlineExceeded
	}}

	tests := []struct {
		name       string
		registry   ModelRegistry
		wantStatus int
		wantBody   string
	}{
		{
			name:       "healthy registry reports ready",
			registry:   &stubRegistry{},
			wantStatus: http.StatusOK,
			wantBody:   "ready",
		},
		{
			name:       "unreachable storage reports unavailable",
			registry:   storageDown,
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "storage unavailable",
		},
		{
			name:       "no registry degrades to ready",
			registry:   nil,
			wantStatus: http.StatusOK,
			wantBody:   "ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := NewServer(newTestConfig(), Dependencies{Registry: tt.registry})

			req := httptest.NewRequest(http.MethodGet, "/predictionservice/readiness", nil)
			rr := serveRequest(server, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("readiness status = %d, want %d", rr.Code, tt.wantStatus)
			}

			if body := rr.Body.String(); body != tt.wantBody {
				t.Errorf("readiness body = %q, want %q", body, tt.wantBody)
			}
		})
	}
}

func TestServiceHealthEndpoint(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	server := NewServer(newTestConfig(), Dependencies{})

	req := httptest.NewRequest(http.MethodGet, "/predictionservice/health", nil)
	rr := serveRequest(server, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", rr.Code, http.StatusOK)
	}

	var health HealthStatus
	if err := json.Unmarshal(rr.Body.Bytes(), &health); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}

	if health.Status != "healthy" {
		t.Errorf("health.Status = %q, want %q", health.Status, "healthy")
	}

	if health.ServiceName != "foresight" {
		t.Errorf("health.ServiceName = %q, want %q", health.ServiceName, "foresight")
	}

	if health.Version == "" {
		t.Error("health.Version is empty")
	}
}

func TestUnknownRouteReturnsProblem(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	server := NewServer(newTestConfig(), Dependencies{})

	req := httptest.NewRequest(http.MethodGet, "/predictions/v1/telepathy", nil)
	rr := serveRequest(server, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}

	problem := decodeProblem(t, rr)

	if problem.Title != "Not Found" {
		t.Errorf("problem.Title = %q, want %q", problem.Title, "Not Found")
	}

	if problem.Instance != "/predictions/v1/telepathy" {
		t.Errorf("problem.Instance = %q, want request path", problem.Instance)
	}

	if problem.CorrelationID == "" {
		t.Error("problem.CorrelationID is empty")
	}
}

func TestAuthenticationAtTheServerBoundary(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	deps := Dependencies{
		Engine:   &stubEngine{},
		KeyStore: authEnabledKeyStore(string(middleware.RolePredictionUser)),
	}
	server := NewServer(newTestConfig(), deps)

	t.Run("missing credentials returns 401", func(t *testing.T) {
		req := jsonRequest(http.MethodPost, "/predictions/v1/demand-forecast", `{"product_id":"p1","horizon":7}`)
		rr := serveRequest(server, req)

		if rr.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d. Body: %s", rr.Code, http.StatusUnauthorized, rr.Body.String())
		}
	})

	t.Run("service key authenticates", func(t *testing.T) {
		req := jsonRequest(http.MethodPost, "/predictions/v1/demand-forecast", `{"product_id":"p1","horizon":7}`)
		req.Header.Set("X-Api-Key", testServiceKey)

		rr := serveRequest(server, req)

		if rr.Code != http.StatusOK {
			t.Errorf("status = %d, want %d. Body: %s", rr.Code, http.StatusOK, rr.Body.String())
		}
	})

	t.Run("gateway identity authenticates", func(t *testing.T) {
		req := jsonRequest(http.MethodPost, "/predictions/v1/demand-forecast", `{"product_id":"p1","horizon":7}`)
		req = withGatewayIdentity(req, "user-9", middleware.RolePredictionUser)

		rr := serveRequest(server, req)

		if rr.Code != http.StatusOK {
			t.Errorf("status = %d, want %d. Body: %s", rr.Code, http.StatusOK, rr.Body.String())
		}
	})

	t.Run("unknown service key returns 401", func(t *testing.T) {
		req := jsonRequest(http.MethodPost, "/predictions/v1/demand-forecast", `{"product_id":"p1","horizon":7}`)
		req.Header.Set("X-Api-Key", "foresight_sk_cdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcd") // pragma: allowlist secret

		rr := serveRequest(server, req)

		if rr.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
		}
	})
}

func TestRoleEnforcement(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	deps := Dependencies{
		Engine:      &stubEngine{},
		Batches:     &stubBatches{},
		Registry:    &stubRegistry{},
		Trainer:     &stubTrainer{},
		AuditReader: &stubAuditReader{},
		Purger:      &stubPurger{},
		KeyStore:    authEnabledKeyStore(),
	}
	server := NewServer(newTestConfig(), deps)

	tests := []struct {
		name       string
		method     string
		target     string
		body       string
		roles      []middleware.Role
		wantStatus int
	}{
		{
			name:       "prediction user may predict",
			method:     http.MethodPost,
			target:     "/predictions/v1/material-demand",
			body:       `{"material_sku":"PLA-1","horizon":14}`,
			roles:      []middleware.Role{middleware.RolePredictionUser},
			wantStatus: http.StatusOK,
		},
		{
			name:       "prediction user may not list versions",
			method:     http.MethodGet,
			target:     "/predictions/v1/models/print-time/versions",
			roles:      []middleware.Role{middleware.RolePredictionUser},
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "data scientist may list versions",
			method:     http.MethodGet,
			target:     "/predictions/v1/models/print-time/versions",
			roles:      []middleware.Role{middleware.RoleDataScientist},
			wantStatus: http.StatusOK,
		},
		{
			name:       "prediction admin may trigger training",
			method:     http.MethodPost,
			target:     "/predictions/v1/models/print-time/train",
			roles:      []middleware.Role{middleware.RolePredictionAdmin},
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "prediction admin may not deploy",
			method:     http.MethodPost,
			target:     "/predictions/v1/models/model-1/deploy",
			roles:      []middleware.Role{middleware.RolePredictionAdmin},
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "data scientist may deploy",
			method:     http.MethodPost,
			target:     "/predictions/v1/models/model-1/deploy",
			roles:      []middleware.Role{middleware.RoleDataScientist},
			wantStatus: http.StatusOK,
		},
		{
			name:       "data scientist may not read audit trails",
			method:     http.MethodGet,
			target:     "/predictions/v1/audit/req-1",
			roles:      []middleware.Role{middleware.RoleDataScientist},
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "prediction user may not purge users",
			method:     http.MethodDelete,
			target:     "/predictions/v1/user/user-1",
			roles:      []middleware.Role{middleware.RolePredictionUser},
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "prediction admin may purge users",
			method:     http.MethodDelete,
			target:     "/predictions/v1/user/user-1",
			roles:      []middleware.Role{middleware.RolePredictionAdmin},
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req *http.Request
			if tt.body != "" {
				req = jsonRequest(tt.method, tt.target, tt.body)
			} else {
				req = httptest.NewRequest(tt.method, tt.target, nil)
			}

			req = withGatewayIdentity(req, "user-9", tt.roles...)
			rr := serveRequest(server, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d. Body: %s", rr.Code, tt.wantStatus, rr.Body.String())
			}
		})
	}
}

func TestAnonymousAccessWhenAuthDisabled(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// No key store configured: every handler runs with a permissive
	// anonymous principal. Development mode only.
	server := NewServer(newTestConfig(), Dependencies{Registry: &stubRegistry{}})

	req := httptest.NewRequest(http.MethodGet, "/predictions/v1/models/print-time/versions", nil)
	rr := serveRequest(server, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d. Body: %s", rr.Code, http.StatusOK, rr.Body.String())
	}
}
