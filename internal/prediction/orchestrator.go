// Package prediction orchestrates the serving path: normalize the request,
// fingerprint it, consult the content-addressed cache, load the active
// model's predictor, infer, explain, cache, audit, and publish.
//
// The orchestrator degrades instead of failing wherever the spec of the
// surrounding system allows it: cache errors read as misses and skipped
// puts, audit appends are best-effort, event publication never gates a
// response, and a type without an Active model serves its configured
// rule-based fallback flagged degraded.
package prediction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/foresight-io/foresight/internal/audit"
	"github.com/foresight-io/foresight/internal/cache"
	"github.com/foresight-io/foresight/internal/config"
	"github.com/foresight-io/foresight/internal/events"
	"github.com/foresight-io/foresight/internal/explain"
	"github.com/foresight-io/foresight/internal/fallback"
	"github.com/foresight-io/foresight/internal/fingerprint"
	"github.com/foresight-io/foresight/internal/model"
	"github.com/foresight-io/foresight/internal/predictor"
	"github.com/foresight-io/foresight/internal/registry"
)

const (
	// loadRetryBackoff separates the two artifact load attempts the hot
	// path is willing to make before surfacing the failure.
	loadRetryBackoff = 250 * time.Millisecond

	// z80 converts the served 95% interval margin into an 80% band.
	z80 = 1.2816
	z95 = 1.96
)

// Default TTLs per model type. Forecasts age faster than geometry-derived
// estimates; price quotes age fastest.
var defaultTTLs = map[model.ModelType]time.Duration{
	model.ModelTypePrintTime:           24 * time.Hour,
	model.ModelTypeDemandForecast:      6 * time.Hour,
	model.ModelTypePriceOptimization:   time.Hour,
	model.ModelTypeChurnPrediction:     24 * time.Hour,
	model.ModelTypeMaterialDemand:      12 * time.Hour,
	model.ModelTypeBottleneckDetection: 6 * time.Hour,
}

type (
	// Caller identifies the requesting principal for audit attribution.
	// The transport layer stores one in the request context.
	Caller struct {
		RequestID string
		UserID    string
		TenantID  string
	}

	// Factor is one explanation entry in a response.
	Factor struct {
		Name   string  `json:"name"`
		Weight float64 `json:"weight"`
		Trend  string  `json:"trend,omitempty"`
		Phrase string  `json:"phrase,omitempty"`
	}

	// Explanation is the client-facing explanation block.
	Explanation struct {
		TopFactors    []Factor `json:"top_factors"`
		HumanReadable string   `json:"human_readable"`
	}

	// Envelope is the response core shared by every prediction operation.
	Envelope struct {
		PredictedValue  float64           `json:"predicted_value"`
		Unit            string            `json:"unit"`
		ConfidenceLower float64           `json:"confidence_lower"`
		ConfidenceUpper float64           `json:"confidence_upper"`
		Explanation     Explanation       `json:"explanation"`
		ModelVersion    string            `json:"model_version"`
		CacheStatus     model.CacheStatus `json:"cache_status"`
		Timestamp       time.Time         `json:"timestamp"`

		// Degraded marks a rule-based fallback response served because
		// the type had no Active model.
		Degraded bool `json:"degraded,omitempty"`

		Metadata map[string]string `json:"metadata,omitempty"`
	}

	// Orchestrator wires the serving dependencies together.
	Orchestrator struct {
		registry  *registry.Registry
		loader    *predictor.Loader
		cache     cache.Cache
		audit     *audit.Log
		explainer *explain.Explainer
		fallback  *fallback.Responder
		publisher events.Publisher
		logger    *slog.Logger

		customers    CustomerReader
		materials    MaterialReader
		workstations WorkstationReader

		maxGeometryBytes int64
		ttls             map[model.ModelType]time.Duration
	}

	// OrchestratorOption configures optional Orchestrator behavior.
	OrchestratorOption func(*Orchestrator)
)

type callerKey struct{}

// WithCaller stores the caller identity in the context.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFromContext extracts the caller identity from the context. Returns
// the zero Caller when none was stored.
func CallerFromContext(ctx context.Context) Caller {
	if c, ok := ctx.Value(callerKey{}).(Caller); ok {
		return c
	}

	return Caller{}
}

// WithFallback installs the rule-based fallback responder.
func WithFallback(r *fallback.Responder) OrchestratorOption {
	return func(o *Orchestrator) {
		if r != nil {
			o.fallback = r
		}
	}
}

// WithPublisher installs the domain event publisher.
func WithPublisher(p events.Publisher) OrchestratorOption {
	return func(o *Orchestrator) {
		if p != nil {
			o.publisher = p
		}
	}
}

// WithExplainer overrides the default explainer.
func WithExplainer(e *explain.Explainer) OrchestratorOption {
	return func(o *Orchestrator) {
		if e != nil {
			o.explainer = e
		}
	}
}

// WithCustomerReader installs the profile source for churn scoring.
func WithCustomerReader(r CustomerReader) OrchestratorOption {
	return func(o *Orchestrator) {
		o.customers = r
	}
}

// WithMaterialReader installs the inventory source for material demand.
func WithMaterialReader(r MaterialReader) OrchestratorOption {
	return func(o *Orchestrator) {
		o.materials = r
	}
}

// WithWorkstationReader installs the load source for bottleneck detection.
func WithWorkstationReader(r WorkstationReader) OrchestratorOption {
	return func(o *Orchestrator) {
		o.workstations = r
	}
}

// WithMaxGeometryBytes overrides the geometry payload cap.
func WithMaxGeometryBytes(n int64) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxGeometryBytes = n
		}
	}
}

// WithCacheTTL overrides the cache TTL for one model type.
func WithCacheTTL(t model.ModelType, ttl time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if ttl > 0 {
			o.ttls[t] = ttl
		}
	}
}

// WithOrchestratorLogger overrides the default JSON logger.
func WithOrchestratorLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewOrchestrator creates the serving orchestrator.
func NewOrchestrator(reg *registry.Registry, loader *predictor.Loader, c cache.Cache, log *audit.Log, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		registry:  reg,
		loader:    loader,
		cache:     c,
		audit:     log,
		explainer: explain.New(),
		fallback:  fallback.NewResponder(nil),
		publisher: events.NopPublisher{},
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		maxGeometryBytes: config.GetEnvInt64("FORESIGHT_MAX_GEOMETRY_BYTES", DefaultMaxGeometryBytes),
		ttls:             make(map[model.ModelType]time.Duration, len(defaultTTLs)),
	}

	for t, ttl := range defaultTTLs {
		o.ttls[t] = ttl
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// TTLFor returns the cache TTL for a model type.
func (o *Orchestrator) TTLFor(t model.ModelType) time.Duration {
	if ttl, ok := o.ttls[t]; ok {
		return ttl
	}

	return time.Hour
}

// resolveActive returns the type's Active model.
func (o *Orchestrator) resolveActive(ctx context.Context, t model.ModelType) (*model.Model, error) {
	return o.registry.GetActive(ctx, t)
}

// loadPredictor fetches the Active model's predictor, retrying once after a
// short backoff so a transient artifact-store hiccup does not fail the
// request.
func (o *Orchestrator) loadPredictor(ctx context.Context, m *model.Model) (predictor.Predictor, error) {
	p, err := o.loader.Load(ctx, m)
	if err == nil {
		return p, nil
	}

	if errors.Is(err, model.ErrValidation) {
		return nil, err
	}

	select {
	case <-time.After(loadRetryBackoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p, retryErr := o.loader.Load(ctx, m)
	if retryErr != nil {
		return nil, fmt.Errorf("%w (after retry)", retryErr)
	}

	o.logger.WarnContext(ctx, "Predictor load succeeded on retry",
		slog.String("model_type", string(m.Type)),
		slog.String("version", m.Version.String()),
		slog.String("first_error", err.Error()),
	)

	return p, nil
}

// fromCache decodes a cached response into out. Any failure reads as a miss.
func (o *Orchestrator) fromCache(ctx context.Context, key string, out interface{}) bool {
	payload, hit, err := o.cache.Get(ctx, key)
	if err != nil {
		o.logger.WarnContext(ctx, "Cache read failed, treating as miss",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)

		return false
	}

	if !hit {
		return false
	}

	if err := json.Unmarshal(payload, out); err != nil {
		o.logger.WarnContext(ctx, "Cached payload undecodable, treating as miss",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)

		return false
	}

	return true
}

// toCache stores a response. Failures are logged and skipped.
func (o *Orchestrator) toCache(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	payload, err := json.Marshal(value)
	if err != nil {
		o.logger.WarnContext(ctx, "Response not cacheable",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)

		return
	}

	if err := o.cache.Put(ctx, key, payload, ttl); err != nil {
		o.logger.WarnContext(ctx, "Cache write failed, skipping put",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

// auditOutcome appends one audit entry for the attempt. requestID is
// generated when the caller carried none so feedback can still attach.
func (o *Orchestrator) auditOutcome(ctx context.Context, t model.ModelType, version, fp string, input string, output interface{}, confidence *float64, status model.CacheStatus, started time.Time, serveErr error) string {
	caller := CallerFromContext(ctx)
	if caller.RequestID == "" {
		caller.RequestID = uuid.NewString()
	}

	entry := model.AuditEntry{
		RequestID:    caller.RequestID,
		ModelType:    t,
		ModelVersion: version,
		Fingerprint:  fp,
		Input:        json.RawMessage(input),
		Confidence:   confidence,
		ResponseMS:   time.Since(started).Milliseconds(),
		CacheStatus:  status,
		UserID:       caller.UserID,
		TenantID:     caller.TenantID,
	}

	if serveErr != nil {
		entry.Error = serveErr.Error()
	} else if output != nil {
		if payload, err := json.Marshal(output); err == nil {
			entry.Output = payload
		}
	}

	o.audit.Record(entry)

	return caller.RequestID
}

// publishCompleted emits the fire-and-forget completion event.
func (o *Orchestrator) publishCompleted(ctx context.Context, requestID string, t model.ModelType, version string) {
	event := model.PredictionCompleted{
		RequestID:    requestID,
		ModelType:    t,
		ModelVersion: version,
		Timestamp:    time.Now().UTC(),
	}

	if err := o.publisher.Publish(ctx, event); err != nil {
		o.logger.WarnContext(ctx, "Completion event not published",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
	}
}

// degraded evaluates the type's fallback rule into a response core.
// Returns false when no rule is configured, in which case the caller
// surfaces ErrNoActiveModel.
func (o *Orchestrator) degraded(ctx context.Context, t model.ModelType, inputs map[string]float64) (Envelope, bool) {
	estimate, ok := o.fallback.Evaluate(t, inputs)
	if !ok {
		return Envelope{}, false
	}

	o.logger.WarnContext(ctx, "Serving rule-based fallback",
		slog.String("model_type", string(t)),
	)

	return Envelope{
		PredictedValue:  estimate.Value,
		Unit:            estimate.Unit,
		ConfidenceLower: estimate.Value,
		ConfidenceUpper: estimate.Value,
		CacheStatus:     model.CacheBypass,
		Timestamp:       time.Now().UTC(),
		Degraded:        true,
	}, true
}

// finishDegraded audits and announces a fallback response once the
// operation has shaped the final document.
func (o *Orchestrator) finishDegraded(ctx context.Context, t model.ModelType, fp, input string, output interface{}, started time.Time) {
	requestID := o.auditOutcome(ctx, t, "", fp, input, output, nil, model.CacheBypass, started, nil)
	o.publishCompleted(ctx, requestID, t, "")
}

// envelope assembles the response core for a fresh inference.
func (o *Orchestrator) envelope(t model.ModelType, m *model.Model, est predictor.Estimate, inputs map[string]float64, stats map[string]predictor.FeatureStats, unit, fp string) Envelope {
	explanation := o.explainer.Explain(t, est, inputs, stats)

	return Envelope{
		PredictedValue:  est.Value,
		Unit:            unit,
		ConfidenceLower: est.Lower,
		ConfidenceUpper: est.Upper,
		Explanation:     toExplanation(explanation),
		ModelVersion:    m.Version.String(),
		CacheStatus:     model.CacheMiss,
		Timestamp:       time.Now().UTC(),
		Metadata: map[string]string{
			"model_id":    m.ID,
			"fingerprint": fp,
		},
	}
}

func toExplanation(expl explain.Explanation) Explanation {
	out := Explanation{
		TopFactors:    make([]Factor, 0, len(expl.Factors)),
		HumanReadable: expl.Summary,
	}

	for _, f := range expl.Factors {
		out.TopFactors = append(out.TopFactors, Factor{
			Name:   f.Name,
			Weight: f.Weight,
			Trend:  string(f.Trend),
			Phrase: f.Phrase,
		})
	}

	return out
}

// canonicalInput renders the audit form of the request parameters.
func canonicalInput(params map[string]interface{}) string {
	canonical, err := fingerprint.Canonicalize(params)
	if err != nil {
		return "{}"
	}

	return canonical
}
