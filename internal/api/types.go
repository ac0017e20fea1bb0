package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/foresight-io/foresight/internal/model"
	"github.com/foresight-io/foresight/internal/prediction"
)

// Request payloads. These are separate from the domain request types to
// decouple the API contract from internal domain types; mapping functions
// below perform the translation. Dates are accepted as "2006-01-02" or
// RFC 3339.
type (
	// DemandForecastPayload is the body of POST /predictions/v1/demand-forecast.
	DemandForecastPayload struct {
		ProductID    string `json:"product_id"`
		Horizon      int    `json:"horizon"`
		Granularity  string `json:"granularity,omitempty"`
		BaselineDate string `json:"baseline_date,omitempty"`
	}

	// PricePayload is the body of POST /predictions/v1/price-recommendation.
	PricePayload struct {
		MaterialCost     float64   `json:"material_cost"`
		ComplexityScore  float64   `json:"complexity_score"`
		CustomerID       string    `json:"customer_id"`
		CompetitorPrices []float64 `json:"competitor_prices,omitempty"`
	}

	// MaterialDemandPayload is the body of POST /predictions/v1/material-demand.
	MaterialDemandPayload struct {
		MaterialSKU string `json:"material_sku"`
		Horizon     int    `json:"horizon"`
	}

	// BottleneckPayload is the body of POST /predictions/v1/bottleneck-prediction.
	BottleneckPayload struct {
		FacilityID string `json:"facility_id"`
		From       string `json:"from"`
		To         string `json:"to"`
	}

	// PrintTimePayload is the JSON rendition of a print time request, used
	// inside batch submissions. The interactive endpoint uses multipart
	// instead; geometry here is base64-encoded by standard JSON rules.
	PrintTimePayload struct {
		Geometry     []byte  `json:"geometry"`
		Material     string  `json:"material"`
		PrinterModel string  `json:"printer_model,omitempty"`
		LayerHeight  float64 `json:"layer_height"`
		Infill       float64 `json:"infill"`
		NozzleTemp   float64 `json:"nozzle_temp,omitempty"`
		BedTemp      float64 `json:"bed_temp,omitempty"`
		PrintSpeed   float64 `json:"print_speed"`
	}

	// BatchPayload is the body of POST /predictions/v1/batch.
	BatchPayload struct {
		Items []BatchItemPayload `json:"items"`
	}

	// BatchItemPayload is one prediction inside a batch submission. Type
	// selects the prediction family; exactly the matching payload field
	// must be set.
	BatchItemPayload struct {
		Type           string                 `json:"type"`
		PrintTime      *PrintTimePayload      `json:"print_time,omitempty"`
		DemandForecast *DemandForecastPayload `json:"demand_forecast,omitempty"`
		Price          *PricePayload          `json:"price,omitempty"`
		CustomerID     string                 `json:"customer_id,omitempty"`
		MaterialDemand *MaterialDemandPayload `json:"material_demand,omitempty"`
		Bottleneck     *BottleneckPayload     `json:"bottleneck,omitempty"`
	}

	// DeployPayload is the optional body of POST /predictions/v1/models/{id}/deploy.
	// A zero or omitted canary percent means full rollout.
	DeployPayload struct {
		CanaryPercent int `json:"canary_percent"`
	}

	// RollbackPayload is the body of POST /predictions/v1/models/{id}/rollback.
	RollbackPayload struct {
		Reason string `json:"reason"`
	}

	// OutcomePayload is the body of POST /predictions/v1/outcome/{requestId}.
	// ActualValue is a pointer so a missing field is distinguishable from
	// a genuine zero outcome.
	OutcomePayload struct {
		ActualValue *float64 `json:"actual_value"`
	}
)

// Response views.
type (
	// BatchAcceptedResponse is the 202 body of a batch submission.
	BatchAcceptedResponse struct {
		ID          string    `json:"id"`
		State       string    `json:"state"`
		Total       int       `json:"total"`
		SubmittedAt time.Time `json:"submitted_at"`
	}

	// BatchResultsResponse pairs a batch's status with its per-item outcomes.
	BatchResultsResponse struct {
		Status  prediction.BatchStatus   `json:"status"`
		Results []prediction.BatchResult `json:"results"`
	}

	// ModelVersionView is one registry entry in API form.
	ModelVersionView struct {
		ID           string             `json:"id"`
		Type         string             `json:"type"`
		Version      string             `json:"version"`
		Status       string             `json:"status"`
		TrainedAt    time.Time          `json:"trained_at"`
		DeployedAt   *time.Time         `json:"deployed_at,omitempty"`
		DeprecatedAt *time.Time         `json:"deprecated_at,omitempty"`
		DatasetSize  int                `json:"dataset_size"`
		Metrics      map[string]float64 `json:"metrics,omitempty"`
		Metadata     map[string]string  `json:"metadata,omitempty"`
	}

	// ModelVersionsResponse is the body of GET /predictions/v1/models/{type}/versions.
	ModelVersionsResponse struct {
		Type     string             `json:"type"`
		Versions []ModelVersionView `json:"versions"`
	}

	// RollingMetricView reports the live primary metric computed from
	// audited predictions with known outcomes.
	RollingMetricView struct {
		Name        string  `json:"name"`
		Observed    float64 `json:"observed"`
		Baseline    float64 `json:"baseline"`
		SampleCount int     `json:"sample_count"`
		WindowHours int     `json:"window_hours"`
	}

	// ModelHealthResponse is the body of GET /predictions/v1/models/{type}/health.
	ModelHealthResponse struct {
		Type            string             `json:"type"`
		Version         string             `json:"version"`
		Status          string             `json:"status"`
		DeployedAt      *time.Time         `json:"deployed_at,omitempty"`
		TrainingMetrics map[string]float64 `json:"training_metrics,omitempty"`

		// RollingMetric is omitted when too few outcome-bearing audit
		// entries exist in the window to score the live model.
		RollingMetric *RollingMetricView `json:"rolling_metric,omitempty"`

		PredictionVolume24H int64 `json:"prediction_volume_24h"`

		LastTrainingJob *TrainingJobView `json:"last_training_job,omitempty"`
	}

	// TrainingJobView is one training job in API form.
	TrainingJobView struct {
		ID         string             `json:"id"`
		ModelType  string             `json:"model_type"`
		Status     string             `json:"status"`
		Trigger    string             `json:"trigger"`
		DatasetID  string             `json:"dataset_id,omitempty"`
		ModelID    string             `json:"model_id,omitempty"`
		GateReason string             `json:"gate_reason,omitempty"`
		Error      string             `json:"error,omitempty"`
		Metrics    map[string]float64 `json:"metrics,omitempty"`
		StartedAt  time.Time          `json:"started_at"`
		EndedAt    *time.Time         `json:"ended_at,omitempty"`
	}

	// AuditEntryView is one audit record in API form.
	AuditEntryView struct {
		ID                string          `json:"id"`
		RequestID         string          `json:"request_id"`
		ModelType         string          `json:"model_type"`
		ModelVersion      string          `json:"model_version,omitempty"`
		Fingerprint       string          `json:"fingerprint,omitempty"`
		Input             json.RawMessage `json:"input,omitempty"`
		Output            json.RawMessage `json:"output,omitempty"`
		Confidence        *float64        `json:"confidence,omitempty"`
		ResponseMS        int64           `json:"response_ms"`
		CacheStatus       string          `json:"cache_status"`
		UserID            string          `json:"user_id,omitempty"`
		TenantID          string          `json:"tenant_id,omitempty"`
		Error             string          `json:"error,omitempty"`
		CreatedAt         time.Time       `json:"created_at"`
		ActualOutcome     *float64        `json:"actual_outcome,omitempty"`
		OutcomeReceivedAt *time.Time      `json:"outcome_received_at,omitempty"`
	}

	// AuditTrailResponse is the body of GET /predictions/v1/audit/{requestId}.
	AuditTrailResponse struct {
		RequestID string           `json:"request_id"`
		Entries   []AuditEntryView `json:"entries"`
	}

	// PurgeResponse is the body of DELETE /predictions/v1/user/{userId}.
	PurgeResponse struct {
		UserID     string `json:"user_id"`
		PurgedRows int64  `json:"purged_rows"`
	}
)

// parseAPIDate accepts a plain date or a full RFC 3339 timestamp.
func parseAPIDate(value string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t, nil
	}

	return time.Parse(time.RFC3339, value)
}

func mapDemandForecastPayload(p *DemandForecastPayload) (prediction.DemandForecastRequest, error) {
	req := prediction.DemandForecastRequest{
		ProductID:   p.ProductID,
		HorizonDays: p.Horizon,
		Granularity: p.Granularity,
	}

	if p.BaselineDate != "" {
		baseline, err := parseAPIDate(p.BaselineDate)
		if err != nil {
			return req, fmt.Errorf("invalid baseline_date %q", p.BaselineDate)
		}

		req.BaselineDate = baseline
	}

	return req, nil
}

func mapPricePayload(p *PricePayload) prediction.PriceRequest {
	return prediction.PriceRequest{
		MaterialCost:     p.MaterialCost,
		ComplexityScore:  p.ComplexityScore,
		CustomerID:       p.CustomerID,
		CompetitorPrices: p.CompetitorPrices,
	}
}

func mapMaterialDemandPayload(p *MaterialDemandPayload) prediction.MaterialDemandRequest {
	return prediction.MaterialDemandRequest{
		MaterialSKU: p.MaterialSKU,
		HorizonDays: p.Horizon,
	}
}

func mapBottleneckPayload(p *BottleneckPayload) (prediction.BottleneckRequest, error) {
	req := prediction.BottleneckRequest{FacilityID: p.FacilityID}

	if p.From != "" {
		from, err := parseAPIDate(p.From)
		if err != nil {
			return req, fmt.Errorf("invalid from date %q", p.From)
		}

		req.From = from
	}

	if p.To != "" {
		to, err := parseAPIDate(p.To)
		if err != nil {
			return req, fmt.Errorf("invalid to date %q", p.To)
		}

		req.To = to
	}

	return req, nil
}

func mapPrintTimePayload(p *PrintTimePayload) prediction.PrintTimeRequest {
	return prediction.PrintTimeRequest{
		Geometry:      p.Geometry,
		Material:      p.Material,
		PrinterModel:  p.PrinterModel,
		LayerHeightMM: p.LayerHeight,
		InfillPercent: p.Infill,
		NozzleTempC:   p.NozzleTemp,
		BedTempC:      p.BedTemp,
		PrintSpeedMMS: p.PrintSpeed,
	}
}

// mapBatchItemPayload translates one batch item. The item index is only
// used in error messages.
func mapBatchItemPayload(index int, p *BatchItemPayload) (prediction.BatchItem, error) {
	t, err := model.ParseModelType(p.Type)
	if err != nil {
		return prediction.BatchItem{}, fmt.Errorf("item %d: unknown type %q", index, p.Type)
	}

	item := prediction.BatchItem{Type: t, CustomerID: p.CustomerID}

	if p.PrintTime != nil {
		req := mapPrintTimePayload(p.PrintTime)
		item.PrintTime = &req
	}

	if p.DemandForecast != nil {
		req, err := mapDemandForecastPayload(p.DemandForecast)
		if err != nil {
			return prediction.BatchItem{}, fmt.Errorf("item %d: %s", index, err.Error())
		}

		item.DemandForecast = &req
	}

	if p.Price != nil {
		req := mapPricePayload(p.Price)
		item.Price = &req
	}

	if p.MaterialDemand != nil {
		req := mapMaterialDemandPayload(p.MaterialDemand)
		item.MaterialDemand = &req
	}

	if p.Bottleneck != nil {
		req, err := mapBottleneckPayload(p.Bottleneck)
		if err != nil {
			return prediction.BatchItem{}, fmt.Errorf("item %d: %s", index, err.Error())
		}

		item.Bottleneck = &req
	}

	return item, nil
}

func metricValues(m model.Metrics) map[string]float64 {
	if len(m.Values) == 0 {
		return nil
	}

	values := make(map[string]float64, len(m.Values))
	for name, v := range m.Values {
		values[string(name)] = v
	}

	return values
}

func newModelVersionView(m *model.Model) ModelVersionView {
	return ModelVersionView{
		ID:           m.ID,
		Type:         m.Type.String(),
		Version:      m.Version.String(),
		Status:       string(m.Status),
		TrainedAt:    m.TrainedAt,
		DeployedAt:   m.DeployedAt,
		DeprecatedAt: m.DeprecatedAt,
		DatasetSize:  m.DatasetSize,
		Metrics:      metricValues(m.Metrics),
		Metadata:     m.Metadata,
	}
}

func newTrainingJobView(job *model.TrainingJob) TrainingJobView {
	view := TrainingJobView{
		ID:         job.ID,
		ModelType:  job.ModelType.String(),
		Status:     string(job.Status),
		Trigger:    string(job.Trigger),
		DatasetID:  job.DatasetID,
		ModelID:    job.ModelID,
		GateReason: job.GateReason,
		Error:      job.Error,
		StartedAt:  job.StartedAt,
		EndedAt:    job.EndedAt,
	}

	if job.Metrics != nil {
		view.Metrics = metricValues(*job.Metrics)
	}

	return view
}

func newAuditEntryView(e model.AuditEntry) AuditEntryView {
	return AuditEntryView{
		ID:                e.ID,
		RequestID:         e.RequestID,
		ModelType:         e.ModelType.String(),
		ModelVersion:      e.ModelVersion,
		Fingerprint:       e.Fingerprint,
		Input:             e.Input,
		Output:            e.Output,
		Confidence:        e.Confidence,
		ResponseMS:        e.ResponseMS,
		CacheStatus:       string(e.CacheStatus),
		UserID:            e.UserID,
		TenantID:          e.TenantID,
		Error:             e.Error,
		CreatedAt:         e.CreatedAt,
		ActualOutcome:     e.ActualOutcome,
		OutcomeReceivedAt: e.OutcomeReceivedAt,
	}
}
