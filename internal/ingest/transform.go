package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/foresight-io/foresight/internal/model"
)

// Transform validates an event's payload against its kind schema and
// builds the training records it contributes. One event may feed several
// datasets, and a valid event may feed none: billing and staffing kinds
// are consumed so the platform topic stays fully recognized, but no
// model trains on them yet.
//
// Records built for the same model type always carry the same feature
// set. The trainer drops rows that miss any column of a snapshot, so a
// kind that produced partial feature maps would silently starve its
// dataset.
func Transform(e *UpstreamEvent) ([]model.TrainingRecord, error) {
	switch e.Kind {
	case KindJobCompleted:
		return transformJobCompleted(e)
	case KindOrderCreated:
		return transformOrderCreated(e)
	case KindOrderCompleted:
		return transformOrderCompleted(e)
	case KindCustomerUpdated:
		return transformCustomerUpdated(e)
	case KindMaterialTransaction:
		return transformMaterialTransaction(e)
	case KindInvoiceIssued:
		return transformInvoiceIssued(e)
	case KindEmployeeClock:
		return transformEmployeeClock(e)
	default:
		return nil, fmt.Errorf("%w: unknown event kind %q", model.ErrValidation, e.Kind)
	}
}

type jobCompletedPayload struct {
	OrderID         string  `json:"order_id"`
	WorkstationID   string  `json:"workstation_id"`
	Material        string  `json:"material"`
	VolumeMM3       float64 `json:"volume_mm3"`
	SurfaceAreaMM2  float64 `json:"surface_area_mm2"`
	LayerCount      float64 `json:"layer_count"`
	LayerHeightMM   float64 `json:"layer_height_mm"`
	InfillPercent   float64 `json:"infill_percent"`
	SupportPercent  float64 `json:"support_percent"`
	ComplexityScore float64 `json:"complexity_score"`
	PrintSpeedMMS   float64 `json:"print_speed_mms"`
	QueueDepth      float64 `json:"queue_depth"`
	QueuedMinutes   float64 `json:"queued_minutes"`
	DurationMinutes float64 `json:"duration_minutes"`
}

// transformJobCompleted yields a print-time record keyed by order, plus a
// bottleneck record keyed by workstation when the job carries queue
// timings. Feature names mirror the geometry profile the estimator is
// served at prediction time.
func transformJobCompleted(e *UpstreamEvent) ([]model.TrainingRecord, error) {
	var p jobCompletedPayload
	if err := decodePayload(e, &p); err != nil {
		return nil, err
	}

	switch {
	case strings.TrimSpace(p.OrderID) == "":
		return nil, fmt.Errorf("%w: job.completed requires order_id", model.ErrValidation)
	case p.DurationMinutes <= 0:
		return nil, fmt.Errorf("%w: job.completed requires positive duration_minutes", model.ErrValidation)
	case p.VolumeMM3 <= 0:
		return nil, fmt.Errorf("%w: job.completed requires positive volume_mm3", model.ErrValidation)
	case p.SurfaceAreaMM2 <= 0:
		return nil, fmt.Errorf("%w: job.completed requires positive surface_area_mm2", model.ErrValidation)
	case p.LayerCount < 1:
		return nil, fmt.Errorf("%w: job.completed requires at least one layer", model.ErrValidation)
	case p.LayerHeightMM <= 0 || p.LayerHeightMM > 2:
		return nil, fmt.Errorf("%w: job.completed layer_height_mm must be in (0, 2]", model.ErrValidation)
	case p.InfillPercent < 0 || p.InfillPercent > 100:
		return nil, fmt.Errorf("%w: job.completed infill_percent must be between 0 and 100", model.ErrValidation)
	case p.SupportPercent < 0 || p.SupportPercent > 100:
		return nil, fmt.Errorf("%w: job.completed support_percent must be between 0 and 100", model.ErrValidation)
	case p.ComplexityScore < 0 || p.ComplexityScore > 10:
		return nil, fmt.Errorf("%w: job.completed complexity_score must be between 0 and 10", model.ErrValidation)
	case p.PrintSpeedMMS < 0:
		return nil, fmt.Errorf("%w: job.completed print_speed_mms cannot be negative", model.ErrValidation)
	}

	records := []model.TrainingRecord{{
		ModelType: model.ModelTypePrintTime,
		EntityKey: p.OrderID,
		Features: map[string]float64{
			"volume_mm3":       p.VolumeMM3,
			"surface_area_mm2": p.SurfaceAreaMM2,
			"layer_count":      p.LayerCount,
			"layer_height_mm":  p.LayerHeightMM,
			"infill_percent":   p.InfillPercent,
			"support_percent":  p.SupportPercent,
			"complexity_score": p.ComplexityScore,
			"print_speed_mms":  p.PrintSpeedMMS,
		},
		Target:        p.DurationMinutes,
		SourceEventID: e.ID,
		OccurredAt:    e.OccurredAt,
	}}

	if strings.TrimSpace(p.WorkstationID) != "" {
		if p.QueueDepth < 0 || p.QueuedMinutes < 0 {
			return nil, fmt.Errorf("%w: job.completed queue timings cannot be negative", model.ErrValidation)
		}

		records = append(records, model.TrainingRecord{
			ModelType: model.ModelTypeBottleneckDetection,
			EntityKey: p.WorkstationID,
			Features: map[string]float64{
				"queue_depth": p.QueueDepth,
			},
			Target:        p.QueuedMinutes,
			SourceEventID: e.ID,
			OccurredAt:    e.OccurredAt,
		})
	}

	return records, nil
}

type orderCreatedPayload struct {
	OrderID    string  `json:"order_id"`
	ProductID  string  `json:"product_id"`
	CustomerID string  `json:"customer_id"`
	Quantity   float64 `json:"quantity"`
	Rush       bool    `json:"rush"`
}

// transformOrderCreated yields a demand record keyed by product. The
// seasonal fit aggregates targets per calendar day, so each order
// contributes its unit count and the daily totals emerge downstream.
func transformOrderCreated(e *UpstreamEvent) ([]model.TrainingRecord, error) {
	var p orderCreatedPayload
	if err := decodePayload(e, &p); err != nil {
		return nil, err
	}

	switch {
	case strings.TrimSpace(p.OrderID) == "":
		return nil, fmt.Errorf("%w: order.created requires order_id", model.ErrValidation)
	case strings.TrimSpace(p.ProductID) == "":
		return nil, fmt.Errorf("%w: order.created requires product_id", model.ErrValidation)
	case p.Quantity <= 0:
		return nil, fmt.Errorf("%w: order.created requires positive quantity", model.ErrValidation)
	}

	return []model.TrainingRecord{{
		ModelType:     model.ModelTypeDemandForecast,
		EntityKey:     p.ProductID,
		Features:      calendarFeatures(e.OccurredAt),
		Target:        p.Quantity,
		SourceEventID: e.ID,
		OccurredAt:    e.OccurredAt,
	}}, nil
}

type orderCompletedPayload struct {
	OrderID         string  `json:"order_id"`
	CustomerID      string  `json:"customer_id"`
	MaterialCost    float64 `json:"material_cost"`
	ComplexityScore float64 `json:"complexity_score"`
	AcceptedPrice   float64 `json:"accepted_price"`
	Quantity        float64 `json:"quantity"`
}

// transformOrderCompleted yields a price record keyed by order. Cost and
// complexity are the two quote attributes present on every pricing
// request, so a model trained here serves any quote.
func transformOrderCompleted(e *UpstreamEvent) ([]model.TrainingRecord, error) {
	var p orderCompletedPayload
	if err := decodePayload(e, &p); err != nil {
		return nil, err
	}

	switch {
	case strings.TrimSpace(p.OrderID) == "":
		return nil, fmt.Errorf("%w: order.completed requires order_id", model.ErrValidation)
	case p.MaterialCost <= 0:
		return nil, fmt.Errorf("%w: order.completed requires positive material_cost", model.ErrValidation)
	case p.ComplexityScore < 0 || p.ComplexityScore > 10:
		return nil, fmt.Errorf("%w: order.completed complexity_score must be between 0 and 10", model.ErrValidation)
	case p.AcceptedPrice <= 0:
		return nil, fmt.Errorf("%w: order.completed requires positive accepted_price", model.ErrValidation)
	}

	return []model.TrainingRecord{{
		ModelType: model.ModelTypePriceOptimization,
		EntityKey: p.OrderID,
		Features: map[string]float64{
			"material_cost":    p.MaterialCost,
			"complexity_score": p.ComplexityScore,
		},
		Target:        p.AcceptedPrice,
		SourceEventID: e.ID,
		OccurredAt:    e.OccurredAt,
	}}, nil
}

type customerUpdatedPayload struct {
	CustomerID        string  `json:"customer_id"`
	RecencyDays       float64 `json:"recency_days"`
	OrdersPerMonth    float64 `json:"orders_per_month"`
	AvgOrderValue     float64 `json:"avg_order_value"`
	TenureMonths      float64 `json:"tenure_months"`
	SupportTickets    float64 `json:"support_tickets"`
	LatePayments      float64 `json:"late_payments"`
	OrderTrendPercent float64 `json:"order_trend_percent"`
	Churned           bool    `json:"churned"`
}

// transformCustomerUpdated yields a churn record keyed by customer. The
// platform recomputes engagement profiles on activity and labels
// customers churned after a quiet quarter; feature names mirror the
// profile the classifier is served at prediction time.
func transformCustomerUpdated(e *UpstreamEvent) ([]model.TrainingRecord, error) {
	var p customerUpdatedPayload
	if err := decodePayload(e, &p); err != nil {
		return nil, err
	}

	switch {
	case strings.TrimSpace(p.CustomerID) == "":
		return nil, fmt.Errorf("%w: customer.updated requires customer_id", model.ErrValidation)
	case p.RecencyDays < 0:
		return nil, fmt.Errorf("%w: customer.updated recency_days cannot be negative", model.ErrValidation)
	case p.OrdersPerMonth < 0:
		return nil, fmt.Errorf("%w: customer.updated orders_per_month cannot be negative", model.ErrValidation)
	case p.AvgOrderValue < 0:
		return nil, fmt.Errorf("%w: customer.updated avg_order_value cannot be negative", model.ErrValidation)
	case p.TenureMonths < 0:
		return nil, fmt.Errorf("%w: customer.updated tenure_months cannot be negative", model.ErrValidation)
	case p.SupportTickets < 0:
		return nil, fmt.Errorf("%w: customer.updated support_tickets cannot be negative", model.ErrValidation)
	case p.LatePayments < 0:
		return nil, fmt.Errorf("%w: customer.updated late_payments cannot be negative", model.ErrValidation)
	}

	target := 0.0
	if p.Churned {
		target = 1.0
	}

	return []model.TrainingRecord{{
		ModelType: model.ModelTypeChurnPrediction,
		EntityKey: p.CustomerID,
		Features: map[string]float64{
			"recency_days":        p.RecencyDays,
			"orders_per_month":    p.OrdersPerMonth,
			"avg_order_value":     p.AvgOrderValue,
			"tenure_months":       p.TenureMonths,
			"support_tickets":     p.SupportTickets,
			"late_payments":       p.LatePayments,
			"order_trend_percent": p.OrderTrendPercent,
		},
		Target:        target,
		SourceEventID: e.ID,
		OccurredAt:    e.OccurredAt,
	}}, nil
}

const (
	materialDirectionConsumed = "consumed"
	materialDirectionRestock  = "restocked"
)

type materialTransactionPayload struct {
	MaterialSKU string  `json:"material_sku"`
	Direction   string  `json:"direction"`
	Quantity    float64 `json:"quantity"`
}

// transformMaterialTransaction yields a consumption record keyed by SKU.
// Restock movements are valid traffic but train nothing: the forecast
// models usage, not purchasing.
func transformMaterialTransaction(e *UpstreamEvent) ([]model.TrainingRecord, error) {
	var p materialTransactionPayload
	if err := decodePayload(e, &p); err != nil {
		return nil, err
	}

	switch {
	case strings.TrimSpace(p.MaterialSKU) == "":
		return nil, fmt.Errorf("%w: material.transaction requires material_sku", model.ErrValidation)
	case p.Direction != materialDirectionConsumed && p.Direction != materialDirectionRestock:
		return nil, fmt.Errorf("%w: material.transaction direction must be consumed or restocked", model.ErrValidation)
	case p.Quantity <= 0:
		return nil, fmt.Errorf("%w: material.transaction requires positive quantity", model.ErrValidation)
	}

	if p.Direction != materialDirectionConsumed {
		return nil, nil
	}

	return []model.TrainingRecord{{
		ModelType:     model.ModelTypeMaterialDemand,
		EntityKey:     p.MaterialSKU,
		Features:      calendarFeatures(e.OccurredAt),
		Target:        p.Quantity,
		SourceEventID: e.ID,
		OccurredAt:    e.OccurredAt,
	}}, nil
}

type invoiceIssuedPayload struct {
	InvoiceID  string  `json:"invoice_id"`
	OrderID    string  `json:"order_id"`
	CustomerID string  `json:"customer_id"`
	Amount     float64 `json:"amount"`
}

func transformInvoiceIssued(e *UpstreamEvent) ([]model.TrainingRecord, error) {
	var p invoiceIssuedPayload
	if err := decodePayload(e, &p); err != nil {
		return nil, err
	}

	switch {
	case strings.TrimSpace(p.InvoiceID) == "":
		return nil, fmt.Errorf("%w: invoice.issued requires invoice_id", model.ErrValidation)
	case p.Amount <= 0:
		return nil, fmt.Errorf("%w: invoice.issued requires positive amount", model.ErrValidation)
	}

	return nil, nil
}

const (
	clockActionIn  = "in"
	clockActionOut = "out"
)

type employeeClockPayload struct {
	EmployeeID    string `json:"employee_id"`
	WorkstationID string `json:"workstation_id"`
	Action        string `json:"action"`
}

func transformEmployeeClock(e *UpstreamEvent) ([]model.TrainingRecord, error) {
	var p employeeClockPayload
	if err := decodePayload(e, &p); err != nil {
		return nil, err
	}

	switch {
	case strings.TrimSpace(p.EmployeeID) == "":
		return nil, fmt.Errorf("%w: employee.clock requires employee_id", model.ErrValidation)
	case p.Action != clockActionIn && p.Action != clockActionOut:
		return nil, fmt.Errorf("%w: employee.clock action must be in or out", model.ErrValidation)
	}

	return nil, nil
}

// calendarFeatures satisfies the record contract for seasonal datasets.
// The seasonal fit derives day-of-week curves from timestamps on its
// own, so these exist to describe the observation, not to train on.
func calendarFeatures(at time.Time) map[string]float64 {
	return map[string]float64{
		"day_of_week": float64(at.UTC().Weekday()),
		"month":       float64(at.UTC().Month()),
	}
}

func decodePayload(e *UpstreamEvent, dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s payload is required", model.ErrValidation, e.Kind)
	}

	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%w: %s payload is malformed: %v", model.ErrValidation, e.Kind, err)
	}

	return nil
}
