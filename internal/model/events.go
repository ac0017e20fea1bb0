package model

import "time"

// EventType names one kind of domain event the service publishes.
type EventType string

const (
	// EventPredictionCompleted announces a served prediction request.
	EventPredictionCompleted EventType = "prediction.completed"

	// EventModelPromoted announces a new Active model for a type.
	EventModelPromoted EventType = "model.promoted"

	// EventModelRolledBack announces an automatic or manual rollback.
	EventModelRolledBack EventType = "model.rolledback"

	// EventDriftDetected announces a drift window that crossed the
	// degradation threshold.
	EventDriftDetected EventType = "drift.detected"
)

// DomainEvent is implemented by every event payload the service emits.
// PartitionKey groups related events onto one partition so operational
// consumers observe them in order.
type DomainEvent interface {
	EventType() EventType
	PartitionKey() string
}

// PredictionCompleted is emitted after a prediction request was served.
// Fire-and-forget: the serving path never waits for its delivery.
type PredictionCompleted struct {
	RequestID    string    `json:"request_id"`
	ModelType    ModelType `json:"model_type"`
	ModelVersion string    `json:"model_version"`
	Timestamp    time.Time `json:"timestamp"`
}

// EventType implements DomainEvent.
func (PredictionCompleted) EventType() EventType { return EventPredictionCompleted }

// PartitionKey implements DomainEvent.
func (e PredictionCompleted) PartitionKey() string { return string(e.ModelType) }

// ModelPromoted is emitted when a candidate passes the quality gate and
// becomes the Active model for its type.
type ModelPromoted struct {
	ModelID   string    `json:"model_id"`
	ModelType ModelType `json:"model_type"`
	Version   string    `json:"version"`

	// PreviousVersion is the Active version that was deprecated by the
	// promotion. Empty for a type's first promotion.
	PreviousVersion string `json:"previous_version,omitempty"`

	// ImprovementPercent is the primary-metric improvement over the
	// replaced model. Zero for a first promotion.
	ImprovementPercent float64 `json:"improvement_percent,omitempty"`

	PromotedAt time.Time `json:"promoted_at"`
}

// EventType implements DomainEvent.
func (ModelPromoted) EventType() EventType { return EventModelPromoted }

// PartitionKey implements DomainEvent.
func (e ModelPromoted) PartitionKey() string { return string(e.ModelType) }

// ModelRolledBack is emitted when an Active model is replaced by the most
// recent previously Active version.
type ModelRolledBack struct {
	ModelType    ModelType `json:"model_type"`
	FromVersion  string    `json:"from_version"`
	ToVersion    string    `json:"to_version"`
	Reason       string    `json:"reason"`
	RolledBackAt time.Time `json:"rolled_back_at"`
}

// EventType implements DomainEvent.
func (ModelRolledBack) EventType() EventType { return EventModelRolledBack }

// PartitionKey implements DomainEvent.
func (e ModelRolledBack) PartitionKey() string { return string(e.ModelType) }

// DriftDetected is emitted when a monitoring window shows the serving
// model's primary metric degraded past the configured threshold.
type DriftDetected struct {
	ModelType    ModelType  `json:"model_type"`
	ModelVersion string     `json:"model_version"`
	Metric       MetricName `json:"metric"`

	// Baseline is the metric value recorded at deployment; Observed is
	// the value over the monitoring window.
	Baseline float64 `json:"baseline"`
	Observed float64 `json:"observed"`

	// DegradationPercent is the relative decline of Observed against
	// Baseline, oriented so positive always means worse.
	DegradationPercent float64 `json:"degradation_percent"`

	WindowHours int       `json:"window_hours"`
	DetectedAt  time.Time `json:"detected_at"`
}

// EventType implements DomainEvent.
func (DriftDetected) EventType() EventType { return EventDriftDetected }

// PartitionKey implements DomainEvent.
func (e DriftDetected) PartitionKey() string { return string(e.ModelType) }
