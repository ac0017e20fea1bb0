package training

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/foresight-io/foresight/internal/fingerprint"
	"github.com/foresight-io/foresight/internal/model"
)

// snapshotRow is the canonical serialized form of one training record inside
// a snapshot payload. Field order is fixed and map keys serialize sorted, so
// the same records always produce the same bytes and the same content hash.
type snapshotRow struct {
	SourceEventID string             `json:"source_event_id"`
	EntityKey     string             `json:"entity_key"`
	OccurredAt    time.Time          `json:"occurred_at"`
	Features      map[string]float64 `json:"features"`
	Target        float64            `json:"target"`
}

// targetColumnFor names the ground-truth column each model type trains
// against. The names match what ingestion's transforms record.
func targetColumnFor(t model.ModelType) string {
	switch t {
	case model.ModelTypePrintTime:
		return "actual_minutes"
	case model.ModelTypeDemandForecast:
		return "daily_units"
	case model.ModelTypePriceOptimization:
		return "accepted_price"
	case model.ModelTypeChurnPrediction:
		return "churned"
	case model.ModelTypeMaterialDemand:
		return "consumed_units"
	case model.ModelTypeBottleneckDetection:
		return "wait_minutes"
	default:
		return "target"
	}
}

// buildSnapshot assembles the immutable dataset snapshot for a record set:
// deterministic record order, the sorted union of observed feature columns,
// the canonical NDJSON payload, and the content hash that deduplicates
// identical rebuilds. The caller assigns the ID and quality report before
// persisting a new snapshot.
func buildSnapshot(t model.ModelType, records []model.TrainingRecord) (*model.TrainingDataset, []byte, error) {
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("%w: cannot snapshot zero records", model.ErrDataQuality)
	}

	ordered := make([]model.TrainingRecord, len(records))
	copy(ordered, records)

	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].OccurredAt.Equal(ordered[j].OccurredAt) {
			return ordered[i].OccurredAt.Before(ordered[j].OccurredAt)
		}

		if ordered[i].EntityKey != ordered[j].EntityKey {
			return ordered[i].EntityKey < ordered[j].EntityKey
		}

		return ordered[i].SourceEventID < ordered[j].SourceEventID
	})

	columnSet := make(map[string]struct{})
	start := ordered[0].OccurredAt.UTC()
	end := start

	var payload bytes.Buffer

	encoder := json.NewEncoder(&payload)

	for _, r := range ordered {
		occurred := r.OccurredAt.UTC()
		if occurred.Before(start) {
			start = occurred
		}

		if occurred.After(end) {
			end = occurred
		}

		for name := range r.Features {
			columnSet[name] = struct{}{}
		}

		row := snapshotRow{
			SourceEventID: r.SourceEventID,
			EntityKey:     r.EntityKey,
			OccurredAt:    occurred,
			Features:      r.Features,
			Target:        r.Target,
		}
		if err := encoder.Encode(row); err != nil {
			return nil, nil, fmt.Errorf("encode snapshot row: %w", err)
		}
	}

	columns := make([]string, 0, len(columnSet))
	for name := range columnSet {
		columns = append(columns, name)
	}

	sort.Strings(columns)

	ds := &model.TrainingDataset{
		ModelType:      t,
		RecordCount:    len(ordered),
		DateRangeStart: start,
		DateRangeEnd:   end,
		FeatureColumns: columns,
		TargetColumn:   targetColumnFor(t),
		ContentHash:    fingerprint.HashBytes(payload.Bytes()),
	}

	return ds, payload.Bytes(), nil
}
