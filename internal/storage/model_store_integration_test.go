package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/foresight-io/foresight/internal/model"
	"github.com/foresight-io/foresight/internal/registry"
)

// TestModelStoreIntegration runs all integration tests for ModelStore.
func TestModelStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, conn := setupTestDatabase(ctx, t)

	defer func() {
		_ = conn.Close()
		_ = container.Terminate(ctx)
	}()

	store := NewModelStore(conn)

	t.Run("Insert_AndGetByID", testModelInsertAndGet(ctx, store))
	t.Run("Insert_DuplicateVersion", testModelInsertDuplicateVersion(ctx, store))
	t.Run("Insert_SecondActiveRejected", testModelSingleActiveOnInsert(ctx, store))
	t.Run("GetActive", testModelGetActive(ctx, store))
	t.Run("ListVersions_OrderAndFilter", testModelListVersions(ctx, store))
	t.Run("MaxVersion", testModelMaxVersion(ctx, store))
	t.Run("UpdateStatus_CompareAndSwap", testModelUpdateStatus(ctx, store))
	t.Run("SwapActive_PromoteAndDemote", testModelSwapActive(ctx, store))
	t.Run("SwapActive_Preconditions", testModelSwapActivePreconditions(ctx, store))
}

// newStoredModel builds a model fixture with times truncated to microseconds
// so values survive the TIMESTAMPTZ roundtrip exactly.
func newStoredModel(id string, typ model.ModelType, version string, status model.ModelStatus) *model.Model {
	now := time.Now().UTC().Truncate(time.Microsecond)

	return &model.Model{
		ID:          id,
		Type:        typ,
		Version:     model.MustParseVersion(version),
		Status:      status,
		ArtifactURI: "file:///var/lib/foresight/artifacts/" + typ.Slug() + "/" + id + ".json",
		TrainedAt:   now.Add(-time.Hour),
		Metrics: model.Metrics{
			Kind: model.MetricKindRegression,
			Values: map[model.MetricName]float64{
				model.MetricR2:  0.91,
				model.MetricMAE: 3.4,
			},
			SampleCount: 250,
		},
		DatasetSize: 12000,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func testModelInsertAndGet(ctx context.Context, store *ModelStore) func(*testing.T) {
	return func(t *testing.T) {
		m := newStoredModel("pt-draft-1", model.ModelTypePrintTime, "1.0.0", model.StatusDraft)
		m.TrainingJobID = "job-pt-1"
		m.Metadata = map[string]string{model.MetaPromotedBy: "job-pt-1"}

		if err := store.Insert(ctx, m); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}

		got, err := store.GetByID(ctx, m.ID)
		if err != nil {
			t.Fatalf("GetByID() error = %v", err)
		}

		if got.ID != m.ID || got.Type != m.Type || got.Status != m.Status {
			t.Errorf("GetByID() = %s/%s/%s, want %s/%s/%s",
				got.ID, got.Type, got.Status, m.ID, m.Type, m.Status)
		}

		if got.Version != m.Version {
			t.Errorf("GetByID() Version = %s, want %s", got.Version, m.Version)
		}

		if !got.TrainedAt.Equal(m.TrainedAt) {
			t.Errorf("GetByID() TrainedAt = %v, want %v", got.TrainedAt, m.TrainedAt)
		}

		if got.DeployedAt != nil || got.DeprecatedAt != nil {
			t.Error("GetByID() lifecycle timestamps set on a Draft model")
		}

		if got.Metrics.Values[model.MetricR2] != 0.91 {
			t.Errorf("GetByID() r2 = %v, want 0.91", got.Metrics.Values[model.MetricR2])
		}

		if got.DatasetSize != m.DatasetSize {
			t.Errorf("GetByID() DatasetSize = %d, want %d", got.DatasetSize, m.DatasetSize)
		}

		if got.TrainingJobID != m.TrainingJobID {
			t.Errorf("GetByID() TrainingJobID = %q, want %q", got.TrainingJobID, m.TrainingJobID)
		}

		if got.Metadata[model.MetaPromotedBy] != "job-pt-1" {
			t.Errorf("GetByID() Metadata = %v, want promoted_by entry", got.Metadata)
		}

		if err := store.Insert(ctx, nil); !errors.Is(err, model.ErrValidation) {
			t.Errorf("Insert(nil) error = %v, want %v", err, model.ErrValidation)
		}

		if _, err := store.GetByID(ctx, "no-such-model"); !errors.Is(err, model.ErrNotFound) {
			t.Errorf("GetByID() missing model error = %v, want %v", err, model.ErrNotFound)
		}
	}
}

func testModelInsertDuplicateVersion(ctx context.Context, store *ModelStore) func(*testing.T) {
	return func(t *testing.T) {
		// pt-draft-1 registered 1.0.0 for PrintTime in the previous subtest.
		dup := newStoredModel("pt-draft-2", model.ModelTypePrintTime, "1.0.0", model.StatusDraft)

		if err := store.Insert(ctx, dup); !errors.Is(err, model.ErrDuplicateVersion) {
			t.Errorf("Insert() duplicate version error = %v, want %v", err, model.ErrDuplicateVersion)
		}

		// Same ID with a fresh version collides on the primary key.
		sameID := newStoredModel("pt-draft-1", model.ModelTypePrintTime, "1.0.1", model.StatusDraft)

		if err := store.Insert(ctx, sameID); !errors.Is(err, model.ErrDuplicateVersion) {
			t.Errorf("Insert() duplicate id error = %v, want %v", err, model.ErrDuplicateVersion)
		}

		// A genuinely new version is fine.
		next := newStoredModel("pt-draft-3", model.ModelTypePrintTime, "1.1.0", model.StatusTesting)

		if err := store.Insert(ctx, next); err != nil {
			t.Errorf("Insert() new version error = %v", err)
		}
	}
}

func testModelSingleActiveOnInsert(ctx context.Context, store *ModelStore) func(*testing.T) {
	return func(t *testing.T) {
		first := newStoredModel("md-active-1", model.ModelTypeMaterialDemand, "1.0.0", model.StatusActive)

		if err := store.Insert(ctx, first); err != nil {
			t.Fatalf("Insert() first active error = %v", err)
		}

		second := newStoredModel("md-active-2", model.ModelTypeMaterialDemand, "2.0.0", model.StatusActive)

		if err := store.Insert(ctx, second); !errors.Is(err, model.ErrInvariantViolation) {
			t.Errorf("Insert() second active error = %v, want %v", err, model.ErrInvariantViolation)
		}

		// Non-active rows of the same type are unaffected.
		draft := newStoredModel("md-draft-1", model.ModelTypeMaterialDemand, "2.1.0", model.StatusDraft)

		if err := store.Insert(ctx, draft); err != nil {
			t.Errorf("Insert() draft alongside active error = %v", err)
		}
	}
}

func testModelGetActive(ctx context.Context, store *ModelStore) func(*testing.T) {
	return func(t *testing.T) {
		if _, err := store.GetActive(ctx, model.ModelTypeDemandForecast); !errors.Is(err, model.ErrNotFound) {
			t.Errorf("GetActive() with no active model error = %v, want %v", err, model.ErrNotFound)
		}

		active := newStoredModel("df-active-1", model.ModelTypeDemandForecast, "1.0.0", model.StatusActive)

		if err := store.Insert(ctx, active); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}

		got, err := store.GetActive(ctx, model.ModelTypeDemandForecast)
		if err != nil {
			t.Fatalf("GetActive() error = %v", err)
		}

		if got.ID != active.ID {
			t.Errorf("GetActive() ID = %q, want %q", got.ID, active.ID)
		}

		if got.Status != model.StatusActive {
			t.Errorf("GetActive() Status = %s, want %s", got.Status, model.StatusActive)
		}
	}
}

func testModelListVersions(ctx context.Context, store *ModelStore) func(*testing.T) {
	return func(t *testing.T) {
		// Inserted out of version order on purpose.
		fixtures := []*model.Model{
			newStoredModel("po-1", model.ModelTypePriceOptimization, "1.1.0", model.StatusTesting),
			newStoredModel("po-2", model.ModelTypePriceOptimization, "2.0.0", model.StatusDeprecated),
			newStoredModel("po-3", model.ModelTypePriceOptimization, "1.0.0", model.StatusDraft),
		}

		for _, m := range fixtures {
			if err := store.Insert(ctx, m); err != nil {
				t.Fatalf("Insert() %s error = %v", m.ID, err)
			}
		}

		all, err := store.ListVersions(ctx, model.ModelTypePriceOptimization, nil)
		if err != nil {
			t.Fatalf("ListVersions() error = %v", err)
		}

		if len(all) != 3 {
			t.Fatalf("ListVersions() returned %d models, want 3", len(all))
		}

		wantOrder := []string{"2.0.0", "1.1.0", "1.0.0"}
		for i, want := range wantOrder {
			if got := all[i].Version.String(); got != want {
				t.Errorf("ListVersions()[%d] Version = %s, want %s", i, got, want)
			}
		}

		candidates, err := store.ListVersions(ctx, model.ModelTypePriceOptimization,
			[]model.ModelStatus{model.StatusTesting})
		if err != nil {
			t.Fatalf("ListVersions() filtered error = %v", err)
		}

		if len(candidates) != 1 || candidates[0].ID != "po-1" {
			t.Errorf("ListVersions() Testing filter = %v, want [po-1]", candidates)
		}

		pair, err := store.ListVersions(ctx, model.ModelTypePriceOptimization,
			[]model.ModelStatus{model.StatusDraft, model.StatusDeprecated})
		if err != nil {
			t.Fatalf("ListVersions() two-status filter error = %v", err)
		}

		if len(pair) != 2 {
			t.Errorf("ListVersions() two-status filter returned %d models, want 2", len(pair))
		}

		none, err := store.ListVersions(ctx, model.ModelTypeChurnPrediction, nil)
		if err != nil {
			t.Fatalf("ListVersions() empty type error = %v", err)
		}

		if len(none) != 0 {
			t.Errorf("ListVersions() for unregistered type returned %d models, want 0", len(none))
		}
	}
}

func testModelMaxVersion(ctx context.Context, store *ModelStore) func(*testing.T) {
	return func(t *testing.T) {
		if _, found, err := store.MaxVersion(ctx, model.ModelTypeChurnPrediction); err != nil || found {
			t.Errorf("MaxVersion() empty type = found %v, err %v; want false, nil", found, err)
		}

		for i, version := range []string{"0.9.0", "1.2.3", "1.2.1"} {
			m := newStoredModel("cp-"+string(rune('a'+i)), model.ModelTypeChurnPrediction, version, model.StatusDraft)
			if err := store.Insert(ctx, m); err != nil {
				t.Fatalf("Insert() %s error = %v", version, err)
			}
		}

		max, found, err := store.MaxVersion(ctx, model.ModelTypeChurnPrediction)
		if err != nil {
			t.Fatalf("MaxVersion() error = %v", err)
		}

		if !found {
			t.Fatal("MaxVersion() found = false, want true")
		}

		if max.String() != "1.2.3" {
			t.Errorf("MaxVersion() = %s, want 1.2.3", max)
		}
	}
}

func testModelUpdateStatus(ctx context.Context, store *ModelStore) func(*testing.T) {
	return func(t *testing.T) {
		m := newStoredModel("bd-1", model.ModelTypeBottleneckDetection, "1.0.0", model.StatusDraft)

		if err := store.Insert(ctx, m); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}

		err := store.UpdateStatus(ctx, registry.StatusUpdate{
			ModelID:     m.ID,
			From:        model.StatusDraft,
			To:          model.StatusTesting,
			Annotations: map[string]string{"validated_by": "structural-check"},
		})
		if err != nil {
			t.Fatalf("UpdateStatus() error = %v", err)
		}

		got, err := store.GetByID(ctx, m.ID)
		if err != nil {
			t.Fatalf("GetByID() error = %v", err)
		}

		if got.Status != model.StatusTesting {
			t.Errorf("UpdateStatus() Status = %s, want %s", got.Status, model.StatusTesting)
		}

		if !got.UpdatedAt.After(m.UpdatedAt) {
			t.Errorf("UpdateStatus() UpdatedAt = %v, want after %v", got.UpdatedAt, m.UpdatedAt)
		}

		if got.Metadata["validated_by"] != "structural-check" {
			t.Errorf("UpdateStatus() Metadata = %v, want validated_by entry", got.Metadata)
		}

		// The stored status moved on, so the old CAS precondition now fails.
		err = store.UpdateStatus(ctx, registry.StatusUpdate{
			ModelID: m.ID,
			From:    model.StatusDraft,
			To:      model.StatusTesting,
		})
		if !errors.Is(err, model.ErrLifecycleConflict) {
			t.Errorf("UpdateStatus() stale From error = %v, want %v", err, model.ErrLifecycleConflict)
		}

		deployedAt := time.Now().UTC().Truncate(time.Microsecond)

		err = store.UpdateStatus(ctx, registry.StatusUpdate{
			ModelID:    m.ID,
			From:       model.StatusTesting,
			To:         model.StatusActive,
			DeployedAt: &deployedAt,
		})
		if err != nil {
			t.Fatalf("UpdateStatus() to Active error = %v", err)
		}

		got, err = store.GetByID(ctx, m.ID)
		if err != nil {
			t.Fatalf("GetByID() error = %v", err)
		}

		if got.DeployedAt == nil || !got.DeployedAt.Equal(deployedAt) {
			t.Errorf("UpdateStatus() DeployedAt = %v, want %v", got.DeployedAt, deployedAt)
		}

		if got.DeprecatedAt != nil {
			t.Errorf("UpdateStatus() DeprecatedAt = %v, want nil", got.DeprecatedAt)
		}

		// Earlier annotations survive merges.
		if got.Metadata["validated_by"] != "structural-check" {
			t.Errorf("UpdateStatus() merged Metadata = %v, lost validated_by", got.Metadata)
		}

		err = store.UpdateStatus(ctx, registry.StatusUpdate{
			ModelID: "no-such-model",
			From:    model.StatusDraft,
			To:      model.StatusTesting,
		})
		if !errors.Is(err, model.ErrNotFound) {
			t.Errorf("UpdateStatus() missing model error = %v, want %v", err, model.ErrNotFound)
		}
	}
}

func testModelSwapActive(ctx context.Context, store *ModelStore) func(*testing.T) {
	return func(t *testing.T) {
		// df-active-1 went Active in the GetActive subtest.
		candidate := newStoredModel("df-cand-1", model.ModelTypeDemandForecast, "1.1.0", model.StatusTesting)

		if err := store.Insert(ctx, candidate); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}

		at := time.Now().UTC().Truncate(time.Microsecond)

		err := store.SwapActive(ctx, registry.ActiveSwap{
			PromoteID:   candidate.ID,
			PromoteFrom: model.StatusTesting,
			DemoteID:    "df-active-1",
			Annotations: map[string]string{model.MetaPromotedBy: "job-df-2"},
			At:          at,
		})
		if err != nil {
			t.Fatalf("SwapActive() error = %v", err)
		}

		active, err := store.GetActive(ctx, model.ModelTypeDemandForecast)
		if err != nil {
			t.Fatalf("GetActive() after swap error = %v", err)
		}

		if active.ID != candidate.ID {
			t.Errorf("GetActive() after swap = %q, want %q", active.ID, candidate.ID)
		}

		if active.DeployedAt == nil || !active.DeployedAt.Equal(at) {
			t.Errorf("SwapActive() promoted DeployedAt = %v, want %v", active.DeployedAt, at)
		}

		if active.Metadata[model.MetaPromotedBy] != "job-df-2" {
			t.Errorf("SwapActive() promoted Metadata = %v, want promoted_by entry", active.Metadata)
		}

		demoted, err := store.GetByID(ctx, "df-active-1")
		if err != nil {
			t.Fatalf("GetByID() demoted error = %v", err)
		}

		if demoted.Status != model.StatusDeprecated {
			t.Errorf("SwapActive() demoted Status = %s, want %s", demoted.Status, model.StatusDeprecated)
		}

		if demoted.DeprecatedAt == nil || !demoted.DeprecatedAt.Equal(at) {
			t.Errorf("SwapActive() demoted DeprecatedAt = %v, want %v", demoted.DeprecatedAt, at)
		}
	}
}

func testModelSwapActivePreconditions(ctx context.Context, store *ModelStore) func(*testing.T) {
	return func(t *testing.T) {
		// PrintTime has pt-draft-1 (Draft) and pt-draft-3 (Testing), no Active.
		err := store.SwapActive(ctx, registry.ActiveSwap{
			PromoteID:   "pt-draft-1",
			PromoteFrom: model.StatusTesting, // Row is Draft.
		})
		if !errors.Is(err, model.ErrLifecycleConflict) {
			t.Errorf("SwapActive() wrong PromoteFrom error = %v, want %v", err, model.ErrLifecycleConflict)
		}

		// Demote target must currently be Active.
		err = store.SwapActive(ctx, registry.ActiveSwap{
			PromoteID:   "pt-draft-3",
			PromoteFrom: model.StatusTesting,
			DemoteID:    "pt-draft-1", // Draft, not Active.
		})
		if !errors.Is(err, model.ErrLifecycleConflict) {
			t.Errorf("SwapActive() non-active demote error = %v, want %v", err, model.ErrLifecycleConflict)
		}

		if err := store.SwapActive(ctx, registry.ActiveSwap{
			PromoteID:   "pt-draft-3",
			PromoteFrom: model.StatusTesting,
		}); err != nil {
			t.Fatalf("SwapActive() without demote error = %v", err)
		}

		// With pt-draft-3 now Active, promoting anything else without naming
		// it as the demote target violates the single-active rule.
		fresh := newStoredModel("pt-cand-4", model.ModelTypePrintTime, "1.2.0", model.StatusTesting)

		if err := store.Insert(ctx, fresh); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}

		err = store.SwapActive(ctx, registry.ActiveSwap{
			PromoteID:   fresh.ID,
			PromoteFrom: model.StatusTesting,
		})
		if !errors.Is(err, model.ErrInvariantViolation) {
			t.Errorf("SwapActive() second active error = %v, want %v", err, model.ErrInvariantViolation)
		}

		if err := store.SwapActive(ctx, registry.ActiveSwap{
			PromoteID:   "no-such-model",
			PromoteFrom: model.StatusTesting,
		}); !errors.Is(err, model.ErrNotFound) {
			t.Errorf("SwapActive() missing promote error = %v, want %v", err, model.ErrNotFound)
		}
	}
}
