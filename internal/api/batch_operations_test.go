package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/foresight-io/foresight/internal/model"
	"github.com/foresight-io/foresight/internal/prediction"
)

func newBatchServer(batches BatchService) *Server {
	return NewServer(newTestConfig(), Dependencies{
		Batches:  batches,
		KeyStore: authEnabledKeyStore(),
	})
}

func TestSubmitBatchEndpoint(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	submittedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	var gotItems []prediction.BatchItem

	batches := &stubBatches{
		submit: func(_ context.Context, items []prediction.BatchItem) (string, error) {
			gotItems = items

			return "batch-42", nil
		},
		status: func(id string) (prediction.BatchStatus, bool) {
			return prediction.BatchStatus{
				ID:          id,
				State:       prediction.BatchQueued,
				Total:       3,
				SubmittedAt: submittedAt,
			}, true
		},
	}
	server := newBatchServer(batches)

	body := `{"items":[
		{"type":"demand-forecast","demand_forecast":{"product_id":"p1","horizon":7}},
		{"type":"churn-prediction","customer_id":"cust-5"},
		{"type":"price-optimization","price":{"material_cost":10,"complexity_score":4}}
	]}`

	req := asPredictionUser(jsonRequest(http.MethodPost, "/predictions/v1/batch", body))
	rr := serveRequest(server, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d. Body: %s", rr.Code, http.StatusAccepted, rr.Body.String())
	}

	if len(gotItems) != 3 {
		t.Fatalf("submitted items = %d, want 3", len(gotItems))
	}

	if gotItems[0].Type != model.ModelTypeDemandForecast || gotItems[0].DemandForecast == nil {
		t.Errorf("item 0 = %+v, want demand forecast payload", gotItems[0])
	}

	if gotItems[1].Type != model.ModelTypeChurnPrediction || gotItems[1].CustomerID != "cust-5" {
		t.Errorf("item 1 = %+v, want churn customer", gotItems[1])
	}

	if gotItems[2].Type != model.ModelTypePriceOptimization || gotItems[2].Price == nil {
		t.Errorf("item 2 = %+v, want price payload", gotItems[2])
	}

	var resp BatchAcceptedResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.ID != "batch-42" || resp.State != string(prediction.BatchQueued) || resp.Total != 3 {
		t.Errorf("response = %+v, want accepted batch view", resp)
	}

	if !resp.SubmittedAt.Equal(submittedAt) {
		t.Errorf("SubmittedAt = %v, want %v", resp.SubmittedAt, submittedAt)
	}
}

func TestSubmitBatchRejections(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name       string
		batches    BatchService
		body       string
		wantStatus int
	}{
		{
			name:       "empty items",
			batches:    &stubBatches{},
			body:       `{"items":[]}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown item type",
			batches:    &stubBatches{},
			body:       `{"items":[{"type":"weather-forecast"}]}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "batch over the item limit",
			batches: &stubBatches{
				submit: func(context.Context, []prediction.BatchItem) (string, error) {
					return "", fmt.Errorf("%w: batch of 500 items exceeds limit", model.ErrInputTooLarge)
				},
			},
			body:       `{"items":[{"type":"churn-prediction","customer_id":"c1"}]}`,
			wantStatus: http.StatusRequestEntityTooLarge,
		},
		{
			name: "queue full",
			batches: &stubBatches{
				submit: func(context.Context, []prediction.BatchItem) (string, error) {
					return "", fmt.Errorf("%w: batch queue full", model.ErrTransientInfra)
				},
			},
			body:       `{"items":[{"type":"churn-prediction","customer_id":"c1"}]}`,
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newBatchServer(tt.batches)

			req := asPredictionUser(jsonRequest(http.MethodPost, "/predictions/v1/batch", tt.body))
			rr := serveRequest(server, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d. Body: %s", rr.Code, tt.wantStatus, rr.Body.String())
			}
		})
	}
}

func TestBatchStatusEndpoint(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	finished := time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)

	batches := &stubBatches{
		status: func(id string) (prediction.BatchStatus, bool) {
			if id != "batch-42" {
				return prediction.BatchStatus{}, false
			}

			return prediction.BatchStatus{
				ID:          id,
				State:       prediction.BatchCompleted,
				Total:       3,
				Completed:   2,
				Failed:      1,
				SubmittedAt: finished.Add(-5 * time.Minute),
				FinishedAt:  &finished,
			}, true
		},
	}
	server := newBatchServer(batches)

	t.Run("known batch", func(t *testing.T) {
		req := asPredictionUser(httptest.NewRequest(http.MethodGet, "/predictions/v1/batch/batch-42/status", nil))
		rr := serveRequest(server, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d. Body: %s", rr.Code, http.StatusOK, rr.Body.String())
		}

		var status prediction.BatchStatus
		if err := json.Unmarshal(rr.Body.Bytes(), &status); err != nil {
			t.Fatalf("failed to decode status: %v", err)
		}

		if status.State != prediction.BatchCompleted || status.Completed != 2 || status.Failed != 1 {
			t.Errorf("status = %+v, want completed batch", status)
		}
	})

	t.Run("unknown batch returns 404", func(t *testing.T) {
		req := asPredictionUser(httptest.NewRequest(http.MethodGet, "/predictions/v1/batch/nope/status", nil))
		rr := serveRequest(server, req)

		if rr.Code != http.StatusNotFound {
			t.Errorf("status = %d, want %d", rr.Code, http.StatusNotFound)
		}
	})
}

func TestBatchResultsEndpoint(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	batches := &stubBatches{
		results: func(id string) ([]prediction.BatchResult, prediction.BatchStatus, bool) {
			if id != "batch-42" {
				return nil, prediction.BatchStatus{}, false
			}

			return []prediction.BatchResult{
					{Index: 0, Type: model.ModelTypeChurnPrediction, Response: map[string]interface{}{"risk_score": 73}},
					{Index: 1, Type: model.ModelTypeDemandForecast, Error: "validation failed: horizon out of range"},
				}, prediction.BatchStatus{
					ID:    id,
					State: prediction.BatchRunning,
					Total: 2,
				}, true
		},
	}
	server := newBatchServer(batches)

	t.Run("returns per-item outcomes", func(t *testing.T) {
		req := asPredictionUser(httptest.NewRequest(http.MethodGet, "/predictions/v1/batch/batch-42/results", nil))
		rr := serveRequest(server, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d. Body: %s", rr.Code, http.StatusOK, rr.Body.String())
		}

		var resp BatchResultsResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode results: %v", err)
		}

		if resp.Status.State != prediction.BatchRunning {
			t.Errorf("state = %q, want %q", resp.Status.State, prediction.BatchRunning)
		}

		if len(resp.Results) != 2 {
			t.Fatalf("results = %d, want 2", len(resp.Results))
		}

		if resp.Results[1].Error == "" {
			t.Error("expected the failed item to carry its error")
		}
	})

	t.Run("unknown batch returns 404", func(t *testing.T) {
		req := asPredictionUser(httptest.NewRequest(http.MethodGet, "/predictions/v1/batch/nope/results", nil))
		rr := serveRequest(server, req)

		if rr.Code != http.StatusNotFound {
			t.Errorf("status = %d, want %d", rr.Code, http.StatusNotFound)
		}
	})
}

func TestBatchEndpointsWithoutRunner(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	server := NewServer(newTestConfig(), Dependencies{})

	targets := []struct {
		method string
		target string
	}{
		{http.MethodPost, "/predictions/v1/batch"},
		{http.MethodGet, "/predictions/v1/batch/b1/status"},
		{http.MethodGet, "/predictions/v1/batch/b1/results"},
	}

	for _, tt := range targets {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, nil)
			rr := serveRequest(server, req)

			if rr.Code != http.StatusServiceUnavailable {
				t.Errorf("status = %d, want %d", rr.Code, http.StatusServiceUnavailable)
			}
		})
	}
}
