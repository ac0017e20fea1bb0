// Package platform reads live operational state from the manufacturing
// platform's internal REST API: customer purchasing profiles, inventory
// positions, and per-station production load. The prediction paths consume
// these through the reader interfaces they own; this client implements all
// three.
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/foresight-io/foresight/internal/model"
	"github.com/foresight-io/foresight/internal/prediction"
)

// defaultTimeout bounds a single platform request. The prediction paths sit
// on the request path of the API, so a slow platform answer must fail fast
// enough for the fallback to take over.
const defaultTimeout = 10 * time.Second

type (
	// Client talks to the platform API. Requests carry a bearer token when
	// one is configured; inside the service mesh the platform accepts
	// unauthenticated calls and the token stays empty.
	Client struct {
		base   *url.URL
		token  string
		client *http.Client
		logger *slog.Logger
	}

	// ClientOption configures a Client.
	ClientOption func(*Client)

	customerProfileResponse struct {
		CustomerID        string  `json:"customer_id"`
		RecencyDays       float64 `json:"recency_days"`
		OrdersPerMonth    float64 `json:"orders_per_month"`
		AvgOrderValue     float64 `json:"avg_order_value"`
		TenureMonths      float64 `json:"tenure_months"`
		SupportTickets    float64 `json:"support_tickets"`
		LatePayments      float64 `json:"late_payments"`
		OrderTrendPercent float64 `json:"order_trend_percent"`
	}

	stockResponse struct {
		MaterialSKU  string  `json:"material_sku"`
		OnHand       float64 `json:"on_hand"`
		LeadTimeDays int     `json:"lead_time_days"`
		Unit         string  `json:"unit"`
	}

	workstationResponse struct {
		ID       string             `json:"id"`
		Name     string             `json:"name"`
		Features map[string]float64 `json:"features"`
	}

	workstationsResponse struct {
		Workstations []workstationResponse `json:"workstations"`
	}
)

var (
	_ prediction.CustomerReader    = (*Client)(nil)
	_ prediction.MaterialReader    = (*Client)(nil)
	_ prediction.WorkstationReader = (*Client)(nil)
)

// WithHTTPClient overrides the HTTP client (timeouts, transport).
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.client = client
		}
	}
}

// WithClientLogger sets the structured logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a client for the platform API at baseURL. An empty
// token disables the Authorization header.
func NewClient(baseURL, token string, opts ...ClientOption) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: platform base url: %v", model.ErrValidation, err)
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("%w: platform base url %q must be http or https", model.ErrValidation, baseURL)
	}

	c := &Client{
		base:   parsed,
		token:  strings.TrimSpace(token),
		client: &http.Client{Timeout: defaultTimeout},
		logger: slog.New(slog.NewJSONHandler(os.Stdout, nil)),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Profile returns the customer's aggregated purchasing behavior.
func (c *Client) Profile(ctx context.Context, customerID string) (prediction.CustomerProfile, error) {
	if strings.TrimSpace(customerID) == "" {
		return prediction.CustomerProfile{}, fmt.Errorf("%w: customer id cannot be empty", model.ErrValidation)
	}

	var parsed customerProfileResponse

	endpoint := c.endpoint("customers", customerID, "profile")
	if err := c.getJSON(ctx, endpoint, "customer profile", customerID, &parsed); err != nil {
		return prediction.CustomerProfile{}, err
	}

	profile := prediction.CustomerProfile{
		CustomerID:        parsed.CustomerID,
		RecencyDays:       parsed.RecencyDays,
		OrdersPerMonth:    parsed.OrdersPerMonth,
		AvgOrderValue:     parsed.AvgOrderValue,
		TenureMonths:      parsed.TenureMonths,
		SupportTickets:    parsed.SupportTickets,
		LatePayments:      parsed.LatePayments,
		OrderTrendPercent: parsed.OrderTrendPercent,
	}
	if profile.CustomerID == "" {
		profile.CustomerID = customerID
	}

	return profile, nil
}

// Stock returns the live inventory position of one SKU.
func (c *Client) Stock(ctx context.Context, sku string) (prediction.MaterialStock, error) {
	if strings.TrimSpace(sku) == "" {
		return prediction.MaterialStock{}, fmt.Errorf("%w: material sku cannot be empty", model.ErrValidation)
	}

	var parsed stockResponse

	endpoint := c.endpoint("inventory", sku)
	if err := c.getJSON(ctx, endpoint, "inventory position", sku, &parsed); err != nil {
		return prediction.MaterialStock{}, err
	}

	stock := prediction.MaterialStock{
		MaterialSKU:  parsed.MaterialSKU,
		OnHand:       parsed.OnHand,
		LeadTimeDays: parsed.LeadTimeDays,
		Unit:         parsed.Unit,
	}
	if stock.MaterialSKU == "" {
		stock.MaterialSKU = sku
	}

	return stock, nil
}

// Workstations returns the facility's per-station scheduled load in the
// half-open range [from, to).
func (c *Client) Workstations(ctx context.Context, facilityID string, from, to time.Time) ([]prediction.Workstation, error) {
	if strings.TrimSpace(facilityID) == "" {
		return nil, fmt.Errorf("%w: facility id cannot be empty", model.ErrValidation)
	}

	endpoint := c.endpoint("facilities", facilityID, "workstations")
	q := endpoint.Query()
	q.Set("from", from.UTC().Format(time.RFC3339))
	q.Set("to", to.UTC().Format(time.RFC3339))
	endpoint.RawQuery = q.Encode()

	var parsed workstationsResponse
	if err := c.getJSON(ctx, endpoint, "workstation load", facilityID, &parsed); err != nil {
		return nil, err
	}

	stations := make([]prediction.Workstation, len(parsed.Workstations))
	for i, ws := range parsed.Workstations {
		stations[i] = prediction.Workstation{
			ID:       ws.ID,
			Name:     ws.Name,
			Features: ws.Features,
		}
	}

	return stations, nil
}

// endpoint builds a management URL from path segments.
func (c *Client) endpoint(segments ...string) url.URL {
	u := *c.base
	u.Path = path.Join(append([]string{u.Path}, segments...)...)

	return u
}

// getJSON issues an authorized GET and decodes the response into out.
func (c *Client) getJSON(ctx context.Context, endpoint url.URL, what, subject string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", what, err)
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s for %s: %v", model.ErrTransientInfra, what, subject, err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return c.statusError(what, subject, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response for %s: %v", model.ErrTransientInfra, what, subject, err)
	}

	return nil
}

// statusError maps a non-success status to the error taxonomy. Anything
// but a 404 reads as infrastructure trouble so the serving path can fall
// back instead of failing the request outright.
func (c *Client) statusError(what, subject string, status int) error {
	if status == http.StatusNotFound {
		return fmt.Errorf("%w: %s %s", model.ErrNotFound, what, subject)
	}

	return fmt.Errorf("%w: %s for %s returned status %d", model.ErrTransientInfra, what, subject, status)
}

// drain discards and closes a response body so connections are reused.
func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
