package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/foresight-io/foresight/internal/model"
)

const (
	// defaultRemoteTimeout bounds a single artifact service request.
	defaultRemoteTimeout = 30 * time.Second

	// uploadFieldName is the multipart form field carrying artifact content.
	uploadFieldName = "artifact"
)

type (
	// RemoteStore talks to an artifact service over HTTP.
	//
	// All management requests carry a bearer token. Uploads are multipart
	// PUTs and overwrite idempotently. Downloads are staged: the store first
	// asks the service for a short-lived signed URL, then fetches the
	// content from it without credentials.
	RemoteStore struct {
		base   *url.URL
		token  string
		client *http.Client
		logger *slog.Logger
	}

	// RemoteOption configures a RemoteStore.
	RemoteOption func(*RemoteStore)

	// uploadResponse is the service's reply to a successful upload.
	uploadResponse struct {
		URI string `json:"uri"`
	}

	// downloadURLResponse carries the signed download URL.
	downloadURLResponse struct {
		URL       string    `json:"url"`
		ExpiresAt time.Time `json:"expiresAt"`
	}

	// listResponse carries a key listing.
	listResponse struct {
		Keys []string `json:"keys"`
	}
)

// WithHTTPClient overrides the HTTP client (timeouts, transport).
func WithHTTPClient(client *http.Client) RemoteOption {
	return func(s *RemoteStore) {
		if client != nil {
			s.client = client
		}
	}
}

// WithRemoteLogger sets the structured logger.
func WithRemoteLogger(logger *slog.Logger) RemoteOption {
	return func(s *RemoteStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewRemoteStore creates a store for the artifact service at baseURL.
func NewRemoteStore(baseURL, token string, opts ...RemoteOption) (*RemoteStore, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: artifact base url: %v", model.ErrValidation, err)
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("%w: artifact base url %q must be http or https", model.ErrValidation, baseURL)
	}

	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("%w: artifact service token cannot be empty", model.ErrValidation)
	}

	s := &RemoteStore{
		base:   parsed,
		token:  token,
		client: &http.Client{Timeout: defaultRemoteTimeout},
		logger: slog.New(slog.NewJSONHandler(os.Stdout, nil)),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Upload sends the artifact as a multipart PUT. Re-uploading a key replaces
// the stored content.
func (s *RemoteStore) Upload(ctx context.Context, key string, r io.Reader) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile(uploadFieldName, path.Base(key))
	if err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}

	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("read artifact content: %w", err)
	}

	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalize upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.artifactURL(key), &body)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: artifact upload: %v", model.ErrTransientInfra, err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", s.statusError("upload", key, resp.StatusCode)
	}

	var parsed uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err == nil && parsed.URI != "" {
		return parsed.URI, nil
	}

	// Service did not echo a URI; the artifact endpoint itself is canonical.
	return s.artifactURL(key), nil
}

// Download fetches a signed URL from the service, then streams the content
// from it. The signed request carries no credentials; the URL is the
// credential.
func (s *RemoteStore) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.artifactURL(key)+"/download-url", nil)
	if err != nil {
		return nil, fmt.Errorf("build download-url request: %w", err)
	}
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: artifact download-url: %v", model.ErrTransientInfra, err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, s.statusError("download-url", key, resp.StatusCode)
	}

	var signed downloadURLResponse
	if err := json.NewDecoder(resp.Body).Decode(&signed); err != nil {
		return nil, fmt.Errorf("%w: decode download-url response: %v", model.ErrTransientInfra, err)
	}

	if signed.URL == "" {
		return nil, fmt.Errorf("%w: artifact service returned empty download url", model.ErrTransientInfra)
	}

	contentReq, err := http.NewRequestWithContext(ctx, http.MethodGet, signed.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build signed download request: %w", err)
	}

	contentResp, err := s.client.Do(contentReq)
	if err != nil {
		return nil, fmt.Errorf("%w: artifact content fetch: %v", model.ErrTransientInfra, err)
	}

	if contentResp.StatusCode != http.StatusOK {
		contentResp.Body.Close()

		// Signed URLs expire; an expired or revoked URL is retryable by
		// requesting a fresh one.
		return nil, fmt.Errorf("%w: signed artifact fetch for %s returned status %d",
			model.ErrTransientInfra, key, contentResp.StatusCode)
	}

	return contentResp.Body, nil
}

// Exists issues a HEAD for the artifact.
func (s *RemoteStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.artifactURL(key), nil)
	if err != nil {
		return false, fmt.Errorf("build exists request: %w", err)
	}
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: artifact exists: %v", model.ErrTransientInfra, err)
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, s.statusError("exists", key, resp.StatusCode)
	}
}

// Delete removes the artifact. A missing artifact is not an error.
func (s *RemoteStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.artifactURL(key), nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: artifact delete: %v", model.ErrTransientInfra, err)
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return s.statusError("delete", key, resp.StatusCode)
	}
}

// List asks the service for keys under a prefix.
func (s *RemoteStore) List(ctx context.Context, prefix string) ([]string, error) {
	listURL := *s.base
	listURL.Path = path.Join(listURL.Path, "artifacts")
	q := listURL.Query()
	q.Set("prefix", prefix)
	listURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build list request: %w", err)
	}
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: artifact list: %v", model.ErrTransientInfra, err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, s.statusError("list", prefix, resp.StatusCode)
	}

	var parsed listResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decode list response: %v", model.ErrTransientInfra, err)
	}

	return parsed.Keys, nil
}

// artifactURL builds the management endpoint for a key.
func (s *RemoteStore) artifactURL(key string) string {
	u := *s.base
	u.Path = path.Join(u.Path, "artifacts", key)

	return u.String()
}

// authorize attaches the bearer token.
func (s *RemoteStore) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.token)
}

// statusError maps a non-success status to the error taxonomy.
func (s *RemoteStore) statusError(op, key string, status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s %s returned status %d", ErrDenied, op, key, status)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: artifact %s", model.ErrNotFound, key)
	case status >= 500:
		return fmt.Errorf("%w: artifact %s for %s returned status %d", model.ErrTransientInfra, op, key, status)
	default:
		return fmt.Errorf("artifact %s for %s returned unexpected status %d", op, key, status)
	}
}

// drain discards and closes a response body so connections are reused.
func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
