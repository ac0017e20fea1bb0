// Package artifact provides storage for serialized predictor artifacts.
//
// An artifact is the trained predictor a registry entry points at through its
// ArtifactURI. This package defines the Store interface plus two backends: a
// local filesystem store for single-node deployments and development, and a
// remote HTTP store for shared deployments. A deployment runs exactly one
// backend; artifact URIs are only resolvable within the deployment that
// wrote them.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/foresight-io/foresight/internal/model"
)

// Backend names accepted by the FORESIGHT_ARTIFACT_BACKEND setting.
const (
	BackendLocal  = "local"
	BackendRemote = "remote"
)

// ErrDenied is returned when the remote backend rejects credentials. This is
// a deployment misconfiguration, not a transient failure, so callers must
// not retry.
var ErrDenied = errors.New("artifact store denied request")

// Store is the artifact persistence interface.
//
// Keys are slash-separated relative paths such as "print-time/1.2.0.json".
// Upload overwrites idempotently: re-uploading a key replaces the previous
// content and succeeds. Download of a missing key fails with
// model.ErrNotFound; Delete of a missing key succeeds.
type Store interface {
	// Upload stores the reader's content under key and returns the URI the
	// registry records for the model.
	Upload(ctx context.Context, key string, r io.Reader) (string, error)

	// Download streams the artifact content. The caller closes the reader.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists reports whether the key holds an artifact.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the artifact. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys under the given prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ModelKey returns the canonical artifact key for a model version,
// for example "print-time/1.2.0.json".
func ModelKey(t model.ModelType, v model.Version) string {
	return t.Slug() + "/" + v.String() + ".json"
}

// DatasetKey returns the canonical key for a dataset snapshot, addressed by
// its content hash so identical rebuilds land on the same object.
func DatasetKey(t model.ModelType, contentHash string) string {
	return "datasets/" + t.Slug() + "/" + contentHash + ".ndjson"
}

// ValidateKey rejects keys that could escape the store's namespace.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: artifact key cannot be empty", model.ErrValidation)
	}

	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: artifact key %q must be a relative slash path", model.ErrValidation, key)
	}

	for _, segment := range strings.Split(key, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return fmt.Errorf("%w: artifact key %q contains an invalid path segment", model.ErrValidation, key)
		}
	}

	return nil
}
