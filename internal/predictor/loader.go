package predictor

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sync/singleflight"

	"github.com/foresight-io/foresight/internal/artifact"
	"github.com/foresight-io/foresight/internal/model"
)

// defaultMemoCapacity bounds the loader memo. Six model types with an active
// and a handful of deprecated versions each fit comfortably.
const defaultMemoCapacity = 32

// Loader fetches serialized artifacts from the artifact store, builds
// predictors from them, and memoizes the result per type and version.
//
// Artifacts are immutable once written, so a memoized predictor never goes
// stale; Invalidate exists for the rare operational case of an artifact
// being re-uploaded in place.
type Loader struct {
	artifacts artifact.Store
	memo      *memo
	group     singleflight.Group
	logger    *slog.Logger
}

// LoaderOption configures optional Loader behavior.
type LoaderOption func(*Loader)

// WithMemoCapacity overrides how many built predictors the loader keeps.
func WithMemoCapacity(capacity int) LoaderOption {
	return func(l *Loader) {
		l.memo = newMemo(capacity)
	}
}

// WithLoaderLogger overrides the default JSON logger.
func WithLoaderLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger
	}
}

// NewLoader creates a Loader over the given artifact store.
func NewLoader(artifacts artifact.Store, opts ...LoaderOption) *Loader {
	l := &Loader{
		artifacts: artifacts,
		memo:      newMemo(defaultMemoCapacity),
		logger:    slog.New(slog.NewJSONHandler(os.Stdout, nil)),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Load returns the predictor for the registered model, downloading and
// decoding its artifact on first use. Concurrent loads of the same version
// collapse into one download.
func (l *Loader) Load(ctx context.Context, m *model.Model) (Predictor, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: model cannot be nil", model.ErrValidation)
	}

	if m.ArtifactURI == "" {
		return nil, fmt.Errorf("%w: model %s has no artifact", model.ErrPredictorLoad, m.ID)
	}

	key := loadKey(m.Type, m.Version)

	if p, ok := l.memo.get(key); ok {
		return p, nil
	}

	v, err, _ := l.group.Do(key, func() (interface{}, error) {
		// Re-check under the flight: a racing load may have filled the memo
		// between the miss and the Do.
		if p, ok := l.memo.get(key); ok {
			return p, nil
		}

		p, err := l.fetch(ctx, m)
		if err != nil {
			return nil, err
		}

		l.memo.add(key, p)

		return p, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(Predictor), nil
}

// Invalidate drops one memoized version, forcing the next Load to re-fetch.
func (l *Loader) Invalidate(t model.ModelType, version model.Version) {
	l.memo.remove(loadKey(t, version))
}

func (l *Loader) fetch(ctx context.Context, m *model.Model) (Predictor, error) {
	storageKey := artifact.ModelKey(m.Type, m.Version)

	rc, err := l.artifacts.Download(ctx, storageKey)
	if err != nil {
		return nil, fmt.Errorf("%w: download %s: %v", model.ErrPredictorLoad, storageKey, err)
	}
	defer rc.Close()

	a, err := DecodeArtifact(rc)
	if err != nil {
		return nil, err
	}

	if a.ModelType != m.Type || a.Version != m.Version.String() {
		return nil, fmt.Errorf("%w: artifact at %s describes %s %s, registry says %s %s",
			model.ErrPredictorLoad, storageKey, a.ModelType, a.Version, m.Type, m.Version.String())
	}

	p, err := a.Build()
	if err != nil {
		return nil, err
	}

	l.logger.InfoContext(ctx, "Loaded predictor",
		slog.String("model_type", m.Type.String()),
		slog.String("version", m.Version.String()),
		slog.String("kind", a.Kind),
	)

	return p, nil
}

func loadKey(t model.ModelType, version model.Version) string {
	return string(t) + "|" + version.String()
}
