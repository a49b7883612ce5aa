// Package ai provides the online probability scorer behind the entry gate.
// Two interchangeable implementations exist: online_lr, plain logistic
// regression with a fixed learning rate, and sgd_compat, the same update
// under an inverse-scaling rate. Snapshots persist to ai_models; the row's
// impl tag decides which implementation decodes the blob, so the config
// default only applies on cold start.
package ai

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"asv8/internal/config"
	"asv8/pkg/types"
)

const (
	ImplOnlineLR  = "online_lr"
	ImplSGDCompat = "sgd_compat"
)

// Scorer maps a feature vector to a win probability and learns online from
// realized trade outcomes.
type Scorer interface {
	// Score returns P(win) in [0,1]. An empty vector scores 0.5.
	Score(x []float64) float64
	// PartialFit applies one SGD step toward label (1 win, 0 loss) and
	// returns the pre-update probability.
	PartialFit(x []float64, label int) float64
	// Seen is the number of samples fitted so far. Zero means cold start.
	Seen() int64
	Impl() string
	Marshal() ([]byte, error)
}

// New builds an empty scorer of the named implementation.
func New(impl string, dim int, lr, l2 float64) (Scorer, error) {
	switch impl {
	case ImplOnlineLR:
		return newOnlineLR(dim, lr, l2), nil
	case ImplSGDCompat:
		return newSGDCompat(dim, lr, l2), nil
	default:
		return nil, fmt.Errorf("ai: unknown impl %q", impl)
	}
}

// Unmarshal decodes a persisted snapshot with the implementation recorded on
// its row.
func Unmarshal(impl string, blob []byte, dim int) (Scorer, error) {
	switch impl {
	case ImplOnlineLR:
		return unmarshalOnlineLR(blob, dim)
	case ImplSGDCompat:
		return unmarshalSGDCompat(blob, dim)
	default:
		return nil, fmt.Errorf("ai: unknown impl %q", impl)
	}
}

// sigmoid is numerically stable for large |z|.
func sigmoid(z float64) float64 {
	if z >= 0 {
		ez := math.Exp(-z)
		return 1 / (1 + ez)
	}
	ez := math.Exp(z)
	return ez / (1 + ez)
}

// Repo is the slice of the store the model lifecycle needs.
type Repo interface {
	CurrentAIModel(ctx context.Context, modelName string) (*types.AIModel, error)
	SaveAIModel(ctx context.Context, m *types.AIModel) error
}

// Model wraps a Scorer with persistence cadence and a mutex, since ticks for
// different symbols score and learn concurrently.
type Model struct {
	mu           sync.Mutex
	scorer       Scorer
	repo         Repo
	name         string
	version      int
	persistEvery int
	sincePersist int
	logger       *slog.Logger
}

// Load restores the current snapshot for cfg.ModelName, or starts a fresh
// scorer of cfg.ModelImpl when none was ever persisted.
func Load(ctx context.Context, repo Repo, cfg config.AIConfig, logger *slog.Logger) (*Model, error) {
	m := &Model{
		repo:         repo,
		name:         cfg.ModelName,
		persistEvery: cfg.PersistEvery,
		logger:       logger.With("component", "ai", "model", cfg.ModelName),
	}

	row, err := repo.CurrentAIModel(ctx, cfg.ModelName)
	if err != nil {
		return nil, fmt.Errorf("load ai model: %w", err)
	}
	if row == nil {
		m.scorer, err = New(cfg.ModelImpl, cfg.Dim, cfg.LearningRate, cfg.L2)
		if err != nil {
			return nil, err
		}
		m.logger.Info("ai model cold start", "impl", cfg.ModelImpl, "dim", cfg.Dim)
		return m, nil
	}

	m.scorer, err = Unmarshal(row.Impl, row.Blob, cfg.Dim)
	if err != nil {
		return nil, fmt.Errorf("load ai model %s: %w", cfg.ModelName, err)
	}
	m.version = row.Version
	m.logger.Info("ai model restored", "impl", row.Impl, "version", row.Version, "seen", m.scorer.Seen())
	return m, nil
}

// Score returns the 0-100 score the entry gate compares against
// AI_SCORE_MIN, i.e. probability scaled by 100.
func (m *Model) Score(x []float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scorer.Score(x) * 100
}

// ColdStart reports whether the model has never fitted a sample. Cold-start
// scores fall back to the neutral default and forbid margin amplification.
func (m *Model) ColdStart() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scorer.Seen() == 0
}

// Learn fits one realized outcome and persists a snapshot every
// persistEvery fits. Persistence failures are logged, not propagated; the
// next fit retries.
func (m *Model) Learn(ctx context.Context, x []float64, label int) {
	m.mu.Lock()
	p := m.scorer.PartialFit(x, label)
	m.sincePersist++
	due := m.persistEvery > 0 && m.sincePersist >= m.persistEvery
	m.mu.Unlock()

	m.logger.Debug("ai partial fit", "label", label, "prob_before", p)
	if due {
		if err := m.Persist(ctx); err != nil {
			m.logger.Error("ai persist failed", "error", err)
		}
	}
}

// Persist snapshots the scorer into ai_models and flips is_current to it.
func (m *Model) Persist(ctx context.Context) error {
	m.mu.Lock()
	blob, err := m.scorer.Marshal()
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("persist ai model: %w", err)
	}
	m.version++
	row := &types.AIModel{
		ModelName:   m.name,
		Impl:        m.scorer.Impl(),
		Version:     m.version,
		MetricsJSON: []byte(fmt.Sprintf(`{"seen":%d}`, m.scorer.Seen())),
		Blob:        blob,
	}
	seen := m.scorer.Seen()
	m.sincePersist = 0
	m.mu.Unlock()

	if err := m.repo.SaveAIModel(ctx, row); err != nil {
		return fmt.Errorf("persist ai model: %w", err)
	}
	m.logger.Info("ai model persisted", "version", row.Version, "seen", seen)
	return nil
}
