package history

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/promptgrade/internal/config"
	"github.com/fyrsmithlabs/promptgrade/internal/logging"
)

// Lookup bundles a store with the query bounds used by the analysis step.
type Lookup struct {
	Store         Store
	TopK          int
	MinSimilarity float64
}

// DefaultLookup wraps store with top 3 and similarity 0.7.
func DefaultLookup(store Store) Lookup {
	return Lookup{Store: store, TopK: 3, MinSimilarity: 0.7}
}

// Find runs the similarity query. A nil store finds nothing.
func (l Lookup) Find(ctx context.Context, text string) ([]Match, error) {
	if l.Store == nil {
		return nil, nil
	}
	return l.Store.Similar(ctx, text, l.TopK, l.MinSimilarity)
}

// FromConfig builds the configured store. Provider "none" yields Nop.
func FromConfig(ctx context.Context, cfg config.HistoryConfig, logger *logging.Logger) (Store, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.Provider == "" || cfg.Provider == "none" {
		return Nop{}, nil
	}

	embedder, err := NewEmbedder(EmbedderConfig{
		BaseURL: cfg.Embeddings.BaseURL,
		Model:   cfg.Embeddings.Model,
		APIKey:  cfg.Embeddings.APIKey.Value(),
	})
	if err != nil {
		return nil, err
	}

	switch cfg.Provider {
	case "chromem":
		path, err := config.ExpandHome(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding history path: %w", err)
		}
		logger.Underlying().Info("opening history store",
			zap.String("provider", "chromem"), zap.String("path", path))
		return NewChromemStore(ChromemConfig{
			Path:       path,
			Compress:   cfg.Compress,
			Collection: CollectionName(cfg.Collection),
		}, embedder, logger)
	case "qdrant":
		logger.Underlying().Info("opening history store",
			zap.String("provider", "qdrant"),
			zap.String("host", cfg.Qdrant.Host), zap.Int("port", cfg.Qdrant.Port))
		return NewQdrantStore(ctx, QdrantConfig{
			Host:       cfg.Qdrant.Host,
			Port:       cfg.Qdrant.Port,
			UseTLS:     cfg.Qdrant.UseTLS,
			Collection: CollectionName(cfg.Collection),
			VectorSize: cfg.Qdrant.VectorSize,
		}, embedder, logger)
	}
	return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
}

// LookupFromConfig wraps store with the configured bounds.
func LookupFromConfig(store Store, cfg config.HistoryConfig) Lookup {
	l := DefaultLookup(store)
	if cfg.TopK > 0 {
		l.TopK = cfg.TopK
	}
	if cfg.MinSimilarity > 0 {
		l.MinSimilarity = cfg.MinSimilarity
	}
	return l
}
