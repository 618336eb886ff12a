package history

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/promptgrade/internal/logging"
)

var tracer = otel.Tracer("promptgrade.history")

// ChromemConfig configures the embedded store.
type ChromemConfig struct {
	// Path is the persistence directory. Empty keeps everything in memory.
	Path       string
	Compress   bool
	Collection string
}

// ChromemStore is a Store backed by chromem-go.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	logger     *logging.Logger
}

var _ Store = (*ChromemStore)(nil)

// NewChromemStore opens or creates the collection named in cfg.
func NewChromemStore(cfg ChromemConfig, embedder Embedder, logger *logging.Logger) (*ChromemStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("%w: collection name is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("opening chromem database at %s: %w", cfg.Path, err)
		}
	}

	embed := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.EmbedQuery(ctx, text)
	}
	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("opening collection %s: %w", cfg.Collection, err)
	}
	return &ChromemStore{db: db, collection: collection, logger: logger}, nil
}

// Record implements Store.
func (s *ChromemStore) Record(ctx context.Context, r Record) (err error) {
	ctx, span := tracer.Start(ctx, "ChromemStore.Record")
	defer span.End()
	start := time.Now()
	defer func() { observe("chromem", "record", time.Since(start).Seconds(), err) }()

	if err := validate(r); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	span.SetAttributes(attribute.String("record.id", r.ID))

	doc := chromem.Document{
		ID:      r.ID,
		Content: r.Input,
		Metadata: map[string]string{
			"run_id":        r.RunID,
			"task_type":     r.TaskType,
			"overall_score": strconv.Itoa(r.OverallScore),
			"grade":         r.Grade,
			"summary":       r.Summary,
			"created_at":    r.CreatedAt.Format(time.RFC3339),
		},
	}
	if err := s.collection.AddDocument(ctx, doc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding record %s: %w", r.ID, err)
	}
	s.logger.Debug(ctx, "history record stored", zap.String("record.id", r.ID))
	return nil
}

// Similar implements Store.
func (s *ChromemStore) Similar(ctx context.Context, text string, k int, minSimilarity float64) (matches []Match, err error) {
	ctx, span := tracer.Start(ctx, "ChromemStore.Similar")
	defer span.End()
	start := time.Now()
	defer func() { observe("chromem", "similar", time.Since(start).Seconds(), err) }()

	// chromem rejects nResults above the document count.
	n := k
	if count := s.collection.Count(); n > count {
		n = count
	}
	if n <= 0 {
		return nil, nil
	}

	results, err := s.collection.Query(ctx, text, n, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection: %w", err)
	}

	matches = make([]Match, 0, len(results))
	for _, res := range results {
		matches = append(matches, Match{
			Record:     recordFromMetadata(res.ID, res.Content, res.Metadata),
			Similarity: float64(res.Similarity),
		})
	}
	matches = filter(matches, k, minSimilarity)
	span.SetAttributes(attribute.Int("results_count", len(matches)))
	return matches, nil
}

// Close implements Store. Persistent databases write through on every
// insert, so there is nothing to flush.
func (s *ChromemStore) Close() error { return nil }

func recordFromMetadata(id, content string, md map[string]string) Record {
	r := Record{
		ID:       id,
		Input:    content,
		RunID:    md["run_id"],
		TaskType: md["task_type"],
		Grade:    md["grade"],
		Summary:  md["summary"],
	}
	r.OverallScore, _ = strconv.Atoi(md["overall_score"])
	r.CreatedAt, _ = time.Parse(time.RFC3339, md["created_at"])
	return r
}
