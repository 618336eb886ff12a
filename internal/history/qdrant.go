package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/fyrsmithlabs/promptgrade/internal/logging"
)

// QdrantConfig configures the remote store.
type QdrantConfig struct {
	Host       string
	Port       int
	UseTLS     bool
	Collection string
	// VectorSize must match the embedder's output dimension.
	VectorSize int
	// MaxMessageSize caps gRPC messages in both directions.
	MaxMessageSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 16 * 1024 * 1024
	}
}

// QdrantStore is a Store backed by a Qdrant server.
type QdrantStore struct {
	client   *qdrant.Client
	embedder Embedder
	cfg      QdrantConfig
	logger   *logging.Logger
}

var _ Store = (*QdrantStore)(nil)

// NewQdrantStore connects to Qdrant and creates the collection if needed.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig, embedder Embedder, logger *logging.Logger) (*QdrantStore, error) {
	cfg.ApplyDefaults()
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("%w: collection name is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant at %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	s := &QdrantStore{client: client, embedder: embedder, cfg: cfg, logger: logger}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", s.cfg.Collection, err)
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.cfg.VectorSize),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", s.cfg.Collection, err)
	}
	s.logger.Underlying().Info("created history collection", zap.String("collection", s.cfg.Collection))
	return nil
}

// Record implements Store.
func (s *QdrantStore) Record(ctx context.Context, r Record) (err error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.Record")
	defer span.End()
	start := time.Now()
	defer func() { observe("qdrant", "record", time.Since(start).Seconds(), err) }()

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

	vec, err := s.embed(ctx, r.Input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.cfg.Collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(r.ID),
			Vectors: qdrant.NewVectors(vec...),
			Payload: payloadFor(r),
		}},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting record %s: %w", r.ID, err)
	}
	s.logger.Debug(ctx, "history record stored", zap.String("record.id", r.ID))
	return nil
}

// Similar implements Store.
func (s *QdrantStore) Similar(ctx context.Context, text string, k int, minSimilarity float64) (matches []Match, err error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.Similar")
	defer span.End()
	start := time.Now()
	defer func() { observe("qdrant", "similar", time.Since(start).Seconds(), err) }()

	if k <= 0 {
		return nil, nil
	}
	vec, err := s.embed(ctx, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.cfg.Collection,
		Query:          qdrant.NewQuery(vec...),
		Limit:          qdrant.PtrOf(uint64(k)),
		ScoreThreshold: qdrant.PtrOf(float32(minSimilarity)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", s.cfg.Collection, err)
	}

	matches = make([]Match, 0, len(points))
	for _, p := range points {
		matches = append(matches, Match{
			Record:     recordFromPayload(p.Payload),
			Similarity: float64(p.Score),
		})
	}
	matches = filter(matches, k, minSimilarity)
	span.SetAttributes(attribute.Int("results_count", len(matches)))
	return matches, nil
}

// Close implements Store.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func (s *QdrantStore) embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := s.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(vec) != s.cfg.VectorSize {
		return nil, fmt.Errorf("%w: embedding has %d dimensions, collection expects %d",
			ErrInvalidConfig, len(vec), s.cfg.VectorSize)
	}
	return vec, nil
}

func payloadFor(r Record) map[string]*qdrant.Value {
	str := func(s string) *qdrant.Value {
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
	}
	return map[string]*qdrant.Value{
		"id":            str(r.ID),
		"run_id":        str(r.RunID),
		"input":         str(r.Input),
		"task_type":     str(r.TaskType),
		"grade":         str(r.Grade),
		"summary":       str(r.Summary),
		"created_at":    str(r.CreatedAt.Format(time.RFC3339)),
		"overall_score": {Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(r.OverallScore)}},
	}
}

func recordFromPayload(payload map[string]*qdrant.Value) Record {
	var r Record
	for k, v := range payload {
		switch val := v.GetKind().(type) {
		case *qdrant.Value_StringValue:
			switch k {
			case "id":
				r.ID = val.StringValue
			case "run_id":
				r.RunID = val.StringValue
			case "input":
				r.Input = val.StringValue
			case "task_type":
				r.TaskType = val.StringValue
			case "grade":
				r.Grade = val.StringValue
			case "summary":
				r.Summary = val.StringValue
			case "created_at":
				r.CreatedAt, _ = time.Parse(time.RFC3339, val.StringValue)
			}
		case *qdrant.Value_IntegerValue:
			if k == "overall_score" {
				r.OverallScore = int(val.IntegerValue)
			}
		case *qdrant.Value_DoubleValue:
			if k == "overall_score" {
				r.OverallScore = int(val.DoubleValue)
			}
		}
	}
	return r
}
