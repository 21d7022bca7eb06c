package vectorstore

import (
	"context"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/tidemarklabs/recalld/internal/errs"
	"github.com/tidemarklabs/recalld/internal/reliability"
)

var tracer = otel.Tracer("recalld/vectorstore")

const (
	denseVectorName  = "dense"
	sparseVectorName = "sparse"
)

// keywordIndexFields are the payload fields every collection gets a keyword
// index for, so filtered searches stay fast at scale.
var keywordIndexFields = []string{"file", "language", "layer", "service", "type"}

// Config holds Qdrant connection settings.
type Config struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool

	// VectorSize is the dense embedding dimensionality.
	VectorSize int

	// SparseVectors enables the named dense+sparse vector layout used for
	// native hybrid search. Collections created without it carry a single
	// unnamed dense vector.
	SparseVectors bool

	// MaxMessageSize caps gRPC message size in bytes. Batch upserts of large
	// files exceed the 4 MB gRPC default.
	MaxMessageSize int
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port must be in (0, 65535], got %d", ErrInvalidConfig, c.Port)
	}
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive, got %d", ErrInvalidConfig, c.VectorSize)
	}
	return nil
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.VectorSize == 0 {
		c.VectorSize = 1024
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

// QdrantStore implements Store on the Qdrant gRPC API. Every call runs under
// the vector-store circuit breaker with retry, so transient gRPC failures are
// absorbed and a down Qdrant fails fast.
type QdrantStore struct {
	client  *qdrant.Client
	cfg     Config
	breaker *reliability.Breaker
	retry   reliability.RetryConfig
	logger  *zap.Logger
}

var _ Store = (*QdrantStore)(nil)

// NewQdrantStore connects to Qdrant and returns the store.
func NewQdrantStore(cfg Config, breakers *reliability.Registry, logger *zap.Logger) (*QdrantStore, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	retry := reliability.DefaultRetryConfig()
	retry.Timeout = 15 * time.Second

	return &QdrantStore{
		client:  client,
		cfg:     cfg,
		breaker: breakers.Get(reliability.DepVectorStore),
		retry:   retry,
		logger:  logger.Named("vectorstore"),
	}, nil
}

// Close releases the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// do runs op under the breaker and retry policy, classifying raw gRPC
// failures as external errors so the retry loop recognizes them.
func (s *QdrantStore) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return s.breaker.Do(ctx, func(ctx context.Context) error {
		return reliability.WithRetry(ctx, "qdrant."+op, s.retry, func(ctx context.Context) error {
			if err := fn(ctx); err != nil {
				if errs.KindOf(err) != errs.KindUnknown {
					return err
				}
				return errs.External(reliability.DepVectorStore, err)
			}
			return nil
		})
	})
}

// Upsert inserts or updates points.
func (s *QdrantStore) Upsert(ctx context.Context, collection string, points []Point) error {
	ctx, span := tracer.Start(ctx, "vectorstore.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("points", len(points)),
	)

	if len(points) == 0 {
		span.SetStatus(codes.Error, "empty points")
		return ErrEmptyPoints
	}

	structs := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		structs = append(structs, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.ID),
			Vectors: s.toVectors(p),
			Payload: qdrant.NewValueMap(normalizePayload(p.Payload)),
		})
	}

	err := s.do(ctx, "upsert", func(ctx context.Context) error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Points:         structs,
			Wait:           qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (s *QdrantStore) toVectors(p Point) *qdrant.Vectors {
	if !s.cfg.SparseVectors {
		return qdrant.NewVectors(p.Vector...)
	}
	m := map[string]*qdrant.Vector{
		denseVectorName: qdrant.NewVector(p.Vector...),
	}
	if p.Sparse != nil {
		m[sparseVectorName] = qdrant.NewVectorSparse(p.Sparse.Indices, p.Sparse.Values)
	}
	return qdrant.NewVectorsMap(m)
}

// using returns the vector name selector for queries. Unnamed layouts must
// pass nil.
func (s *QdrantStore) using() *string {
	if s.cfg.SparseVectors {
		return qdrant.PtrOf(denseVectorName)
	}
	return nil
}

// Search returns the top k points by cosine similarity.
func (s *QdrantStore) Search(ctx context.Context, collection string, vector []float32, k int, filter *Filter, scoreThreshold float32) ([]SearchResult, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("limit", k),
	)

	query := &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vector...),
		Using:          s.using(),
		Limit:          qdrant.PtrOf(uint64(k)),
		Filter:         toQdrantFilter(filter),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if scoreThreshold > 0 {
		query.ScoreThreshold = qdrant.PtrOf(scoreThreshold)
	}

	var scored []*qdrant.ScoredPoint
	err := s.do(ctx, "query", func(ctx context.Context) error {
		var err error
		scored, err = s.client.Query(ctx, query)
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	results := fromScoredPoints(scored)
	span.SetAttributes(attribute.Int("results", len(results)))
	span.SetStatus(codes.Ok, "")
	return results, nil
}

// SearchGroups groups results by a payload field.
func (s *QdrantStore) SearchGroups(ctx context.Context, collection string, vector []float32, groupBy string, k, groupSize int, filter *Filter) ([]Group, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.SearchGroups")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.String("groupBy", groupBy),
	)

	var groups []*qdrant.PointGroup
	err := s.do(ctx, "queryGroups", func(ctx context.Context) error {
		var err error
		groups, err = s.client.QueryGroups(ctx, &qdrant.QueryPointGroups{
			CollectionName: collection,
			Query:          qdrant.NewQuery(vector...),
			Using:          s.using(),
			GroupBy:        groupBy,
			GroupSize:      qdrant.PtrOf(uint64(groupSize)),
			Limit:          qdrant.PtrOf(uint64(k)),
			Filter:         toQdrantFilter(filter),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	out := make([]Group, 0, len(groups))
	for _, g := range groups {
		out = append(out, Group{
			Key:  groupKey(g.GetId()),
			Hits: fromScoredPoints(g.GetHits()),
		})
	}
	span.SetStatus(codes.Ok, "")
	return out, nil
}

func groupKey(id *qdrant.GroupId) string {
	if id == nil {
		return ""
	}
	if s := id.GetStringValue(); s != "" {
		return s
	}
	return fmt.Sprintf("%d", id.GetIntegerValue())
}

// SearchHybrid runs dense and sparse prefetches fused with reciprocal rank
// fusion. Requires the named-vector layout.
func (s *QdrantStore) SearchHybrid(ctx context.Context, collection string, dense []float32, sparse *SparseVector, k int, filter *Filter) ([]SearchResult, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.SearchHybrid")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection))

	if !s.cfg.SparseVectors || sparse == nil {
		span.SetStatus(codes.Error, "sparse vectors not configured")
		return nil, errs.Configuration("hybrid search requires sparse vectors")
	}

	prefetchLimit := uint64(k * 2)
	var scored []*qdrant.ScoredPoint
	err := s.do(ctx, "queryHybrid", func(ctx context.Context) error {
		var err error
		scored, err = s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: collection,
			Prefetch: []*qdrant.PrefetchQuery{
				{
					Query:  qdrant.NewQuery(dense...),
					Using:  qdrant.PtrOf(denseVectorName),
					Limit:  qdrant.PtrOf(prefetchLimit),
					Filter: toQdrantFilter(filter),
				},
				{
					Query:  qdrant.NewQuerySparse(sparse.Indices, sparse.Values),
					Using:  qdrant.PtrOf(sparseVectorName),
					Limit:  qdrant.PtrOf(prefetchLimit),
					Filter: toQdrantFilter(filter),
				},
			},
			Query:       qdrant.NewQueryFusion(qdrant.Fusion_RRF),
			Limit:       qdrant.PtrOf(uint64(k)),
			WithPayload: qdrant.NewWithPayload(true),
		})
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	return fromScoredPoints(scored), nil
}

// Recommend returns points similar to the positive ids.
func (s *QdrantStore) Recommend(ctx context.Context, collection string, positive, negative []string, k int) ([]SearchResult, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.Recommend")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("positive", len(positive)),
	)

	input := &qdrant.RecommendInput{}
	for _, id := range positive {
		input.Positive = append(input.Positive, qdrant.NewVectorInputID(qdrant.NewIDUUID(id)))
	}
	for _, id := range negative {
		input.Negative = append(input.Negative, qdrant.NewVectorInputID(qdrant.NewIDUUID(id)))
	}

	var scored []*qdrant.ScoredPoint
	err := s.do(ctx, "recommend", func(ctx context.Context) error {
		var err error
		scored, err = s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: collection,
			Query:          qdrant.NewQueryRecommend(input),
			Using:          s.using(),
			Limit:          qdrant.PtrOf(uint64(k)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	return fromScoredPoints(scored), nil
}

// Scroll pages through points matching filter.
func (s *QdrantStore) Scroll(ctx context.Context, collection string, filter *Filter, limit int) ([]SearchResult, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.Scroll")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection))

	var retrieved []*qdrant.RetrievedPoint
	err := s.do(ctx, "scroll", func(ctx context.Context) error {
		var err error
		retrieved, err = s.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: collection,
			Filter:         toQdrantFilter(filter),
			Limit:          qdrant.PtrOf(uint32(limit)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("results", len(retrieved)))
	span.SetStatus(codes.Ok, "")
	return fromRetrievedPoints(retrieved), nil
}

// Retrieve fetches points by id.
func (s *QdrantStore) Retrieve(ctx context.Context, collection string, ids []string) ([]SearchResult, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.Retrieve")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("ids", len(ids)),
	)

	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrant.NewIDUUID(id))
	}

	var retrieved []*qdrant.RetrievedPoint
	err := s.do(ctx, "get", func(ctx context.Context) error {
		var err error
		retrieved, err = s.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: collection,
			Ids:            pointIDs,
			WithPayload:    qdrant.NewWithPayload(true),
		})
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	return fromRetrievedPoints(retrieved), nil
}

// SetPayload merges patch into a point's payload.
func (s *QdrantStore) SetPayload(ctx context.Context, collection, id string, patch map[string]any) error {
	ctx, span := tracer.Start(ctx, "vectorstore.SetPayload")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection))

	err := s.do(ctx, "setPayload", func(ctx context.Context) error {
		_, err := s.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
			CollectionName: collection,
			Payload:        qdrant.NewValueMap(normalizePayload(patch)),
			PointsSelector: qdrant.NewPointsSelector(qdrant.NewIDUUID(id)),
			Wait:           qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// Delete removes points by id.
func (s *QdrantStore) Delete(ctx context.Context, collection string, ids []string) error {
	ctx, span := tracer.Start(ctx, "vectorstore.Delete")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("ids", len(ids)),
	)

	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrant.NewIDUUID(id))
	}

	err := s.do(ctx, "delete", func(ctx context.Context) error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: collection,
			Points:         qdrant.NewPointsSelector(pointIDs...),
			Wait:           qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// DeleteByFilter removes matching points, returning the matched count.
func (s *QdrantStore) DeleteByFilter(ctx context.Context, collection string, filter *Filter) (int, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.DeleteByFilter")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection))

	count, err := s.Count(ctx, collection, filter)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	err = s.do(ctx, "deleteByFilter", func(ctx context.Context) error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: collection,
			Points:         qdrant.NewPointsSelectorFilter(toQdrantFilter(filter)),
			Wait:           qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	span.SetAttributes(attribute.Int("deleted", count))
	span.SetStatus(codes.Ok, "")
	return count, nil
}

// Count counts points matching filter.
func (s *QdrantStore) Count(ctx context.Context, collection string, filter *Filter) (int, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.Count")
	defer span.End()

	var count uint64
	err := s.do(ctx, "count", func(ctx context.Context) error {
		var err error
		count, err = s.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: collection,
			Filter:         toQdrantFilter(filter),
			Exact:          qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	span.SetStatus(codes.Ok, "")
	return int(count), nil
}

// AggregateByField returns value counts for a keyword payload field via the
// facet API.
func (s *QdrantStore) AggregateByField(ctx context.Context, collection, field string) (map[string]int, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.AggregateByField")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.String("field", field),
	)

	var hits []*qdrant.FacetHit
	err := s.do(ctx, "facet", func(ctx context.Context) error {
		var err error
		hits, err = s.client.Facet(ctx, &qdrant.FacetCounts{
			CollectionName: collection,
			Key:            field,
			Limit:          qdrant.PtrOf(uint64(1000)),
			Exact:          qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	out := make(map[string]int, len(hits))
	for _, h := range hits {
		out[h.GetValue().GetStringValue()] = int(h.GetCount())
	}
	span.SetStatus(codes.Ok, "")
	return out, nil
}

// CreateCollection creates a collection with the configured vector layout.
// Existing collections are left untouched.
func (s *QdrantStore) CreateCollection(ctx context.Context, name string, vectorSize int) error {
	ctx, span := tracer.Start(ctx, "vectorstore.CreateCollection")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name))

	exists, err := s.CollectionExists(ctx, name)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if exists {
		span.SetStatus(codes.Ok, "already exists")
		return nil
	}
	if vectorSize <= 0 {
		vectorSize = s.cfg.VectorSize
	}

	req := &qdrant.CreateCollection{CollectionName: name}
	if s.cfg.SparseVectors {
		req.VectorsConfig = qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
			denseVectorName: {
				Size:     uint64(vectorSize),
				Distance: qdrant.Distance_Cosine,
			},
		})
		req.SparseVectorsConfig = qdrant.NewSparseVectorsConfig(map[string]*qdrant.SparseVectorParams{
			sparseVectorName: {},
		})
	} else {
		req.VectorsConfig = qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(vectorSize),
			Distance: qdrant.Distance_Cosine,
		})
	}

	err = s.do(ctx, "createCollection", func(ctx context.Context) error {
		return s.client.CreateCollection(ctx, req)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	s.logger.Info("created collection",
		zap.String("collection", name),
		zap.Int("vectorSize", vectorSize),
		zap.Bool("sparse", s.cfg.SparseVectors))
	span.SetStatus(codes.Ok, "")
	return nil
}

// CollectionExists reports whether the collection exists.
func (s *QdrantStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.do(ctx, "collectionExists", func(ctx context.Context) error {
		var err error
		exists, err = s.client.CollectionExists(ctx, name)
		return err
	})
	return exists, err
}

// DeleteCollection drops the collection.
func (s *QdrantStore) DeleteCollection(ctx context.Context, name string) error {
	ctx, span := tracer.Start(ctx, "vectorstore.DeleteCollection")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name))

	err := s.do(ctx, "deleteCollection", func(ctx context.Context) error {
		return s.client.DeleteCollection(ctx, name)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	s.logger.Info("deleted collection", zap.String("collection", name))
	span.SetStatus(codes.Ok, "")
	return nil
}

// ClearCollection removes every point but keeps the collection and its
// indexes.
func (s *QdrantStore) ClearCollection(ctx context.Context, name string) error {
	ctx, span := tracer.Start(ctx, "vectorstore.ClearCollection")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name))

	err := s.do(ctx, "clearCollection", func(ctx context.Context) error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: name,
			Points:         qdrant.NewPointsSelectorFilter(&qdrant.Filter{}),
			Wait:           qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// ListCollections returns all collection names.
func (s *QdrantStore) ListCollections(ctx context.Context) ([]string, error) {
	var names []string
	err := s.do(ctx, "listCollections", func(ctx context.Context) error {
		var err error
		names, err = s.client.ListCollections(ctx)
		return err
	})
	return names, err
}

// CollectionInfo returns point count, vector size, and status.
func (s *QdrantStore) CollectionInfo(ctx context.Context, name string) (*CollectionInfo, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.CollectionInfo")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name))

	exists, err := s.CollectionExists(ctx, name)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if !exists {
		span.SetStatus(codes.Error, "not found")
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}

	var info *qdrant.CollectionInfo
	err = s.do(ctx, "collectionInfo", func(ctx context.Context) error {
		var err error
		info, err = s.client.GetCollectionInfo(ctx, name)
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	return &CollectionInfo{
		Name:       name,
		PointCount: int(info.GetPointsCount()),
		VectorSize: vectorSizeFromInfo(info),
		Status:     info.GetStatus().String(),
	}, nil
}

// vectorSizeFromInfo handles both the unnamed and the named vector layouts.
func vectorSizeFromInfo(info *qdrant.CollectionInfo) int {
	vc := info.GetConfig().GetParams().GetVectorsConfig()
	if vc == nil {
		return 0
	}
	if p := vc.GetParams(); p != nil {
		return int(p.GetSize())
	}
	if m := vc.GetParamsMap().GetMap(); m != nil {
		if dense, ok := m[denseVectorName]; ok {
			return int(dense.GetSize())
		}
	}
	return 0
}

// EnsurePayloadIndexes creates keyword indexes on the scoping fields and a
// word-tokenized text index on content. Safe to call repeatedly.
func (s *QdrantStore) EnsurePayloadIndexes(ctx context.Context, collection string) error {
	ctx, span := tracer.Start(ctx, "vectorstore.EnsurePayloadIndexes")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection))

	for _, field := range keywordIndexFields {
		err := s.do(ctx, "createFieldIndex", func(ctx context.Context) error {
			_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
				CollectionName: collection,
				FieldName:      field,
				FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
				Wait:           qdrant.PtrOf(true),
			})
			return err
		})
		if err != nil {
			return fmt.Errorf("creating keyword index on %s: %w", field, err)
		}
	}

	err := s.do(ctx, "createTextIndex", func(ctx context.Context) error {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: collection,
			FieldName:      "content",
			FieldType:      qdrant.FieldType_FieldTypeText.Enum(),
			FieldIndexParams: &qdrant.PayloadIndexParams{
				IndexParams: &qdrant.PayloadIndexParams_TextIndexParams{
					TextIndexParams: &qdrant.TextIndexParams{
						Tokenizer: qdrant.TokenizerType_Word,
						Lowercase: qdrant.PtrOf(true),
					},
				},
			},
			Wait: qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("creating text index on content: %w", err)
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// CreateAlias points alias at collection.
func (s *QdrantStore) CreateAlias(ctx context.Context, alias, collection string) error {
	return s.do(ctx, "createAlias", func(ctx context.Context) error {
		return s.client.CreateAlias(ctx, alias, collection)
	})
}

// SwitchAlias atomically repoints alias to newCollection in a single alias
// transaction, so readers never observe a missing alias.
func (s *QdrantStore) SwitchAlias(ctx context.Context, alias, newCollection string) error {
	ctx, span := tracer.Start(ctx, "vectorstore.SwitchAlias")
	defer span.End()
	span.SetAttributes(
		attribute.String("alias", alias),
		attribute.String("collection", newCollection),
	)

	err := s.do(ctx, "switchAlias", func(ctx context.Context) error {
		return s.client.UpdateAliases(ctx, []*qdrant.AliasOperations{
			{
				Action: &qdrant.AliasOperations_DeleteAlias{
					DeleteAlias: &qdrant.DeleteAlias{AliasName: alias},
				},
			},
			{
				Action: &qdrant.AliasOperations_CreateAlias{
					CreateAlias: &qdrant.CreateAlias{
						AliasName:      alias,
						CollectionName: newCollection,
					},
				},
			},
		})
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	s.logger.Info("switched alias",
		zap.String("alias", alias),
		zap.String("collection", newCollection))
	span.SetStatus(codes.Ok, "")
	return nil
}

// ListAliases returns every alias and its target collection.
func (s *QdrantStore) ListAliases(ctx context.Context) ([]AliasInfo, error) {
	var descs []*qdrant.AliasDescription
	err := s.do(ctx, "listAliases", func(ctx context.Context) error {
		var err error
		descs, err = s.client.ListAliases(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]AliasInfo, 0, len(descs))
	for _, d := range descs {
		out = append(out, AliasInfo{
			Alias:      d.GetAliasName(),
			Collection: d.GetCollectionName(),
		})
	}
	return out, nil
}

// CreateSnapshot asks the backend to write a point-in-time snapshot of the
// collection to its local snapshot storage.
func (s *QdrantStore) CreateSnapshot(ctx context.Context, collection string) (*SnapshotInfo, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.CreateSnapshot")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection))

	var desc *qdrant.SnapshotDescription
	err := s.do(ctx, "createSnapshot", func(ctx context.Context) error {
		var err error
		desc, err = s.client.CreateSnapshot(ctx, collection)
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	s.logger.Info("created snapshot",
		zap.String("collection", collection),
		zap.String("snapshot", desc.GetName()))
	span.SetStatus(codes.Ok, "")
	return fromSnapshotDescription(desc), nil
}

// ListSnapshots returns the snapshots the backend holds for the collection.
func (s *QdrantStore) ListSnapshots(ctx context.Context, collection string) ([]SnapshotInfo, error) {
	var descs []*qdrant.SnapshotDescription
	err := s.do(ctx, "listSnapshots", func(ctx context.Context) error {
		var err error
		descs, err = s.client.ListSnapshots(ctx, collection)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]SnapshotInfo, 0, len(descs))
	for _, d := range descs {
		out = append(out, *fromSnapshotDescription(d))
	}
	return out, nil
}

// SetQuantization enables scalar int8 quantization on the collection, or
// disables it. Int8 cuts vector memory roughly 4x at a small recall cost; the
// 0.99 quantile clips outliers before scaling.
func (s *QdrantStore) SetQuantization(ctx context.Context, collection string, enabled bool) error {
	ctx, span := tracer.Start(ctx, "vectorstore.SetQuantization")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Bool("enabled", enabled),
	)

	diff := &qdrant.QuantizationConfigDiff{
		Quantization: &qdrant.QuantizationConfigDiff_Disabled{
			Disabled: &qdrant.Disabled{},
		},
	}
	if enabled {
		diff = &qdrant.QuantizationConfigDiff{
			Quantization: &qdrant.QuantizationConfigDiff_Scalar{
				Scalar: &qdrant.ScalarQuantization{
					Type:      qdrant.QuantizationType_Int8,
					Quantile:  qdrant.PtrOf(float32(0.99)),
					AlwaysRam: qdrant.PtrOf(true),
				},
			},
		}
	}

	err := s.do(ctx, "setQuantization", func(ctx context.Context) error {
		return s.client.UpdateCollection(ctx, &qdrant.UpdateCollection{
			CollectionName:     collection,
			QuantizationConfig: diff,
		})
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	s.logger.Info("updated quantization",
		zap.String("collection", collection),
		zap.Bool("enabled", enabled))
	span.SetStatus(codes.Ok, "")
	return nil
}

// Conversions between the engine-agnostic model and the Qdrant wire types.

func fromSnapshotDescription(d *qdrant.SnapshotDescription) *SnapshotInfo {
	info := &SnapshotInfo{
		Name: d.GetName(),
		Size: d.GetSize(),
	}
	if ts := d.GetCreationTime(); ts != nil {
		info.CreatedAt = ts.AsTime()
	}
	return info
}

func toQdrantFilter(f *Filter) *qdrant.Filter {
	if f.Empty() {
		return nil
	}
	out := &qdrant.Filter{}
	for _, c := range f.Must {
		out.Must = append(out.Must, toQdrantCondition(c))
	}
	for _, c := range f.Should {
		out.Should = append(out.Should, toQdrantCondition(c))
	}
	for _, c := range f.MustNot {
		out.MustNot = append(out.MustNot, toQdrantCondition(c))
	}
	return out
}

func toQdrantCondition(c Condition) *qdrant.Condition {
	switch {
	case c.IsEmpty:
		return qdrant.NewIsEmpty(c.Key)
	case c.MatchText != "":
		return qdrant.NewMatchText(c.Key, c.MatchText)
	case len(c.MatchAny) > 0:
		return qdrant.NewMatchKeywords(c.Key, c.MatchAny...)
	}

	switch v := c.MatchValue.(type) {
	case string:
		return qdrant.NewMatchKeyword(c.Key, v)
	case bool:
		return qdrant.NewMatchBool(c.Key, v)
	case int:
		return qdrant.NewMatchInt(c.Key, int64(v))
	case int64:
		return qdrant.NewMatchInt(c.Key, v)
	default:
		return qdrant.NewMatchKeyword(c.Key, fmt.Sprintf("%v", v))
	}
}

// normalizePayload converts values qdrant.NewValueMap does not handle into
// ones it does: typed slices become []any and timestamps become RFC 3339
// strings.
func normalizePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case []string:
		items := make([]any, len(t))
		for i, s := range t {
			items[i] = s
		}
		return items
	case []int:
		items := make([]any, len(t))
		for i, n := range t {
			items[i] = int64(n)
		}
		return items
	case []any:
		items := make([]any, len(t))
		for i, e := range t {
			items[i] = normalizeValue(e)
		}
		return items
	case map[string]any:
		return normalizePayload(t)
	case int:
		return int64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

func fromScoredPoints(points []*qdrant.ScoredPoint) []SearchResult {
	out := make([]SearchResult, 0, len(points))
	for _, p := range points {
		out = append(out, SearchResult{
			ID:      p.GetId().GetUuid(),
			Score:   p.GetScore(),
			Payload: fromQdrantPayload(p.GetPayload()),
		})
	}
	return out
}

func fromRetrievedPoints(points []*qdrant.RetrievedPoint) []SearchResult {
	out := make([]SearchResult, 0, len(points))
	for _, p := range points {
		out = append(out, SearchResult{
			ID:      p.GetId().GetUuid(),
			Payload: fromQdrantPayload(p.GetPayload()),
		})
	}
	return out
}

func fromQdrantPayload(payload map[string]*qdrant.Value) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = fromQdrantValue(v)
	}
	return out
}

func fromQdrantValue(v *qdrant.Value) any {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_ListValue:
		items := kind.ListValue.GetValues()
		out := make([]any, 0, len(items))
		for _, item := range items {
			out = append(out, fromQdrantValue(item))
		}
		return out
	case *qdrant.Value_StructValue:
		return fromQdrantPayload(kind.StructValue.GetFields())
	default:
		return nil
	}
}
