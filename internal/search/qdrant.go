package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/ashita-ai/satori/internal/model"
)

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// qdrantNamespace is a fixed namespace UUID used to derive a stable Qdrant
// point ID from a corpus entry's (source_kind, source_id) composite key.
// Qdrant point IDs must be a UUID or an unsigned integer; corpus keys are
// arbitrary strings, so a deterministic UUIDv5 bridges the two.
var qdrantNamespace = uuid.MustParse("5b6a9c3e-6e7b-4b9b-9f3a-9f6b9c9e9e9e")

func pointID(key model.CorpusKey) uuid.UUID {
	return uuid.NewSHA1(qdrantNamespace, []byte(string(key.SourceKind)+":"+key.SourceID))
}

// Point is the data needed to upsert a single corpus entry into Qdrant.
type Point struct {
	Key        model.CorpusKey
	Category   string
	Confidence float32
	UsageCount int
	UpdatedAt  time.Time
	Embedding  []float32
}

// QdrantIndex implements Searcher backed by Qdrant Cloud.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthMu  sync.Mutex
	lastCheck time.Time
	lastErr   error
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("search: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("search: invalid port in qdrant URL: %q", portStr)
		}
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// NewQdrantIndex creates a new QdrantIndex and connects to the Qdrant server via gRPC.
func NewQdrantIndex(cfg QdrantConfig, logger *slog.Logger) (*QdrantIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("search: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection if it doesn't already exist,
// with HNSW parameters tuned for cosine similarity search.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("search: check collection exists: %w", err)
	}
	if exists {
		q.logger.Info("qdrant: collection already exists", "collection", q.collection)
		return nil
	}

	m := uint64(16)
	efConstruct := uint64(128)

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     q.dims,
			Distance: qdrant.Distance_Cosine,
			HnswConfig: &qdrant.HnswConfigDiff{
				M:           &m,
				EfConstruct: &efConstruct,
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("search: create collection %q: %w", q.collection, err)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"source_kind", "source_id"} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("search: create index on %q: %w", field, err)
		}
	}

	// category is a text index, not keyword: the category filter matches
	// case-insensitively as a substring, same contract as the pgvector path's
	// ILIKE, which a keyword (exact-match) index can't express.
	textType := qdrant.FieldType_FieldTypeText
	if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: q.collection,
		FieldName:      "category",
		FieldType:      &textType,
	}); err != nil {
		return fmt.Errorf("search: create index on %q: %w", "category", err)
	}

	floatType := qdrant.FieldType_FieldTypeFloat
	for _, field := range []string{"confidence", "updated_at_unix"} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      &floatType,
		}); err != nil {
			return fmt.Errorf("search: create index on %q: %w", field, err)
		}
	}

	q.logger.Info("qdrant: created collection with payload indexes", "collection", q.collection, "dims", q.dims)
	return nil
}

// Search queries Qdrant for corpus entries matching the embedding and
// filters. Over-fetches limit*3 so the caller can apply final_score
// re-ranking on top of raw similarity.
func (q *QdrantIndex) Search(ctx context.Context, embedding []float32, filters model.QueryFilters, limit int) ([]Result, error) {
	var must []*qdrant.Condition

	if len(filters.SourceKinds) == 1 {
		must = append(must, qdrant.NewMatch("source_kind", string(filters.SourceKinds[0])))
	} else if len(filters.SourceKinds) > 1 {
		kinds := make([]string, len(filters.SourceKinds))
		for i, k := range filters.SourceKinds {
			kinds[i] = string(k)
		}
		must = append(must, qdrant.NewMatchKeywords("source_kind", kinds...))
	}

	if filters.Category != nil {
		// Text-indexed field: NewMatchText tokenizes and matches
		// case-insensitively, the Qdrant equivalent of the pgvector path's
		// `category ILIKE '%...%'` substring match.
		must = append(must, qdrant.NewMatchText("category", *filters.Category))
	}

	fetchLimit := uint64(limit) * 3 //nolint:gosec // limit is bounded by caller (max_candidates)
	filter := &qdrant.Filter{}
	if len(must) > 0 {
		filter.Must = must
	}
	req := &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(embedding),
		Filter:         filter,
		Limit:          &fetchLimit,
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if filters.MinSimilarity != nil {
		threshold := float32(*filters.MinSimilarity)
		req.ScoreThreshold = &threshold
	}
	scored, err := q.client.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search: qdrant query: %w", err)
	}

	results := make([]Result, 0, len(scored))
	for _, sp := range scored {
		payload := sp.GetPayload()
		sourceKind := payload["source_kind"].GetStringValue()
		sourceID := payload["source_id"].GetStringValue()
		if sourceKind == "" || sourceID == "" {
			q.logger.Warn("qdrant: point missing source_kind/source_id payload", "id", sp.Id.GetUuid())
			continue
		}
		results = append(results, Result{
			Key:   model.CorpusKey{SourceKind: model.SourceKind(sourceKind), SourceID: sourceID},
			Score: sp.Score,
		})
	}

	return results, nil
}

// FindSimilar implements CandidateFinder for the Gap Classifier's
// similarity-floor check. It delegates to Search, so it shares Search's
// limit*3 over-fetch; results are ordered by raw similarity.
func (q *QdrantIndex) FindSimilar(ctx context.Context, embedding []float32, filters model.QueryFilters, limit int) ([]Result, error) {
	return q.Search(ctx, embedding, filters, limit)
}

// Upsert inserts or updates points in Qdrant.
func (q *QdrantIndex) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		payload := map[string]any{
			"source_kind":     string(p.Key.SourceKind),
			"source_id":       p.Key.SourceID,
			"category":        p.Category,
			"confidence":      float64(p.Confidence),
			"usage_count":     float64(p.UsageCount),
			"updated_at_unix": float64(p.UpdatedAt.Unix()),
		}
		qdrantPoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(pointID(p.Key).String()),
			Vectors: qdrant.NewVectorsDense(p.Embedding),
			Payload: qdrant.NewValueMap(payload),
		}
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrantPoints,
	})
	if err != nil {
		return fmt.Errorf("search: qdrant upsert %d points: %w", len(points), err)
	}
	return nil
}

// DeleteByKeys removes specific points from Qdrant by corpus entry key.
func (q *QdrantIndex) DeleteByKeys(ctx context.Context, keys []model.CorpusKey) error {
	if len(keys) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, len(keys))
	for i, k := range keys {
		pointIDs[i] = qdrant.NewID(pointID(k).String())
	}

	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: pointIDs,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("search: qdrant delete %d points: %w", len(keys), err)
	}
	return nil
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5 seconds
// to avoid hammering the health endpoint on every search request.
func (q *QdrantIndex) Healthy(ctx context.Context) error {
	q.healthMu.Lock()
	defer q.healthMu.Unlock()

	if time.Since(q.lastCheck) < 5*time.Second {
		return q.lastErr
	}

	_, err := q.client.HealthCheck(ctx)
	q.lastCheck = time.Now()
	if err != nil {
		q.lastErr = fmt.Errorf("search: qdrant unhealthy: %w", err)
	} else {
		q.lastErr = nil
	}
	return q.lastErr
}

// Close shuts down the Qdrant gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
