package similarity

import (
	"context"
	"math"
	"time"

	"github.com/qdrant/go-client/qdrant"

	"lerian-regulatory-engine/internal/apperrors"
	"lerian-regulatory-engine/internal/logging"
)

// QdrantScorer scores provision pairs from embeddings stored in a Qdrant
// collection. Points are keyed by provision ID; an upstream ingestion
// pipeline writes the embeddings, this scorer only reads them.
type QdrantScorer struct {
	client     *qdrant.Client
	collection string
	timeout    time.Duration
	logger     logging.Logger
}

// QdrantScorerConfig carries the connection settings for a Qdrant backend.
type QdrantScorerConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	Timeout    time.Duration
}

// NewQdrantScorer connects to Qdrant. The connection is lazy; the first
// Score call surfaces reachability problems as SCORER_UNAVAILABLE.
func NewQdrantScorer(cfg QdrantScorerConfig, logger logging.Logger) (*QdrantScorer, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrorCodeServiceUnavailable, "failed to create qdrant client", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &QdrantScorer{
		client:     client,
		collection: cfg.Collection,
		timeout:    timeout,
		logger:     logger,
	}, nil
}

// Close closes the underlying client connection.
func (q *QdrantScorer) Close() error {
	return q.client.Close()
}

// Score implements Scorer. Both embeddings are fetched by provision ID and
// compared with cosine similarity, rescaled to [0,1].
func (q *QdrantScorer) Score(ctx context.Context, provisionA, provisionB string) (float64, float64, error) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	points, err := q.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: q.collection,
		Ids: []*qdrant.PointId{
			stringToPointID(provisionA),
			stringToPointID(provisionB),
		},
		WithVectors: &qdrant.WithVectorsSelector{SelectorOptions: &qdrant.WithVectorsSelector_Enable{Enable: true}},
	})
	if err != nil {
		return 0, 0, apperrors.Wrap(apperrors.ErrorCodeScorerUnavailable, "failed to fetch embeddings", err)
	}

	vectors := make(map[string][]float32, len(points))
	for _, point := range points {
		data := embeddingOf(point)
		if len(data) == 0 {
			continue
		}
		vectors[pointIDToString(point.GetId())] = data
	}

	vecA, okA := vectors[provisionA]
	vecB, okB := vectors[provisionB]
	if !okA || !okB {
		return 0, 0, apperrors.Newf(apperrors.ErrorCodeScorerUnavailable,
			"missing embeddings for pair (%s, %s)", provisionA, provisionB)
	}
	if len(vecA) != len(vecB) {
		return 0, 0, apperrors.Newf(apperrors.ErrorCodeScorerUnavailable,
			"embedding dimensions differ: %d vs %d", len(vecA), len(vecB))
	}

	score, ok := cosine(vecA, vecB)
	if !ok {
		return 0, 0, apperrors.New(apperrors.ErrorCodeScorerUnavailable, "zero-magnitude embedding")
	}

	// Cosine lands in [-1,1]; the detector works on [0,1].
	return (score + 1) / 2, 1.0, nil
}

func embeddingOf(point *qdrant.RetrievedPoint) []float32 {
	vectors := point.GetVectors()
	if vectors == nil {
		return nil
	}
	vector := vectors.GetVector()
	if vector == nil {
		return nil
	}
	return vector.GetData()
}

func cosine(a, b []float32) (float64, bool) {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), true
}

func stringToPointID(s string) *qdrant.PointId {
	return &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: s}}
}

func pointIDToString(id *qdrant.PointId) string {
	return id.GetUuid()
}
