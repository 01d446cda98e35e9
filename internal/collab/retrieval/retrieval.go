package retrieval

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/embedding/openai"
	"github.com/cloudwego/eino/components/embedding"
	"github.com/qdrant/go-client/qdrant"

	"github.com/insight-agent/server/internal/agent/model"
	logx "github.com/insight-agent/server/pkg/logger"
)

// Searcher retrieves ranked schema fragments from the column-embedding index:
// the query is embedded once, then matched against the vector collection.
type Searcher struct {
	embedder   embedding.Embedder
	client     *qdrant.Client
	collection string
}

// New connects to the vector store and builds the query embedder.
func New(ctx context.Context, cfg model.RetrievalConfig) (*Searcher, error) {
	embedder, err := openai.NewEmbedder(ctx, &openai.EmbeddingConfig{
		APIKey: cfg.OpenAIAPIKey,
		Model:  cfg.EmbeddingModel,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.QdrantHost,
		Port:   cfg.QdrantPort,
		APIKey: cfg.QdrantAPIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to qdrant: %w", err)
	}

	return &Searcher{
		embedder:   embedder,
		client:     client,
		collection: cfg.Collection,
	}, nil
}

// Search embeds the query and returns the topK nearest schema fragments in
// descending score order. Identical (query, topK) pairs produce identical
// results for a static index, so callers may cache the output.
func (s *Searcher) Search(ctx context.Context, query string, topK int) ([]model.SchemaFragment, error) {
	vectors, err := s.embedder.EmbedStrings(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embed query: no vector returned")
	}

	queryVector := make([]float32, len(vectors[0]))
	for i, v := range vectors[0] {
		queryVector[i] = float32(v)
	}

	limit := uint64(topK)
	hits, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(queryVector...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query vector store: %w", err)
	}

	fragments := make([]model.SchemaFragment, 0, len(hits))
	for _, hit := range hits {
		if f := hitToFragment(hit); f != nil {
			fragments = append(fragments, *f)
		}
	}

	logx.Debug().
		Str("collection", s.collection).
		Int("top_k", topK).
		Int("fragments", len(fragments)).
		Msg("schema retrieval completed")
	return fragments, nil
}

// Close releases the vector store connection.
func (s *Searcher) Close() error {
	return s.client.Close()
}

func hitToFragment(hit *qdrant.ScoredPoint) *model.SchemaFragment {
	payload := hit.GetPayload()
	if payload == nil {
		return nil
	}

	f := &model.SchemaFragment{
		Score: float64(hit.GetScore()),
	}
	if id := hit.GetId(); id != nil {
		f.ID = id.GetUuid()
		if f.ID == "" {
			f.ID = fmt.Sprintf("%d", id.GetNum())
		}
	}
	f.DatasetID = stringValue(payload, "dataset_id")
	f.DatasetName = stringValue(payload, "dataset_name")
	f.TableName = stringValue(payload, "table_name")
	f.ColumnName = stringValue(payload, "column_name")
	f.ColumnType = stringValue(payload, "column_type")
	f.Description = stringValue(payload, "description")
	f.Examples = stringValue(payload, "examples")

	if f.ColumnName == "" {
		return nil
	}
	return f
}

func stringValue(payload map[string]*qdrant.Value, key string) string {
	val, ok := payload[key]
	if !ok || val == nil {
		return ""
	}
	return val.GetStringValue()
}
