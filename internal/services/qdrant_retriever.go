package services

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/qdrant/go-client/qdrant"

	"convcore/internal/logger"
)

// Embedder turns text into a query vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OpenAIEmbedder implements Embedder with the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client openai.Client
	model  string
}

// NewOpenAIEmbedder creates an embedder. httpClient may be nil.
func NewOpenAIEmbedder(apiKey, model string, httpClient *http.Client) *OpenAIEmbedder {
	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if httpClient != nil {
		options = append(options, option.WithHTTPClient(httpClient))
	}
	return &OpenAIEmbedder{
		client: openai.NewClient(options...),
		model:  model,
	}
}

// Embed implements Embedder.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.model),
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding response has no data")
	}

	vector := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vector[i] = float32(v)
	}
	return vector, nil
}

// PointQuerier is the part of the Qdrant client the retriever needs.
type PointQuerier interface {
	Query(ctx context.Context, request *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
}

// QdrantRetriever implements ProjectRetriever with vector search over project
// write-ups. Each point carries a "project_id" payload naming the profile project.
type QdrantRetriever struct {
	querier    PointQuerier
	closer     func() error
	collection string
	embedder   Embedder
	minScore   float32
}

// QdrantConfig holds Qdrant connection configuration.
type QdrantConfig struct {
	URL            string // e.g. "https://example.qdrant.io:6334"
	CollectionName string
	APIKey         string
	MinScore       float32
}

// NewQdrantRetriever connects to Qdrant over gRPC.
func NewQdrantRetriever(cfg QdrantConfig, embedder Embedder) (*QdrantRetriever, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("qdrant url is required")
	}

	rawURL := cfg.URL
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse qdrant url: %w", err)
	}

	port := 6334 // gRPC default
	if u.Port() != "" {
		port, err = strconv.Atoi(u.Port())
		if err != nil {
			return nil, fmt.Errorf("invalid port: %w", err)
		}
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   u.Hostname(),
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: u.Scheme == "https",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	retriever := NewQdrantRetrieverWithQuerier(client, cfg.CollectionName, embedder)
	retriever.closer = client.Close
	retriever.minScore = cfg.MinScore
	return retriever, nil
}

// NewQdrantRetrieverWithQuerier builds a retriever over an existing querier.
func NewQdrantRetrieverWithQuerier(querier PointQuerier, collection string, embedder Embedder) *QdrantRetriever {
	return &QdrantRetriever{
		querier:    querier,
		collection: collection,
		embedder:   embedder,
	}
}

// SearchProjects implements ProjectRetriever. Ids are unique and ordered by score.
func (r *QdrantRetriever) SearchProjects(ctx context.Context, query string, limit int) ([]string, error) {
	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	// Several chunks may belong to one project; over-fetch before de-duplicating.
	fetch := uint64(limit * 3)
	points, err := r.querier.Query(ctx, &qdrant.QueryPoints{
		CollectionName: r.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &fetch,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant search failed: %w", err)
	}

	seen := make(map[string]bool)
	var ids []string
	for _, point := range points {
		if r.minScore > 0 && point.Score < r.minScore {
			continue
		}
		id := projectIDFromPoint(point)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
		if len(ids) == limit {
			break
		}
	}

	logger.Debug("Qdrant project search", "collection", r.collection, "points", len(points), "projects", len(ids))
	return ids, nil
}

// Close releases the Qdrant connection.
func (r *QdrantRetriever) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}

// projectIDFromPoint prefers the project_id payload and falls back to the point id.
func projectIDFromPoint(point *qdrant.ScoredPoint) string {
	if v, ok := point.Payload["project_id"]; ok {
		if s := v.GetStringValue(); s != "" {
			return s
		}
	}
	if point.Id != nil {
		if uuid := point.Id.GetUuid(); uuid != "" {
			return uuid
		}
		if num := point.Id.GetNum(); num != 0 {
			return strconv.FormatUint(num, 10)
		}
	}
	return ""
}
