package services

import (
	"context"
	"errors"
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{float32(len(text)), 1, 0}, nil
}

type fakeQuerier struct {
	points  []*qdrant.ScoredPoint
	err     error
	request *qdrant.QueryPoints
}

func (f *fakeQuerier) Query(_ context.Context, request *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error) {
	f.request = request
	return f.points, f.err
}

func scoredPoint(projectID string, score float32) *qdrant.ScoredPoint {
	return &qdrant.ScoredPoint{
		Id:      qdrant.NewIDNum(uint64(score * 1000)),
		Score:   score,
		Payload: qdrant.NewValueMap(map[string]any{"project_id": projectID}),
	}
}

func TestQdrantRetriever_SearchProjects(t *testing.T) {
	querier := &fakeQuerier{points: []*qdrant.ScoredPoint{
		scoredPoint("edge-cache", 0.91),
		scoredPoint("edge-cache", 0.88),
		scoredPoint("vector-search", 0.80),
		scoredPoint("trace-viewer", 0.70),
	}}
	retriever := NewQdrantRetrieverWithQuerier(querier, "projects", &fakeEmbedder{})

	ids, err := retriever.SearchProjects(context.Background(), "caching", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"edge-cache", "vector-search"}, ids, "chunks of one project are de-duplicated")

	require.NotNil(t, querier.request)
	assert.Equal(t, "projects", querier.request.CollectionName)
	require.NotNil(t, querier.request.Limit)
	assert.Equal(t, uint64(6), *querier.request.Limit)
	assert.NoError(t, retriever.Close())
}

func TestQdrantRetriever_MinScore(t *testing.T) {
	querier := &fakeQuerier{points: []*qdrant.ScoredPoint{
		scoredPoint("edge-cache", 0.91),
		scoredPoint("trace-viewer", 0.20),
	}}
	retriever := NewQdrantRetrieverWithQuerier(querier, "projects", &fakeEmbedder{})
	retriever.minScore = 0.5

	ids, err := retriever.SearchProjects(context.Background(), "q", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"edge-cache"}, ids)
}

func TestQdrantRetriever_PointIDFallback(t *testing.T) {
	point := &qdrant.ScoredPoint{Id: qdrant.NewID("5f0c2d4e-1111-4222-8333-944455556666"), Score: 1}
	assert.Equal(t, "5f0c2d4e-1111-4222-8333-944455556666", projectIDFromPoint(point))

	numeric := &qdrant.ScoredPoint{Id: qdrant.NewIDNum(42), Score: 1}
	assert.Equal(t, "42", projectIDFromPoint(numeric))

	assert.Empty(t, projectIDFromPoint(&qdrant.ScoredPoint{}))
}

func TestQdrantRetriever_Errors(t *testing.T) {
	retriever := NewQdrantRetrieverWithQuerier(&fakeQuerier{}, "projects", &fakeEmbedder{err: errors.New("no key")})
	_, err := retriever.SearchProjects(context.Background(), "q", 3)
	assert.EqualError(t, err, "no key")

	retriever = NewQdrantRetrieverWithQuerier(&fakeQuerier{err: errors.New("unavailable")}, "projects", &fakeEmbedder{})
	_, err = retriever.SearchProjects(context.Background(), "q", 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "qdrant search failed")

	_, err = NewQdrantRetriever(QdrantConfig{}, &fakeEmbedder{})
	assert.Error(t, err)
}
