package qdrant

import (
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/veriskill/veriskill/internal/domain"
)

// questionsCollection holds question content embeddings across all skills;
// skill is a payload field and every search filters on it.
const questionsCollection = "question_embeddings"

// Index implements domain.VectorIndex on a Qdrant collection.
type Index struct {
	client *Client
	dim    int
}

// NewIndex wraps a client for the question embedding collection.
func NewIndex(client *Client, dim int) *Index {
	return &Index{client: client, dim: dim}
}

// Init creates the collection if needed.
func (i *Index) Init(ctx domain.Context) error {
	if err := i.client.EnsureCollection(ctx, questionsCollection, i.dim); err != nil {
		return fmt.Errorf("op=qdrant.init: %w: %v", domain.ErrUnavailable, err)
	}
	return nil
}

// Upsert stores a question embedding under the skill partition.
func (i *Index) Upsert(ctx domain.Context, skill, id string, vector []float32, payload map[string]any) error {
	tracer := otel.Tracer("vector.qdrant")
	ctx, span := tracer.Start(ctx, "qdrant.Upsert")
	defer span.End()

	if len(vector) != i.dim {
		return fmt.Errorf("op=qdrant.upsert: %w: vector dimension %d, want %d", domain.ErrInvalidArgument, len(vector), i.dim)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["skill"] = skill
	if err := i.client.UpsertPoint(ctx, questionsCollection, id, vector, payload); err != nil {
		return fmt.Errorf("op=qdrant.upsert: %w: %v", domain.ErrUnavailable, err)
	}
	return nil
}

// SearchSimilar returns the topK nearest neighbors within a skill partition.
func (i *Index) SearchSimilar(ctx domain.Context, skill string, vector []float32, topK int) ([]domain.VectorMatch, error) {
	tracer := otel.Tracer("vector.qdrant")
	ctx, span := tracer.Start(ctx, "qdrant.SearchSimilar")
	defer span.End()

	if topK <= 0 {
		topK = 5
	}
	pts, err := i.client.Search(ctx, questionsCollection, vector, topK, "skill", skill)
	if err != nil {
		return nil, fmt.Errorf("op=qdrant.search: %w: %v", domain.ErrUnavailable, err)
	}
	out := make([]domain.VectorMatch, 0, len(pts))
	for _, p := range pts {
		out = append(out, domain.VectorMatch{ID: p.ID, Similarity: p.Score})
	}
	return out, nil
}
