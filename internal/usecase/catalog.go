// Package usecase contains the application services: question catalog,
// assessment composer, session manager, scoring triage, and report pipeline.
// Services depend only on domain ports.
package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/veriskill/veriskill/internal/adapter/store/postgres"
	"github.com/veriskill/veriskill/internal/clock"
	"github.com/veriskill/veriskill/internal/config"
	"github.com/veriskill/veriskill/internal/domain"
	"github.com/veriskill/veriskill/pkg/textx"
)

// CatalogService supplies questions for composition and records reuse.
type CatalogService struct {
	cfg    config.Config
	store  domain.DocumentStore
	gen    domain.QuestionGenerator
	ai     domain.AIClient
	vector domain.VectorIndex
	clk    domain.Clock
}

// NewCatalogService wires the catalog.
func NewCatalogService(cfg config.Config, store domain.DocumentStore, gen domain.QuestionGenerator, ai domain.AIClient, vector domain.VectorIndex, clk domain.Clock) *CatalogService {
	return &CatalogService{cfg: cfg, store: store, gen: gen, ai: ai, vector: vector, clk: clk}
}

// FindCurated returns up to n curated questions for (skill, type, difficulty),
// least-used first.
func (s *CatalogService) FindCurated(ctx domain.Context, skill string, qt domain.QuestionType, diff domain.Difficulty, n int) ([]domain.Question, error) {
	docs, err := s.store.Query(ctx, postgres.ContainerQuestions, domain.DocQuery{
		Partition:       textx.Slug(skill),
		Contains:        map[string]any{"type": string(qt), "difficulty": string(diff)},
		OrderAscNumeric: "usage_count",
		Limit:           n,
	})
	if err != nil {
		return nil, fmt.Errorf("op=catalog.FindCurated: %w", err)
	}
	return decodeQuestions(docs)
}

// FindCachedGenerated returns up to n cached generated questions matching the
// prompt fingerprint, least-used first.
func (s *CatalogService) FindCachedGenerated(ctx domain.Context, skill string, qt domain.QuestionType, diff domain.Difficulty, n int) ([]domain.GeneratedQuestion, error) {
	fp := domain.Fingerprint(skill, qt, diff)
	docs, err := s.store.Query(ctx, postgres.ContainerGeneratedQuestions, domain.DocQuery{
		Partition:       textx.Slug(skill),
		Contains:        map[string]any{"fingerprint": fp},
		OrderAscNumeric: "usage_count",
		Limit:           n,
	})
	if err != nil {
		return nil, fmt.Errorf("op=catalog.FindCachedGenerated: %w", err)
	}
	out := make([]domain.GeneratedQuestion, 0, len(docs))
	for _, d := range docs {
		var q domain.GeneratedQuestion
		if err := json.Unmarshal(d.Data, &q); err != nil {
			return nil, fmt.Errorf("op=catalog.FindCachedGenerated: %w", err)
		}
		out = append(out, q)
	}
	return out, nil
}

// GenerateNew requests one generated question, persists it in the cache, and
// indexes its embedding.
func (s *CatalogService) GenerateNew(ctx domain.Context, skill string, qt domain.QuestionType, diff domain.Difficulty) (domain.GeneratedQuestion, error) {
	gq, err := s.gen.Generate(ctx, skill, qt, diff)
	if err != nil {
		return domain.GeneratedQuestion{}, fmt.Errorf("op=catalog.GenerateNew: %w", err)
	}
	if _, err := s.store.Put(ctx, postgres.ContainerGeneratedQuestions, gq); err != nil {
		return domain.GeneratedQuestion{}, fmt.Errorf("op=catalog.GenerateNew: %w", err)
	}
	if len(gq.Embedding) > 0 && s.vector != nil {
		if err := s.vector.Upsert(ctx, gq.Skill, gq.ID, gq.Embedding, map[string]any{
			"type":       string(gq.Type),
			"difficulty": string(gq.Difficulty),
		}); err != nil {
			// Index lag degrades dedup recall only.
			slog.Warn("embedding index upsert failed", slog.String("question_id", gq.ID), slog.Any("error", err))
		}
	}
	return gq, nil
}

// CheckDuplicate reports exact fingerprint, exact text, and semantic matches
// for a proposed question. Semantic matches are candidates, never a hard
// reject. A clean miss leaves a check record so repeating the same proposal
// resolves as an exact match.
func (s *CatalogService) CheckDuplicate(ctx domain.Context, text, skill string, qt domain.QuestionType, diff domain.Difficulty) (domain.DuplicateReport, error) {
	var rep domain.DuplicateReport
	part := textx.Slug(skill)

	fp := domain.Fingerprint(skill, qt, diff)
	for _, container := range []string{postgres.ContainerGeneratedQuestions, postgres.ContainerQuestionChecks} {
		docs, err := s.store.Query(ctx, container, domain.DocQuery{
			Partition: part,
			Contains:  map[string]any{"fingerprint": fp},
			Limit:     1,
		})
		if err != nil {
			return rep, fmt.Errorf("op=catalog.CheckDuplicate: %w", err)
		}
		if len(docs) > 0 {
			rep.ExactFingerprint = docs[0].ID
			break
		}
	}

	ch := domain.ContentHash(text)
	for _, container := range []string{postgres.ContainerQuestions, postgres.ContainerGeneratedQuestions, postgres.ContainerQuestionChecks} {
		docs, err := s.store.Query(ctx, container, domain.DocQuery{
			Partition: part,
			Contains:  map[string]any{"content_hash": ch},
			Limit:     1,
		})
		if err != nil {
			return rep, fmt.Errorf("op=catalog.CheckDuplicate: %w", err)
		}
		if len(docs) > 0 {
			rep.ExactText = docs[0].ID
			break
		}
	}

	if rep.ExactFingerprint == "" && rep.ExactText == "" {
		rec := domain.CheckedQuestion{
			ID:          clock.NewID(),
			Skill:       part,
			Type:        qt,
			Difficulty:  diff,
			Prompt:      text,
			Fingerprint: fp,
			ContentHash: ch,
			CreatedAt:   s.clk.Now(),
		}
		if _, err := s.store.Put(ctx, postgres.ContainerQuestionChecks, rec); err != nil {
			return rep, fmt.Errorf("op=catalog.CheckDuplicate: %w", err)
		}
	}

	rep.SemanticMatches = []domain.VectorMatch{}
	if s.vector != nil && s.ai != nil {
		vecs, err := s.ai.Embed(ctx, []string{textx.Normalize(text)})
		if err != nil || len(vecs) != 1 {
			slog.Warn("duplicate check embedding failed", slog.Any("error", err))
			return rep, nil
		}
		matches, err := s.vector.SearchSimilar(ctx, part, vecs[0], 5)
		if err != nil {
			slog.Warn("duplicate check vector search failed", slog.Any("error", err))
			return rep, nil
		}
		for _, m := range matches {
			if m.Similarity >= s.cfg.SemanticDupThreshold {
				rep.SemanticMatches = append(rep.SemanticMatches, m)
			}
		}
	}
	return rep, nil
}

// AddCurated persists a curated question, rejecting duplicate content hashes
// unless bypass is set.
func (s *CatalogService) AddCurated(ctx domain.Context, q domain.Question, bypass bool) error {
	if err := q.Validate(); err != nil {
		return fmt.Errorf("op=catalog.AddCurated: %w", err)
	}
	q.Skill = textx.Slug(q.Skill)
	if q.ContentHash == "" {
		q.ContentHash = domain.ContentHash(q.Prompt)
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = s.clk.Now()
	}
	if !bypass {
		docs, err := s.store.Query(ctx, postgres.ContainerQuestions, domain.DocQuery{
			Partition: q.Skill,
			Contains:  map[string]any{"content_hash": q.ContentHash},
			Limit:     1,
		})
		if err != nil {
			return fmt.Errorf("op=catalog.AddCurated: %w", err)
		}
		if len(docs) > 0 && docs[0].ID != q.ID {
			return fmt.Errorf("op=catalog.AddCurated: %w: content hash matches %s", domain.ErrDuplicate, docs[0].ID)
		}
	}
	if _, err := s.store.Put(ctx, postgres.ContainerQuestions, q); err != nil {
		return fmt.Errorf("op=catalog.AddCurated: %w", err)
	}
	return nil
}

// IncrementUsage bumps a question's usage counter best-effort, retrying a
// bounded number of times under ETag conflict. Lost races are acceptable.
func (s *CatalogService) IncrementUsage(ctx domain.Context, container, id, partition string) error {
	const maxTries = 3
	for try := 0; try < maxTries; try++ {
		var raw map[string]any
		etag, err := s.store.Get(ctx, container, id, partition, &raw)
		if err != nil {
			return fmt.Errorf("op=catalog.IncrementUsage: %w", err)
		}
		count, _ := raw["usage_count"].(float64)
		raw["usage_count"] = count + 1
		if _, err := s.store.UpdateIfMatch(ctx, container, raw, etag); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				continue
			}
			return fmt.Errorf("op=catalog.IncrementUsage: %w", err)
		}
		return nil
	}
	return fmt.Errorf("op=catalog.IncrementUsage: %w: retries exhausted", domain.ErrConflict)
}

func decodeQuestions(docs []domain.RawDoc) ([]domain.Question, error) {
	out := make([]domain.Question, 0, len(docs))
	for _, d := range docs {
		var q domain.Question
		if err := json.Unmarshal(d.Data, &q); err != nil {
			return nil, fmt.Errorf("op=catalog.decode: %w", err)
		}
		out = append(out, q)
	}
	return out, nil
}
