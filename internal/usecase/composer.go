package usecase

import (
	"fmt"
	"log/slog"

	"github.com/veriskill/veriskill/internal/adapter/store/postgres"
	"github.com/veriskill/veriskill/internal/clock"
	"github.com/veriskill/veriskill/internal/config"
	"github.com/veriskill/veriskill/internal/domain"
	"github.com/veriskill/veriskill/pkg/retry"
	"github.com/veriskill/veriskill/pkg/textx"
)

// ComposerService builds immutable assessment snapshots from composition
// specs using the tiered curated -> cache -> generate fallback.
type ComposerService struct {
	cfg     config.Config
	store   domain.DocumentStore
	catalog *CatalogService
	gen     domain.QuestionGenerator
	clk     domain.Clock
}

// NewComposerService wires the composer.
func NewComposerService(cfg config.Config, store domain.DocumentStore, catalog *CatalogService, gen domain.QuestionGenerator, clk domain.Clock) *ComposerService {
	return &ComposerService{cfg: cfg, store: store, catalog: catalog, gen: gen, clk: clk}
}

// usageBump records a counter increment deferred until selection succeeds.
type usageBump struct {
	container string
	id        string
	partition string
}

// Compose runs the tiered selection per entry, persists the snapshot, and
// returns it. Generator unavailability fails the whole composition before any
// snapshot is persisted.
func (s *ComposerService) Compose(ctx domain.Context, spec domain.CompositionSpec) (domain.AssessmentSnapshot, error) {
	if spec.TotalCount() < s.cfg.MinQuestionsRequired {
		return domain.AssessmentSnapshot{}, fmt.Errorf("op=composer.Compose: %w: requested %d questions, minimum %d",
			domain.ErrAssessmentIncomplete, spec.TotalCount(), s.cfg.MinQuestionsRequired)
	}

	var picked []domain.SnapshotQuestion
	var bumps []usageBump
	probed := false

	for _, entry := range spec.Entries {
		remaining := entry.Count
		skill := textx.Slug(entry.Skill)

		if entry.Preference == domain.PreferHybrid || entry.Preference == domain.PreferCuratedOnly {
			curated, err := s.catalog.FindCurated(ctx, entry.Skill, entry.Type, entry.Difficulty, remaining)
			if err != nil {
				return domain.AssessmentSnapshot{}, err
			}
			for _, q := range curated {
				picked = append(picked, domain.SnapshotQuestion{Question: q, Source: domain.SourceCurated})
				bumps = append(bumps, usageBump{postgres.ContainerQuestions, q.ID, skill})
			}
			remaining -= len(curated)
		}

		if remaining > 0 && (entry.Preference == domain.PreferHybrid || entry.Preference == domain.PreferAIOnly) {
			cached, err := s.catalog.FindCachedGenerated(ctx, entry.Skill, entry.Type, entry.Difficulty, remaining)
			if err != nil {
				return domain.AssessmentSnapshot{}, err
			}
			for _, gq := range cached {
				picked = append(picked, domain.SnapshotQuestion{Question: gq.Question, Source: domain.SourceCache})
				bumps = append(bumps, usageBump{postgres.ContainerGeneratedQuestions, gq.ID, skill})
			}
			remaining -= len(cached)
		}

		if remaining > 0 {
			if entry.Preference == domain.PreferCuratedOnly {
				return domain.AssessmentSnapshot{}, fmt.Errorf("op=composer.Compose: %w: curated bank has too few %s/%s/%s questions",
					domain.ErrAssessmentIncomplete, entry.Skill, entry.Type, entry.Difficulty)
			}
			if !probed {
				if err := s.probeGenerator(ctx); err != nil {
					return domain.AssessmentSnapshot{}, err
				}
				probed = true
			}
			for remaining > 0 {
				gq, err := s.catalog.GenerateNew(ctx, entry.Skill, entry.Type, entry.Difficulty)
				if err != nil {
					return domain.AssessmentSnapshot{}, fmt.Errorf("op=composer.Compose: %w: %v", domain.ErrGeneratorUnavailable, err)
				}
				picked = append(picked, domain.SnapshotQuestion{Question: gq.Question, Source: domain.SourceAI})
				remaining--
			}
		}
	}

	// Counter bumps are best-effort; failures are logged and composition
	// proceeds. Already-applied bumps are not rolled back on later failure.
	for _, b := range bumps {
		if err := s.catalog.IncrementUsage(ctx, b.container, b.id, b.partition); err != nil {
			slog.Warn("usage counter bump failed", slog.String("question_id", b.id), slog.Any("error", err))
		}
	}

	snap := domain.AssessmentSnapshot{
		ID:         clock.NewID(),
		Title:      spec.Title,
		TargetRole: spec.TargetRole,
		DurationMS: spec.DurationMS,
		Questions:  picked,
		Status:     domain.GenerationReady,
		CreatedAt:  s.clk.Now(),
	}
	if _, err := s.store.Put(ctx, postgres.ContainerAssessments, snap); err != nil {
		return domain.AssessmentSnapshot{}, fmt.Errorf("op=composer.Compose: %w", err)
	}
	slog.Info("assessment snapshot composed",
		slog.String("assessment_id", snap.ID),
		slog.Int("question_count", len(snap.Questions)))
	return snap, nil
}

// probeGenerator checks generator health with exponential backoff before the
// AI tier is entered.
func (s *ComposerService) probeGenerator(ctx domain.Context) error {
	p := retry.Policy{
		MaxAttempts: s.cfg.RetryMaxAttempts,
		BaseDelay:   s.cfg.RetryBaseDelay,
		MaxDelay:    s.cfg.RetryMaxDelay,
		Jitter:      s.cfg.RetryJitter,
	}
	if err := retry.Attempt(ctx, p, func(ctx domain.Context) error {
		return s.gen.Probe(ctx)
	}); err != nil {
		return fmt.Errorf("op=composer.probe: %w: %v", domain.ErrGeneratorUnavailable, err)
	}
	return nil
}

// GetSnapshot loads an assessment snapshot by id.
func (s *ComposerService) GetSnapshot(ctx domain.Context, id string) (domain.AssessmentSnapshot, error) {
	var snap domain.AssessmentSnapshot
	if _, err := s.store.Get(ctx, postgres.ContainerAssessments, id, id, &snap); err != nil {
		return domain.AssessmentSnapshot{}, fmt.Errorf("op=composer.GetSnapshot: %w", err)
	}
	return snap, nil
}
