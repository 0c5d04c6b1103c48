package usecase_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriskill/veriskill/internal/clock"
	"github.com/veriskill/veriskill/internal/domain"
	"github.com/veriskill/veriskill/internal/usecase"
)

func newComposerFixture(t *testing.T) (*usecase.ComposerService, *usecase.CatalogService, *memStore, *fakeGenerator) {
	t.Helper()
	store := newMemStore()
	gen := &fakeGenerator{}
	clk := clock.NewFixed(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	catalog := usecase.NewCatalogService(testConfig(), store, gen, &fakeAI{}, &fakeVector{}, clk)
	composer := usecase.NewComposerService(testConfig(), store, catalog, gen, clk)
	return composer, catalog, store, gen
}

func seedCurated(t *testing.T, catalog *usecase.CatalogService, skill string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := catalog.AddCurated(context.Background(), domain.Question{
			ID:         fmt.Sprintf("cur-%s-%d", skill, i),
			Skill:      skill,
			Type:       domain.QuestionDescriptive,
			Difficulty: domain.DifficultyMedium,
			Prompt:     fmt.Sprintf("explain %s concept %d", skill, i),
			Points:     10,
		}, false)
		require.NoError(t, err)
	}
}

func TestComposeHybridFallsThroughTiers(t *testing.T) {
	t.Parallel()
	composer, catalog, _, gen := newComposerFixture(t)
	ctx := context.Background()

	seedCurated(t, catalog, "go", 3)
	// One cached generated question matching the fingerprint.
	_, err := catalog.GenerateNew(ctx, "go", domain.QuestionDescriptive, domain.DifficultyMedium)
	require.NoError(t, err)
	gen.n = 50 // later ids must not collide with the cached one

	snap, err := composer.Compose(ctx, domain.CompositionSpec{
		Title:      "Go Screen",
		DurationMS: 60 * 60 * 1000,
		Entries: []domain.CompositionEntry{{
			Skill: "go", Type: domain.QuestionDescriptive, Difficulty: domain.DifficultyMedium,
			Count: 5, Preference: domain.PreferHybrid,
		}},
	})
	require.NoError(t, err)
	require.Len(t, snap.Questions, 5)
	assert.Equal(t, domain.GenerationReady, snap.Status)

	bySource := map[domain.QuestionSource]int{}
	for _, q := range snap.Questions {
		bySource[q.Source]++
	}
	assert.Equal(t, 3, bySource[domain.SourceCurated])
	assert.Equal(t, 1, bySource[domain.SourceCache])
	assert.Equal(t, 1, bySource[domain.SourceAI])
}

func TestComposeCuratedOnlyShortfallFails(t *testing.T) {
	t.Parallel()
	composer, catalog, _, _ := newComposerFixture(t)
	seedCurated(t, catalog, "go", 2)

	_, err := composer.Compose(context.Background(), domain.CompositionSpec{
		DurationMS: 60_000,
		Entries: []domain.CompositionEntry{{
			Skill: "go", Type: domain.QuestionDescriptive, Difficulty: domain.DifficultyMedium,
			Count: 3, Preference: domain.PreferCuratedOnly,
		}},
	})
	assert.ErrorIs(t, err, domain.ErrAssessmentIncomplete)
}

func TestComposeGeneratorUnavailableFailsWholeComposition(t *testing.T) {
	t.Parallel()
	composer, _, _, gen := newComposerFixture(t)
	gen.probeErr = domain.ErrGeneratorUnavailable

	_, err := composer.Compose(context.Background(), domain.CompositionSpec{
		DurationMS: 60_000,
		Entries: []domain.CompositionEntry{{
			Skill: "go", Type: domain.QuestionCoding, Difficulty: domain.DifficultyHard,
			Count: 1, Preference: domain.PreferAIOnly,
		}},
	})
	assert.ErrorIs(t, err, domain.ErrGeneratorUnavailable)
}

func TestComposeRejectsBelowMinimum(t *testing.T) {
	t.Parallel()
	composer, _, _, _ := newComposerFixture(t)
	_, err := composer.Compose(context.Background(), domain.CompositionSpec{
		DurationMS: 60_000,
		Entries:    nil,
	})
	assert.ErrorIs(t, err, domain.ErrAssessmentIncomplete)
}

func TestComposeBumpsUsageOnSelection(t *testing.T) {
	t.Parallel()
	composer, catalog, _, _ := newComposerFixture(t)
	ctx := context.Background()
	seedCurated(t, catalog, "go", 2)

	_, err := composer.Compose(ctx, domain.CompositionSpec{
		DurationMS: 60_000,
		Entries: []domain.CompositionEntry{{
			Skill: "go", Type: domain.QuestionDescriptive, Difficulty: domain.DifficultyMedium,
			Count: 1, Preference: domain.PreferCuratedOnly,
		}},
	})
	require.NoError(t, err)

	// The bumped question sinks to the back of least-used-first ordering.
	qs, err := catalog.FindCurated(ctx, "go", domain.QuestionDescriptive, domain.DifficultyMedium, 2)
	require.NoError(t, err)
	require.Len(t, qs, 2)
	assert.Equal(t, 0, qs[0].UsageCount)
	assert.Equal(t, 1, qs[1].UsageCount)
}

func TestComposeSnapshotIsReloadable(t *testing.T) {
	t.Parallel()
	composer, catalog, _, _ := newComposerFixture(t)
	ctx := context.Background()
	seedCurated(t, catalog, "go", 1)

	snap, err := composer.Compose(ctx, domain.CompositionSpec{
		Title:      "Screen",
		DurationMS: 60_000,
		Entries: []domain.CompositionEntry{{
			Skill: "go", Type: domain.QuestionDescriptive, Difficulty: domain.DifficultyMedium,
			Count: 1, Preference: domain.PreferCuratedOnly,
		}},
	})
	require.NoError(t, err)

	got, err := composer.GetSnapshot(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.ID, got.ID)
	require.Len(t, got.Questions, 1)
	assert.Equal(t, snap.Questions[0].ID, got.Questions[0].ID)
}
