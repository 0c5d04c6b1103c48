package postgres_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/veriskill/veriskill/internal/adapter/store/postgres"
	"github.com/veriskill/veriskill/internal/domain"
)

// startPostgres runs a disposable postgres container and returns a connected
// store. Skipped in short mode and when no container runtime is available.
func startPostgres(t *testing.T) *postgres.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("container runtime unavailable: %v", err)
	}
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	port, err := ctr.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://test:test@%s:%s/test?sslmode=disable", host, port.Port())
	pool, err := postgres.NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, postgres.EnsureSchema(ctx, pool))
	return postgres.New(pool)
}

func TestStoreRoundTrip(t *testing.T) {
	store := startPostgres(t)
	ctx := context.Background()

	sub := domain.Submission{
		ID:           "sub-1",
		AssessmentID: "asmt-1",
		CandidateID:  "cand@example.com",
		State:        domain.StateReserved,
	}
	etag, err := store.Put(ctx, postgres.ContainerSubmissions, sub)
	require.NoError(t, err)
	require.NotEmpty(t, etag)

	var got domain.Submission
	gotEtag, err := store.Get(ctx, postgres.ContainerSubmissions, "sub-1", "asmt-1", &got)
	require.NoError(t, err)
	assert.Equal(t, etag, gotEtag)
	assert.Equal(t, sub.CandidateID, got.CandidateID)

	_, err = store.Get(ctx, postgres.ContainerSubmissions, "sub-1", "wrong-partition", &got)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStoreUpdateIfMatch(t *testing.T) {
	store := startPostgres(t)
	ctx := context.Background()

	sub := domain.Submission{ID: "sub-1", AssessmentID: "asmt-1", State: domain.StateReserved}
	etag, err := store.Put(ctx, postgres.ContainerSubmissions, sub)
	require.NoError(t, err)

	sub.State = domain.StateInProgress
	newEtag, err := store.UpdateIfMatch(ctx, postgres.ContainerSubmissions, sub, etag)
	require.NoError(t, err)
	assert.NotEqual(t, etag, newEtag)

	// Stale ETag conflicts; missing document is not found.
	_, err = store.UpdateIfMatch(ctx, postgres.ContainerSubmissions, sub, etag)
	assert.ErrorIs(t, err, domain.ErrConflict)

	missing := domain.Submission{ID: "sub-404", AssessmentID: "asmt-1"}
	_, err = store.UpdateIfMatch(ctx, postgres.ContainerSubmissions, missing, etag)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStoreQueryContainsAndOrder(t *testing.T) {
	store := startPostgres(t)
	ctx := context.Background()

	for i, usage := range []int{5, 1, 3} {
		q := domain.Question{
			ID:          fmt.Sprintf("q-%d", i),
			Skill:       "go",
			Type:        domain.QuestionMCQ,
			Difficulty:  domain.DifficultyEasy,
			Prompt:      fmt.Sprintf("prompt %d", i),
			Points:      5,
			ContentHash: fmt.Sprintf("hash-%d", i),
			UsageCount:  usage,
		}
		_, err := store.Put(ctx, postgres.ContainerQuestions, q)
		require.NoError(t, err)
	}
	// Different skill must not match the partition filter.
	_, err := store.Put(ctx, postgres.ContainerQuestions, domain.Question{
		ID: "q-other", Skill: "rust", Type: domain.QuestionMCQ,
		Difficulty: domain.DifficultyEasy, Prompt: "other", Points: 5, ContentHash: "hash-x",
	})
	require.NoError(t, err)

	docs, err := store.Query(ctx, postgres.ContainerQuestions, domain.DocQuery{
		Partition:       "go",
		Contains:        map[string]any{"type": "mcq", "difficulty": "easy"},
		OrderAscNumeric: "usage_count",
	})
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "q-1", docs[0].ID)
	assert.Equal(t, "q-2", docs[1].ID)
	assert.Equal(t, "q-0", docs[2].ID)

	limited, err := store.Query(ctx, postgres.ContainerQuestions, domain.DocQuery{
		Partition: "go",
		Limit:     1,
	})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStoreDeleteIsIdempotent(t *testing.T) {
	store := startPostgres(t)
	ctx := context.Background()

	_, err := store.Put(ctx, postgres.ContainerSubmissions, domain.Submission{ID: "sub-1", AssessmentID: "asmt-1"})
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, postgres.ContainerSubmissions, "sub-1", "asmt-1"))
	require.NoError(t, store.Delete(ctx, postgres.ContainerSubmissions, "sub-1", "asmt-1"))

	_, err = store.Get(ctx, postgres.ContainerSubmissions, "sub-1", "asmt-1", nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
