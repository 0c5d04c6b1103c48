package postgres

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriskill/veriskill/internal/domain"
)

func TestDocKeys(t *testing.T) {
	t.Parallel()
	cs := containerRegistry[ContainerSubmissions]

	id, partition, err := docKeys(cs, []byte(`{"id":"sub-1","assessment_id":"asmt-1","state":"reserved"}`))
	require.NoError(t, err)
	assert.Equal(t, "sub-1", id)
	assert.Equal(t, "asmt-1", partition)
}

func TestDocKeysSelfPartitioned(t *testing.T) {
	t.Parallel()
	cs := containerRegistry[ContainerAssessments]
	id, partition, err := docKeys(cs, []byte(`{"id":"asmt-1"}`))
	require.NoError(t, err)
	assert.Equal(t, "asmt-1", id)
	assert.Equal(t, "asmt-1", partition)
}

func TestDocKeysRejectsMissingOrEmptyFields(t *testing.T) {
	t.Parallel()
	cs := containerRegistry[ContainerSubmissions]

	_, _, err := docKeys(cs, []byte(`{"assessment_id":"asmt-1"}`))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, _, err = docKeys(cs, []byte(`{"id":"","assessment_id":"asmt-1"}`))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, _, err = docKeys(cs, []byte(`{"id":7,"assessment_id":"asmt-1"}`))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, _, err = docKeys(cs, []byte(`[1,2,3]`))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSpecRejectsUnknownContainer(t *testing.T) {
	t.Parallel()
	_, err := spec("not_a_container")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestContainerRegistryTTLs(t *testing.T) {
	t.Parallel()
	assert.Zero(t, containerRegistry[ContainerSubmissions].TTL)
	assert.NotZero(t, containerRegistry[ContainerCodeExecutions].TTL)
	assert.NotZero(t, containerRegistry[ContainerRagQueries].TTL)
	assert.NotZero(t, containerRegistry[ContainerQuestionChecks].TTL)
}

func TestMapPgErr(t *testing.T) {
	t.Parallel()
	assert.NoError(t, mapPgErr("store.x", nil))

	err := mapPgErr("store.x", &pgconn.PgError{Code: "53300"})
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	err = mapPgErr("store.x", errors.New("connection refused"))
	assert.ErrorIs(t, err, domain.ErrUnavailable)
}
