package redisstore_test

import (
	"context"
	"errors"
	"testing"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remiges-tech/batchq/batch/store"
	"github.com/remiges-tech/batchq/batch/store/redisstore"
)

// Backend failures must surface as StorageError so workers treat them as
// transient, distinct from the not-found sentinels.
func TestBackendFailuresWrapAsStorageError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	st := redisstore.New(client, redisstore.Options{})
	ctx := context.Background()

	mock.ExpectHGetAll("batch:b-1").SetErr(errors.New("connection reset"))
	_, err := st.GetBatch(ctx, "b-1")
	var serr *store.StorageError
	require.ErrorAs(t, err, &serr)
	assert.NotErrorIs(t, err, store.ErrBatchNotFound)

	mock.ExpectExists("batch:b-1").SetErr(errors.New("connection reset"))
	err = st.UpdateBatch(ctx, "b-1", map[string]any{"status": store.StatusRunning})
	require.ErrorAs(t, err, &serr)

	mock.ExpectPing().SetErr(errors.New("connection reset"))
	err = st.HealthCheck(ctx)
	require.ErrorAs(t, err, &serr)

	assert.NoError(t, mock.ExpectationsWereMet())
}
