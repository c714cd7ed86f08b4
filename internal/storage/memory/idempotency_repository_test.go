package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/keyshop/internal/domain"
	"github.com/vladislavdragonenkov/keyshop/internal/storage/memory"
)

func TestCheckoutReplays_ReserveAndRead(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	ttl := time.Now().UTC().Add(2 * time.Hour).Round(time.Second)

	rec, err := repo.CreateProcessing(ctx, "  checkout-1 ", "sha-1", ttl)
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusProcessing, rec.Status)
	assert.Equal(t, "checkout-1", rec.Key)

	got, err := repo.Get(ctx, "checkout-1")
	require.NoError(t, err)
	assert.Equal(t, "sha-1", got.RequestHash)
	assert.True(t, got.TTLAt.Equal(ttl))
	assert.False(t, got.Replayable())
}

func TestCheckoutReplays_RejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()

	_, err := repo.CreateProcessing(ctx, " ", "sha", time.Time{})
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyRequired)
	_, err = repo.CreateProcessing(ctx, "k", "", time.Time{})
	assert.ErrorIs(t, err, domain.ErrIdempotencyRequestHashRequired)
	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)
	assert.ErrorIs(t, repo.MarkDone(ctx, "missing", nil, 200), domain.ErrIdempotencyKeyNotFound)
}

func TestCheckoutReplays_HeldKey(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	ttl := time.Now().UTC().Add(time.Hour)

	_, err := repo.CreateProcessing(ctx, "checkout-2", "sha-a", ttl)
	require.NoError(t, err)

	_, err = repo.CreateProcessing(ctx, "checkout-2", "sha-a", ttl)
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyAlreadyExists)

	held, err := repo.CreateProcessing(ctx, "checkout-2", "sha-b", ttl)
	assert.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)
	assert.Equal(t, "sha-a", held.RequestHash)
}

func TestCheckoutReplays_FinishedResponsesAreReplayable(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	ttl := time.Now().UTC().Add(time.Hour)

	for _, key := range []string{"ok", "bad-gateway"} {
		_, err := repo.CreateProcessing(ctx, key, "sha", ttl)
		require.NoError(t, err)
	}

	body := []byte(`{"order_id":"o-1"}`)
	require.NoError(t, repo.MarkDone(ctx, "ok", body, 201))
	require.NoError(t, repo.MarkFailed(ctx, "bad-gateway", []byte(`{"error":"gateway"}`), 502))
	body[0] = 'X'

	done, err := repo.Get(ctx, "ok")
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusDone, done.Status)
	assert.Equal(t, 201, done.HTTPStatus)
	assert.Equal(t, `{"order_id":"o-1"}`, string(done.ResponseBody))
	assert.True(t, done.Replayable())

	done.ResponseBody[0] = 'Y'
	again, err := repo.Get(ctx, "ok")
	require.NoError(t, err)
	assert.Equal(t, byte('{'), again.ResponseBody[0])

	failed, err := repo.Get(ctx, "bad-gateway")
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusFailed, failed.Status)
	assert.Equal(t, 502, failed.HTTPStatus)
}

func TestCheckoutReplays_DeleteExpired(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	now := time.Now().UTC()

	for _, key := range []string{"stale-1", "stale-2", "stale-3"} {
		_, err := repo.CreateProcessing(ctx, key, "sha", now.Add(-time.Minute))
		require.NoError(t, err)
	}
	_, err := repo.CreateProcessing(ctx, "live", "sha", now.Add(time.Hour))
	require.NoError(t, err)

	removed, err := repo.DeleteExpired(ctx, now, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	removed, err = repo.DeleteExpired(ctx, time.Time{}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = repo.Get(ctx, "live")
	assert.NoError(t, err)
}

func TestCheckoutReplays_ExpiredKeyIsFree(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()

	_, err := repo.CreateProcessing(ctx, "checkout-old", "sha-a", time.Now().UTC().Add(-time.Second))
	require.NoError(t, err)

	rec, err := repo.CreateProcessing(ctx, "checkout-old", "sha-b", time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "sha-b", rec.RequestHash)
}
