package analytics_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/tzgw/analytics"
)

func openTestStore(t *testing.T) *analytics.Store {
	t.Helper()
	store, err := analytics.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestLookupAuthCode_NotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.LookupAuthCode(context.Background(), "missing")
	require.ErrorIs(t, err, analytics.ErrAuthCodeNotFound)
}

func TestLookupAuthCode_ActiveRow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertAuthCode(ctx, analytics.AuthCodeRecord{
		AuthCode: "code-1",
		TenantID: "tenant-a",
		Username: "alice",
		IsActive: true,
	}))

	rec, err := store.LookupAuthCode(ctx, "code-1")
	require.NoError(t, err)
	require.Equal(t, "tenant-a", rec.TenantID)
	require.Equal(t, "alice", rec.Username)
	require.True(t, rec.IsActive)
}

func TestLookupAuthCode_InactiveRowIsNotFound(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertAuthCode(ctx, analytics.AuthCodeRecord{
		AuthCode: "code-2",
		TenantID: "tenant-b",
		Username: "bob",
		IsActive: false,
	}))

	_, err := store.LookupAuthCode(ctx, "code-2")
	require.ErrorIs(t, err, analytics.ErrAuthCodeNotFound)
}

func TestIncrementUsage(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertAuthCode(ctx, analytics.AuthCodeRecord{
		AuthCode: "code-3", TenantID: "t", Username: "u", IsActive: true,
	}))
	require.NoError(t, store.IncrementUsage(ctx, "code-3"))
	require.NoError(t, store.IncrementUsage(ctx, "code-3"))

	rec, err := store.LookupAuthCode(ctx, "code-3")
	require.NoError(t, err)
	require.Equal(t, int64(2), rec.UsageCount)
}

func TestRecordInference_IsIdempotentOnDuplicateID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := analytics.InferenceRecord{
		InferenceID:  "inf-1",
		EpisodeID:    "ep-1",
		FunctionName: "draft",
		VariantName:  "gpt",
		ModelName:    "gpt-4",
		InputTokens:  10,
		OutputTokens: 20,
		FinishReason: "stop",
		LatencyMs:    123,
		CreatedAt:    time.Now(),
	}
	require.NoError(t, store.RecordInference(ctx, rec))
	require.NoError(t, store.RecordInference(ctx, rec))
}
