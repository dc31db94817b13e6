package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/tzgw/analytics"
	"goa.design/tzgw/auth"
)

// fakeStore is an in-memory stand-in for *analytics.Store, counting
// LookupAuthCode calls so tests can assert downstream-tier fallthrough.
type fakeStore struct {
	records map[string]analytics.AuthCodeRecord
	lookups int
	usage   map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]analytics.AuthCodeRecord{}, usage: map[string]int{}}
}

func (f *fakeStore) LookupAuthCode(_ context.Context, code string) (*analytics.AuthCodeRecord, error) {
	f.lookups++
	rec, ok := f.records[code]
	if !ok || !rec.IsActive {
		return nil, analytics.ErrAuthCodeNotFound
	}
	return &rec, nil
}

func (f *fakeStore) IncrementUsage(_ context.Context, code string) error {
	f.usage[code]++
	return nil
}

func TestValidate_EmptyCodeIsAPIKeyMissing(t *testing.T) {
	c := auth.New(newFakeStore())
	_, err := c.Validate(context.Background(), "")
	require.ErrorIs(t, err, auth.ErrAPIKeyMissing)
}

func TestValidate_UnknownCodeIsInvalid(t *testing.T) {
	c := auth.New(newFakeStore())
	_, err := c.Validate(context.Background(), "unknown")
	require.ErrorIs(t, err, auth.ErrInvalidAuthToken)
}

func TestValidate_DBHitPopulatesMemoryAndIncrementsUsage(t *testing.T) {
	store := newFakeStore()
	store.records["code-1"] = analytics.AuthCodeRecord{AuthCode: "code-1", TenantID: "t", Username: "u", IsActive: true}
	c := auth.New(store)

	info, err := c.Validate(context.Background(), "code-1")
	require.NoError(t, err)
	require.True(t, info.IsValid)
	require.Equal(t, 1, store.lookups)
	require.Equal(t, 1, store.usage["code-1"])
	require.Equal(t, 1, c.Len())

	// Second lookup hits memory: no additional DB query, usage still increments.
	_, err = c.Validate(context.Background(), "code-1")
	require.NoError(t, err)
	require.Equal(t, 1, store.lookups)
	require.Equal(t, 2, store.usage["code-1"])
}

func TestValidate_InactiveDBRowIsInvalid(t *testing.T) {
	store := newFakeStore()
	store.records["code-2"] = analytics.AuthCodeRecord{AuthCode: "code-2", IsActive: false}
	c := auth.New(store)

	_, err := c.Validate(context.Background(), "code-2")
	require.ErrorIs(t, err, auth.ErrInvalidAuthToken)
}

func TestValidate_MemoryEntryExpiresAfterTTL(t *testing.T) {
	store := newFakeStore()
	store.records["code-3"] = analytics.AuthCodeRecord{AuthCode: "code-3", IsActive: true}
	c := auth.New(store, auth.WithTTL(10*time.Millisecond))

	_, err := c.Validate(context.Background(), "code-3")
	require.NoError(t, err)
	require.Equal(t, 1, store.lookups)

	time.Sleep(25 * time.Millisecond)

	_, err = c.Validate(context.Background(), "code-3")
	require.NoError(t, err)
	require.Equal(t, 2, store.lookups) // S6: TTL expiry after the window re-queries the DB.
}

func TestValidate_CapacityEvictsOldestOnOverflow(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < 3; i++ {
		code := string(rune('a' + i))
		store.records[code] = analytics.AuthCodeRecord{AuthCode: code, IsActive: true}
	}
	c := auth.New(store, auth.WithCapacity(2))

	ctx := context.Background()
	_, err := c.Validate(ctx, "a")
	require.NoError(t, err)
	_, err = c.Validate(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())

	_, err = c.Validate(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, 2, c.Len()) // cap enforced, not grown to 3

	// "a" was inserted first, so it was the entry evicted for "c": looking
	// it up again goes back to the store.
	lookups := store.lookups
	_, err = c.Validate(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, lookups+1, store.lookups)
}

func TestValidateAdminToken(t *testing.T) {
	require.NoError(t, auth.ValidateAdminToken("secret", "secret"))
	require.ErrorIs(t, auth.ValidateAdminToken("secret", "wrong"), auth.ErrInvalidAuthToken)
	require.ErrorIs(t, auth.ValidateAdminToken("", "anything"), auth.ErrAdminTokenNotConfigured)
	require.ErrorIs(t, auth.ValidateAdminToken("secret", ""), auth.ErrAPIKeyMissing)
}

func TestValidate_StoreErrorPropagates(t *testing.T) {
	c := auth.New(errStore{})
	_, err := c.Validate(context.Background(), "anything")
	require.Error(t, err)
	require.False(t, errors.Is(err, auth.ErrInvalidAuthToken))
}

type errStore struct{}

func (errStore) LookupAuthCode(context.Context, string) (*analytics.AuthCodeRecord, error) {
	return nil, errors.New("db unavailable")
}

func (errStore) IncrementUsage(context.Context, string) error { return nil }
