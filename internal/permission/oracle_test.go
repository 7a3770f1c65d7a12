package permission

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybot-dev/relaybot/internal/store/storetest"
)

const (
	ownerCanonical  = "15551230000@s.whatsapp.net"
	admin1Canonical = "15551230001@s.whatsapp.net"
	admin2Canonical = "15551230002@s.whatsapp.net"
)

func newTestOracle(t *testing.T, admins *storetest.FakeAdminStore, bans *storetest.FakeBanStore, modes *storetest.FakeModeStore) *Oracle {
	t.Helper()
	return newTestOracleWithCache(t, admins, bans, modes, nil)
}

func newTestOracleWithCache(t *testing.T, admins *storetest.FakeAdminStore, bans *storetest.FakeBanStore, modes *storetest.FakeModeStore, c Cache) *Oracle {
	t.Helper()
	return New(Config{
		OwnerIdentity: "+1 (555) 123-0000",
		AdminList:     []string{" +1 555 123 0001 ", "15551230002"},
		DefaultMode:   ModePublic,
	}, admins, bans, modes, c)
}

// fakeCache is an in-memory stand-in for internal/cache.Cache's Get/Set
// pair, just enough to prove the Oracle checks it before the store.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	gets    int
}

func newFakeCache() *fakeCache { return &fakeCache{entries: make(map[string][]byte)} }

func (c *fakeCache) Get(ctx context.Context, key string, target interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	raw, ok := c.entries[key]
	if !ok {
		return errCacheMiss
	}
	return json.Unmarshal(raw, target)
}

func (c *fakeCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.entries[key] = raw
	return nil
}

type cacheMissError struct{}

func (cacheMissError) Error() string { return "cache miss" }

var errCacheMiss = cacheMissError{}

func TestIsOwner(t *testing.T) {
	o := newTestOracle(t, storetest.NewFakeAdminStore(), storetest.NewFakeBanStore(), storetest.NewFakeModeStore(ModePublic))
	assert.True(t, o.IsOwner(ownerCanonical))
	assert.False(t, o.IsOwner("15559999999@s.whatsapp.net"))
}

func TestIsAdmin_OwnerAlwaysAdmin(t *testing.T) {
	o := newTestOracle(t, storetest.NewFakeAdminStore(), storetest.NewFakeBanStore(), storetest.NewFakeModeStore(ModePublic))
	assert.True(t, o.IsAdmin(context.Background(), ownerCanonical))
}

func TestIsAdmin_ConfigAdminListCanonicalized(t *testing.T) {
	o := newTestOracle(t, storetest.NewFakeAdminStore(), storetest.NewFakeBanStore(), storetest.NewFakeModeStore(ModePublic))
	// Raw config entries with punctuation/whitespace still match the
	// already-canonical digits-and-suffix identity a sender resolves to.
	assert.True(t, o.IsAdmin(context.Background(), admin1Canonical))
	assert.True(t, o.IsAdmin(context.Background(), admin2Canonical))
	assert.False(t, o.IsAdmin(context.Background(), "15559999999@s.whatsapp.net"))
}

func TestIsAdmin_StoreBackedAdmin(t *testing.T) {
	admins := storetest.NewFakeAdminStore("15557778888@s.whatsapp.net")
	o := newTestOracle(t, admins, storetest.NewFakeBanStore(), storetest.NewFakeModeStore(ModePublic))
	assert.True(t, o.IsAdmin(context.Background(), "15557778888@s.whatsapp.net"))
}

func TestIsBanned_OwnerNeverBanned(t *testing.T) {
	bans := storetest.NewFakeBanStore(ownerCanonical)
	o := newTestOracle(t, storetest.NewFakeAdminStore(), bans, storetest.NewFakeModeStore(ModePublic))
	assert.False(t, o.IsBanned(context.Background(), ownerCanonical))
}

func TestIsBanned_StoreBackedBan(t *testing.T) {
	bans := storetest.NewFakeBanStore("15556660000@s.whatsapp.net")
	o := newTestOracle(t, storetest.NewFakeAdminStore(), bans, storetest.NewFakeModeStore(ModePublic))
	assert.True(t, o.IsBanned(context.Background(), "15556660000@s.whatsapp.net"))
	assert.False(t, o.IsBanned(context.Background(), "15559999999@s.whatsapp.net"))
}

func TestMode_FallsBackToConfigOnStoreFailure(t *testing.T) {
	modes := storetest.NewFakeModeStore(ModePrivate)
	modes.FailNext()
	o := newTestOracle(t, storetest.NewFakeAdminStore(), storetest.NewFakeBanStore(), modes)
	assert.Equal(t, ModePublic, o.Mode(context.Background()))
}

func TestMode_UsesStoreValue(t *testing.T) {
	modes := storetest.NewFakeModeStore(ModePrivate)
	o := newTestOracle(t, storetest.NewFakeAdminStore(), storetest.NewFakeBanStore(), modes)
	assert.Equal(t, ModePrivate, o.Mode(context.Background()))
}

func TestAllow_EnforcesLimitWithinWindow(t *testing.T) {
	o := newTestOracle(t, storetest.NewFakeAdminStore(), storetest.NewFakeBanStore(), storetest.NewFakeModeStore(ModePublic))
	for i := 0; i < defaultLimit; i++ {
		require.True(t, o.Allow("user@example", "global"), "event %d should be allowed", i)
	}
	assert.False(t, o.Allow("user@example", "global"), "11th event within the window should be rejected")
}

func TestAllow_ScopesAreIndependent(t *testing.T) {
	o := newTestOracle(t, storetest.NewFakeAdminStore(), storetest.NewFakeBanStore(), storetest.NewFakeModeStore(ModePublic))
	for i := 0; i < defaultLimit; i++ {
		require.True(t, o.Allow("user@example", "global"))
	}
	assert.True(t, o.Allow("user@example", "plugin-scope"), "a distinct scope must have its own independent budget")
}

func TestIsAdmin_SecondLookupServedFromCache(t *testing.T) {
	admins := storetest.NewFakeAdminStore("15557778888@s.whatsapp.net")
	c := newFakeCache()
	o := newTestOracleWithCache(t, admins, storetest.NewFakeBanStore(), storetest.NewFakeModeStore(ModePublic), c)

	assert.True(t, o.IsAdmin(context.Background(), "15557778888@s.whatsapp.net"))
	assert.True(t, o.IsAdmin(context.Background(), "15557778888@s.whatsapp.net"))

	c.mu.Lock()
	gets := c.gets
	c.mu.Unlock()
	assert.GreaterOrEqual(t, gets, 2, "both lookups should have consulted the cache")
	assert.Len(t, c.entries, 1, "the second lookup should have been answered by the populated cache entry")
}

func TestIsBanned_PopulatesCacheEntry(t *testing.T) {
	bans := storetest.NewFakeBanStore("15556660000@s.whatsapp.net")
	c := newFakeCache()
	o := newTestOracleWithCache(t, storetest.NewFakeAdminStore(), bans, storetest.NewFakeModeStore(ModePublic), c)

	assert.True(t, o.IsBanned(context.Background(), "15556660000@s.whatsapp.net"))
	assert.Len(t, c.entries, 1)
}

func TestMode_PopulatesAndServesCacheEntry(t *testing.T) {
	modes := storetest.NewFakeModeStore(ModePrivate)
	c := newFakeCache()
	o := newTestOracleWithCache(t, storetest.NewFakeAdminStore(), storetest.NewFakeBanStore(), modes, c)

	assert.Equal(t, ModePrivate, o.Mode(context.Background()))

	_ = modes.SetMode(context.Background(), ModePublic) // store changes, cache is still warm
	assert.Equal(t, ModePrivate, o.Mode(context.Background()), "cached mode should win until the TTL expires")
}

func TestSlidingWindowLimiter_ExpiresOldEvents(t *testing.T) {
	l := newSlidingWindowLimiter()
	window := 50 * time.Millisecond

	assert.True(t, l.allow("k", "s", 1, window))
	assert.False(t, l.allow("k", "s", 1, window), "second event within the window should be rejected")

	time.Sleep(window + 20*time.Millisecond)
	assert.True(t, l.allow("k", "s", 1, window), "event after the window elapsed should be allowed again")
}
