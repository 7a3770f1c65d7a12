// Package storetest provides in-memory fakes for the narrow store
// interfaces (AdminStore, BanStore, ModeStore, JobRecordStore), used in
// place of a real MongoDB instance the same way the teacher's
// NewDatabaseForTesting + go-sqlmock combination stood in for
// PostgreSQL: fake the narrow interface the caller depends on, not the
// driver underneath it.
package storetest

import (
	"context"
	"sync"

	"github.com/relaybot-dev/relaybot/internal/store"
)

// FakeAdminStore is an in-memory AdminStore.
type FakeAdminStore struct {
	mu     sync.Mutex
	admins map[string]struct{}
}

func NewFakeAdminStore(seed ...string) *FakeAdminStore {
	f := &FakeAdminStore{admins: make(map[string]struct{})}
	for _, id := range seed {
		f.admins[id] = struct{}{}
	}
	return f
}

func (f *FakeAdminStore) IsAdmin(ctx context.Context, identity string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.admins[identity]
	return ok, nil
}

func (f *FakeAdminStore) AddAdmin(ctx context.Context, identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.admins[identity] = struct{}{}
	return nil
}

func (f *FakeAdminStore) RemoveAdmin(ctx context.Context, identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.admins, identity)
	return nil
}

func (f *FakeAdminStore) ListAdmins(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.admins))
	for id := range f.admins {
		out = append(out, id)
	}
	return out, nil
}

// FakeBanStore is an in-memory BanStore.
type FakeBanStore struct {
	mu   sync.Mutex
	bans map[string]string
}

func NewFakeBanStore(seed ...string) *FakeBanStore {
	f := &FakeBanStore{bans: make(map[string]string)}
	for _, id := range seed {
		f.bans[id] = ""
	}
	return f
}

func (f *FakeBanStore) IsBanned(ctx context.Context, identity string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.bans[identity]
	return ok, nil
}

func (f *FakeBanStore) Ban(ctx context.Context, identity, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bans[identity] = reason
	return nil
}

func (f *FakeBanStore) Unban(ctx context.Context, identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.bans, identity)
	return nil
}

// FakeModeStore is an in-memory ModeStore. FailNext makes the next
// GetMode call return an error, for exercising C8's config fallback.
type FakeModeStore struct {
	mu       sync.Mutex
	mode     store.Mode
	failNext bool
}

func NewFakeModeStore(initial store.Mode) *FakeModeStore {
	return &FakeModeStore{mode: initial}
}

func (f *FakeModeStore) GetMode(ctx context.Context) (store.Mode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return "", errStoreUnavailable
	}
	return f.mode, nil
}

func (f *FakeModeStore) SetMode(ctx context.Context, mode store.Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = mode
	return nil
}

func (f *FakeModeStore) FailNext() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = true
}

// FakeJobRecordStore is an in-memory JobRecordStore.
type FakeJobRecordStore struct {
	mu      sync.Mutex
	records map[string]store.JobRecord
}

func NewFakeJobRecordStore() *FakeJobRecordStore {
	return &FakeJobRecordStore{records: make(map[string]store.JobRecord)}
}

func (f *FakeJobRecordStore) SaveJob(ctx context.Context, rec store.JobRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.JobID] = rec
	return nil
}

func (f *FakeJobRecordStore) DeleteJob(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, jobID)
	return nil
}

func (f *FakeJobRecordStore) JobsForPlugin(ctx context.Context, pluginName string) ([]store.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.JobRecord
	for _, rec := range f.records {
		if rec.PluginName == pluginName {
			out = append(out, rec)
		}
	}
	return out, nil
}

type storeUnavailableError struct{}

func (storeUnavailableError) Error() string { return "store unavailable" }

var errStoreUnavailable = storeUnavailableError{}
