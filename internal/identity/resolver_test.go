package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRoster struct {
	participants map[string][]Participant
	calls        int
}

func (f *fakeRoster) FetchGroupParticipants(ctx context.Context, group string) ([]Participant, error) {
	f.calls++
	return f.participants[group], nil
}

func TestResolve_StripsDeviceSuffix(t *testing.T) {
	r := New(nil)
	defer r.Close()

	got, err := r.Resolve(context.Background(), "123456789:5@s.whatsapp.net", "")
	require.NoError(t, err)
	assert.Equal(t, "123456789@s.whatsapp.net", got)
}

func TestResolve_Idempotent(t *testing.T) {
	r := New(nil)
	defer r.Close()

	first, err := r.Resolve(context.Background(), "555@s.whatsapp.net", "")
	require.NoError(t, err)

	second, err := r.Resolve(context.Background(), first, "")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestResolve_GroupMemberCachesAfterFetch(t *testing.T) {
	roster := &fakeRoster{participants: map[string][]Participant{
		"group@g.us": {
			{SurrogateKey: "999888777", Canonical: "15551234@s.whatsapp.net"},
		},
	}}
	r := New(roster)
	defer r.Close()

	got, err := r.Resolve(context.Background(), "999888777", "group@g.us")
	require.NoError(t, err)
	assert.Equal(t, "15551234@s.whatsapp.net", got)

	got2, err := r.Resolve(context.Background(), "999888777", "group@g.us")
	require.NoError(t, err)
	assert.Equal(t, "15551234@s.whatsapp.net", got2)
	assert.Equal(t, 1, roster.calls, "second resolve should hit the cache, not refetch the roster")
}

func TestResolve_UnknownShapeReturnsUnchanged(t *testing.T) {
	r := New(nil)
	defer r.Close()

	got, err := r.Resolve(context.Background(), "status@broadcast", "")
	require.NoError(t, err)
	assert.Equal(t, "status@broadcast", got)
}

func TestValidateAndNormalize(t *testing.T) {
	canonical, ok := ValidateAndNormalize("12345@s.whatsapp.net")
	assert.True(t, ok)
	assert.Equal(t, "12345@s.whatsapp.net", canonical)

	_, ok = ValidateAndNormalize("12345@g.us")
	assert.False(t, ok)

	_, ok = ValidateAndNormalize("not-numeric@s.whatsapp.net")
	assert.False(t, ok)
}

func TestResolveCached_MissReturnsInputUnchanged(t *testing.T) {
	r := New(nil)
	defer r.Close()

	got := r.ResolveCached("999888777")
	assert.Equal(t, "999888777", got)
}

func TestNormalizeConfiguredIdentity(t *testing.T) {
	canonical, ok := NormalizeConfiguredIdentity("+1 (555) 123-0000")
	assert.True(t, ok)
	assert.Equal(t, "15551230000@s.whatsapp.net", canonical)

	canonical, ok = NormalizeConfiguredIdentity("  15559998888  ")
	assert.True(t, ok)
	assert.Equal(t, "15559998888@s.whatsapp.net", canonical)

	_, ok = NormalizeConfiguredIdentity("no-digits-here")
	assert.False(t, ok)
}
