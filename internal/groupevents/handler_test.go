package groupevents

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	meta         GroupMetadata
	metaErr      error
	avatar       []byte
	avatarErr    error
	names        map[string]string
	sentTo       string
	sentImage    []byte
	sentCaption  string
	sentMentions []string
	sendErr      error
	sendCalls    int
}

func (f *fakeTransport) FetchGroupMetadata(ctx context.Context, group string) (GroupMetadata, error) {
	return f.meta, f.metaErr
}

func (f *fakeTransport) FetchGroupProfilePicture(ctx context.Context, group string) ([]byte, error) {
	return f.avatar, f.avatarErr
}

func (f *fakeTransport) FetchDisplayName(ctx context.Context, canonical string) (string, error) {
	if f.names == nil {
		return "", nil
	}
	name, ok := f.names[canonical]
	if !ok {
		return "", errors.New("not found")
	}
	return name, nil
}

func (f *fakeTransport) SendImageMessage(ctx context.Context, to string, image []byte, caption string, mentions []string) error {
	f.sendCalls++
	f.sentTo = to
	f.sentImage = image
	f.sentCaption = caption
	f.sentMentions = mentions
	return f.sendErr
}

type fakeResolver struct {
	resolved map[string]string
}

func (f *fakeResolver) Resolve(ctx context.Context, opaque, group string) (string, error) {
	if canonical, ok := f.resolved[opaque]; ok {
		return canonical, nil
	}
	return "", errors.New("unresolvable")
}

type fakeNotifier struct {
	events []MemberJoinedEvent
}

func (f *fakeNotifier) EmitCoreEvent(eventType string, data interface{}) {
	if eventType != EventMemberJoined {
		return
	}
	f.events = append(f.events, data.(MemberJoinedEvent))
}

func TestHandle_WelcomeMessageSubstitutesTemplate(t *testing.T) {
	tp := &fakeTransport{
		meta:  GroupMetadata{Name: "Go Devs", Size: 42},
		names: map[string]string{"15551230000@s.whatsapp.net": "Ada"},
	}
	resolver := &fakeResolver{resolved: map[string]string{"ABC123": "15551230000@s.whatsapp.net"}}
	notifier := &fakeNotifier{}

	h := New(tp, resolver, notifier, Config{WelcomeTemplate: "Hi {name}! Welcome to {group} ({members} members) on {date} at {time}."})
	h.Handle(context.Background(), Update{Group: "120@g.us", Action: ActionAdd, Participants: []string{"ABC123"}})

	require.Equal(t, 1, tp.sendCalls)
	assert.Contains(t, tp.sentCaption, "Hi Ada!")
	assert.Contains(t, tp.sentCaption, "Go Devs")
	assert.Contains(t, tp.sentCaption, "42 members")
	assert.Equal(t, []string{"15551230000@s.whatsapp.net"}, tp.sentMentions)
	assert.Equal(t, "120@g.us", tp.sentTo)
}

func TestHandle_GoodbyeUsesGoodbyeTemplate(t *testing.T) {
	tp := &fakeTransport{meta: GroupMetadata{Name: "Go Devs", Size: 41}}
	resolver := &fakeResolver{resolved: map[string]string{"ABC123": "15551230000@s.whatsapp.net"}}

	h := New(tp, resolver, nil, Config{GoodbyeTemplate: "Bye {name}."})
	h.Handle(context.Background(), Update{Group: "120@g.us", Action: ActionRemove, Participants: []string{"ABC123"}})

	require.Equal(t, 1, tp.sendCalls)
	assert.Contains(t, tp.sentCaption, "Bye")
}

func TestHandle_UnresolvableParticipantIsSkippedNotFailed(t *testing.T) {
	tp := &fakeTransport{meta: GroupMetadata{Name: "Go Devs", Size: 2}}
	resolver := &fakeResolver{resolved: map[string]string{"good": "15551230000@s.whatsapp.net"}}

	h := New(tp, resolver, nil, Config{})
	h.Handle(context.Background(), Update{Group: "g", Action: ActionAdd, Participants: []string{"bad", "good"}})

	require.Equal(t, 1, tp.sendCalls)
	assert.Equal(t, []string{"15551230000@s.whatsapp.net"}, tp.sentMentions)
}

func TestHandle_AllParticipantsUnresolvableSendsNothing(t *testing.T) {
	tp := &fakeTransport{}
	resolver := &fakeResolver{resolved: map[string]string{}}

	h := New(tp, resolver, nil, Config{})
	h.Handle(context.Background(), Update{Group: "g", Action: ActionAdd, Participants: []string{"bad"}})

	assert.Equal(t, 0, tp.sendCalls)
}

func TestHandle_EmptyParticipantListIsNoop(t *testing.T) {
	tp := &fakeTransport{}
	h := New(tp, &fakeResolver{}, nil, Config{})
	h.Handle(context.Background(), Update{Group: "g", Action: ActionAdd})
	assert.Equal(t, 0, tp.sendCalls)
}

func TestHandle_NilTransportIsNoop(t *testing.T) {
	h := New(nil, &fakeResolver{}, nil, Config{})
	h.Handle(context.Background(), Update{Group: "g", Action: ActionAdd, Participants: []string{"x"}})
}

func TestHandle_MetadataFetchFailureFallsBackToPlaceholder(t *testing.T) {
	tp := &fakeTransport{metaErr: errors.New("boom")}
	resolver := &fakeResolver{resolved: map[string]string{"x": "15551230000@s.whatsapp.net"}}

	h := New(tp, resolver, nil, Config{})
	h.Handle(context.Background(), Update{Group: "120@g.us", Action: ActionAdd, Participants: []string{"x"}})

	require.Equal(t, 1, tp.sendCalls)
	assert.Contains(t, tp.sentCaption, "120")
}

func TestHandle_AvatarFetchFailureFallsBackToDefault(t *testing.T) {
	tp := &fakeTransport{avatarErr: errors.New("no avatar")}
	resolver := &fakeResolver{resolved: map[string]string{"x": "15551230000@s.whatsapp.net"}}
	defaultAvatar := []byte{0xFF, 0xD8}

	h := New(tp, resolver, nil, Config{DefaultAvatar: defaultAvatar})
	h.Handle(context.Background(), Update{Group: "g", Action: ActionAdd, Participants: []string{"x"}})

	assert.Equal(t, defaultAvatar, tp.sentImage)
}

func TestHandle_DisplayNameFetchFailureFallsBackToLocalPart(t *testing.T) {
	tp := &fakeTransport{names: map[string]string{}}
	resolver := &fakeResolver{resolved: map[string]string{"x": "15551230000@s.whatsapp.net"}}

	h := New(tp, resolver, nil, Config{WelcomeTemplate: "{name}"})
	h.Handle(context.Background(), Update{Group: "g", Action: ActionAdd, Participants: []string{"x"}})

	assert.Equal(t, "15551230000", tp.sentCaption)
}

func TestHandle_AddFiresPluginHookPerMember(t *testing.T) {
	tp := &fakeTransport{}
	resolver := &fakeResolver{resolved: map[string]string{"a": "111@s.whatsapp.net", "b": "222@s.whatsapp.net"}}
	notifier := &fakeNotifier{}

	h := New(tp, resolver, notifier, Config{})
	h.Handle(context.Background(), Update{Group: "g", Action: ActionAdd, Participants: []string{"a", "b"}})

	require.Len(t, notifier.events, 2)
	assert.Equal(t, "111@s.whatsapp.net", notifier.events[0].Member)
	assert.Equal(t, "222@s.whatsapp.net", notifier.events[1].Member)
	assert.Equal(t, "g", notifier.events[0].Group)
}

func TestHandle_RemoveDoesNotFirePluginHook(t *testing.T) {
	tp := &fakeTransport{}
	resolver := &fakeResolver{resolved: map[string]string{"a": "111@s.whatsapp.net"}}
	notifier := &fakeNotifier{}

	h := New(tp, resolver, notifier, Config{})
	h.Handle(context.Background(), Update{Group: "g", Action: ActionRemove, Participants: []string{"a"}})

	assert.Empty(t, notifier.events)
}

func TestHandle_NilNotifierDoesNotPanicOnAdd(t *testing.T) {
	tp := &fakeTransport{}
	resolver := &fakeResolver{resolved: map[string]string{"a": "111@s.whatsapp.net"}}

	h := New(tp, resolver, nil, Config{})
	assert.NotPanics(t, func() {
		h.Handle(context.Background(), Update{Group: "g", Action: ActionAdd, Participants: []string{"a"}})
	})
}

func TestHandle_NilResolverUsesRawID(t *testing.T) {
	tp := &fakeTransport{}
	h := New(tp, nil, nil, Config{WelcomeTemplate: "{name}"})
	h.Handle(context.Background(), Update{Group: "g", Action: ActionAdd, Participants: []string{"raw123"}})
	assert.Equal(t, "raw123", tp.sentCaption)
}

func TestHandle_SendFailureIsLoggedNotPanicked(t *testing.T) {
	tp := &fakeTransport{sendErr: errors.New("network down")}
	resolver := &fakeResolver{resolved: map[string]string{"a": "111@s.whatsapp.net"}}

	h := New(tp, resolver, nil, Config{})
	assert.NotPanics(t, func() {
		h.Handle(context.Background(), Update{Group: "g", Action: ActionAdd, Participants: []string{"a"}})
	})
}

func TestNew_DefaultsFillEmptyTemplatesAndLocation(t *testing.T) {
	h := New(&fakeTransport{}, &fakeResolver{}, nil, Config{})
	assert.Equal(t, defaultWelcomeTemplate, h.cfg.WelcomeTemplate)
	assert.Equal(t, defaultGoodbyeTemplate, h.cfg.GoodbyeTemplate)
	assert.Equal(t, time.UTC, h.cfg.Location)
}

func TestRender_AllPlaceholdersSubstituted(t *testing.T) {
	h := New(&fakeTransport{}, &fakeResolver{}, nil, Config{
		WelcomeTemplate: "{name}/{group}/{members}/{date}/{time}",
	})
	out := h.render(ActionAdd, []string{"Ada"}, GroupMetadata{Name: "Devs", Size: 9})
	assert.NotContains(t, out, "{")
	assert.Contains(t, out, "Ada/Devs/9/")
}
