package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDialer struct {
	mu           sync.Mutex
	connectSeq   []ConnectOutcome
	connectErrs  []error
	causeSeq     []DisconnectCause
	callIdx      int
	causeIdx     int
	disconnects  int32
	sends        int32
	failSends    int32
	connectTimes []time.Time
}

func (f *fakeDialer) Connect(ctx context.Context) (ConnectOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.callIdx
	f.callIdx++
	f.connectTimes = append(f.connectTimes, time.Now())
	if idx < len(f.connectErrs) && f.connectErrs[idx] != nil {
		return ConnectOutcome{}, f.connectErrs[idx]
	}
	if idx < len(f.connectSeq) {
		return f.connectSeq[idx], nil
	}
	return ConnectOutcome{Running: true}, nil
}

func (f *fakeDialer) WaitDisconnect(ctx context.Context) DisconnectCause {
	f.mu.Lock()
	idx := f.causeIdx
	f.causeIdx++
	var cause DisconnectCause = CauseConnectionClosed
	if idx < len(f.causeSeq) {
		cause = f.causeSeq[idx]
	}
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		return CauseUnknown
	case <-time.After(time.Millisecond):
		return cause
	}
}

func (f *fakeDialer) Disconnect() {
	atomic.AddInt32(&f.disconnects, 1)
}

func (f *fakeDialer) Send(ctx context.Context, endpoint string, payload []byte) error {
	atomic.AddInt32(&f.sends, 1)
	if atomic.LoadInt32(&f.failSends) > 0 {
		atomic.AddInt32(&f.failSends, -1)
		return assertError{}
	}
	return nil
}

type assertError struct{}

func (assertError) Error() string { return "send failed" }

type noopCreds struct{ cleaned int32 }

func (c *noopCreds) Cleanup() error {
	atomic.AddInt32(&c.cleaned, 1)
	return nil
}

func TestSupervisor_ReachesRunningAndFansOutEvents(t *testing.T) {
	d := &fakeDialer{}
	sup := New(d, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := sup.Subscribe(ctx)

	var ran int32
	sup.OnRunning(func(ctx context.Context) { atomic.AddInt32(&ran, 1) })

	go sup.Run(ctx)

	require.Eventually(t, func() bool { return sup.State() == StateRunning }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&ran) == 1 }, time.Second, time.Millisecond)

	sup.Deliver(EventMessage, struct{}{})
	select {
	case ev := <-sub:
		assert.Equal(t, EventMessage, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected event not received")
	}

	sup.Stop()
	assert.Equal(t, StateStopped, sup.State())
	assert.EqualValues(t, 1, atomic.LoadInt32(&d.disconnects))
}

func TestSupervisor_BadSessionWipesCredentials(t *testing.T) {
	d := &fakeDialer{causeSeq: []DisconnectCause{CauseBadSession}}
	creds := &noopCreds{}
	sup := New(d, creds)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sup.Run(ctx)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&creds.cleaned) >= 1 }, 2*time.Second, time.Millisecond)

	sup.Stop()
}

func TestSupervisor_SendSafely_RefusesWhenNotRunning(t *testing.T) {
	d := &fakeDialer{}
	sup := New(d, nil)

	err := sup.SendSafely(context.Background(), "1@s.whatsapp.net", "m1", []byte("hi"))
	require.Error(t, err)
}

func TestSupervisor_SendSafely_RetriesThenSucceeds(t *testing.T) {
	d := &fakeDialer{failSends: 2}
	sup := New(d, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)
	require.Eventually(t, func() bool { return sup.State() == StateRunning }, time.Second, time.Millisecond)

	err := sup.SendSafely(context.Background(), "1@s.whatsapp.net", "m1", []byte("hi"))
	require.NoError(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&d.sends))

	payload, ok := sup.RetryPayload(context.Background(), "m1")
	require.True(t, ok)
	assert.Equal(t, []byte("hi"), payload)

	sup.Stop()
}

func TestSupervisor_AwaitingQRSleepsBetweenRetries(t *testing.T) {
	original := qrPollInterval
	qrPollInterval = 20 * time.Millisecond
	defer func() { qrPollInterval = original }()

	d := &fakeDialer{connectSeq: []ConnectOutcome{
		{AwaitingQR: true},
		{AwaitingQR: true},
		{AwaitingQR: true},
	}}
	sup := New(d, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.connectTimes) >= 3
	}, time.Second, time.Millisecond)

	sup.Stop()

	d.mu.Lock()
	times := append([]time.Time(nil), d.connectTimes...)
	d.mu.Unlock()

	for i := 1; i < len(times); i++ {
		gap := times[i].Sub(times[i-1])
		assert.GreaterOrEqual(t, gap, qrPollInterval, "Run must back off between AwaitingQR retries instead of busy-looping")
	}
}

func TestRetryCache_EvictsHalfOnOverflow(t *testing.T) {
	sup := New(&fakeDialer{}, nil)
	for i := 0; i < retryCacheLimit+1; i++ {
		sup.rememberOutbound(string(rune(i)), []byte("x"))
	}
	assert.LessOrEqual(t, sup.retryOrder.Len(), retryCacheLimit)
}

func TestReduceAttempts_HalvesCounter(t *testing.T) {
	sup := New(&fakeDialer{}, nil)
	sup.attempt = 7
	sup.ReduceAttempts()
	assert.Equal(t, 3, sup.Attempt())
}

func TestExponentialBackoff_NeverBelowCauseDelayOrFloor(t *testing.T) {
	d1 := exponentialBackoff(1, 60*time.Second)
	assert.Equal(t, 60*time.Second, d1)

	d2 := exponentialBackoff(1, 10*time.Second)
	assert.Equal(t, 10*time.Second, d2)

	d3 := exponentialBackoff(20, 10*time.Second)
	assert.Equal(t, backoffCeiling, d3)
}
