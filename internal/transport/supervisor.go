// Package transport implements the Connection Supervisor (C4): the sole
// owner of the live connection handle to the messaging network, its
// reconnect state machine, and the fan-out of inbound events to the rest
// of the bot.
//
// The wire protocol itself is out of scope; Supervisor drives an
// injected Dialer and reacts to the DisconnectCause it reports, the way
// the rest of the bot would regardless of which client library backs
// Dialer in production.
package transport

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaybot-dev/relaybot/internal/apperrors"
	"github.com/relaybot-dev/relaybot/internal/cache"
	"github.com/relaybot-dev/relaybot/internal/logger"
	"github.com/relaybot-dev/relaybot/internal/metrics"
)

// State is a position in the connection state machine.
type State string

const (
	StateInitializing State = "initializing"
	StateConnecting   State = "connecting"
	StateAwaitingQR   State = "awaiting-qr"
	StateRunning      State = "running"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
)

// DisconnectCause classifies why the connection closed, driving both the
// credential-wipe decision and the reconnect backoff.
type DisconnectCause string

const (
	CauseBadSession         DisconnectCause = "bad-session"
	CauseConnectionClosed   DisconnectCause = "connection-closed"
	CauseConnectionLost     DisconnectCause = "connection-lost"
	CauseConnectionReplaced DisconnectCause = "connection-replaced"
	CauseLoggedOut          DisconnectCause = "logged-out"
	CauseRestartRequired    DisconnectCause = "restart-required"
	CauseTimedOut           DisconnectCause = "timed-out"
	CauseUnknown            DisconnectCause = "unknown"
)

type causePolicy struct {
	cleanCreds bool
	backoff    time.Duration
}

var causeTable = map[DisconnectCause]causePolicy{
	CauseBadSession:         {cleanCreds: true, backoff: 15 * time.Second},
	CauseConnectionClosed:   {cleanCreds: false, backoff: 10 * time.Second},
	CauseConnectionLost:     {cleanCreds: false, backoff: 15 * time.Second},
	CauseConnectionReplaced: {cleanCreds: false, backoff: 60 * time.Second},
	CauseLoggedOut:          {cleanCreds: true, backoff: 20 * time.Second},
	CauseRestartRequired:    {cleanCreds: false, backoff: 10 * time.Second},
	CauseTimedOut:           {cleanCreds: false, backoff: 20 * time.Second},
	CauseUnknown:            {cleanCreds: false, backoff: 15 * time.Second},
}

func policyFor(cause DisconnectCause) causePolicy {
	if p, ok := causeTable[cause]; ok {
		return p
	}
	return causeTable[CauseUnknown]
}

const (
	maxReconnectAttempts = 10
	backoffMultiplier    = 1.5
	backoffFloor         = 3 * time.Second
	backoffCeiling       = 45 * time.Second
	exhaustionCooldown   = 3 * time.Minute

	// ConnectTimeout and KeepAliveEvery are the dial parameters a Dialer
	// implementation is expected to honor.
	ConnectTimeout = 45 * time.Second
	KeepAliveEvery = 30 * time.Second

	retryCacheLimit = 1000
	retryCacheTTL   = 24 * time.Hour

	sendAttempts  = 3
	sendRetryUnit = time.Second
)

// qrPollInterval is how long Run waits before retrying a Connect that
// reported AwaitingQR. A var, not a const, so tests can shrink it rather
// than wait out a real interval.
var qrPollInterval = 5 * time.Second

// Dialer is the narrow slice of the underlying client the supervisor
// drives. A real implementation wraps a messaging-network socket client;
// tests substitute a fake.
type Dialer interface {
	// Connect brings up the connection and returns as soon as the
	// outcome of this attempt is known: running, awaiting a QR scan, or
	// failed outright.
	Connect(ctx context.Context) (outcome ConnectOutcome, err error)
	// WaitDisconnect blocks until a connection previously brought up by
	// Connect (outcome.Running) drops, then reports why. Only called
	// while the supervisor believes itself to be running.
	WaitDisconnect(ctx context.Context) DisconnectCause
	// Disconnect tears down any live connection.
	Disconnect()
	// Send delivers a single outbound payload to endpoint.
	Send(ctx context.Context, endpoint string, payload []byte) error
}

// ConnectOutcome is what a single Connect call settled into.
type ConnectOutcome struct {
	AwaitingQR bool
	Running    bool
}

// RetryCache is the narrow slice of internal/cache.Cache the supervisor
// writes through to when REDIS_RETRY_CACHE is enabled, giving the
// outbound-retry index a second, restart-surviving backing store on top
// of the in-process LRU. Nil (the default) leaves the LRU as the only
// index.
type RetryCache interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string, target interface{}) error
}

// CredentialWiper is satisfied by the session store; kept as an
// interface here so this package does not import the session package.
type CredentialWiper interface {
	Cleanup() error
}

// EventKind tags the variety of a fanned-out Event.
type EventKind string

const (
	EventMessage                 EventKind = "message"
	EventCall                    EventKind = "call"
	EventGroupUpdate             EventKind = "groupUpdate"
	EventGroupParticipantsUpdate EventKind = "groupParticipantsUpdate"
	EventCredsUpdate             EventKind = "credsUpdate"
)

// Event is a single fanned-out occurrence from the transport.
type Event struct {
	Kind    EventKind
	Payload interface{}
}

// RunningHook is invoked once per transition into StateRunning, so
// callers can (re-)register plugin references, scheduled jobs, and the
// owner startup notification without the supervisor knowing about any
// of them.
type RunningHook func(ctx context.Context)

// Supervisor owns the one live connection handle and drives its
// reconnect state machine.
type Supervisor struct {
	dialer Dialer
	creds  CredentialWiper
	log    zerolog.Logger

	mu          sync.RWMutex
	state       State
	connectedAt time.Time
	attempt     int

	subMu       sync.Mutex
	subscribers map[chan Event]struct{}

	retryMu    sync.Mutex
	retryOrder *list.List // front = most recently touched
	retryIndex map[string]*list.Element
	retryCache RetryCache

	onRunning []RunningHook

	stopCh chan struct{}
	doneCh chan struct{}
}

type retryEntry struct {
	id      string
	payload []byte
}

type notRunningError struct{}

func (notRunningError) Error() string { return "transport is not running" }

var errNotRunning = notRunningError{}

type sendAbortedError struct{}

func (sendAbortedError) Error() string { return "send aborted: supervisor stopping or context done" }

var errSendAborted = sendAbortedError{}

// New constructs a Supervisor around dialer. creds may be nil in tests
// that never exercise credential wiping.
func New(dialer Dialer, creds CredentialWiper) *Supervisor {
	return &Supervisor{
		dialer:      dialer,
		creds:       creds,
		log:         logger.Transport(),
		state:       StateInitializing,
		subscribers: make(map[chan Event]struct{}),
		retryOrder:  list.New(),
		retryIndex:  make(map[string]*list.Element),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// SetRetryCache wires an optional second, restart-surviving index for
// the outbound-retry cache on top of the in-process LRU. Intended to be
// called once, before Run, when REDIS_RETRY_CACHE is enabled.
func (s *Supervisor) SetRetryCache(c RetryCache) {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	s.retryCache = c
}

// OnRunning registers a hook fired every time the connection reaches
// StateRunning, including across reconnects.
func (s *Supervisor) OnRunning(hook RunningHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRunning = append(s.onRunning, hook)
}

// State returns the current position in the state machine.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ConnectedAt reports when the current running period began; the zero
// value means the supervisor has never reached StateRunning.
func (s *Supervisor) ConnectedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connectedAt
}

// Attempt reports the current reconnect attempt counter, for the health
// supervisor's stuck-reconnect loop.
func (s *Supervisor) Attempt() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attempt
}

// ReduceAttempts halves the reconnect attempt counter, letting a stuck
// connection back off less aggressively on its next scheduled retry. It
// does not itself force an immediate reconnect: scheduleReconnect's loop
// already retries continuously while not running, so halving the
// counter is enough to shorten the wait before the next try.
func (s *Supervisor) ReduceAttempts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt /= 2
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	if st == StateRunning {
		s.connectedAt = time.Now()
	}
	s.mu.Unlock()
	metrics.ConnectionState.Set(stateGauge(st))
}

func stateGauge(st State) float64 {
	switch st {
	case StateRunning:
		return 1
	case StateConnecting, StateReconnecting, StateAwaitingQR:
		return 0.5
	default:
		return 0
	}
}

// Subscribe returns a channel receiving every fanned-out Event until ctx
// is done, at which point the channel is closed and unregistered.
func (s *Supervisor) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 64)
	s.subMu.Lock()
	s.subscribers[ch] = struct{}{}
	s.subMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subMu.Lock()
		delete(s.subscribers, ch)
		s.subMu.Unlock()
		close(ch)
	}()
	return ch
}

func (s *Supervisor) emit(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			s.log.Warn().Str("kind", string(ev.Kind)).Msg("subscriber channel full, dropping event")
		}
	}
}

// Run drives the connect/reconnect loop until Stop is called. It
// returns once the supervisor has reached StateStopped.
func (s *Supervisor) Run(ctx context.Context) {
	defer close(s.doneCh)

	for {
		select {
		case <-s.stopCh:
			s.shutdown()
			return
		case <-ctx.Done():
			s.shutdown()
			return
		default:
		}

		s.setState(StateConnecting)
		outcome, err := s.dialer.Connect(ctx)
		if err != nil {
			s.log.Error().Err(err).Msg("connect attempt failed")
			if !s.scheduleReconnect(ctx, policyFor(CauseUnknown)) {
				s.shutdown()
				return
			}
			continue
		}

		if outcome.AwaitingQR {
			s.setState(StateAwaitingQR)
			if !sleepOrDone(ctx, s.stopCh, qrPollInterval) {
				s.shutdown()
				return
			}
			continue
		}

		s.attempt = 0
		s.setState(StateRunning)
		s.log.Info().Msg("connected")
		s.runHooks(ctx)

		cause := s.dialer.WaitDisconnect(ctx)
		select {
		case <-s.stopCh:
			s.shutdown()
			return
		case <-ctx.Done():
			s.shutdown()
			return
		default:
		}

		if cause == "" {
			cause = CauseUnknown
		}
		metrics.ReconnectsTotal.WithLabelValues(string(cause)).Inc()
		policy := policyFor(cause)
		if policy.cleanCreds && s.creds != nil {
			if err := s.creds.Cleanup(); err != nil {
				s.log.Warn().Err(err).Msg("failed to wipe credentials after disconnect")
			}
		}
		if !s.scheduleReconnect(ctx, policy) {
			s.shutdown()
			return
		}
	}
}

func (s *Supervisor) runHooks(ctx context.Context) {
	s.mu.RLock()
	hooks := append([]RunningHook(nil), s.onRunning...)
	s.mu.RUnlock()
	for _, h := range hooks {
		h(ctx)
	}
}

// scheduleReconnect waits out the appropriate backoff and returns true
// if the caller should attempt to connect again. On exhausting the
// attempt budget it wipes credentials, sleeps the cooldown, resets the
// counter, and still returns true (the loop tries again from scratch).
func (s *Supervisor) scheduleReconnect(ctx context.Context, policy causePolicy) bool {
	s.setState(StateReconnecting)
	s.attempt++

	if s.attempt > maxReconnectAttempts {
		s.log.Error().Int("attempts", s.attempt-1).Msg("reconnect attempts exhausted, entering cooldown")
		s.setState(StateError)
		if s.creds != nil {
			if err := s.creds.Cleanup(); err != nil {
				s.log.Warn().Err(err).Msg("failed to wipe credentials after exhausting reconnect attempts")
			}
		}
		if !sleepOrDone(ctx, s.stopCh, exhaustionCooldown) {
			return false
		}
		s.attempt = 0
		return true
	}

	delay := exponentialBackoff(s.attempt, policy.backoff)
	s.log.Info().Int("attempt", s.attempt).Dur("delay", delay).Msg("scheduling reconnect")
	return sleepOrDone(ctx, s.stopCh, delay)
}

// exponentialBackoff picks the larger of the cause's fixed delay and the
// multiplier-based curve from the floor, capped at the ceiling — so a
// cause with a generous fixed delay (e.g. connection-replaced at 60s)
// is never shortened by the curve.
func exponentialBackoff(attempt int, causeDelay time.Duration) time.Duration {
	curve := backoffFloor
	for i := 1; i < attempt; i++ {
		curve = time.Duration(float64(curve) * backoffMultiplier)
		if curve > backoffCeiling {
			curve = backoffCeiling
			break
		}
	}
	if causeDelay > curve {
		return causeDelay
	}
	return curve
}

func sleepOrDone(ctx context.Context, stop chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// Stop requests a graceful shutdown and blocks until Run has returned.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	alreadyStopping := s.state == StateStopping || s.state == StateStopped
	s.mu.Unlock()
	if alreadyStopping {
		return
	}
	s.setState(StateStopping)
	close(s.stopCh)
	<-s.doneCh
}

func (s *Supervisor) shutdown() {
	s.dialer.Disconnect()
	s.setState(StateStopped)
}

// Deliver fans a raw inbound occurrence out to all subscribers. Callers
// wire this to the dialer's own inbound hooks.
func (s *Supervisor) Deliver(kind EventKind, payload interface{}) {
	s.emit(Event{Kind: kind, Payload: payload})
	if kind == EventMessage {
		if id, ok := messageID(payload); ok {
			s.rememberOutbound(id, nil)
		}
	}
}

func messageID(payload interface{}) (string, bool) {
	type idCarrier interface{ MessageID() string }
	if c, ok := payload.(idCarrier); ok {
		return c.MessageID(), true
	}
	return "", false
}

// rememberOutbound records a sent message's id in the bounded LRU retry
// cache, evicting the least-recently-touched half once the limit is
// exceeded. When a RetryCache is wired, the payload is also mirrored
// there on a best-effort basis so a restart doesn't lose in-flight
// retries; that write never blocks the caller.
func (s *Supervisor) rememberOutbound(id string, payload []byte) {
	s.retryMu.Lock()
	retryCache := s.retryCache

	if el, ok := s.retryIndex[id]; ok {
		s.retryOrder.MoveToFront(el)
		el.Value.(*retryEntry).payload = payload
	} else {
		el := s.retryOrder.PushFront(&retryEntry{id: id, payload: payload})
		s.retryIndex[id] = el

		if s.retryOrder.Len() > retryCacheLimit {
			s.evictHalf()
		}
	}
	s.retryMu.Unlock()

	if retryCache != nil && payload != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := retryCache.Set(ctx, cache.RetryKey(id), payload, retryCacheTTL); err != nil {
				s.log.Warn().Err(err).Str("id", id).Msg("failed to mirror outbound retry payload to cache")
			}
		}()
	}
}

func (s *Supervisor) evictHalf() {
	toRemove := s.retryOrder.Len() / 2
	for i := 0; i < toRemove; i++ {
		back := s.retryOrder.Back()
		if back == nil {
			return
		}
		s.retryOrder.Remove(back)
		delete(s.retryIndex, back.Value.(*retryEntry).id)
	}
}

// RetryPayload returns a previously remembered outbound payload by id,
// for redelivery after a reconnect. On an in-process LRU miss, it falls
// back to the wired RetryCache (if any), so a payload sent before a
// process restart can still be recovered.
func (s *Supervisor) RetryPayload(ctx context.Context, id string) ([]byte, bool) {
	s.retryMu.Lock()
	el, ok := s.retryIndex[id]
	if ok {
		s.retryOrder.MoveToFront(el)
	}
	retryCache := s.retryCache
	s.retryMu.Unlock()

	if ok {
		entry := el.Value.(*retryEntry)
		if entry.payload != nil {
			return entry.payload, true
		}
	}

	if retryCache == nil {
		return nil, false
	}
	var payload []byte
	if err := retryCache.Get(ctx, cache.RetryKey(id), &payload); err != nil {
		return nil, false
	}
	return payload, payload != nil
}

// SendSafely delivers payload to endpoint, retrying up to sendAttempts
// times with an increasing delay between attempts. It refuses outright
// unless the supervisor is currently running.
func (s *Supervisor) SendSafely(ctx context.Context, endpoint, id string, payload []byte) error {
	if s.State() != StateRunning {
		return apperrors.Transport(errNotRunning)
	}

	start := time.Now()
	defer func() { metrics.SendLatencySeconds.Observe(time.Since(start).Seconds()) }()

	var lastErr error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		if attempt > 1 {
			if !sleepOrDone(ctx, s.stopCh, time.Duration(attempt-1)*sendRetryUnit) {
				return apperrors.Transport(errSendAborted)
			}
		}
		lastErr = s.dialer.Send(ctx, endpoint, payload)
		if lastErr == nil {
			s.rememberOutbound(id, payload)
			return nil
		}
		s.log.Warn().Err(lastErr).Str("endpoint", endpoint).Int("attempt", attempt).Msg("send attempt failed")
	}
	return apperrors.Transport(lastErr)
}
