package transport

import (
	"context"

	"github.com/relaybot-dev/relaybot/internal/logger"
)

// NullDialer is a no-op Dialer: the wire protocol that would actually
// speak to the messaging network is explicitly out of scope (spec.md
// §1's non-goals carry "the wire protocol itself" forward unchanged),
// the same way the teacher's own internal/events/stub.go replaces a
// removed NATS publisher with a logged no-op rather than leaving the
// call sites unsatisfied. It parks the state machine in StateAwaitingQR
// forever and never reports a disconnect, so Supervisor.Run simply
// idles until the process is told to stop. A production build
// substitutes a Dialer backed by a real client library here.
type NullDialer struct{}

// Connect always reports "awaiting QR" and never errors.
func (NullDialer) Connect(ctx context.Context) (ConnectOutcome, error) {
	logger.Transport().Warn().Msg("using NullDialer: no wire-protocol client is wired, connection will never come up")
	return ConnectOutcome{AwaitingQR: true}, nil
}

// WaitDisconnect blocks until ctx is done, since a NullDialer connection
// never actually runs and so never disconnects on its own.
func (NullDialer) WaitDisconnect(ctx context.Context) DisconnectCause {
	<-ctx.Done()
	return CauseUnknown
}

// Disconnect is a no-op; there is nothing live to tear down.
func (NullDialer) Disconnect() {}

// Send always fails: there is no live connection to deliver payloads
// over.
func (NullDialer) Send(ctx context.Context, endpoint string, payload []byte) error {
	return errNoWireClient
}

type noWireClientError struct{}

func (noWireClientError) Error() string {
	return "no wire-protocol client configured (NullDialer in use)"
}

var errNoWireClient = noWireClientError{}
