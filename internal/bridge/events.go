package bridge

import "github.com/talkincode/wabridge/internal/domain"

// EventKind tags the connection-layer events a session loop dispatches on.
// Turning the transport's callback soup into one tagged variant keeps the
// state transitions in a single, testable dispatch function.
type EventKind int

const (
	EventQRIssued EventKind = iota
	EventConnectionOpened
	EventConnectionClosed
	EventMessageObserved
)

// CloseReason classifies a connection-closed event. Logged-out closes wipe
// credentials and enter backoff; transient closes schedule a reconnect.
type CloseReason int

const (
	CloseTransient CloseReason = iota
	CloseLoggedOut
)

// Event is one unit of work for a session's event loop.
type Event struct {
	Kind   EventKind
	Code   string // pairing code, EventQRIssued only
	Reason CloseReason
	Chat   string // raw chat address, EventMessageObserved only
	// Alt is the alternate form of Chat when the network layer reports both
	// (opaque lid alongside phone-style); the manager learns the pairing so
	// the two forms share one history buffer and subscription key.
	Alt     string
	Message *domain.Message
}

// EventSink accepts transport events. Implementations must not block; the
// session loop may already have exited.
type EventSink func(Event)

// Bus topics. The manager publishes; the realtime hub and the webhook
// forwarder subscribe.
const (
	// TopicMessageObserved fires for every send success and every receipt,
	// with (sessionID, canonicalChat string, msg domain.Message).
	TopicMessageObserved = "bridge:message.observed"
	// TopicMessageInbound fires for receipts only, same signature.
	TopicMessageInbound = "bridge:message.inbound"
)
