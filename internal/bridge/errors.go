package bridge

import "github.com/pkg/errors"

var (
	// ErrCapability means the underlying connection library could not be
	// initialized. Fatal to the caller, never retried automatically.
	ErrCapability = errors.New("whatsapp transport unavailable")

	// ErrAlreadyStarting guards against two simultaneous starts for one id.
	ErrAlreadyStarting = errors.New("session start already in progress")

	// ErrBackoff rejects pairing attempts during the post-logout cool-down.
	ErrBackoff = errors.New("session is cooling down after logout, retry later")

	// ErrSessionNotFound wording is part of the HTTP contract with the
	// ERPNext side; do not change it.
	ErrSessionNotFound = errors.New("Session not found. Please scan QR code first.")

	// ErrNotReady means the session exists but has not completed pairing.
	ErrNotReady = errors.New("session is not connected yet")

	// ErrSendTimeout is retryable: the session is forced through a reconnect
	// cycle and the caller may try again.
	ErrSendTimeout = errors.New("send timed out, session is reconnecting - retry shortly")

	// ErrNoHistory signals the in-memory buffer has nothing for the chat and
	// the caller should fall back to the durable message log.
	ErrNoHistory = errors.New("no buffered history for chat")

	// ErrQRUnavailable is returned when bounded polling for a pairing code
	// expires without the transport issuing one.
	ErrQRUnavailable = errors.New("qr code not available")
)
