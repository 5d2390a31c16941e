// Package errs defines the sentinel error taxonomy shared across the core.
//
// Components return these directly or wrap them with fmt.Errorf("...: %w",
// err), so callers can use errors.Is regardless of which component produced
// the failure. Failures with no kind here (identity decryption, for one) are
// returned as plain wrapped errors without a sentinel.
package errs

import "errors"

var (
	// ErrMalformedUpdate is returned when a CRDT update blob does not parse
	// against its document type's grammar. The blob is dropped; the
	// connection that carried it is left open.
	ErrMalformedUpdate = errors.New("malformed update")

	// ErrCorruptLog is returned when persistence hands back unreadable
	// bytes for a document's snapshot or log.
	ErrCorruptLog = errors.New("corrupt persistent log")

	// ErrQuarantined is returned by OpenDocument when a document could not
	// be rebuilt from either its snapshot or its log.
	ErrQuarantined = errors.New("document quarantined: unreadable snapshot and log")

	// ErrInvalidSignature is returned by the authenticator when a detached
	// signature does not verify against the claimed public key.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrExpired is returned when a signed message's timestamp falls
	// outside the replay guard's time window.
	ErrExpired = errors.New("message timestamp expired")

	// ErrReplayDetected is returned when a (publicKey, nonce) pair has
	// already been observed within the replay guard's window.
	ErrReplayDetected = errors.New("replay detected")

	// ErrUnauthorized is returned when a message is signed by a key absent
	// from the workspace's role map.
	ErrUnauthorized = errors.New("key not permitted in workspace role map")

	// ErrNoRoute is returned by the mesh when no transport — direct,
	// relayed, or forwarded — currently reaches a peer.
	ErrNoRoute = errors.New("no route to peer")

	// ErrBusy is returned when a resource limit (relay connection slots,
	// in particular) is exhausted; the caller should retry elsewhere.
	ErrBusy = errors.New("resource exhausted, try again")

	// ErrClosed is returned by any operation attempted after the owning
	// component has been torn down.
	ErrClosed = errors.New("component closed")

	// ErrNotFound is returned when a referenced document, workspace, or
	// peer does not exist.
	ErrNotFound = errors.New("not found")
)
