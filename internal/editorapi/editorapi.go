// Package editorapi is the collaborator-facing surface consumed by an
// editor integration: openDocument/applyLocal/subscribe. The editor never
// touches persistence, transport, or keys directly — everything crosses
// this package.
package editorapi

import (
	"encoding/json"
	"sync"

	"github.com/nahma/nahma-core/internal/crdt"
)

// MutationFn is supplied by the caller and describes a local edit in
// terms of the tagged operations the engine understands.
type MutationFn func() (crdt.OpKind, json.RawMessage)

// RemoteUpdate is delivered to subscribers whenever a remote peer's
// update has been applied to an open document.
type RemoteUpdate struct {
	DocID  string
	Update crdt.Update
}

// API is the thin facade the editor integration is handed at startup. It
// wraps a crdt.Engine and fans remote updates out to subscribers.
type API struct {
	engine *crdt.Engine

	mu          sync.RWMutex
	subscribers map[string][]func(RemoteUpdate) // docID -> handlers
}

// New wraps engine for editor consumption.
func New(engine *crdt.Engine) *API {
	return &API{engine: engine, subscribers: make(map[string][]func(RemoteUpdate))}
}

// OpenDocument opens (or returns the existing handle for) docID.
func (a *API) OpenDocument(docID string, typeTag crdt.TypeTag) (*crdt.OpenResult, error) {
	return a.engine.OpenDocument(docID, typeTag)
}

// ApplyLocal runs mutationFn to describe a local edit and applies it to
// the open document, returning the stamped update the caller's transport
// layer should broadcast.
func (a *API) ApplyLocal(docID string, mutationFn MutationFn) (crdt.Update, error) {
	kind, payload := mutationFn()
	return a.engine.ApplyLocal(docID, kind, payload)
}

// Subscribe registers onRemoteUpdate to be called whenever a remote
// update is applied to docID via DeliverRemote.
func (a *API) Subscribe(docID string, onRemoteUpdate func(RemoteUpdate)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subscribers[docID] = append(a.subscribers[docID], onRemoteUpdate)
}

// DeliverRemote applies a remote update to docID via the engine and, on
// success, fans it out to every subscriber. Called by the supervisor once
// it has validated and decoded an inbound frame.
func (a *API) DeliverRemote(docID string, update crdt.Update) error {
	if err := a.engine.ApplyRemote(docID, update); err != nil {
		return err
	}

	a.mu.RLock()
	handlers := append([]func(RemoteUpdate){}, a.subscribers[docID]...)
	a.mu.RUnlock()

	for _, h := range handlers {
		h(RemoteUpdate{DocID: docID, Update: update})
	}
	return nil
}

// CloseDocument releases docID's in-memory state and its subscriber list.
func (a *API) CloseDocument(docID string) {
	a.engine.CloseDocument(docID)
	a.mu.Lock()
	delete(a.subscribers, docID)
	a.mu.Unlock()
}
