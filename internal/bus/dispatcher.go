package bus

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler consumes one envelope. A failing handler never stops the
// remaining handlers registered for the same type.
type Handler func(Envelope) error

// HandlerID identifies a registration; Go functions are not comparable, so
// unregistration goes through the token returned by RegisterHandler.
type HandlerID uint64

// Transport is the contract every bus endpoint implements. A process owns
// exactly one of the four concrete transports (socket or local, hub or
// peer); application code talks only to this interface.
type Transport interface {
	Initialize(ctx context.Context) error
	Close() error
	SendMessage(envelope Envelope) error
	BroadcastMessage(envelope Envelope) error
	RegisterHandler(msgType string, handler Handler) HandlerID
	UnregisterHandler(msgType string, id HandlerID)
	AddListener(listener *Listener)
}

// PeerInfo is the hub-side record of a connected peer.
type PeerInfo struct {
	ID             string    `json:"id"`
	Role           Role      `json:"role"`
	ConnectedAt    time.Time `json:"connectedAt"`
	LastLivenessAt time.Time `json:"lastLivenessAt"`
}

// Listener receives lifecycle notifications. Every callback is optional;
// nil fields are skipped. Several listeners can be attached to one
// dispatcher, preserving one-to-many notification.
type Listener struct {
	OnConnected          func()
	OnDisconnected       func()
	OnMessage            func(envelope Envelope)
	OnError              func(err error, envelope *Envelope)
	OnClientConnected    func(peer PeerInfo)
	OnClientDisconnected func(peer PeerInfo)
	OnReconnecting       func(attempt int, delay time.Duration)
	OnReconnectFailed    func(attempts int)
}

// Dispatcher is the message bus core shared by every transport: handler
// registry, targeting filter and handler fan-out. Handlers persist across
// reconnects; closing a transport never clears the registry.
type Dispatcher struct {
	role   Role
	logger *zap.Logger

	// dispatchMu serializes handler fan-out: handlers never run
	// concurrently with each other, even when frames arrive on many
	// connections at once, so they need no locking of their own.
	dispatchMu sync.Mutex

	mu        sync.RWMutex
	nextID    HandlerID
	handlers  map[string][]handlerEntry
	listeners []*Listener
}

type handlerEntry struct {
	id HandlerID
	fn Handler
}

func NewDispatcher(role Role, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		role:     role,
		logger:   logger,
		handlers: make(map[string][]handlerEntry),
	}
}

func (d *Dispatcher) Role() Role {
	return d.role
}

// RegisterHandler appends a handler for the given message type; handlers
// run in registration order.
func (d *Dispatcher) RegisterHandler(msgType string, handler Handler) HandlerID {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	d.handlers[msgType] = append(d.handlers[msgType], handlerEntry{
		id: d.nextID,
		fn: handler,
	})

	return d.nextID
}

func (d *Dispatcher) UnregisterHandler(msgType string, id HandlerID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries := d.handlers[msgType]
	for i, entry := range entries {
		if entry.id == id {
			d.handlers[msgType] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}

	if len(d.handlers[msgType]) == 0 {
		delete(d.handlers, msgType)
	}
}

func (d *Dispatcher) AddListener(listener *Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.listeners = append(d.listeners, listener)
}

func (d *Dispatcher) RemoveListener(listener *Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, l := range d.listeners {
		if l == listener {
			d.listeners = append(d.listeners[:i:i], d.listeners[i+1:]...)
			return
		}
	}
}

// Dispatch runs the receipt algorithm: envelopes addressed to another role
// are dropped before any handler sees them; otherwise listeners are told,
// then each handler for the envelope's type runs in registration order with
// individual failure isolation. Dispatch calls are serialized, so handler
// code observes sequential delivery.
func (d *Dispatcher) Dispatch(envelope Envelope) {
	if !envelope.Target.Matches(d.role) {
		d.logger.Debug("dropping message targeted at another role",
			zap.String("messageId", envelope.ID),
			zap.String("target", string(envelope.Target)),
			zap.String("ownRole", string(d.role)))

		return
	}

	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()

	d.mu.RLock()
	listeners := slices.Clone(d.listeners)
	entries := slices.Clone(d.handlers[envelope.Type])
	d.mu.RUnlock()

	for _, l := range listeners {
		if l.OnMessage != nil {
			l.OnMessage(envelope)
		}
	}

	for _, entry := range entries {
		if err := d.invoke(entry.fn, envelope); err != nil {
			handlerErr := NewError(ErrorCodeHandler, err)

			d.logger.Error("message handler failed",
				zap.String("messageType", envelope.Type),
				zap.String("messageId", envelope.ID),
				zap.Error(handlerErr))

			d.emitError(listeners, handlerErr, &envelope)
		}
	}
}

func (d *Dispatcher) invoke(handler Handler, envelope Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return handler(envelope)
}

func (d *Dispatcher) snapshotListeners() []*Listener {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return slices.Clone(d.listeners)
}

func (d *Dispatcher) emitError(listeners []*Listener, err error, envelope *Envelope) {
	for _, l := range listeners {
		if l.OnError != nil {
			l.OnError(err, envelope)
		}
	}
}

func (d *Dispatcher) EmitConnected() {
	for _, l := range d.snapshotListeners() {
		if l.OnConnected != nil {
			l.OnConnected()
		}
	}
}

func (d *Dispatcher) EmitDisconnected() {
	for _, l := range d.snapshotListeners() {
		if l.OnDisconnected != nil {
			l.OnDisconnected()
		}
	}
}

func (d *Dispatcher) EmitError(err error, envelope *Envelope) {
	d.emitError(d.snapshotListeners(), err, envelope)
}

func (d *Dispatcher) EmitClientConnected(peer PeerInfo) {
	for _, l := range d.snapshotListeners() {
		if l.OnClientConnected != nil {
			l.OnClientConnected(peer)
		}
	}
}

func (d *Dispatcher) EmitClientDisconnected(peer PeerInfo) {
	for _, l := range d.snapshotListeners() {
		if l.OnClientDisconnected != nil {
			l.OnClientDisconnected(peer)
		}
	}
}

func (d *Dispatcher) EmitReconnecting(attempt int, delay time.Duration) {
	for _, l := range d.snapshotListeners() {
		if l.OnReconnecting != nil {
			l.OnReconnecting(attempt, delay)
		}
	}
}

func (d *Dispatcher) EmitReconnectFailed(attempts int) {
	for _, l := range d.snapshotListeners() {
		if l.OnReconnectFailed != nil {
			l.OnReconnectFailed(attempts)
		}
	}
}
