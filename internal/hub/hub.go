// Package hub implements the bus endpoint that accepts many peer
// connections, tracks their declared roles and routes envelopes between
// them. The same core serves the socket and the local unix-socket
// transports.
package hub

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"

	"github.com/paulo-ssantos/house-mix-copilot-sub000/internal/bus"
	"github.com/paulo-ssantos/house-mix-copilot-sub000/internal/transport"
)

type State string

const (
	StateStopped   State = "stopped"
	StateStarting  State = "starting"
	StateListening State = "listening"
)

type Hub struct {
	*bus.Dispatcher

	logger   *zap.Logger
	settings Settings
	listener transport.Listener

	mu    sync.RWMutex
	state State
	peers map[string]*peerConn

	cancel context.CancelFunc
	done   chan struct{}
}

var _ bus.Transport = (*Hub)(nil)

// New builds a hub over an arbitrary listener. Most callers want
// NewSocketHub or NewLocalHub instead.
func New(logger *zap.Logger, role bus.Role, listener transport.Listener, settings Settings) *Hub {
	return &Hub{
		Dispatcher: bus.NewDispatcher(role, logger),
		logger:     logger,
		settings:   settings.withDefaults(),
		listener:   listener,
		state:      StateStopped,
		peers:      make(map[string]*peerConn),
	}
}

// NewSocketHub listens for peers on a TCP websocket endpoint and serves a
// peer-table snapshot on /status.
func NewSocketHub(logger *zap.Logger, role bus.Role, address string, settings Settings) *Hub {
	listener := transport.NewWebSocketListener(logger, address)
	h := New(logger, role, listener, settings)
	listener.SetStatusHandler(h.StatusHandler())

	return h
}

// NewLocalHub listens for peers on a named unix socket.
func NewLocalHub(logger *zap.Logger, role bus.Role, socketPath string, settings Settings) *Hub {
	return New(logger, role, transport.NewUnixListener(logger, socketPath), settings)
}

// Initialize binds the listener and starts the accept and liveness loops.
// It fails with a connection error when the bind fails; calling it on a
// running hub fails as well.
func (h *Hub) Initialize(ctx context.Context) error {
	h.mu.Lock()
	if h.state != StateStopped {
		h.mu.Unlock()

		return bus.NewError(bus.ErrorCodeConnection, errors.New("hub already started"))
	}
	h.state = StateStarting
	h.mu.Unlock()

	if err := h.listener.Listen(ctx); err != nil {
		h.mu.Lock()
		h.state = StateStopped
		h.mu.Unlock()

		return bus.NewError(bus.ErrorCodeConnection, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)

	h.mu.Lock()
	h.state = StateListening
	h.cancel = cancel
	h.done = make(chan struct{})
	h.mu.Unlock()

	go func() {
		h.acceptLoop(runCtx)
		done <- struct{}{}
	}()
	go func() {
		h.livenessLoop(runCtx)
		done <- struct{}{}
	}()
	go func() {
		<-done
		<-done
		close(h.done)
	}()

	h.logger.Info("hub listening",
		zap.String("address", h.listener.Addr()),
		zap.String("role", string(h.Role())))

	h.EmitConnected()

	return nil
}

// Close stops the listener, disconnects every peer and cancels the
// liveness sweep before returning. Safe to call when already stopped.
// Registered handlers survive.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.state == StateStopped {
		h.mu.Unlock()

		return nil
	}
	h.state = StateStopped
	peers := h.peers
	h.peers = make(map[string]*peerConn)
	cancel := h.cancel
	done := h.done
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.listener.Close()

	for _, pc := range peers {
		pc.close()
	}

	if done != nil {
		<-done
	}

	h.logger.Info("hub stopped")
	h.EmitDisconnected()

	return nil
}

func (h *Hub) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.state
}

// Addr reports the bound listen address; valid after Initialize.
func (h *Hub) Addr() string {
	return h.listener.Addr()
}

// Peers snapshots the connected peer table.
func (h *Hub) Peers() []bus.PeerInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	peers := make([]bus.PeerInfo, 0, len(h.peers))
	for _, pc := range h.peers {
		peers = append(peers, pc.info)
	}

	return peers
}

// SendMessage delivers the envelope to every connected peer the target
// resolves to: all of them for broadcast targets, every peer whose declared
// role matches otherwise (role is not unique, so zero, one or many).
func (h *Hub) SendMessage(envelope bus.Envelope) error {
	h.mu.RLock()
	if h.state != StateListening {
		h.mu.RUnlock()

		return bus.NewError(bus.ErrorCodeNotConnected, errors.New("hub is not listening"))
	}
	h.mu.RUnlock()

	h.deliver(envelope, "")

	return nil
}

// BroadcastMessage delivers to every connected peer regardless of role.
func (h *Hub) BroadcastMessage(envelope bus.Envelope) error {
	envelope.Target = bus.TargetAll

	return h.SendMessage(envelope)
}

// deliver fans an envelope out to matching peers, skipping the origin
// connection. A peer whose send queue is full is treated as stale and
// disconnected rather than blocking everyone else.
func (h *Hub) deliver(envelope bus.Envelope, excludeID string) {
	var stale []string

	h.mu.RLock()
	for id, pc := range h.peers {
		if id == excludeID {
			continue
		}
		if !envelope.Target.Matches(pc.info.Role) {
			continue
		}

		select {
		case pc.send <- envelope:
		default:
			h.logger.Warn("peer send queue is full, disconnecting",
				zap.String("connectionId", id))

			stale = append(stale, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range stale {
		h.removePeer(id, "send queue full")
	}
}

func (h *Hub) acceptLoop(ctx context.Context) {
	for {
		stream, err := h.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}

			h.logger.Warn("accept failed",
				zap.Error(err))
			h.EmitError(bus.NewError(bus.ErrorCodeConnection, err), nil)

			continue
		}

		go h.handshake(ctx, stream)
	}
}

// handshake waits for the single init frame declaring the peer's role. No
// frame within the timeout, a malformed frame or a missing role closes the
// connection without touching the peer table.
func (h *Hub) handshake(ctx context.Context, stream transport.Stream) {
	h.mu.RLock()
	atCapacity := h.settings.MaxPeers > 0 && len(h.peers) >= h.settings.MaxPeers
	h.mu.RUnlock()

	if atCapacity {
		h.logger.Warn("rejecting connection, hub at max peers",
			zap.String("remoteAddr", stream.RemoteAddr()),
			zap.Int("maxPeers", h.settings.MaxPeers))
		stream.Close()

		return
	}

	type readResult struct {
		data []byte
		err  error
	}

	result := make(chan readResult, 1)
	go func() {
		data, err := stream.ReadFrame()
		result <- readResult{data, err}
	}()

	timer := time.NewTimer(h.settings.HandshakeTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		stream.Close()

		return
	case <-timer.C:
		h.logger.Warn("handshake timed out",
			zap.String("remoteAddr", stream.RemoteAddr()))
		stream.Close()

		return
	case r := <-result:
		if r.err != nil {
			stream.Close()

			return
		}

		frame, _, err := transport.DecodeFrame(r.data)
		if err != nil || frame == nil || frame.Kind != transport.KindInit || !frame.Role.Valid() {
			h.logger.Warn("rejecting connection with invalid handshake",
				zap.String("remoteAddr", stream.RemoteAddr()))
			stream.Close()

			return
		}

		h.admit(stream, frame.Role)
	}
}

// admit adds a handshaken peer to the table, acknowledges the handshake
// and starts its read and write loops.
func (h *Hub) admit(stream transport.Stream, role bus.Role) {
	now := time.Now()

	pc := &peerConn{
		info: bus.PeerInfo{
			ID:             gonanoid.Must(),
			Role:           role,
			ConnectedAt:    now,
			LastLivenessAt: now,
		},
		stream: stream,
		send:   make(chan any, h.settings.SendQueueSize),
		closed: make(chan struct{}),
	}

	h.mu.Lock()
	if h.state != StateListening {
		h.mu.Unlock()
		stream.Close()

		return
	}
	h.peers[pc.info.ID] = pc
	h.mu.Unlock()

	go pc.writeLoop(h.logger)
	go h.readLoop(pc)

	pc.send <- transport.NewInitAckFrame(pc.info.ID)

	h.logger.Info("peer connected",
		zap.String("connectionId", pc.info.ID),
		zap.String("role", string(role)),
		zap.String("remoteAddr", stream.RemoteAddr()))

	h.EmitClientConnected(pc.info)
}

func (h *Hub) readLoop(pc *peerConn) {
	for {
		data, err := pc.stream.ReadFrame()
		if err != nil {
			h.removePeer(pc.info.ID, "connection closed")

			return
		}

		h.touchPeer(pc.info.ID)

		frame, envelope, err := transport.DecodeFrame(data)
		if err != nil {
			h.logger.Warn("dropping undecodable frame",
				zap.String("connectionId", pc.info.ID),
				zap.Error(err))

			continue
		}

		if frame != nil {
			if frame.Kind == transport.KindPing {
				pc.enqueue(transport.NewPongFrame())
			}

			// Pongs only refresh liveness, already done above.
			continue
		}

		h.routeInbound(pc, *envelope)
	}
}

// routeInbound forwards an envelope received from a peer to the other
// matching peers and re-enters the hub's own dispatcher, where the
// targeting filter applies.
func (h *Hub) routeInbound(origin *peerConn, envelope bus.Envelope) {
	h.deliver(envelope, origin.info.ID)
	h.Dispatch(envelope)
}

// touchPeer refreshes the peer's liveness stamp; every received frame
// counts.
func (h *Hub) touchPeer(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if pc, ok := h.peers[id]; ok {
		pc.info.LastLivenessAt = time.Now()
	}
}

func (h *Hub) livenessLoop(ctx context.Context) {
	ticker := time.NewTicker(h.settings.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// sweep probes every peer and reaps the ones whose liveness expired, even
// when their socket has not itself errored.
func (h *Hub) sweep() {
	now := time.Now()

	var expired []string

	h.mu.RLock()
	for id, pc := range h.peers {
		if now.Sub(pc.info.LastLivenessAt) > h.settings.ReapTimeout {
			expired = append(expired, id)

			continue
		}

		pc.enqueue(transport.NewPingFrame())
	}
	h.mu.RUnlock()

	for _, id := range expired {
		h.logger.Warn("reaping stale peer",
			zap.String("connectionId", id))

		h.removePeer(id, "liveness expired")
	}
}

func (h *Hub) removePeer(id string, reason string) {
	h.mu.Lock()
	pc, ok := h.peers[id]
	if !ok {
		h.mu.Unlock()

		return
	}
	delete(h.peers, id)
	h.mu.Unlock()

	pc.close()

	h.logger.Info("peer disconnected",
		zap.String("connectionId", id),
		zap.String("role", string(pc.info.Role)),
		zap.String("reason", reason))

	h.EmitClientDisconnected(pc.info)
}
