// Package peer implements the bus endpoint that connects to exactly one
// hub: handshake, heartbeat and reconnection with exponential backoff. The
// same core serves the socket and the local unix-socket transports.
package peer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/paulo-ssantos/house-mix-copilot-sub000/internal/bus"
	"github.com/paulo-ssantos/house-mix-copilot-sub000/internal/transport"
)

type State string

const (
	StateDisconnected       State = "disconnected"
	StateConnecting         State = "connecting"
	StateConnected          State = "connected"
	StateReconnecting       State = "reconnecting"
	StateReconnectExhausted State = "reconnect_exhausted"
)

type Peer struct {
	*bus.Dispatcher

	logger   *zap.Logger
	settings Settings
	dialer   transport.Dialer

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	mu              sync.Mutex
	state           State
	stream          transport.Stream
	connectionID    string
	attempt         int
	closed          bool
	sessionCancel   context.CancelFunc
	reconnectCancel context.CancelFunc

	wg sync.WaitGroup
}

var _ bus.Transport = (*Peer)(nil)

// New builds a peer over an arbitrary dialer. Most callers want
// NewSocketPeer or NewLocalPeer instead.
func New(logger *zap.Logger, role bus.Role, dialer transport.Dialer, settings Settings) *Peer {
	lifeCtx, lifeCancel := context.WithCancel(context.Background())

	return &Peer{
		Dispatcher: bus.NewDispatcher(role, logger),
		logger:     logger,
		settings:   settings.withDefaults(),
		dialer:     dialer,
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
		state:      StateDisconnected,
	}
}

// NewSocketPeer connects to a hub's websocket endpoint at hubAddress
// (host:port).
func NewSocketPeer(logger *zap.Logger, role bus.Role, hubAddress string, settings Settings) *Peer {
	return New(logger, role, transport.NewWebSocketDialer(hubAddress), settings)
}

// NewLocalPeer connects to a hub's unix socket.
func NewLocalPeer(logger *zap.Logger, role bus.Role, socketPath string, settings Settings) *Peer {
	return New(logger, role, transport.NewUnixDialer(socketPath), settings)
}

// Initialize dials the hub and completes the handshake, or fails with a
// connection error when no open stream plus acknowledgment arrives within
// the connect timeout. A failed Initialize may be retried.
func (p *Peer) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()

		return bus.NewError(bus.ErrorCodeConnection, errors.New("peer is closed"))
	}
	if p.state != StateDisconnected {
		p.mu.Unlock()

		return bus.NewError(bus.ErrorCodeConnection, errors.New("peer already initialized"))
	}
	p.state = StateConnecting
	p.mu.Unlock()

	stream, connectionID, err := p.connect(ctx)
	if err != nil {
		p.setState(StateDisconnected)

		return err
	}

	if !p.startSession(stream, connectionID) {
		return bus.NewError(bus.ErrorCodeConnection, errors.New("peer closed during connect"))
	}

	return nil
}

// connect opens a stream, declares the peer's role and waits for the
// hub's acknowledgment.
func (p *Peer) connect(ctx context.Context) (transport.Stream, string, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.settings.ConnectTimeout)
	defer cancel()

	stream, err := p.dialer.Dial(dialCtx)
	if err != nil {
		return nil, "", bus.NewError(bus.ErrorCodeConnection, err)
	}

	if err := stream.WriteFrame(transport.NewInitFrame(p.Role())); err != nil {
		stream.Close()

		return nil, "", bus.NewError(bus.ErrorCodeConnection, err)
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

	select {
	case <-dialCtx.Done():
		stream.Close()

		return nil, "", bus.NewError(bus.ErrorCodeConnection, errors.New("timed out waiting for handshake acknowledgment"))
	case r := <-result:
		if r.err != nil {
			stream.Close()

			return nil, "", bus.NewError(bus.ErrorCodeConnection, r.err)
		}

		frame, _, err := transport.DecodeFrame(r.data)
		if err != nil || frame == nil || frame.Kind != transport.KindInitAck {
			stream.Close()

			return nil, "", bus.NewError(bus.ErrorCodeHandshakeRejected, errors.New("unexpected handshake reply"))
		}

		return stream, frame.AssignedConnectionID, nil
	}
}

// startSession installs a freshly handshaken stream and resets the
// reconnect attempt counter. A dial that completes after the peer was
// closed, or after another path already installed a session, is refused
// and its stream closed.
func (p *Peer) startSession(stream transport.Stream, connectionID string) bool {
	sessionCtx, sessionCancel := context.WithCancel(p.lifeCtx)

	p.mu.Lock()
	if p.closed || p.state == StateConnected {
		p.mu.Unlock()

		sessionCancel()
		stream.Close()

		return false
	}
	p.stream = stream
	p.connectionID = connectionID
	p.state = StateConnected
	p.attempt = 0
	p.sessionCancel = sessionCancel
	p.mu.Unlock()

	p.wg.Add(2)
	go p.readLoop(stream)
	go p.heartbeatLoop(sessionCtx, stream)

	p.logger.Info("connected to hub",
		zap.String("connectionId", connectionID),
		zap.String("role", string(p.Role())))

	p.EmitConnected()

	return true
}

func (p *Peer) readLoop(stream transport.Stream) {
	defer p.wg.Done()

	for {
		data, err := stream.ReadFrame()
		if err != nil {
			p.handleConnectionLoss(stream)

			return
		}

		frame, envelope, err := transport.DecodeFrame(data)
		if err != nil {
			p.logger.Warn("dropping undecodable frame",
				zap.Error(err))

			continue
		}

		if frame != nil {
			if frame.Kind == transport.KindPing {
				if err := stream.WriteFrame(transport.NewPongFrame()); err != nil {
					p.logger.Warn("failed to answer ping",
						zap.Error(err))
				}
			}

			continue
		}

		p.Dispatch(*envelope)
	}
}

// heartbeatLoop proactively pings the hub. Missed pongs never disconnect
// the peer; failure detection stays centralized at the hub.
func (p *Peer) heartbeatLoop(ctx context.Context, stream transport.Stream) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.settings.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := stream.WriteFrame(transport.NewPingFrame()); err != nil {
				p.logger.Warn("heartbeat write failed",
					zap.Error(err))
			}
		}
	}
}

// handleConnectionLoss reacts to an unexpected stream failure by entering
// the reconnect loop. Deliberate Close and stale sessions are ignored.
func (p *Peer) handleConnectionLoss(stream transport.Stream) {
	p.mu.Lock()
	if p.closed || p.state != StateConnected || p.stream != stream {
		p.mu.Unlock()

		return
	}
	p.state = StateReconnecting
	p.stream = nil
	sessionCancel := p.sessionCancel
	p.sessionCancel = nil
	reconnectCtx, reconnectCancel := context.WithCancel(p.lifeCtx)
	p.reconnectCancel = reconnectCancel
	p.wg.Add(1)
	p.mu.Unlock()

	sessionCancel()
	stream.Close()

	p.logger.Warn("connection to hub lost, reconnecting")
	p.EmitDisconnected()

	go p.reconnectLoop(reconnectCtx)
}

// reconnectLoop retries with delay = baseDelay * 2^(attempt-1). After the
// configured maximum of consecutive failures it stops for good; only an
// explicit Reconnect revives the peer. The loop owns the reconnecting
// state: it stands down as soon as its context is cancelled or another
// caller moves the peer out of reconnecting.
func (p *Peer) reconnectLoop(ctx context.Context) {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		if p.closed || ctx.Err() != nil || p.state != StateReconnecting {
			p.mu.Unlock()

			return
		}

		p.attempt++
		attempt := p.attempt

		if attempt > p.settings.MaxReconnectAttempts {
			p.state = StateReconnectExhausted
			p.mu.Unlock()

			p.logger.Error("giving up reconnecting",
				zap.Int("attempts", attempt-1))

			p.EmitReconnectFailed(attempt - 1)
			p.EmitError(bus.NewError(bus.ErrorCodeReconnectExhausted,
				errors.New("maximum reconnect attempts reached")), nil)

			return
		}
		p.mu.Unlock()

		delay := p.settings.ReconnectBaseDelay * time.Duration(1<<(attempt-1))

		p.logger.Info("scheduling reconnect attempt",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))

		p.EmitReconnecting(attempt, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()

			return
		case <-timer.C:
		}

		p.mu.Lock()
		if p.closed || p.state != StateReconnecting {
			p.mu.Unlock()

			return
		}
		p.mu.Unlock()

		stream, connectionID, err := p.connect(ctx)
		if err != nil {
			p.logger.Warn("reconnect attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(err))

			continue
		}

		p.startSession(stream, connectionID)

		return
	}
}

// Reconnect resets the attempt counter and retries immediately. It is the
// only way out of the reconnect_exhausted state. When the immediate
// attempt fails, the backoff schedule resumes in the background and the
// failure is returned.
func (p *Peer) Reconnect(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()

		return bus.NewError(bus.ErrorCodeConnection, errors.New("peer is closed"))
	}
	if p.state == StateConnected || p.state == StateConnecting {
		p.mu.Unlock()

		return nil
	}
	p.attempt = 0
	p.state = StateConnecting
	// A backoff timer may still be pending; leaving it armed would dial a
	// second session behind this one.
	if p.reconnectCancel != nil {
		p.reconnectCancel()
		p.reconnectCancel = nil
	}
	p.mu.Unlock()

	stream, connectionID, err := p.connect(ctx)
	if err != nil {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()

			return err
		}
		p.state = StateReconnecting
		reconnectCtx, reconnectCancel := context.WithCancel(p.lifeCtx)
		p.reconnectCancel = reconnectCancel
		p.wg.Add(1)
		p.mu.Unlock()

		go p.reconnectLoop(reconnectCtx)

		return err
	}

	if !p.startSession(stream, connectionID) {
		return bus.NewError(bus.ErrorCodeConnection, errors.New("peer closed during reconnect"))
	}

	return nil
}

// SendMessage writes the envelope to the hub connection. It fails with a
// not_connected error when no open stream exists; a write failure on a
// live stream is a connection error instead.
func (p *Peer) SendMessage(envelope bus.Envelope) error {
	p.mu.Lock()
	stream := p.stream
	connected := p.state == StateConnected
	p.mu.Unlock()

	if !connected || stream == nil {
		return bus.NewError(bus.ErrorCodeNotConnected, errors.New("no open connection to hub"))
	}

	if err := stream.WriteFrame(envelope); err != nil {
		return bus.NewError(bus.ErrorCodeConnection, err)
	}

	return nil
}

// BroadcastMessage sends to the hub with target "all"; the hub fans out.
// A peer therefore cannot broadcast without a live hub connection.
func (p *Peer) BroadcastMessage(envelope bus.Envelope) error {
	envelope.Target = bus.TargetAll

	return p.SendMessage(envelope)
}

// Close tears the connection down and cancels the heartbeat and any
// pending reconnect timer before returning. Safe to call when already
// closed. Registered handlers survive.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()

		return nil
	}
	p.closed = true
	wasConnected := p.state == StateConnected
	p.state = StateDisconnected
	stream := p.stream
	p.stream = nil
	sessionCancel := p.sessionCancel
	p.sessionCancel = nil
	p.mu.Unlock()

	p.lifeCancel()
	if sessionCancel != nil {
		sessionCancel()
	}
	if stream != nil {
		stream.Close()
	}

	p.wg.Wait()

	p.logger.Info("peer closed")

	if wasConnected {
		p.EmitDisconnected()
	}

	return nil
}

func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.state
}

// ConnectionID reports the hub-assigned connection id of the current
// session; empty when disconnected.
func (p *Peer) ConnectionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateConnected {
		return ""
	}

	return p.connectionID
}

func (p *Peer) setState(state State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state = state
}
