package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// BusPath is the websocket endpoint the peer side dials.
const BusPath = "/bus"

// WebSocketStream carries one JSON object per websocket message.
type WebSocketStream struct {
	connection *websocket.Conn

	writeMu sync.Mutex
}

func NewWebSocketStream(connection *websocket.Conn) *WebSocketStream {
	return &WebSocketStream{
		connection: connection,
	}
}

func (s *WebSocketStream) WriteFrame(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.connection.WriteJSON(v)
}

func (s *WebSocketStream) ReadFrame() ([]byte, error) {
	_, data, err := s.connection.ReadMessage()

	return data, err
}

func (s *WebSocketStream) Close() error {
	return s.connection.Close()
}

func (s *WebSocketStream) RemoteAddr() string {
	return s.connection.RemoteAddr().String()
}

// WebSocketListener serves the hub's websocket endpoint. Upgraded
// connections are queued for Accept; an optional status handler is exposed
// on the same HTTP router.
type WebSocketListener struct {
	logger        *zap.Logger
	address       string
	upgrader      *websocket.Upgrader
	statusHandler http.Handler

	server   *http.Server
	netList  net.Listener
	accepted chan Stream

	closeOnce sync.Once
	closed    chan struct{}
}

func NewWebSocketListener(logger *zap.Logger, address string) *WebSocketListener {
	return &WebSocketListener{
		logger:  logger,
		address: address,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		accepted: make(chan Stream),
		closed:   make(chan struct{}),
	}
}

// SetStatusHandler attaches an HTTP handler served on /status. Must be
// called before Listen.
func (l *WebSocketListener) SetStatusHandler(handler http.Handler) {
	l.statusHandler = handler
}

func (l *WebSocketListener) Listen(ctx context.Context) error {
	netList, err := net.Listen("tcp", l.address)
	if err != nil {
		return fmt.Errorf("binding %s: %w", l.address, err)
	}

	l.netList = netList

	router := mux.NewRouter()
	router.HandleFunc(BusPath, l.handleUpgrade)
	if l.statusHandler != nil {
		router.Handle("/status", l.statusHandler).Methods("GET")
	}

	l.server = &http.Server{
		Handler: router,
	}

	go func() {
		err := l.server.Serve(netList)

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("websocket listener stopped unexpectedly",
				zap.Error(err))
		}
	}()

	l.logger.Info("websocket listener started",
		zap.String("address", netList.Addr().String()))

	return nil
}

func (l *WebSocketListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	connection, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn("websocket upgrade failed",
			zap.Error(err))

		return
	}

	select {
	case l.accepted <- NewWebSocketStream(connection):
	case <-l.closed:
		connection.Close()
	}
}

func (l *WebSocketListener) Accept(ctx context.Context) (Stream, error) {
	select {
	case stream := <-l.accepted:
		return stream, nil
	case <-l.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *WebSocketListener) Close() error {
	var err error

	l.closeOnce.Do(func() {
		close(l.closed)

		if l.server != nil {
			err = l.server.Close()
		}
	})

	return err
}

// Addr reports the bound address; only valid after Listen.
func (l *WebSocketListener) Addr() string {
	if l.netList == nil {
		return l.address
	}

	return l.netList.Addr().String()
}

// WebSocketDialer connects a peer to a hub's websocket endpoint.
type WebSocketDialer struct {
	url string
}

func NewWebSocketDialer(hubAddress string) *WebSocketDialer {
	return &WebSocketDialer{
		url: fmt.Sprintf("ws://%s%s", hubAddress, BusPath),
	}
}

func (d *WebSocketDialer) Dial(ctx context.Context) (Stream, error) {
	connection, response, err := websocket.DefaultDialer.DialContext(ctx, d.url, nil)
	if response != nil && response.Body != nil {
		response.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", d.url, err)
	}

	return NewWebSocketStream(connection), nil
}
