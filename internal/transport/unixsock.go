package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"
)

// UnixStream carries newline-delimited JSON frames over a unix domain
// socket. Used when all cooperating processes run on the same machine.
type UnixStream struct {
	connection net.Conn
	reader     *bufio.Reader

	writeMu sync.Mutex
	encoder *json.Encoder
}

func NewUnixStream(connection net.Conn) *UnixStream {
	return &UnixStream{
		connection: connection,
		reader:     bufio.NewReader(connection),
		encoder:    json.NewEncoder(connection),
	}
}

func (s *UnixStream) WriteFrame(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// Encode terminates every frame with a newline.
	return s.encoder.Encode(v)
}

func (s *UnixStream) ReadFrame() ([]byte, error) {
	line, err := s.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}

	return line, nil
}

func (s *UnixStream) Close() error {
	return s.connection.Close()
}

func (s *UnixStream) RemoteAddr() string {
	return s.connection.RemoteAddr().String()
}

// UnixListener accepts peer connections on a named unix socket.
type UnixListener struct {
	logger *zap.Logger
	path   string

	listener net.Listener

	closeOnce sync.Once
	closed    chan struct{}
}

func NewUnixListener(logger *zap.Logger, path string) *UnixListener {
	return &UnixListener{
		logger: logger,
		path:   path,
		closed: make(chan struct{}),
	}
}

func (l *UnixListener) Listen(ctx context.Context) error {
	// A previous unclean shutdown can leave the socket file behind.
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket %s: %w", l.path, err)
	}

	listener, err := net.Listen("unix", l.path)
	if err != nil {
		return fmt.Errorf("binding unix socket %s: %w", l.path, err)
	}

	l.listener = listener

	l.logger.Info("unix socket listener started",
		zap.String("path", l.path))

	return nil
}

func (l *UnixListener) Accept(ctx context.Context) (Stream, error) {
	connection, err := l.listener.Accept()
	if err != nil {
		select {
		case <-l.closed:
			return nil, net.ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			return nil, err
		}
	}

	return NewUnixStream(connection), nil
}

func (l *UnixListener) Close() error {
	var err error

	l.closeOnce.Do(func() {
		close(l.closed)

		if l.listener != nil {
			err = l.listener.Close()
		}

		os.Remove(l.path)
	})

	return err
}

func (l *UnixListener) Addr() string {
	return l.path
}

// UnixDialer connects a peer to a hub's unix socket.
type UnixDialer struct {
	path string
}

func NewUnixDialer(path string) *UnixDialer {
	return &UnixDialer{
		path: path,
	}
}

func (d *UnixDialer) Dial(ctx context.Context) (Stream, error) {
	var dialer net.Dialer

	connection, err := dialer.DialContext(ctx, "unix", d.path)
	if err != nil {
		return nil, fmt.Errorf("dialing unix socket %s: %w", d.path, err)
	}

	return NewUnixStream(connection), nil
}
