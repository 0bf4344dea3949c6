package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/paulo-ssantos/house-mix-copilot-sub000/internal/bus"
	"github.com/paulo-ssantos/house-mix-copilot-sub000/internal/transport"
)

func newTestHub(t *testing.T, settings Settings) *Hub {
	t.Helper()

	logger, _ := zap.NewDevelopment()
	h := NewSocketHub(logger, bus.RoleMain, "127.0.0.1:0", settings)
	require.NoError(t, h.Initialize(context.Background()))
	t.Cleanup(func() { h.Close() })

	return h
}

func dialHub(t *testing.T, h *Hub) transport.Stream {
	t.Helper()

	stream, err := transport.NewWebSocketDialer(h.Addr()).Dial(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { stream.Close() })

	return stream
}

func handshake(t *testing.T, stream transport.Stream, role bus.Role) string {
	t.Helper()

	require.NoError(t, stream.WriteFrame(transport.NewInitFrame(role)))

	data, err := stream.ReadFrame()
	require.NoError(t, err)

	frame, _, err := transport.DecodeFrame(data)
	require.NoError(t, err)
	require.NotNil(t, frame)
	require.Equal(t, transport.KindInitAck, frame.Kind)
	require.NotEmpty(t, frame.AssignedConnectionID)

	return frame.AssignedConnectionID
}

// readEnvelope skips liveness pings and returns the next envelope.
func readEnvelope(t *testing.T, stream transport.Stream) bus.Envelope {
	t.Helper()

	type result struct {
		envelope *bus.Envelope
		err      error
	}

	done := make(chan result, 1)
	go func() {
		for {
			data, err := stream.ReadFrame()
			if err != nil {
				done <- result{nil, err}
				return
			}

			frame, envelope, err := transport.DecodeFrame(data)
			if err != nil {
				done <- result{nil, err}
				return
			}
			if frame != nil {
				continue
			}

			done <- result{envelope, nil}
			return
		}
	}()

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.NotNil(t, r.envelope)
		return *r.envelope
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return bus.Envelope{}
	}
}

func TestHubHandshake(t *testing.T) {
	h := newTestHub(t, Settings{})

	stream := dialHub(t, h)
	connectionID := handshake(t, stream, bus.RoleStream)

	peers := h.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, connectionID, peers[0].ID)
	assert.Equal(t, bus.RoleStream, peers[0].Role)
	assert.False(t, peers[0].ConnectedAt.IsZero())
}

func TestHubRejectsHandshakeWithoutRole(t *testing.T) {
	h := newTestHub(t, Settings{HandshakeTimeout: 200 * time.Millisecond})

	t.Run("invalid role", func(t *testing.T) {
		stream := dialHub(t, h)
		require.NoError(t, stream.WriteFrame(transport.ControlFrame{
			Kind:   transport.KindInit,
			Role:   "projector",
			SentAt: time.Now(),
		}))

		_, err := stream.ReadFrame()
		assert.Error(t, err)
		assert.Empty(t, h.Peers())
	})

	t.Run("envelope instead of init", func(t *testing.T) {
		stream := dialHub(t, h)
		require.NoError(t, stream.WriteFrame(bus.NewSystemMessage(bus.RoleStream, bus.TargetAll, bus.SystemPayload{
			Event: bus.SystemEventAppReady,
		})))

		_, err := stream.ReadFrame()
		assert.Error(t, err)
		assert.Empty(t, h.Peers())
	})

	t.Run("silence", func(t *testing.T) {
		stream := dialHub(t, h)

		// The hub closes the connection once the handshake window
		// elapses.
		_, err := stream.ReadFrame()
		assert.Error(t, err)
		assert.Empty(t, h.Peers())
	})
}

func TestHubRoleTargetedRouting(t *testing.T) {
	h := newTestHub(t, Settings{})

	streamPeer := dialHub(t, h)
	handshake(t, streamPeer, bus.RoleStream)
	mainPeer := dialHub(t, h)
	handshake(t, mainPeer, bus.RoleUnified)

	targeted := bus.NewControlMessage(bus.RoleMain, bus.Target(bus.RoleStream), bus.ControlPayload{
		Command: bus.ControlCommandPlay,
	})
	require.NoError(t, h.SendMessage(targeted))

	received := readEnvelope(t, streamPeer)
	assert.Equal(t, targeted.ID, received.ID)

	// The unified peer must not see the stream-targeted message; the next
	// envelope it receives is the broadcast marker.
	marker := bus.NewSystemMessage(bus.RoleMain, bus.TargetAll, bus.SystemPayload{
		Event: bus.SystemEventModeChange,
	})
	require.NoError(t, h.BroadcastMessage(marker))

	received = readEnvelope(t, mainPeer)
	assert.Equal(t, marker.ID, received.ID)
}

func TestHubRoleTargetFansOutToEveryMatch(t *testing.T) {
	h := newTestHub(t, Settings{})

	// Role is not unique: two peers may both declare stream.
	first := dialHub(t, h)
	handshake(t, first, bus.RoleStream)
	second := dialHub(t, h)
	handshake(t, second, bus.RoleStream)

	targeted := bus.NewControlMessage(bus.RoleMain, bus.Target(bus.RoleStream), bus.ControlPayload{
		Command: bus.ControlCommandPause,
	})
	require.NoError(t, h.SendMessage(targeted))

	assert.Equal(t, targeted.ID, readEnvelope(t, first).ID)
	assert.Equal(t, targeted.ID, readEnvelope(t, second).ID)
}

func TestHubForwardsPeerBroadcastExcludingOrigin(t *testing.T) {
	h := newTestHub(t, Settings{})

	sender := dialHub(t, h)
	handshake(t, sender, bus.RoleStream)
	receiver := dialHub(t, h)
	handshake(t, receiver, bus.RoleUnified)

	hubReceived := make(chan bus.Envelope, 1)
	h.RegisterHandler(bus.TypeLiturgyUpdate, func(envelope bus.Envelope) error {
		hubReceived <- envelope
		return nil
	})

	inbound := bus.NewLiturgyUpdateMessage(bus.RoleStream, bus.TargetAll, bus.LiturgyUpdatePayload{
		LiturgyID: "liturgy-7",
		State:     "active",
	})
	require.NoError(t, sender.WriteFrame(inbound))

	// Forwarded to the other peer and dispatched on the hub itself.
	assert.Equal(t, inbound.ID, readEnvelope(t, receiver).ID)

	select {
	case envelope := <-hubReceived:
		assert.Equal(t, inbound.ID, envelope.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("hub never dispatched the inbound envelope")
	}

	// The origin peer must not get its own broadcast back; the next
	// envelope it sees is the marker.
	marker := bus.NewSystemMessage(bus.RoleMain, bus.TargetAll, bus.SystemPayload{
		Event: bus.SystemEventModeChange,
	})
	require.NoError(t, h.BroadcastMessage(marker))
	assert.Equal(t, marker.ID, readEnvelope(t, sender).ID)
}

func TestHubTargetingFilterOnOwnDispatch(t *testing.T) {
	h := newTestHub(t, Settings{})

	sender := dialHub(t, h)
	handshake(t, sender, bus.RoleStream)

	var dispatched int
	done := make(chan struct{}, 2)
	h.RegisterHandler(bus.TypeControl, func(bus.Envelope) error {
		dispatched++
		done <- struct{}{}
		return nil
	})

	// Addressed to stream: the hub (role main) forwards but must not run
	// its own handlers.
	require.NoError(t, sender.WriteFrame(bus.NewControlMessage(bus.RoleStream, bus.Target(bus.RoleStream), bus.ControlPayload{
		Command: bus.ControlCommandStop,
	})))

	// Addressed to main: the hub's handler fires.
	require.NoError(t, sender.WriteFrame(bus.NewControlMessage(bus.RoleStream, bus.Target(bus.RoleMain), bus.ControlPayload{
		Command: bus.ControlCommandPlay,
	})))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub never dispatched the main-targeted envelope")
	}

	assert.Equal(t, 1, dispatched)
}

func TestHubSerializesDispatchAcrossPeers(t *testing.T) {
	h := newTestHub(t, Settings{})

	first := dialHub(t, h)
	handshake(t, first, bus.RoleStream)
	second := dialHub(t, h)
	handshake(t, second, bus.RoleUnified)

	// Unsynchronized on purpose: with one read loop per connection the
	// hub must still deliver to its own handlers sequentially.
	var count int
	done := make(chan struct{}, 100)
	h.RegisterHandler(bus.TypeLiturgyUpdate, func(bus.Envelope) error {
		count++
		done <- struct{}{}
		return nil
	})

	write := func(stream transport.Stream, role bus.Role) {
		for i := 0; i < 50; i++ {
			stream.WriteFrame(bus.NewLiturgyUpdateMessage(role, bus.Target(bus.RoleMain), bus.LiturgyUpdatePayload{
				LiturgyID: "liturgy-1",
				State:     "active",
			}))
		}
	}
	go write(first, bus.RoleStream)
	go write(second, bus.RoleUnified)

	for i := 0; i < 100; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of 100 envelopes dispatched", i)
		}
	}

	assert.Equal(t, 100, count)
}

func TestHubReapsSilentPeer(t *testing.T) {
	h := newTestHub(t, Settings{
		LivenessInterval: 50 * time.Millisecond,
		ReapTimeout:      150 * time.Millisecond,
	})

	disconnected := make(chan bus.PeerInfo, 1)
	h.AddListener(&bus.Listener{
		OnClientDisconnected: func(info bus.PeerInfo) {
			disconnected <- info
		},
	})

	stream := dialHub(t, h)
	connectionID := handshake(t, stream, bus.RoleStream)

	// The client stays silent and never answers pings; its socket is
	// still healthy, yet the hub must reap it once liveness expires.
	select {
	case info := <-disconnected:
		assert.Equal(t, connectionID, info.ID)
		assert.Equal(t, bus.RoleStream, info.Role)
	case <-time.After(2 * time.Second):
		t.Fatal("hub never reaped the silent peer")
	}

	assert.Empty(t, h.Peers())
}

func TestHubKeepsRespondingPeerAlive(t *testing.T) {
	h := newTestHub(t, Settings{
		LivenessInterval: 50 * time.Millisecond,
		ReapTimeout:      150 * time.Millisecond,
	})

	stream := dialHub(t, h)
	handshake(t, stream, bus.RoleStream)

	// Answer pings with pongs for well past the reap timeout.
	deadline := time.After(500 * time.Millisecond)
	go func() {
		for {
			data, err := stream.ReadFrame()
			if err != nil {
				return
			}

			frame, _, err := transport.DecodeFrame(data)
			if err != nil || frame == nil {
				continue
			}
			if frame.Kind == transport.KindPing {
				stream.WriteFrame(transport.NewPongFrame())
			}
		}
	}()

	<-deadline
	assert.Len(t, h.Peers(), 1)
}

func TestHubMaxPeers(t *testing.T) {
	h := newTestHub(t, Settings{MaxPeers: 1})

	first := dialHub(t, h)
	handshake(t, first, bus.RoleStream)

	second := dialHub(t, h)
	require.NoError(t, second.WriteFrame(transport.NewInitFrame(bus.RoleUnified)))

	// Rejected before handshake: the connection is simply closed.
	_, err := second.ReadFrame()
	assert.Error(t, err)
	assert.Len(t, h.Peers(), 1)
}

func TestHubSendWhenStopped(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	h := NewSocketHub(logger, bus.RoleMain, "127.0.0.1:0", Settings{})

	err := h.SendMessage(bus.NewSystemMessage(bus.RoleMain, bus.TargetAll, bus.SystemPayload{
		Event: bus.SystemEventAppReady,
	}))
	assert.True(t, bus.IsCode(err, bus.ErrorCodeNotConnected))
}

func TestHubCloseIsIdempotent(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	h := NewSocketHub(logger, bus.RoleMain, "127.0.0.1:0", Settings{})
	require.NoError(t, h.Initialize(context.Background()))

	require.NoError(t, h.Close())
	assert.NoError(t, h.Close())
	assert.Equal(t, StateStopped, h.State())
}

func TestHubHandlersSurviveRestart(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	h := NewSocketHub(logger, bus.RoleMain, "127.0.0.1:0", Settings{})

	var count int
	h.RegisterHandler(bus.TypeSystem, func(bus.Envelope) error {
		count++
		return nil
	})

	require.NoError(t, h.Initialize(context.Background()))
	require.NoError(t, h.Close())

	// Handlers persist across close by design; dispatch still reaches
	// them after a restart cycle.
	h.Dispatch(bus.NewSystemMessage(bus.RoleStream, bus.TargetAll, bus.SystemPayload{
		Event: bus.SystemEventAppReady,
	}))
	assert.Equal(t, 1, count)
}

func TestHubStatusEndpoint(t *testing.T) {
	h := newTestHub(t, Settings{})

	stream := dialHub(t, h)
	handshake(t, stream, bus.RoleStream)

	response, err := http.Get("http://" + h.Addr() + "/status")
	require.NoError(t, err)
	defer response.Body.Close()

	require.Equal(t, http.StatusOK, response.StatusCode)

	var status struct {
		Role  bus.Role       `json:"role"`
		State State          `json:"state"`
		Peers []bus.PeerInfo `json:"peers"`
	}
	require.NoError(t, json.NewDecoder(response.Body).Decode(&status))

	assert.Equal(t, bus.RoleMain, status.Role)
	assert.Equal(t, StateListening, status.State)
	require.Len(t, status.Peers, 1)
	assert.Equal(t, bus.RoleStream, status.Peers[0].Role)
}

func TestLocalHubHandshake(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	path := t.TempDir() + "/bus.sock"

	h := NewLocalHub(logger, bus.RoleMain, path, Settings{})
	require.NoError(t, h.Initialize(context.Background()))
	t.Cleanup(func() { h.Close() })

	stream, err := transport.NewUnixDialer(path).Dial(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { stream.Close() })

	connectionID := handshake(t, stream, bus.RoleUnified)

	peers := h.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, connectionID, peers[0].ID)
	assert.Equal(t, bus.RoleUnified, peers[0].Role)

	// Routing works identically over the local channel.
	sent := bus.NewStreamContentMessage(bus.RoleMain, bus.Target(bus.RoleUnified), bus.StreamContentPayload{
		Content: "announcement",
		Action:  bus.StreamActionShow,
	})
	require.NoError(t, h.SendMessage(sent))
	assert.Equal(t, sent.ID, readEnvelope(t, stream).ID)
}
