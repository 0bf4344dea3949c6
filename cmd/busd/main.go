package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/paulo-ssantos/house-mix-copilot-sub000/internal/bus"
	"github.com/paulo-ssantos/house-mix-copilot-sub000/internal/hub"
	"github.com/paulo-ssantos/house-mix-copilot-sub000/internal/peer"
)

func main() {
	var settings Settings
	_, err := env.UnmarshalFromEnviron(&settings)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to parse settings from environment:", err)
		os.Exit(1)
	}

	rootCmd := newRootCommand(&settings)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(settings *Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "busd",
		Short: "Message bus daemon for the service control surfaces",
		Long: `busd runs one endpoint of the inter-process message bus that the
main, stream and unified control surfaces use to share runtime state.

Exactly one endpoint shape is selected per process: a hub that accepts
peer connections and routes between them, or a peer that connects to a
hub; each carried over a network websocket or a local unix socket.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(*settings)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&settings.Mode, "mode", settings.Mode, "endpoint mode: hub or peer")
	flags.StringVar(&settings.Transport, "transport", settings.Transport, "transport: socket or local")
	flags.StringVar(&settings.Role, "role", settings.Role, "process role: main, stream or unified")
	flags.StringVar(&settings.ListenAddress, "listen", settings.ListenAddress, "hub listen address (socket transport)")
	flags.StringVar(&settings.HubAddress, "hub", settings.HubAddress, "hub address to connect to (socket transport)")
	flags.StringVar(&settings.SocketPath, "socket-path", settings.SocketPath, "unix socket path (local transport)")

	return cmd
}

func run(settings Settings) error {
	logger, err := buildZapLogger(settings.LogEncoding)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	role, err := bus.ParseRole(settings.Role)
	if err != nil {
		return err
	}

	endpoint, err := buildEndpoint(logger, role, settings)
	if err != nil {
		return err
	}

	registerLoggingHandlers(logger, endpoint)

	endpoint.AddListener(&bus.Listener{
		OnClientConnected: func(info bus.PeerInfo) {
			logger.Info("client connected",
				zap.String("connectionId", info.ID),
				zap.String("role", string(info.Role)))
		},
		OnClientDisconnected: func(info bus.PeerInfo) {
			logger.Info("client disconnected",
				zap.String("connectionId", info.ID),
				zap.String("role", string(info.Role)))
		},
		OnReconnecting: func(attempt int, delay time.Duration) {
			logger.Warn("disconnected, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("in", delay))
		},
		OnReconnectFailed: func(attempts int) {
			logger.Error("reconnect attempts exhausted",
				zap.Int("attempts", attempts))
		},
	})

	notifyCtx, notifyCtxCancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer notifyCtxCancel()

	if err := endpoint.Initialize(notifyCtx); err != nil {
		return fmt.Errorf("initializing bus endpoint: %w", err)
	}

	readyMsg := bus.NewSystemMessage(role, bus.TargetAll, bus.SystemPayload{
		Event: bus.SystemEventAppReady,
	})
	if err := endpoint.BroadcastMessage(readyMsg); err != nil {
		logger.Warn("failed to announce app_ready",
			zap.Error(err))
	}

	logger.Info("bus endpoint running",
		zap.String("mode", settings.Mode),
		zap.String("transport", settings.Transport),
		zap.String("role", string(role)))

	<-notifyCtx.Done()

	logger.Info("shutting down")

	closingMsg := bus.NewSystemMessage(role, bus.TargetAll, bus.SystemPayload{
		Event: bus.SystemEventAppClosing,
	})
	if err := endpoint.BroadcastMessage(closingMsg); err != nil {
		logger.Warn("failed to announce app_closing",
			zap.Error(err))
	}

	return endpoint.Close()
}

func buildEndpoint(logger *zap.Logger, role bus.Role, settings Settings) (bus.Transport, error) {
	switch settings.Mode {
	case "hub":
		hubSettings := hub.Settings{
			LivenessInterval: time.Duration(settings.LivenessIntervalSeconds) * time.Second,
			ReapTimeout:      time.Duration(settings.ReapTimeoutSeconds) * time.Second,
			MaxPeers:         settings.MaxPeers,
		}

		switch settings.Transport {
		case "socket":
			return hub.NewSocketHub(logger, role, settings.ListenAddress, hubSettings), nil
		case "local":
			return hub.NewLocalHub(logger, role, settings.SocketPath, hubSettings), nil
		default:
			return nil, fmt.Errorf("unknown transport %q", settings.Transport)
		}
	case "peer":
		peerSettings := peer.Settings{
			HeartbeatInterval:    time.Duration(settings.HeartbeatIntervalSeconds) * time.Second,
			ReconnectBaseDelay:   time.Duration(settings.ReconnectBaseDelayMillis) * time.Millisecond,
			MaxReconnectAttempts: settings.MaxReconnectAttempts,
		}

		switch settings.Transport {
		case "socket":
			return peer.NewSocketPeer(logger, role, settings.HubAddress, peerSettings), nil
		case "local":
			return peer.NewLocalPeer(logger, role, settings.SocketPath, peerSettings), nil
		default:
			return nil, fmt.Errorf("unknown transport %q", settings.Transport)
		}
	default:
		return nil, fmt.Errorf("unknown mode %q", settings.Mode)
	}
}

// registerLoggingHandlers wires a handler per payload type so every
// surface gets the shared state changes into its log.
func registerLoggingHandlers(logger *zap.Logger, endpoint bus.Transport) {
	endpoint.RegisterHandler(bus.TypeLiturgyUpdate, func(envelope bus.Envelope) error {
		payload, ok := envelope.Data.(bus.LiturgyUpdatePayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T", envelope.Data)
		}

		logger.Info("liturgy update",
			zap.String("liturgyId", payload.LiturgyID),
			zap.String("state", payload.State),
			zap.String("from", string(envelope.Source)))

		return nil
	})

	endpoint.RegisterHandler(bus.TypeStreamContent, func(envelope bus.Envelope) error {
		payload, ok := envelope.Data.(bus.StreamContentPayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T", envelope.Data)
		}

		logger.Info("stream content",
			zap.String("action", string(payload.Action)),
			zap.String("from", string(envelope.Source)))

		return nil
	})

	endpoint.RegisterHandler(bus.TypeControl, func(envelope bus.Envelope) error {
		payload, ok := envelope.Data.(bus.ControlPayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T", envelope.Data)
		}

		logger.Info("playback control",
			zap.String("command", string(payload.Command)),
			zap.String("from", string(envelope.Source)))

		return nil
	})

	endpoint.RegisterHandler(bus.TypeSystem, func(envelope bus.Envelope) error {
		payload, ok := envelope.Data.(bus.SystemPayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T", envelope.Data)
		}

		logger.Info("system event",
			zap.String("event", string(payload.Event)),
			zap.String("from", string(envelope.Source)))

		return nil
	})

	endpoint.RegisterHandler(bus.TypeSyncRequest, func(envelope bus.Envelope) error {
		payload, ok := envelope.Data.(bus.SyncRequestPayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T", envelope.Data)
		}

		logger.Info("sync request",
			zap.String("dataType", string(payload.DataType)),
			zap.String("requestId", payload.RequestID),
			zap.String("from", string(envelope.Source)))

		return nil
	})

	endpoint.RegisterHandler(bus.TypeSyncResponse, func(envelope bus.Envelope) error {
		payload, ok := envelope.Data.(bus.SyncResponsePayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T", envelope.Data)
		}

		logger.Info("sync response",
			zap.String("dataType", string(payload.DataType)),
			zap.String("requestId", payload.RequestID),
			zap.String("from", string(envelope.Source)))

		return nil
	})
}
