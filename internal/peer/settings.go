package peer

import "time"

const (
	DefaultConnectTimeout       = 10 * time.Second
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultReconnectBaseDelay   = time.Second
	DefaultMaxReconnectAttempts = 5
)

// Settings configure a peer endpoint. Zero values fall back to defaults.
type Settings struct {
	ConnectTimeout       time.Duration
	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
}

func (s Settings) withDefaults() Settings {
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = DefaultConnectTimeout
	}
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if s.ReconnectBaseDelay <= 0 {
		s.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if s.MaxReconnectAttempts <= 0 {
		s.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}

	return s
}
