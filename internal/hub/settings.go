package hub

import "time"

const (
	DefaultLivenessInterval = 30 * time.Second
	DefaultReapTimeout      = 60 * time.Second
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultSendQueueSize    = 64
)

// Settings configure a hub endpoint. Zero values fall back to defaults;
// MaxPeers zero means unlimited.
type Settings struct {
	LivenessInterval time.Duration
	ReapTimeout      time.Duration
	HandshakeTimeout time.Duration
	MaxPeers         int
	SendQueueSize    int
}

func (s Settings) withDefaults() Settings {
	if s.LivenessInterval <= 0 {
		s.LivenessInterval = DefaultLivenessInterval
	}
	if s.ReapTimeout <= 0 {
		s.ReapTimeout = DefaultReapTimeout
	}
	if s.HandshakeTimeout <= 0 {
		s.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if s.SendQueueSize <= 0 {
		s.SendQueueSize = DefaultSendQueueSize
	}

	return s
}
