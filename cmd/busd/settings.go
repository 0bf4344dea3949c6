package main

type Settings struct {
	Mode          string `env:"BUS_MODE,default=hub"`
	Transport     string `env:"BUS_TRANSPORT,default=socket"`
	Role          string `env:"BUS_ROLE,default=main"`
	ListenAddress string `env:"BUS_LISTEN_ADDRESS,default=0.0.0.0:7420"`
	HubAddress    string `env:"BUS_HUB_ADDRESS,default=127.0.0.1:7420"`
	SocketPath    string `env:"BUS_SOCKET_PATH,default=/tmp/house-mix-bus.sock"`

	LivenessIntervalSeconds  int `env:"BUS_LIVENESS_INTERVAL_SECONDS,default=30"`
	ReapTimeoutSeconds       int `env:"BUS_REAP_TIMEOUT_SECONDS,default=60"`
	MaxPeers                 int `env:"BUS_MAX_PEERS,default=0"`
	HeartbeatIntervalSeconds int `env:"BUS_HEARTBEAT_INTERVAL_SECONDS,default=30"`
	ReconnectBaseDelayMillis int `env:"BUS_RECONNECT_BASE_DELAY_MS,default=1000"`
	MaxReconnectAttempts     int `env:"BUS_MAX_RECONNECT_ATTEMPTS,default=5"`

	LogEncoding string `env:"LOG_ENCODING,default=console"`
}
