package config

import "time"

type Config interface {
	EnvConfig
	ClientConfig
	RealtimeConfig
}

type EnvConfig interface {
	GetAppName() string
	GetBaseURL() string
	GetRealtimeURL() string
	GetDataFolder() string
	GetSessionKey() []byte
	GetRedisAddr() string
	GetLogLevel() string
	GetEnv() string
}

type ClientConfig interface {
	GetRequestTimeout() time.Duration
	GetRefreshTimeout() time.Duration
}

type RealtimeConfig interface {
	GetHandshakeTimeout() time.Duration
	GetReconnectInitialDelay() time.Duration
	GetReconnectMaxDelay() time.Duration
	GetReconnectMultiplier() float64
	GetReconnectMaxAttempts() int
	GetHeartbeat() time.Duration
}

type mainConfig struct {
	EnvVars
	Client
	Realtime
}

func New() Config {
	return mainConfig{}
}
