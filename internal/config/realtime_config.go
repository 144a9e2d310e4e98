package config

import "time"

type Realtime struct{}

var _ RealtimeConfig = Realtime{}

func (Realtime) GetHandshakeTimeout() time.Duration {
	return 5 * time.Second
}

func (Realtime) GetReconnectInitialDelay() time.Duration {
	return 1 * time.Second
}

func (Realtime) GetReconnectMaxDelay() time.Duration {
	return 30 * time.Second
}

func (Realtime) GetReconnectMultiplier() float64 {
	return 2.0
}

func (Realtime) GetReconnectMaxAttempts() int {
	return 0 // unbounded
}

func (Realtime) GetHeartbeat() time.Duration {
	return 10 * time.Second
}
