package config

import "time"

type Client struct{}

var _ ClientConfig = Client{}

func (Client) GetRequestTimeout() time.Duration {
	return 15 * time.Second
}

// GetRefreshTimeout bounds a single token exchange, independent of the
// callers waiting on it.
func (Client) GetRefreshTimeout() time.Duration {
	return 10 * time.Second
}
