package config

import (
	"encoding/hex"
	"net/url"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	appNameVar    = "APP_NAME"
	baseURLVar    = "LISTSYNC_BASE_URL"
	wsURLVar      = "LISTSYNC_WS_URL"
	folderEnvVar  = "LISTSYNC_DATA_FOLDER"
	sessionKeyVar = "LISTSYNC_SESSION_KEY"
	redisAddrVar  = "LISTSYNC_REDIS_ADDR"
	logLevelVar   = "LOG_LEVEL"
)

type EnvVars struct{}

var _ EnvConfig = EnvVars{}

func (EnvVars) GetAppName() string {
	return GetEnv(appNameVar, "ListSync")
}

// GetBaseURL returns the REST API root, without a trailing slash.
func (EnvVars) GetBaseURL() string {
	return strings.TrimRight(GetEnv(baseURLVar, "http://localhost:8080"), "/")
}

// GetRealtimeURL returns the websocket endpoint. When unset it is derived from
// the base URL: http -> ws, https -> wss, path /ws.
func (e EnvVars) GetRealtimeURL() string {
	if v := os.Getenv(wsURLVar); v != "" {
		return v
	}
	return DeriveRealtimeURL(e.GetBaseURL())
}

func (EnvVars) GetDataFolder() string {
	return GetEnv(folderEnvVar, "./data")
}

// GetSessionKey returns the 32 byte key used to seal the session file, or nil
// when the session file should be stored in clear.
func (EnvVars) GetSessionKey() []byte {
	v := os.Getenv(sessionKeyVar)
	if v == "" {
		return nil
	}
	key, err := hex.DecodeString(v)
	if err != nil {
		log.Err(err).Str("var", sessionKeyVar).Msg("Ignoring malformed session key")
		return nil
	}
	return key
}

func (EnvVars) GetRedisAddr() string {
	return GetEnv(redisAddrVar, "")
}

func (EnvVars) GetLogLevel() string {
	return GetEnv(logLevelVar, "info")
}

func (EnvVars) GetEnv() string {
	env := os.Getenv("ENV")
	if env == "" {
		return "DEV"
	}
	return env
}

func DeriveRealtimeURL(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return "ws://localhost:8080/ws"
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}
