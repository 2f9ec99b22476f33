package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                       = "DRIFTPAD"
	defaultHTTPAddress              = "0.0.0.0:8080"
	defaultDatabasePath             = "driftpad.db"
	defaultLogLevel                 = "info"
	defaultTokenTTLMinutes          = 30
	defaultSnapshotIntervalSeconds  = 30
	defaultRoomIdleGraceSeconds     = 60
	defaultAwarenessTimeoutSeconds  = 30
	defaultPersistenceAlertFailures = 5
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress              string
	DatabasePath             string
	SigningSecret            string
	TokenTTL                 time.Duration
	SnapshotInterval         time.Duration
	RoomIdleGrace            time.Duration
	AwarenessTimeout         time.Duration
	PersistenceAlertFailures int
	LogLevel                 string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("snapshot.interval_seconds", defaultSnapshotIntervalSeconds)
	configViper.SetDefault("room.idle_grace_seconds", defaultRoomIdleGraceSeconds)
	configViper.SetDefault("awareness.timeout_seconds", defaultAwarenessTimeoutSeconds)
	configViper.SetDefault("snapshot.alert_failures", defaultPersistenceAlertFailures)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:              configViper.GetString("http.address"),
		DatabasePath:             configViper.GetString("database.path"),
		SigningSecret:            configViper.GetString("auth.signing_secret"),
		TokenTTL:                 time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		SnapshotInterval:         time.Duration(configViper.GetInt("snapshot.interval_seconds")) * time.Second,
		RoomIdleGrace:            time.Duration(configViper.GetInt("room.idle_grace_seconds")) * time.Second,
		AwarenessTimeout:         time.Duration(configViper.GetInt("awareness.timeout_seconds")) * time.Second,
		PersistenceAlertFailures: configViper.GetInt("snapshot.alert_failures"),
		LogLevel:                 configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	if c.SnapshotInterval <= 0 {
		return fmt.Errorf("snapshot.interval_seconds must be positive")
	}
	if c.RoomIdleGrace <= 0 {
		return fmt.Errorf("room.idle_grace_seconds must be positive")
	}
	if c.AwarenessTimeout <= 0 {
		return fmt.Errorf("awareness.timeout_seconds must be positive")
	}
	return nil
}
