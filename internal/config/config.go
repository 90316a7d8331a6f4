package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "SYNCGW"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultLogLevel          = "info"
	defaultSessionCookieName = "sync_session"
	defaultPragmaJournalMode = "WAL"
	defaultPragmaSynchronous = "NORMAL"
	inMemoryDSN              = ":memory:"
)

// AppConfig captures runtime configuration for the sync gateway process.
type AppConfig struct {
	HTTPAddress          string
	DatabasePath         string
	PragmaJournalMode    string
	PragmaSynchronous    string
	AllowInMemory        bool
	Strict               bool
	LogLevel             string
	SessionSigningSecret string
	SessionIssuer        string
	SessionCookieName    string
	TestMode             bool
}

// NewViper returns a viper instance with defaults, env bindings, and the
// bare (unprefixed) environment keys named in the external interfaces
// contract configured.
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
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.cookie_name", defaultSessionCookieName)
	configViper.SetDefault("database.pragma_journal_mode", defaultPragmaJournalMode)
	configViper.SetDefault("database.pragma_synchronous", defaultPragmaSynchronous)
	configViper.SetDefault("database.allow_in_memory", false)
	configViper.SetDefault("database.strict", false)

	_ = configViper.BindEnv("database.path", "DB_PATH")
	_ = configViper.BindEnv("database.pragma_journal_mode", "PRAGMA_JOURNAL_MODE")
	_ = configViper.BindEnv("database.pragma_synchronous", "PRAGMA_SYNCHRONOUS")
	_ = configViper.BindEnv("database.allow_in_memory", "ALLOW_IN_MEMORY")
	_ = configViper.BindEnv("database.strict", "STRICT")
}

// Load parses runtime configuration from viper and enforces the startup
// rules for database path resolution. testMode bypasses the DB_PATH
// requirement the way an in-process test fixture would.
func Load(configViper *viper.Viper, testMode bool) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabasePath:         strings.TrimSpace(configViper.GetString("database.path")),
		PragmaJournalMode:    configViper.GetString("database.pragma_journal_mode"),
		PragmaSynchronous:    configViper.GetString("database.pragma_synchronous"),
		AllowInMemory:        configViper.GetBool("database.allow_in_memory"),
		Strict:               configViper.GetBool("database.strict"),
		LogLevel:             configViper.GetString("log.level"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionIssuer:        configViper.GetString("session.issuer"),
		SessionCookieName:    configViper.GetString("session.cookie_name"),
		TestMode:             testMode,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// IsInMemory reports whether the resolved database path names an ephemeral store.
func (c AppConfig) IsInMemory() bool {
	return isInMemoryPath(c.DatabasePath)
}

func isInMemoryPath(path string) bool {
	trimmed := strings.TrimSpace(path)
	return trimmed == "" || trimmed == inMemoryDSN || strings.HasPrefix(trimmed, "file::memory:")
}

func (c AppConfig) validate() error {
	inMemory := isInMemoryPath(c.DatabasePath)

	if !c.TestMode && inMemory && !c.AllowInMemory {
		return fmt.Errorf("config: DB_PATH is required (set DB_PATH to a filesystem path, or ALLOW_IN_MEMORY=true to permit an ephemeral store)")
	}
	if c.Strict && inMemory {
		return fmt.Errorf("config: STRICT forbids an in-memory database; set DB_PATH to a filesystem path")
	}
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("config: session.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionIssuer) == "" {
		return fmt.Errorf("config: session.issuer is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("config: session.cookie_name is required")
	}
	return nil
}
