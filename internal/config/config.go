package config

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	// SSH tunnel
	SSHHost        string        `envconfig:"SSH_HOST"`
	SSHPort        int           `envconfig:"SSH_PORT"`
	SSHUsername    string        `envconfig:"SSH_USERNAME"`
	SSHPassword    string        `envconfig:"SSH_PASSWORD"`
	SSHKnownHosts  string        `envconfig:"SSH_KNOWN_HOSTS" default:""`
	AttemptTimeout time.Duration `envconfig:"DB_ATTEMPT_TIMEOUT" default:"15s"`

	// Database reached through the tunnel
	DBHost           string        `envconfig:"DB_HOST"`
	DBUser           string        `envconfig:"DB_USER"`
	DBPassword       string        `envconfig:"DB_PASSWORD"`
	DBName           string        `envconfig:"DB_NAME"`
	DBPort           int           `envconfig:"DB_PORT" default:"3306"`
	DBLog            bool          `envconfig:"DB_LOG" default:"false"`
	DBMaxConns       int           `envconfig:"DB_MAX_CONNS" default:"20"`
	DBConnectTimeout time.Duration `envconfig:"DB_CONNECT_TIMEOUT" default:"30s"`
	DBKeepAlive      bool          `envconfig:"DB_KEEPALIVE" default:"true"`
	DBKeepAliveDelay time.Duration `envconfig:"DB_KEEPALIVE_DELAY" default:"10s"`
	DBRetries        int           `envconfig:"DB_RETRIES" default:"3"`
	DBRetryDelay     time.Duration `envconfig:"DB_RETRY_DELAY" default:"2s"`

	// HTTP server
	Port        string   `envconfig:"PORT" default:"5000"`
	StaticDir   string   `envconfig:"STATIC_DIR" default:"build"`
	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"*"`
	LogPath     string   `envconfig:"LOG_PATH" default:""`

	// Booking rules
	SlotCapacity int    `envconfig:"SLOT_CAPACITY" default:"10"`
	Timezone     string `envconfig:"APP_TIMEZONE" default:"Local"`
}

// SSHSettings is the subset of Settings needed to open the tunnel session.
type SSHSettings struct {
	Host           string
	Port           int
	Username       string
	Password       string
	KnownHostsPath string
}

// DatabaseSettings is the subset of Settings needed to build the pool.
type DatabaseSettings struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
}

var Cfg Settings

// Error reports a required environment variable that is missing or unusable.
type Error struct {
	Key     string
	Invalid bool
}

func (e *Error) Error() string {
	if e.Invalid {
		return fmt.Sprintf("Missing or invalid %s in environment variables.", e.Key)
	}
	return fmt.Sprintf("Missing %s in environment variables.", e.Key)
}

// Parse reads the environment into a Settings value and validates it.
func Parse() (Settings, error) {
	var s Settings
	if err := envconfig.Process("", &s); err != nil {
		var pe *envconfig.ParseError
		if errors.As(err, &pe) {
			return s, &Error{Key: pe.KeyName, Invalid: true}
		}
		return s, fmt.Errorf("load config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// Load populates Cfg from the environment and exits the process when a
// required value is missing.
func Load() {
	s, err := Parse()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	Cfg = s
}

// Validate checks the required values in a fixed order so the first missing
// one is always the one reported.
func (s Settings) Validate() error {
	switch {
	case s.SSHHost == "":
		return &Error{Key: "SSH_HOST"}
	case s.SSHPort <= 0 || s.SSHPort > 65535:
		return &Error{Key: "SSH_PORT", Invalid: true}
	case s.SSHUsername == "":
		return &Error{Key: "SSH_USERNAME"}
	case s.SSHPassword == "":
		return &Error{Key: "SSH_PASSWORD"}
	case s.DBHost == "":
		return &Error{Key: "DB_HOST"}
	case s.DBUser == "":
		return &Error{Key: "DB_USER"}
	case s.DBPassword == "":
		return &Error{Key: "DB_PASSWORD"}
	case s.DBName == "":
		return &Error{Key: "DB_NAME"}
	case s.DBPort <= 0 || s.DBPort > 65535:
		return &Error{Key: "DB_PORT", Invalid: true}
	case s.DBRetries < 0:
		return &Error{Key: "DB_RETRIES", Invalid: true}
	case s.SlotCapacity <= 0:
		return &Error{Key: "SLOT_CAPACITY", Invalid: true}
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return &Error{Key: "APP_TIMEZONE", Invalid: true}
	}
	return nil
}

func (s Settings) SSH() SSHSettings {
	return SSHSettings{
		Host:           s.SSHHost,
		Port:           s.SSHPort,
		Username:       s.SSHUsername,
		Password:       s.SSHPassword,
		KnownHostsPath: s.SSHKnownHosts,
	}
}

func (s Settings) Database() DatabaseSettings {
	return DatabaseSettings{
		Host:     s.DBHost,
		Port:     s.DBPort,
		User:     s.DBUser,
		Password: s.DBPassword,
		Name:     s.DBName,
	}
}

// Location returns the time zone used for appointment slots. Validate has
// already rejected unknown names, so the UTC fallback only covers a zero Settings.
func (s Settings) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
