// Package config loads gamewarden settings from GAMEWARDEN_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const Prefix = "GAMEWARDEN_"

type Config struct {
	ListenAddr   string        `env:"LISTEN" envDefault:":8080"`
	DataDir      string        `env:"DATA_DIR" envDefault:"./data"`
	DatabasePath string        `env:"DB"`
	CORSOrigins  []string      `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`
	OperatorUser string        `env:"OPERATOR_USER" envDefault:"admin"`
	OperatorPass string        `env:"OPERATOR_PASS" envDefault:"admin"`
	TokenTTL     time.Duration `env:"TOKEN_TTL" envDefault:"168h"`
	// RateLimit is command requests per second per client address.
	RateLimit float64 `env:"RATE_LIMIT" envDefault:"0.5"`
	RateBurst int     `env:"RATE_BURST" envDefault:"5"`

	Game     GameConfig
	Power    PowerConfig
	Remote   RemoteConfig
	Docker   DockerConfig
	Timeouts TimeoutConfig
}

type GameConfig struct {
	Name          string   `env:"GAME" envDefault:"factorio"`
	Home          string   `env:"GAME_HOME"`
	MandatoryMods []string `env:"MANDATORY_MODS" envSeparator:","`

	ServerName       string   `env:"SERVER_NAME" envDefault:"gamewarden"`
	Description      string   `env:"SERVER_DESCRIPTION"`
	Tags             []string `env:"SERVER_TAGS" envSeparator:","`
	MaxPlayers       int      `env:"MAX_PLAYERS"`
	Public           bool     `env:"SERVER_PUBLIC"`
	Username         string   `env:"GAME_USERNAME"`
	Token            string   `env:"GAME_TOKEN"`
	GamePassword     string   `env:"GAME_PASSWORD"`
	AutosaveInterval int      `env:"AUTOSAVE_INTERVAL"`
	AutosaveSlots    int      `env:"AUTOSAVE_SLOTS"`
}

type PowerConfig struct {
	// Backend is ec2 or docker.
	Backend    string `env:"POWER" envDefault:"ec2"`
	Region     string `env:"AWS_REGION"`
	InstanceID string `env:"INSTANCE_ID"`
}

type RemoteConfig struct {
	// Backend is ssh or docker.
	Backend string        `env:"REMOTE" envDefault:"ssh"`
	Addr    string        `env:"SSH_ADDR"`
	User    string        `env:"SSH_USER" envDefault:"ec2-user"`
	Key     string        `env:"SSH_KEY"`
	KeyFile string        `env:"SSH_KEY_FILE"`
	HostKey string        `env:"SSH_HOST_KEY"`
	Timeout time.Duration `env:"SSH_TIMEOUT" envDefault:"30s"`
}

type DockerConfig struct {
	Container string   `env:"DOCKER_CONTAINER" envDefault:"gamewarden-dev"`
	Image     string   `env:"DOCKER_IMAGE" envDefault:"factoriotools/factorio:stable"`
	Ports     []string `env:"DOCKER_PORTS" envSeparator:"," envDefault:"34197:34197/udp"`
}

type TimeoutConfig struct {
	SettleDelay        time.Duration `env:"SETTLE_DELAY" envDefault:"60s"`
	IdleThreshold      time.Duration `env:"IDLE_THRESHOLD" envDefault:"300s"`
	WatchdogInterval   time.Duration `env:"WATCHDOG_INTERVAL" envDefault:"10s"`
	StatusInterval     time.Duration `env:"STATUS_INTERVAL" envDefault:"60s"`
	ProcessTimeout     time.Duration `env:"PROCESS_TIMEOUT" envDefault:"60s"`
	CreatePollInterval time.Duration `env:"CREATE_POLL_INTERVAL" envDefault:"2s"`
	CreateTimeout      time.Duration `env:"CREATE_TIMEOUT" envDefault:"5m"`
	OpTimeout          time.Duration `env:"OP_TIMEOUT"`
	IdleOnStart        bool          `env:"IDLE_ON_START"`
}

func Load() (*Config, error) {
	return load(env.Options{Prefix: Prefix})
}

// LoadFrom reads the configuration from vars instead of the process environment.
func LoadFrom(vars map[string]string) (*Config, error) {
	return load(env.Options{Prefix: Prefix, Environment: vars})
}

func load(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	// Docker bind mounts require absolute paths
	dataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}
	cfg.DataDir = dataDir
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(dataDir, "gamewarden.db")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Power.Backend {
	case "ec2":
		if c.Power.InstanceID == "" {
			return fmt.Errorf("%sINSTANCE_ID required for the ec2 power backend", Prefix)
		}
	case "docker":
	default:
		return fmt.Errorf("unknown power backend %q (ec2, docker)", c.Power.Backend)
	}

	switch c.Remote.Backend {
	case "ssh":
		if c.Remote.Addr == "" {
			return fmt.Errorf("%sSSH_ADDR required for the ssh remote backend", Prefix)
		}
		if c.Remote.Key == "" && c.Remote.KeyFile == "" {
			return fmt.Errorf("%sSSH_KEY or %sSSH_KEY_FILE required for the ssh remote backend", Prefix, Prefix)
		}
	case "docker":
	default:
		return fmt.Errorf("unknown remote backend %q (ssh, docker)", c.Remote.Backend)
	}
	return nil
}

// PrivateKey returns the PEM key, from the file if one is configured. Keys
// passed inline may carry literal \n sequences.
func (r RemoteConfig) PrivateKey() ([]byte, error) {
	if r.KeyFile != "" {
		return os.ReadFile(r.KeyFile)
	}
	return []byte(strings.ReplaceAll(r.Key, `\n`, "\n")), nil
}
