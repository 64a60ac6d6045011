package relay

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	env "github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// PathsConfig overrides the directory names inside each agent subtree.
type PathsConfig struct {
	Outbox  string `yaml:"outbox" env:"SWARM_RELAY_OUTBOX_DIR"`
	Inbox   string `yaml:"inbox" env:"SWARM_RELAY_INBOX_DIR"`
	Archive string `yaml:"archive" env:"SWARM_RELAY_ARCHIVE_DIR"`
	Failed  string `yaml:"failed" env:"SWARM_RELAY_FAILED_DIR"`
}

type ResponderConfig struct {
	Model     string        `yaml:"model" env:"SWARM_RELAY_RESPONDER_MODEL"`
	MaxTokens int64         `yaml:"max_tokens" env:"SWARM_RELAY_RESPONDER_MAX_TOKENS"`
	Timeout   time.Duration `yaml:"timeout" env:"SWARM_RELAY_RESPONDER_TIMEOUT"`
}

type DiscordConfig struct {
	Token     string `yaml:"token" env:"SWARM_RELAY_DISCORD_TOKEN"`
	ChannelID string `yaml:"channel_id" env:"SWARM_RELAY_DISCORD_CHANNEL"`
}

// Config is passed explicitly into each component; there are no package
// globals. Values come from defaults, then an optional YAML file, then the
// environment, in that order.
type Config struct {
	Root          string          `yaml:"root" env:"SWARM_RELAY_ROOT"`
	Agents        []string        `yaml:"agents" env:"SWARM_RELAY_AGENTS" envSeparator:","`
	PollInterval  time.Duration   `yaml:"poll_interval" env:"SWARM_RELAY_POLL_INTERVAL"`
	MaxRetries    int             `yaml:"max_retries" env:"SWARM_RELAY_MAX_RETRIES"`
	InitialDelay  time.Duration   `yaml:"initial_delay" env:"SWARM_RELAY_INITIAL_DELAY"`
	MaxDelay      time.Duration   `yaml:"max_delay" env:"SWARM_RELAY_MAX_DELAY"`
	BackoffFactor float64         `yaml:"backoff_factor" env:"SWARM_RELAY_BACKOFF_FACTOR"`
	Paths         PathsConfig     `yaml:"paths"`
	LedgerDSN     string          `yaml:"ledger_dsn" env:"SWARM_RELAY_LEDGER_DSN"`
	Watch         bool            `yaml:"watch_filesystem" env:"SWARM_RELAY_WATCH"`
	HTTPAddr      string          `yaml:"http_addr" env:"SWARM_RELAY_HTTP_ADDR"`
	Responder     ResponderConfig `yaml:"responder"`
	Discord       DiscordConfig   `yaml:"discord"`
}

func DefaultConfig() Config {
	return Config{
		Root:          "mailboxes",
		PollInterval:  time.Second,
		MaxRetries:    3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Paths: PathsConfig{
			Outbox:  "outbox",
			Inbox:   "inbox",
			Archive: "archive",
			Failed:  "failed",
		},
		HTTPAddr: ":8090",
		Responder: ResponderConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 1024,
			Timeout:   2 * time.Minute,
		},
	}
}

// LoadConfig builds the effective configuration: defaults, overlaid by the
// YAML file at path when given, overlaid by environment variables.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	path = strings.TrimSpace(path)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Root) == "" {
		return fmt.Errorf("%w: root is required", ErrInvalidInput)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll_interval must be positive", ErrInvalidInput)
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("%w: max_retries must be positive", ErrInvalidInput)
	}
	if c.BackoffFactor <= 1 {
		return fmt.Errorf("%w: backoff_factor must be greater than 1", ErrInvalidInput)
	}
	return nil
}

func (c Config) RetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    c.MaxRetries,
		InitialDelay:  c.InitialDelay,
		MaxDelay:      c.MaxDelay,
		BackoffFactor: c.BackoffFactor,
	}
}

// AgentDirs resolves the mailbox subtree for one agent under the root.
func (c Config) AgentDirs(agent string) (outbox, inbox, archive, failed string) {
	base := filepath.Join(c.Root, agent)
	return filepath.Join(base, c.Paths.Outbox),
		filepath.Join(base, c.Paths.Inbox),
		filepath.Join(base, c.Paths.Archive),
		filepath.Join(base, c.Paths.Failed)
}

// EffectiveLedgerDSN defaults to a JSON ledger file under the root.
func (c Config) EffectiveLedgerDSN() string {
	if strings.TrimSpace(c.LedgerDSN) != "" {
		return c.LedgerDSN
	}
	return filepath.Join(c.Root, "dedup-ledger.json")
}

// BuildRoutes creates one route per configured agent: the agent's outbox is
// watched and replies land in the same agent's inbox.
func (c Config) BuildRoutes() ([]Route, error) {
	if len(c.Agents) == 0 {
		return nil, fmt.Errorf("%w: at least one agent is required", ErrInvalidInput)
	}
	routes := make([]Route, 0, len(c.Agents))
	for _, agent := range c.Agents {
		agent = strings.TrimSpace(agent)
		if agent == "" {
			continue
		}
		outboxDir, inboxDir, archiveDir, failedDir := c.AgentDirs(agent)
		source, err := NewMailbox(agent+"/outbox", outboxDir, archiveDir, failedDir)
		if err != nil {
			return nil, err
		}
		reply, err := NewMailbox(agent+"/inbox", inboxDir, archiveDir, failedDir)
		if err != nil {
			return nil, err
		}
		routes = append(routes, Route{Source: source, Reply: reply})
	}
	if len(routes) == 0 {
		return nil, errors.New("no usable agents configured")
	}
	return routes, nil
}
