package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/roach88/constellation/internal/coordinator"
	"github.com/roach88/constellation/internal/executor"
	"github.com/roach88/constellation/internal/policy"
)

// EnvPrefix prefixes every environment override, e.g. CONSTELLATION_POOL_SIZE.
const EnvPrefix = "CONSTELLATION"

// ErrInvalidProperty is returned for property values that cannot be used.
var ErrInvalidProperty = errors.New("invalid property")

// Properties are the node settings.
type Properties struct {
	// Distributed joins a cluster through the websocket transport.
	Distributed bool `mapstructure:"distributed"`
	// Closed waits for Pool.Size nodes before activating.
	Closed     bool            `mapstructure:"closed"`
	Pool       PoolProperties  `mapstructure:"pool"`
	Master     uint32          `mapstructure:"master"`
	Profile    ProfileProps    `mapstructure:"profile"`
	Statistics bool            `mapstructure:"statistics"`
	Steal      StealProperties `mapstructure:"steal"`
	Idle       IdleProperties  `mapstructure:"idle"`
	Log        LogProperties   `mapstructure:"log"`
	// Listen is the address the node serves its transport and status on.
	Listen string `mapstructure:"listen"`
	// Peers lists node addresses by rank.
	Peers []string `mapstructure:"peers"`
}

// PoolProperties name the node's steal pool.
type PoolProperties struct {
	Name string `mapstructure:"name"`
	Size int    `mapstructure:"size"`
}

// ProfileProps switch the sqlite trace on.
type ProfileProps struct {
	Enabled bool   `mapstructure:"enabled"`
	Output  string `mapstructure:"output"`
}

// StealProperties are the defaults for executors that name no strategy.
type StealProperties struct {
	Local         string        `mapstructure:"local"`
	Constellation string        `mapstructure:"constellation"`
	Remote        string        `mapstructure:"remote"`
	Size          int           `mapstructure:"size"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Retries       int           `mapstructure:"retries"`
	Rate          float64       `mapstructure:"rate"`
}

// IdleProperties tune idle executors.
type IdleProperties struct {
	Poll time.Duration `mapstructure:"poll"`
}

// LogProperties select the log handler.
type LogProperties struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultProperties returns the settings used when nothing overrides them.
func DefaultProperties() Properties {
	cc := coordinator.DefaultConfig()
	return Properties{
		Pool:    PoolProperties{Name: policy.PoolNameWorld},
		Profile: ProfileProps{Output: "constellation-trace.db"},
		Steal: StealProperties{
			Local:         policy.Smallest.String(),
			Constellation: policy.Biggest.String(),
			Remote:        policy.Biggest.String(),
			Size:          1,
			Timeout:       cc.StealTimeout,
			Retries:       cc.StealRetries,
			Rate:          float64(cc.StealRate),
		},
		Idle:   IdleProperties{Poll: executor.DefaultIdlePoll},
		Log:    LogProperties{Level: "info", Format: "text"},
		Listen: ":7070",
	}
}

// LoadProperties reads path (when non-empty) and the environment on top of
// the defaults. CONSTELLATION_CONFIG names the file when path is empty.
func LoadProperties(path string) (*Properties, error) {
	p := DefaultProperties()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("distributed", p.Distributed)
	v.SetDefault("closed", p.Closed)
	v.SetDefault("pool.name", p.Pool.Name)
	v.SetDefault("pool.size", p.Pool.Size)
	v.SetDefault("master", p.Master)
	v.SetDefault("profile.enabled", p.Profile.Enabled)
	v.SetDefault("profile.output", p.Profile.Output)
	v.SetDefault("statistics", p.Statistics)
	v.SetDefault("steal.local", p.Steal.Local)
	v.SetDefault("steal.constellation", p.Steal.Constellation)
	v.SetDefault("steal.remote", p.Steal.Remote)
	v.SetDefault("steal.size", p.Steal.Size)
	v.SetDefault("steal.timeout", p.Steal.Timeout)
	v.SetDefault("steal.retries", p.Steal.Retries)
	v.SetDefault("steal.rate", p.Steal.Rate)
	v.SetDefault("idle.poll", p.Idle.Poll)
	v.SetDefault("log.level", p.Log.Level)
	v.SetDefault("log.format", p.Log.Format)
	v.SetDefault("listen", p.Listen)
	v.SetDefault("peers", []string{})

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read properties: %w", err)
		}
	}

	if err := v.Unmarshal(&p); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate reports the first unusable value.
func (p *Properties) Validate() error {
	if _, err := p.Strategies(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProperty, err)
	}
	if _, err := p.StealPool(); err != nil {
		return fmt.Errorf("%w: pool.name: %v", ErrInvalidProperty, err)
	}
	if _, err := p.LogLevel(); err != nil {
		return err
	}
	switch p.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log.format %q", ErrInvalidProperty, p.Log.Format)
	}
	if p.Pool.Size < 0 {
		return fmt.Errorf("%w: pool.size %d", ErrInvalidProperty, p.Pool.Size)
	}
	if p.Closed && p.Pool.Size < 1 {
		return fmt.Errorf("%w: a closed pool needs pool.size", ErrInvalidProperty)
	}
	if p.Steal.Size < 1 {
		return fmt.Errorf("%w: steal.size %d", ErrInvalidProperty, p.Steal.Size)
	}
	if p.Steal.Timeout <= 0 || p.Steal.Retries < 1 || p.Steal.Rate <= 0 {
		return fmt.Errorf("%w: steal.timeout, steal.retries and steal.rate must be positive", ErrInvalidProperty)
	}
	if p.Idle.Poll <= 0 {
		return fmt.Errorf("%w: idle.poll %s", ErrInvalidProperty, p.Idle.Poll)
	}
	if len(p.Peers) > 0 && int(p.Master) >= len(p.Peers) {
		return fmt.Errorf("%w: master %d has no peer address", ErrInvalidProperty, p.Master)
	}
	return nil
}

// Strategies holds the parsed default strategies.
type Strategies struct {
	Local, Constellation, Remote policy.StealStrategy
}

// Strategies parses the steal.* strategy names.
func (p *Properties) Strategies() (Strategies, error) {
	var s Strategies
	var err error
	if s.Local, err = policy.ParseStealStrategy(p.Steal.Local); err != nil {
		return s, fmt.Errorf("steal.local: %w", err)
	}
	if s.Constellation, err = policy.ParseStealStrategy(p.Steal.Constellation); err != nil {
		return s, fmt.Errorf("steal.constellation: %w", err)
	}
	if s.Remote, err = policy.ParseStealStrategy(p.Steal.Remote); err != nil {
		return s, fmt.Errorf("steal.remote: %w", err)
	}
	return s, nil
}

// StealPool parses pool.name.
func (p *Properties) StealPool() (policy.StealPool, error) {
	return policy.ParseStealPool(p.Pool.Name)
}

// LogLevel parses log.level.
func (p *Properties) LogLevel() (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(p.Log.Level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("%w: log.level %q", ErrInvalidProperty, p.Log.Level)
	}
}

// Coordinator returns the distributed tier settings.
func (p *Properties) Coordinator() coordinator.Config {
	cfg := coordinator.DefaultConfig()
	cfg.Master = p.Master
	if p.Closed {
		cfg.PoolSize = p.Pool.Size
	}
	cfg.StealTimeout = p.Steal.Timeout
	cfg.StealRetries = p.Steal.Retries
	cfg.StealRate = rate.Limit(p.Steal.Rate)
	return cfg
}

// PeerMap returns the peer addresses keyed by rank.
func (p *Properties) PeerMap() map[uint32]string {
	out := make(map[uint32]string, len(p.Peers))
	for i, addr := range p.Peers {
		out[uint32(i)] = addr
	}
	return out
}
