// Package config holds the tunables of a node and loads them from an
// optional YAML file and NUB_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/1ureka/nub/internal/bundle"
	"github.com/1ureka/nub/internal/channel"
	"github.com/1ureka/nub/internal/nub"
	"github.com/1ureka/nub/internal/protocol"
	"github.com/1ureka/nub/internal/transport"
)

// maxUDPPayload is the largest payload of an IPv4 UDP datagram.
const maxUDPPayload = 65507

// EnvPrefix prefixes environment overrides, e.g. NUB_RELIABILITY_WINDOW_SIZE.
const EnvPrefix = "NUB"

// Config is the node configuration: transport limits, bundling, reliability,
// reassembly and channel lifetime, plus error-report throttling. Load fills it
// from a YAML file, NUB_* environment variables and the defaults, then
// validates it.
type Config struct {
	Transport struct {
		Listen          string `mapstructure:"listen"`
		MaxDatagramSize int    `mapstructure:"max_datagram_size"`
	} `mapstructure:"transport"`

	Bundle struct {
		MaxMessages int           `mapstructure:"max_messages"`
		MaxLatency  time.Duration `mapstructure:"max_latency"`
	} `mapstructure:"bundle"`

	Reliability struct {
		WindowSize int           `mapstructure:"window_size"`
		InitialRTO time.Duration `mapstructure:"initial_rto"`
		MaxRTO     time.Duration `mapstructure:"max_rto"`
		MaxRetries int           `mapstructure:"max_retries"`
	} `mapstructure:"reliability"`

	Reassembly struct {
		Timeout      time.Duration `mapstructure:"timeout"`
		MaxBuffers   int           `mapstructure:"max_buffers"`
		MaxFragments int           `mapstructure:"max_fragments"`
	} `mapstructure:"reassembly"`

	Channel struct {
		IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
	} `mapstructure:"channel"`

	Report struct {
		Rate          float64       `mapstructure:"rate"`
		Burst         int           `mapstructure:"burst"`
		StatsInterval time.Duration `mapstructure:"stats_interval"`
		Debug         bool          `mapstructure:"debug"`
	} `mapstructure:"report"`

	Signaling struct {
		Listen string   `mapstructure:"listen"`
		PIN    string   `mapstructure:"pin"`
		STUN   []string `mapstructure:"stun"`
	} `mapstructure:"signaling"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	ch := channel.DefaultConfig()

	var c Config
	c.Transport.Listen = "127.0.0.1:0"
	c.Transport.MaxDatagramSize = transport.DefaultMaxDatagramSize

	c.Bundle.MaxMessages = ch.MaxBundleMessages
	c.Bundle.MaxLatency = ch.MaxLatency

	c.Reliability.WindowSize = ch.WindowSize
	c.Reliability.InitialRTO = ch.InitialRTO
	c.Reliability.MaxRTO = ch.MaxRTO
	c.Reliability.MaxRetries = ch.MaxRetries

	c.Reassembly.Timeout = ch.ReassemblyTimeout
	c.Reassembly.MaxBuffers = ch.MaxReassemblyBuffers
	c.Reassembly.MaxFragments = ch.MaxFragments

	c.Channel.IdleTimeout = ch.IdleTimeout
	c.Channel.SweepInterval = ch.SweepInterval

	c.Report.Rate = 20
	c.Report.Burst = 50
	c.Report.StatsInterval = 5 * time.Second

	c.Signaling.Listen = ":0"
	return &c
}

// Load reads path (YAML; skipped when empty) over the defaults, applies
// NUB_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, nub.Wrap(nub.Configuration, nub.None, fmt.Errorf("failed to read config: %w", err))
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, nub.Wrap(nub.Configuration, nub.None, fmt.Errorf("failed to unmarshal config: %w", err))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// setDefaults registers every key so that environment overrides apply even
// when the file does not mention the key.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("transport.listen", d.Transport.Listen)
	v.SetDefault("transport.max_datagram_size", d.Transport.MaxDatagramSize)

	v.SetDefault("bundle.max_messages", d.Bundle.MaxMessages)
	v.SetDefault("bundle.max_latency", d.Bundle.MaxLatency)

	v.SetDefault("reliability.window_size", d.Reliability.WindowSize)
	v.SetDefault("reliability.initial_rto", d.Reliability.InitialRTO)
	v.SetDefault("reliability.max_rto", d.Reliability.MaxRTO)
	v.SetDefault("reliability.max_retries", d.Reliability.MaxRetries)

	v.SetDefault("reassembly.timeout", d.Reassembly.Timeout)
	v.SetDefault("reassembly.max_buffers", d.Reassembly.MaxBuffers)
	v.SetDefault("reassembly.max_fragments", d.Reassembly.MaxFragments)

	v.SetDefault("channel.idle_timeout", d.Channel.IdleTimeout)
	v.SetDefault("channel.sweep_interval", d.Channel.SweepInterval)

	v.SetDefault("report.rate", d.Report.Rate)
	v.SetDefault("report.burst", d.Report.Burst)
	v.SetDefault("report.stats_interval", d.Report.StatsInterval)
	v.SetDefault("report.debug", d.Report.Debug)

	v.SetDefault("signaling.listen", d.Signaling.Listen)
	v.SetDefault("signaling.pin", d.Signaling.PIN)
	v.SetDefault("signaling.stun", d.Signaling.STUN)
}

// Validate checks every tunable and returns a Configuration error listing
// all problems found.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Transport.MaxDatagramSize >= bundle.MinDatagramSize && c.Transport.MaxDatagramSize <= maxUDPPayload,
		"transport.max_datagram_size must be in [%d, %d], got %d", bundle.MinDatagramSize, maxUDPPayload, c.Transport.MaxDatagramSize)

	check(c.Bundle.MaxMessages >= 1, "bundle.max_messages must be at least 1, got %d", c.Bundle.MaxMessages)
	check(c.Bundle.MaxLatency > 0, "bundle.max_latency must be positive, got %s", c.Bundle.MaxLatency)

	check(c.Reliability.WindowSize >= 1, "reliability.window_size must be at least 1, got %d", c.Reliability.WindowSize)
	check(c.Reliability.InitialRTO > 0, "reliability.initial_rto must be positive, got %s", c.Reliability.InitialRTO)
	check(c.Reliability.MaxRTO >= c.Reliability.InitialRTO,
		"reliability.max_rto (%s) must not be below initial_rto (%s)", c.Reliability.MaxRTO, c.Reliability.InitialRTO)
	check(c.Reliability.InitialRTO > c.Bundle.MaxLatency,
		"reliability.initial_rto (%s) must exceed bundle.max_latency (%s)", c.Reliability.InitialRTO, c.Bundle.MaxLatency)
	check(c.Reliability.MaxRetries >= 0, "reliability.max_retries must not be negative, got %d", c.Reliability.MaxRetries)

	check(c.Reassembly.Timeout > 0, "reassembly.timeout must be positive, got %s", c.Reassembly.Timeout)
	check(c.Reassembly.MaxBuffers >= 1, "reassembly.max_buffers must be at least 1, got %d", c.Reassembly.MaxBuffers)
	check(c.Reassembly.MaxFragments >= 1 && c.Reassembly.MaxFragments <= protocol.MaxFragments,
		"reassembly.max_fragments must be in [1, %d], got %d", protocol.MaxFragments, c.Reassembly.MaxFragments)

	check(c.Channel.IdleTimeout >= 0, "channel.idle_timeout must not be negative, got %s", c.Channel.IdleTimeout)
	check(c.Channel.SweepInterval > 0, "channel.sweep_interval must be positive, got %s", c.Channel.SweepInterval)

	check(c.Report.Rate >= 0, "report.rate must not be negative, got %g", c.Report.Rate)

	if len(errs) == 0 {
		return nil
	}
	return nub.Wrap(nub.Configuration, nub.None, errors.Join(errs...))
}

// ChannelConfig projects the per-channel tunables.
func (c *Config) ChannelConfig() channel.Config {
	return channel.Config{
		MaxDatagramSize:   c.Transport.MaxDatagramSize,
		MaxBundleMessages: c.Bundle.MaxMessages,
		MaxLatency:        c.Bundle.MaxLatency,

		WindowSize: c.Reliability.WindowSize,
		InitialRTO: c.Reliability.InitialRTO,
		MaxRTO:     c.Reliability.MaxRTO,
		MaxRetries: c.Reliability.MaxRetries,

		IdleTimeout:          c.Channel.IdleTimeout,
		ReassemblyTimeout:    c.Reassembly.Timeout,
		MaxReassemblyBuffers: c.Reassembly.MaxBuffers,
		MaxFragments:         c.Reassembly.MaxFragments,
		SweepInterval:        c.Channel.SweepInterval,
	}
}
