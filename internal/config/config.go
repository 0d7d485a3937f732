// Package config loads this runtime's tuning knobs from a YAML file, using
// nested keys ("fiber.stack_size", "tcp.connect.timeout", ...) that map
// directly onto the Config struct below.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/kestrelio/kestrel/fdtable"
)

// Config holds every tunable this runtime exposes, plus the two reactor
// knobs this module adds. Defaults() supplies sane values, so a missing
// file or missing key never breaks a caller that just wants sane
// behavior.
type Config struct {
	Fiber struct {
		StackSize int `yaml:"stack_size"`
	} `yaml:"fiber"`

	TCP struct {
		Connect struct {
			TimeoutMS int `yaml:"timeout"`
		} `yaml:"connect"`
	} `yaml:"tcp"`

	TCPServer struct {
		ReadTimeoutMS int `yaml:"read_timeout"`
	} `yaml:"tcp_server"`

	Reactor struct {
		MaxBlockMS int `yaml:"max_block_ms"`
		MaxEvents  int `yaml:"max_events"`
	} `yaml:"reactor"`
}

// noTimeoutMS is the ReadTimeoutMS value meaning "no timeout configured".
// It must not be zero: a configured zero is a legal, immediately-expiring
// timeout, distinct from never having set one at all.
const noTimeoutMS = -1

// Defaults returns this runtime's baseline tuning: 1 MiB stack, 5000ms
// connect timeout, read timeout disabled.
func Defaults() Config {
	var c Config
	c.Fiber.StackSize = 1 << 20
	c.TCP.Connect.TimeoutMS = 5000
	c.TCPServer.ReadTimeoutMS = noTimeoutMS
	c.Reactor.MaxBlockMS = 3000
	c.Reactor.MaxEvents = 256
	return c
}

// Load reads path and overlays it onto Defaults(). A missing file is not
// an error: it just means every default applies.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errors.Wrapf(err, "config: reading %s", path)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "config: parsing %s", path)
	}
	return cfg, nil
}

// StackSize returns the configured fiber stack size in bytes.
func (c Config) StackSize() int { return c.Fiber.StackSize }

// ConnectTimeout returns the configured TCP connect timeout.
func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.TCP.Connect.TimeoutMS) * time.Millisecond
}

// ReadTimeout returns the configured tcp_server read timeout. A negative
// ReadTimeoutMS (the default) means no timeout is enforced; a configured
// zero is a legal, immediately-expiring timeout.
func (c Config) ReadTimeout() time.Duration {
	if c.TCPServer.ReadTimeoutMS < 0 {
		return fdtable.NoTimeout
	}
	return time.Duration(c.TCPServer.ReadTimeoutMS) * time.Millisecond
}

// MaxBlock returns the reactor idle loop's epoll_wait ceiling.
func (c Config) MaxBlock() time.Duration {
	return time.Duration(c.Reactor.MaxBlockMS) * time.Millisecond
}

// MaxEvents returns the epoll events buffer size.
func (c Config) MaxEvents() int { return c.Reactor.MaxEvents }
