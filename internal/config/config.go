// Package config loads the TOML configuration of a wavenet daemon.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/multierr"

	"github.com/wavenet-mesh/wavenet/internal/mesh"
	"github.com/wavenet-mesh/wavenet/internal/transport"
)

// Transport is one [[transport]] table.
type Transport struct {
	Type string `toml:"type"`
	Port int    `toml:"port"`
	IP   string `toml:"ip"` // IP only; announced to peers, see `wavenet ifaces`
}

// Peer is one [[peer]] table: a neighbor to connect to on startup.
type Peer struct {
	ID   int64  `toml:"id"`
	Type string `toml:"type"`
	Dest string `toml:"dest"`
}

type Config struct {
	ID         int64  `toml:"id"`
	Plaintext  bool   `toml:"plaintext"`
	Workers    int    `toml:"workers"`
	QueueDepth int    `toml:"queue_depth"`
	Metrics    string `toml:"metrics"`
	LogLevel   string `toml:"log_level"`

	// Directory is a scratch file for the hub's key directory. The hub
	// keeps the directory in memory when empty.
	Directory string `toml:"directory"`

	Timeout       time.Duration `toml:"-"`
	TimeoutRaw    string        `toml:"timeout"`
	JoinSettle    time.Duration `toml:"-"`
	JoinSettleRaw string        `toml:"join_settle"`

	// Stream transport timeouts; zero keeps the transport defaults.
	DialTimeout    time.Duration `toml:"-"`
	DialTimeoutRaw string        `toml:"dial_timeout"`
	IOTimeout      time.Duration `toml:"-"`
	IOTimeoutRaw   string        `toml:"io_timeout"`

	Transports []Transport `toml:"transport"`
	Peers      []Peer      `toml:"peer"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel:   "info",
		Timeout:    mesh.DefaultTimeout,
		JoinSettle: mesh.DefaultJoinSettle,
		Workers:    mesh.DefaultWorkers,
		QueueDepth: mesh.DefaultQueueDepth,
	}
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return c, c.finish(md)
}

// Parse decodes and validates a configuration held in memory.
func Parse(data string) (*Config, error) {
	c := Default()
	md, err := toml.Decode(data, c)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return c, c.finish(md)
}

func (c *Config) finish(md toml.MetaData) error {
	if keys := md.Undecoded(); len(keys) > 0 {
		names := make([]string, len(keys))
		for i, k := range keys {
			names[i] = k.String()
		}
		return fmt.Errorf("config: unknown keys: %s", strings.Join(names, ", "))
	}
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"timeout", c.TimeoutRaw, &c.Timeout},
		{"join_settle", c.JoinSettleRaw, &c.JoinSettle},
		{"dial_timeout", c.DialTimeoutRaw, &c.DialTimeout},
		{"io_timeout", c.IOTimeoutRaw, &c.IOTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config: %s: %w", d.name, err)
		}
		*d.dst = v
	}
	return c.Validate()
}

// Validate reports every problem it finds, not just the first.
func (c *Config) Validate() error {
	var err error
	if c.Timeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("timeout must be positive"))
	}
	if c.JoinSettle < 0 {
		err = multierr.Append(err, fmt.Errorf("join_settle must not be negative"))
	}
	if c.Workers < 1 {
		err = multierr.Append(err, fmt.Errorf("workers must be at least 1"))
	}
	if c.QueueDepth < 1 {
		err = multierr.Append(err, fmt.Errorf("queue_depth must be at least 1"))
	}
	if c.DialTimeout < 0 {
		err = multierr.Append(err, fmt.Errorf("dial_timeout must not be negative"))
	}
	if c.IOTimeout < 0 {
		err = multierr.Append(err, fmt.Errorf("io_timeout must not be negative"))
	}
	if c.ID < 0 {
		err = multierr.Append(err, fmt.Errorf("id must not be negative"))
	}

	have := make(map[transport.Type]bool)
	for i, t := range c.Transports {
		typ, perr := parseStreamType(t.Type)
		if perr != nil {
			err = multierr.Append(err, fmt.Errorf("transport %d: %w", i, perr))
			continue
		}
		if have[typ] {
			err = multierr.Append(err, fmt.Errorf("transport %d: more than one %v transport", i, typ))
		}
		have[typ] = true
		if t.Port <= 0 || t.Port > 65535 {
			err = multierr.Append(err, fmt.Errorf("transport %d: port %d out of range", i, t.Port))
		}
		if typ == transport.IP && t.IP == "" {
			err = multierr.Append(err, fmt.Errorf("transport %d: ip is required", i))
		}
	}
	if len(c.Transports) == 0 {
		err = multierr.Append(err, fmt.Errorf("at least one transport is required"))
	}

	for i, p := range c.Peers {
		typ, perr := parseStreamType(p.Type)
		if perr != nil {
			err = multierr.Append(err, fmt.Errorf("peer %d: %w", i, perr))
			continue
		}
		if !have[typ] {
			err = multierr.Append(err, fmt.Errorf("peer %d: no %v transport configured", i, typ))
		}
		if p.Dest == "" {
			err = multierr.Append(err, fmt.Errorf("peer %d: dest is required", i))
		}
	}
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// parseStreamType accepts the transport types a daemon can open on its
// own. SOUND needs a modem, which no build ships with.
func parseStreamType(name string) (transport.Type, error) {
	t, err := transport.ParseType(strings.ToUpper(name))
	if err != nil {
		return 0, err
	}
	switch t {
	case transport.Local, transport.IP:
		return t, nil
	}
	return 0, fmt.Errorf("transport %v is not available from configuration", t)
}

// Protocols opens one transport per [[transport]] table. The configured
// timeouts are applied after opts.
func (c *Config) Protocols(opts ...transport.Option) ([]transport.Protocol, error) {
	opts = append(opts, c.transportOptions()...)
	out := make([]transport.Protocol, 0, len(c.Transports))
	for _, t := range c.Transports {
		typ, err := parseStreamType(t.Type)
		if err != nil {
			return nil, err
		}
		switch typ {
		case transport.Local:
			out = append(out, transport.NewLocal(t.Port, opts...))
		case transport.IP:
			out = append(out, transport.NewIP(t.IP, t.Port, opts...))
		}
	}
	return out, nil
}

func (c *Config) transportOptions() []transport.Option {
	var opts []transport.Option
	if c.DialTimeout > 0 {
		opts = append(opts, transport.WithDialTimeout(c.DialTimeout))
	}
	if c.IOTimeout > 0 {
		opts = append(opts, transport.WithIOTimeout(c.IOTimeout))
	}
	return opts
}

// TransportType returns the transport type of a validated peer.
func (p Peer) TransportType() transport.Type {
	t, _ := parseStreamType(p.Type)
	return t
}

// Mesh translates the file settings into a mesh.Config over protos.
// Logger, registry and directory store are left to the caller.
func (c *Config) Mesh(protos []transport.Protocol) mesh.Config {
	return mesh.Config{
		ID:         c.ID,
		Protocols:  protos,
		Plaintext:  c.Plaintext,
		Timeout:    c.Timeout,
		JoinSettle: c.JoinSettle,
		Workers:    c.Workers,
		QueueDepth: c.QueueDepth,
	}
}
