// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Configuration store backed by viper: file, WSSTREAM_ environment overrides
// and defaults, with snapshot reads and reload listeners.

package control

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/momentics/wsstream/api"
	"github.com/momentics/wsstream/extension/deflate"
	"github.com/momentics/wsstream/handshake"
	"github.com/momentics/wsstream/protocol"
	"github.com/momentics/wsstream/stream"
	"github.com/momentics/wsstream/transport"
)

// EnvPrefix prefixes environment overrides, e.g. WSSTREAM_STREAM_MAX_PAYLOAD.
const EnvPrefix = "WSSTREAM"

// Config is the full runtime configuration.
type Config struct {
	Listen      string            `mapstructure:"listen"`
	Path        string            `mapstructure:"path"`
	Stream      StreamConfig      `mapstructure:"stream"`
	Transport   TransportConfig   `mapstructure:"transport"`
	Compression CompressionConfig `mapstructure:"compression"`
	Log         LogConfig         `mapstructure:"log"`
}

// StreamConfig mirrors the tunables of stream.Config.
type StreamConfig struct {
	ReadableHighWaterMark int   `mapstructure:"readable_high_water_mark"`
	WritableHighWaterMark int   `mapstructure:"writable_high_water_mark"`
	MaxPayload            int64 `mapstructure:"max_payload"`
	FragmentSize          int   `mapstructure:"fragment_size"`
	DrainThreshold        int   `mapstructure:"drain_threshold"`
	AutoPong              bool  `mapstructure:"auto_pong"`
	AllowHalfOpen         bool  `mapstructure:"allow_half_open"`
	SkipUTF8Validation    bool  `mapstructure:"skip_utf8_validation"`
}

// TransportConfig tunes the socket driver and the handshake.
type TransportConfig struct {
	WriteHighWaterMark int           `mapstructure:"write_high_water_mark"`
	ReadBufferSize     int           `mapstructure:"read_buffer_size"`
	CloseTimeout       time.Duration `mapstructure:"close_timeout"`
	HandshakeTimeout   time.Duration `mapstructure:"handshake_timeout"`
	NoDelay            bool          `mapstructure:"no_delay"`
	RecvBuffer         int           `mapstructure:"recv_buffer"`
	SendBuffer         int           `mapstructure:"send_buffer"`
}

// CompressionConfig controls permessage-deflate negotiation.
type CompressionConfig struct {
	Enabled                 bool `mapstructure:"enabled"`
	Level                   int  `mapstructure:"level"`
	ServerNoContextTakeover bool `mapstructure:"server_no_context_takeover"`
	ClientNoContextTakeover bool `mapstructure:"client_no_context_takeover"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Listen: ":8080",
		Path:   "/ws",
		Stream: StreamConfig{
			ReadableHighWaterMark: stream.DefaultHighWaterMark,
			WritableHighWaterMark: stream.DefaultHighWaterMark,
			MaxPayload:            protocol.DefaultMaxPayload,
			DrainThreshold:        protocol.DefaultDrainThreshold,
			AutoPong:              true,
			AllowHalfOpen:         true,
		},
		Transport: TransportConfig{
			WriteHighWaterMark: transport.DefaultWriteHighWaterMark,
			CloseTimeout:       transport.DefaultCloseTimeout,
			HandshakeTimeout:   handshake.DefaultTimeout,
			NoDelay:            true,
		},
		Compression: CompressionConfig{Level: 1},
		Log:         LogConfig{Level: "info", Format: "console"},
	}
}

// Validate reports configuration values that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is empty"))
	}
	if !strings.HasPrefix(c.Path, "/") {
		errs = append(errs, fmt.Errorf("path %q must start with /", c.Path))
	}
	if c.Stream.MaxPayload < 0 {
		errs = append(errs, errors.New("stream.max_payload must not be negative"))
	}
	if c.Stream.FragmentSize < 0 {
		errs = append(errs, errors.New("stream.fragment_size must not be negative"))
	}
	if c.Compression.Level < -2 || c.Compression.Level > 9 {
		errs = append(errs, fmt.Errorf("compression.level %d out of range", c.Compression.Level))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// StreamConfig converts the stream section for role.
func (c *Config) StreamConfig(role api.Role) stream.Config {
	sc := stream.DefaultConfig(role)
	sc.ReadableHighWaterMark = c.Stream.ReadableHighWaterMark
	sc.WritableHighWaterMark = c.Stream.WritableHighWaterMark
	sc.MaxPayload = c.Stream.MaxPayload
	sc.FragmentSize = c.Stream.FragmentSize
	sc.DrainThreshold = c.Stream.DrainThreshold
	sc.AutoPong = c.Stream.AutoPong
	sc.AllowHalfOpen = c.Stream.AllowHalfOpen
	sc.SkipUTF8Validation = c.Stream.SkipUTF8Validation
	return sc
}

// TransportOptions converts the transport section; Stream is filled for role.
func (c *Config) TransportOptions(role api.Role) transport.Options {
	return transport.Options{
		Stream:             c.StreamConfig(role),
		WriteHighWaterMark: c.Transport.WriteHighWaterMark,
		ReadBufferSize:     c.Transport.ReadBufferSize,
		CloseTimeout:       c.Transport.CloseTimeout,
		Socket: transport.SocketOptions{
			NoDelay:    c.Transport.NoDelay,
			RecvBuffer: c.Transport.RecvBuffer,
			SendBuffer: c.Transport.SendBuffer,
		},
	}
}

// HandshakeOptions converts the compression and handshake settings.
func (c *Config) HandshakeOptions() handshake.Options {
	return handshake.Options{
		Compression: c.Compression.Enabled,
		CompressionParams: deflate.Params{
			ServerNoContextTakeover: c.Compression.ServerNoContextTakeover,
			ClientNoContextTakeover: c.Compression.ClientNoContextTakeover,
		},
		CompressionLevel: c.Compression.Level,
		Timeout:          c.Transport.HandshakeTimeout,
	}
}

// ConfigStore holds the current Config and notifies listeners on reload.
type ConfigStore struct {
	v   *viper.Viper
	log *zap.Logger

	mu        sync.RWMutex
	config    Config
	listeners []func(Config)
	watching  bool
}

// LoadConfig reads path (any format viper understands) on top of the
// defaults and environment. An empty path uses defaults and environment only.
func LoadConfig(path string) (*ConfigStore, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cs := &ConfigStore{v: v, log: zap.NewNop()}
	cfg, err := cs.decode()
	if err != nil {
		return nil, err
	}
	cs.config = cfg
	return cs, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("listen", d.Listen)
	v.SetDefault("path", d.Path)
	v.SetDefault("stream.readable_high_water_mark", d.Stream.ReadableHighWaterMark)
	v.SetDefault("stream.writable_high_water_mark", d.Stream.WritableHighWaterMark)
	v.SetDefault("stream.max_payload", d.Stream.MaxPayload)
	v.SetDefault("stream.fragment_size", d.Stream.FragmentSize)
	v.SetDefault("stream.drain_threshold", d.Stream.DrainThreshold)
	v.SetDefault("stream.auto_pong", d.Stream.AutoPong)
	v.SetDefault("stream.allow_half_open", d.Stream.AllowHalfOpen)
	v.SetDefault("stream.skip_utf8_validation", d.Stream.SkipUTF8Validation)
	v.SetDefault("transport.write_high_water_mark", d.Transport.WriteHighWaterMark)
	v.SetDefault("transport.read_buffer_size", d.Transport.ReadBufferSize)
	v.SetDefault("transport.close_timeout", d.Transport.CloseTimeout)
	v.SetDefault("transport.handshake_timeout", d.Transport.HandshakeTimeout)
	v.SetDefault("transport.no_delay", d.Transport.NoDelay)
	v.SetDefault("transport.recv_buffer", d.Transport.RecvBuffer)
	v.SetDefault("transport.send_buffer", d.Transport.SendBuffer)
	v.SetDefault("compression.enabled", d.Compression.Enabled)
	v.SetDefault("compression.level", d.Compression.Level)
	v.SetDefault("compression.server_no_context_takeover", d.Compression.ServerNoContextTakeover)
	v.SetDefault("compression.client_no_context_takeover", d.Compression.ClientNoContextTakeover)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)
}

func (cs *ConfigStore) decode() (Config, error) {
	var cfg Config
	if err := cs.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SetLogger sets the logger used to report reload failures.
func (cs *ConfigStore) SetLogger(l *zap.Logger) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.log = l
}

// Snapshot returns a copy of the current configuration.
func (cs *ConfigStore) Snapshot() Config {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.config
}

// OnReload registers a listener called with the new configuration after
// every successful reload.
func (cs *ConfigStore) OnReload(fn func(Config)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}

// Reload re-reads the config file and notifies listeners. An invalid file
// leaves the current configuration in place.
func (cs *ConfigStore) Reload() error {
	if cs.v.ConfigFileUsed() != "" {
		if err := cs.v.ReadInConfig(); err != nil {
			return fmt.Errorf("reread config: %w", err)
		}
	}
	return cs.refresh()
}

func (cs *ConfigStore) refresh() error {
	cfg, err := cs.decode()
	if err != nil {
		return err
	}
	cs.mu.Lock()
	cs.config = cfg
	listeners := append(([]func(Config))(nil), cs.listeners...)
	cs.mu.Unlock()

	for _, fn := range listeners {
		fn(cfg)
	}
	return nil
}

// Watch reloads whenever the config file changes on disk.
func (cs *ConfigStore) Watch() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.watching || cs.v.ConfigFileUsed() == "" {
		return
	}
	cs.watching = true
	cs.v.OnConfigChange(func(e fsnotify.Event) {
		cs.mu.RLock()
		log := cs.log
		cs.mu.RUnlock()
		if err := cs.refresh(); err != nil {
			log.Warn("config reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		log.Info("config reloaded", zap.String("file", e.Name))
	})
	cs.v.WatchConfig()
}
