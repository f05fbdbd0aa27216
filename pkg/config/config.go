// Package config loads ffcanvas settings from a TOML file.
//
// Every field is optional; zero values are replaced by the defaults of the
// package that consumes them. A minimal file:
//
//	pool_size = 4
//	default_font = "Inter"
//	render_timeout = "2m"
//
//	[[fonts]]
//	path = "/usr/share/fonts/Inter-Bold.ttf"
//	family = "Inter"
//	weight = 700
//
//	[cache]
//	backend = "redis"
//	redis_addr = "localhost:6379"
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"

	"github.com/matzehuels/ffcanvas/pkg/cache"
	"github.com/matzehuels/ffcanvas/pkg/engine"
	"github.com/matzehuels/ffcanvas/pkg/errors"
	"github.com/matzehuels/ffcanvas/pkg/fonts"
	"github.com/matzehuels/ffcanvas/pkg/pipeline"
	"github.com/matzehuels/ffcanvas/pkg/workerpool"
)

// EnvPath overrides the default config file location.
const EnvPath = "FFCANVAS_CONFIG"

// DefaultAddr is the listen address of the HTTP server.
const DefaultAddr = ":8080"

// DefaultMaxBodyBytes bounds scene uploads to the HTTP server.
const DefaultMaxBodyBytes = 1 << 20

// Config is the decoded configuration file.
type Config struct {
	PoolSize      int           `toml:"pool_size"`
	TempDir       string        `toml:"temp_dir"`
	FFmpeg        string        `toml:"ffmpeg"`
	FFprobe       string        `toml:"ffprobe"`
	TaskTimeout   time.Duration `toml:"task_timeout"`
	StartTimeout  time.Duration `toml:"start_timeout"`
	RenderTimeout time.Duration `toml:"render_timeout"`
	DefaultFont   string        `toml:"default_font"`

	Fonts  []fonts.Font `toml:"fonts"`
	Cache  Cache        `toml:"cache"`
	Server Server       `toml:"server"`
}

// Cache configures the probe cache. Prefix scopes keys so deployments can
// share one redis database.
type Cache struct {
	Backend       string        `toml:"backend"` // file, redis or none
	Dir           string        `toml:"dir"`
	RedisAddr     string        `toml:"redis_addr"`
	RedisPassword string        `toml:"redis_password"`
	RedisDB       int           `toml:"redis_db"`
	Prefix        string        `toml:"prefix"`
	TTL           time.Duration `toml:"ttl"`
}

// Server configures `ffcanvas serve`.
type Server struct {
	Addr         string `toml:"addr"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// DefaultPath returns the config file location: $FFCANVAS_CONFIG, or
// config.toml in the user config directory.
func DefaultPath() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "ffcanvas", "config.toml")
}

// Load reads path. An empty path reads DefaultPath when that file exists
// and otherwise returns the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, err, "read config %s", path)
	}
	c, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes TOML text, applies defaults and validates the result.
func Parse(data string) (*Config, error) {
	var c Config
	meta, err := toml.Decode(data, &c)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, err, "decode config")
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, errors.New(errors.ErrCodeInvalidConfig, "unknown config keys: %s", strings.Join(keys, ", "))
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// SetDefaults fills in zero-valued fields.
func (c *Config) SetDefaults() {
	if c.PoolSize == 0 {
		c.PoolSize = workerpool.DefaultSize
	}
	if c.TempDir == "" {
		c.TempDir = pipeline.DefaultTempDir()
	}
	if c.TaskTimeout == 0 {
		c.TaskTimeout = workerpool.DefaultTaskTimeout
	}
	if c.StartTimeout == 0 {
		c.StartTimeout = workerpool.DefaultStartTimeout
	}
	if c.RenderTimeout == 0 {
		c.RenderTimeout = pipeline.DefaultRenderTimeout
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = cache.BackendFile
	}
	if c.Cache.Dir == "" {
		if dir, err := cache.DefaultDir(); err == nil {
			c.Cache.Dir = dir
		}
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = engine.DefaultProbeTTL
	}
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = DefaultMaxBodyBytes
	}
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	if c.PoolSize < 1 {
		return errors.New(errors.ErrCodeInvalidConfig, "pool_size must be at least 1, got %d", c.PoolSize)
	}
	for name, d := range map[string]time.Duration{
		"task_timeout":   c.TaskTimeout,
		"start_timeout":  c.StartTimeout,
		"render_timeout": c.RenderTimeout,
		"cache.ttl":      c.Cache.TTL,
	} {
		if d < 0 {
			return errors.New(errors.ErrCodeInvalidConfig, "%s must not be negative", name)
		}
	}
	switch c.Cache.Backend {
	case cache.BackendFile, cache.BackendNone:
	case cache.BackendRedis:
		if c.Cache.RedisAddr == "" {
			return errors.New(errors.ErrCodeInvalidConfig, "cache.redis_addr is required for the redis backend")
		}
	default:
		return errors.New(errors.ErrCodeInvalidConfig, "unknown cache.backend %q (must be one of: file, redis, none)", c.Cache.Backend)
	}
	for i, f := range c.Fonts {
		if f.Path == "" || f.Family == "" {
			return errors.New(errors.ErrCodeInvalidConfig, "fonts[%d]: path and family are required", i)
		}
	}
	if c.Server.MaxBodyBytes < 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "server.max_body_bytes must not be negative")
	}
	return nil
}

// FontRegistry builds a registry from the configured fonts.
func (c *Config) FontRegistry() (*fonts.Registry, error) {
	return fonts.NewRegistry(c.Fonts...)
}

// PoolConfig returns the worker pool settings.
func (c *Config) PoolConfig(logger *log.Logger) workerpool.Config {
	return workerpool.Config{
		Size:         c.PoolSize,
		Fonts:        c.Fonts,
		StartTimeout: c.StartTimeout,
		TaskTimeout:  c.TaskTimeout,
		Logger:       logger,
	}
}

// EngineOptions returns the ffmpeg settings.
func (c *Config) EngineOptions(logger *log.Logger) engine.Options {
	return engine.Options{FFmpeg: c.FFmpeg, FFprobe: c.FFprobe, Logger: logger}
}

// OpenCache opens the configured probe cache.
func (c *Config) OpenCache(ctx context.Context) (cache.Cache, error) {
	if c.Cache.Backend == cache.BackendRedis {
		rc, err := cache.NewRedisCache(ctx, cache.RedisOptions{
			Addr:     c.Cache.RedisAddr,
			Password: c.Cache.RedisPassword,
			DB:       c.Cache.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		return rc, nil
	}
	return cache.Open(ctx, c.Cache.Backend, c.Cache.Dir, "")
}

// Engine wraps a new ffmpeg engine with the probe cache.
func (c *Config) Engine(store cache.Cache, logger *log.Logger) engine.Engine {
	return engine.NewCached(engine.New(c.EngineOptions(logger)), store, c.Keyer(), c.Cache.TTL, logger)
}

// Keyer returns the probe cache keyer, scoped by cache.prefix when set.
func (c *Config) Keyer() cache.Keyer {
	if c.Cache.Prefix == "" {
		return cache.NewDefaultKeyer()
	}
	return cache.NewScopedKeyer(cache.NewDefaultKeyer(), c.Cache.Prefix)
}
