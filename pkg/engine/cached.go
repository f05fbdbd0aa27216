package engine

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/ffcanvas/pkg/cache"
	"github.com/matzehuels/ffcanvas/pkg/filtergraph"
	"github.com/matzehuels/ffcanvas/pkg/observability"
)

// DefaultProbeTTL is how long a probed duration stays cached.
const DefaultProbeTTL = 7 * 24 * time.Hour

// Cached wraps an Engine and caches probe results. Run is passed through.
type Cached struct {
	inner  Engine
	cache  cache.Cache
	keyer  cache.Keyer
	ttl    time.Duration
	logger *log.Logger
}

// NewCached wraps inner. A nil cache disables caching; a nil keyer uses
// cache.DefaultKeyer.
func NewCached(inner Engine, c cache.Cache, keyer cache.Keyer, ttl time.Duration, logger *log.Logger) *Cached {
	if c == nil {
		c = cache.NewNullCache()
	}
	if keyer == nil {
		keyer = cache.NewDefaultKeyer()
	}
	if ttl == 0 {
		ttl = DefaultProbeTTL
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Cached{inner: inner, cache: c, keyer: keyer, ttl: ttl, logger: logger}
}

// Run implements Engine.
func (c *Cached) Run(ctx context.Context, prog *filtergraph.Program, output string) error {
	return c.inner.Run(ctx, prog, output)
}

// Probe implements Engine. The key covers the file's size and modification
// time, so an edited source is probed again.
func (c *Cached) Probe(ctx context.Context, path string) (time.Duration, error) {
	st, err := os.Stat(path)
	if err != nil {
		// Let the engine report the missing file in its own words.
		return c.inner.Probe(ctx, path)
	}
	key := c.keyer.ProbeKey(path, st.Size(), st.ModTime())

	if data, ok, err := c.cache.Get(ctx, key); err != nil {
		c.logger.Debug("probe cache read failed", "path", path, "err", err)
	} else if ok {
		if ns, err := strconv.ParseInt(string(data), 10, 64); err == nil {
			observability.Cache().OnCacheHit(ctx, "probe")
			return time.Duration(ns), nil
		}
	}
	observability.Cache().OnCacheMiss(ctx, "probe")

	d, err := c.inner.Probe(ctx, path)
	if err != nil {
		return 0, err
	}
	data := []byte(strconv.FormatInt(int64(d), 10))
	if err := c.cache.Set(ctx, key, data, c.ttl); err != nil {
		c.logger.Debug("probe cache write failed", "path", path, "err", err)
	} else {
		observability.Cache().OnCacheSet(ctx, "probe", len(data))
	}
	return d, nil
}

var _ Engine = (*Cached)(nil)
