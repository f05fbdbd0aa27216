// Package fonts resolves the font names used by text steps to font files.
//
// A name is resolved in order: an existing file path is used as-is, then
// fonts registered with the client (path + family + weight + style), then the
// system font directories searched by go-findfont. Names that resolve to
// nothing are passed to ffmpeg's fontconfig lookup unchanged.
package fonts

import (
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/flopp/go-findfont"

	"github.com/matzehuels/ffcanvas/pkg/errors"
)

// Standard CSS weights.
const (
	WeightNormal = 400
	WeightBold   = 700
)

// DefaultFamily is handed to fontconfig when no font is configured.
const DefaultFamily = "Sans"

// Font describes a font file registered under a family name.
// It is also the payload of the worker init message.
type Font struct {
	Path   string `json:"path" toml:"path"`
	Family string `json:"family" toml:"family"`
	Weight int    `json:"weight,omitempty" toml:"weight"`
	Style  string `json:"style,omitempty" toml:"style"`
}

// ParseWeight parses "normal", "bold" or a numeric weight.
func ParseWeight(s string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal", "regular":
		return WeightNormal, nil
	case "bold":
		return WeightBold, nil
	}
	var w int
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errors.New(errors.ErrCodeInvalidInput, "invalid font weight: %q", s)
		}
		w = w*10 + int(r-'0')
	}
	if w < 1 || w > 1000 {
		return 0, errors.New(errors.ErrCodeInvalidInput, "font weight out of range: %d", w)
	}
	return w, nil
}

// Registry maps family names to registered font files.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	byFamily map[string][]Font
	find     func(string) (string, error)
}

// NewRegistry creates a registry holding fonts.
// Fonts whose file does not exist are rejected.
func NewRegistry(fonts ...Font) (*Registry, error) {
	r := &Registry{byFamily: make(map[string][]Font), find: findfont.Find}
	for _, f := range fonts {
		if err := r.Register(f); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a font under its family name.
func (r *Registry) Register(f Font) error {
	if err := errors.ValidatePath(f.Path); err != nil {
		return err
	}
	if f.Family == "" {
		return errors.New(errors.ErrCodeInvalidInput, "font %s has no family", f.Path)
	}
	if _, err := os.Stat(f.Path); err != nil {
		return errors.Wrap(errors.ErrCodeFileNotFound, err, "font file %s", f.Path)
	}
	if f.Weight == 0 {
		f.Weight = WeightNormal
	}
	key := strings.ToLower(f.Family)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byFamily[key] = append(r.byFamily[key], f)
	return nil
}

// Fonts returns all registered fonts sorted by family and weight.
func (r *Registry) Fonts() []Font {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Font
	for _, fs := range r.byFamily {
		out = append(out, fs...)
	}
	slices.SortFunc(out, func(a, b Font) int {
		if c := strings.Compare(a.Family, b.Family); c != 0 {
			return c
		}
		return a.Weight - b.Weight
	})
	return out
}

// Resolve returns the font file for name at the requested weight.
// ok is false when the name should be left to fontconfig.
func (r *Registry) Resolve(name string, weight int) (path string, ok bool) {
	if name == "" {
		return "", false
	}
	if st, err := os.Stat(name); err == nil && !st.IsDir() {
		return name, true
	}
	if weight == 0 {
		weight = WeightNormal
	}

	r.mu.RLock()
	candidates := r.byFamily[strings.ToLower(name)]
	r.mu.RUnlock()
	if len(candidates) > 0 {
		best := candidates[0]
		for _, c := range candidates[1:] {
			if abs(c.Weight-weight) < abs(best.Weight-weight) {
				best = c
			}
		}
		return best.Path, true
	}

	if r.find != nil {
		if p, err := r.find(name); err == nil {
			return p, true
		}
	}
	return "", false
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
