package raster

import (
	"strconv"
	"strings"

	"github.com/gogpu/gg"

	"github.com/matzehuels/ffcanvas/pkg/errors"
)

// ParseColor converts an ffmpeg color string (#RRGGBB[AA], 0xRRGGBB[AA],
// #RGB, or a CSS/X11 name, each with an optional @alpha suffix) to a gg color.
// The empty string yields fallback.
func ParseColor(s, fallback string) (gg.RGBA, error) {
	if s == "" {
		s = fallback
	}
	if err := errors.ValidateColor(s); err != nil {
		return gg.RGBA{}, err
	}

	alpha := -1.0
	if i := strings.IndexByte(s, '@'); i >= 0 {
		a, err := strconv.ParseFloat(s[i+1:], 64)
		if err != nil {
			return gg.RGBA{}, errors.New(errors.ErrCodeInvalidColor, "invalid alpha in %q", s)
		}
		alpha = a
		s = s[:i]
	}

	var hex string
	switch {
	case strings.HasPrefix(s, "#"):
		hex = s[1:]
	case strings.HasPrefix(s, "0x"):
		hex = s[2:]
	default:
		named, ok := errors.LookupColorName(s)
		if !ok {
			return gg.RGBA{}, errors.New(errors.ErrCodeInvalidColor, "unknown color name %q", s)
		}
		c := gg.FromColor(named)
		if alpha >= 0 {
			c.A = alpha
		}
		return c, nil
	}

	c := gg.Hex(hex)
	if alpha >= 0 {
		c.A = alpha
	}
	return c, nil
}
