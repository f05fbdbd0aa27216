package errors

import (
	"image/color"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/image/colornames"
)

// ValidateDimensions checks that a canvas or layer size is usable by both the
// rasterizer and ffmpeg's scale filter.
func ValidateDimensions(width, height int) error {
	if width <= 0 || height <= 0 {
		return New(ErrCodeInvalidInput, "dimensions must be positive, got %dx%d", width, height)
	}
	const maxSide = 16384
	if width > maxSide || height > maxSide {
		return New(ErrCodeInvalidInput, "dimensions too large (max %d), got %dx%d", maxSide, width, height)
	}
	return nil
}

// alphaSuffix matches the optional @alpha suffix ffmpeg allows after any
// color, in the range [0, 1].
const alphaSuffix = `(@(0(\.[0-9]+)?|1(\.0+)?|\.[0-9]+))?`

// namedColorRegex matches ffmpeg color names such as "red" or "DarkSlateGray",
// optionally followed by an @alpha suffix.
var namedColorRegex = regexp.MustCompile(`^([A-Za-z]+)` + alphaSuffix + `$`)

// hexColorRegex matches #RGB, #RRGGBB and #RRGGBBAA, and the 0x prefixed
// spelling ffmpeg also accepts, each optionally followed by @alpha.
var hexColorRegex = regexp.MustCompile(`^(#|0x)([0-9A-Fa-f]{3}|[0-9A-Fa-f]{6}|[0-9A-Fa-f]{8})` + alphaSuffix + `$`)

// LookupColorName resolves a CSS/X11 color name case-insensitively. It is the
// single name table for both the validator and the raster worker.
func LookupColorName(name string) (color.RGBA, bool) {
	name = strings.ToLower(name)
	if name == "transparent" {
		return color.RGBA{}, true
	}
	c, ok := colornames.Map[name]
	return c, ok
}

// ValidateColor validates a color string accepted by both the drawtext/drawbox
// filters and the raster worker.
// An empty color is valid; callers substitute their default.
func ValidateColor(c string) error {
	if c == "" {
		return nil
	}
	if hexColorRegex.MatchString(c) {
		return nil
	}
	if m := namedColorRegex.FindStringSubmatch(c); m != nil {
		if _, ok := LookupColorName(m[1]); ok {
			return nil
		}
		return New(ErrCodeInvalidColor, "unknown color name %q", m[1])
	}
	return New(ErrCodeInvalidColor, "invalid color: %q", c)
}

// ValidatePath validates a media or font path referenced by a step.
//
// Validation rules:
//   - Path cannot be empty
//   - Maximum length of 4096 characters
//   - No null bytes or control characters
func ValidatePath(path string) error {
	if path == "" {
		return New(ErrCodeInvalidPath, "path cannot be empty")
	}

	const maxPathLength = 4096
	if len(path) > maxPathLength {
		return New(ErrCodeInvalidPath, "path too long (max %d characters)", maxPathLength)
	}

	for _, r := range path {
		if r == '\x00' || unicode.IsControl(r) {
			return New(ErrCodeInvalidPath, "path contains invalid characters")
		}
	}
	return nil
}

// ValidateWorkspacePath checks that a path produced for the raster worker
// stays inside the scratch workspace directory.
func ValidateWorkspacePath(workspace, path string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if strings.Contains(path, "..") {
		return New(ErrCodeInvalidPath, "path cannot contain path traversal sequences (..)")
	}
	rel, err := filepath.Rel(filepath.Clean(workspace), filepath.Clean(path))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return New(ErrCodeInvalidPath, "path %q is outside workspace %q", path, workspace)
	}
	return nil
}
