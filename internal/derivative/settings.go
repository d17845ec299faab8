// Package derivative implements the on-demand image transformation cache:
// request parameters resolve to a deterministic settings tuple, the tuple to
// a cache key, and the key to an immutable artifact under the derivatives
// root. Cache misses transform the provider's source stream and write the
// artifact best-effort while the response streams.
package derivative

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/filebarn/filebarn/internal/drive"
)

// Params are the raw transformation parameters from a serve request.
// All fields are optional; empty values resolve to defaults.
type Params struct {
	Format   string // jpeg | png | webp | avif
	Quality  string // preset name or explicit 1-100
	Display  string // display-context name
	Size     string // named size preset
	Fit      string // cover | contain | stretch
	Position string // crop anchor for cover fit
}

// Settings is the fully resolved, deterministic transformation tuple.
// Equal Settings always produce byte-identical output.
type Settings struct {
	Quality  int
	Effort   int
	Width    int // 0 = keep original dimensions
	Height   int
	Fit      string
	Position string
	Format   string
}

const defaultQuality = 80

// Named quality presets.
var qualityPresets = map[string]int{
	"low":    30,
	"medium": 50,
	"high":   75,
}

// Display-context multipliers applied to the base quality. Smaller display
// surfaces tolerate heavier compression.
var displayFactors = map[string]float64{
	"thumbnail": 0.70,
	"grid":      0.75,
	"gallery":   0.80,
	"preview":   0.85,
	"lightbox":  0.90,
	"hero":      0.95,
}

// sizePreset is a fixed width/height pair. Only named presets are served;
// arbitrary dimensions are rejected to bound resource use.
type sizePreset struct {
	width, height int
}

var sizePresets = map[string]sizePreset{
	"xs": {64, 64},
	"sm": {128, 128},
	"md": {320, 240},
	"lg": {640, 480},
	"xl": {1280, 960},
}

// qualityTier caps quality and raises compression effort for large sources,
// so large originals never produce disproportionately large derivatives.
type qualityTier struct {
	minSourceKB int64
	maxQuality  int
	effort      int
}

// Ordered largest first; the first matching tier applies.
var qualityTiers = []qualityTier{
	{500, 50, 6},
	{300, 55, 5},
	{150, 60, 4},
	{90, 65, 3},
	{50, 70, 2},
}

const defaultEffort = 1

var validFormats = map[string]bool{
	"jpeg": true,
	"png":  true,
	"webp": true,
	"avif": true,
}

var validFits = map[string]bool{
	"cover":   true,
	"contain": true,
	"stretch": true,
}

// Resolve turns raw request parameters and the source size into the
// deterministic settings tuple.
func Resolve(p Params, sourceSizeBytes int64) (*Settings, error) {
	format := p.Format
	if format == "" {
		format = "jpeg"
	}

	if !validFormats[format] {
		return nil, drive.Validationf("unknown format %q", p.Format)
	}

	quality, err := resolveQuality(p.Quality)
	if err != nil {
		return nil, err
	}

	if p.Display != "" {
		factor, ok := displayFactors[p.Display]
		if !ok {
			return nil, drive.Validationf("unknown display context %q", p.Display)
		}

		quality = int(float64(quality)*factor + 0.5)
	}

	effort := defaultEffort

	sourceKB := sourceSizeBytes / 1024
	for _, tier := range qualityTiers {
		if sourceKB > tier.minSourceKB {
			if quality > tier.maxQuality {
				quality = tier.maxQuality
			}

			effort = tier.effort

			break
		}
	}

	s := &Settings{
		Quality:  clampQuality(quality),
		Effort:   effort,
		Fit:      "cover",
		Position: "center",
		Format:   format,
	}

	if p.Size != "" {
		preset, ok := sizePresets[p.Size]
		if !ok {
			return nil, drive.Validationf("unknown size preset %q", p.Size)
		}

		s.Width = preset.width
		s.Height = preset.height
	}

	if p.Fit != "" {
		if !validFits[p.Fit] {
			return nil, drive.Validationf("unknown fit %q", p.Fit)
		}

		s.Fit = p.Fit
	}

	if p.Position != "" {
		if _, ok := anchors[p.Position]; !ok {
			return nil, drive.Validationf("unknown position %q", p.Position)
		}

		s.Position = p.Position
	}

	return s, nil
}

func resolveQuality(q string) (int, error) {
	if q == "" {
		return defaultQuality, nil
	}

	if preset, ok := qualityPresets[q]; ok {
		return preset, nil
	}

	n, err := strconv.Atoi(q)
	if err != nil {
		return 0, drive.Validationf("unknown quality %q", q)
	}

	return clampQuality(n), nil
}

func clampQuality(q int) int {
	if q < 1 {
		return 1
	}

	if q > 100 {
		return 100
	}

	return q
}

// CacheKey is the ordered concatenation of every resolved setting. Two
// requests resolving to the same key are guaranteed byte-identical output.
func (s *Settings) CacheKey() string {
	dims := "orig"
	if s.Width > 0 {
		dims = fmt.Sprintf("%dx%d", s.Width, s.Height)
	}

	return strings.Join([]string{
		"q" + strconv.Itoa(s.Quality),
		"e" + strconv.Itoa(s.Effort),
		dims,
		s.Fit,
		s.Position,
		s.Format,
	}, "_")
}

// Mime returns the content type of the encoded output.
func (s *Settings) Mime() string {
	return "image/" + s.Format
}
