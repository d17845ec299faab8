package derivative

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/avif"
	"github.com/gen2brain/webp"

	// Source decode support beyond imaging's built-ins.
	_ "golang.org/x/image/webp"

	"github.com/filebarn/filebarn/internal/drive"
)

// Crop anchors for cover fit.
var anchors = map[string]imaging.Anchor{
	"center":      imaging.Center,
	"top":         imaging.Top,
	"bottom":      imaging.Bottom,
	"left":        imaging.Left,
	"right":       imaging.Right,
	"topleft":     imaging.TopLeft,
	"topright":    imaging.TopRight,
	"bottomleft":  imaging.BottomLeft,
	"bottomright": imaging.BottomRight,
}

// transform applies the resolved dimensions and fit to the decoded source.
func transform(src image.Image, s *Settings) image.Image {
	if s.Width <= 0 {
		return src
	}

	switch s.Fit {
	case "contain":
		return imaging.Fit(src, s.Width, s.Height, imaging.Lanczos)
	case "stretch":
		return imaging.Resize(src, s.Width, s.Height, imaging.Lanczos)
	default: // cover
		return imaging.Fill(src, s.Width, s.Height, anchors[s.Position], imaging.Lanczos)
	}
}

// encode writes the transformed image in the target format. Effort maps to
// each encoder's own speed/effort axis.
func encode(w io.Writer, img image.Image, s *Settings) error {
	switch s.Format {
	case "jpeg":
		return jpeg.Encode(w, img, &jpeg.Options{Quality: s.Quality})
	case "png":
		enc := png.Encoder{CompressionLevel: png.DefaultCompression}
		if s.Effort >= 4 {
			enc.CompressionLevel = png.BestCompression
		}

		return enc.Encode(w, img)
	case "webp":
		return webp.Encode(w, img, webp.Options{Quality: s.Quality, Method: s.Effort})
	case "avif":
		// avif speed runs 0 (slowest) to 10; invert effort onto it.
		speed := 10 - s.Effort
		if speed < 0 {
			speed = 0
		}

		return avif.Encode(w, img, avif.Options{Quality: s.Quality, Speed: speed})
	default:
		return fmt.Errorf("%w: cannot encode format %q", drive.ErrValidation, s.Format)
	}
}
