// Package imaging derives size-bounded JPEG variants from user-selected images.
package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"log/slog"

	"github.com/courtside/photodesk/internal/models"
	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	DefaultStartQuality = 90
	DefaultMinQuality   = 40
	DefaultQualityStep  = 10
	DefaultShrinkFactor = 0.85
	DefaultMaxAttempts  = 12

	// DefaultMaxSourcePixels caps the decoded raster at 40 megapixels.
	DefaultMaxSourcePixels = 40_000_000

	contentTypeJPEG = "image/jpeg"
)

// Options tunes the encode loop.
type Options struct {
	StartQuality int
	MinQuality   int
	QualityStep  int
	ShrinkFactor float64
	MaxAttempts  int

	// MaxSourcePixels rejects sources whose header declares more pixels.
	MaxSourcePixels int64
}

// DefaultOptions returns the encode settings used by the console.
func DefaultOptions() Options {
	return Options{
		StartQuality: DefaultStartQuality,
		MinQuality:   DefaultMinQuality,
		QualityStep:  DefaultQualityStep,
		ShrinkFactor: DefaultShrinkFactor,
		MaxAttempts:  DefaultMaxAttempts,

		MaxSourcePixels: DefaultMaxSourcePixels,
	}
}

// Deriver scales and re-encodes images. It holds no per-call state and is
// safe for concurrent use.
type Deriver struct {
	opts   Options
	logger *slog.Logger
}

// NewDeriver creates a Deriver. Zero option fields fall back to defaults.
func NewDeriver(opts Options, logger *slog.Logger) *Deriver {
	def := DefaultOptions()
	if opts.StartQuality <= 0 || opts.StartQuality > 100 {
		opts.StartQuality = def.StartQuality
	}
	if opts.MinQuality <= 0 || opts.MinQuality > opts.StartQuality {
		opts.MinQuality = min(def.MinQuality, opts.StartQuality)
	}
	if opts.QualityStep <= 0 {
		opts.QualityStep = def.QualityStep
	}
	if opts.ShrinkFactor <= 0 || opts.ShrinkFactor >= 1 {
		opts.ShrinkFactor = def.ShrinkFactor
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.MaxSourcePixels <= 0 {
		opts.MaxSourcePixels = def.MaxSourcePixels
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Deriver{opts: opts, logger: logger.With("component", "imaging")}
}

// Derive produces a variant of src that fits target. The result is at most
// target.MaxEncodedBytes unless BestEffort is set on it, in which case it is
// the smallest encoding the loop reached. Undecodable input, or input over
// the pixel limit, returns an error wrapping models.ErrDerivation.
func (d *Deriver) Derive(ctx context.Context, src models.SourceFile, target models.Target) (*models.DerivedAsset, error) {
	assets, err := d.DeriveAll(ctx, src, target)
	if err != nil {
		return nil, err
	}
	return assets[0], nil
}

// DeriveAll decodes src once and derives one variant per target, in order.
func (d *Deriver) DeriveAll(ctx context.Context, src models.SourceFile, targets ...models.Target) ([]*models.DerivedAsset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, format, err := d.decode(src)
	if err != nil {
		return nil, err
	}

	assets := make([]*models.DerivedAsset, 0, len(targets))
	for _, target := range targets {
		asset, err := d.derive(ctx, src, img, format, target)
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	return assets, nil
}

// decode reads the header first so an oversized raster is never allocated.
func (d *Deriver) decode(src models.SourceFile) (image.Image, string, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(src.Data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: decoding %s: %v", models.ErrDerivation, src.Name, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, "", fmt.Errorf("%w: %s has no pixels", models.ErrDerivation, src.Name)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > d.opts.MaxSourcePixels {
		return nil, "", fmt.Errorf("%w: %s is %dx%d, over the %d pixel limit",
			models.ErrDerivation, src.Name, cfg.Width, cfg.Height, d.opts.MaxSourcePixels)
	}

	img, format, err := image.Decode(bytes.NewReader(src.Data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: decoding %s: %v", models.ErrDerivation, src.Name, err)
	}
	if b := img.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, "", fmt.Errorf("%w: %s has no pixels", models.ErrDerivation, src.Name)
	}
	return img, format, nil
}

func (d *Deriver) derive(ctx context.Context, src models.SourceFile, img image.Image, format string, target models.Target) (*models.DerivedAsset, error) {
	bounds := img.Bounds()
	w, h := FitWithin(bounds.Dx(), bounds.Dy(), target.MaxDimension)

	// Already small enough in both senses: keep the original bytes.
	if format == "jpeg" && w == bounds.Dx() && h == bounds.Dy() && src.Size <= target.MaxEncodedBytes {
		return &models.DerivedAsset{
			Name:        src.Name,
			ContentType: contentTypeJPEG,
			Width:       w,
			Height:      h,
			Data:        src.Data,
		}, nil
	}

	var (
		best   *models.DerivedAsset
		scaled image.Image
	)
	quality := d.opts.StartQuality
	for attempt := 0; attempt < d.opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if scaled == nil || scaled.Bounds().Dx() != w || scaled.Bounds().Dy() != h {
			scaled = Scale(img, w, h)
		}
		data, err := encodeJPEG(scaled, quality)
		if err != nil {
			return nil, fmt.Errorf("%w: encoding %s: %v", models.ErrDerivation, src.Name, err)
		}

		if best == nil || len(data) < len(best.Data) {
			best = &models.DerivedAsset{
				Name:        src.Name,
				ContentType: contentTypeJPEG,
				Width:       w,
				Height:      h,
				Quality:     quality,
				Data:        data,
			}
		}
		if int64(len(data)) <= target.MaxEncodedBytes {
			return best, nil
		}

		if quality > d.opts.MinQuality {
			quality = max(quality-d.opts.QualityStep, d.opts.MinQuality)
			continue
		}

		nw, nh := int(float64(w)*d.opts.ShrinkFactor), int(float64(h)*d.opts.ShrinkFactor)
		if nw < 1 || nh < 1 || (nw == w && nh == h) {
			break
		}
		w, h = nw, nh
	}

	if best == nil {
		return nil, fmt.Errorf("%w: no encoding attempted for %s", models.ErrDerivation, src.Name)
	}
	best.BestEffort = true
	d.logger.Warn("variant over budget, keeping smallest attempt",
		"file", src.Name,
		"size", len(best.Data),
		"budget", target.MaxEncodedBytes,
		"quality", best.Quality,
		"width", best.Width,
		"height", best.Height,
	)
	return best, nil
}

// FitWithin returns w×h scaled down so neither side exceeds maxDim.
// It never scales up and never returns a side below 1.
func FitWithin(w, h, maxDim int) (int, int) {
	if maxDim <= 0 || (w <= maxDim && h <= maxDim) {
		return w, h
	}
	if w >= h {
		nh := int(float64(h) * float64(maxDim) / float64(w))
		return maxDim, max(nh, 1)
	}
	nw := int(float64(w) * float64(maxDim) / float64(h))
	return max(nw, 1), maxDim
}

// Scale resamples img to w×h on an opaque white canvas.
func Scale(img image.Image, w, h int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, xdraw.Src)
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Over, nil)
	return dst
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
