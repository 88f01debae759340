package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/disintegration/imaging"

	"github.com/camden-git/footfallbackend/models"
)

const (
	SnapshotMargin      = 20
	SnapshotJpegQuality = 85

	annotationStroke = 2
)

// Annotation colours: green for an identity that was matched, red for one
// created in this pass.
var (
	MatchedColor = color.NRGBA{R: 0, G: 255, B: 0, A: 255}
	NewColor     = color.NRGBA{R: 255, G: 0, B: 0, A: 255}
)

// ErrCaptureSkipped is returned when the frame or the crop around the box
// has no area, typically because the frame changed size after detection.
var ErrCaptureSkipped = errors.New("capture skipped: degenerate crop geometry")

// Processor renders annotated, cropped customer snapshots.
type Processor struct {
	margin  int
	quality int
}

func NewProcessor(margin, quality int) *Processor {
	if margin < 0 {
		margin = SnapshotMargin
	}
	if quality <= 0 || quality > 100 {
		quality = SnapshotJpegQuality
	}
	return &Processor{margin: margin, quality: quality}
}

// CropRect returns the box grown by the margin and clamped to the frame.
func (p *Processor) CropRect(frame image.Rectangle, box models.BoundingBox) (image.Rectangle, error) {
	if frame.Dx() <= 0 || frame.Dy() <= 0 {
		return image.Rectangle{}, fmt.Errorf("%w: frame is %dx%d", ErrCaptureSkipped, frame.Dx(), frame.Dy())
	}
	if box.Width <= 0 || box.Height <= 0 {
		return image.Rectangle{}, fmt.Errorf("%w: box is %.1fx%.1f", ErrCaptureSkipped, box.Width, box.Height)
	}
	crop := box.Rect(p.margin).Add(frame.Min).Intersect(frame)
	if crop.Empty() {
		return image.Rectangle{}, fmt.Errorf("%w: box %v lies outside frame %v", ErrCaptureSkipped, box.Rect(0), frame)
	}
	return crop, nil
}

// RenderSnapshot draws the annotation box onto a copy of the crop around
// box and encodes it as JPEG. The source image is not modified.
func (p *Processor) RenderSnapshot(img image.Image, box models.BoundingBox, c color.Color) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: no frame", ErrCaptureSkipped)
	}
	bounds := img.Bounds()
	crop, err := p.CropRect(bounds, box)
	if err != nil {
		return nil, err
	}

	// imaging.Crop returns a fresh image anchored at 0,0
	out := imaging.Crop(img, crop)
	outline := box.Rect(0).Add(bounds.Min).Sub(crop.Min)
	strokeRect(out, outline, annotationStroke, c)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.JPEG, imaging.JPEGQuality(p.quality)); err != nil {
		return nil, fmt.Errorf("snapshot encoding failed: %w", err)
	}
	return buf.Bytes(), nil
}

// strokeRect draws the outline of r, width pixels thick and inset into r,
// clipped to dst.
func strokeRect(dst draw.Image, r image.Rectangle, width int, c color.Color) {
	if r.Dx() <= 0 || r.Dy() <= 0 || width <= 0 {
		return
	}
	width = min(width, r.Dx(), r.Dy())
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+width), // top
		image.Rect(r.Min.X, r.Max.Y-width, r.Max.X, r.Max.Y), // bottom
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+width, r.Max.Y), // left
		image.Rect(r.Max.X-width, r.Min.Y, r.Max.X, r.Max.Y), // right
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(dst.Bounds()), src, image.Point{}, draw.Src)
	}
}
