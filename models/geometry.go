package models

import (
	"encoding/json"
	"fmt"
	"image"
	"math"
)

// Point is a 2-D position in frame pixel coordinates.
// It marshals as a [x, y] pair.
type Point struct {
	X float64
	Y float64
}

// Distance returns the Euclidean distance between p and q.
func (p Point) Distance(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.X, p.Y})
}

func (p *Point) UnmarshalJSON(data []byte) error {
	var pair [2]float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("point must be a [x, y] pair: %w", err)
	}
	p.X, p.Y = pair[0], pair[1]
	return nil
}

// BoundingBox is an axis-aligned box given by its top-left corner and size.
// It marshals as a [x, y, width, height] tuple.
type BoundingBox struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// Centroid returns the geometric center of the box.
func (b BoundingBox) Centroid() Point {
	return Point{X: b.X + b.Width/2, Y: b.Y + b.Height/2}
}

// Rect converts the box to an integer image.Rectangle, expanded by margin
// pixels on every side. The result is not clamped.
func (b BoundingBox) Rect(margin int) image.Rectangle {
	x0 := int(math.Floor(b.X)) - margin
	y0 := int(math.Floor(b.Y)) - margin
	x1 := int(math.Ceil(b.X+b.Width)) + margin
	y1 := int(math.Ceil(b.Y+b.Height)) + margin
	return image.Rect(x0, y0, x1, y1)
}

func (b BoundingBox) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]float64{b.X, b.Y, b.Width, b.Height})
}

func (b *BoundingBox) UnmarshalJSON(data []byte) error {
	var box [4]float64
	if err := json.Unmarshal(data, &box); err != nil {
		return fmt.Errorf("bounding box must be a [x, y, width, height] tuple: %w", err)
	}
	b.X, b.Y, b.Width, b.Height = box[0], box[1], box[2], box[3]
	return nil
}
