package stream

import (
	"image"
	"time"
)

// Frame is a decoded still taken from a source.
type Frame struct {
	Image     image.Image
	Seq       uint64
	Timestamp time.Time
}

// Usable reports whether the frame holds an image with non-zero area.
func (f Frame) Usable() bool {
	return hasArea(f.Image)
}

func hasArea(img image.Image) bool {
	if img == nil {
		return false
	}
	b := img.Bounds()
	return b.Dx() > 0 && b.Dy() > 0
}

// VideoCapture is an open decode session on a device, file, or URL.
//
// Read returns the next frame. Failures wrap ErrReadNetwork when the
// session has lost its input and ErrReadDecode when a frame could not be
// decoded.
type VideoCapture interface {
	Read() (image.Image, error)
	// FPS is the native frame rate, or 0 if unknown
	FPS() float64
	Close() error
}

// Opener creates capture sessions.
type Opener interface {
	OpenDevice(index, width, height int) (VideoCapture, error)
	OpenURL(url string) (VideoCapture, error)
}
