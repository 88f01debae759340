// Package capture opens video devices, files and network streams with
// OpenCV's VideoCapture.
package capture

import (
	"errors"
	"fmt"
	"image"
	"log"
	"sync"

	"gocv.io/x/gocv"

	"github.com/camden-git/footfallbackend/stream"
)

// Opener opens gocv capture sessions.
type Opener struct{}

// NewOpener returns the OpenCV backed stream opener.
func NewOpener() *Opener {
	return &Opener{}
}

// OpenDevice opens a local camera and requests the given resolution. The
// driver may negotiate a different one.
func (o *Opener) OpenDevice(index, width, height int) (stream.VideoCapture, error) {
	vc, err := gocv.OpenVideoCapture(index)
	if err != nil {
		return nil, fmt.Errorf("open device %d: %w", index, err)
	}
	if !vc.IsOpened() {
		_ = vc.Close()
		return nil, fmt.Errorf("open device %d: not available", index)
	}

	if width > 0 && height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(height))
	}
	log.Printf("capture: opened device %d at %.0fx%.0f", index,
		vc.Get(gocv.VideoCaptureFrameWidth), vc.Get(gocv.VideoCaptureFrameHeight))

	return newSession(vc), nil
}

// OpenURL opens a file path or network URL through the FFmpeg backend.
func (o *Opener) OpenURL(url string) (stream.VideoCapture, error) {
	vc, err := gocv.OpenVideoCaptureWithAPI(url, gocv.VideoCaptureFFmpeg)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", url, err)
	}
	if !vc.IsOpened() {
		_ = vc.Close()
		return nil, fmt.Errorf("open %s: backend could not open source", url)
	}
	log.Printf("capture: opened %s (%.2f fps)", url, vc.Get(gocv.VideoCaptureFPS))
	return newSession(vc), nil
}

type session struct {
	mu     sync.Mutex
	vc     *gocv.VideoCapture
	mat    gocv.Mat
	closed bool
}

func newSession(vc *gocv.VideoCapture) *session {
	return &session{vc: vc, mat: gocv.NewMat()}
}

var errClosed = errors.New("capture closed")

// Read grabs and decodes the next frame. A failed grab means the input is
// gone; a grab that yields an empty matrix is a decode failure.
func (s *session) Read() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("%w: %w", stream.ErrReadNetwork, errClosed)
	}

	if ok := s.vc.Read(&s.mat); !ok {
		return nil, fmt.Errorf("%w: no frame from backend", stream.ErrReadNetwork)
	}
	if s.mat.Empty() {
		return nil, fmt.Errorf("%w: empty frame", stream.ErrReadDecode)
	}

	img, err := s.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", stream.ErrReadDecode, err)
	}
	return img, nil
}

func (s *session) FPS() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	return s.vc.Get(gocv.VideoCaptureFPS)
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.mat.Close(); err != nil {
		log.Printf("capture: error releasing frame buffer: %v", err)
	}
	return s.vc.Close()
}
