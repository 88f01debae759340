// Package detector runs object detection on frames with an OpenCV DNN
// SSD-MobileNet model trained on COCO.
package detector

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"gocv.io/x/gocv"

	"github.com/camden-git/footfallbackend/models"
)

// ErrNotReady is returned by Detect when no model is loaded.
var ErrNotReady = errors.New("detector not ready")

// SSDDetector wraps a gocv DNN net. Nets are not safe for concurrent use,
// so every Detect call holds the mutex.
type SSDDetector struct {
	mu      sync.Mutex
	net     gocv.Net
	enabled atomic.Bool
	labels  []string

	// configuration parameters used during detection
	InputSizeW    int
	InputSizeH    int
	ScaleFactor   float64
	MeanVal       gocv.Scalar
	SwapRB        bool
	ConfThreshold float32
}

// NewSSDDetector loads the model. A missing path or a model that fails to
// load yields a detector that reports not ready instead of an error, so
// the HTTP API can still come up.
func NewSSDDetector(modelPath, configPath, labelsPath string) *SSDDetector {
	d := &SSDDetector{
		labels:        cocoLabels,
		InputSizeW:    300,
		InputSizeH:    300,
		ScaleFactor:   1.0 / 127.5,
		MeanVal:       gocv.NewScalar(127.5, 127.5, 127.5, 0),
		SwapRB:        true,
		ConfThreshold: 0.3,
	}

	if labelsPath != "" {
		labels, err := loadLabels(labelsPath)
		if err != nil {
			log.Printf("detection(ssd): %v, using built-in COCO labels", err)
		} else {
			d.labels = labels
		}
	}

	if modelPath == "" {
		log.Println("detection(ssd): model path is empty, detector disabled")
		return d
	}

	net := gocv.ReadNet(modelPath, configPath)
	if net.Empty() {
		log.Printf("detection(ssd): ERROR loading network model: model=%s, config=%s", modelPath, configPath)
		return d
	}
	log.Printf("detection(ssd): loaded model %s (%d labels)", modelPath, len(d.labels))

	cudaBackendErr := net.SetPreferableBackend(gocv.NetBackendCUDA)
	cudaTargetErr := net.SetPreferableTarget(gocv.NetTargetCUDA)
	if cudaBackendErr == nil && cudaTargetErr == nil {
		log.Println("detection(ssd): Set backend/target to CUDA")
	} else {
		log.Printf("detection(ssd): CUDA not available (backend=%v, target=%v), using CPU", cudaBackendErr, cudaTargetErr)
		net.SetPreferableBackend(gocv.NetBackendDefault)
		net.SetPreferableTarget(gocv.NetTargetCPU)
	}

	d.net = net
	d.enabled.Store(true)
	return d
}

// Ready reports whether a model is loaded.
func (d *SSDDetector) Ready() bool {
	return d != nil && d.enabled.Load()
}

func (d *SSDDetector) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enabled.Swap(false) {
		d.net.Close()
		log.Println("detection(ssd): closed network")
	}
}

// Detect runs one forward pass and returns every detection above the
// detector's own confidence floor, in frame pixel coordinates.
func (d *SSDDetector) Detect(ctx context.Context, img image.Image) ([]models.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if img == nil || img.Bounds().Empty() {
		return nil, errors.New("detection(ssd): empty frame")
	}

	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	defer mat.Close()

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.enabled.Load() {
		return nil, ErrNotReady
	}

	blob := gocv.BlobFromImage(mat, d.ScaleFactor, image.Pt(d.InputSizeW, d.InputSizeH), d.MeanVal, d.SwapRB, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()

	return d.parse(out, mat.Cols(), mat.Rows())
}

// parse reads an SSD output tensor of shape [1, 1, N, 7] where each row is
// [image_id, class_id, confidence, x_min, y_min, x_max, y_max] with
// coordinates normalised to the frame.
func (d *SSDDetector) parse(out gocv.Mat, cols, rows int) ([]models.Detection, error) {
	sizes := out.Size()
	if len(sizes) != 4 || sizes[3] != 7 {
		return nil, fmt.Errorf("detection(ssd): unexpected output dimensions %v", sizes)
	}
	numDetections := sizes[2]
	if numDetections == 0 {
		return nil, nil
	}

	// 2D [N, 7] view for GetFloatAt(row, col)
	flat := out.Reshape(1, numDetections)
	defer flat.Close()

	width, height := float32(cols), float32(rows)
	var results []models.Detection
	for i := 0; i < numDetections; i++ {
		confidence := flat.GetFloatAt(i, 2)
		if confidence < d.ConfThreshold {
			continue
		}

		xMin := max(0, flat.GetFloatAt(i, 3)*width)
		yMin := max(0, flat.GetFloatAt(i, 4)*height)
		xMax := min(width, flat.GetFloatAt(i, 5)*width)
		yMax := min(height, flat.GetFloatAt(i, 6)*height)
		if xMax <= xMin || yMax <= yMin {
			continue
		}

		results = append(results, models.Detection{
			Class: d.label(int(flat.GetFloatAt(i, 1))),
			Score: float64(confidence),
			Box: models.BoundingBox{
				X:      float64(xMin),
				Y:      float64(yMin),
				Width:  float64(xMax - xMin),
				Height: float64(yMax - yMin),
			},
		})
	}
	return results, nil
}

func (d *SSDDetector) label(classID int) string {
	if classID >= 0 && classID < len(d.labels) && d.labels[classID] != "" {
		return d.labels[classID]
	}
	return fmt.Sprintf("class_%d", classID)
}

// loadLabels reads one label per line; line n names class id n.
func loadLabels(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read class names: %w", err)
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("class names file %s is empty", path)
	}
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return lines, nil
}
