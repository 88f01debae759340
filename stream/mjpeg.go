package stream

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/camden-git/footfallbackend/timeutil"
)

const maxStillBytes = 16 << 20

// mjpegSession polls a motion-JPEG endpoint on a fixed interval. A failed
// poll marks the frame not ready but never ends the session.
type mjpegSession struct {
	name     string
	url      string
	client   *http.Client
	clock    timeutil.Clock
	interval time.Duration
}

func (s *mjpegSession) run(ctx context.Context, out sink) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	failures := 0
	for {
		img, err := s.poll(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			failures++
			// log the first failure of a run, then every 50th
			if failures == 1 || failures%50 == 0 {
				log.Printf("stream(%s): poll failed (%d in a row): %v", s.name, failures, err)
			}
			out.degrade(err)
		} else {
			if failures > 0 {
				log.Printf("stream(%s): poll recovered after %d failure(s)", s.name, failures)
			}
			failures = 0
			out.publish(img)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
	}
}

// poll fetches one still: either a single image body or the first part of
// a multipart/x-mixed-replace stream.
func (s *mjpegSession) poll(ctx context.Context) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: upstream returned %s", ErrReadNetwork, resp.Status)
	}

	body := io.Reader(io.LimitReader(resp.Body, maxStillBytes))
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err == nil && strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("%w: multipart response without boundary", ErrReadDecode)
		}
		part, err := multipart.NewReader(body, strings.TrimPrefix(boundary, "--")).NextPart()
		if err != nil {
			return nil, fmt.Errorf("%w: read first part: %w", ErrReadDecode, err)
		}
		defer part.Close()
		body = part
	}

	img, _, err := image.Decode(body)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated image: %w", ErrReadNetwork, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrReadDecode, err)
	}
	if !hasArea(img) {
		return nil, ErrFrameEmpty
	}
	return img, nil
}
