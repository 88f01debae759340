package stream

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"time"

	"github.com/camden-git/footfallbackend/timeutil"
)

const defaultFilePace = time.Second / 30

// sink receives the output of a running session.
type sink interface {
	publish(img image.Image)
	degrade(err error)
}

// session is one established connection to a source. run blocks until ctx
// is cancelled (returning nil) or the session fails terminally.
type session interface {
	run(ctx context.Context, out sink) error
}

// retryPolicy bounds recovery attempts per failure class. Counters reset
// after every good frame.
type retryPolicy struct {
	// reloads allowed for network-class failures (close and reopen)
	reloads int
	// recoveries allowed for decode-class failures (read again)
	recoveries int
}

// videoSession reads frames from a VideoCapture until cancelled.
type videoSession struct {
	name   string
	open   func(ctx context.Context) (VideoCapture, error)
	policy retryPolicy
	// pace throttles reads to the capture's frame rate, for files
	pace  bool
	clock timeutil.Clock
	// openKind classifies a failure of the very first open
	openKind ErrorKind
}

func (s *videoSession) run(ctx context.Context, out sink) error {
	reloads, recoveries := 0, 0

	capture, err := s.open(ctx)
	if err != nil {
		capture, err = s.reopen(ctx, out, err, &reloads, "open")
		if capture == nil {
			return err
		}
	}
	defer func() {
		if capture != nil {
			if err := capture.Close(); err != nil {
				log.Printf("stream(%s): error closing capture: %v", s.name, err)
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		img, err := capture.Read()
		if err == nil && !hasArea(img) {
			err = fmt.Errorf("%w: %w", ErrReadDecode, ErrFrameEmpty)
		}
		if err == nil {
			reloads, recoveries = 0, 0
			out.publish(img)
			if s.pace {
				select {
				case <-ctx.Done():
					return nil
				case <-s.clock.After(frameInterval(capture.FPS())):
				}
			}
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		if errors.Is(err, ErrReadDecode) {
			recoveries++
			if recoveries > s.policy.recoveries {
				return newError(StreamFatal, "read", fmt.Errorf("decode failed after %d recovery attempt(s): %w", s.policy.recoveries, err))
			}
			log.Printf("stream(%s): decode error, recovering (%d/%d): %v", s.name, recoveries, s.policy.recoveries, err)
			out.degrade(err)
			continue
		}

		// anything else is treated as lost input
		if cerr := capture.Close(); cerr != nil {
			log.Printf("stream(%s): error closing capture before reload: %v", s.name, cerr)
		}
		capture, err = s.reopen(ctx, out, err, &reloads, "read")
		if capture == nil {
			return err
		}
	}
}

// reopen retries s.open while the reload budget lasts. A nil capture with
// a nil error means ctx was cancelled.
func (s *videoSession) reopen(ctx context.Context, out sink, cause error, reloads *int, op string) (VideoCapture, error) {
	for {
		if ctx.Err() != nil {
			return nil, nil
		}
		if kind, ok := KindOf(cause); ok && kind != StreamFatal {
			return nil, cause
		}
		if *reloads >= s.policy.reloads {
			if s.policy.reloads == 0 {
				if _, ok := KindOf(cause); ok {
					return nil, cause
				}
				return nil, newError(s.failKind(op), op, cause)
			}
			return nil, newError(StreamFatal, op, fmt.Errorf("input lost after %d reload(s): %w", *reloads, cause))
		}

		*reloads++
		log.Printf("stream(%s): network error, reloading (%d/%d): %v", s.name, *reloads, s.policy.reloads, cause)
		out.degrade(cause)

		capture, err := s.open(ctx)
		if err == nil {
			return capture, nil
		}
		cause = err
	}
}

func (s *videoSession) failKind(op string) ErrorKind {
	if op == "open" {
		return s.openKind
	}
	return StreamFatal
}

func frameInterval(fps float64) time.Duration {
	if fps <= 0 || fps > 240 {
		return defaultFilePace
	}
	return time.Duration(float64(time.Second) / fps)
}
