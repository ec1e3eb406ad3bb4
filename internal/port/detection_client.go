package port

import (
	"context"
	"errors"

	"github.com/mkharitonov/toolcrib/internal/core/domain"
)

var (
	// ErrDetectorUnavailable means the vision service could not be
	// reached or answered with a server error. Retryable.
	ErrDetectorUnavailable = errors.New("detection service unavailable")

	// ErrDetectorTimeout means the call exceeded its deadline. Retryable.
	ErrDetectorTimeout = errors.New("detection service timeout")

	// ErrMalformedImage means the submitted image is not decodable.
	// Client error, not retryable with the same payload.
	ErrMalformedImage = errors.New("malformed image")
)

type DetectionClient interface {
	// Detect runs the vision model over the image and returns the
	// candidates at or above the confidence threshold. The call is
	// bounded by an internal timeout regardless of ctx.
	Detect(ctx context.Context, image []byte, threshold float64) (*domain.DetectionResult, error)
}
