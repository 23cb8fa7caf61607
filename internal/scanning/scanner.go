package scanning

import (
	"context"
	"errors"
)

// ErrNoText is returned when the OCR service finds no full-text annotation
// in an image.
var ErrNoText = errors.New("no text detected in image")

// Scanner extracts raw text from receipt images
type Scanner interface {
	// ExtractText runs OCR over one image and returns the full recognized text
	ExtractText(ctx context.Context, imageData []byte, contentType string) (string, error)
	// Close closes the scanner and releases resources
	Close() error
}
