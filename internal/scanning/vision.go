package scanning

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/api/option"
	vision "google.golang.org/api/vision/v1"
)

const documentTextDetection = "DOCUMENT_TEXT_DETECTION"

// Vision implements the Scanner interface using Google Cloud Vision
type Vision struct {
	service *vision.Service
}

// NewVision creates a new Vision Scanner instance. Callers supply
// credentials through opts (API key or service account file).
func NewVision(ctx context.Context, opts ...option.ClientOption) (*Vision, error) {
	service, err := vision.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating vision client: %w", err)
	}
	return &Vision{service: service}, nil
}

// ExtractText sends one image for document text detection and returns the
// full text annotation
func (v *Vision) ExtractText(ctx context.Context, imageData []byte, contentType string) (string, error) {
	finalImageData, mimeType, converted, err := prepareImageData(imageData, contentType)
	if err != nil {
		return "", err
	}
	if converted {
		slog.Debug("Converted image for OCR", "from", contentType, "to", mimeType, "size", len(finalImageData))
	}

	req := &vision.BatchAnnotateImagesRequest{
		Requests: []*vision.AnnotateImageRequest{
			{
				Image:    &vision.Image{Content: base64.StdEncoding.EncodeToString(finalImageData)},
				Features: []*vision.Feature{{Type: documentTextDetection}},
			},
		},
	}

	resp, err := v.service.Images.Annotate(req).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("calling vision API: %w", err)
	}

	return fullText(resp)
}

// fullText pulls the full text annotation out of a batch response
func fullText(resp *vision.BatchAnnotateImagesResponse) (string, error) {
	if resp == nil || len(resp.Responses) == 0 || resp.Responses[0] == nil {
		return "", ErrNoText
	}

	annotated := resp.Responses[0]
	if annotated.Error != nil && annotated.Error.Message != "" {
		return "", fmt.Errorf("vision API error (code %d): %s", annotated.Error.Code, annotated.Error.Message)
	}
	if annotated.FullTextAnnotation == nil {
		return "", ErrNoText
	}

	text := strings.TrimSpace(annotated.FullTextAnnotation.Text)
	if text == "" {
		return "", ErrNoText
	}
	return text, nil
}

// Close is a no-op; the vision service holds no long-lived connections
func (v *Vision) Close() error {
	return nil
}
