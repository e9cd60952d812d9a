package ocr

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"runtime"
	"strings"

	"github.com/gen2brain/go-fitz"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Rasterizer turns uploaded receipt files into text and page images.
// Rasterization is CPU bound, so concurrent calls share a weighted
// semaphore instead of each grabbing a core.
type Rasterizer struct {
	maxPages int
	dpi      float64
	sem      *semaphore.Weighted
	logger   *zap.Logger
}

// NewRasterizer creates a rasterizer bounded to maxPages per document.
func NewRasterizer(maxPages int, dpi float64, logger *zap.Logger) *Rasterizer {
	if maxPages <= 0 {
		maxPages = 4
	}
	return &Rasterizer{
		maxPages: maxPages,
		dpi:      dpi,
		sem:      semaphore.NewWeighted(int64(4 * runtime.GOMAXPROCS(0))),
		logger:   logger,
	}
}

// ExtractText pulls embedded text out of a PDF. Image uploads have no
// text layer and return empty.
func (r *Rasterizer) ExtractText(ctx context.Context, data []byte, mimeType string) (string, error) {
	if !isPDF(mimeType) {
		return "", nil
	}
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("canceled waiting for rasterizer slot: %w", err)
	}
	defer r.sem.Release(1)

	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return "", fmt.Errorf("failed to open PDF: %w", err)
	}
	defer doc.Close()

	var b strings.Builder
	pages := doc.NumPage()
	if pages > r.maxPages {
		pages = r.maxPages
	}
	for i := 0; i < pages; i++ {
		text, err := doc.Text(i)
		if err != nil {
			r.logger.Warn("text extraction failed for page", zap.Int("page", i), zap.Error(err))
			continue
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	return b.String(), nil
}

// RenderPages produces JPEG page images for the vision tier. Image
// uploads pass through (re-encoded when not already JPEG).
func (r *Rasterizer) RenderPages(ctx context.Context, data []byte, mimeType string) ([][]byte, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("canceled waiting for rasterizer slot: %w", err)
	}
	defer r.sem.Release(1)

	if !isPDF(mimeType) {
		return r.imagePassthrough(data, mimeType)
	}

	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer doc.Close()

	pages := doc.NumPage()
	if pages > r.maxPages {
		r.logger.Debug("truncating PDF render", zap.Int("pages", doc.NumPage()), zap.Int("limit", r.maxPages))
		pages = r.maxPages
	}

	var images [][]byte
	for i := 0; i < pages; i++ {
		img, err := doc.ImageDPI(i, r.dpi)
		if err != nil {
			r.logger.Warn("failed to rasterize page", zap.Int("page", i), zap.Error(err))
			continue
		}
		encoded, err := encodeJPEG(img)
		if err != nil {
			r.logger.Warn("failed to encode page", zap.Int("page", i), zap.Error(err))
			continue
		}
		images = append(images, encoded)
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("no pages could be rasterized")
	}
	return images, nil
}

func (r *Rasterizer) imagePassthrough(data []byte, mimeType string) ([][]byte, error) {
	if mimeType == "image/jpeg" {
		return [][]byte{data}, nil
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image upload: %w", err)
	}
	encoded, err := encodeJPEG(img)
	if err != nil {
		return nil, err
	}
	return [][]byte{encoded}, nil
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	return buf.Bytes(), nil
}

func isPDF(mimeType string) bool {
	return mimeType == "application/pdf"
}
