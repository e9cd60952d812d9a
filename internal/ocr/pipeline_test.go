package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ngmhub/siteledger/internal/apperr"
	"github.com/ngmhub/siteledger/internal/llm"
	"github.com/ngmhub/siteledger/internal/models"
	"github.com/ngmhub/siteledger/internal/money"
	"github.com/ngmhub/siteledger/internal/testdb"
)

type stubVision struct {
	response string
	err      error
	calls    int
	images   int
}

func (s *stubVision) ExtractVision(_ context.Context, _, _ string, images [][]byte) (*llm.Result, error) {
	s.calls++
	s.images = len(images)
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Result{Value: json.RawMessage(s.response)}, nil
}

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func newTestPipeline(t *testing.T, vision *stubVision) *Pipeline {
	t.Helper()
	db := testdb.New(t)
	raster := NewRasterizer(4, 150, zap.NewNop())
	return NewPipeline(db, raster, vision, Config{
		ToleranceABS: money.MustParse("0.05"),
		ToleranceRel: 0.005,
	}, zap.NewNop())
}

const visionReceipt = `{
	"vendor": "Lowe's", "vendor_confidence": 92,
	"date": "2026-08-14", "date_confidence": 88,
	"total": "60.27", "total_confidence": 95,
	"subtotal": "55.81", "tax": "4.46",
	"line_items": [
		{"description": "2x4x8 stud", "quantity": 3, "unit_price": "8.12", "line_total": "24.36", "confidence": 90},
		{"description": "drywall screws 5lb", "quantity": 1, "unit_price": "12.97", "line_total": "12.97", "confidence": 93},
		{"description": "joint compound", "quantity": 1, "unit_price": "18.48", "line_total": "18.48", "confidence": 85}
	]
}`

func TestImageUploadGoesToVision(t *testing.T) {
	vision := &stubVision{response: visionReceipt}
	p := newTestPipeline(t, vision)

	rec, err := p.Extract(context.Background(), jpegBytes(t), "image/jpeg", "p-1", "agent-receipt")
	require.NoError(t, err)

	assert.Equal(t, 1, vision.calls)
	assert.Equal(t, 1, vision.images)
	assert.Equal(t, models.OCRMethodVision, rec.Method)
	assert.Equal(t, "Lowe's", rec.Vendor)
	assert.Equal(t, "60.27", rec.Total.String())
	assert.True(t, rec.TaxDetected)
	require.Len(t, rec.LineItems, 3)
	assert.Equal(t, models.TotalMatchSubtotal, rec.TotalMatchType)
}

func TestVisionFailurePropagates(t *testing.T) {
	vision := &stubVision{err: apperr.New(apperr.KindUpstreamTimeout, "model call timed out")}
	p := newTestPipeline(t, vision)

	_, err := p.Extract(context.Background(), jpegBytes(t), "image/jpeg", "p-1", "agent-receipt")
	assert.Equal(t, apperr.KindUpstreamTimeout, apperr.KindOf(err))
}

func TestVisionBadSchemaRejected(t *testing.T) {
	vision := &stubVision{response: `{"total": 60.27}`}
	p := newTestPipeline(t, vision)

	_, err := p.Extract(context.Background(), jpegBytes(t), "image/jpeg", "p-1", "agent-receipt")
	assert.Equal(t, apperr.KindUpstreamInvalid, apperr.KindOf(err))
}

func TestUndecodableUploadIsValidationError(t *testing.T) {
	vision := &stubVision{response: visionReceipt}
	p := newTestPipeline(t, vision)

	_, err := p.Extract(context.Background(), []byte("not an image"), "image/png", "p-1", "agent-receipt")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Zero(t, vision.calls)
}

func TestMetricsRowWritten(t *testing.T) {
	vision := &stubVision{response: visionReceipt}
	db := testdb.New(t)
	raster := NewRasterizer(4, 150, zap.NewNop())
	p := NewPipeline(db, raster, vision, Config{
		ToleranceABS: money.MustParse("0.05"),
		ToleranceRel: 0.005,
	}, zap.NewNop())

	_, err := p.Extract(context.Background(), jpegBytes(t), "image/jpeg", "p-9", "agent-receipt")
	require.NoError(t, err)

	var method, project string
	var items int
	var success bool
	require.NoError(t, db.QueryRow(`
		SELECT method, project_id, item_count, success FROM ocr_metrics`).
		Scan(&method, &project, &items, &success))
	assert.Equal(t, "vision", method)
	assert.Equal(t, "p-9", project)
	assert.Equal(t, 3, items)
	assert.True(t, success)
}

func TestParseVisionQuantityDefaults(t *testing.T) {
	rec, err := parseVisionResponse(json.RawMessage(`{
		"vendor": "x", "total": "5.00",
		"line_items": [{"description": "item", "quantity": 0, "unit_price": "5.00", "line_total": "5.00", "confidence": 80}]
	}`))
	require.NoError(t, err)
	require.Len(t, rec.LineItems, 1)
	assert.Equal(t, 1.0, rec.LineItems[0].Quantity)
}
