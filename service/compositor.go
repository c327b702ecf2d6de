package service

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"

	"github.com/kofera/contractsign/model"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	pdfmodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	pdftypes "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	xdraw "golang.org/x/image/draw"
)

// FieldValue is the content submitted for one field: literal text for
// text fields, raw image bytes plus their declared MIME type for image
// fields.
type FieldValue struct {
	Text      string
	Image     []byte
	ImageMIME string
}

// Compositor stamps field content onto page one of a PDF document.
// Render is pure with respect to its inputs; the same base document,
// fields and values always draw at the same coordinates.
type Compositor struct {
	fontName string
	fontSize int
	conf     *pdfmodel.Configuration
}

func NewCompositor() *Compositor {
	conf := pdfmodel.NewDefaultConfiguration()
	conf.ValidationMode = pdfmodel.ValidationRelaxed
	return &Compositor{
		fontName: "Helvetica",
		fontSize: 11,
		conf:     conf,
	}
}

// Render returns a new document with every field that has a submitted
// value drawn at its declared position on page one. Fields without a
// value are skipped; values for a field kind with the wrong payload
// shape are skipped too. The input document is never modified.
//
// Text is drawn at a fixed font size and is neither wrapped nor
// clipped to the field width.
func (c *Compositor) Render(base []byte, fields []model.Field, values map[int64]FieldValue) ([]byte, error) {
	pageCount, err := api.PageCount(bytes.NewReader(base), c.conf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrUnsupportedDocument, err)
	}
	if pageCount < 1 {
		return nil, fmt.Errorf("%w: document has no pages", model.ErrUnsupportedDocument)
	}

	dims, err := api.PageDims(bytes.NewReader(base), c.conf)
	if err != nil || len(dims) == 0 {
		return nil, fmt.Errorf("%w: cannot read page dimensions", model.ErrUnsupportedDocument)
	}
	pageHeight := dims[0].Height

	current := append([]byte(nil), base...)
	for _, f := range fields {
		value, ok := values[f.ID]
		if !ok {
			continue
		}

		wm, err := c.stamp(f, value, pageHeight)
		if err != nil {
			return nil, err
		}
		if wm == nil {
			continue
		}

		var out bytes.Buffer
		if err := api.AddWatermarks(bytes.NewReader(current), &out, []string{"1"}, wm, c.conf); err != nil {
			return nil, fmt.Errorf("stamp field %d: %w", f.ID, err)
		}
		current = out.Bytes()
	}

	return current, nil
}

// stamp builds the watermark for one field, or nil when the value does
// not carry content for the field's kind.
func (c *Compositor) stamp(f model.Field, value FieldValue, pageHeight float64) (*pdfmodel.Watermark, error) {
	x, y := renderOrigin(pageHeight, f)

	if f.Kind == model.KindText {
		if value.Text == "" {
			return nil, nil
		}
		desc := fmt.Sprintf("fontname:%s, points:%d, pos:bl, off:%.2f %.2f, scale:1 abs, rot:0, fillcolor:#000000",
			c.fontName, c.fontSize, x, y)
		wm, err := api.TextWatermark(value.Text, desc, true, false, pdftypes.POINTS)
		if err != nil {
			return nil, fmt.Errorf("build text stamp: %w", err)
		}
		return wm, nil
	}

	if len(value.Image) == 0 {
		return nil, nil
	}
	img, err := decodeImage(value.Image, value.ImageMIME)
	if err != nil {
		return nil, err
	}
	scaled, err := scaleToBox(img, f.Width, f.Height)
	if err != nil {
		return nil, err
	}
	desc := fmt.Sprintf("pos:bl, off:%.2f %.2f, scale:1 abs, rot:0", x, y)
	wm, err := api.ImageWatermarkForReader(bytes.NewReader(scaled), desc, true, false, pdftypes.POINTS)
	if err != nil {
		return nil, fmt.Errorf("build image stamp: %w", err)
	}
	return wm, nil
}

// renderOrigin converts a field's top-left input geometry to the
// document's bottom-left render space:
//
//	renderY = pageHeight - y - height
//
// x is unchanged. The transform is the same for text and images.
func renderOrigin(pageHeight float64, f model.Field) (float64, float64) {
	return f.X, pageHeight - f.Y - f.Height
}

// decodeImage decodes data according to its declared MIME type.
func decodeImage(data []byte, mimeType string) (image.Image, error) {
	switch mimeType {
	case "image/png":
		img, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: png: %v", model.ErrDecode, err)
		}
		return img, nil
	case "image/jpeg", "image/jpg":
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: jpeg: %v", model.ErrDecode, err)
		}
		return img, nil
	default:
		return nil, fmt.Errorf("%w: unsupported type %q", model.ErrDecode, mimeType)
	}
}

// scaleToBox resamples the image to exactly width x height points
// (1px = 1pt when stamped at absolute scale 1) and re-encodes it as
// PNG. Aspect ratio is not preserved; the field box wins.
func scaleToBox(src image.Image, width, height float64) ([]byte, error) {
	w := int(math.Round(width))
	h := int(math.Round(height))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encode scaled image: %w", err)
	}
	return buf.Bytes(), nil
}
