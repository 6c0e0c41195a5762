package render

import (
	"bytes"
	"fmt"
	"image"
	stddraw "image/draw"
	"image/jpeg"
	_ "image/png"

	"github.com/gen2brain/go-fitz"
	"github.com/rs/zerolog/log"
	xdraw "golang.org/x/image/draw"
)

// PageImage is one rendered page in document order.
type PageImage struct {
	Number int
	JPEG   []byte
}

// Renderer turns a PDF into per-page JPEG images.
type Renderer struct {
	DPI     int
	Quality int
}

func New() *Renderer { return &Renderer{DPI: 200, Quality: 85} }

// Render converts PDF bytes into ordered page JPEGs. A failure to open
// the document yields an empty slice and an error; callers treat that
// as a whole-document failure.
func (r *Renderer) Render(pdf []byte) ([]PageImage, error) {
	doc, err := fitz.NewFromMemory(pdf)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer doc.Close()

	pages := make([]PageImage, 0, doc.NumPage())
	for i := 0; i < doc.NumPage(); i++ {
		img, err := doc.ImageDPI(i, float64(r.DPI))
		if err != nil {
			return nil, fmt.Errorf("render page %d: %w", i+1, err)
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: r.Quality}); err != nil {
			return nil, fmt.Errorf("encode page %d: %w", i+1, err)
		}
		pages = append(pages, PageImage{Number: i + 1, JPEG: buf.Bytes()})
	}
	log.Debug().Int("pages", len(pages)).Int("dpi", r.DPI).Msg("rendered pdf")
	return pages, nil
}

// MaxInlineBytes is the size above which an image is downscaled before
// being sent to the completion service.
const MaxInlineBytes = 5 * 1024 * 1024

// Shrink downscales an oversized image to maxDim on its longer side,
// flattening any alpha onto white and re-encoding as JPEG. On decode
// failure the original bytes are returned unchanged.
func Shrink(data []byte, maxDim, quality int) []byte {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return data
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	scale := 1.0
	if w >= h && w > maxDim {
		scale = float64(maxDim) / float64(w)
	} else if h > w && h > maxDim {
		scale = float64(maxDim) / float64(h)
	}
	nw, nh := int(float64(w)*scale), int(float64(h)*scale)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	stddraw.Draw(dst, dst.Bounds(), image.White, image.Point{}, stddraw.Src)
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, xdraw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return data
	}
	return buf.Bytes()
}
