package services

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"time"

	xdraw "golang.org/x/image/draw"
)

// ScratchStore persists normalized payloads so a failed transmission can be
// replayed later. Implemented by utils.ScratchStore over S3.
type ScratchStore interface {
	Put(ctx context.Context, key string, contentType string, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// CaptureMeta travels with the raw bytes from the client.
type CaptureMeta struct {
	UUID        string
	CapturedAt  time.Time
	Orientation int // EXIF orientation 1..8; 0 means unknown
}

// NormalizedImage is the canonical inference payload. Immutable once built.
type NormalizedImage struct {
	UUID       string
	Data       []byte // JPEG
	Width      int
	Height     int
	CapturedAt time.Time
}

type PreprocessService struct {
	maxDimension int
	minDimension int
	jpegQuality  int
	scratch      ScratchStore
}

func NewPreprocessService(scratch ScratchStore) *PreprocessService {
	return &PreprocessService{
		maxDimension: 1280,
		minDimension: 64,
		jpegQuality:  80,
		scratch:      scratch,
	}
}

// Normalize decodes, orients, bounds and re-encodes a captured photo. Pure
// local transform, no network. Fails with ErrImageInvalid on undecodable or
// sub-minimum input.
func (s *PreprocessService) Normalize(raw []byte, meta CaptureMeta) (*NormalizedImage, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageInvalid, err)
	}

	img = applyOrientation(img, meta.Orientation)

	b := img.Bounds()
	if b.Dx() < s.minDimension || b.Dy() < s.minDimension {
		return nil, fmt.Errorf("%w: %dx%d below minimum resolution", ErrImageInvalid, b.Dx(), b.Dy())
	}

	if b.Dx() > s.maxDimension || b.Dy() > s.maxDimension {
		img = downscale(img, s.maxDimension)
		b = img.Bounds()
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.jpegQuality}); err != nil {
		return nil, fmt.Errorf("%w: re-encode: %v", ErrImageInvalid, err)
	}

	return &NormalizedImage{
		UUID:       meta.UUID,
		Data:       buf.Bytes(),
		Width:      b.Dx(),
		Height:     b.Dy(),
		CapturedAt: meta.CapturedAt,
	}, nil
}

// StoreScratch writes the normalized payload to scratch storage keyed by the
// capture UUID so it can be replayed after a downstream failure.
func (s *PreprocessService) StoreScratch(ctx context.Context, img *NormalizedImage) (string, error) {
	if s.scratch == nil {
		return "", nil
	}
	key := ScratchKey(img.UUID)
	if _, err := s.scratch.Put(ctx, key, "image/jpeg", img.Data); err != nil {
		return "", fmt.Errorf("scratch store: %w", err)
	}
	return key, nil
}

// LoadScratch retrieves a previously stored payload for replay.
func (s *PreprocessService) LoadScratch(ctx context.Context, key string) ([]byte, error) {
	if s.scratch == nil {
		return nil, fmt.Errorf("scratch store not configured")
	}
	return s.scratch.Get(ctx, key)
}

func ScratchKey(captureUUID string) string {
	return "captures/" + captureUUID + ".jpg"
}

func downscale(src image.Image, maxDim int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w >= h {
		h = h * maxDim / w
		w = maxDim
	} else {
		w = w * maxDim / h
		h = maxDim
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, xdraw.Over, nil)
	return dst
}

// applyOrientation maps EXIF orientations 2..8 onto the pixel grid.
// 1 and unknown are identity.
func applyOrientation(src image.Image, orientation int) image.Image {
	if orientation <= 1 || orientation > 8 {
		return src
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()

	swapped := orientation >= 5 // 5..8 transpose width/height
	dw, dh := w, h
	if swapped {
		dw, dh = h, w
	}
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var dx, dy int
			switch orientation {
			case 2: // mirror horizontal
				dx, dy = w-1-x, y
			case 3: // rotate 180
				dx, dy = w-1-x, h-1-y
			case 4: // mirror vertical
				dx, dy = x, h-1-y
			case 5: // transpose
				dx, dy = y, x
			case 6: // rotate 90 CW
				dx, dy = h-1-y, x
			case 7: // transverse
				dx, dy = h-1-y, w-1-x
			case 8: // rotate 270 CW
				dx, dy = y, w-1-x
			}
			dst.Set(dx, dy, src.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}
