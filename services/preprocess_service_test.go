package services

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sync"
	"testing"
	"time"
)

// memScratch is an in-memory ScratchStore for tests.
type memScratch struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemScratch() *memScratch {
	return &memScratch{data: map[string][]byte{}}
}

func (m *memScratch) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), data...)
	return key, nil
}

func (m *memScratch) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[key]
	if !ok {
		return nil, errors.New("scratch key not found")
	}
	return d, nil
}

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x % 256), uint8(y % 256), 128, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func meta(orientation int) CaptureMeta {
	return CaptureMeta{
		UUID:        "8ad292f2-0c2e-4b43-9b2b-000000000001",
		CapturedAt:  time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC),
		Orientation: orientation,
	}
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	s := NewPreprocessService(nil)
	_, err := s.Normalize([]byte("not an image at all"), meta(1))
	if !errors.Is(err, ErrImageInvalid) {
		t.Fatalf("err = %v, want ErrImageInvalid", err)
	}
}

func TestNormalizeRejectsTinyImage(t *testing.T) {
	s := NewPreprocessService(nil)
	_, err := s.Normalize(encodeJPEG(t, 32, 32), meta(1))
	if !errors.Is(err, ErrImageInvalid) {
		t.Fatalf("err = %v, want ErrImageInvalid for sub-minimum input", err)
	}
}

func TestNormalizePassesThroughSmallEnoughImage(t *testing.T) {
	s := NewPreprocessService(nil)
	out, err := s.Normalize(encodeJPEG(t, 640, 480), meta(1))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if out.Width != 640 || out.Height != 480 {
		t.Errorf("dims = %dx%d, want 640x480 unchanged", out.Width, out.Height)
	}
	if _, _, err := image.Decode(bytes.NewReader(out.Data)); err != nil {
		t.Errorf("output not decodable: %v", err)
	}
}

func TestNormalizeDownscalesLargeImage(t *testing.T) {
	s := NewPreprocessService(nil)
	out, err := s.Normalize(encodeJPEG(t, 4000, 3000), meta(1))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if out.Width != 1280 {
		t.Errorf("width = %d, want bounded to 1280", out.Width)
	}
	if out.Height != 960 {
		t.Errorf("height = %d, want 960 to keep 4:3", out.Height)
	}
}

func TestNormalizeAcceptsPNG(t *testing.T) {
	s := NewPreprocessService(nil)
	out, err := s.Normalize(encodePNG(t, 200, 100), meta(1))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	// Always leaves as JPEG regardless of input format.
	if _, format, err := image.Decode(bytes.NewReader(out.Data)); err != nil || format != "jpeg" {
		t.Errorf("output format = %q (%v), want jpeg", format, err)
	}
}

func TestOrientationSixSwapsDimensions(t *testing.T) {
	s := NewPreprocessService(nil)
	out, err := s.Normalize(encodeJPEG(t, 300, 100), meta(6))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if out.Width != 100 || out.Height != 300 {
		t.Errorf("dims = %dx%d, want 100x300 after 90° rotation", out.Width, out.Height)
	}
}

func TestOrientationTable(t *testing.T) {
	tests := []struct {
		orientation int
		wantSwapped bool
	}{
		{0, false}, {1, false}, {2, false}, {3, false}, {4, false},
		{5, true}, {6, true}, {7, true}, {8, true},
		{9, false}, // out of range treated as identity
	}
	src := image.NewRGBA(image.Rect(0, 0, 30, 10))
	for _, tt := range tests {
		got := applyOrientation(src, tt.orientation)
		b := got.Bounds()
		swapped := b.Dx() == 10 && b.Dy() == 30
		if swapped != tt.wantSwapped {
			t.Errorf("orientation %d: dims %dx%d, swapped = %v, want %v",
				tt.orientation, b.Dx(), b.Dy(), swapped, tt.wantSwapped)
		}
	}
}

func TestScratchRoundTrip(t *testing.T) {
	scratch := newMemScratch()
	s := NewPreprocessService(scratch)

	out, err := s.Normalize(encodeJPEG(t, 640, 480), meta(1))
	if err != nil {
		t.Fatal(err)
	}
	key, err := s.StoreScratch(context.Background(), out)
	if err != nil {
		t.Fatalf("StoreScratch: %v", err)
	}
	if key != ScratchKey(out.UUID) {
		t.Errorf("key = %q, want %q", key, ScratchKey(out.UUID))
	}

	back, err := s.LoadScratch(context.Background(), key)
	if err != nil {
		t.Fatalf("LoadScratch: %v", err)
	}
	if !bytes.Equal(back, out.Data) {
		t.Error("scratch payload mutated in flight")
	}
}
