package visualization

import (
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"libdeconv/internal/models"
	"libdeconv/pkg/cube"
)

// testVolume fills a cube where each XY plane holds its z index
func testVolume(d models.Dims) *cube.Cube[float64] {
	c, _ := cube.New[float64](d)
	for z := 0; z < d.Z; z++ {
		for y := 0; y < d.Y; y++ {
			for x := 0; x < d.X; x++ {
				c.Set(x, y, z, float64(z))
			}
		}
	}
	return c
}

// TestExtractSlice verifies plane geometry and intensity scaling
func TestExtractSlice(t *testing.T) {
	d := models.Dims{X: 10, Y: 8, Z: 5}
	viewer := NewViewer(testVolume(d), models.Spacing{X: 1, Y: 1, Z: 1})

	for z := 0; z < d.Z; z++ {
		img, err := viewer.ExtractSlice(models.PlaneXY, z)
		if err != nil {
			t.Fatalf("Failed to extract XY slice at position %d: %v", z, err)
		}
		if b := img.Bounds(); b.Dx() != d.X || b.Dy() != d.Y {
			t.Errorf("Expected XY slice %dx%d, got %dx%d", d.X, d.Y, b.Dx(), b.Dy())
		}
		want := uint16(float64(z) / float64(d.Z-1) * 65535)
		if got := img.Gray16At(d.X/2, d.Y/2).Y; got != want {
			t.Errorf("Expected value %d at centre of slice %d, got %d", want, z, got)
		}
	}

	shapes := []struct {
		plane models.Plane
		w, h  int
	}{
		{models.PlaneXZ, d.X, d.Z},
		{models.PlaneYZ, d.Y, d.Z},
	}
	for _, s := range shapes {
		img, err := viewer.ExtractSlice(s.plane, 1)
		if err != nil {
			t.Fatalf("Failed to extract %s slice: %v", s.plane, err)
		}
		if b := img.Bounds(); b.Dx() != s.w || b.Dy() != s.h {
			t.Errorf("Expected %s slice %dx%d, got %dx%d", s.plane, s.w, s.h, b.Dx(), b.Dy())
		}
	}

	if _, err := viewer.ExtractSlice(models.Plane(9), 0); err == nil {
		t.Error("Expected error for invalid plane, got nil")
	}
	if _, err := viewer.ExtractSlice(models.PlaneXY, d.Z); err == nil {
		t.Error("Expected error for out of bounds position, got nil")
	}
}

// TestExtractScaledSlice checks the aspect correction of axial planes
func TestExtractScaledSlice(t *testing.T) {
	d := models.Dims{X: 16, Y: 16, Z: 4}
	viewer := NewViewer(testVolume(d), models.Spacing{X: 0.1, Y: 0.1, Z: 0.3})

	img, err := viewer.ExtractScaledSlice(models.PlaneXZ, 3)
	if err != nil {
		t.Fatalf("Failed to extract scaled slice: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 16 || b.Dy() != 12 {
		t.Errorf("Expected 16x12 scaled slice, got %dx%d", b.Dx(), b.Dy())
	}

	xy, err := viewer.ExtractScaledSlice(models.PlaneXY, 0)
	if err != nil {
		t.Fatalf("Failed to extract XY slice: %v", err)
	}
	if b := xy.Bounds(); b.Dx() != 16 || b.Dy() != 16 {
		t.Errorf("Square pixels should not be rescaled, got %dx%d", b.Dx(), b.Dy())
	}
}

// TestExtractRegion verifies that 3D regions are correctly extracted
func TestExtractRegion(t *testing.T) {
	d := models.Dims{X: 10, Y: 10, Z: 5}
	vol, _ := cube.New[float64](d)
	for i := range vol.Data() {
		vol.Data()[i] = float64(i)
	}
	viewer := NewViewer(vol, models.Spacing{X: 1, Y: 1, Z: 1})

	size := models.Dims{X: 4, Y: 3, Z: 2}
	region, err := viewer.ExtractRegion(2, 3, 1, size)
	if err != nil {
		t.Fatalf("Failed to extract region: %v", err)
	}
	if len(region) != size.Len() {
		t.Fatalf("Expected region size %d, got %d", size.Len(), len(region))
	}
	for z := 0; z < size.Z; z++ {
		for y := 0; y < size.Y; y++ {
			for x := 0; x < size.X; x++ {
				got := region[x+y*size.X+z*size.X*size.Y]
				if want := vol.At(2+x, 3+y, 1+z); got != want {
					t.Errorf("Region value mismatch at (%d,%d,%d): expected %f, got %f", x, y, z, want, got)
				}
			}
		}
	}

	if _, err := viewer.ExtractRegion(-1, 0, 0, models.Dims{X: 1, Y: 1, Z: 1}); err == nil {
		t.Error("Expected error for negative start coordinate, got nil")
	}
	if _, err := viewer.ExtractRegion(0, 0, 0, models.Dims{X: 0, Y: 1, Z: 1}); err == nil {
		t.Error("Expected error for zero size, got nil")
	}
	if _, err := viewer.ExtractRegion(d.X-1, 0, 0, models.Dims{X: 2, Y: 1, Z: 1}); err == nil {
		t.Error("Expected error for region extending beyond volume, got nil")
	}
}

// TestSaveSliceSequence verifies that a sequence of PNG slices is written
func TestSaveSliceSequence(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}
	d := models.Dims{X: 5, Y: 5, Z: 3}
	viewer := NewViewer(testVolume(d), models.Spacing{X: 1, Y: 1, Z: 2})

	outputDir := filepath.Join(t.TempDir(), "slices")
	if err := viewer.SaveSliceSequence(models.PlaneXZ, outputDir); err != nil {
		t.Fatalf("Failed to save slice sequence: %v", err)
	}
	for y := 0; y < d.Y; y++ {
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_xz_%03d.png", y))
		f, err := os.Open(filename)
		if err != nil {
			t.Fatalf("Expected slice file does not exist: %s", filename)
		}
		img, err := png.Decode(f)
		f.Close()
		if err != nil {
			t.Fatalf("Failed to decode %s: %v", filename, err)
		}
		if b := img.Bounds(); b.Dx() != 5 || b.Dy() != 6 {
			t.Errorf("Expected 5x6 scaled slice, got %dx%d", b.Dx(), b.Dy())
		}
	}

	jpg := filepath.Join(t.TempDir(), "slice.jpg")
	img, _ := viewer.ExtractSlice(models.PlaneXY, 0)
	if err := viewer.SaveSlice(img, jpg); err != nil {
		t.Fatalf("Failed to save JPEG slice: %v", err)
	}
	if err := viewer.SaveSliceSequence(models.Plane(0), outputDir); err == nil {
		t.Error("Expected error for invalid plane, got nil")
	}
}
