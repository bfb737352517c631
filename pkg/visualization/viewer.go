// Package visualization renders planes of a volume as 16-bit grayscale
// images for quick inspection of PSFs and deconvolution results.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"

	"libdeconv/internal/models"
	"libdeconv/pkg/cube"
)

// Viewer extracts planes and regions from a volume
type Viewer struct {
	// data holds the voxels x-fastest
	data []float64

	dims models.Dims

	// spacing is the voxel size used to correct the aspect of XZ and YZ planes
	spacing models.Spacing

	// peak maps to full white
	peak float64
}

// NewViewer creates a viewer over a snapshot of vol
func NewViewer(vol cube.Volume, spacing models.Spacing) *Viewer {
	data := vol.Float64s()
	peak := 0.0
	for _, v := range data {
		peak = math.Max(peak, v)
	}
	return &Viewer{data: data, dims: vol.Dims(), spacing: spacing, peak: peak}
}

// shape returns the width, height and depth of plane p
func (v *Viewer) shape(p models.Plane) (w, h, n int, err error) {
	d := v.dims
	switch p {
	case models.PlaneXY:
		return d.X, d.Y, d.Z, nil
	case models.PlaneXZ:
		return d.X, d.Z, d.Y, nil
	case models.PlaneYZ:
		return d.Y, d.Z, d.X, nil
	}
	return 0, 0, 0, fmt.Errorf("invalid plane: %s (must be xy, xz or yz)", p)
}

func (v *Viewer) index(p models.Plane, k, u, w int) int {
	d := v.dims
	switch p {
	case models.PlaneXY:
		return u + w*d.X + k*d.X*d.Y
	case models.PlaneXZ:
		return u + k*d.X + w*d.X*d.Y
	default:
		return k + u*d.X + w*d.X*d.Y
	}
}

// ExtractSlice renders plane p at position as a Gray16 image scaled to the
// volume maximum. XY images are X wide and Y high, XZ X by Z, YZ Y by Z.
func (v *Viewer) ExtractSlice(p models.Plane, position int) (*image.Gray16, error) {
	w, h, n, err := v.shape(p)
	if err != nil {
		return nil, err
	}
	if position < 0 || position >= n {
		return nil, fmt.Errorf("position %d outside [0,%d) for plane %s", position, n, p)
	}

	img := image.NewGray16(image.Rect(0, 0, w, h))
	if v.peak <= 0 {
		return img, nil
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			value := v.data[v.index(p, position, x, y)] / v.peak
			img.SetGray16(x, y, color.Gray16{Y: uint16(math.Max(0, math.Min(65535, value*65535)))})
		}
	}
	return img, nil
}

// ExtractScaledSlice renders plane p with the vertical axis stretched to the
// physical voxel aspect ratio
func (v *Viewer) ExtractScaledSlice(p models.Plane, position int) (*image.Gray16, error) {
	src, err := v.ExtractSlice(p, position)
	if err != nil {
		return nil, err
	}
	var ratio float64
	switch p {
	case models.PlaneXY:
		ratio = v.spacing.Y / v.spacing.X
	case models.PlaneXZ:
		ratio = v.spacing.Z / v.spacing.X
	default:
		ratio = v.spacing.Z / v.spacing.Y
	}
	if ratio <= 0 || math.IsNaN(ratio) || math.IsInf(ratio, 0) || ratio == 1 {
		return src, nil
	}

	b := src.Bounds()
	h := max(1, int(math.Round(float64(b.Dy())*ratio)))
	dst := image.NewGray16(image.Rect(0, 0, b.Dx(), h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst, nil
}

// ExtractRegion copies the box of size dims starting at (x0, y0, z0)
func (v *Viewer) ExtractRegion(x0, y0, z0 int, dims models.Dims) ([]float64, error) {
	if x0 < 0 || y0 < 0 || z0 < 0 {
		return nil, fmt.Errorf("start coordinates must be non-negative")
	}
	if !dims.Valid() {
		return nil, fmt.Errorf("size dimensions must be positive")
	}
	if x0+dims.X > v.dims.X || y0+dims.Y > v.dims.Y || z0+dims.Z > v.dims.Z {
		return nil, fmt.Errorf("region extends beyond volume boundaries")
	}

	region := make([]float64, dims.Len())
	for z := 0; z < dims.Z; z++ {
		for y := 0; y < dims.Y; y++ {
			src := x0 + (y0+y)*v.dims.X + (z0+z)*v.dims.X*v.dims.Y
			copy(region[(y+z*dims.Y)*dims.X:][:dims.X], v.data[src:src+dims.X])
		}
	}
	return region, nil
}

// SaveSlice writes img as JPEG for .jpg/.jpeg names and PNG otherwise
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
	default:
		return png.Encode(file, img)
	}
}

// SaveSliceSequence writes every plane p of the volume to outputDir as
// slice_<plane>_NNN.png
func (v *Viewer) SaveSliceSequence(p models.Plane, outputDir string) error {
	_, _, n, err := v.shape(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for pos := 0; pos < n; pos++ {
		img, err := v.ExtractScaledSlice(p, pos)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", p, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}
	return nil
}
