package cube

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"libdeconv/internal/models"
)

// Slice is a dense 2D image stored row-major: index = x + y*Width
type Slice[T Element] struct {
	width  int
	height int
	data   []T
}

// NewSlice allocates a zero-filled slice
func NewSlice[T Element](width, height int) (*Slice[T], error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidDims, width, height)
	}
	return &Slice[T]{width: width, height: height, data: make([]T, width*height)}, nil
}

// SliceFromBuffer builds a slice holding a copy of buf
func SliceFromBuffer[T Element](width, height int, buf []T) (*Slice[T], error) {
	s, err := NewSlice[T](width, height)
	if err != nil {
		return nil, err
	}
	if len(buf) != width*height {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrBufferSize, len(buf), width*height)
	}
	copy(s.data, buf)
	return s, nil
}

func (s *Slice[T]) Width() int  { return s.width }
func (s *Slice[T]) Height() int { return s.height }
func (s *Slice[T]) Len() int    { return len(s.data) }
func (s *Slice[T]) Data() []T   { return s.data }

// Clone returns a deep copy
func (s *Slice[T]) Clone() *Slice[T] {
	out := &Slice[T]{width: s.width, height: s.height, data: make([]T, len(s.data))}
	copy(out.data, s.data)
	return out
}

// At returns the sample at (x, y) and panics outside the slice
func (s *Slice[T]) At(x, y int) T {
	if x < 0 || x >= s.width || y < 0 || y >= s.height {
		panic(fmt.Sprintf("cube: slice index (%d,%d) out of range %dx%d", x, y, s.width, s.height))
	}
	return s.data[x+y*s.width]
}

// Set stores v at (x, y) and panics outside the slice
func (s *Slice[T]) Set(x, y int, v T) {
	if x < 0 || x >= s.width || y < 0 || y >= s.height {
		panic(fmt.Sprintf("cube: slice index (%d,%d) out of range %dx%d", x, y, s.width, s.height))
	}
	s.data[x+y*s.width] = v
}

func (s *Slice[T]) Fill(v T) {
	for i := range s.data {
		s.data[i] = v
	}
}

func (s *Slice[T]) float64s() []float64 {
	out := make([]float64, len(s.data))
	for i, v := range s.data {
		out[i] = float64(v)
	}
	return out
}

func (s *Slice[T]) Max() float64  { return floats.Max(s.float64s()) }
func (s *Slice[T]) Min() float64  { return floats.Min(s.float64s()) }
func (s *Slice[T]) Sum() float64  { return floats.Sum(s.float64s()) }
func (s *Slice[T]) Mean() float64 { return stat.Mean(s.float64s(), nil) }

// Variance is the population variance of the samples
func (s *Slice[T]) Variance() float64 {
	_, v := stat.PopMeanVariance(s.float64s(), nil)
	return v
}

// Crop returns the width x height window centred on (cx, cy)
func (s *Slice[T]) Crop(width, height, cx, cy int) (*Slice[T], error) {
	x0 := cx - width/2
	y0 := cy - height/2
	if width <= 0 || height <= 0 || x0 < 0 || y0 < 0 || x0+width > s.width || y0+height > s.height {
		return nil, fmt.Errorf("%w: %dx%d window at (%d,%d) in %dx%d slice",
			ErrOutOfBounds, width, height, cx, cy, s.width, s.height)
	}
	out, _ := NewSlice[T](width, height)
	for y := 0; y < height; y++ {
		copy(out.data[y*width:(y+1)*width], s.data[(y0+y)*s.width+x0:])
	}
	return out, nil
}

// Pad embeds the slice at the centre of a width x height slice filled with value
func (s *Slice[T]) Pad(width, height int, value T) (*Slice[T], error) {
	if width < s.width || height < s.height {
		return nil, fmt.Errorf("%w: cannot pad %dx%d to %dx%d", ErrOutOfBounds, s.width, s.height, width, height)
	}
	out, _ := NewSlice[T](width, height)
	out.Fill(value)
	x0 := (width - s.width) / 2
	y0 := (height - s.height) / 2
	for y := 0; y < s.height; y++ {
		copy(out.data[(y0+y)*width+x0:], s.data[y*s.width:(y+1)*s.width])
	}
	return out, nil
}

// planeShape returns the slice size of plane p and the number of such planes
func planeShape(d models.Dims, p models.Plane) (w, h, n int, err error) {
	switch p {
	case models.PlaneXY:
		return d.X, d.Y, d.Z, nil
	case models.PlaneXZ:
		return d.X, d.Z, d.Y, nil
	case models.PlaneYZ:
		return d.Y, d.Z, d.X, nil
	}
	return 0, 0, 0, fmt.Errorf("cube: unknown plane %v", p)
}

// planeIndex maps slice coordinates (u, v) of plane p at index k to a cube index
func (c *Cube[T]) planeIndex(p models.Plane, k, u, v int) int {
	switch p {
	case models.PlaneXY:
		return c.Index(u, v, k)
	case models.PlaneXZ:
		return c.Index(u, k, v)
	default:
		return c.Index(k, u, v)
	}
}

// GetSlice copies plane p at position index into a new slice.
// XY slices are X wide and Y high, XZ slices X by Z, YZ slices Y by Z.
func (c *Cube[T]) GetSlice(p models.Plane, index int) (*Slice[T], error) {
	w, h, n, err := planeShape(c.dims, p)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= n {
		return nil, fmt.Errorf("%w: %s index %d, have %d", ErrSliceIndex, p, index, n)
	}
	out, _ := NewSlice[T](w, h)
	for v := 0; v < h; v++ {
		for u := 0; u < w; u++ {
			out.data[u+v*w] = c.data[c.planeIndex(p, index, u, v)]
		}
	}
	return out, nil
}

// SetSlice writes s into plane p at position index
func (c *Cube[T]) SetSlice(p models.Plane, index int, s *Slice[T]) error {
	w, h, n, err := planeShape(c.dims, p)
	if err != nil {
		return err
	}
	if index < 0 || index >= n {
		return fmt.Errorf("%w: %s index %d, have %d", ErrSliceIndex, p, index, n)
	}
	if s.width != w || s.height != h {
		return fmt.Errorf("%w: got %dx%d, want %dx%d", ErrSliceShape, s.width, s.height, w, h)
	}
	for v := 0; v < h; v++ {
		for u := 0; u < w; u++ {
			c.data[c.planeIndex(p, index, u, v)] = s.data[u+v*w]
		}
	}
	return nil
}
