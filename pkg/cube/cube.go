// Package cube provides the dense 3D and 2D sample containers used by the
// PSF models and deconvolution engines, together with their raw file formats.
package cube

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"libdeconv/internal/models"
)

var (
	ErrInvalidDims = errors.New("cube: dimensions must be positive and addressable")
	ErrBufferSize  = errors.New("cube: buffer length does not match dimensions")
	ErrSliceIndex  = errors.New("cube: slice index out of range")
	ErrSliceShape  = errors.New("cube: slice shape does not match plane")
	ErrOutOfBounds = errors.New("cube: shape exceeds cube bounds")
	ErrOddDims     = errors.New("cube: dimensions must be even")
	ErrCropRange   = errors.New("cube: invalid crop range")
)

// Element is the sample type of a cube
type Element interface {
	~float32 | ~float64
}

// Volume is the precision-erased view of a cube shared by the FFT backend,
// the PSF models and the metrics
type Volume interface {
	Dims() models.Dims
	Precision() models.Precision
	Float64s() []float64
}

// PrecisionOf reports the precision tag of T
func PrecisionOf[T Element]() models.Precision {
	var zero T
	if _, ok := any(zero).(float32); ok {
		return models.Single
	}
	return models.Double
}

// Cube is a dense volume stored x-fastest: index = x + y*X + z*X*Y
type Cube[T Element] struct {
	dims    models.Dims
	spacing models.Spacing
	data    []T
}

// New allocates a zero-filled cube
func New[T Element](dims models.Dims) (*Cube[T], error) {
	if !dims.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDims, dims)
	}
	return &Cube[T]{
		dims:    dims,
		spacing: models.Spacing{X: 1, Y: 1, Z: 1},
		data:    make([]T, dims.Len()),
	}, nil
}

// FromBuffer builds a cube holding a copy of buf
func FromBuffer[T Element](dims models.Dims, buf []T) (*Cube[T], error) {
	c, err := New[T](dims)
	if err != nil {
		return nil, err
	}
	if len(buf) != dims.Len() {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrBufferSize, len(buf), dims.Len())
	}
	copy(c.data, buf)
	return c, nil
}

// FromFloat64s builds a cube from float64 samples, rounding for float32 cubes
func FromFloat64s[T Element](dims models.Dims, buf []float64) (*Cube[T], error) {
	c, err := New[T](dims)
	if err != nil {
		return nil, err
	}
	if len(buf) != dims.Len() {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrBufferSize, len(buf), dims.Len())
	}
	for i, v := range buf {
		c.data[i] = T(v)
	}
	return c, nil
}

// Convert copies c into a cube of another precision
func Convert[U, T Element](c *Cube[T]) *Cube[U] {
	out := &Cube[U]{dims: c.dims, spacing: c.spacing, data: make([]U, len(c.data))}
	for i, v := range c.data {
		out.data[i] = U(v)
	}
	return out
}

func (c *Cube[T]) Dims() models.Dims           { return c.dims }
func (c *Cube[T]) Len() int                    { return len(c.data) }
func (c *Cube[T]) Precision() models.Precision { return PrecisionOf[T]() }
func (c *Cube[T]) Spacing() models.Spacing     { return c.spacing }
func (c *Cube[T]) SetSpacing(s models.Spacing) { c.spacing = s }

// Data returns the backing slice. Writes through it modify the cube.
func (c *Cube[T]) Data() []T { return c.data }

// Buffer returns a copy of the samples
func (c *Cube[T]) Buffer() []T {
	out := make([]T, len(c.data))
	copy(out, c.data)
	return out
}

// Float64s returns a float64 copy of the samples
func (c *Cube[T]) Float64s() []float64 {
	out := make([]float64, len(c.data))
	for i, v := range c.data {
		out[i] = float64(v)
	}
	return out
}

// SetFloat64s overwrites the samples from buf
func (c *Cube[T]) SetFloat64s(buf []float64) error {
	if len(buf) != len(c.data) {
		return fmt.Errorf("%w: got %d, want %d", ErrBufferSize, len(buf), len(c.data))
	}
	for i, v := range buf {
		c.data[i] = T(v)
	}
	return nil
}

// Clone returns a deep copy
func (c *Cube[T]) Clone() *Cube[T] {
	return &Cube[T]{dims: c.dims, spacing: c.spacing, data: c.Buffer()}
}

// Index returns the linear index of (x, y, z) without bounds checking
func (c *Cube[T]) Index(x, y, z int) int {
	return x + y*c.dims.X + z*c.dims.X*c.dims.Y
}

// Contains reports whether (x, y, z) lies inside the cube
func (c *Cube[T]) Contains(x, y, z int) bool {
	return x >= 0 && x < c.dims.X && y >= 0 && y < c.dims.Y && z >= 0 && z < c.dims.Z
}

// At returns the sample at (x, y, z) and panics outside the cube
func (c *Cube[T]) At(x, y, z int) T {
	if !c.Contains(x, y, z) {
		panic(fmt.Sprintf("cube: index (%d,%d,%d) out of range %s", x, y, z, c.dims))
	}
	return c.data[c.Index(x, y, z)]
}

// Set stores v at (x, y, z) and panics outside the cube
func (c *Cube[T]) Set(x, y, z int, v T) {
	if !c.Contains(x, y, z) {
		panic(fmt.Sprintf("cube: index (%d,%d,%d) out of range %s", x, y, z, c.dims))
	}
	c.data[c.Index(x, y, z)] = v
}

// Fill sets every sample to v
func (c *Cube[T]) Fill(v T) {
	for i := range c.data {
		c.data[i] = v
	}
}

func (c *Cube[T]) Max() float64 { return floats.Max(c.Float64s()) }
func (c *Cube[T]) Min() float64 { return floats.Min(c.Float64s()) }
func (c *Cube[T]) Sum() float64 { return floats.Sum(c.Float64s()) }

func (c *Cube[T]) Mean() float64 { return stat.Mean(c.Float64s(), nil) }

// Variance is the population variance of the samples
func (c *Cube[T]) Variance() float64 {
	_, v := stat.PopMeanVariance(c.Float64s(), nil)
	return v
}

// Scale multiplies every sample by s
func (c *Cube[T]) Scale(s float64) {
	for i, v := range c.data {
		c.data[i] = T(float64(v) * s)
	}
}

// Normalize divides the samples by their sum. A zero sum leaves c unchanged.
func (c *Cube[T]) Normalize() float64 {
	sum := c.Sum()
	if sum != 0 {
		c.Scale(1 / sum)
	}
	return sum
}

// ClampNegative replaces negative samples with zero
func (c *Cube[T]) ClampNegative() {
	for i, v := range c.data {
		if v < 0 {
			c.data[i] = 0
		}
	}
}
