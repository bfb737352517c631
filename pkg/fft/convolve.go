package fft

import (
	"fmt"

	"libdeconv/internal/models"
	"libdeconv/pkg/cube"
)

// Mode selects the boundary treatment of a convolution
type Mode int

const (
	// Circular wraps at the volume edges. The kernel has the image dimensions
	// and its origin at index 0.
	Circular Mode = iota
	// Linear zero-pads both operands so nothing wraps. The kernel is centred
	// and may be smaller than the image; the result has the image dimensions.
	Linear
)

// LinearSize is the padded power-of-two size that avoids wrap-around for an
// image of size img convolved with a kernel of size k
func LinearSize(img, k models.Dims) models.Dims {
	return models.Dims{
		X: models.NextPowerOfTwo(img.X + k.X - 1),
		Y: models.NextPowerOfTwo(img.Y + k.Y - 1),
		Z: models.NextPowerOfTwo(img.Z + k.Z - 1),
	}
}

// Convolve returns img convolved with kernel
func Convolve[T cube.Element](img *cube.Cube[T], kernel cube.Volume, mode Mode, opts ...Option) (*cube.Cube[T], error) {
	return filter(img, kernel, mode, false, opts)
}

// Correlate returns img correlated with kernel, the adjoint of Convolve
func Correlate[T cube.Element](img *cube.Cube[T], kernel cube.Volume, mode Mode, opts ...Option) (*cube.Cube[T], error) {
	return filter(img, kernel, mode, true, opts)
}

func filter[T cube.Element](img *cube.Cube[T], kernel cube.Volume, mode Mode, conj bool, opts []Option) (*cube.Cube[T], error) {
	if kernel.Precision() != img.Precision() {
		return nil, fmt.Errorf("%w: image %s, kernel %s", ErrPrecisionMismatch, img.Precision(), kernel.Precision())
	}
	d, kd := img.Dims(), kernel.Dims()

	var work models.Dims
	var a, b []float64
	switch mode {
	case Circular:
		if d != kd {
			return nil, fmt.Errorf("%w: image %s, kernel %s", ErrShapeMismatch, d, kd)
		}
		work, a, b = d, img.Float64s(), kernel.Float64s()
	case Linear:
		work = LinearSize(d, kd)
		a = embed(img.Float64s(), d, work, [3]int{})
		b = embed(kernel.Float64s(), kd, work, [3]int{-kd.X / 2, -kd.Y / 2, -kd.Z / 2})
	default:
		return nil, fmt.Errorf("fft: unknown convolution mode %d", mode)
	}

	plan, err := NewPlan(work, opts...)
	if err != nil {
		return nil, err
	}
	sa, err := plan.Forward(a)
	if err != nil {
		return nil, err
	}
	sb, err := plan.Forward(b)
	if err != nil {
		return nil, err
	}
	if conj {
		MulConjInto(sa, sa, sb)
	} else {
		MulInto(sa, sa, sb)
	}
	res, err := plan.Inverse(sa)
	if err != nil {
		return nil, err
	}

	if mode == Linear {
		res = extract(res, work, d)
	}
	out, err := cube.FromFloat64s[T](d, res)
	if err != nil {
		return nil, err
	}
	out.SetSpacing(img.Spacing())
	return out, nil
}

// embed places src (size sd) into a zero volume of size dd with its voxel
// (0,0,0) at offset, wrapping negative positions
func embed(src []float64, sd, dd models.Dims, offset [3]int) []float64 {
	dst := make([]float64, dd.Len())
	for z := 0; z < sd.Z; z++ {
		tz := wrap(z+offset[2], dd.Z)
		for y := 0; y < sd.Y; y++ {
			ty := wrap(y+offset[1], dd.Y)
			for x := 0; x < sd.X; x++ {
				tx := wrap(x+offset[0], dd.X)
				dst[tx+ty*dd.X+tz*dd.X*dd.Y] = src[x+y*sd.X+z*sd.X*sd.Y]
			}
		}
	}
	return dst
}

// extract copies the corner region of size sd out of a volume of size dd
func extract(src []float64, dd, sd models.Dims) []float64 {
	dst := make([]float64, sd.Len())
	for z := 0; z < sd.Z; z++ {
		for y := 0; y < sd.Y; y++ {
			copy(dst[y*sd.X+z*sd.X*sd.Y:], src[y*dd.X+z*dd.X*dd.Y:y*dd.X+z*dd.X*dd.Y+sd.X])
		}
	}
	return dst
}

func wrap(i, n int) int {
	i %= n
	if i < 0 {
		i += n
	}
	return i
}
