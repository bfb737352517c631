package cube

import (
	"fmt"
	"math"

	"libdeconv/internal/models"
)

// DrawCylinder fills an elliptic cylinder with value. The cross-section lies in
// the XY plane with radii rx, ry; the height hz is split around cz with the
// extra section above the centre for odd heights.
func (c *Cube[T]) DrawCylinder(cx, cy, cz, rx, ry, hz int, value T) error {
	z0 := cz - hz/2
	z1 := cz + (hz+1)/2
	if rx <= 0 || ry <= 0 || hz <= 0 ||
		cx-rx < 0 || cx+rx >= c.dims.X || cy-ry < 0 || cy+ry >= c.dims.Y ||
		z0 < 0 || z1 > c.dims.Z {
		return fmt.Errorf("%w: cylinder at (%d,%d,%d) radii %dx%d height %d",
			ErrOutOfBounds, cx, cy, cz, rx, ry, hz)
	}
	frx, fry := float64(rx), float64(ry)
	for z := z0; z < z1; z++ {
		for y := cy - ry; y <= cy+ry; y++ {
			dy := float64(y-cy) / fry
			for x := cx - rx; x <= cx+rx; x++ {
				dx := float64(x-cx) / frx
				if dx*dx+dy*dy <= 1 {
					c.data[c.Index(x, y, z)] = value
				}
			}
		}
	}
	return nil
}

// DrawEllipse fills an ellipsoid with semi-axes rx, ry, rz centred on (cx, cy, cz)
func (c *Cube[T]) DrawEllipse(cx, cy, cz, rx, ry, rz int, value T) error {
	if rx <= 0 || ry <= 0 || rz <= 0 ||
		cx-rx < 0 || cx+rx >= c.dims.X || cy-ry < 0 || cy+ry >= c.dims.Y ||
		cz-rz < 0 || cz+rz >= c.dims.Z {
		return fmt.Errorf("%w: ellipse at (%d,%d,%d) radii %dx%dx%d",
			ErrOutOfBounds, cx, cy, cz, rx, ry, rz)
	}
	frx, fry, frz := float64(rx), float64(ry), float64(rz)
	for z := cz - rz; z <= cz+rz; z++ {
		dz := float64(z-cz) / frz
		for y := cy - ry; y <= cy+ry; y++ {
			dy := float64(y-cy) / fry
			for x := cx - rx; x <= cx+rx; x++ {
				dx := float64(x-cx) / frx
				if dx*dx+dy*dy+dz*dz <= 1 {
					c.data[c.Index(x, y, z)] = value
				}
			}
		}
	}
	return nil
}

// window copies the box starting at origin with size dims into a new cube.
// Voxels outside c are filled with value.
func (c *Cube[T]) window(origin [3]int, dims models.Dims, value T) *Cube[T] {
	out := &Cube[T]{dims: dims, spacing: c.spacing, data: make([]T, dims.Len())}
	for z := 0; z < dims.Z; z++ {
		sz := origin[2] + z
		for y := 0; y < dims.Y; y++ {
			sy := origin[1] + y
			for x := 0; x < dims.X; x++ {
				sx := origin[0] + x
				v := value
				if c.Contains(sx, sy, sz) {
					v = c.data[c.Index(sx, sy, sz)]
				}
				out.data[x+y*dims.X+z*dims.X*dims.Y] = v
			}
		}
	}
	return out
}

// Crop keeps the inclusive range [i0, i1] along axis
func (c *Cube[T]) Crop(axis models.Axis, i0, i1 int) (*Cube[T], error) {
	n := c.dims.Axis(axis)
	if i0 < 0 || i0 > n-2 || i1 < 1 || i1 > n-1 || i0 >= i1 {
		return nil, fmt.Errorf("%w: [%d,%d] along %s of size %d", ErrCropRange, i0, i1, axis, n)
	}
	dims := c.dims
	var origin [3]int
	origin[axis] = i0
	switch axis {
	case models.AxisX:
		dims.X = i1 - i0 + 1
	case models.AxisY:
		dims.Y = i1 - i0 + 1
	default:
		dims.Z = i1 - i0 + 1
	}
	return c.window(origin, dims, 0), nil
}

// Pad adds before and after samples of value along axis
func (c *Cube[T]) Pad(axis models.Axis, before, after int, value T) (*Cube[T], error) {
	if before < 0 || after < 0 {
		return nil, fmt.Errorf("cube: negative padding %d/%d", before, after)
	}
	dims := c.dims
	var origin [3]int
	origin[axis] = -before
	switch axis {
	case models.AxisX:
		dims.X += before + after
	case models.AxisY:
		dims.Y += before + after
	default:
		dims.Z += before + after
	}
	return c.window(origin, dims, value), nil
}

// PadTo embeds c at the centre of a larger cube filled with value
func (c *Cube[T]) PadTo(dims models.Dims, value T) (*Cube[T], error) {
	if dims.X < c.dims.X || dims.Y < c.dims.Y || dims.Z < c.dims.Z {
		return nil, fmt.Errorf("%w: cannot pad %s to %s", ErrOutOfBounds, c.dims, dims)
	}
	origin := [3]int{
		-(dims.X - c.dims.X) / 2,
		-(dims.Y - c.dims.Y) / 2,
		-(dims.Z - c.dims.Z) / 2,
	}
	return c.window(origin, dims, value), nil
}

// CropTo extracts the centred region of size dims; it undoes PadTo
func (c *Cube[T]) CropTo(dims models.Dims) (*Cube[T], error) {
	if !dims.Valid() || dims.X > c.dims.X || dims.Y > c.dims.Y || dims.Z > c.dims.Z {
		return nil, fmt.Errorf("%w: cannot crop %s to %s", ErrOutOfBounds, c.dims, dims)
	}
	origin := [3]int{
		(c.dims.X - dims.X) / 2,
		(c.dims.Y - dims.Y) / 2,
		(c.dims.Z - dims.Z) / 2,
	}
	return c.window(origin, dims, 0), nil
}

// Shift swaps the half-spaces of every axis, moving the origin between the
// corner (wrapped layout) and the centre (centred layout). Applying it twice
// restores the input.
func (c *Cube[T]) Shift() (*Cube[T], error) {
	if !c.dims.Even() {
		return nil, fmt.Errorf("%w: %s", ErrOddDims, c.dims)
	}
	out := &Cube[T]{dims: c.dims, spacing: c.spacing, data: make([]T, len(c.data))}
	hx, hy, hz := c.dims.X/2, c.dims.Y/2, c.dims.Z/2
	for z := 0; z < c.dims.Z; z++ {
		tz := (z + hz) % c.dims.Z
		for y := 0; y < c.dims.Y; y++ {
			ty := (y + hy) % c.dims.Y
			for x := 0; x < c.dims.X; x++ {
				tx := (x + hx) % c.dims.X
				out.data[out.Index(tx, ty, tz)] = c.data[c.Index(x, y, z)]
			}
		}
	}
	return out, nil
}

// Centroid returns the intensity-weighted centre of mass
func (c *Cube[T]) Centroid() (x, y, z float64) {
	var sum float64
	for k := 0; k < c.dims.Z; k++ {
		for j := 0; j < c.dims.Y; j++ {
			for i := 0; i < c.dims.X; i++ {
				v := float64(c.data[c.Index(i, j, k)])
				x += v * float64(i)
				y += v * float64(j)
				z += v * float64(k)
				sum += v
			}
		}
	}
	if sum == 0 || math.IsNaN(sum) {
		return 0, 0, 0
	}
	return x / sum, y / sum, z / sum
}

// Region copies the box of size dims whose first voxel is (x0, y0, z0)
func (c *Cube[T]) Region(x0, y0, z0 int, dims models.Dims) (*Cube[T], error) {
	if !dims.Valid() || x0 < 0 || y0 < 0 || z0 < 0 ||
		x0+dims.X > c.dims.X || y0+dims.Y > c.dims.Y || z0+dims.Z > c.dims.Z {
		return nil, fmt.Errorf("%w: region %s at (%d,%d,%d) in %s", ErrOutOfBounds, dims, x0, y0, z0, c.dims)
	}
	return c.window([3]int{x0, y0, z0}, dims, 0), nil
}
