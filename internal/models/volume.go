package models

import (
	"fmt"
	"math"
	"strings"
)

// maxBytes bounds the byte size of a double precision volume
const maxBytes = math.MaxInt / 8

// Dims holds the size of a volume in voxels
type Dims struct {
	// X is the fastest varying axis (image columns)
	X int

	// Y is the image rows
	Y int

	// Z is the number of optical sections
	Z int
}

// Len returns the number of voxels
func (d Dims) Len() int {
	return d.X * d.Y * d.Z
}

// Valid reports whether every axis has at least one voxel and a double
// precision volume of d is addressable
func (d Dims) Valid() bool {
	if d.X <= 0 || d.Y <= 0 || d.Z <= 0 {
		return false
	}
	return d.X <= maxBytes/d.Y && d.X*d.Y <= maxBytes/d.Z
}

// Even reports whether every axis has an even size
func (d Dims) Even() bool {
	return d.X%2 == 0 && d.Y%2 == 0 && d.Z%2 == 0
}

// PowerOfTwo reports whether every axis is a power of two
func (d Dims) PowerOfTwo() bool {
	return IsPowerOfTwo(d.X) && IsPowerOfTwo(d.Y) && IsPowerOfTwo(d.Z)
}

// Axis returns the size along a
func (d Dims) Axis(a Axis) int {
	switch a {
	case AxisX:
		return d.X
	case AxisY:
		return d.Y
	default:
		return d.Z
	}
}

func (d Dims) String() string {
	return fmt.Sprintf("%dx%dx%d", d.X, d.Y, d.Z)
}

// ParseDims parses "X,Y,Z" or "XxYxZ"
func ParseDims(s string) (Dims, error) {
	var d Dims
	s = strings.ReplaceAll(strings.TrimSpace(s), "x", ",")
	if _, err := fmt.Sscanf(s, "%d,%d,%d", &d.X, &d.Y, &d.Z); err != nil {
		return Dims{}, fmt.Errorf("invalid dimensions %q: %w", s, err)
	}
	return d, nil
}

// IsPowerOfTwo reports whether n is a positive power of two
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// NextPowerOfTwo returns the smallest power of two >= n
func NextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Spacing is the physical size of a voxel in micrometres
type Spacing struct {
	X, Y, Z float64
}

// ParseSpacing parses "dx,dy,dz"
func ParseSpacing(s string) (Spacing, error) {
	var sp Spacing
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%g,%g,%g", &sp.X, &sp.Y, &sp.Z); err != nil {
		return Spacing{}, fmt.Errorf("invalid spacing %q: %w", s, err)
	}
	return sp, nil
}

// Plane selects a 2D section through a volume
type Plane int

const (
	PlaneXY Plane = iota + 1
	PlaneXZ
	PlaneYZ
)

func (p Plane) String() string {
	switch p {
	case PlaneXY:
		return "xy"
	case PlaneXZ:
		return "xz"
	case PlaneYZ:
		return "yz"
	default:
		return fmt.Sprintf("plane(%d)", int(p))
	}
}

// ParsePlane accepts xy, xz, yz
func ParsePlane(s string) (Plane, error) {
	switch strings.ToLower(s) {
	case "xy", "z":
		return PlaneXY, nil
	case "xz", "y":
		return PlaneXZ, nil
	case "yz", "x":
		return PlaneYZ, nil
	}
	return 0, fmt.Errorf("invalid plane: %s (must be xy, xz or yz)", s)
}

// Axis names one of the three volume axes
type Axis int

const (
	AxisX Axis = iota
	AxisY
	AxisZ
)

func (a Axis) String() string {
	return [...]string{"x", "y", "z"}[a]
}

// Precision is the floating point width of voxel data
type Precision int

const (
	Double Precision = iota
	Single
)

func (p Precision) String() string {
	if p == Single {
		return "float32"
	}
	return "float64"
}

// ParsePrecision accepts float32/single and float64/double
func ParsePrecision(s string) (Precision, error) {
	switch strings.ToLower(s) {
	case "float32", "single", "f32":
		return Single, nil
	case "float64", "double", "f64", "":
		return Double, nil
	}
	return Double, fmt.Errorf("invalid precision: %s", s)
}
