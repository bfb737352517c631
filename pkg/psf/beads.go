package psf

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"

	"libdeconv/internal/models"
	"libdeconv/pkg/cube"
)

// beadPoint is a candidate bead position for the isolation search
type beadPoint struct {
	X, Y, Z float64
	idx     int
}

// Compare implements the kdtree.Comparable interface
func (p beadPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(beadPoint)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

func (p beadPoint) Dims() int { return 3 }

// Distance returns the squared Euclidean distance
func (p beadPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(beadPoint)
	dx, dy, dz := p.X-q.X, p.Y-q.Y, p.Z-q.Z
	return dx*dx + dy*dy + dz*dz
}

// beadPoints satisfies kdtree.Interface
type beadPoints []beadPoint

func (p beadPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p beadPoints) Len() int                              { return len(p) }
func (p beadPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

func (p beadPoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(beadPlane{beadPoints: p, Dim: d}, kdtree.MedianOfRandoms(beadPlane{beadPoints: p, Dim: d}, 100))
}

// beadPlane implements kdtree.SortSlicer
type beadPlane struct {
	beadPoints
	kdtree.Dim
}

func (p beadPlane) Less(i, j int) bool {
	return p.beadPoints[i].Compare(p.beadPoints[j], p.Dim) < 0
}

func (p beadPlane) Slice(start, end int) kdtree.SortSlicer {
	return beadPlane{beadPoints: p.beadPoints[start:end], Dim: p.Dim}
}

func (p beadPlane) Swap(i, j int) {
	p.beadPoints[i], p.beadPoints[j] = p.beadPoints[j], p.beadPoints[i]
}

// Bead is an accepted bead location and its peak intensity
type Bead struct {
	X, Y, Z int
	Peak    float64
}

// DistillOptions controls bead selection
type DistillOptions struct {
	// Window is the size of the extracted kernel; it must be even
	Window models.Dims

	// Threshold is the minimum peak as a fraction of the image maximum
	Threshold float64

	// MinSeparation is the smallest distance in voxels to any other
	// candidate for a bead to count as isolated
	MinSeparation float64

	// MaxBeads caps the number of averaged beads, brightest first (0 = all)
	MaxBeads int
}

// DefaultDistillOptions returns options for a 32x32x16 window
func DefaultDistillOptions() DistillOptions {
	return DistillOptions{
		Window:        models.Dims{X: 32, Y: 32, Z: 16},
		Threshold:     0.5,
		MinSeparation: 32,
	}
}

// Distill averages isolated sub-resolution beads of img into a centred,
// unit-sum kernel
func Distill[T cube.Element](img *cube.Cube[T], opts DistillOptions) (*cube.Cube[float64], []Bead, error) {
	w := opts.Window
	if !w.Valid() || !w.Even() {
		return nil, nil, fmt.Errorf("%w: window %s", ErrDims, w)
	}
	d := img.Dims()
	data := img.Float64s()
	threshold := opts.Threshold * img.Max()

	var candidates []Bead
	for z := 0; z < d.Z; z++ {
		for y := 0; y < d.Y; y++ {
			for x := 0; x < d.X; x++ {
				v := data[img.Index(x, y, z)]
				if v > threshold && isLocalMax(img, data, x, y, z) {
					candidates = append(candidates, Bead{X: x, Y: y, Z: z, Peak: v})
				}
			}
		}
	}
	if len(candidates) == 0 {
		return nil, nil, ErrNoBeads
	}

	points := make(beadPoints, len(candidates))
	for i, c := range candidates {
		points[i] = beadPoint{X: float64(c.X), Y: float64(c.Y), Z: float64(c.Z), idx: i}
	}
	tree := kdtree.New(append(beadPoints(nil), points...), true)

	var accepted []Bead
	for i, c := range candidates {
		keeper := kdtree.NewDistKeeper(opts.MinSeparation * opts.MinSeparation)
		tree.NearestSet(keeper, points[i])
		neighbours := 0
		for _, item := range keeper.Heap {
			if item.Comparable == nil {
				continue
			}
			if item.Comparable.(beadPoint).idx != i {
				neighbours++
			}
		}
		if neighbours > 0 {
			continue
		}
		x0, y0, z0 := c.X-w.X/2, c.Y-w.Y/2, c.Z-w.Z/2
		if x0 < 0 || y0 < 0 || z0 < 0 || x0+w.X > d.X || y0+w.Y > d.Y || z0+w.Z > d.Z {
			continue
		}
		accepted = append(accepted, c)
	}
	if len(accepted) == 0 {
		return nil, nil, ErrNoBeads
	}
	sort.Slice(accepted, func(i, j int) bool { return accepted[i].Peak > accepted[j].Peak })
	if opts.MaxBeads > 0 && len(accepted) > opts.MaxBeads {
		accepted = accepted[:opts.MaxBeads]
	}

	sum, _ := cube.New[float64](w)
	sum.SetSpacing(img.Spacing())
	acc := sum.Data()
	for _, b := range accepted {
		region, err := img.Region(b.X-w.X/2, b.Y-w.Y/2, b.Z-w.Z/2, w)
		if err != nil {
			return nil, nil, err
		}
		background := region.Min()
		for i, v := range region.Data() {
			acc[i] += float64(v) - background
		}
	}
	if sum.Normalize() <= 0 {
		return nil, nil, ErrEmptyKernel
	}
	return sum, accepted, nil
}

// isLocalMax reports whether voxel (x, y, z) is not exceeded by any of its
// neighbours. Ties go to the voxel with the lowest index.
func isLocalMax[T cube.Element](img *cube.Cube[T], data []float64, x, y, z int) bool {
	centre := img.Index(x, y, z)
	v := data[centre]
	for dz := -1; dz <= 1; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if (dx == 0 && dy == 0 && dz == 0) || !img.Contains(x+dx, y+dy, z+dz) {
					continue
				}
				n := img.Index(x+dx, y+dy, z+dz)
				if data[n] > v || (data[n] == v && n < centre) {
					return false
				}
			}
		}
	}
	return true
}
