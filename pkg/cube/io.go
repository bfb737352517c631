package cube

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"libdeconv/internal/models"
)

var (
	ErrShortData  = errors.New("cube: data file shorter than header dimensions")
	ErrSuffix     = errors.New("cube: unknown data suffix")
	ErrPrecision  = errors.New("cube: cannot narrow float64 data into a float32 cube")
	ErrHeaderData = errors.New("cube: malformed header")
)

// Data file suffixes. i16 samples are unsigned 16 bit big endian, the float
// formats are little endian.
const (
	SuffixU8  = ".u8"
	SuffixI16 = ".i16"
	SuffixF32 = ".f32"
	SuffixF64 = ".f64"
	SuffixHdr = ".hdr"
)

// Head strips the data suffix from path
func Head(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path))
}

// ReadHeader parses a .hdr file. Sizes are stored Z, Y, X one per line.
func ReadHeader(path string) (models.Dims, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.Dims{}, fmt.Errorf("error opening header: %w", err)
	}
	defer f.Close()

	var d models.Dims
	if _, err := fmt.Fscan(bufio.NewReader(f), &d.Z, &d.Y, &d.X); err != nil {
		return models.Dims{}, fmt.Errorf("%w: %s: %v", ErrHeaderData, path, err)
	}
	if !d.Valid() {
		return models.Dims{}, fmt.Errorf("%w: %s: %s", ErrInvalidDims, path, d)
	}
	return d, nil
}

// WriteHeader writes the .hdr file for dims
func WriteHeader(path string, d models.Dims) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n%d\n%d\n", d.Z, d.Y, d.X)), 0644)
}

// ReadFile loads a cube from a data file (.u8, .i16, .f32, .f64) and the
// header sharing its head
func ReadFile[T Element](path string) (*Cube[T], error) {
	suffix := filepath.Ext(path)
	if suffix == SuffixF64 && PrecisionOf[T]() == models.Single {
		return nil, fmt.Errorf("%w: %s", ErrPrecision, path)
	}
	dims, err := ReadHeader(Head(path) + SuffixHdr)
	if err != nil {
		return nil, err
	}
	size, err := sampleSize(suffix)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening data file: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("error opening data file: %w", err)
	}
	if info.Size() < int64(size)*int64(dims.Len()) {
		return nil, fmt.Errorf("%w: %s holds %d bytes, header %s needs %d",
			ErrShortData, path, info.Size(), dims, int64(size)*int64(dims.Len()))
	}

	c, err := New[T](dims)
	if err != nil {
		return nil, err
	}
	if err := decode(bufio.NewReader(f), suffix, c.data); err != nil {
		return nil, fmt.Errorf("error reading %s: %w", path, err)
	}
	return c, nil
}

// sampleSize returns the bytes per voxel of a data file suffix
func sampleSize(suffix string) (int, error) {
	switch suffix {
	case SuffixU8:
		return 1, nil
	case SuffixI16:
		return 2, nil
	case SuffixF32:
		return 4, nil
	case SuffixF64:
		return 8, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrSuffix, suffix)
}

func decode[T Element](r io.Reader, suffix string, dst []T) error {
	size, err := sampleSize(suffix)
	if err != nil {
		return err
	}
	buf := make([]byte, size*len(dst))
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return ErrShortData
		}
		return err
	}
	for i := range dst {
		b := buf[i*size:]
		switch size {
		case 1:
			dst[i] = T(b[0])
		case 2:
			dst[i] = T(binary.BigEndian.Uint16(b))
		case 4:
			dst[i] = T(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		case 8:
			dst[i] = T(math.Float64frombits(binary.LittleEndian.Uint64(b)))
		}
	}
	return nil
}

// WriteFile stores c as head.hdr plus head.f32 or head.f64 according to its
// precision and returns the data file path
func WriteFile[T Element](c *Cube[T], head string) (string, error) {
	suffix := SuffixF64
	if c.Precision() == models.Single {
		suffix = SuffixF32
	}
	return WriteFileAs(c, head, suffix)
}

// WriteFileAs stores c with an explicit data suffix. Integer formats are
// rounded and clamped to their range.
func WriteFileAs[T Element](c *Cube[T], head, suffix string) (string, error) {
	var size int
	switch suffix {
	case SuffixU8:
		size = 1
	case SuffixI16:
		size = 2
	case SuffixF32:
		size = 4
	case SuffixF64:
		size = 8
	default:
		return "", fmt.Errorf("%w: %q", ErrSuffix, suffix)
	}
	if dir := filepath.Dir(head); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("error creating output directory: %w", err)
		}
	}
	if err := WriteHeader(head+SuffixHdr, c.dims); err != nil {
		return "", fmt.Errorf("error writing header: %w", err)
	}

	buf := make([]byte, size*len(c.data))
	for i, v := range c.data {
		b := buf[i*size:]
		switch size {
		case 1:
			b[0] = uint8(clampRound(float64(v), math.MaxUint8))
		case 2:
			binary.BigEndian.PutUint16(b, uint16(clampRound(float64(v), math.MaxUint16)))
		case 4:
			binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
		case 8:
			binary.LittleEndian.PutUint64(b, math.Float64bits(float64(v)))
		}
	}
	path := head + suffix
	if err := os.WriteFile(path, buf, 0644); err != nil {
		return "", fmt.Errorf("error writing data file: %w", err)
	}
	return path, nil
}

func clampRound(v, max float64) float64 {
	v = math.Round(v)
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > max {
		return max
	}
	return v
}
