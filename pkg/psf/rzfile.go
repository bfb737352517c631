package psf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"libdeconv/internal/models"
)

// r-z table file suffixes: a text header and little endian float64 data
const (
	SuffixRZHeader = ".rzh"
	SuffixRZData   = ".rzd"
)

// nyquistTolerance bounds the difference between stored and recomputed
// Nyquist distances when a table is loaded
const nyquistTolerance = 1e-4

// Save writes head.rzh and head.rzd
func (p *FluoRZ) Save(head string) error {
	if dir := filepath.Dir(head); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("error creating output directory: %w", err)
		}
	}
	f, err := os.Create(head + SuffixRZHeader)
	if err != nil {
		return fmt.Errorf("error creating table header: %w", err)
	}
	w := bufio.NewWriter(f)
	p.writeHeader(w)
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("error writing table header: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	buf := make([]byte, 8*len(p.table))
	for i, v := range p.table {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	if err := os.WriteFile(head+SuffixRZData, buf, 0644); err != nil {
		return fmt.Errorf("error writing table data: %w", err)
	}
	return nil
}

func (p *FluoRZ) writeHeader(w io.Writer) {
	o := p.optics
	fmt.Fprintf(w, "# radially symmetric widefield fluorescence PSF table\n")
	fmt.Fprintf(w, "%14.6f -> Radial calibration (um).\n", p.dr)
	fmt.Fprintf(w, "%14.6f -> Sectioning (um).\n", p.dz)
	fmt.Fprintf(w, "%14d -> Radial samples.\n", p.radial)
	fmt.Fprintf(w, "%14d -> Sections.\n", p.sections)
	fmt.Fprintf(w, "%14.6f -> Lateral Nyquist distance (um).\n", o.NyquistXY())
	fmt.Fprintf(w, "%14.6f -> Axial Nyquist distance (um).\n", o.NyquistZ())
	fmt.Fprintf(w, "%14.6f -> Numerical aperture.\n", o.NA)
	fmt.Fprintf(w, "%14.6f -> Emission wavelength (um).\n", o.Wavelength)
	fmt.Fprintf(w, "%14.6f -> Refractive index of the immersion medium.\n", o.RI)
	if c := o.CoverSlip; c != nil {
		fmt.Fprintf(w, "%14.6f -> Refractive index of the cover slip in use.\n", c.ActualRI)
		fmt.Fprintf(w, "%14.6f -> Refractive index of the cover slip required by the objective.\n", c.RequiredRI)
		fmt.Fprintf(w, "%14.6f -> Thickness (um) of the cover slip in use.\n", c.ActualThickness)
		fmt.Fprintf(w, "%14.6f -> Thickness (um) of the cover slip required by the objective.\n", c.RequiredThickness)
	}
	if m := o.Immersion; m != nil {
		fmt.Fprintf(w, "%14.6f -> Refractive index of the immersion medium required by the objective.\n", m.RequiredRI)
		fmt.Fprintf(w, "%14.6f -> Objective working distance (um).\n", m.WorkingDistance)
	}
}

// LoadRZ reads a table saved by Save. The stored Nyquist distances must agree
// with the stored optics.
func LoadRZ(head string, precision models.Precision) (*FluoRZ, error) {
	head = strings.TrimSuffix(strings.TrimSuffix(head, SuffixRZHeader), SuffixRZData)
	values, err := readHeaderValues(head + SuffixRZHeader)
	if err != nil {
		return nil, err
	}

	var optics Optics
	switch len(values) {
	case 9, 11, 13, 15:
	default:
		return nil, fmt.Errorf("%w: %d header values", ErrHeaderMismatch, len(values))
	}
	optics.NA, optics.Wavelength, optics.RI = values[6], values[7], values[8]
	rest := values[9:]
	if len(rest) >= 4 {
		optics.CoverSlip = &CoverSlipMismatch{
			ActualRI:          rest[0],
			RequiredRI:        rest[1],
			ActualThickness:   rest[2],
			RequiredThickness: rest[3],
		}
		rest = rest[4:]
	}
	if len(rest) == 2 {
		optics.Immersion = &ImmersionMismatch{RequiredRI: rest[0], WorkingDistance: rest[1]}
	}

	p, err := newFluoRZ(optics, int(values[2]), int(values[3]), values[0], values[1], precision)
	if err != nil {
		return nil, err
	}
	if math.Abs(values[4]-optics.NyquistXY()) > nyquistTolerance ||
		math.Abs(values[5]-optics.NyquistZ()) > nyquistTolerance {
		return nil, fmt.Errorf("%w: Nyquist distances %g/%g, optics give %g/%g", ErrHeaderMismatch,
			values[4], values[5], optics.NyquistXY(), optics.NyquistZ())
	}

	f, err := os.Open(head + SuffixRZData)
	if err != nil {
		return nil, fmt.Errorf("error opening table data: %w", err)
	}
	defer f.Close()
	buf := make([]byte, 8*len(p.table))
	if _, err := io.ReadFull(bufio.NewReader(f), buf); err != nil {
		return nil, fmt.Errorf("error reading table data: %w", err)
	}
	for i := range p.table {
		p.table[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return p, nil
}

// readHeaderValues collects the number in front of "->" on every line,
// skipping blank lines and comments
func readHeaderValues(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening table header: %w", err)
	}
	defer f.Close()

	var values []float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		field, _, _ := strings.Cut(line, "->")
		v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrHeaderMismatch, line, err)
		}
		values = append(values, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading table header: %w", err)
	}
	return values, nil
}
