package cube

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

var ErrPGM = errors.New("cube: malformed PGM file")

// ReadPGM loads a binary (P5) greymap with 8 or 16 bit samples
func ReadPGM[T Element](path string) (*Slice[T], error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening PGM file: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	magic, err := pgmToken(r)
	if err != nil || magic != "P5" {
		return nil, fmt.Errorf("%w: %s: bad magic %q", ErrPGM, path, magic)
	}
	var vals [3]int
	for i := range vals {
		tok, err := pgmToken(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrPGM, path, err)
		}
		if _, err := fmt.Sscan(tok, &vals[i]); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrPGM, path, err)
		}
	}
	width, height, maxval := vals[0], vals[1], vals[2]
	if maxval <= 0 || maxval > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %s: maxval %d", ErrPGM, path, maxval)
	}
	s, err := NewSlice[T](width, height)
	if err != nil {
		return nil, err
	}

	size := 1
	if maxval > math.MaxUint8 {
		size = 2
	}
	buf := make([]byte, size*s.Len())
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrShortData, path, err)
	}
	for i := range s.data {
		if size == 1 {
			s.data[i] = T(buf[i])
		} else {
			s.data[i] = T(uint16(buf[2*i])<<8 | uint16(buf[2*i+1]))
		}
	}
	return s, nil
}

// pgmToken reads the next whitespace separated header token, skipping
// comments. The single whitespace byte after the token is consumed.
func pgmToken(r *bufio.Reader) (string, error) {
	var tok []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		switch {
		case b == '#' && len(tok) == 0:
			if _, err := r.ReadString('\n'); err != nil {
				return "", err
			}
		case b == ' ' || b == '\t' || b == '\n' || b == '\r':
			if len(tok) > 0 {
				return string(tok), nil
			}
		default:
			tok = append(tok, b)
		}
	}
}

// WritePGM stores s as a P5 greymap. Samples are rounded and clamped to
// [0, 65535]; 8 bit samples are used when the maximum is below 256.
func WritePGM[T Element](s *Slice[T], path string) error {
	maxval := int(clampRound(s.Max(), math.MaxUint16))
	if maxval < 1 {
		maxval = 1
	}
	size := 1
	if maxval > math.MaxUint8 {
		size = 2
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating PGM file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "P5\n%d %d\n%d\n", s.width, s.height, maxval)
	for _, v := range s.data {
		g := uint16(clampRound(float64(v), float64(maxval)))
		if size == 2 {
			w.WriteByte(byte(g >> 8))
		}
		w.WriteByte(byte(g))
	}
	return w.Flush()
}
