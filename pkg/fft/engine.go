// Package fft implements the in-place 3D Fourier transforms and the
// circular and linear convolutions shared by the deconvolution engines.
package fft

import (
	"errors"
	"fmt"
	"strings"

	algofft "github.com/MeKo-Christian/algo-fft"
	"gonum.org/v1/gonum/dsp/fourier"
)

var (
	ErrNotPowerOfTwo     = errors.New("fft: dimensions must be powers of two")
	ErrPrecisionMismatch = errors.New("fft: operand precisions differ")
	ErrShapeMismatch     = errors.New("fft: operand dimensions differ")
	ErrLength            = errors.New("fft: buffer length does not match plan")
)

// Engine selects the 1D transform used along each axis
type Engine int

const (
	// EngineGonum uses gonum's mixed radix complex FFT
	EngineGonum Engine = iota
	// EngineAlgo uses the algo-fft planner
	EngineAlgo
)

func (e Engine) String() string {
	if e == EngineAlgo {
		return "algo"
	}
	return "gonum"
}

// ParseEngine accepts "gonum" and "algo"
func ParseEngine(s string) (Engine, error) {
	switch strings.ToLower(s) {
	case "", "gonum":
		return EngineGonum, nil
	case "algo", "algo-fft":
		return EngineAlgo, nil
	}
	return EngineGonum, fmt.Errorf("invalid fft engine: %s (must be gonum or algo)", s)
}

// LineEngine transforms one line of complex samples. Inverse is scaled by 1/n.
// Implementations hold scratch state and are not safe for concurrent use.
type LineEngine interface {
	Len() int
	Forward(dst, src []complex128) error
	Inverse(dst, src []complex128) error
}

// NewLineEngine creates a line transform of length n
func NewLineEngine(e Engine, n int) (LineEngine, error) {
	switch e {
	case EngineAlgo:
		plan, err := algofft.NewPlan64(n)
		if err != nil {
			return nil, fmt.Errorf("error creating algo-fft plan of length %d: %w", n, err)
		}
		return &algoLine{n: n, plan: plan}, nil
	default:
		return &gonumLine{n: n, fft: fourier.NewCmplxFFT(n), scale: 1 / float64(n)}, nil
	}
}

type gonumLine struct {
	n     int
	fft   *fourier.CmplxFFT
	scale float64
}

func (l *gonumLine) Len() int { return l.n }

func (l *gonumLine) Forward(dst, src []complex128) error {
	l.fft.Coefficients(dst, src)
	return nil
}

// Inverse normalizes gonum's unscaled sequence
func (l *gonumLine) Inverse(dst, src []complex128) error {
	l.fft.Sequence(dst, src)
	s := complex(l.scale, 0)
	for i := range dst {
		dst[i] *= s
	}
	return nil
}

type algoLine struct {
	n    int
	plan *algofft.Plan[complex128]
}

func (l *algoLine) Len() int { return l.n }

func (l *algoLine) Forward(dst, src []complex128) error {
	return l.plan.Forward(dst, src)
}

func (l *algoLine) Inverse(dst, src []complex128) error {
	return l.plan.Inverse(dst, src)
}
