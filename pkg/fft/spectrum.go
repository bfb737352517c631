package fft

import (
	"math/cmplx"

	vecmath "github.com/cwbudde/algo-vecmath"
)

// Power writes |spec|² into dst
func Power(dst []float64, spec []complex128) {
	re := make([]float64, len(spec))
	im := make([]float64, len(spec))
	for i, v := range spec {
		re[i], im[i] = real(v), imag(v)
	}
	vecmath.Power(dst, re, im)
}

// MulInto sets dst = a·b elementwise
func MulInto(dst, a, b []complex128) {
	for i := range dst {
		dst[i] = a[i] * b[i]
	}
}

// MulConjInto sets dst = a·conj(b) elementwise
func MulConjInto(dst, a, b []complex128) {
	for i := range dst {
		dst[i] = a[i] * cmplx.Conj(b[i])
	}
}

// Mask zeroes the coefficients where keep is false
func Mask(spec []complex128, keep []bool) {
	for i, k := range keep {
		if !k {
			spec[i] = 0
		}
	}
}
