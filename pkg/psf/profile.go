package psf

import (
	"fmt"
	"io"
)

func writeOptics(w io.Writer, o Optics) {
	fmt.Fprintf(w, "%10.4f -> Lateral Nyquist distance (um).\n", o.NyquistXY())
	fmt.Fprintf(w, "%10.4f -> Axial Nyquist distance (um).\n", o.NyquistZ())
	fmt.Fprintf(w, "%10.4f -> Numerical aperture of the objective.\n", o.NA)
	fmt.Fprintf(w, "%10.4f -> Emission wavelength (um).\n", o.Wavelength)
	fmt.Fprintf(w, "%10.4f -> Refractive index of the immersion medium in use.\n", o.RI)
	if o.coverActive() {
		c := o.CoverSlip
		fmt.Fprintf(w, "%10.4f -> Refractive index of the cover slip in use.\n", c.ActualRI)
		fmt.Fprintf(w, "%10.4f -> Refractive index of the cover slip required by the objective.\n", c.RequiredRI)
		fmt.Fprintf(w, "%10.4f -> Thickness (um) of the cover slip in use.\n", c.ActualThickness)
		fmt.Fprintf(w, "%10.4f -> Thickness (um) of the cover slip required by the objective.\n", c.RequiredThickness)
	}
	if o.immersionActive() {
		fmt.Fprintf(w, "%10.4f -> Refractive index of the immersion medium required by the objective.\n", o.Immersion.RequiredRI)
		fmt.Fprintf(w, "%10.4f -> Objective working distance (um).\n", o.Immersion.WorkingDistance)
	}
}

// Profile writes a human readable description of the kernel
func (p *Fluo3D) Profile(w io.Writer) {
	d := p.kernel.Dims()
	if p.measured {
		fmt.Fprintf(w, "# measured widefield fluorescence PSF\n")
	} else {
		fmt.Fprintf(w, "# computed widefield fluorescence PSF\n")
		writeOptics(w, p.optics)
	}
	fmt.Fprintf(w, "%10.4f -> X calibration (um).\n", p.spacing.X)
	fmt.Fprintf(w, "%10.4f -> Y calibration (um).\n", p.spacing.Y)
	fmt.Fprintf(w, "%10.4f -> Sectioning (um).\n", p.spacing.Z)
	fmt.Fprintf(w, "%10d -> X dimension.\n", d.X)
	fmt.Fprintf(w, "%10d -> Y dimension.\n", d.Y)
	fmt.Fprintf(w, "%10d -> Z dimension.\n", d.Z)
	fmt.Fprintf(w, "%10s -> Precision.\n", p.precision)
}

// Profile writes a human readable description of the table and its limits
func (p *FluoRZ) Profile(w io.Writer) {
	fmt.Fprintf(w, "# radially symmetric widefield fluorescence PSF table\n")
	writeOptics(w, p.optics)
	fmt.Fprintf(w, "%10.4f -> Radial calibration (um).\n", p.dr)
	fmt.Fprintf(w, "%10.4f -> Sectioning (um).\n", p.dz)
	fmt.Fprintf(w, "%10d -> Radial samples.\n", p.radial)
	fmt.Fprintf(w, "%10d -> Sections.\n", p.sections)
	fmt.Fprintf(w, "%10.4f -> Finest lateral calibration without supersampling (um).\n", p.MinCalibration(1))
	fmt.Fprintf(w, "%10d -> Largest lateral dimension at Nyquist sampling.\n", p.MaxDimension(p.optics.NyquistXY()))
	fmt.Fprintf(w, "%10s -> Precision.\n", p.precision)
}
