package bspline

// Basis evaluates the m-th cubic uniform B-spline basis function at the
// fractional position t in [0, 1). For a fixed t the four values sum to one.
func Basis(m int, t float64) float64 {
	t2 := t * t
	t3 := t2 * t
	switch m {
	case 0:
		u := 1 - t
		return u * u * u / 6
	case 1:
		return (3*t3 - 6*t2 + 4) / 6
	case 2:
		return (-3*t3 + 3*t2 + 3*t + 1) / 6
	case 3:
		return t3 / 6
	default:
		return 0
	}
}

// basis4 fills the four basis values for t.
func basis4(t float64, out []float64) {
	for m := 0; m < 4; m++ {
		out[m] = Basis(m, t)
	}
}

// BasisDerivs returns the first and second derivatives of Basis(m, t)
// with respect to t.
func BasisDerivs(m int, t float64) (d1, d2 float64) {
	switch m {
	case 0:
		u := 1 - t
		return -u * u / 2, u
	case 1:
		return 1.5*t*t - 2*t, 3*t - 2
	case 2:
		return -1.5*t*t + t + 0.5, 1 - 3*t
	case 3:
		return t * t / 2, t
	default:
		return 0, 0
	}
}
