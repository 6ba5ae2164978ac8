package score

// Plain and unrolled 64-term loops. The unrolled versions touch four knots
// per iteration but keep the summation order of the plain versions, so the
// two produce bit-identical results.

func dotKnotsPlain(coeff []float64, knots []int, w []float64) [3]float64 {
	knots = knots[:64]
	w = w[:64]

	var d [3]float64
	for m := 0; m < 64; m++ {
		c := coeff[3*knots[m] : 3*knots[m]+3]
		d[0] += c[0] * w[m]
		d[1] += c[1] * w[m]
		d[2] += c[2] * w[m]
	}
	return d
}

func dotKnotsUnrolled(coeff []float64, knots []int, w []float64) [3]float64 {
	knots = knots[:64]
	w = w[:64]

	var dx, dy, dz float64
	for m := 0; m < 64; m += 4 {
		c0 := coeff[3*knots[m] : 3*knots[m]+3]
		c1 := coeff[3*knots[m+1] : 3*knots[m+1]+3]
		c2 := coeff[3*knots[m+2] : 3*knots[m+2]+3]
		c3 := coeff[3*knots[m+3] : 3*knots[m+3]+3]
		w0, w1, w2, w3 := w[m], w[m+1], w[m+2], w[m+3]

		dx += c0[0] * w0
		dy += c0[1] * w0
		dz += c0[2] * w0

		dx += c1[0] * w1
		dy += c1[1] * w1
		dz += c1[2] * w1

		dx += c2[0] * w2
		dy += c2[1] * w2
		dz += c2[2] * w2

		dx += c3[0] * w3
		dy += c3[1] * w3
		dz += c3[2] * w3
	}
	return [3]float64{dx, dy, dz}
}

func scatterKnotsPlain(grad []float64, knots []int, w []float64, v [3]float64) {
	knots = knots[:64]
	w = w[:64]

	for m := 0; m < 64; m++ {
		g := grad[3*knots[m] : 3*knots[m]+3]
		g[0] += v[0] * w[m]
		g[1] += v[1] * w[m]
		g[2] += v[2] * w[m]
	}
}

func scatterKnotsUnrolled(grad []float64, knots []int, w []float64, v [3]float64) {
	knots = knots[:64]
	w = w[:64]
	vx, vy, vz := v[0], v[1], v[2]

	for m := 0; m < 64; m += 4 {
		g0 := grad[3*knots[m] : 3*knots[m]+3]
		g1 := grad[3*knots[m+1] : 3*knots[m+1]+3]
		g2 := grad[3*knots[m+2] : 3*knots[m+2]+3]
		g3 := grad[3*knots[m+3] : 3*knots[m+3]+3]
		w0, w1, w2, w3 := w[m], w[m+1], w[m+2], w[m+3]

		g0[0] += vx * w0
		g0[1] += vy * w0
		g0[2] += vz * w0

		g1[0] += vx * w1
		g1[1] += vy * w1
		g1[2] += vz * w1

		g2[0] += vx * w2
		g2[1] += vy * w2
		g2[2] += vz * w2

		g3[0] += vx * w3
		g3[1] += vy * w3
		g3[2] += vz * w3
	}
}
