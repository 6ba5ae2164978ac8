package bspline

import (
	"gonum.org/v1/gonum/mat"
)

// Second-derivative terms of the bending energy, in the row order of
// BendingLUT.Derivatives.
const (
	TermXX = iota
	TermYY
	TermZZ
	TermXY
	TermXZ
	TermYZ
	NumBendingTerms
)

// bendingTerms lists, per term, the derivative order taken along x, y and z
// and the weight of its square. Mixed terms appear twice in the Hessian.
var bendingTerms = [NumBendingTerms]struct {
	order  [3]int
	weight float64
}{
	TermXX: {[3]int{2, 0, 0}, 1},
	TermYY: {[3]int{0, 2, 0}, 1},
	TermZZ: {[3]int{0, 0, 2}, 1},
	TermXY: {[3]int{1, 1, 0}, 2},
	TermXZ: {[3]int{1, 0, 1}, 2},
	TermYZ: {[3]int{0, 1, 1}, 2},
}

// BendingLUT is the derivative counterpart of AlignedLUT and SeparableLUT.
// It keeps, per axis, the basis values and their first and second
// derivatives in physical units, and folds them into the 64x64 quadratic
// form that gives the bending energy of one region:
//
//	E = sum over voxel positions and components of
//	    u_xx² + u_yy² + u_zz² + 2u_xy² + 2u_xz² + 2u_yz²
//
// All regions share the form because the grid is uniform. Every voxel
// position of every region is sampled, including positions past the ROI in
// partial edge regions.
type BendingLUT struct {
	knotTable
	// axes[order][d] holds the order-th derivative at [q*4+m].
	axes     [3]axisTables
	voxPerRg [3]int
	regions  int
	form     *mat.SymDense
}

// BuildBending builds the derivative tables and the region form for g.
func BuildBending(g *Geometry) *BendingLUT {
	b := &BendingLUT{
		knotTable: buildKnotTable(g),
		voxPerRg:  g.VoxPerRgn,
		regions:   g.NumRegions(),
	}
	for d := 0; d < 3; d++ {
		vpr := g.VoxPerRgn[d]
		h := g.GridSpacing[d]
		for order := range b.axes {
			b.axes[order][d] = make([]float64, vpr*4)
		}
		for q := 0; q < vpr; q++ {
			t := float64(q) / float64(vpr)
			for m := 0; m < 4; m++ {
				d1, d2 := BasisDerivs(m, t)
				b.axes[0][d][q*4+m] = Basis(m, t)
				b.axes[1][d][q*4+m] = d1 / h
				b.axes[2][d][q*4+m] = d2 / (h * h)
			}
		}
	}
	b.form = b.buildForm()
	return b
}

// buildForm sums the squared derivative rows over all offsets. The offsets
// form a product grid, so each term factors into three 4x4 Gram matrices.
func (b *BendingLUT) buildForm() *mat.SymDense {
	var gram [3][3][4][4]float64
	for order := 0; order < 3; order++ {
		for d := 0; d < 3; d++ {
			tab := b.axes[order][d]
			for q := 0; q < b.voxPerRg[d]; q++ {
				row := tab[q*4 : q*4+4]
				for i := 0; i < 4; i++ {
					for j := 0; j < 4; j++ {
						gram[order][d][i][j] += row[i] * row[j]
					}
				}
			}
		}
	}

	form := mat.NewSymDense(64, nil)
	for m := 0; m < 64; m++ {
		mx, my, mz := m%4, (m/4)%4, m/16
		for n := m; n < 64; n++ {
			nx, ny, nz := n%4, (n/4)%4, n/16
			var v float64
			for _, term := range bendingTerms {
				o := term.order
				v += term.weight * gram[o[0]][0][mx][nx] * gram[o[1]][1][my][ny] * gram[o[2]][2][mz][nz]
			}
			form.SetSym(m, n, v)
		}
	}
	return form
}

// Derivatives fills rows with the 64 second-derivative weights of each
// term at offset, in the local knot order m = mz*16 + my*4 + mx.
func (b *BendingLUT) Derivatives(offset int, rows *[NumBendingTerms][64]float64) {
	qx := offset % b.voxPerRg[0]
	rest := offset / b.voxPerRg[0]
	q := [3]int{qx, rest % b.voxPerRg[1], rest / b.voxPerRg[1]}
	for t, term := range bendingTerms {
		var a axisTables
		for d := 0; d < 3; d++ {
			a[d] = b.axes[term.order[d]][d]
		}
		a.product(q, rows[t][:])
	}
}

// Weight returns the factor applied to the square of term t.
func (b *BendingLUT) Weight(t int) float64 { return bendingTerms[t].weight }

// Form returns the bending energy form of one region.
func (b *BendingLUT) Form() mat.Symmetric { return b.form }

// Energy returns the bending energy of coeff. When grad is not nil the
// derivative with respect to every coefficient is added to it. Regions are
// visited in index order, so the result does not depend on the caller.
func (b *BendingLUT) Energy(coeff, grad []float64) float64 {
	p := mat.NewVecDense(64, nil)
	qp := mat.NewVecDense(64, nil)

	var energy float64
	for region := 0; region < b.regions; region++ {
		knots := b.Knots(region)
		for c := 0; c < 3; c++ {
			for m, k := range knots {
				p.SetVec(m, coeff[3*k+c])
			}
			qp.MulVec(b.form, p)
			energy += mat.Dot(p, qp)
			if grad == nil {
				continue
			}
			for m, k := range knots {
				grad[3*k+c] += 2 * qp.AtVec(m)
			}
		}
	}
	return energy
}
