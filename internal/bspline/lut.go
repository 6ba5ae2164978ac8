package bspline

import (
	"fmt"
	"strings"
)

// LUTStrategy selects how basis weights are stored.
type LUTStrategy string

const (
	// LUTAligned stores the 64 weight products for every in-region offset.
	LUTAligned LUTStrategy = "aligned"
	// LUTSeparable stores three 1-D tables and forms products on demand.
	LUTSeparable LUTStrategy = "separable"
)

func (s LUTStrategy) valid() bool {
	return s == LUTAligned || s == LUTSeparable
}

// ParseLUTStrategy maps user input onto a strategy. Empty input selects
// LUTAligned.
func ParseLUTStrategy(name string) (LUTStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "aligned", "3d":
		return LUTAligned, nil
	case "separable", "1d":
		return LUTSeparable, nil
	default:
		return "", fmt.Errorf("%w: unknown LUT strategy %q", ErrInvalidGeometry, name)
	}
}

// LUT pairs the per-region knot index table with a per-offset weight table.
// Both tables use the local ordering m = mz*16 + my*4 + mx.
// Implementations are read-only after construction and safe for concurrent use.
type LUT interface {
	// Knots returns the 64 knot indices influencing region.
	Knots(region int) []int
	// Weights returns the 64 basis weights of offset. buf must hold 64
	// values; implementations may return an internal row instead of filling it.
	Weights(offset int, buf []float64) []float64
	// Strategy reports how the weights are stored.
	Strategy() LUTStrategy
}

// BuildLUT builds the tables for g using the strategy chosen at construction.
func BuildLUT(g *Geometry) LUT {
	if g.LUT == LUTSeparable {
		return BuildSeparable(g)
	}
	return BuildAligned(g)
}

// knotTable is the per-region index table shared by both strategies.
type knotTable struct {
	knots []int
}

func buildKnotTable(g *Geometry) knotTable {
	n := g.NumRegions()
	t := knotTable{knots: make([]int, n*64)}
	for region := 0; region < n; region++ {
		r := g.RegionCoords(region)
		row := t.knots[region*64 : region*64+64]
		m := 0
		for mz := 0; mz < 4; mz++ {
			for my := 0; my < 4; my++ {
				for mx := 0; mx < 4; mx++ {
					row[m] = g.KnotIndex(r[0]+mx, r[1]+my, r[2]+mz)
					m++
				}
			}
		}
	}
	return t
}

func (t *knotTable) Knots(region int) []int {
	return t.knots[region*64 : region*64+64 : region*64+64]
}

// AlignedLUT holds a flattened 3-D weight table.
type AlignedLUT struct {
	knotTable
	weights []float64
}

// BuildAligned precomputes all 64 weight products for every offset.
func BuildAligned(g *Geometry) *AlignedLUT {
	sep := buildAxisTables(g)
	n := g.NumOffsets()
	l := &AlignedLUT{
		knotTable: buildKnotTable(g),
		weights:   make([]float64, n*64),
	}
	for offset := 0; offset < n; offset++ {
		q := g.OffsetCoords(offset)
		sep.product(q, l.weights[offset*64:offset*64+64])
	}
	return l
}

// Weights returns the precomputed row; buf is unused.
func (l *AlignedLUT) Weights(offset int, _ []float64) []float64 {
	return l.weights[offset*64 : offset*64+64 : offset*64+64]
}

func (l *AlignedLUT) Strategy() LUTStrategy { return LUTAligned }

// SeparableLUT keeps one 4-wide table per axis.
type SeparableLUT struct {
	knotTable
	axes     axisTables
	voxPerRg [3]int
}

// BuildSeparable builds the 1-D tables.
func BuildSeparable(g *Geometry) *SeparableLUT {
	return &SeparableLUT{
		knotTable: buildKnotTable(g),
		axes:      buildAxisTables(g),
		voxPerRg:  g.VoxPerRgn,
	}
}

// Weights forms the 64 products for offset in buf.
func (l *SeparableLUT) Weights(offset int, buf []float64) []float64 {
	qx := offset % l.voxPerRg[0]
	rest := offset / l.voxPerRg[0]
	q := [3]int{qx, rest % l.voxPerRg[1], rest / l.voxPerRg[1]}
	l.axes.product(q, buf[:64])
	return buf[:64]
}

func (l *SeparableLUT) Strategy() LUTStrategy { return LUTSeparable }

// axisTables holds Basis(m, q/vox_per_rgn) for each axis at [q*4+m].
type axisTables [3][]float64

func buildAxisTables(g *Geometry) axisTables {
	var a axisTables
	for d := 0; d < 3; d++ {
		vpr := g.VoxPerRgn[d]
		a[d] = make([]float64, vpr*4)
		for q := 0; q < vpr; q++ {
			basis4(float64(q)/float64(vpr), a[d][q*4:q*4+4])
		}
	}
	return a
}

func (a *axisTables) product(q [3]int, out []float64) {
	bx := a[0][q[0]*4 : q[0]*4+4]
	by := a[1][q[1]*4 : q[1]*4+4]
	bz := a[2][q[2]*4 : q[2]*4+4]
	m := 0
	for mz := 0; mz < 4; mz++ {
		for my := 0; my < 4; my++ {
			yz := bz[mz] * by[my]
			for mx := 0; mx < 4; mx++ {
				out[m] = yz * bx[mx]
				m++
			}
		}
	}
}
