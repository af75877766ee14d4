package spline

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// NaturalBasis is a natural cubic spline basis over a fixed knot sequence.
// The basis is linear beyond the boundary knots. For K knots it has K-1
// columns: one linear term plus one curvature term per interior knot.
type NaturalBasis struct {
	knots []float64
}

// NewNaturalBasis validates the knot sequence and returns the basis.
func NewNaturalBasis(knots []float64) (*NaturalBasis, error) {
	if len(knots) < 2 {
		return nil, fmt.Errorf("natural basis: need at least 2 knots, got %d", len(knots))
	}
	for i := 1; i < len(knots); i++ {
		if knots[i] <= knots[i-1] {
			return nil, fmt.Errorf("natural basis: knots must be strictly increasing at index %d", i)
		}
	}
	return &NaturalBasis{knots: knots}, nil
}

// Dim returns the number of basis columns.
func (b *NaturalBasis) Dim() int { return len(b.knots) - 1 }

// Knots returns the knot positions.
func (b *NaturalBasis) Knots() []float64 { return b.knots }

func cube(u float64) float64 {
	if u <= 0 {
		return 0
	}
	return u * u * u
}

// Eval returns the basis row at x. Truncated-power construction: column 0 is
// the linear term scaled to the knot range, columns 1..K-2 are
// d_j(x) - d_{K-2}(x) with d_j(x) = (p(x-k_j) - p(x-k_last)) / (k_last - k_j)
// and p(u) = max(u,0)^3, which forces zero second and third derivative
// outside the boundary knots.
func (b *NaturalBasis) Eval(x float64) []float64 {
	k := b.knots
	last := len(k) - 1
	span := k[last] - k[0]
	out := make([]float64, b.Dim())
	out[0] = (x - k[0]) / span

	d := func(j int) float64 {
		return (cube(x-k[j]) - cube(x-k[last])) / (k[last] - k[j])
	}
	dLast := d(last - 1)
	scale := span * span // keep curvature terms on a comparable scale to the linear term
	for j := 0; j < last-1; j++ {
		out[j+1] = (d(j) - dLast) / scale
	}
	return out
}

// CyclicBasis is a cyclic cubic regression spline basis: the fitted curve has
// equal value and first and second derivative at the two ends of the period,
// so month 12 joins month 1 smoothly. Construction follows the standard
// cyclic cubic regression spline: values at knots map to second derivatives
// through a banded linear system, and the basis row interpolates
// within the containing knot interval.
type CyclicBasis struct {
	knots []float64
	bd    *mat.Dense // B^{-1} D, (K-1)x(K-1)
}

// NewCyclicBasis builds the basis for a strictly increasing knot sequence
// whose first and last knots mark the period endpoints (the last knot is the
// wrap image of the first and contributes no extra column).
func NewCyclicBasis(knots []float64) (*CyclicBasis, error) {
	nk := len(knots)
	if nk < 4 {
		return nil, fmt.Errorf("cyclic basis: need at least 4 knots, got %d", nk)
	}
	for i := 1; i < nk; i++ {
		if knots[i] <= knots[i-1] {
			return nil, fmt.Errorf("cyclic basis: knots must be strictly increasing at index %d", i)
		}
	}

	n := nk - 1
	h := make([]float64, n)
	for i := 0; i < n; i++ {
		h[i] = knots[i+1] - knots[i]
	}

	B := mat.NewDense(n, n, nil)
	D := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		prev := (i - 1 + n) % n
		next := (i + 1) % n
		hPrev := h[prev]
		hCur := h[i]
		B.Set(i, prev, hPrev/6)
		B.Set(i, i, (hPrev+hCur)/3)
		B.Set(i, next, B.At(i, next)+hCur/6)
		D.Set(i, prev, 1/hPrev)
		D.Set(i, i, -(1/hPrev + 1/hCur))
		D.Set(i, next, D.At(i, next)+1/hCur)
	}

	var bd mat.Dense
	if err := bd.Solve(B, D); err != nil {
		return nil, fmt.Errorf("cyclic basis: singular knot system: %w", err)
	}
	return &CyclicBasis{knots: knots, bd: &bd}, nil
}

// Dim returns the number of basis columns (one per distinct knot).
func (b *CyclicBasis) Dim() int { return len(b.knots) - 1 }

// Knots returns the knot positions.
func (b *CyclicBasis) Knots() []float64 { return b.knots }

// Eval returns the basis row at x, with x wrapped into the knot period.
func (b *CyclicBasis) Eval(x float64) []float64 {
	k := b.knots
	n := b.Dim()
	period := k[len(k)-1] - k[0]
	x = math.Mod(x-k[0], period)
	if x < 0 {
		x += period
	}
	x += k[0]

	// Locate the containing interval.
	j := n - 1
	for i := 0; i < n; i++ {
		if x < k[i+1] {
			j = i
			break
		}
	}
	j1 := (j + 1) % n

	hj := k[j+1] - k[j]
	amx := k[j+1] - x
	apx := x - k[j]

	out := make([]float64, n)
	out[j] += amx / hj
	out[j1] += apx / hj
	c1 := (amx*amx*amx/hj - hj*amx) / 6
	c2 := (apx*apx*apx/hj - hj*apx) / 6
	for col := 0; col < n; col++ {
		out[col] += c1*b.bd.At(j, col) + c2*b.bd.At(j1, col)
	}
	return out
}
