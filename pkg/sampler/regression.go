package sampler

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

var errSingular = errors.New("sampler: singular regression matrix")

// sinusoidParams is the parameter count of the C + A*sin(2*pi*f*t + phi)
// model; the AIC penalty term.
const sinusoidParams = 3

// fitFixedFreq fits voltage(t) = C + A*sin(2*pi*f*t + phi) by linear least
// squares over the basis {1, sin(2*pi*f*t), cos(2*pi*f*t)} with f held
// fixed. If ridge > 0, the constant term is pulled toward prior, which
// stabilizes the fit when few samples are available. Returns the constant C
// and the AIC score n*ln(SSE/n) + 2k.
func fitFixedFreq(ts, ys []float64, freq float64, prior float64, ridge float64) (c, aic float64, err error) {
	n := len(ys)
	if n < sinusoidParams {
		return 0, math.Inf(1), errSingular
	}

	rows := n
	if ridge > 0 {
		rows++
	}
	a := mat.NewDense(rows, sinusoidParams, nil)
	b := mat.NewVecDense(rows, nil)
	omega := 2 * math.Pi * freq
	for i := 0; i < n; i++ {
		a.Set(i, 0, 1)
		a.Set(i, 1, math.Sin(omega*ts[i]))
		a.Set(i, 2, math.Cos(omega*ts[i]))
		b.SetVec(i, ys[i])
	}
	if ridge > 0 {
		w := math.Sqrt(ridge)
		a.Set(n, 0, w)
		b.SetVec(n, w*prior)
	}

	var x mat.VecDense
	if err := x.SolveVec(a, b); err != nil {
		return 0, math.Inf(1), errSingular
	}

	var sse float64
	for i := 0; i < n; i++ {
		pred := x.AtVec(0) + x.AtVec(1)*math.Sin(omega*ts[i]) + x.AtVec(2)*math.Cos(omega*ts[i])
		r := ys[i] - pred
		sse += r * r
	}
	aic = float64(n)*math.Log(sse/float64(n)) + 2*sinusoidParams
	return x.AtVec(0), aic, nil
}

// trimOutliers drops the k smallest and k largest y-values (with their
// timestamps) before fitting. The cutoff is empirically tuned; k comes from
// configuration, not a literal.
func trimOutliers(ts, ys []float64, k int) ([]float64, []float64) {
	n := len(ys)
	if k <= 0 || n <= 2*k+sinusoidParams {
		return ts, ys
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return ys[idx[a]] < ys[idx[b]] })

	keep := idx[k : n-k]
	sort.Ints(keep)
	outT := make([]float64, 0, len(keep))
	outY := make([]float64, 0, len(keep))
	for _, i := range keep {
		outT = append(outT, ts[i])
		outY = append(outY, ys[i])
	}
	return outT, outY
}

func mean(ys []float64) float64 {
	if len(ys) == 0 {
		return 0
	}
	var sum float64
	for _, y := range ys {
		sum += y
	}
	return sum / float64(len(ys))
}
