/*Package fit computes transfer curve coefficients from measured samples.

The model is linear in the baseline and scale once the shift, exponent, and
transition voltage are fixed, so the search is split along those lines.  A
deterministic coarse grid over the three nonlinear terms, with the two
linear terms solved exactly at every node, locates the basin; a pattern
search refines the grid winner; a damped least squares pass then polishes
all five terms together.  The objective is non-convex and a pure descent
method started from a single point falls into local minima with wild
exponents, which is why the grid stage is not optional.  There are no
random restarts; the same input always produces the same output.

The seed and bound policy below was tuned against diode lasers driven over
a 0-5 V range and is part of the contract, not an implementation detail.
*/
package fit

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.jpl.nasa.gov/bdube/photocal/transfer"
)

// ErrInvalidArgument is the base error for malformed sample data.
var ErrInvalidArgument = errors.New("fit: invalid argument")

const (
	// grid over the nonlinear terms; voltage-like terms get gridPoints
	// nodes over [0, max tested voltage], the exponent walks pMin..pMax
	gridPoints = 25
	pMin       = 0.25
	pMax       = 6.0
	pStep      = 0.25

	// pattern search refinement
	refineShrink  = 0.5
	refineMinStep = 1e-10
	refineMaxPoll = 20000

	// damped least squares polish
	maxIterations = 200
	lambdaInit    = 1e-3
	lambdaGrow    = 4
	lambdaShrink  = 0.5
	lambdaMin     = 1e-14
	lambdaMax     = 1e12
	stepTol       = 1e-12
)

// Seed returns the initial guess and lower bounds for a sample set, in
// (B, M, V0, P, Vt) order.  B seeds at the power measured at the lowest
// tested voltage; the other four terms are fixed empirical values.  Lower
// bounds are all zero, except that when the lowest tested voltage is exactly
// zero the baseline may not fall below the power actually measured there; a
// dark laser cannot emit less than its measured floor.
func Seed(volts, milliwatts []float64) (guess, lower []float64) {
	iMin := 0
	for i := range volts {
		if volts[i] < volts[iMin] {
			iMin = i
		}
	}
	b0 := milliwatts[iMin]
	guess = []float64{b0, 1, 0.25, 1, 1}
	lower = []float64{0, 0, 0, 0, 0}
	if volts[iMin] == 0 {
		lower[0] = b0
	}
	return guess, lower
}

// Fit finds the transfer curve coefficients minimizing the sum of squared
// residuals against index-aligned (volts, milliwatts) samples.  Repeated
// voltages are permitted; pooled multi-channel data is fit jointly.
func Fit(volts, milliwatts []float64) (transfer.Coefficients, error) {
	var c transfer.Coefficients
	if err := validate(volts, milliwatts); err != nil {
		return c, err
	}
	guess, lower := Seed(volts, milliwatts)
	theta, steps := gridSearch(volts, milliwatts, lower[0], guess)
	theta, b, m := refine(volts, milliwatts, lower[0], theta, steps)
	x, err := polish(volts, milliwatts, []float64{b, m, theta[0], theta[1], theta[2]}, lower)
	if err != nil {
		return c, err
	}
	return transfer.FromSlice(x)
}

func validate(volts, milliwatts []float64) error {
	if len(volts) != len(milliwatts) {
		return fmt.Errorf("%w: %d voltages but %d powers", ErrInvalidArgument, len(volts), len(milliwatts))
	}
	if len(volts) < 2 {
		return fmt.Errorf("%w: need at least 2 samples, got %d", ErrInvalidArgument, len(volts))
	}
	for i := range volts {
		for _, v := range [2]float64{volts[i], milliwatts[i]} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: sample %d is not finite", ErrInvalidArgument, i)
			}
			if v < 0 {
				return fmt.Errorf("%w: sample %d is negative", ErrInvalidArgument, i)
			}
		}
	}
	return nil
}

// shape evaluates the curve with zero baseline and unit scale, so the full
// model is B + M*shape(v), linear in (B, M) for fixed (v0, p, vt)
func shape(v, v0, p, vt float64) float64 {
	if v <= vt {
		return math.Pow(math.Max(0, v-v0), p)
	}
	y := math.Pow(math.Max(0, vt-v0), p)
	if vt >= v0 {
		y += p * math.Pow(vt-v0, p-1) * (v - vt)
	}
	return y
}

func fillShape(phi, volts []float64, theta [3]float64) {
	for i, v := range volts {
		phi[i] = shape(v, theta[0], theta[1], theta[2])
	}
}

// linear solves min sum (b + m*phi_i - y_i)^2 subject to b >= lbB, m >= 0,
// checking the unconstrained optimum against each pinned-bound alternative.
// shape is non-negative, so the curve clamp is never active here.
func linear(phi, y []float64, lbB float64) (b, m, cost float64) {
	n := float64(len(y))
	var sp, spp, sy, spy float64
	for i := range y {
		sp += phi[i]
		spp += phi[i] * phi[i]
		sy += y[i]
		spy += phi[i] * y[i]
	}
	cost = math.Inf(1)
	try := func(bc, mc float64) {
		c := 0.0
		for i := range y {
			r := bc + mc*phi[i] - y[i]
			c += r * r
		}
		if c < cost {
			b, m, cost = bc, mc, c
		}
	}
	if det := n*spp - sp*sp; det > 1e-12*n*spp {
		bu := (sy*spp - spy*sp) / det
		mu := (n*spy - sp*sy) / det
		if bu >= lbB && mu >= 0 {
			try(bu, mu)
		}
	}
	if spp > 0 {
		try(lbB, math.Max(0, (spy-lbB*sp)/spp))
	}
	try(math.Max(lbB, sy/n), 0)
	return b, m, cost
}

// gridSearch returns the best (v0, p, vt) node and the grid spacings, which
// seed the refinement step sizes.  The fixed empirical seed competes with
// the grid nodes.
func gridSearch(volts, y []float64, lbB float64, guess []float64) ([3]float64, [3]float64) {
	vmax := volts[0]
	for _, v := range volts {
		if v > vmax {
			vmax = v
		}
	}
	if vmax == 0 {
		vmax = 1
	}
	dv := vmax / float64(gridPoints-1)

	phi := make([]float64, len(volts))
	var theta [3]float64
	best := math.Inf(1)
	eval := func(cand [3]float64) {
		fillShape(phi, volts, cand)
		if _, _, c := linear(phi, y, lbB); c < best {
			theta, best = cand, c
		}
	}
	eval([3]float64{guess[2], guess[3], guess[4]})
	for i := 0; i < gridPoints; i++ {
		for p := pMin; p <= pMax+1e-9; p += pStep {
			for j := 0; j < gridPoints; j++ {
				eval([3]float64{float64(i) * dv, p, float64(j) * dv})
			}
		}
	}
	return theta, [3]float64{dv, pStep, dv}
}

// refine runs a compass pattern search on the nonlinear terms, re-solving
// the linear terms at every candidate.  Steps shrink when no axis move
// improves the cost; the search is derivative free, so the kinks at the
// clamp and at the transition voltage cannot mislead it.
func refine(volts, y []float64, lbB float64, theta, steps [3]float64) ([3]float64, float64, float64) {
	phi := make([]float64, len(volts))
	eval := func(cand [3]float64) (float64, float64, float64) {
		fillShape(phi, volts, cand)
		return linear(phi, y, lbB)
	}
	b, m, cost := eval(theta)
	for poll := 0; poll < refineMaxPoll; poll++ {
		improved := false
		for j := 0; j < 3; j++ {
			for _, s := range [2]float64{steps[j], -steps[j]} {
				cand := theta
				cand[j] = math.Max(0, cand[j]+s)
				if cand[j] == theta[j] {
					continue
				}
				if cb, cm, cc := eval(cand); cc < cost {
					theta, b, m, cost = cand, cb, cm, cc
					improved = true
				}
			}
		}
		if improved {
			continue
		}
		widest := 0.0
		for j := range steps {
			steps[j] *= refineShrink
			if steps[j] > widest {
				widest = steps[j]
			}
		}
		if widest < refineMinStep {
			break
		}
	}
	return theta, b, m
}

// residuals fills r with forward(x, volts) - milliwatts and returns the
// sum of squares
func residuals(x, volts, milliwatts []float64, r *mat.VecDense) (float64, error) {
	c, err := transfer.FromSlice(x)
	if err != nil {
		return 0, err
	}
	pred, err := transfer.Forward(c, volts)
	if err != nil {
		return 0, err
	}
	cost := 0.0
	for i := range pred {
		ri := pred[i] - milliwatts[i]
		r.SetVec(i, ri)
		cost += ri * ri
	}
	return cost, nil
}

// jacobian fills J with central differences of the residual vector.  The
// residual and the prediction share a Jacobian; the data term is constant.
// A term sitting at zero gets a one-sided difference, the model rejects
// negative coefficients.
func jacobian(x, volts, milliwatts []float64, J *mat.Dense) error {
	n := len(x)
	m := len(volts)
	plus := mat.NewVecDense(m, nil)
	minus := mat.NewVecDense(m, nil)
	xp := make([]float64, n)
	for j := 0; j < n; j++ {
		h := 1e-6 * math.Max(1, math.Abs(x[j]))
		copy(xp, x)
		xp[j] = x[j] + h
		if _, err := residuals(xp, volts, milliwatts, plus); err != nil {
			return err
		}
		xp[j] = math.Max(0, x[j]-h)
		hm := x[j] - xp[j]
		if _, err := residuals(xp, volts, milliwatts, minus); err != nil {
			return err
		}
		for i := 0; i < m; i++ {
			J.Set(i, j, (plus.AtVec(i)-minus.AtVec(i))/(h+hm))
		}
	}
	return nil
}

// polish descends all five terms from the refined solution with damped
// normal equations.  Every step is projected onto the lower bounds; when
// the projection pins a term, the step over the remaining terms is
// re-solved with the pinned term held at its bound, so descent along the
// free terms is not destroyed by the clipping.  Steps are only ever
// accepted downhill; at worst the input comes back unchanged.
func polish(volts, milliwatts, guess, lower []float64) ([]float64, error) {
	n := len(guess)
	m := len(volts)
	x := make([]float64, n)
	copy(x, guess)
	project(x, lower)

	r := mat.NewVecDense(m, nil)
	rTrial := mat.NewVecDense(m, nil)
	rBest := mat.NewVecDense(m, nil)
	J := mat.NewDense(m, n, nil)
	A := mat.NewDense(n, n, nil)
	g := mat.NewVecDense(n, nil)

	cost, err := residuals(x, volts, milliwatts, r)
	if err != nil {
		return nil, err
	}
	lambda := lambdaInit
	for iter := 0; iter < maxIterations; iter++ {
		if err := jacobian(x, volts, milliwatts, J); err != nil {
			return nil, err
		}
		A.Mul(J.T(), J)
		g.MulVec(J.T(), r)

		improved := false
		for lambda <= lambdaMax {
			var best []float64
			bestCost := cost
			for _, trial := range candidates(x, lower, A, g, lambda) {
				tc, err := residuals(trial, volts, milliwatts, rTrial)
				if err != nil {
					continue
				}
				if tc < bestCost {
					best, bestCost = trial, tc
					rBest.CopyVec(rTrial)
				}
			}
			if best == nil {
				lambda *= lambdaGrow
				continue
			}
			moved := maxAbsDiff(best, x)
			copy(x, best)
			r.CopyVec(rBest)
			cost = bestCost
			lambda = math.Max(lambda*lambdaShrink, lambdaMin)
			improved = true
			if moved < stepTol {
				return x, nil
			}
			break
		}
		if !improved {
			// damping exhausted, no downhill step from here
			return x, nil
		}
	}
	return x, nil
}

// candidates solves the damped normal equations for a full step, projected
// onto the bounds, and, when the projection pinned any term, a second step
// re-solved over the free terms with the pinned ones held at their bounds
func candidates(x, lower []float64, A *mat.Dense, g *mat.VecDense, lambda float64) [][]float64 {
	n := len(x)
	full := solveDamped(A, g, lambda)
	if full == nil {
		return nil
	}
	trial := make([]float64, n)
	var pinned []int
	for i := 0; i < n; i++ {
		trial[i] = x[i] - full[i]
		if trial[i] < lower[i] {
			trial[i] = lower[i]
			pinned = append(pinned, i)
		}
	}
	out := [][]float64{trial}
	if len(pinned) == 0 || len(pinned) == n {
		return out
	}
	if red := solveReduced(A, g, lambda, x, lower, pinned); red != nil {
		out = append(out, red)
	}
	return out
}

func solveDamped(A *mat.Dense, g *mat.VecDense, lambda float64) []float64 {
	n, _ := A.Dims()
	D := mat.NewDense(n, n, nil)
	D.Copy(A)
	for i := 0; i < n; i++ {
		// Marquardt scaling keeps the step sane when the columns of J
		// have very different magnitudes
		D.Set(i, i, D.At(i, i)+lambda*math.Max(D.At(i, i), 1e-12))
	}
	var delta mat.VecDense
	if err := delta.SolveVec(D, g); err != nil {
		return nil
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = delta.AtVec(i)
	}
	return out
}

// solveReduced fixes the pinned terms at their bounds and solves the damped
// normal equations over the free terms only, with the pinned contribution
// moved to the right hand side
func solveReduced(A *mat.Dense, g *mat.VecDense, lambda float64, x, lower []float64, pinned []int) []float64 {
	n := len(x)
	isPinned := make([]bool, n)
	for _, i := range pinned {
		isPinned[i] = true
	}
	var free []int
	for i := 0; i < n; i++ {
		if !isPinned[i] {
			free = append(free, i)
		}
	}
	k := len(free)
	D := mat.NewDense(k, k, nil)
	rhs := mat.NewVecDense(k, nil)
	for a, i := range free {
		v := g.AtVec(i)
		for _, j := range pinned {
			v -= A.At(i, j) * (x[j] - lower[j])
		}
		rhs.SetVec(a, v)
		for b, j := range free {
			D.Set(a, b, A.At(i, j))
		}
		D.Set(a, a, D.At(a, a)+lambda*math.Max(D.At(a, a), 1e-12))
	}
	var delta mat.VecDense
	if err := delta.SolveVec(D, rhs); err != nil {
		return nil
	}
	trial := make([]float64, n)
	for _, j := range pinned {
		trial[j] = lower[j]
	}
	for a, i := range free {
		trial[i] = math.Max(lower[i], x[i]-delta.AtVec(a))
	}
	return trial
}

func maxAbsDiff(a, b []float64) float64 {
	widest := 0.0
	for i := range a {
		if d := math.Abs(a[i] - b[i]); d > widest {
			widest = d
		}
	}
	return widest
}

func project(x, lower []float64) {
	for i := range x {
		if x[i] < lower[i] {
			x[i] = lower[i]
		}
	}
}
